package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateImage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/images/generations")

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "a tutor with brown hair", body["prompt"])
		assert.Equal(t, "dall-e-3", body["model"])
		assert.Equal(t, "1024x1024", body["size"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"created": 1700000000,
			"data": []map[string]any{
				{"url": "https://img.example/1.png", "revised_prompt": "A tutor with brown hair, smiling"},
			},
		})
	}))
	defer ts.Close()

	c := NewClient("test-key", ts.URL+"/v1")
	resp, err := c.CreateImage(context.Background(), ImageRequest{
		Prompt: "a tutor with brown hair",
		Model:  "dall-e-3",
		Size:   "1024x1024",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://img.example/1.png", resp.URL)
	assert.Equal(t, "A tutor with brown hair, smiling", resp.RevisedPrompt)
	assert.Nil(t, resp.Data)
}

func TestCreateImage_Base64(t *testing.T) {
	raw := []byte{0x89, 'P', 'N', 'G'}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"data": []map[string]any{{"b64_json": base64.StdEncoding.EncodeToString(raw)}},
		})
	}))
	defer ts.Close()

	resp, err := NewClient("k", ts.URL+"/v1").CreateImage(context.Background(), ImageRequest{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, raw, resp.Data)
}

func TestCreateImage_ErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"Rate limit reached","type":"requests"}}`) //nolint:errcheck
	}))
	defer ts.Close()

	_, err := NewClient("k", ts.URL+"/v1").CreateImage(context.Background(), ImageRequest{Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "openai: create image")
	assert.Equal(t, http.StatusTooManyRequests, StatusCode(err))
}

func TestDescribeImage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/chat/completions")

		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string          `json:"role"`
				Content json.RawMessage `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body.Model)
		require.Len(t, body.Messages, 2)
		assert.Equal(t, "system", body.Messages[0].Role)
		assert.Contains(t, string(body.Messages[1].Content), "image_url")
		assert.Contains(t, string(body.Messages[1].Content), "https://img.example/1.png")

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"id": "chatcmpl-1",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": "  A young adult with brown hair.  "},
			}},
			"usage": map[string]any{"prompt_tokens": 900, "completion_tokens": 12, "total_tokens": 912},
		})
	}))
	defer ts.Close()

	resp, err := NewClient("k", ts.URL+"/v1").DescribeImage(context.Background(), DescribeRequest{
		Model:     "gpt-4o-mini",
		System:    "Describe the character.",
		Prompt:    "Describe this image.",
		ImageURL:  "https://img.example/1.png",
		MaxTokens: 300,
	})
	require.NoError(t, err)
	assert.Equal(t, "A young adult with brown hair.", resp.Text)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 900, resp.InputTokens)
}

func TestDataURL(t *testing.T) {
	assert.Equal(t, "data:image/png;base64,AQI=", DataURL("", []byte{1, 2}))
	assert.Equal(t, "data:image/webp;base64,AQI=", DataURL("image/webp", []byte{1, 2}))
}

func TestStatusCode_NonAPIError(t *testing.T) {
	assert.Equal(t, 0, StatusCode(assert.AnError))
}
