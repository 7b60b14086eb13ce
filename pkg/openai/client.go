// Package openai wraps the image generation and vision endpoints used to
// render and describe agent appearances.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	sdk "github.com/sashabaranov/go-openai"
)

// Client defines the OpenAI API operations used by the PALD providers.
type Client interface {
	CreateImage(ctx context.Context, req ImageRequest) (*ImageResponse, error)
	DescribeImage(ctx context.Context, req DescribeRequest) (*DescribeResponse, error)
}

// ImageRequest asks for one generated image.
type ImageRequest struct {
	Prompt string
	Model  string // e.g. "dall-e-3"
	Size   string // e.g. "1024x1024"
}

// ImageResponse carries the generated image. Exactly one of URL and Data
// is set.
type ImageResponse struct {
	URL           string
	Data          []byte
	RevisedPrompt string
}

// DescribeRequest asks a vision model to describe an image. ImageURL may be
// an https URL or a data URL.
type DescribeRequest struct {
	Model     string
	System    string
	Prompt    string
	ImageURL  string
	MaxTokens int
}

// DescribeResponse is the model's description.
type DescribeResponse struct {
	Text         string
	FinishReason string
	InputTokens  int
	OutputTokens int
}

type sdkClient struct {
	client *sdk.Client
}

// NewClient creates a client. baseURL may be empty for the public API.
func NewClient(apiKey, baseURL string) Client {
	cfg := sdk.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &sdkClient{client: sdk.NewClientWithConfig(cfg)}
}

func (c *sdkClient) CreateImage(ctx context.Context, req ImageRequest) (*ImageResponse, error) {
	resp, err := c.client.CreateImage(ctx, sdk.ImageRequest{
		Prompt:         req.Prompt,
		Model:          req.Model,
		Size:           req.Size,
		N:              1,
		ResponseFormat: sdk.CreateImageResponseFormatURL,
	})
	if err != nil {
		return nil, eris.Wrap(err, "openai: create image")
	}
	if len(resp.Data) == 0 {
		return nil, eris.New("openai: create image: empty response")
	}

	d := resp.Data[0]
	out := &ImageResponse{URL: d.URL, RevisedPrompt: d.RevisedPrompt}
	if out.URL == "" && d.B64JSON != "" {
		out.Data, err = base64.StdEncoding.DecodeString(d.B64JSON)
		if err != nil {
			return nil, eris.Wrap(err, "openai: decode image")
		}
	}
	return out, nil
}

func (c *sdkClient) DescribeImage(ctx context.Context, req DescribeRequest) (*DescribeResponse, error) {
	var msgs []sdk.ChatCompletionMessage
	if req.System != "" {
		msgs = append(msgs, sdk.ChatCompletionMessage{Role: sdk.ChatMessageRoleSystem, Content: req.System})
	}
	msgs = append(msgs, sdk.ChatCompletionMessage{
		Role: sdk.ChatMessageRoleUser,
		MultiContent: []sdk.ChatMessagePart{
			{Type: sdk.ChatMessagePartTypeText, Text: req.Prompt},
			{Type: sdk.ChatMessagePartTypeImageURL, ImageURL: &sdk.ChatMessageImageURL{
				URL:    req.ImageURL,
				Detail: sdk.ImageURLDetailAuto,
			}},
		},
	})

	resp, err := c.client.CreateChatCompletion(ctx, sdk.ChatCompletionRequest{
		Model:               req.Model,
		Messages:            msgs,
		MaxCompletionTokens: req.MaxTokens,
	})
	if err != nil {
		return nil, eris.Wrap(err, "openai: describe image")
	}
	if len(resp.Choices) == 0 {
		return nil, eris.New("openai: describe image: no choices")
	}
	return &DescribeResponse{
		Text:         strings.TrimSpace(resp.Choices[0].Message.Content),
		FinishReason: string(resp.Choices[0].FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// DataURL encodes raw image bytes for DescribeRequest.ImageURL.
func DataURL(mediaType string, data []byte) string {
	if mediaType == "" {
		mediaType = "image/png"
	}
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// StatusCode returns the HTTP status of an API error, or 0 when err did
// not come from an API response.
func StatusCode(err error) int {
	var apiErr *sdk.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *sdk.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
