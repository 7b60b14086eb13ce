package provider

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/pald-cli/internal/convergence"
	"github.com/sells-group/pald-cli/internal/model"
	"github.com/sells-group/pald-cli/internal/resilience"
	"github.com/sells-group/pald-cli/pkg/anthropic"
	amocks "github.com/sells-group/pald-cli/pkg/anthropic/mocks"
	"github.com/sells-group/pald-cli/pkg/openai"
	omocks "github.com/sells-group/pald-cli/pkg/openai/mocks"
)

func testSchema(t *testing.T) *model.Schema {
	t.Helper()
	s, err := model.NewSchema("v2", "v1", []model.FieldSpec{
		{Path: "hair_color", Type: model.FieldTypeString, Required: true},
		{Path: "age_range", Type: model.FieldTypeEnum, AllowedValues: []string{"child", "adult"}},
		{Path: "hat", Type: model.FieldTypeString, Deprecated: true},
	})
	require.NoError(t, err)
	return s
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{Content: []anthropic.ContentBlock{{Type: "text", Text: text}}}
}

func TestAnthropic_Extract(t *testing.T) {
	mc := amocks.NewMockClient(t)
	a := NewAnthropic(mc, AnthropicOptions{Model: "claude-haiku-4-5-20251001"})

	mc.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		if len(req.System) != 1 || req.System[0].CacheControl == nil {
			return false
		}
		sys := req.System[0].Text
		return strings.Contains(sys, "schema v2") &&
			strings.Contains(sys, "- hair_color (string, required)") &&
			strings.Contains(sys, "one of: child, adult") &&
			!strings.Contains(sys, "- hat") &&
			req.Messages[0].Content == "A child with brown hair and a red scarf"
	})).Return(textResponse("```json\n{\"hair_color\": \"brown\", \"age_range\": \"child\", \"scarf\": \"red\"}\n```"), nil).Once()

	got, err := a.Extract(context.Background(), "A child with brown hair and a red scarf", testSchema(t))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"hair_color": "brown", "age_range": "child", "scarf": "red"}, got)
}

func TestAnthropic_ExtractUnparseable(t *testing.T) {
	mc := amocks.NewMockClient(t)
	a := NewAnthropic(mc, AnthropicOptions{})
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse("I cannot tell."), nil).Once()

	_, err := a.Extract(context.Background(), "???", testSchema(t))
	require.Error(t, err)
	assert.True(t, model.IsExtractionError(err))
}

func TestAnthropic_TransientErrorsStayTransient(t *testing.T) {
	mc := amocks.NewMockClient(t)
	a := NewAnthropic(mc, AnthropicOptions{})
	mc.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(errors.New("overloaded"), 529)).Once()

	_, err := a.Generate(context.Background(), "shorten this")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	var pe *model.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "anthropic", pe.Provider)
	assert.Equal(t, "generate", pe.Op)
}

func TestAnthropic_EmptyAnswer(t *testing.T) {
	mc := amocks.NewMockClient(t)
	a := NewAnthropic(mc, AnthropicOptions{})
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse("   "), nil).Once()

	_, err := a.Generate(context.Background(), "p")
	assert.ErrorIs(t, err, errEmptyOutput)
}

func TestAnthropic_Analyzer(t *testing.T) {
	mc := amocks.NewMockClient(t)
	a := NewAnthropic(mc, AnthropicOptions{})
	an := a.Analyzer("age_shift", DefaultAnalysisPrompts["age_shift"])

	mc.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return strings.Contains(req.System[0].Text, "perceived age") &&
			strings.Contains(req.Messages[0].Content, `"a":{"age_range":"child"}`)
	})).Return(textResponse("Result:\n{ \"shift\": \"older\",\n \"severity\": 2 }"), nil).Once()

	ra := model.NewRecord("s", "v1", model.RecordKindInput, map[string]any{"age_range": "child"})
	rb := model.NewRecord("s", "v1", model.RecordKindDescription, map[string]any{"age_range": "adult"})
	out, err := an.Analyze(context.Background(), ra, rb)
	require.NoError(t, err)
	assert.Equal(t, `{"shift":"older","severity":2}`, string(out))

	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse("no idea"), nil).Once()
	_, err = an.Analyze(context.Background(), ra, rb)
	assert.Error(t, err)
}

func TestGuard_ClassifiesHTTPStatus(t *testing.T) {
	g := guard{statusOf: func(err error) int {
		if strings.Contains(err.Error(), "429") {
			return 429
		}
		return 400
	}}
	assert.True(t, resilience.IsTransient(g.classify(errors.New("status 429"))))
	assert.False(t, resilience.IsTransient(g.classify(errors.New("status 400"))))
}

func TestGuard_BreakerOpensOnTransientFailures(t *testing.T) {
	mc := amocks.NewMockClient(t)
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour})
	a := NewAnthropic(mc, AnthropicOptions{Breaker: breaker})
	mc.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(errors.New("503"), 503)).Twice()

	for range 2 {
		_, err := a.Generate(context.Background(), "p")
		require.Error(t, err)
	}
	_, err := a.Generate(context.Background(), "p")
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, resilience.CircuitOpen, breaker.State())
}

func TestNewLimiter(t *testing.T) {
	assert.Equal(t, rate.Inf, newLimiter(0).Limit())
	l := newLimiter(120)
	assert.InDelta(t, 2.0, float64(l.Limit()), 1e-9)
	assert.Equal(t, 2, l.Burst())
	assert.Equal(t, 1, newLimiter(30).Burst())
}

func TestOpenAI_GenerateAndDescribe(t *testing.T) {
	mc := omocks.NewMockClient(t)
	o := NewOpenAI(mc, OpenAIOptions{})

	mc.On("CreateImage", mock.Anything, openai.ImageRequest{
		Prompt: "a tutor", Model: "dall-e-3", Size: "1024x1024",
	}).Return(&openai.ImageResponse{URL: "https://img/1.png", RevisedPrompt: "a friendly tutor"}, nil).Once()
	mc.On("DescribeImage", mock.Anything, mock.MatchedBy(func(req openai.DescribeRequest) bool {
		return req.ImageURL == "https://img/1.png" && req.Model == "gpt-4o-mini" && req.System != ""
	})).Return(&openai.DescribeResponse{Text: "An adult with brown hair."}, nil).Once()

	ctx := context.Background()
	img, err := o.GenerateImage(ctx, "a tutor")
	require.NoError(t, err)
	assert.Equal(t, "a friendly tutor", img.RevisedPrompt)

	text, err := o.Describe(ctx, img)
	require.NoError(t, err)
	assert.Equal(t, "An adult with brown hair.", text)
}

func TestOpenAI_DescribeInlineData(t *testing.T) {
	mc := omocks.NewMockClient(t)
	o := NewOpenAI(mc, OpenAIOptions{VisionModel: "gpt-4o"})

	mc.On("DescribeImage", mock.Anything, mock.MatchedBy(func(req openai.DescribeRequest) bool {
		return strings.HasPrefix(req.ImageURL, "data:image/png;base64,")
	})).Return(&openai.DescribeResponse{Text: "x"}, nil).Once()

	_, err := o.Describe(context.Background(), convergence.Image{Data: []byte{1, 2, 3}, MediaType: "image/png"})
	require.NoError(t, err)

	_, err = o.Describe(context.Background(), convergence.Image{})
	assert.Error(t, err)
}
