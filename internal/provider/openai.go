package provider

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pald-cli/internal/convergence"
	"github.com/sells-group/pald-cli/internal/model"
	"github.com/sells-group/pald-cli/internal/resilience"
	"github.com/sells-group/pald-cli/pkg/openai"
)

const describeSystem = `You describe the visible appearance of a single character in an image for a research study.
Cover age range, gender presentation, hair, skin, eyes, clothing, accessories, body type, expression and pose.
Write one short factual sentence per attribute. Do not interpret or speculate beyond what is visible.`

// OpenAIOptions configures the OpenAI adapter.
type OpenAIOptions struct {
	ImageModel        string
	ImageSize         string
	VisionModel       string
	DescribeMaxTokens int
	RequestsPerMinute int
	Breaker           *resilience.CircuitBreaker
}

// OpenAI implements convergence.ImageGenerator and convergence.ImageDescriber.
type OpenAI struct {
	client openai.Client
	opts   OpenAIOptions
	guard  guard
}

// NewOpenAI creates the adapter.
func NewOpenAI(client openai.Client, opts OpenAIOptions) *OpenAI {
	if opts.ImageModel == "" {
		opts.ImageModel = "dall-e-3"
	}
	if opts.ImageSize == "" {
		opts.ImageSize = "1024x1024"
	}
	if opts.VisionModel == "" {
		opts.VisionModel = "gpt-4o-mini"
	}
	if opts.DescribeMaxTokens <= 0 {
		opts.DescribeMaxTokens = 400
	}
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	}
	return &OpenAI{
		client: client,
		opts:   opts,
		guard: guard{
			provider: "openai",
			limiter:  newLimiter(opts.RequestsPerMinute),
			breaker:  opts.Breaker,
			statusOf: openai.StatusCode,
		},
	}
}

// GenerateImage renders prompt.
func (o *OpenAI) GenerateImage(ctx context.Context, prompt string) (convergence.Image, error) {
	resp, err := do(ctx, o.guard, "generate_image", func(ctx context.Context) (*openai.ImageResponse, error) {
		return o.client.CreateImage(ctx, openai.ImageRequest{
			Prompt: prompt,
			Model:  o.opts.ImageModel,
			Size:   o.opts.ImageSize,
		})
	})
	if err != nil {
		return convergence.Image{}, err
	}
	img := convergence.Image{URL: resp.URL, Data: resp.Data, RevisedPrompt: resp.RevisedPrompt}
	if len(img.Data) > 0 {
		img.MediaType = "image/png"
	}
	return img, nil
}

// Describe asks the vision model for an appearance description of img.
func (o *OpenAI) Describe(ctx context.Context, img convergence.Image) (string, error) {
	url := img.URL
	if url == "" && len(img.Data) > 0 {
		url = openai.DataURL(img.MediaType, img.Data)
	}
	if url == "" {
		return "", &model.ProviderError{Provider: "openai", Op: "describe", Err: eris.New("image has neither URL nor data")}
	}

	resp, err := do(ctx, o.guard, "describe", func(ctx context.Context) (*openai.DescribeResponse, error) {
		return o.client.DescribeImage(ctx, openai.DescribeRequest{
			Model:     o.opts.VisionModel,
			System:    describeSystem,
			Prompt:    "Describe the character in this image.",
			ImageURL:  url,
			MaxTokens: o.opts.DescribeMaxTokens,
		})
	})
	if err != nil {
		return "", err
	}
	if resp.Text == "" {
		return "", &model.ProviderError{Provider: "openai", Op: "describe", Err: errEmptyOutput}
	}
	return resp.Text, nil
}
