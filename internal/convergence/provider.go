package convergence

import (
	"context"

	"github.com/sells-group/pald-cli/internal/model"
)

// TextGenerator produces free text from a prompt. Calls may fail or time
// out and must be safe to repeat.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Image is a handle to a generated image: a URL, inline bytes, or both.
type Image struct {
	URL           string `json:"url,omitempty"`
	Data          []byte `json:"-"`
	MediaType     string `json:"media_type,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// ImageGenerator renders an image for a prompt.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (Image, error)
}

// ImageDescriber describes an image in natural language.
type ImageDescriber interface {
	Describe(ctx context.Context, img Image) (string, error)
}

// Extractor turns natural-language text into record content for schema.
// Failures should be reported as *model.ExtractionError.
type Extractor interface {
	Extract(ctx context.Context, text string, schema *model.Schema) (map[string]any, error)
}

// Harvester receives attribute names found outside the active schema.
type Harvester interface {
	ObserveAll(ctx context.Context, names []string) error
}

// BiasEnqueuer schedules a deferred comparison of two records.
type BiasEnqueuer interface {
	Enqueue(ctx context.Context, a, b *model.Record, types []model.AnalysisType) (string, error)
}
