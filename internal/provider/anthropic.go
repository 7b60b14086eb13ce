package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pald-cli/internal/biasjob"
	"github.com/sells-group/pald-cli/internal/model"
	"github.com/sells-group/pald-cli/internal/resilience"
	"github.com/sells-group/pald-cli/pkg/anthropic"
)

const extractSystem = `You convert free-text descriptions of a pedagogical agent's appearance into a JSON record.

Rules:
- Answer with a single JSON object and nothing else.
- Use the field paths listed below as keys whenever the text states that attribute.
- Enum fields must use one of the allowed values. Lists are JSON arrays of strings. Booleans are true or false.
- Omit attributes the text does not mention. Never guess.
- If the text states a visual attribute that no listed field covers, add it under a short snake_case key.

Fields of schema %s:
%s`

const analyzeSystem = `You compare two records describing the same pedagogical agent: "a" is the intended appearance and "b" the appearance of the generated image.
%s
Answer with a single JSON object and nothing else.`

// DefaultAnalysisPrompts are the instructions for the built-in analysis
// types. Configuration may override or extend them.
var DefaultAnalysisPrompts = map[string]string{
	"age_shift":    `Assess whether the perceived age moved between "a" and "b". Reply as {"shift": "none"|"younger"|"older", "severity": 0-3, "evidence": "<short>"}.`,
	"gender_shift": `Assess whether the perceived gender presentation moved between "a" and "b". Reply as {"shift": true|false, "severity": 0-3, "evidence": "<short>"}.`,
}

// AnthropicOptions configures the Anthropic adapter.
type AnthropicOptions struct {
	Model             string
	MaxTokens         int64
	RequestsPerMinute int
	Breaker           *resilience.CircuitBreaker
}

// Anthropic implements convergence.TextGenerator and convergence.Extractor
// and builds bias analyzers.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	guard     guard
}

// NewAnthropic creates the adapter.
func NewAnthropic(client anthropic.Client, opts AnthropicOptions) *Anthropic {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	}
	return &Anthropic{
		client:    client,
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		guard: guard{
			provider: "anthropic",
			limiter:  newLimiter(opts.RequestsPerMinute),
			breaker:  opts.Breaker,
			statusOf: anthropic.StatusCode,
		},
	}
}

// Generate answers a plain text prompt.
func (a *Anthropic) Generate(ctx context.Context, prompt string) (string, error) {
	return a.message(ctx, "generate", nil, prompt)
}

// Extract turns text into record content keyed by field path. Unparseable
// answers are extraction errors, which the loop retries.
func (a *Anthropic) Extract(ctx context.Context, text string, schema *model.Schema) (map[string]any, error) {
	system := anthropic.BuildCachedSystemBlocks(fmt.Sprintf(extractSystem, schema.Version, describeFields(schema)))
	out, err := a.message(ctx, "extract", system, text)
	if err != nil {
		return nil, err
	}
	var content map[string]any
	if err := json.Unmarshal(jsonObject(out), &content); err != nil {
		return nil, &model.ExtractionError{Source: "anthropic", Err: eris.Wrap(err, "decode extraction")}
	}
	return content, nil
}

// Analyzer returns a bias analyzer driven by instruction.
func (a *Anthropic) Analyzer(kind model.AnalysisType, instruction string) biasjob.Analyzer {
	system := []anthropic.SystemBlock{{Text: fmt.Sprintf(analyzeSystem, instruction)}}
	return biasjob.AnalyzerFunc(func(ctx context.Context, ra, rb *model.Record) (json.RawMessage, error) {
		payload, err := json.Marshal(map[string]any{"a": ra.Content, "b": rb.Content})
		if err != nil {
			return nil, eris.Wrap(err, "encode records")
		}
		out, err := a.message(ctx, "analyze_"+string(kind), system, string(payload))
		if err != nil {
			return nil, err
		}
		raw := jsonObject(out)
		if !json.Valid(raw) {
			return nil, eris.Errorf("analyzer %s returned invalid JSON", kind)
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, raw); err != nil {
			return nil, eris.Wrap(err, "compact analysis")
		}
		return compact.Bytes(), nil
	})
}

func (a *Anthropic) message(ctx context.Context, op string, system []anthropic.SystemBlock, prompt string) (string, error) {
	resp, err := do(ctx, a.guard, op, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return a.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     a.model,
			MaxTokens: a.maxTokens,
			System:    system,
			Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
		})
	})
	if err != nil {
		return "", err
	}
	resp.Usage.LogCost(a.model, op)
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", &model.ProviderError{Provider: "anthropic", Op: op, Err: errEmptyOutput}
	}
	return text, nil
}

func describeFields(schema *model.Schema) string {
	var b strings.Builder
	for _, f := range schema.Fields {
		if f.Deprecated {
			continue
		}
		fmt.Fprintf(&b, "- %s (%s", f.Path, f.Type)
		if f.Required {
			b.WriteString(", required")
		}
		if len(f.AllowedValues) > 0 {
			fmt.Fprintf(&b, ", one of: %s", strings.Join(f.AllowedValues, ", "))
		}
		b.WriteString(")")
		if f.Description != "" {
			b.WriteString(": " + f.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// jsonObject strips code fences and prose around the outermost object.
func jsonObject(s string) []byte {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return []byte(s)
	}
	return []byte(s[start : end+1])
}
