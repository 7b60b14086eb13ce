package biasjob

import (
	"context"
	"encoding/json"

	"github.com/sells-group/pald-cli/internal/model"
)

// Analyzer scores one aspect of the difference between two records, for
// example a shift in perceived age. Returning an error wrapping
// model.ErrJobPermanent dead-letters the job without further attempts.
type Analyzer interface {
	Analyze(ctx context.Context, a, b *model.Record) (json.RawMessage, error)
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, a, b *model.Record) (json.RawMessage, error)

// Analyze calls f.
func (f AnalyzerFunc) Analyze(ctx context.Context, a, b *model.Record) (json.RawMessage, error) {
	return f(ctx, a, b)
}

// Analyzers maps analysis types to their implementation.
type Analyzers map[model.AnalysisType]Analyzer

// Types returns the registered analysis types.
func (a Analyzers) Types() []model.AnalysisType {
	out := make([]model.AnalysisType, 0, len(a))
	for t := range a {
		out = append(out, t)
	}
	return out
}
