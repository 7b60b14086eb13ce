// Package provider adapts the Anthropic and OpenAI clients to the text,
// image, describer, extractor and analyzer interfaces of the engine. Every
// call is rate limited, guarded by a circuit breaker and classified as
// transient or permanent.
package provider

import (
	"context"
	"errors"
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/pald-cli/internal/model"
	"github.com/sells-group/pald-cli/internal/monitoring"
	"github.com/sells-group/pald-cli/internal/resilience"
)

// guard is the per-provider call wrapper.
type guard struct {
	provider string
	limiter  *rate.Limiter
	breaker  *resilience.CircuitBreaker
	statusOf func(error) int
}

// newLimiter allows rpm calls per minute with no burst; rpm <= 0 disables
// limiting.
func newLimiter(rpm int) *rate.Limiter {
	if rpm <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(math.Max(1, float64(rpm)/60))
	return rate.NewLimiter(rate.Limit(float64(rpm)/60), burst)
}

func do[T any](ctx context.Context, g guard, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := g.limiter.Wait(ctx); err != nil {
		monitoring.ProviderCalls.WithLabelValues(g.provider, op, "rejected").Inc()
		return zero, &model.ProviderError{Provider: g.provider, Op: op, Err: resilience.NewTransientError(err, 0)}
	}

	val, err := resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) (T, error) {
		v, err := fn(ctx)
		if err != nil {
			return v, g.classify(err)
		}
		return v, nil
	})
	if err == nil {
		monitoring.ProviderCalls.WithLabelValues(g.provider, op, "ok").Inc()
		return val, nil
	}

	status := resilience.ClassifyError(err)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		status = "rejected"
	}
	monitoring.ProviderCalls.WithLabelValues(g.provider, op, status).Inc()
	zap.L().Debug("provider: call failed",
		zap.String("provider", g.provider),
		zap.String("op", op),
		zap.String("class", status),
		zap.Error(err),
	)
	return zero, &model.ProviderError{Provider: g.provider, Op: op, Err: err}
}

// classify marks retryable HTTP statuses as transient so both the breaker
// and the retry policy see them.
func (g guard) classify(err error) error {
	if resilience.IsTransient(err) {
		return err
	}
	if code := g.statusOf(err); resilience.IsTransientHTTPStatus(code) {
		return resilience.NewTransientError(err, code)
	}
	return err
}

var errEmptyOutput = eris.New("provider returned no content")
