// Package candidate counts attribute names seen outside the active schema
// and promotes them into new schema versions on request.
package candidate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/pald-cli/internal/audit"
	"github.com/sells-group/pald-cli/internal/model"
	"github.com/sells-group/pald-cli/internal/monitoring"
	"github.com/sells-group/pald-cli/internal/resilience"
	"github.com/sells-group/pald-cli/internal/store"
)

// SchemaRegistry is the part of registry.Registry the aggregator needs.
type SchemaRegistry interface {
	Load(ctx context.Context) (*model.Schema, error)
	Publish(ctx context.Context, next *model.Schema, promoted ...string) error
	Denied(path string) bool
	Degraded() bool
}

// Options configures an Aggregator.
type Options struct {
	// PromoteRetries bounds optimistic retries after a publication race.
	PromoteRetries int
	Audit          audit.Sink
}

// Aggregator is the only write path for attributes outside the schema.
// Only the normalized name and a counter are stored.
type Aggregator struct {
	store   store.CandidateStore
	reg     SchemaRegistry
	audit   audit.Sink
	retries int
	now     func() time.Time
}

// New creates an Aggregator.
func New(st store.CandidateStore, reg SchemaRegistry, opts Options) *Aggregator {
	a := &Aggregator{
		store:   st,
		reg:     reg,
		audit:   opts.Audit,
		retries: opts.PromoteRetries,
		now:     time.Now,
	}
	if a.audit == nil {
		a.audit = audit.Nop{}
	}
	if a.retries <= 0 {
		a.retries = 3
	}
	return a
}

// NormalizeName maps a free-text attribute name to snake_case ASCII-ish
// form: "Hair Colour" and "hair-colour" both become "hair_colour".
func NormalizeName(name string) string {
	name = cases.Fold().String(norm.NFKC.String(strings.TrimSpace(name)))
	var b strings.Builder
	sep := false
	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if sep && b.Len() > 0 {
				b.WriteByte('_')
			}
			sep = false
			b.WriteRune(r)
		case r == '.':
			// Nested paths keep their separator.
			sep = false
			b.WriteRune(r)
		default:
			sep = true
		}
	}
	return strings.Trim(b.String(), "._")
}

// Observe counts one sighting of name. Names that are empty, deny-listed or
// already in the active schema are ignored. Nothing is counted while the
// registry is degraded.
func (a *Aggregator) Observe(ctx context.Context, name string) error {
	n := NormalizeName(name)
	if n == "" || a.reg.Denied(n) {
		monitoring.CandidateObservations.WithLabelValues("ignored").Inc()
		return nil
	}
	if a.reg.Degraded() {
		return eris.Wrap(model.ErrSchemaLoad, "candidate: registry degraded, not harvesting")
	}
	active, err := a.reg.Load(ctx)
	if err != nil {
		return eris.Wrap(err, "candidate: load schema")
	}
	if active.Has(n) {
		monitoring.CandidateObservations.WithLabelValues("ignored").Inc()
		return nil
	}

	fc, err := a.store.IncrementCandidate(ctx, n, a.now().UTC())
	if err != nil {
		return eris.Wrapf(err, "candidate: observe %s", n)
	}
	monitoring.CandidateObservations.WithLabelValues("counted").Inc()
	zap.L().Debug("candidate: observed",
		zap.String("field", n),
		zap.Int64("count", fc.OccurrenceCount),
	)
	return nil
}

// ObserveAll observes every name, stopping at the first error.
func (a *Aggregator) ObserveAll(ctx context.Context, names []string) error {
	for _, n := range names {
		if err := a.Observe(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// CheckThresholds returns unpromoted candidates with at least minSupport
// sightings, highest count first, then earliest seen, then by name.
func (a *Aggregator) CheckThresholds(ctx context.Context, minSupport int) ([]model.FieldCandidate, error) {
	if minSupport < 1 {
		minSupport = 1
	}
	return a.list(ctx, store.CandidateFilter{MinCount: int64(minSupport)})
}

// List returns all unpromoted candidates.
func (a *Aggregator) List(ctx context.Context) ([]model.FieldCandidate, error) {
	return a.list(ctx, store.CandidateFilter{})
}

func (a *Aggregator) list(ctx context.Context, filter store.CandidateFilter) ([]model.FieldCandidate, error) {
	cands, err := a.store.ListCandidates(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "candidate: list")
	}
	active, err := a.reg.Load(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "candidate: load schema")
	}
	out := cands[:0]
	for _, c := range cands {
		// A file backend without a candidate marker leaves promoted names behind.
		if active.Has(c.Name) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Promote appends spec to the active schema as version N+1 and marks the
// candidate promoted in the same publication. spec.Path defaults to the
// candidate name and spec.Type to string. A publication race is retried
// against the latest version.
func (a *Aggregator) Promote(ctx context.Context, name string, spec model.FieldSpec) (*model.Schema, error) {
	n := NormalizeName(name)
	if a.reg.Denied(n) {
		return nil, eris.Errorf("candidate: %s is deny-listed", n)
	}
	fc, err := a.store.GetCandidate(ctx, n)
	if err != nil {
		return nil, eris.Wrapf(err, "candidate: promote %s", n)
	}
	if fc.Promoted {
		return nil, eris.Errorf("candidate: %s already promoted in %s", n, fc.PromotedVersion)
	}
	if spec.Path == "" {
		spec.Path = n
	}
	if spec.Type == "" {
		spec.Type = model.FieldTypeString
	}

	policy := resilience.Policy{
		MaxAttempts:    a.retries,
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
		JitterFraction: 0.25,
		ShouldRetry: func(err error) bool {
			return errors.Is(err, model.ErrPromotionConflict)
		},
		OnRetry: resilience.RetryLogger("registry", "promote "+n),
	}
	next, err := resilience.DoVal(ctx, policy, func(ctx context.Context) (*model.Schema, error) {
		current, err := a.reg.Load(ctx)
		if err != nil {
			return nil, err
		}
		next, err := current.WithField(spec)
		if err != nil {
			return nil, err
		}
		if err := a.reg.Publish(ctx, next, n); err != nil {
			return nil, err
		}
		return next, nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "candidate: promote %s", n)
	}

	monitoring.CandidatePromotions.WithLabelValues("promoted").Inc()
	_ = a.audit.Emit(ctx, model.AuditCandidatePromoted, n,
		fmt.Sprintf("version=%s count=%d type=%s", next.Version, fc.OccurrenceCount, spec.Type))
	zap.L().Info("candidate: promoted",
		zap.String("field", n),
		zap.String("version", next.Version),
		zap.Int64("count", fc.OccurrenceCount),
	)
	return next, nil
}

// Reject discards a candidate and its counter. Later sightings start a new
// count.
func (a *Aggregator) Reject(ctx context.Context, name string) error {
	n := NormalizeName(name)
	fc, err := a.store.GetCandidate(ctx, n)
	if err != nil {
		return eris.Wrapf(err, "candidate: reject %s", n)
	}
	if fc.Promoted {
		return eris.Errorf("candidate: %s already promoted in %s", n, fc.PromotedVersion)
	}
	if err := a.store.DeleteCandidate(ctx, n); err != nil {
		return eris.Wrapf(err, "candidate: reject %s", n)
	}
	monitoring.CandidatePromotions.WithLabelValues("rejected").Inc()
	_ = a.audit.Emit(ctx, model.AuditCandidateRejected, n, fmt.Sprintf("count=%d", fc.OccurrenceCount))
	zap.L().Info("candidate: rejected", zap.String("field", n), zap.Int64("count", fc.OccurrenceCount))
	return nil
}
