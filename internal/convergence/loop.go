// Package convergence runs the consistency loop: generate an image from an
// input record, describe it, extract a record from the description and
// compare the two until they agree or the iteration budget runs out.
package convergence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pald-cli/internal/audit"
	"github.com/sells-group/pald-cli/internal/candidate"
	"github.com/sells-group/pald-cli/internal/diff"
	"github.com/sells-group/pald-cli/internal/model"
	"github.com/sells-group/pald-cli/internal/monitoring"
	"github.com/sells-group/pald-cli/internal/registry"
	"github.com/sells-group/pald-cli/internal/resilience"
	"github.com/sells-group/pald-cli/internal/store"
)

// Config tunes a Loop.
type Config struct {
	// Threshold is the similarity at which the loop converges.
	Threshold float64
	// MaxIterations counts regenerations after the first attempt.
	MaxIterations int
	// CallTimeout bounds every provider call.
	CallTimeout time.Duration
	// Retry governs repeats of a single failed iteration. Retries do not
	// consume iteration budget.
	Retry resilience.Policy
	// CompressPrompt runs the initial prompt through the text generator.
	CompressPrompt bool
	// AnalysisTypes are enqueued for bias analysis when a request defers it.
	AnalysisTypes []model.AnalysisType
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:     0.8,
		MaxIterations: 3,
		CallTimeout:   90 * time.Second,
		Retry:         resilience.DefaultPolicy(),
	}
}

// Providers bundles the external collaborators of a Loop. Text, Harvester
// and Bias are optional.
type Providers struct {
	Text      TextGenerator
	Images    ImageGenerator
	Describer ImageDescriber
	Extractor Extractor
	Harvester Harvester
	Bias      BiasEnqueuer
}

// Store is the persistence the loop writes to.
type Store interface {
	store.RecordStore
	store.RunStore
}

// Request starts one loop. Exactly one of InputText and InputRecord is set.
type Request struct {
	SessionID   string        `json:"session_id"`
	InputText   string        `json:"input_text,omitempty"`
	InputRecord *model.Record `json:"input_record,omitempty"`
	// DeferBias enqueues a bias job comparing input and final output.
	DeferBias     bool                 `json:"defer_bias,omitempty"`
	AnalysisTypes []model.AnalysisType `json:"analysis_types,omitempty"`
	// Harvested lists unknown field names an earlier run of this session
	// already reported. They are not counted again.
	Harvested []string `json:"harvested,omitempty"`
}

// Outcome is the terminal state of a loop. Exhaustion is a normal outcome,
// not an error.
type Outcome struct {
	model.ConvergenceState
	BiasJobID string `json:"bias_job_id,omitempty"`
	// Harvested is every unknown field name reported for the session,
	// including those passed in the request.
	Harvested []string `json:"harvested,omitempty"`
}

// Converged reports whether input and output agreed above threshold.
func (o *Outcome) Converged() bool {
	return o.Status == model.LoopStatusConverged
}

// Loop is safe for concurrent use across sessions. Runs within one session
// are serialized.
type Loop struct {
	cfg   Config
	p     Providers
	reg   *registry.Registry
	store Store
	audit audit.Sink
	locks *sessionLocks
	now   func() time.Time
}

// New creates a Loop.
func New(cfg Config, p Providers, reg *registry.Registry, st Store, sink audit.Sink) *Loop {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 90 * time.Second
	}
	if cfg.MaxIterations < 0 {
		cfg.MaxIterations = 0
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Loop{
		cfg:   cfg,
		p:     p,
		reg:   reg,
		store: st,
		audit: sink,
		locks: newSessionLocks(),
		now:   time.Now,
	}
}

// Run executes the loop to a terminal state. Validation and extraction
// failures end the loop as exhausted with a diagnostic; only storage and
// lock acquisition errors are returned.
func (l *Loop) Run(ctx context.Context, req Request) (*Outcome, error) {
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}
	release, err := l.locks.acquire(ctx, req.SessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "convergence: session %s busy", req.SessionID)
	}
	defer release()

	log := zap.L().With(zap.String("session_id", req.SessionID))

	schema, err := l.reg.Load(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "convergence: load schema")
	}

	now := l.now().UTC()
	state := &model.ConvergenceState{
		RunID:     uuid.New().String(),
		SessionID: req.SessionID,
		Status:    model.LoopStatusRunning,
		StartedAt: now,
		UpdatedAt: now,
	}
	out := &Outcome{}
	seen := newSightings(req.Harvested)

	input, err := l.prepareInput(ctx, req, schema, seen)
	if err != nil {
		return l.finish(ctx, out, state, seen, err, log)
	}
	state.InputRecord = input
	if err := l.persist(ctx, input); err != nil {
		return nil, err
	}

	base := BuildPrompt(input, schema)
	if req.InputText != "" {
		base = req.InputText + "\n" + base
	}
	if l.cfg.CompressPrompt {
		cctx, cancel := l.callCtx(ctx)
		base = Compress(cctx, l.p.Text, base)
		cancel()
	}
	state.Prompt = base
	if err := l.save(ctx, state); err != nil {
		return nil, err
	}

	for {
		if ctx.Err() != nil {
			state.Cancelled = true
			break
		}

		output, err := l.iterate(ctx, state, schema, seen)
		if err != nil {
			if ctx.Err() != nil {
				state.Cancelled = true
				break
			}
			return l.finish(ctx, out, state, seen, err, log)
		}

		d, err := diff.Diff(input, output)
		if err != nil {
			return l.finish(ctx, out, state, seen, err, log)
		}
		state.CurrentOutputRecord = output
		state.DiffHistory = append(state.DiffHistory, d)
		state.UpdatedAt = l.now().UTC()
		monitoring.LoopIterations.WithLabelValues("scored").Inc()
		monitoring.LoopSimilarity.Observe(d.Similarity)
		_ = l.audit.Emit(context.WithoutCancel(ctx), model.AuditDiffComputed, output.ID, diff.Summary(d))
		log.Debug("convergence: iteration scored",
			zap.Int("iteration", state.Iteration),
			zap.Float64("similarity", d.Similarity),
			zap.Strings("conflicts", d.ConflictPaths()),
		)

		if d.Similarity >= l.cfg.Threshold {
			state.Status = model.LoopStatusConverged
			break
		}
		if state.Iteration >= l.cfg.MaxIterations {
			state.Status = model.LoopStatusExhausted
			break
		}
		state.Iteration++
		state.Prompt = AdjustPrompt(base, d.Conflicts)
		if err := l.save(ctx, state); err != nil {
			return nil, err
		}
	}

	if state.Cancelled {
		state.Status = model.LoopStatusExhausted
		state.Diagnostic = "cancelled"
	}

	if req.DeferBias && l.p.Bias != nil && state.CurrentOutputRecord != nil {
		types := req.AnalysisTypes
		if len(types) == 0 {
			types = l.cfg.AnalysisTypes
		}
		if len(types) > 0 {
			id, err := l.p.Bias.Enqueue(context.WithoutCancel(ctx), state.InputRecord, state.CurrentOutputRecord, types)
			if err != nil {
				log.Warn("convergence: enqueue bias job failed", zap.Error(err))
			} else {
				out.BiasJobID = id
			}
		}
	}

	return l.finish(ctx, out, state, seen, nil, log)
}

// finish records the terminal state and reports the run's unknown field
// names. cause, when set, is a validation or extraction failure that ends
// the loop as exhausted.
func (l *Loop) finish(ctx context.Context, out *Outcome, state *model.ConvergenceState, seen *sightings, cause error, log *zap.Logger) (*Outcome, error) {
	if cause != nil {
		state.Status = model.LoopStatusExhausted
		state.Diagnostic = cause.Error()
		monitoring.LoopIterations.WithLabelValues("failed").Inc()
	}
	state.UpdatedAt = l.now().UTC()

	saveCtx := context.WithoutCancel(ctx)
	if state.InputRecord != nil {
		if err := l.save(ctx, state); err != nil {
			return nil, err
		}
	}

	out.Harvested = l.observe(saveCtx, seen, log)

	label := string(state.Status)
	switch {
	case state.Cancelled:
		label = "cancelled"
	case cause != nil:
		label = "failed"
	}
	monitoring.LoopOutcomes.WithLabelValues(label).Inc()

	var sim float64
	if d := state.LastDiff(); d != nil {
		sim = d.Similarity
	}
	_ = l.audit.Emit(saveCtx, model.AuditConvergenceFinished, state.RunID,
		fmt.Sprintf("status=%s iterations=%d similarity=%.3f cancelled=%t", state.Status, len(state.DiffHistory), sim, state.Cancelled))
	log.Info("convergence: loop finished",
		zap.String("run_id", state.RunID),
		zap.String("status", string(state.Status)),
		zap.Int("diffs", len(state.DiffHistory)),
		zap.Int("generator_calls", state.GeneratorCalls),
		zap.Bool("cancelled", state.Cancelled),
		zap.String("diagnostic", state.Diagnostic),
	)

	out.ConvergenceState = *state
	return out, nil
}

// prepareInput resolves the request into a validated input record. Unknown
// fields are harvested and stripped.
func (l *Loop) prepareInput(ctx context.Context, req Request, schema *model.Schema, seen *sightings) (*model.Record, error) {
	var record *model.Record
	switch {
	case req.InputRecord != nil:
		version := req.InputRecord.SchemaVersion
		if version == "" {
			version = schema.Version
		}
		// Records are immutable; the loop works on its own copy.
		record = model.NewRecord(req.SessionID, version, model.RecordKindInput, req.InputRecord.Content)
	case strings.TrimSpace(req.InputText) != "":
		content, err := resilience.DoVal(ctx, l.retryPolicy("extract input"), func(ctx context.Context) (map[string]any, error) {
			return bounded(ctx, l, func(c context.Context) (map[string]any, error) {
				return l.p.Extractor.Extract(c, req.InputText, schema)
			})
		})
		if err != nil {
			return nil, asExtractionError("input", err)
		}
		record = model.NewRecord(req.SessionID, schema.Version, model.RecordKindInput, content)
	default:
		return nil, &model.ValidationError{SchemaVersion: schema.Version, Reason: "request has neither input text nor input record"}
	}

	known := l.harvest(record, schema, seen)
	if record.SchemaVersion != schema.Version {
		// Fill defaults of fields added since the caller's version.
		known = registry.UpgradeTo(known, schema)
	}
	if res := l.reg.Validate(known, schema); !res.OK {
		return nil, res.Err()
	}
	return known, nil
}

// iterate runs generate, describe and extract once, retrying the whole
// iteration on transient provider or extraction failures.
func (l *Loop) iterate(ctx context.Context, state *model.ConvergenceState, schema *model.Schema, seen *sightings) (*model.Record, error) {
	prompt := state.Prompt
	policy := l.retryPolicy("iteration")
	policy.OnRetry = func(attempt int, err error) {
		monitoring.LoopIterations.WithLabelValues("retried").Inc()
		zap.L().Warn("convergence: retrying iteration",
			zap.String("session_id", state.SessionID),
			zap.Int("iteration", state.Iteration),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	return resilience.DoVal(ctx, policy, func(ctx context.Context) (*model.Record, error) {
		state.GeneratorCalls++
		img, err := bounded(ctx, l, func(c context.Context) (Image, error) {
			return l.p.Images.GenerateImage(c, prompt)
		})
		if err != nil {
			return nil, err
		}
		text, err := bounded(ctx, l, func(c context.Context) (string, error) {
			return l.p.Describer.Describe(c, img)
		})
		if err != nil {
			return nil, err
		}
		content, err := bounded(ctx, l, func(c context.Context) (map[string]any, error) {
			return l.p.Extractor.Extract(c, text, schema)
		})
		if err != nil {
			return nil, asExtractionError("description", err)
		}

		raw := model.NewRecord(state.SessionID, schema.Version, model.RecordKindDescription, content)
		known := l.harvest(raw, schema, seen)
		// Outputs may leave required fields empty; only ill-typed values
		// make the description unusable.
		if res := l.reg.Validate(known, schema); len(res.InvalidFields) > 0 {
			return nil, &model.ExtractionError{Source: "description", Err: res.Err()}
		}
		if err := l.persist(ctx, known); err != nil {
			return nil, err
		}
		return known, nil
	})
}

// harvest collects the unknown field names of record and returns its
// persistable part.
func (l *Loop) harvest(record *model.Record, schema *model.Schema, seen *sightings) *model.Record {
	known, unknown := l.reg.Split(record, schema)
	seen.add(unknown)
	return known
}

// observe hands the run's new unknown names to the harvester in one call and
// returns the names counted for the session so far. A name is counted once
// per session however many iterations, retries or rounds repeat it.
func (l *Loop) observe(ctx context.Context, seen *sightings, log *zap.Logger) []string {
	if len(seen.fresh) == 0 {
		return seen.prior
	}
	if l.reg.Degraded() || l.p.Harvester == nil {
		log.Warn("convergence: dropping unknown fields",
			zap.Strings("fields", seen.fresh),
			zap.Bool("degraded", l.reg.Degraded()),
		)
		return seen.prior
	}
	if err := l.p.Harvester.ObserveAll(ctx, seen.fresh); err != nil {
		log.Warn("convergence: harvest failed", zap.Strings("fields", seen.fresh), zap.Error(err))
	}
	return seen.counted()
}

// sightings de-duplicates unknown field names within a session. prior holds
// names reported by earlier runs; fresh holds this run's new ones.
type sightings struct {
	prior []string
	fresh []string
	seen  map[string]bool
}

func newSightings(prior []string) *sightings {
	s := &sightings{seen: make(map[string]bool, len(prior))}
	for _, n := range prior {
		if k := candidate.NormalizeName(n); k != "" && !s.seen[k] {
			s.seen[k] = true
			s.prior = append(s.prior, k)
		}
	}
	return s
}

func (s *sightings) add(names []string) {
	for _, n := range names {
		k := candidate.NormalizeName(n)
		if k == "" || s.seen[k] {
			continue
		}
		s.seen[k] = true
		s.fresh = append(s.fresh, k)
	}
}

func (s *sightings) counted() []string {
	out := make([]string, 0, len(s.prior)+len(s.fresh))
	out = append(out, s.prior...)
	out = append(out, s.fresh...)
	sort.Strings(out)
	return out
}

// Storage writes are detached from caller cancellation so a cancelled loop
// still leaves a complete trail.
func (l *Loop) persist(ctx context.Context, r *model.Record) error {
	ctx = context.WithoutCancel(ctx)
	if err := l.store.CreateRecord(ctx, r); err != nil {
		return eris.Wrapf(err, "convergence: persist %s record", r.Kind)
	}
	_ = l.audit.Emit(ctx, model.AuditRecordCreated, r.ID,
		fmt.Sprintf("kind=%s schema=%s fields=%d", r.Kind, r.SchemaVersion, len(r.Content)))
	return nil
}

func (l *Loop) save(ctx context.Context, state *model.ConvergenceState) error {
	return eris.Wrap(l.store.SaveRun(context.WithoutCancel(ctx), state), "convergence: save run")
}

// callCtx detaches a provider call from caller cancellation, which is only
// honoured between iterations, and bounds it by the call timeout.
func (l *Loop) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), l.cfg.CallTimeout)
}

func bounded[T any](ctx context.Context, l *Loop, fn func(context.Context) (T, error)) (T, error) {
	c, cancel := l.callCtx(ctx)
	defer cancel()
	return fn(c)
}

func (l *Loop) retryPolicy(op string) resilience.Policy {
	p := l.cfg.Retry
	p.ShouldRetry = func(err error) bool {
		return resilience.IsTransient(err) || model.IsExtractionError(err)
	}
	p.OnRetry = resilience.RetryLogger("convergence", op)
	return p
}

func asExtractionError(source string, err error) error {
	var ee *model.ExtractionError
	if errors.As(err, &ee) {
		return err
	}
	return &model.ExtractionError{Source: source, Err: err}
}
