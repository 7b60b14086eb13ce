// Package feedback wraps the consistency loop with a bounded number of
// user correction rounds.
package feedback

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pald-cli/internal/audit"
	"github.com/sells-group/pald-cli/internal/convergence"
	"github.com/sells-group/pald-cli/internal/model"
	"github.com/sells-group/pald-cli/internal/registry"
	"github.com/sells-group/pald-cli/internal/resilience"
	"github.com/sells-group/pald-cli/internal/store"
)

var (
	// ErrClosed is returned by Submit once the rounds are used up or the
	// session was stopped.
	ErrClosed = eris.New("feedback: session closed")

	// ErrNotStarted is returned by Submit before Start succeeded.
	ErrNotStarted = eris.New("feedback: session not started")
)

// Runner runs one consistency loop. *convergence.Loop implements it.
type Runner interface {
	Run(ctx context.Context, req convergence.Request) (*convergence.Outcome, error)
}

// SchemaSource yields the active schema and checks content against it.
// *registry.Registry implements it.
type SchemaSource interface {
	Load(ctx context.Context) (*model.Schema, error)
	Validate(record *model.Record, schema *model.Schema) registry.ValidationResult
	Split(record *model.Record, schema *model.Schema) (*model.Record, []string)
}

// Deps are the collaborators shared by all sessions.
type Deps struct {
	Runner    Runner
	Extractor convergence.Extractor
	Schemas   SchemaSource
	Records   store.RecordStore
	Audit     audit.Sink
	Retry     resilience.Policy
}

// Session is one user's sequence of correction rounds. Methods are safe for
// concurrent use; rounds run one at a time.
type Session struct {
	id   string
	deps Deps

	mu        sync.Mutex
	rounds    int
	stopped   bool
	base      convergence.Request
	input     *model.Record
	harvested []string
	last      *convergence.Outcome
	updatedAt time.Time
}

// NewSession creates a session allowing rounds feedback submissions.
func NewSession(id string, rounds int, deps Deps) *Session {
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if rounds < 0 {
		rounds = 0
	}
	return &Session{id: id, deps: deps, rounds: rounds, updatedAt: time.Now()}
}

// ID returns the session id, which is also the loop session id.
func (s *Session) ID() string { return s.id }

// Start runs the initial loop. It does not consume a feedback round.
func (s *Session) Start(ctx context.Context, req convergence.Request) (*convergence.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, ErrClosed
	}
	req.SessionID = s.id
	out, err := s.deps.Runner.Run(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "feedback: start")
	}
	s.base = req
	s.record(out)
	return out, nil
}

// Submit turns text into a feedback record, merges it over the current
// input and re-runs the loop.
func (s *Session) Submit(ctx context.Context, text string) (*convergence.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || s.rounds == 0 {
		return nil, ErrClosed
	}
	if s.input == nil {
		return nil, ErrNotStarted
	}
	if strings.TrimSpace(text) == "" {
		return nil, &model.ValidationError{Reason: "feedback text is empty"}
	}

	schema, err := s.deps.Schemas.Load(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "feedback: load schema")
	}

	policy := s.deps.Retry
	policy.ShouldRetry = resilience.IsTransient
	policy.OnRetry = resilience.RetryLogger("feedback", "extract")
	content, err := resilience.DoVal(ctx, policy, func(ctx context.Context) (map[string]any, error) {
		return s.deps.Extractor.Extract(ctx, text, schema)
	})
	if err != nil {
		return nil, &model.ExtractionError{Source: "feedback", Err: err}
	}

	// Feedback may be partial and may name unknown fields, which travel with
	// the merged input so the loop harvests them. Ill-typed and denied
	// values reject the round without consuming it.
	full := model.NewRecord(s.id, schema.Version, model.RecordKindFeedback, content)
	if res := s.deps.Schemas.Validate(full, schema); len(res.InvalidFields) > 0 || len(res.DeniedFields) > 0 {
		return nil, &model.ValidationError{
			SchemaVersion: schema.Version,
			UnknownFields: res.DeniedFields,
			InvalidFields: res.InvalidFields,
			Reason:        "feedback content rejected",
		}
	}
	known, _ := s.deps.Schemas.Split(full, schema)
	if err := s.deps.Records.CreateRecord(ctx, known); err != nil {
		return nil, eris.Wrap(err, "feedback: persist feedback record")
	}
	_ = s.deps.Audit.Emit(ctx, model.AuditRecordCreated, known.ID,
		fmt.Sprintf("kind=%s schema=%s fields=%d", known.Kind, known.SchemaVersion, len(known.Content)))

	req := s.base
	req.InputText = ""
	req.InputRecord = model.Merge(s.input, full)
	req.Harvested = s.harvested
	out, err := s.deps.Runner.Run(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "feedback: run round")
	}
	s.rounds--
	s.record(out)

	zap.L().Info("feedback: round finished",
		zap.String("session_id", s.id),
		zap.String("status", string(out.Status)),
		zap.Int("rounds_remaining", s.rounds),
	)
	return out, nil
}

func (s *Session) record(out *convergence.Outcome) {
	if out.InputRecord != nil {
		s.input = out.InputRecord
	}
	s.harvested = out.Harvested
	s.last = out
	s.updatedAt = time.Now()
}

// Stop ends the session; further submissions fail with ErrClosed.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

// RoundsRemaining returns the feedback rounds left.
func (s *Session) RoundsRemaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rounds
}

// Done reports whether no further rounds may run.
func (s *Session) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped || s.rounds == 0
}

// Final returns the last loop outcome, converged or not, or nil before
// Start.
func (s *Session) Final() *convergence.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Session) lastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}
