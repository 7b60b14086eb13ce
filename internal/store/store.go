package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sells-group/pald-cli/internal/model"
)

// CandidateFilter selects field candidates for listing.
type CandidateFilter struct {
	MinCount        int64 `json:"min_count,omitempty"`
	IncludePromoted bool  `json:"include_promoted,omitempty"`
	Limit           int   `json:"limit,omitempty"`
}

// AuditFilter selects audit events for export.
type AuditFilter struct {
	Since    time.Time       `json:"since,omitempty"`
	Kind     model.AuditKind `json:"kind,omitempty"`
	EntityID string          `json:"entity_id,omitempty"`
	Limit    int             `json:"limit,omitempty"`
}

// ClaimOptions controls which jobs ClaimJobs may lease.
type ClaimOptions struct {
	// Now is the claim time. Failed jobs with next_attempt_at <= Now are due.
	Now time.Time
	// StaleBefore reclaims running jobs last touched before this instant;
	// zero disables reclaiming.
	StaleBefore time.Time
	Limit       int
}

// RecordStore persists immutable PALD records.
type RecordStore interface {
	CreateRecord(ctx context.Context, r *model.Record) error
	GetRecord(ctx context.Context, id string) (*model.Record, error)
	ListRecords(ctx context.Context, sessionID string) ([]model.Record, error)
}

// SchemaStore persists published schema versions.
type SchemaStore interface {
	// ListSchemas returns every published version, oldest first.
	ListSchemas(ctx context.Context) ([]model.Schema, error)
	// SchemaToken changes whenever a version is published.
	SchemaToken(ctx context.Context) (string, error)
	// PublishSchema appends next if next.Parent is still the latest version
	// and marks the promoted candidates in the same transaction. It returns
	// model.ErrPromotionConflict when another writer got there first.
	PublishSchema(ctx context.Context, next *model.Schema, promoted []string) error
}

// CandidateStore holds field candidate counters.
type CandidateStore interface {
	// IncrementCandidate creates the candidate with count 1 or adds 1 in a
	// single atomic statement.
	IncrementCandidate(ctx context.Context, name string, at time.Time) (*model.FieldCandidate, error)
	GetCandidate(ctx context.Context, name string) (*model.FieldCandidate, error)
	// ListCandidates orders by count desc, first seen asc, name asc.
	ListCandidates(ctx context.Context, filter CandidateFilter) ([]model.FieldCandidate, error)
	DeleteCandidate(ctx context.Context, name string) error
	// MarkCandidatesPromoted flags names as absorbed by version. It is for
	// schema backends that publish outside the store.
	MarkCandidatesPromoted(ctx context.Context, version string, names []string) error
}

// JobStore persists bias jobs. Only the bias job queue calls it.
type JobStore interface {
	CreateJob(ctx context.Context, job *model.BiasJob) error
	GetJob(ctx context.Context, id string) (*model.BiasJob, error)
	ListJobs(ctx context.Context, filter model.JobFilter) ([]model.BiasJob, error)
	// ClaimJobs leases due jobs by moving them to running and incrementing
	// their attempt counter.
	ClaimJobs(ctx context.Context, opts ClaimOptions) ([]model.BiasJob, error)
	// CompleteJob and FailJob only touch jobs that are still running, so a
	// duplicate delivery cannot overwrite a terminal state.
	CompleteJob(ctx context.Context, id string, results map[model.AnalysisType]json.RawMessage, at time.Time) error
	FailJob(ctx context.Context, id string, status model.JobStatus, lastErr string, nextAttemptAt, at time.Time) error
	// RequeueJob resets a dead-lettered job to pending with zero attempts.
	RequeueJob(ctx context.Context, id string, at time.Time) error
	CountJobs(ctx context.Context) (map[model.JobStatus]int, error)
}

// AuditStore is the append-only audit trail.
type AuditStore interface {
	AppendAudit(ctx context.Context, ev *model.AuditEvent) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditEvent, error)
}

// RunStore persists convergence loop outcomes.
type RunStore interface {
	SaveRun(ctx context.Context, state *model.ConvergenceState) error
	GetRun(ctx context.Context, id string) (*model.ConvergenceState, error)
	CountRuns(ctx context.Context, since time.Time) (map[model.LoopStatus]int, error)
}

// Store is the persistence interface for the PALD engine.
type Store interface {
	RecordStore
	SchemaStore
	CandidateStore
	JobStore
	AuditStore
	RunStore

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
