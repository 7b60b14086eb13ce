package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pald-cli/internal/model"
	"github.com/sells-group/pald-cli/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Bias job queue depth by status.
	JobsPending    int `json:"jobs_pending"`
	JobsRunning    int `json:"jobs_running"`
	JobsFailed     int `json:"jobs_failed"`
	JobsSucceeded  int `json:"jobs_succeeded"`
	JobsDeadLetter int `json:"jobs_dead_letter"`

	// Consistency loops finished within the lookback window.
	RunsTotal      int     `json:"runs_total"`
	RunsConverged  int     `json:"runs_converged"`
	RunsExhausted  int     `json:"runs_exhausted"`
	ExhaustionRate float64 `json:"exhaustion_rate"`

	// Governance.
	CandidateBacklog int    `json:"candidate_backlog"`
	TopCandidate     string `json:"top_candidate,omitempty"`
	TopCandidateHits int64  `json:"top_candidate_hits,omitempty"`

	// Schema registry.
	SchemaVersion  string `json:"schema_version"`
	SchemaDegraded bool   `json:"schema_degraded"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// StatsSource is the subset of the store the collector reads.
type StatsSource interface {
	CountJobs(ctx context.Context) (map[model.JobStatus]int, error)
	CountRuns(ctx context.Context, since time.Time) (map[model.LoopStatus]int, error)
	ListCandidates(ctx context.Context, filter store.CandidateFilter) ([]model.FieldCandidate, error)
}

// SchemaState reports the registry's active schema.
type SchemaState interface {
	Active() *model.Schema
	Degraded() bool
}

// Collector gathers metrics from the store and the schema registry.
type Collector struct {
	store  StatsSource
	schema SchemaState
}

// NewCollector creates a new metrics collector. schema may be nil.
func NewCollector(st StatsSource, schema SchemaState) *Collector {
	return &Collector{store: st, schema: schema}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	jobs, err := c.store.CountJobs(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count jobs")
	}
	snap.JobsPending = jobs[model.JobStatusPending]
	snap.JobsRunning = jobs[model.JobStatusRunning]
	snap.JobsFailed = jobs[model.JobStatusFailed]
	snap.JobsSucceeded = jobs[model.JobStatusSucceeded]
	snap.JobsDeadLetter = jobs[model.JobStatusDeadLetter]

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	runs, err := c.store.CountRuns(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count runs")
	}
	snap.RunsConverged = runs[model.LoopStatusConverged]
	snap.RunsExhausted = runs[model.LoopStatusExhausted]
	snap.RunsTotal = snap.RunsConverged + snap.RunsExhausted
	if snap.RunsTotal > 0 {
		snap.ExhaustionRate = float64(snap.RunsExhausted) / float64(snap.RunsTotal)
	}

	var active *model.Schema
	if c.schema != nil {
		active = c.schema.Active()
		snap.SchemaDegraded = c.schema.Degraded()
		if active != nil {
			snap.SchemaVersion = active.Version
		}
	}

	cands, err := c.store.ListCandidates(ctx, store.CandidateFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list candidates")
	}
	for _, fc := range cands {
		// Names already in the active schema are settled even when the
		// candidate row was never marked.
		if active != nil && active.Has(fc.Name) {
			continue
		}
		snap.CandidateBacklog++
		if snap.TopCandidate == "" {
			snap.TopCandidate = fc.Name
			snap.TopCandidateHits = fc.OccurrenceCount
		}
	}

	return snap, nil
}
