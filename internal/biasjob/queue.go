// Package biasjob is the durable queue of deferred bias analyses. Jobs
// compare two records with one or more analyzers, retry with backoff and
// end up succeeded or dead-lettered.
package biasjob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/pald-cli/internal/audit"
	"github.com/sells-group/pald-cli/internal/model"
	"github.com/sells-group/pald-cli/internal/monitoring"
	"github.com/sells-group/pald-cli/internal/resilience"
	"github.com/sells-group/pald-cli/internal/store"
)

// Store is the persistence the queue needs.
type Store interface {
	store.JobStore
	store.RecordStore
}

// Options tunes a Queue.
type Options struct {
	// MaxAttempts is stamped on new jobs. Default 3.
	MaxAttempts int
	// Backoff schedules the next attempt after a retryable failure.
	Backoff resilience.Policy
	// StaleAfter reclaims running jobs whose lease is older than this.
	// Zero disables reclaiming.
	StaleAfter time.Duration
	// Concurrency bounds jobs processed in parallel within one batch.
	Concurrency int
	// AnalyzerTimeout bounds a single analyzer call.
	AnalyzerTimeout time.Duration
	Audit           audit.Sink
}

// Queue is safe for concurrent use. Claims are exclusive, so several
// workers may call ProcessBatch at once.
type Queue struct {
	store     Store
	analyzers Analyzers
	opts      Options
	now       func() time.Time
}

// NewQueue creates a Queue.
func NewQueue(st Store, analyzers Analyzers, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.AnalyzerTimeout <= 0 {
		opts.AnalyzerTimeout = 2 * time.Minute
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	return &Queue{store: st, analyzers: analyzers, opts: opts, now: time.Now}
}

// Enqueue durably records a job comparing a and b. Records not yet stored
// are persisted first.
func (q *Queue) Enqueue(ctx context.Context, a, b *model.Record, types []model.AnalysisType) (string, error) {
	if a == nil || b == nil {
		return "", &model.ValidationError{Reason: "bias job needs two records"}
	}
	types, err := q.checkTypes(types)
	if err != nil {
		return "", err
	}
	for _, r := range []*model.Record{a, b} {
		if err := q.ensureRecord(ctx, r); err != nil {
			return "", err
		}
	}

	now := q.now().UTC()
	job := &model.BiasJob{
		ID:            uuid.New().String(),
		CreatedAt:     now,
		UpdatedAt:     now,
		RecordAID:     a.ID,
		RecordBID:     b.ID,
		AnalysisTypes: types,
		Status:        model.JobStatusPending,
		MaxAttempts:   q.opts.MaxAttempts,
		NextAttemptAt: now,
	}
	if err := q.store.CreateJob(ctx, job); err != nil {
		return "", eris.Wrap(err, "biasjob: enqueue")
	}
	q.transition(ctx, job.ID, model.JobStatusPending, 0, "")
	return job.ID, nil
}

func (q *Queue) checkTypes(types []model.AnalysisType) ([]model.AnalysisType, error) {
	if len(types) == 0 {
		return nil, &model.ValidationError{Reason: "bias job needs at least one analysis type"}
	}
	seen := make(map[model.AnalysisType]bool, len(types))
	out := make([]model.AnalysisType, 0, len(types))
	for _, t := range types {
		if _, ok := q.analyzers[t]; !ok {
			return nil, &model.ValidationError{Reason: fmt.Sprintf("unknown analysis type %q", t)}
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (q *Queue) ensureRecord(ctx context.Context, r *model.Record) error {
	_, err := q.store.GetRecord(ctx, r.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return eris.Wrapf(err, "biasjob: look up record %s", r.ID)
	}
	return eris.Wrapf(q.store.CreateRecord(ctx, r), "biasjob: persist record %s", r.ID)
}

// ProcessBatch claims up to n due jobs and runs them. Calling it again
// never touches jobs that already reached a terminal state.
func (q *Queue) ProcessBatch(ctx context.Context, n int) ([]model.JobResult, error) {
	now := q.now().UTC()
	opts := store.ClaimOptions{Now: now, Limit: n}
	if q.opts.StaleAfter > 0 {
		opts.StaleBefore = now.Add(-q.opts.StaleAfter)
	}
	jobs, err := q.store.ClaimJobs(ctx, opts)
	if err != nil {
		return nil, eris.Wrap(err, "biasjob: claim")
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	results := make([]model.JobResult, len(jobs))
	// A storage error on one job does not cancel the others' analyzers.
	var g errgroup.Group
	g.SetLimit(q.opts.Concurrency)
	for i := range jobs {
		job := &jobs[i]
		q.transition(ctx, job.ID, model.JobStatusRunning, job.Attempts, "")
		g.Go(func() error {
			res, err := q.process(ctx, job)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	zap.L().Debug("biasjob: batch processed", zap.Int("jobs", len(results)))
	return results, nil
}

// process runs every analyzer of job. Only storage failures are returned;
// analyzer failures are recorded on the job.
func (q *Queue) process(ctx context.Context, job *model.BiasJob) (model.JobResult, error) {
	log := zap.L().With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempts))

	results, runErr := q.analyze(ctx, job)
	// Terminal writes outlive the batch context so a cancelled worker does
	// not leave the job leased until it goes stale.
	wctx := context.WithoutCancel(ctx)
	at := q.now().UTC()

	if runErr == nil {
		if err := q.store.CompleteJob(wctx, job.ID, results, at); err != nil {
			return model.JobResult{}, q.lostLease(err, job, log)
		}
		q.transition(ctx, job.ID, model.JobStatusSucceeded, job.Attempts, "")
		log.Info("biasjob: job succeeded")
		return model.JobResult{JobID: job.ID, Status: model.JobStatusSucceeded, Attempts: job.Attempts, Results: results}, nil
	}

	status := model.JobStatusFailed
	next := at.Add(q.opts.Backoff.Backoff(job.Attempts))
	switch {
	case ctx.Err() != nil:
		// Interrupted by the worker, not by the job: due again at once and
		// never dead-lettered for it.
		next = at
	case errors.Is(runErr, model.ErrJobPermanent) || !job.CanRetry():
		status = model.JobStatusDeadLetter
		next = time.Time{}
	}
	msg := runErr.Error()
	if err := q.store.FailJob(wctx, job.ID, status, msg, next, at); err != nil {
		return model.JobResult{}, q.lostLease(err, job, log)
	}
	q.transition(ctx, job.ID, status, job.Attempts, "")
	log.Warn("biasjob: job failed",
		zap.String("status", string(status)),
		zap.Time("next_attempt_at", next),
		zap.Error(runErr),
	)
	return model.JobResult{JobID: job.ID, Status: status, Attempts: job.Attempts, Error: msg}, nil
}

// lostLease tolerates a job that is no longer running, which happens when
// a stale lease was reclaimed by another worker.
func (q *Queue) lostLease(err error, job *model.BiasJob, log *zap.Logger) error {
	if errors.Is(err, model.ErrNotFound) {
		log.Warn("biasjob: lease lost before completion", zap.Error(err))
		return nil
	}
	return eris.Wrapf(err, "biasjob: record outcome of %s", job.ID)
}

func (q *Queue) analyze(ctx context.Context, job *model.BiasJob) (map[model.AnalysisType]json.RawMessage, error) {
	if job.Attempts > job.MaxAttempts {
		return nil, eris.Wrapf(model.ErrJobPermanent, "attempts %d exceed max %d", job.Attempts, job.MaxAttempts)
	}
	a, err := q.loadRecord(ctx, job.RecordAID)
	if err != nil {
		return nil, err
	}
	b, err := q.loadRecord(ctx, job.RecordBID)
	if err != nil {
		return nil, err
	}

	results := make(map[model.AnalysisType]json.RawMessage, len(job.AnalysisTypes))
	for _, t := range job.AnalysisTypes {
		an, ok := q.analyzers[t]
		if !ok {
			return nil, eris.Wrapf(model.ErrJobPermanent, "no analyzer for %q", t)
		}
		actx, cancel := context.WithTimeout(ctx, q.opts.AnalyzerTimeout)
		out, err := an.Analyze(actx, a, b)
		cancel()
		if err != nil {
			return nil, eris.Wrapf(err, "analyze %s", t)
		}
		results[t] = out
	}
	return results, nil
}

func (q *Queue) loadRecord(ctx context.Context, id string) (*model.Record, error) {
	r, err := q.store.GetRecord(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil, eris.Wrapf(model.ErrJobPermanent, "record %s missing", id)
	}
	return r, err
}

// Requeue resets a dead-lettered job to pending with a fresh attempt
// budget.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	if err := q.store.RequeueJob(ctx, id, q.now().UTC()); err != nil {
		return eris.Wrapf(err, "biasjob: requeue %s", id)
	}
	q.transition(ctx, id, model.JobStatusPending, 0, "requeued")
	return nil
}

// Get returns one job.
func (q *Queue) Get(ctx context.Context, id string) (*model.BiasJob, error) {
	j, err := q.store.GetJob(ctx, id)
	return j, eris.Wrap(err, "biasjob: get")
}

// List returns jobs matching filter, newest first.
func (q *Queue) List(ctx context.Context, filter model.JobFilter) ([]model.BiasJob, error) {
	jobs, err := q.store.ListJobs(ctx, filter)
	return jobs, eris.Wrap(err, "biasjob: list")
}

func (q *Queue) transition(ctx context.Context, id string, status model.JobStatus, attempts int, note string) {
	monitoring.JobTransitions.WithLabelValues(string(status)).Inc()
	summary := fmt.Sprintf("status=%s attempts=%d", status, attempts)
	if note != "" {
		summary += " note=" + note
	}
	_ = q.opts.Audit.Emit(context.WithoutCancel(ctx), model.AuditJobTransition, id, summary)
}
