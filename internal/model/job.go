package model

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a bias job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusRunning    JobStatus = "running"
	JobStatusSucceeded  JobStatus = "succeeded"
	JobStatusFailed     JobStatus = "failed"
	JobStatusDeadLetter JobStatus = "dead_letter"
)

// Terminal reports whether the queue will never pick the job up again on
// its own.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusDeadLetter
}

// AnalysisType names an external analyzer, e.g. "age_shift".
type AnalysisType string

// BiasJob is a deferred comparison of two records. Only the bias job queue
// writes to it.
type BiasJob struct {
	ID            string                           `json:"job_id"`
	CreatedAt     time.Time                        `json:"created_at"`
	UpdatedAt     time.Time                        `json:"updated_at"`
	RecordAID     string                           `json:"record_a"`
	RecordBID     string                           `json:"record_b"`
	AnalysisTypes []AnalysisType                   `json:"analysis_types"`
	Status        JobStatus                        `json:"status"`
	Attempts      int                              `json:"attempts"`
	MaxAttempts   int                              `json:"max_attempts"`
	NextAttemptAt time.Time                        `json:"next_attempt_at"`
	LastError     string                           `json:"last_error,omitempty"`
	Results       map[AnalysisType]json.RawMessage `json:"results,omitempty"`
}

// CanRetry returns true if the job has attempts left.
func (j *BiasJob) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

// JobResult reports what a single ProcessBatch pass did to one job.
type JobResult struct {
	JobID    string                           `json:"job_id"`
	Status   JobStatus                        `json:"status"`
	Attempts int                              `json:"attempts"`
	Error    string                           `json:"error,omitempty"`
	Results  map[AnalysisType]json.RawMessage `json:"results,omitempty"`
}

// JobFilter selects jobs for listing.
type JobFilter struct {
	Status JobStatus `json:"status,omitempty"`
	Limit  int       `json:"limit,omitempty"`
	Offset int       `json:"offset,omitempty"`
}
