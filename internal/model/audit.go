package model

import "time"

// AuditKind classifies an audit event.
type AuditKind string

const (
	AuditRecordCreated       AuditKind = "record.created"
	AuditDiffComputed        AuditKind = "diff.computed"
	AuditSchemaPublished     AuditKind = "schema.published"
	AuditJobTransition       AuditKind = "job.transition"
	AuditCandidatePromoted   AuditKind = "candidate.promoted"
	AuditCandidateRejected   AuditKind = "candidate.rejected"
	AuditConvergenceFinished AuditKind = "convergence.finished"
)

// AuditEvent is an append-only entry for external audit and export tooling.
type AuditEvent struct {
	ID             string    `json:"event_id"`
	EntityID       string    `json:"entity_id"`
	Kind           AuditKind `json:"kind"`
	Timestamp      time.Time `json:"timestamp"`
	PayloadSummary string    `json:"payload_summary"`
}
