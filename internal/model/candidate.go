package model

import "time"

// FieldCandidate is an attribute name seen in free text but absent from the
// active schema. Only the normalized name and a counter are kept.
type FieldCandidate struct {
	Name            string    `json:"field_name"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	OccurrenceCount int64     `json:"occurrence_count"`
	Promoted        bool      `json:"promoted"`
	PromotedVersion string    `json:"promoted_version,omitempty"`
}
