package model

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// RecordKind says where a PALD record came from.
type RecordKind string

const (
	RecordKindInput       RecordKind = "input"
	RecordKindDescription RecordKind = "description"
	RecordKindFeedback    RecordKind = "feedback"
)

// Record is a PALD: attribute values keyed by schema field path. Records
// are immutable after creation; corrections produce new records.
type Record struct {
	ID            string         `json:"record_id"`
	SessionID     string         `json:"session_id,omitempty"`
	SchemaVersion string         `json:"schema_version"`
	Kind          RecordKind     `json:"kind"`
	Content       map[string]any `json:"content"`
	CreatedAt     time.Time      `json:"created_at"`
}

// NewRecord returns a record with a fresh ID and creation time. The content
// map is copied.
func NewRecord(sessionID, schemaVersion string, kind RecordKind, content map[string]any) *Record {
	return &Record{
		ID:            uuid.New().String(),
		SessionID:     sessionID,
		SchemaVersion: schemaVersion,
		Kind:          kind,
		Content:       copyContent(content),
		CreatedAt:     time.Now().UTC(),
	}
}

// Clone returns a deep-enough copy: the content map and list values are
// copied, scalar values are shared.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Content = copyContent(r.Content)
	return &c
}

// Keys returns the content keys in sorted order.
func (r *Record) Keys() []string {
	keys := make([]string, 0, len(r.Content))
	for k := range r.Content {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Merge returns a new record of kind RecordKindInput holding base's content
// overlaid by overlay's. Overlay values win on conflict; nil overlay values
// are ignored.
func Merge(base, overlay *Record) *Record {
	content := copyContent(base.Content)
	for k, v := range overlay.Content {
		if IsNull(v) {
			continue
		}
		content[k] = v
	}
	return NewRecord(base.SessionID, base.SchemaVersion, RecordKindInput, content)
}

// IsNull reports whether v counts as an absent value.
func IsNull(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []string:
		return len(t) == 0
	case []any:
		return len(t) == 0
	default:
		return false
	}
}

func copyContent(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case []string:
			out[k] = append([]string(nil), t...)
		case []any:
			out[k] = append([]any(nil), t...)
		default:
			out[k] = v
		}
	}
	return out
}
