// Package audit records append-only events for record creation, diffs,
// schema publication and job transitions, and exports them as JSON lines.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pald-cli/internal/model"
	"github.com/sells-group/pald-cli/internal/store"
)

// Sink receives audit events. *Recorder implements it; Nop discards.
type Sink interface {
	Emit(ctx context.Context, kind model.AuditKind, entityID, summary string) error
}

// Recorder persists audit events to the store and mirrors them to the log.
type Recorder struct {
	store store.AuditStore
	now   func() time.Time
}

// NewRecorder creates a Recorder backed by st.
func NewRecorder(st store.AuditStore) *Recorder {
	return &Recorder{store: st, now: time.Now}
}

// Emit appends one event. Summaries must not carry raw user text.
func (r *Recorder) Emit(ctx context.Context, kind model.AuditKind, entityID, summary string) error {
	ev := &model.AuditEvent{
		ID:             uuid.New().String(),
		EntityID:       entityID,
		Kind:           kind,
		Timestamp:      r.now().UTC(),
		PayloadSummary: summary,
	}
	if err := r.store.AppendAudit(ctx, ev); err != nil {
		zap.L().Error("audit: append failed",
			zap.String("kind", string(kind)),
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
		return eris.Wrap(err, "audit: emit")
	}
	zap.L().Debug("audit event",
		zap.String("kind", string(kind)),
		zap.String("entity_id", entityID),
		zap.String("summary", summary),
	)
	return nil
}

// Export writes events matching filter to w, one JSON object per line.
func (r *Recorder) Export(ctx context.Context, w io.Writer, filter store.AuditFilter) (int, error) {
	events, err := r.store.ListAudit(ctx, filter)
	if err != nil {
		return 0, eris.Wrap(err, "audit: list events")
	}
	enc := json.NewEncoder(w)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			return i, eris.Wrap(err, "audit: encode event")
		}
	}
	return len(events), nil
}

// Nop is a Sink that drops every event.
type Nop struct{}

func (Nop) Emit(context.Context, model.AuditKind, string, string) error { return nil }
