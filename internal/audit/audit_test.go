package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pald-cli/internal/model"
	"github.com/sells-group/pald-cli/internal/store"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return NewRecorder(st)
}

func TestRecorder_EmitAndExport(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	rec.now = func() time.Time { return at }

	require.NoError(t, rec.Emit(ctx, model.AuditRecordCreated, "rec-1", "kind=input fields=2"))
	require.NoError(t, rec.Emit(ctx, model.AuditJobTransition, "job-1", "pending->running"))

	var buf bytes.Buffer
	n, err := rec.Export(ctx, &buf, store.AuditFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var got []model.AuditEvent
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var ev model.AuditEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, model.AuditRecordCreated, got[0].Kind)
	assert.Equal(t, "rec-1", got[0].EntityID)
	assert.True(t, at.Equal(got[0].Timestamp))
	assert.NotEmpty(t, got[0].ID)
	assert.NotEqual(t, got[0].ID, got[1].ID)
}

func TestRecorder_ExportFiltersByKind(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()

	require.NoError(t, rec.Emit(ctx, model.AuditSchemaPublished, "v2", "parent=v1"))
	require.NoError(t, rec.Emit(ctx, model.AuditDiffComputed, "rec-1", "similarity=0.50"))

	var buf bytes.Buffer
	n, err := rec.Export(ctx, &buf, store.AuditFilter{Kind: model.AuditSchemaPublished})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, buf.String(), `"schema.published"`)
}
