package feedback

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pald-cli/internal/convergence"
	"github.com/sells-group/pald-cli/internal/model"
	"github.com/sells-group/pald-cli/internal/registry"
	"github.com/sells-group/pald-cli/internal/resilience"
	"github.com/sells-group/pald-cli/internal/store"
)

// fakeRunner echoes the request input as both input and output record.
type fakeRunner struct {
	mu   sync.Mutex
	reqs []convergence.Request
	err  error
}

func (f *fakeRunner) Run(_ context.Context, req convergence.Request) (*convergence.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	content := map[string]any{"hair_color": "brown"}
	if req.InputRecord != nil {
		content = req.InputRecord.Content
	}
	in := model.NewRecord(req.SessionID, "v1", model.RecordKindInput, content)
	out := model.NewRecord(req.SessionID, "v1", model.RecordKindDescription, content)
	harvested := append([]string(nil), req.Harvested...)
	if _, ok := content["scarf"]; ok && !slices.Contains(harvested, "scarf") {
		harvested = append(harvested, "scarf")
	}
	return &convergence.Outcome{
		ConvergenceState: model.ConvergenceState{
			SessionID:           req.SessionID,
			InputRecord:         in,
			CurrentOutputRecord: out,
			Status:              model.LoopStatusConverged,
		},
		Harvested: harvested,
	}, nil
}

func (f *fakeRunner) last() convergence.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

type fakeExtractor struct {
	content map[string]any
	errs    []error
	calls   int
}

func (f *fakeExtractor) Extract(context.Context, string, *model.Schema) (map[string]any, error) {
	f.calls++
	if f.calls <= len(f.errs) {
		return nil, f.errs[f.calls-1]
	}
	return f.content, nil
}

func newDeps(t *testing.T, ext *fakeExtractor) (Deps, *fakeRunner, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	schema, err := model.NewSchema("v1", "", []model.FieldSpec{
		{Path: "hair_color", Type: model.FieldTypeString, Required: true},
		{Path: "age_range", Type: model.FieldTypeEnum, AllowedValues: []string{"child", "teen", "adult"}},
	})
	require.NoError(t, err)
	reg := registry.New(registry.NewStoreBackend(st), registry.Options{Fallback: schema, DenyList: []string{"religion"}})
	_, err = reg.Load(context.Background())
	require.NoError(t, err)

	runner := &fakeRunner{}
	return Deps{
		Runner:    runner,
		Extractor: ext,
		Schemas:   reg,
		Records:   st,
		Retry:     resilience.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1},
	}, runner, st
}

func TestSession_RoundsMergeFeedback(t *testing.T) {
	ext := &fakeExtractor{content: map[string]any{"age_range": "teen", "scarf": "red"}}
	deps, runner, st := newDeps(t, ext)
	ctx := context.Background()

	s := NewSession("s1", 2, deps)
	_, err := s.Start(ctx, convergence.Request{
		InputRecord: &model.Record{Content: map[string]any{"hair_color": "brown", "age_range": "child"}},
		DeferBias:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, s.RoundsRemaining())

	out, err := s.Submit(ctx, "make them a teenager with a red scarf")
	require.NoError(t, err)
	assert.Equal(t, 1, s.RoundsRemaining())
	assert.Same(t, out, s.Final())

	req := runner.last()
	assert.Equal(t, "s1", req.SessionID)
	assert.True(t, req.DeferBias)
	assert.Equal(t, "teen", req.InputRecord.Content["age_range"])
	assert.Equal(t, "brown", req.InputRecord.Content["hair_color"])
	assert.Equal(t, "red", req.InputRecord.Content["scarf"], "unknown fields reach the loop for harvesting")

	records, err := st.ListRecords(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.RecordKindFeedback, records[0].Kind)
	assert.Equal(t, map[string]any{"age_range": "teen"}, records[0].Content)

	_, err = s.Submit(ctx, "older")
	require.NoError(t, err)
	assert.Equal(t, 0, s.RoundsRemaining())
	assert.True(t, s.Done())

	_, err = s.Submit(ctx, "again")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Len(t, runner.reqs, 3)
}

func TestSession_RejectsInvalidFeedback(t *testing.T) {
	tests := []struct {
		name    string
		content map[string]any
		field   string
	}{
		{"out of enum", map[string]any{"age_range": "elderly"}, "age_range"},
		{"wrong type", map[string]any{"hair_color": 42}, "hair_color"},
		{"deny-listed", map[string]any{"religion": "none"}, "religion"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps, runner, st := newDeps(t, &fakeExtractor{content: tt.content})
			ctx := context.Background()

			s := NewSession("s1", 2, deps)
			_, err := s.Start(ctx, convergence.Request{InputText: "brown hair"})
			require.NoError(t, err)

			_, err = s.Submit(ctx, "change it")
			var ve *model.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, err.Error(), tt.field)
			assert.Equal(t, 2, s.RoundsRemaining())
			assert.Len(t, runner.reqs, 1)

			records, err := st.ListRecords(ctx, "s1")
			require.NoError(t, err)
			assert.Empty(t, records)
		})
	}
}

func TestSession_CarriesHarvestedNames(t *testing.T) {
	deps, runner, _ := newDeps(t, &fakeExtractor{content: map[string]any{"scarf": "red"}})
	ctx := context.Background()

	s := NewSession("s1", 2, deps)
	_, err := s.Start(ctx, convergence.Request{InputRecord: &model.Record{Content: map[string]any{"hair_color": "brown"}}})
	require.NoError(t, err)
	assert.Empty(t, runner.last().Harvested)

	_, err = s.Submit(ctx, "add a red scarf")
	require.NoError(t, err)
	assert.Empty(t, runner.last().Harvested)

	_, err = s.Submit(ctx, "the scarf again")
	require.NoError(t, err)
	assert.Equal(t, []string{"scarf"}, runner.last().Harvested)
}

func TestSession_StopKeepsFinal(t *testing.T) {
	deps, runner, _ := newDeps(t, &fakeExtractor{content: map[string]any{"age_range": "adult"}})
	ctx := context.Background()

	s := NewSession("s1", 3, deps)
	out, err := s.Start(ctx, convergence.Request{InputText: "a child with brown hair"})
	require.NoError(t, err)

	s.Stop()
	_, err = s.Submit(ctx, "adult")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Same(t, out, s.Final())
	assert.Equal(t, 3, s.RoundsRemaining())
	assert.Len(t, runner.reqs, 1)
}

func TestSession_SubmitBeforeStart(t *testing.T) {
	deps, _, _ := newDeps(t, &fakeExtractor{})
	s := NewSession("s1", 1, deps)

	_, err := s.Submit(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.Nil(t, s.Final())
}

func TestSession_ExtractionRetriesTransient(t *testing.T) {
	ext := &fakeExtractor{
		content: map[string]any{"age_range": "adult"},
		errs:    []error{resilience.NewTransientError(errors.New("overloaded"), 529)},
	}
	deps, _, _ := newDeps(t, ext)
	ctx := context.Background()

	s := NewSession("s1", 1, deps)
	_, err := s.Start(ctx, convergence.Request{InputText: "brown hair"})
	require.NoError(t, err)

	_, err = s.Submit(ctx, "adult please")
	require.NoError(t, err)
	assert.Equal(t, 2, ext.calls)
}

func TestSession_ExtractionFailureKeepsRound(t *testing.T) {
	ext := &fakeExtractor{errs: []error{errors.New("bad json")}}
	deps, _, _ := newDeps(t, ext)
	ctx := context.Background()

	s := NewSession("s1", 1, deps)
	_, err := s.Start(ctx, convergence.Request{InputText: "brown hair"})
	require.NoError(t, err)

	_, err = s.Submit(ctx, "adult please")
	require.Error(t, err)
	assert.True(t, model.IsExtractionError(err))
	assert.Equal(t, 1, s.RoundsRemaining())
}

func TestManager_Lifecycle(t *testing.T) {
	deps, runner, _ := newDeps(t, &fakeExtractor{content: map[string]any{"age_range": "adult"}})
	ctx := context.Background()
	m := NewManager(deps, 2, time.Hour)

	s, out, err := m.Start(ctx, convergence.Request{InputText: "brown hair"})
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, 1, m.Len())

	got, err := m.Get(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, _, err = m.Start(ctx, convergence.Request{SessionID: s.ID(), InputText: "x"})
	assert.Error(t, err)

	final, err := m.Stop(s.ID())
	require.NoError(t, err)
	assert.Same(t, out, final)
	assert.Equal(t, 0, m.Len())

	_, err = m.Get(s.ID())
	assert.ErrorIs(t, err, model.ErrNotFound)

	runner.err = errors.New("store down")
	_, _, err = m.Start(ctx, convergence.Request{InputText: "brown hair"})
	assert.Error(t, err)
	assert.Equal(t, 0, m.Len())
}

func TestManager_SweepExpiresIdle(t *testing.T) {
	deps, _, _ := newDeps(t, &fakeExtractor{})
	m := NewManager(deps, 1, time.Minute)

	s, _, err := m.Start(context.Background(), convergence.Request{InputText: "brown hair"})
	require.NoError(t, err)

	assert.Equal(t, 0, m.Sweep())
	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	assert.Equal(t, 1, m.Sweep())
	assert.Equal(t, 0, m.Len())
	assert.True(t, s.Done())
}
