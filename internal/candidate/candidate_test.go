package candidate

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pald-cli/internal/audit"
	"github.com/sells-group/pald-cli/internal/model"
	"github.com/sells-group/pald-cli/internal/registry"
	"github.com/sells-group/pald-cli/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newTestAggregator(t *testing.T, deny ...string) (*Aggregator, *registry.Registry, *store.SQLiteStore) {
	t.Helper()
	return newAggregatorOn(t, func(st *store.SQLiteStore) registry.Backend { return registry.NewStoreBackend(st) }, deny...)
}

func newAggregatorOn(t *testing.T, backend func(*store.SQLiteStore) registry.Backend, deny ...string) (*Aggregator, *registry.Registry, *store.SQLiteStore) {
	t.Helper()
	st := newTestStore(t)
	reg := registry.New(backend(st), registry.Options{DenyList: deny})
	_, err := reg.Load(context.Background())
	require.NoError(t, err)
	agg := New(st, reg, Options{Audit: audit.NewRecorder(st)})
	return agg, reg, st
}

func TestNormalizeName(t *testing.T) {
	tests := map[string]string{
		"Accessory Hat":       "accessory_hat",
		"  accessory-hat ":    "accessory_hat",
		"ACCESSORY__HAT":      "accessory_hat",
		"Straße":              "strasse",
		"clothing.top":        "clothing.top",
		"--":                  "",
		"hair colour (dyed)":  "hair_colour_dyed",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeName(in), in)
	}
}

func TestCheckThresholds_MinSupport(t *testing.T) {
	agg, _, _ := newTestAggregator(t)
	ctx := context.Background()

	for range 4 {
		require.NoError(t, agg.Observe(ctx, "accessory_hat"))
	}
	got, err := agg.CheckThresholds(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, agg.Observe(ctx, "Accessory Hat"))
	got, err = agg.CheckThresholds(ctx, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "accessory_hat", got[0].Name)
	assert.Equal(t, int64(5), got[0].OccurrenceCount)
}

func TestCheckThresholds_TieBreak(t *testing.T) {
	agg, _, _ := newTestAggregator(t)
	ctx := context.Background()

	require.NoError(t, agg.ObserveAll(ctx, []string{"wings", "cape", "wings", "cape", "beard", "beard", "beard"}))

	got, err := agg.CheckThresholds(ctx, 2)
	require.NoError(t, err)
	names := make([]string, len(got))
	for i, c := range got {
		names[i] = c.Name
	}
	// Count desc, then first seen: wings was seen before cape.
	assert.Equal(t, []string{"beard", "wings", "cape"}, names)
}

func TestObserve_IgnoresSchemaAndDeniedFields(t *testing.T) {
	agg, _, st := newTestAggregator(t, "ethnicity")
	ctx := context.Background()

	require.NoError(t, agg.Observe(ctx, "Hair Color"))
	require.NoError(t, agg.Observe(ctx, "ethnicity"))
	require.NoError(t, agg.Observe(ctx, "   "))

	_, err := st.GetCandidate(ctx, "hair_color")
	assert.True(t, errors.Is(err, model.ErrNotFound))
	_, err = st.GetCandidate(ctx, "ethnicity")
	assert.True(t, errors.Is(err, model.ErrNotFound))

	all, err := agg.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

type downBackend struct{}

func (downBackend) Token(context.Context) (string, error) { return "", errors.New("unreachable") }
func (downBackend) Versions(context.Context) ([]*model.Schema, error) {
	return nil, errors.New("unreachable")
}
func (downBackend) Publish(context.Context, *model.Schema, []string) error {
	return errors.New("unreachable")
}

func TestObserve_RefusesWhileDegraded(t *testing.T) {
	st := newTestStore(t)
	reg := registry.New(downBackend{}, registry.Options{})
	_, err := reg.Load(context.Background())
	require.NoError(t, err)
	require.True(t, reg.Degraded())

	agg := New(st, reg, Options{})
	err = agg.Observe(context.Background(), "scarf")
	assert.True(t, errors.Is(err, model.ErrSchemaLoad))
}

func TestObserve_ConcurrentSessionsLoseNoUpdates(t *testing.T) {
	agg, _, st := newTestAggregator(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 4 {
				assert.NoError(t, agg.Observe(ctx, "scarf"))
			}
		}()
	}
	wg.Wait()

	fc, err := st.GetCandidate(ctx, "scarf")
	require.NoError(t, err)
	assert.Equal(t, int64(100), fc.OccurrenceCount)
}

func TestPromote_PublishesAndMarks(t *testing.T) {
	backends := map[string]func(*store.SQLiteStore) registry.Backend{
		"store": func(st *store.SQLiteStore) registry.Backend { return registry.NewStoreBackend(st) },
		"file": func(st *store.SQLiteStore) registry.Backend {
			return registry.NewFileBackend(filepath.Join(t.TempDir(), "schema.yaml"), st)
		},
	}
	for name, backend := range backends {
		t.Run(name, func(t *testing.T) {
			agg, reg, st := newAggregatorOn(t, backend)
			ctx := context.Background()

			for range 5 {
				require.NoError(t, agg.Observe(ctx, "scarf"))
			}
			require.NoError(t, agg.Observe(ctx, "beard"))

			next, err := agg.Promote(ctx, "scarf", model.FieldSpec{Description: "Neck accessory"})
			require.NoError(t, err)
			assert.Equal(t, "v2", next.Version)
			assert.Equal(t, model.FieldTypeString, next.Field("scarf").Type)
			assert.Equal(t, "v2", reg.Active().Version)

			fc, err := st.GetCandidate(ctx, "scarf")
			require.NoError(t, err)
			assert.True(t, fc.Promoted)
			assert.Equal(t, "v2", fc.PromotedVersion)

			got, err := agg.CheckThresholds(ctx, 1)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "beard", got[0].Name)

			events, err := st.ListAudit(ctx, store.AuditFilter{Kind: model.AuditCandidatePromoted})
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, "scarf", events[0].EntityID)

			// Further sightings of a promoted name are no longer candidates.
			require.NoError(t, agg.Observe(ctx, "scarf"))
			fc, err = st.GetCandidate(ctx, "scarf")
			require.NoError(t, err)
			assert.Equal(t, int64(5), fc.OccurrenceCount)

			_, err = agg.Promote(ctx, "scarf", model.FieldSpec{})
			assert.Error(t, err)
			assert.Error(t, agg.Reject(ctx, "scarf"), "a promoted candidate cannot be rejected")
		})
	}
}

// racingRegistry loses the first few publications to a concurrent writer.
type racingRegistry struct {
	*registry.Registry
	losses int
	calls  int
}

func (r *racingRegistry) Publish(ctx context.Context, next *model.Schema, promoted ...string) error {
	r.calls++
	if r.calls <= r.losses {
		return eris.Wrap(model.ErrPromotionConflict, "lost race")
	}
	return r.Registry.Publish(ctx, next, promoted...)
}

func TestPromote_RetriesOnConflict(t *testing.T) {
	st := newTestStore(t)
	base := registry.New(registry.NewStoreBackend(st), registry.Options{})
	reg := &racingRegistry{Registry: base, losses: 2}
	agg := New(st, reg, Options{PromoteRetries: 3})
	ctx := context.Background()

	require.NoError(t, agg.Observe(ctx, "cape"))
	next, err := agg.Promote(ctx, "cape", model.FieldSpec{Type: model.FieldTypeBool})
	require.NoError(t, err)
	assert.Equal(t, 3, reg.calls)
	assert.Equal(t, model.FieldTypeBool, next.Field("cape").Type)

	require.NoError(t, agg.Observe(ctx, "wings"))
	reg.losses, reg.calls = 10, 0
	_, err = agg.Promote(ctx, "wings", model.FieldSpec{})
	assert.True(t, errors.Is(err, model.ErrPromotionConflict))
	assert.Equal(t, 3, reg.calls)
}

func TestPromote_UnknownAndDenied(t *testing.T) {
	agg, _, _ := newTestAggregator(t, "religion")
	ctx := context.Background()

	_, err := agg.Promote(ctx, "ghost", model.FieldSpec{})
	assert.True(t, errors.Is(err, model.ErrNotFound))

	_, err = agg.Promote(ctx, "religion", model.FieldSpec{})
	assert.Error(t, err)
}

func TestReject(t *testing.T) {
	agg, _, st := newTestAggregator(t)
	ctx := context.Background()

	require.NoError(t, agg.ObserveAll(ctx, []string{"wings", "wings"}))
	require.NoError(t, agg.Reject(ctx, "Wings"))

	_, err := st.GetCandidate(ctx, "wings")
	assert.True(t, errors.Is(err, model.ErrNotFound))

	events, err := st.ListAudit(ctx, store.AuditFilter{Kind: model.AuditCandidateRejected})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "count=2", events[0].PayloadSummary)

	assert.True(t, errors.Is(agg.Reject(ctx, "wings"), model.ErrNotFound))
}
