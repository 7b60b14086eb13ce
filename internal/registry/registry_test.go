package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pald-cli/internal/model"
)

// memBackend is an in-memory Backend with injectable failures.
type memBackend struct {
	mu          sync.Mutex
	versions    []*model.Schema
	tokenErr    error
	versionsErr error
	reads       int
}

func (b *memBackend) Token(context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokenErr != nil {
		return "", b.tokenErr
	}
	if len(b.versions) == 0 {
		return "", nil
	}
	return b.versions[len(b.versions)-1].Checksum, nil
}

func (b *memBackend) Versions(context.Context) ([]*model.Schema, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reads++
	if b.versionsErr != nil {
		return nil, b.versionsErr
	}
	return append([]*model.Schema(nil), b.versions...), nil
}

func (b *memBackend) Publish(_ context.Context, next *model.Schema, _ []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	latest := ""
	if len(b.versions) > 0 {
		latest = b.versions[len(b.versions)-1].Version
	}
	if latest != next.Parent {
		return eris.Wrap(model.ErrPromotionConflict, "stale parent")
	}
	b.versions = append(b.versions, next)
	return nil
}

func (b *memBackend) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokenErr = err
	b.versionsErr = err
}

func (b *memBackend) readCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reads
}

type auditEntry struct {
	kind     model.AuditKind
	entityID string
	summary  string
}

type recordingSink struct {
	mu     sync.Mutex
	events []auditEntry
}

func (s *recordingSink) Emit(_ context.Context, kind model.AuditKind, entityID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, auditEntry{kind, entityID, summary})
	return nil
}

func testFields() []model.FieldSpec {
	return []model.FieldSpec{
		{Path: "hair_color", Type: model.FieldTypeString, Required: true},
		{Path: "age_range", Type: model.FieldTypeEnum, AllowedValues: []string{"child", "teen", "adult", "senior"}},
		{Path: "glasses", Type: model.FieldTypeString},
		{Path: "accessories", Type: model.FieldTypeList},
		{Path: "height_cm", Type: model.FieldTypeNumber},
		{Path: "smiling", Type: model.FieldTypeBool, Default: false},
	}
}

func seededBackend(t *testing.T) *memBackend {
	t.Helper()
	v1, err := model.NewSchema("v1", "", testFields())
	require.NoError(t, err)
	return &memBackend{versions: []*model.Schema{v1}}
}

func TestLoad_SeedsEmptyBackend(t *testing.T) {
	b := &memBackend{}
	reg := New(b, Options{})

	s, err := reg.Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "v1", s.Version)
	assert.Equal(t, DefaultSchema().Paths(), s.Paths())
	assert.False(t, reg.Degraded())
	require.Len(t, b.versions, 1)
}

func TestLoad_CachesUntilTokenChanges(t *testing.T) {
	b := seededBackend(t)
	reg := New(b, Options{})
	ctx := context.Background()

	_, err := reg.Load(ctx)
	require.NoError(t, err)
	_, err = reg.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, b.readCount(), "unchanged token must not re-read content")

	reg.Invalidate()
	_, err = reg.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, b.readCount())

	// An out-of-band publish changes the token.
	v2, err := b.versions[0].WithField(model.FieldSpec{Path: "scarf", Type: model.FieldTypeString})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, v2, nil))

	s, err := reg.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", s.Version)
	assert.Equal(t, 3, b.readCount())
}

func TestLoad_ConcurrentReaders(t *testing.T) {
	reg := New(seededBackend(t), Options{})

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := reg.Load(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "v1", s.Version)
		}()
	}
	wg.Wait()
}

func TestLoad_FallsBackToCache(t *testing.T) {
	b := seededBackend(t)
	reg := New(b, Options{})
	ctx := context.Background()

	_, err := reg.Load(ctx)
	require.NoError(t, err)

	b.fail(errors.New("connection refused"))
	reg.Invalidate()

	s, err := reg.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", s.Version)
	assert.True(t, s.Has("height_cm"))
	assert.False(t, reg.Degraded())
}

func TestLoad_DegradedDefaultThenRecovers(t *testing.T) {
	b := seededBackend(t)
	b.fail(errors.New("connection refused"))
	reg := New(b, Options{})
	ctx := context.Background()

	s, err := reg.Load(ctx)
	require.NoError(t, err)
	assert.True(t, reg.Degraded())
	assert.Equal(t, DefaultSchema().Paths(), s.Paths())

	rec := model.NewRecord("s1", s.Version, model.RecordKindDescription, map[string]any{"scarf": "red"})
	res := reg.Validate(rec, s)
	assert.False(t, res.OK)
	assert.False(t, res.Harvestable)

	next, err := s.WithField(model.FieldSpec{Path: "scarf", Type: model.FieldTypeString})
	require.NoError(t, err)
	err = reg.Publish(ctx, next)
	assert.True(t, errors.Is(err, model.ErrSchemaLoad))

	b.fail(nil)
	s, err = reg.Load(ctx)
	require.NoError(t, err)
	assert.False(t, reg.Degraded())
	assert.True(t, s.Has("height_cm"))
}

func TestPublish_SwapsActiveAndAudits(t *testing.T) {
	sink := &recordingSink{}
	b := seededBackend(t)
	reg := New(b, Options{Audit: sink})
	ctx := context.Background()

	v1, err := reg.Load(ctx)
	require.NoError(t, err)

	v2, err := v1.WithField(model.FieldSpec{Path: "scarf", Type: model.FieldTypeString})
	require.NoError(t, err)
	require.NoError(t, reg.Publish(ctx, v2, "scarf"))

	assert.Equal(t, "v2", reg.Active().Version)
	versions, err := reg.Versions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "v1", versions[0].Version)

	// Old versions stay readable.
	old, err := reg.Version(ctx, "v1")
	require.NoError(t, err)
	assert.False(t, old.Has("scarf"))

	require.Len(t, sink.events, 1)
	assert.Equal(t, model.AuditSchemaPublished, sink.events[0].kind)
	assert.Equal(t, "v2", sink.events[0].entityID)
	assert.Contains(t, sink.events[0].summary, "promoted=scarf")
}

func TestPublish_StaleParentConflicts(t *testing.T) {
	b := seededBackend(t)
	ctx := context.Background()

	// Two registries share one backend and both see v1.
	r1 := New(b, Options{})
	r2 := New(b, Options{})
	v1, err := r1.Load(ctx)
	require.NoError(t, err)
	_, err = r2.Load(ctx)
	require.NoError(t, err)

	a, err := v1.WithField(model.FieldSpec{Path: "scarf", Type: model.FieldTypeString})
	require.NoError(t, err)
	c, err := v1.WithField(model.FieldSpec{Path: "beard", Type: model.FieldTypeString})
	require.NoError(t, err)

	require.NoError(t, r1.Publish(ctx, a))
	err = r2.Publish(ctx, c)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrPromotionConflict))

	// The loser re-reads and sees the winner.
	s, err := r2.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", s.Version)
	assert.True(t, s.Has("scarf"))
	assert.Len(t, b.versions, 2)
}

func TestPublish_RejectsDroppedFields(t *testing.T) {
	reg := New(seededBackend(t), Options{})
	ctx := context.Background()
	v1, err := reg.Load(ctx)
	require.NoError(t, err)

	shrunk, err := model.NewSchema("v2", "v1", v1.Fields[:2])
	require.NoError(t, err)
	err = reg.Publish(ctx, shrunk)
	require.Error(t, err)
	assert.False(t, errors.Is(err, model.ErrPromotionConflict))
	assert.Contains(t, err.Error(), "glasses")

	// Deprecate first, then drop.
	fields := append([]model.FieldSpec(nil), v1.Fields...)
	fields[2].Deprecated = true
	v2, err := model.NewSchema("v2", "v1", fields)
	require.NoError(t, err)
	require.NoError(t, reg.Publish(ctx, v2))

	v3, err := model.NewSchema("v3", "v2", append(append([]model.FieldSpec(nil), fields[:2]...), fields[3:]...))
	require.NoError(t, err)
	require.NoError(t, reg.Publish(ctx, v3))
	assert.False(t, reg.Active().Has("glasses"))
}

func TestPublish_RejectsDeniedAndTampered(t *testing.T) {
	reg := New(seededBackend(t), Options{DenyList: []string{"ethnicity"}})
	ctx := context.Background()
	v1, err := reg.Load(ctx)
	require.NoError(t, err)

	denied, err := v1.WithField(model.FieldSpec{Path: "ethnicity", Type: model.FieldTypeString})
	require.NoError(t, err)
	err = reg.Publish(ctx, denied)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deny-listed")

	tampered, err := v1.WithField(model.FieldSpec{Path: "scarf", Type: model.FieldTypeString})
	require.NoError(t, err)
	tampered.Fields[0].Description = "edited after checksum"
	err = reg.Publish(ctx, tampered)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum")

	assert.Equal(t, "v1", reg.Active().Version)
}

func TestVersion_NotFound(t *testing.T) {
	reg := New(seededBackend(t), Options{})
	_, err := reg.Version(context.Background(), "v9")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}
