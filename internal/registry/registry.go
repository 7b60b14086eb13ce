// Package registry loads, caches and publishes versioned PALD schemas and
// validates records against them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/pald-cli/internal/audit"
	"github.com/sells-group/pald-cli/internal/model"
	"github.com/sells-group/pald-cli/internal/monitoring"
)

// Options configures a Registry.
type Options struct {
	// DenyList names field paths that may never be stored or harvested.
	DenyList []string
	// AllowPrior lists older versions that records may still be written in.
	AllowPrior []string
	// Fallback is served when the backend is unreachable and nothing is
	// cached. Defaults to the embedded schema.
	Fallback *model.Schema
	Audit    audit.Sink
}

// snapshot is an immutable view of the backend at one token.
type snapshot struct {
	token     string
	versions  []*model.Schema
	byVersion map[string]*model.Schema
	active    *model.Schema
	degraded  bool
}

func newSnapshot(token string, versions []*model.Schema, degraded bool) *snapshot {
	s := &snapshot{
		token:     token,
		versions:  versions,
		byVersion: make(map[string]*model.Schema, len(versions)),
		degraded:  degraded,
	}
	for _, v := range versions {
		s.byVersion[v.Version] = v
	}
	if len(versions) > 0 {
		s.active = versions[len(versions)-1]
	}
	return s
}

// Registry serves the active schema. Readers always see a whole snapshot;
// publishing swaps the snapshot pointer.
type Registry struct {
	backend  Backend
	fallback *model.Schema
	audit    audit.Sink
	deny     map[string]bool

	snap  atomic.Pointer[snapshot]
	stale atomic.Bool
	group singleflight.Group

	mu         sync.RWMutex
	allowPrior map[string]bool
}

// New creates a Registry over backend. Nothing is read until Load.
func New(backend Backend, opts Options) *Registry {
	r := &Registry{
		backend:    backend,
		fallback:   opts.Fallback,
		audit:      opts.Audit,
		deny:       make(map[string]bool, len(opts.DenyList)),
		allowPrior: make(map[string]bool, len(opts.AllowPrior)),
	}
	if r.fallback == nil {
		r.fallback = DefaultSchema()
	}
	if r.audit == nil {
		r.audit = audit.Nop{}
	}
	for _, f := range opts.DenyList {
		r.deny[strings.TrimSpace(f)] = true
	}
	for _, v := range opts.AllowPrior {
		r.allowPrior[v] = true
	}
	return r
}

// Load returns the active schema. The backend token is checked on every
// call and content is only re-read when it changed or Invalidate was called.
// An unreachable backend falls back to the cached snapshot, then to the
// embedded default with the registry marked degraded.
func (r *Registry) Load(ctx context.Context) (*model.Schema, error) {
	v, err, _ := r.group.Do("load", func() (any, error) {
		return r.load(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Schema), nil
}

func (r *Registry) load(ctx context.Context) (*model.Schema, error) {
	cur := r.snap.Load()

	token, err := r.backend.Token(ctx)
	if err != nil {
		return r.fallbackTo(cur, err), nil
	}
	if cur != nil && !cur.degraded && cur.token == token && !r.stale.Load() {
		return cur.active, nil
	}

	versions, err := r.backend.Versions(ctx)
	if err != nil {
		return r.fallbackTo(cur, err), nil
	}
	if len(versions) == 0 {
		versions, token, err = r.seed(ctx)
		if err != nil {
			return r.fallbackTo(cur, err), nil
		}
	}

	next := newSnapshot(token, versions, false)
	r.snap.Store(next)
	r.stale.Store(false)
	monitoring.SchemaDegraded.Set(0)

	if cur == nil || cur.active == nil || cur.active.Version != next.active.Version {
		zap.L().Info("registry: loaded schema",
			zap.String("version", next.active.Version),
			zap.String("checksum", next.active.Checksum),
			zap.Int("versions", len(versions)),
		)
	}
	return next.active, nil
}

// seed publishes the fallback schema as the first version of an empty
// backend.
func (r *Registry) seed(ctx context.Context) ([]*model.Schema, string, error) {
	first, err := model.NewSchema(r.fallback.Version, "", r.fallback.Fields)
	if err != nil {
		return nil, "", err
	}
	if err := r.backend.Publish(ctx, first, nil); err != nil && !errors.Is(err, model.ErrPromotionConflict) {
		return nil, "", eris.Wrap(err, "registry: seed default schema")
	}
	zap.L().Info("registry: seeded empty backend", zap.String("version", first.Version))

	versions, err := r.backend.Versions(ctx)
	if err != nil {
		return nil, "", err
	}
	if len(versions) == 0 {
		return nil, "", eris.Wrap(model.ErrSchemaLoad, "registry: backend empty after seeding")
	}
	token, err := r.backend.Token(ctx)
	return versions, token, err
}

func (r *Registry) fallbackTo(cur *snapshot, cause error) *model.Schema {
	if cur != nil && cur.active != nil {
		zap.L().Warn("registry: backend unreachable, serving cached schema",
			zap.String("version", cur.active.Version),
			zap.Error(cause),
		)
		return cur.active
	}
	zap.L().Error("registry: backend unreachable and no cache, serving embedded default (degraded)",
		zap.String("version", r.fallback.Version),
		zap.Error(eris.Wrap(model.ErrSchemaLoad, cause.Error())),
	)
	r.snap.Store(newSnapshot("", []*model.Schema{r.fallback}, true))
	monitoring.SchemaDegraded.Set(1)
	return r.fallback
}

// Degraded reports whether the registry is serving the embedded default
// because the backend has never been reachable.
func (r *Registry) Degraded() bool {
	s := r.snap.Load()
	return s != nil && s.degraded
}

// Active returns the last loaded schema without touching the backend, or
// nil before the first Load.
func (r *Registry) Active() *model.Schema {
	if s := r.snap.Load(); s != nil {
		return s.active
	}
	return nil
}

// Invalidate forces the next Load to re-read the backend.
func (r *Registry) Invalidate() {
	r.stale.Store(true)
}

// Version returns a specific published version.
func (r *Registry) Version(ctx context.Context, version string) (*model.Schema, error) {
	if _, err := r.Load(ctx); err != nil {
		return nil, err
	}
	if s := r.snap.Load(); s != nil {
		if v, ok := s.byVersion[version]; ok {
			return v, nil
		}
	}
	return nil, eris.Wrapf(model.ErrNotFound, "schema version %s", version)
}

// Versions returns all known versions, oldest first.
func (r *Registry) Versions(ctx context.Context) ([]*model.Schema, error) {
	if _, err := r.Load(ctx); err != nil {
		return nil, err
	}
	s := r.snap.Load()
	return append([]*model.Schema(nil), s.versions...), nil
}

// AllowPrior marks older versions as still writable.
func (r *Registry) AllowPrior(versions ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range versions {
		r.allowPrior[v] = true
	}
}

// Writable reports whether records may be written in version.
func (r *Registry) Writable(version string) bool {
	if a := r.Active(); a != nil && a.Version == version {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allowPrior[version]
}

// Denied reports whether path is deny-listed.
func (r *Registry) Denied(path string) bool {
	return r.deny[path]
}

// Publish makes next the active version. next.Parent must be the current
// active version and next must keep every non-deprecated field of its
// parent. promoted names the candidates this version absorbs. A concurrent
// publish surfaces as model.ErrPromotionConflict; callers re-read and retry.
func (r *Registry) Publish(ctx context.Context, next *model.Schema, promoted ...string) error {
	current, err := r.Load(ctx)
	if err != nil {
		return err
	}
	if r.Degraded() {
		return eris.Wrap(model.ErrSchemaLoad, "registry: cannot publish while degraded")
	}
	if next.Parent != current.Version {
		return eris.Wrapf(model.ErrPromotionConflict, "registry: %s derives from %s but active is %s", next.Version, next.Parent, current.Version)
	}
	if missing := next.MissingFrom(current); len(missing) > 0 {
		return eris.Errorf("registry: %s drops fields of %s without deprecation: %s", next.Version, current.Version, strings.Join(missing, ", "))
	}
	for _, f := range next.Fields {
		if r.deny[f.Path] {
			return eris.Errorf("registry: %s declares deny-listed field %s", next.Version, f.Path)
		}
	}
	if next.Checksum != next.ComputeChecksum() {
		return eris.Errorf("registry: %s checksum does not match its fields", next.Version)
	}

	if err := r.backend.Publish(ctx, next, promoted); err != nil {
		if errors.Is(err, model.ErrPromotionConflict) {
			r.Invalidate()
		}
		return err
	}

	cur := r.snap.Load()
	versions := append(append([]*model.Schema(nil), cur.versions...), next)
	r.snap.Store(newSnapshot(cur.token, versions, false))
	r.Invalidate()

	summary := fmt.Sprintf("parent=%s fields=%d", next.Parent, len(next.Fields))
	if len(promoted) > 0 {
		p := append([]string(nil), promoted...)
		sort.Strings(p)
		summary += " promoted=" + strings.Join(p, ",")
	}
	_ = r.audit.Emit(ctx, model.AuditSchemaPublished, next.Version, summary)
	monitoring.SchemaPublished.Inc()
	zap.L().Info("registry: published schema",
		zap.String("version", next.Version),
		zap.String("parent", next.Parent),
		zap.Strings("promoted", promoted),
		zap.Time("published_at", next.PublishedAt.Truncate(time.Second)),
	)
	return nil
}
