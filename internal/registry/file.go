package registry

import (
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/pald-cli/internal/model"
)

//go:embed default.yaml
var defaultDocument []byte

// Document is the on-disk YAML layout: every published version, oldest
// first.
type Document struct {
	Versions []model.Schema `yaml:"versions"`
}

// ParseDocument decodes and indexes a schema document.
func ParseDocument(data []byte) ([]*model.Schema, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "registry: unmarshal schema document")
	}
	out := make([]*model.Schema, 0, len(doc.Versions))
	for i := range doc.Versions {
		s := doc.Versions[i]
		if err := s.Reindex(); err != nil {
			return nil, eris.Wrapf(err, "registry: schema %s", s.Version)
		}
		out = append(out, &s)
	}
	return out, nil
}

// DefaultSchema returns the embedded fallback schema.
func DefaultSchema() *model.Schema {
	versions, err := ParseDocument(defaultDocument)
	if err != nil || len(versions) == 0 {
		panic("registry: embedded default schema is invalid")
	}
	return versions[len(versions)-1]
}

// LoadSchemaFile reads a single schema version from a YAML file, as used by
// `pald schema publish -f`. A document with several versions yields the last.
func LoadSchemaFile(path string) (*model.Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read schema file")
	}
	if versions, err := ParseDocument(data); err == nil && len(versions) > 0 {
		return versions[len(versions)-1], nil
	}

	var s model.Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, eris.Wrap(err, "registry: unmarshal schema file")
	}
	if err := s.Reindex(); err != nil {
		return nil, eris.Wrap(err, "registry: schema file")
	}
	return &s, nil
}

// CandidateMarker flags candidates absorbed by a published version.
// store.CandidateStore implements it.
type CandidateMarker interface {
	MarkCandidatesPromoted(ctx context.Context, version string, names []string) error
}

// FileBackend keeps all schema versions in one YAML document. Its token is
// the SHA-256 of the file bytes, so any edit invalidates the cache.
type FileBackend struct {
	path       string
	candidates CandidateMarker
	mu         sync.Mutex
}

// NewFileBackend returns a backend for the document at path. The file need
// not exist yet. Candidate flags live in the store; with candidates nil,
// promotions are published but not marked.
func NewFileBackend(path string, candidates CandidateMarker) *FileBackend {
	return &FileBackend{path: path, candidates: candidates}
}

// Path returns the document path.
func (b *FileBackend) Path() string { return b.path }

func (b *FileBackend) read() ([]byte, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return data, eris.Wrap(err, "registry: read schema document")
}

func (b *FileBackend) Token(_ context.Context) (string, error) {
	data, err := b.read()
	if err != nil || data == nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (b *FileBackend) Versions(_ context.Context) ([]*model.Schema, error) {
	data, err := b.read()
	if err != nil || data == nil {
		return nil, err
	}
	return ParseDocument(data)
}

// Publish appends next when its parent is still the latest version, then
// marks the promoted candidates. If marking fails the previous document is
// restored, so a version is never visible without its candidates flagged.
func (b *FileBackend) Publish(ctx context.Context, next *model.Schema, promoted []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, err := b.read()
	if err != nil {
		return err
	}
	var versions []*model.Schema
	if prev != nil {
		if versions, err = ParseDocument(prev); err != nil {
			return err
		}
	}
	latest := ""
	if len(versions) > 0 {
		latest = versions[len(versions)-1].Version
	}
	if latest != next.Parent {
		return eris.Wrapf(model.ErrPromotionConflict, "registry: publish %s: parent %q is not latest %q", next.Version, next.Parent, latest)
	}

	doc := Document{Versions: make([]model.Schema, 0, len(versions)+1)}
	for _, v := range versions {
		doc.Versions = append(doc.Versions, *v)
	}
	doc.Versions = append(doc.Versions, *next)

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return eris.Wrap(err, "registry: marshal schema document")
	}
	if err := b.write(data); err != nil {
		return err
	}
	if len(promoted) == 0 || b.candidates == nil {
		return nil
	}

	if err := b.candidates.MarkCandidatesPromoted(ctx, next.Version, promoted); err != nil {
		if rerr := b.restore(prev); rerr != nil {
			zap.L().Error("registry: restore schema document failed",
				zap.String("path", b.path),
				zap.String("version", next.Version),
				zap.Error(rerr),
			)
		}
		return eris.Wrapf(err, "registry: publish %s", next.Version)
	}
	return nil
}

func (b *FileBackend) restore(prev []byte) error {
	if prev == nil {
		return eris.Wrap(os.Remove(b.path), "registry: remove schema document")
	}
	return b.write(prev)
}

// write replaces the document through a temp file and rename.
func (b *FileBackend) write(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return eris.Wrap(err, "registry: create schema dir")
	}
	tmp, err := os.CreateTemp(filepath.Dir(b.path), ".schema-*.yaml")
	if err != nil {
		return eris.Wrap(err, "registry: create temp schema file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrap(err, "registry: write temp schema file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "registry: close temp schema file")
	}
	return eris.Wrap(os.Rename(tmp.Name(), b.path), "registry: replace schema document")
}
