package registry

import (
	"context"

	"github.com/sells-group/pald-cli/internal/model"
	"github.com/sells-group/pald-cli/internal/store"
)

// Backend is the schema backing store. Token must change whenever the set
// of versions changes so the registry can skip re-reading content.
type Backend interface {
	Token(ctx context.Context) (string, error)
	Versions(ctx context.Context) ([]*model.Schema, error)
	Publish(ctx context.Context, next *model.Schema, promoted []string) error
}

// StoreBackend keeps schema versions in the store's schema_versions table.
// Publication and candidate promotion commit in one transaction.
type StoreBackend struct {
	store store.SchemaStore
}

// NewStoreBackend wraps st.
func NewStoreBackend(st store.SchemaStore) *StoreBackend {
	return &StoreBackend{store: st}
}

func (b *StoreBackend) Token(ctx context.Context) (string, error) {
	return b.store.SchemaToken(ctx)
}

func (b *StoreBackend) Versions(ctx context.Context) ([]*model.Schema, error) {
	schemas, err := b.store.ListSchemas(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Schema, len(schemas))
	for i := range schemas {
		out[i] = &schemas[i]
	}
	return out, nil
}

func (b *StoreBackend) Publish(ctx context.Context, next *model.Schema, promoted []string) error {
	return b.store.PublishSchema(ctx, next, promoted)
}
