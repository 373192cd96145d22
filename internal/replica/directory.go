package replica

import (
	"context"

	"edgeward.io/internal/identity"
)

// Directory is the read side served to downstream clients.
type Directory struct {
	store identity.ReplicaStore
}

func NewDirectory(store identity.ReplicaStore) *Directory {
	return &Directory{store: store}
}

func (d *Directory) ByID(ctx context.Context, id int64) (identity.Identity, error) {
	if id <= 0 {
		return identity.Identity{}, identity.ErrNotFound
	}
	return d.store.Get(ctx, id)
}

func (d *Directory) ByEmail(ctx context.Context, email string) (identity.Identity, error) {
	email = identity.NormalizeEmail(email)
	if email == "" {
		return identity.Identity{}, identity.ErrNotFound
	}
	return d.store.FindByEmail(ctx, email)
}

func (d *Directory) All(ctx context.Context) ([]identity.Identity, error) {
	return d.store.List(ctx)
}

func (d *Directory) Active(ctx context.Context) ([]identity.Identity, error) {
	return d.store.ListEnabled(ctx)
}
