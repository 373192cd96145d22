package identity

import "context"

// Store is the canonical identity store owned by the authority service.
type Store interface {
	// Create assigns ID, CreatedAt and UpdatedAt on u. Email uniqueness is
	// enforced by the store itself and reported as ErrEmailConflict.
	Create(ctx context.Context, u *Identity, passwordHash string) error
	FindByID(ctx context.Context, id int64) (Identity, error)
	FindByEmail(ctx context.Context, email string) (Identity, error)
	// Credentials returns the identity together with its password hash.
	Credentials(ctx context.Context, email string) (Identity, string, error)
	// Update overwrites the mutable profile fields and stamps UpdatedAt.
	Update(ctx context.Context, u *Identity) error
	Delete(ctx context.Context, id int64) error
}

// ReplicaStore holds the derived read copy. Records are only ever written by
// applying events, never by client requests.
type ReplicaStore interface {
	Get(ctx context.Context, id int64) (Identity, error)
	// Upsert replaces every field of the record for u.ID, creating it when
	// absent. The store stamps CreatedAt on first insert and UpdatedAt on
	// every write.
	Upsert(ctx context.Context, u Identity) error
	// Delete removes the record and reports whether it existed.
	Delete(ctx context.Context, id int64) (bool, error)
	FindByEmail(ctx context.Context, email string) (Identity, error)
	List(ctx context.Context) ([]Identity, error)
	ListEnabled(ctx context.Context) ([]Identity, error)
}
