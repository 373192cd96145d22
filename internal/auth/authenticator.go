package auth

import (
	"context"
	"errors"

	"edgeward.io/internal/identity"
)

// Authenticator verifies credentials and returns the matching identity.
// Failures for unknown emails, wrong passwords and disabled identities are all
// reported as ErrInvalidCredentials.
type Authenticator interface {
	Authenticate(ctx context.Context, email, password string) (identity.Identity, error)
}

// PasswordAuthenticator checks bcrypt hashes held by an identity.Store.
type PasswordAuthenticator struct {
	store identity.Store
}

func NewPasswordAuthenticator(store identity.Store) *PasswordAuthenticator {
	return &PasswordAuthenticator{store: store}
}

func (a *PasswordAuthenticator) Authenticate(ctx context.Context, email, password string) (identity.Identity, error) {
	u, hash, err := a.store.Credentials(ctx, email)
	if errors.Is(err, identity.ErrNotFound) {
		_ = VerifyPassword("", password)
		return identity.Identity{}, ErrInvalidCredentials
	}
	if err != nil {
		return identity.Identity{}, err
	}
	if err := VerifyPassword(hash, password); err != nil {
		return identity.Identity{}, ErrInvalidCredentials
	}
	if !u.Enabled {
		return identity.Identity{}, ErrInvalidCredentials
	}
	return u, nil
}
