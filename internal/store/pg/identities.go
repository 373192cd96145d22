package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"edgeward.io/internal/identity"
)

var _ identity.Store = (*IdentityStore)(nil)

const identityColumns = `id, email, first_name, last_name, roles, enabled, created_at, updated_at`

// IdentityStore is the canonical identity store of the authority.
type IdentityStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewIdentityStore(db *sql.DB) *IdentityStore {
	return &IdentityStore{db: db, now: time.Now}
}

func (s *IdentityStore) Create(ctx context.Context, u *identity.Identity, passwordHash string) error {
	email := identity.NormalizeEmail(u.Email)
	if email == "" {
		return identity.ErrInvalidInput
	}
	roles, err := encodeRoles(u.Roles)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `select 1 from identities where email = $1`, email).Scan(&exists)
	switch {
	case err == nil:
		return identity.ErrEmailConflict
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	now := s.now().UTC()
	var id int64
	err = tx.QueryRowContext(ctx, `
		insert into identities (email, password_hash, first_name, last_name, roles, enabled, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $7)
		returning id
	`, email, passwordHash, u.FirstName, u.LastName, roles, u.Enabled, now).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return identity.ErrEmailConflict
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	u.ID = id
	u.Email = email
	u.Roles = identity.NormalizeRoles(u.Roles)
	u.CreatedAt = now
	u.UpdatedAt = now
	return nil
}

func (s *IdentityStore) FindByID(ctx context.Context, id int64) (identity.Identity, error) {
	row := s.db.QueryRowContext(ctx, `select `+identityColumns+` from identities where id = $1`, id)
	return scanIdentity(row)
}

func (s *IdentityStore) FindByEmail(ctx context.Context, email string) (identity.Identity, error) {
	row := s.db.QueryRowContext(ctx, `select `+identityColumns+` from identities where email = $1`,
		identity.NormalizeEmail(email))
	return scanIdentity(row)
}

func (s *IdentityStore) Credentials(ctx context.Context, email string) (identity.Identity, string, error) {
	var hash string
	row := s.db.QueryRowContext(ctx, `select `+identityColumns+`, password_hash from identities where email = $1`,
		identity.NormalizeEmail(email))
	u, err := scanIdentity(row, &hash)
	if err != nil {
		return identity.Identity{}, "", err
	}
	return u, hash, nil
}

func (s *IdentityStore) Update(ctx context.Context, u *identity.Identity) error {
	email := identity.NormalizeEmail(u.Email)
	if email == "" {
		return identity.ErrInvalidInput
	}
	roles, err := encodeRoles(u.Roles)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	var created time.Time
	err = s.db.QueryRowContext(ctx, `
		update identities
		set email = $2, first_name = $3, last_name = $4, roles = $5, enabled = $6, updated_at = $7
		where id = $1
		returning created_at
	`, u.ID, email, u.FirstName, u.LastName, roles, u.Enabled, now).Scan(&created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.ErrNotFound
		}
		if isUniqueViolation(err) {
			return identity.ErrEmailConflict
		}
		return err
	}
	u.Email = email
	u.Roles = identity.NormalizeRoles(u.Roles)
	u.CreatedAt = created.UTC()
	u.UpdatedAt = now
	return nil
}

func (s *IdentityStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `delete from identities where id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return identity.ErrNotFound
	}
	return nil
}
