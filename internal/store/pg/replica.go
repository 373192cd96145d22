package pg

import (
	"context"
	"database/sql"
	"time"

	"edgeward.io/internal/identity"
)

var _ identity.ReplicaStore = (*ReplicaStore)(nil)

// ReplicaStore keeps the directory's copy of identities. Ids come from the
// authority; the table has no sequence of its own.
type ReplicaStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewReplicaStore(db *sql.DB) *ReplicaStore {
	return &ReplicaStore{db: db, now: time.Now}
}

func (s *ReplicaStore) Get(ctx context.Context, id int64) (identity.Identity, error) {
	row := s.db.QueryRowContext(ctx, `select `+identityColumns+` from replica_identities where id = $1`, id)
	return scanIdentity(row)
}

// Upsert overwrites every replicated field. created_at is only set by the
// insert branch.
func (s *ReplicaStore) Upsert(ctx context.Context, u identity.Identity) error {
	if u.ID <= 0 {
		return identity.ErrInvalidInput
	}
	roles, err := encodeRoles(u.Roles)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into replica_identities (id, email, first_name, last_name, roles, enabled, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $7)
		on conflict (id) do update
		set email = excluded.email,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			roles = excluded.roles,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`, u.ID, identity.NormalizeEmail(u.Email), u.FirstName, u.LastName, roles, u.Enabled, s.now().UTC())
	return err
}

func (s *ReplicaStore) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `delete from replica_identities where id = $1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FindByEmail returns the most recently written record for email. The
// replica does not enforce email uniqueness.
func (s *ReplicaStore) FindByEmail(ctx context.Context, email string) (identity.Identity, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+identityColumns+` from replica_identities
		where email = $1
		order by updated_at desc
		limit 1
	`, identity.NormalizeEmail(email))
	return scanIdentity(row)
}

func (s *ReplicaStore) List(ctx context.Context) ([]identity.Identity, error) {
	return s.list(ctx, `select `+identityColumns+` from replica_identities order by id`)
}

func (s *ReplicaStore) ListEnabled(ctx context.Context) ([]identity.Identity, error) {
	return s.list(ctx, `select `+identityColumns+` from replica_identities where enabled order by id`)
}

func (s *ReplicaStore) list(ctx context.Context, query string) ([]identity.Identity, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []identity.Identity{}
	for rows.Next() {
		u, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
