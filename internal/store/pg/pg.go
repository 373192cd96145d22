package pg

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"edgeward.io/internal/identity"
)

const pgErrUniqueViolation = "23505"

// Schema names accepted by Migrations.
const (
	SchemaAuthority = "authority"
	SchemaReplica   = "replica"
)

//go:embed migrations/authority/*.sql migrations/replica/*.sql
var migrations embed.FS

// Migrations returns the embedded migration files for schema.
func Migrations(schema string) (fs.FS, error) {
	switch schema {
	case SchemaAuthority, SchemaReplica:
		return fs.Sub(migrations, "migrations/"+schema)
	}
	return nil, fmt.Errorf("pg: unknown schema %q", schema)
}

// Open connects through the pgx stdlib driver with tuned pool defaults.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation
}

func encodeRoles(roles []string) ([]byte, error) {
	return json.Marshal(identity.NormalizeRoles(roles))
}

func decodeRoles(raw []byte) ([]string, error) {
	var roles []string
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &roles); err != nil {
			return nil, fmt.Errorf("decode roles: %w", err)
		}
	}
	return identity.NormalizeRoles(roles), nil
}

// scanIdentity reads id, email, first_name, last_name, roles, enabled,
// created_at, updated_at followed by any extra destinations.
func scanIdentity(row scanner, extra ...any) (identity.Identity, error) {
	var (
		u     identity.Identity
		roles []byte
	)
	dest := append([]any{&u.ID, &u.Email, &u.FirstName, &u.LastName, &roles, &u.Enabled, &u.CreatedAt, &u.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.Identity{}, identity.ErrNotFound
		}
		return identity.Identity{}, err
	}
	var err error
	if u.Roles, err = decodeRoles(roles); err != nil {
		return identity.Identity{}, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return u, nil
}
