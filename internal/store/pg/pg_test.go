package pg

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"edgeward.io/internal/identity"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return db, mock
}

var identityCols = []string{"id", "email", "first_name", "last_name", "roles", "enabled", "created_at", "updated_at"}

func TestIdentityStoreCreate(t *testing.T) {
	db, mock := newMock(t)
	store := NewIdentityStore(db)
	store.now = func() time.Time { return fixedNow }

	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from identities where email").WithArgs("u@x.com").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("insert into identities").
		WithArgs("u@x.com", "hash", "U", "X", []byte(`["USER"]`), true, fixedNow).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectCommit()

	u := identity.Identity{Email: " U@x.com ", FirstName: "U", LastName: "X", Roles: []string{"user"}, Enabled: true}
	if err := store.Create(context.Background(), &u, "hash"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if u.ID != 1 || u.Email != "u@x.com" || !u.CreatedAt.Equal(fixedNow) || !u.UpdatedAt.Equal(fixedNow) {
		t.Fatalf("unexpected identity: %+v", u)
	}
}

func TestIdentityStoreCreateConflict(t *testing.T) {
	db, mock := newMock(t)
	store := NewIdentityStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from identities where email").WithArgs("u@x.com").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectRollback()

	u := identity.Identity{Email: "u@x.com"}
	if err := store.Create(context.Background(), &u, "hash"); !errors.Is(err, identity.ErrEmailConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestIdentityStoreCreateRaceMapsUniqueViolation(t *testing.T) {
	db, mock := newMock(t)
	store := NewIdentityStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from identities where email").WithArgs("u@x.com").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("insert into identities").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	u := identity.Identity{Email: "u@x.com"}
	if err := store.Create(context.Background(), &u, "hash"); !errors.Is(err, identity.ErrEmailConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if u.ID != 0 {
		t.Fatalf("id must not be assigned on failure, got %d", u.ID)
	}
}

func TestIdentityStoreCredentials(t *testing.T) {
	db, mock := newMock(t)
	store := NewIdentityStore(db)

	mock.ExpectQuery("select .*password_hash from identities where email").WithArgs("u@x.com").
		WillReturnRows(sqlmock.NewRows(append(identityCols, "password_hash")).
			AddRow(int64(1), "u@x.com", "U", "X", []byte(`["USER","ADMIN"]`), true, fixedNow, fixedNow, "hash"))

	u, hash, err := store.Credentials(context.Background(), "U@X.com")
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if hash != "hash" || u.ID != 1 || len(u.Roles) != 2 || u.Roles[0] != "ADMIN" {
		t.Fatalf("unexpected result: %+v %q", u, hash)
	}

	mock.ExpectQuery("from identities where id").WithArgs(int64(9)).WillReturnError(sql.ErrNoRows)
	if _, err := store.FindByID(context.Background(), 9); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestIdentityStoreUpdateAndDelete(t *testing.T) {
	db, mock := newMock(t)
	store := NewIdentityStore(db)
	store.now = func() time.Time { return fixedNow }
	created := fixedNow.Add(-time.Hour)

	mock.ExpectQuery("update identities").
		WithArgs(int64(1), "u@x.com", "U", "X", []byte(`["ADMIN","USER"]`), false, fixedNow).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))

	u := identity.Identity{ID: 1, Email: "u@x.com", FirstName: "U", LastName: "X", Roles: []string{"user", "admin"}}
	if err := store.Update(context.Background(), &u); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !u.CreatedAt.Equal(created) || !u.UpdatedAt.Equal(fixedNow) {
		t.Fatalf("unexpected stamps: %+v", u)
	}

	mock.ExpectQuery("update identities").WillReturnError(sql.ErrNoRows)
	missing := identity.Identity{ID: 2, Email: "m@x.com"}
	if err := store.Update(context.Background(), &missing); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	mock.ExpectExec("delete from identities").WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.Delete(context.Background(), 1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	mock.ExpectExec("delete from identities").WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.Delete(context.Background(), 1); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReplicaStoreUpsertKeepsAuthorityID(t *testing.T) {
	db, mock := newMock(t)
	store := NewReplicaStore(db)
	store.now = func() time.Time { return fixedNow }

	mock.ExpectExec("insert into replica_identities .* on conflict \\(id\\) do update").
		WithArgs(int64(7), "a@x.com", "A", "", []byte(`["USER"]`), true, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Upsert(context.Background(), identity.Identity{ID: 7, Email: "A@x.com", FirstName: "A", Roles: []string{"USER"}, Enabled: true})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := store.Upsert(context.Background(), identity.Identity{Email: "x@x.com"}); !errors.Is(err, identity.ErrInvalidInput) {
		t.Fatalf("expected invalid input for missing id, got %v", err)
	}
}

func TestReplicaStoreDeleteReportsPresence(t *testing.T) {
	db, mock := newMock(t)
	store := NewReplicaStore(db)

	mock.ExpectExec("delete from replica_identities").WithArgs(int64(5)).WillReturnResult(sqlmock.NewResult(0, 0))
	existed, err := store.Delete(context.Background(), 5)
	if err != nil || existed {
		t.Fatalf("expected absent delete to be a no-op, got %v %v", existed, err)
	}
}

func TestReplicaStoreQueries(t *testing.T) {
	db, mock := newMock(t)
	store := NewReplicaStore(db)

	mock.ExpectQuery("from replica_identities\\s+where email = \\$1\\s+order by updated_at desc").
		WithArgs("a@x.com").
		WillReturnRows(sqlmock.NewRows(identityCols).AddRow(int64(3), "a@x.com", "", "", nil, true, fixedNow, fixedNow))
	u, err := store.FindByEmail(context.Background(), "a@x.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if u.ID != 3 || u.Roles == nil || len(u.Roles) != 0 {
		t.Fatalf("unexpected identity: %+v", u)
	}

	mock.ExpectQuery("from replica_identities where enabled order by id").
		WillReturnRows(sqlmock.NewRows(identityCols).
			AddRow(int64(1), "a@x.com", "", "", []byte(`[]`), true, fixedNow, fixedNow).
			AddRow(int64(2), "b@x.com", "", "", []byte(`["USER"]`), true, fixedNow, fixedNow))
	list, err := store.ListEnabled(context.Background())
	if err != nil {
		t.Fatalf("ListEnabled: %v", err)
	}
	if len(list) != 2 || list[1].Email != "b@x.com" {
		t.Fatalf("unexpected list: %+v", list)
	}

	mock.ExpectQuery("from replica_identities order by id").WillReturnRows(sqlmock.NewRows(identityCols))
	all, err := store.List(context.Background())
	if err != nil || all == nil || len(all) != 0 {
		t.Fatalf("expected empty non-nil list, got %v %v", all, err)
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	for _, schema := range []string{SchemaAuthority, SchemaReplica} {
		fsys, err := Migrations(schema)
		if err != nil {
			t.Fatalf("Migrations(%s): %v", schema, err)
		}
		ups, err := fs.Glob(fsys, "*.up.sql")
		if err != nil || len(ups) == 0 {
			t.Fatalf("%s: expected up migrations, got %v %v", schema, ups, err)
		}
	}
	if _, err := Migrations("ledger"); err == nil {
		t.Fatal("expected unknown schema to fail")
	}
}
