package apikey

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kelpielabs/gatehouse/pkg/auth"
)

func keyColumns() []string {
	return []string{"id", "tenant_id", "user_id", "name", "key_hash", "key_prefix", "role", "created_at", "expires_at", "revoked_at", "last_used_at"}
}

func TestStore_Insert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	store := NewStore(db)

	mock.ExpectExec("INSERT INTO api_keys").
		WithArgs(sqlmock.AnyArg(), "t1", "u1", "ci key", "hash123", "gh_abcd1234", "end_user", sqlmock.AnyArg(), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	key := &Key{
		TenantID:  "t1",
		UserID:    "u1",
		Name:      "ci key",
		KeyHash:   "hash123",
		KeyPrefix: "gh_abcd1234",
		Role:      auth.RoleEndUser,
	}
	if err := store.Insert(context.Background(), key); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if key.ID == "" {
		t.Error("Insert() should assign an ID")
	}
	if key.CreatedAt.IsZero() {
		t.Error("Insert() should assign CreatedAt")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStore_FindByHash(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	store := NewStore(db)
	now := time.Now()

	rows := sqlmock.NewRows(keyColumns()).
		AddRow("key-1", "t1", "u1", "ci key", "hash123", "gh_abcd1234", "tenant_admin", now, nil, nil, nil)
	mock.ExpectQuery("SELECT (.+) FROM api_keys").
		WithArgs("hash123").
		WillReturnRows(rows)

	key, err := store.FindByHash(context.Background(), "hash123")
	if err != nil {
		t.Fatalf("FindByHash() error = %v", err)
	}
	if key == nil {
		t.Fatal("FindByHash() = nil, want key")
	}
	if key.ID != "key-1" {
		t.Errorf("ID = %q, want key-1", key.ID)
	}
	if key.Role != auth.RoleTenantAdmin {
		t.Errorf("Role = %q, want tenant_admin", key.Role)
	}
	if key.Revoked() {
		t.Error("key should not be revoked")
	}
}

func TestStore_FindByHash_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	store := NewStore(db)

	mock.ExpectQuery("SELECT (.+) FROM api_keys").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(keyColumns()))

	key, err := store.FindByHash(context.Background(), "missing")
	if err != nil {
		t.Fatalf("FindByHash() error = %v", err)
	}
	if key != nil {
		t.Errorf("FindByHash() = %+v, want nil for unknown hash", key)
	}
}

func TestStore_Revoke(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	store := NewStore(db)

	mock.ExpectExec("UPDATE api_keys SET revoked_at").
		WithArgs("key-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Revoke(context.Background(), "key-1"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	// Revoking again affects zero rows and must error.
	mock.ExpectExec("UPDATE api_keys SET revoked_at").
		WithArgs("key-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Revoke(context.Background(), "key-1"); err == nil {
		t.Error("Revoke() of already-revoked key should error")
	}
}

func TestStore_ListByTenant(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	store := NewStore(db)
	now := time.Now()
	revoked := now.Add(-time.Hour)

	rows := sqlmock.NewRows(keyColumns()).
		AddRow("key-2", "t1", "u2", "newer", "hash2", "gh_ffff0000", "end_user", now, nil, nil, now).
		AddRow("key-1", "t1", "u1", "older", "hash1", "gh_abcd1234", "end_user", now.Add(-2*time.Hour), nil, revoked, nil)
	mock.ExpectQuery("SELECT (.+) FROM api_keys").
		WithArgs("t1").
		WillReturnRows(rows)

	keys, err := store.ListByTenant(context.Background(), "t1")
	if err != nil {
		t.Fatalf("ListByTenant() error = %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("ListByTenant() returned %d keys, want 2", len(keys))
	}
	if keys[0].ID != "key-2" {
		t.Errorf("first key = %q, want key-2 (newest first)", keys[0].ID)
	}
	if !keys[1].Revoked() {
		t.Error("key-1 should be revoked")
	}
	if keys[0].LastUsedAt == nil {
		t.Error("key-2 should have last_used_at set")
	}
}
