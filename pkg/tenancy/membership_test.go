package tenancy

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestStore_CreateTenant(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	store := NewStore(db)

	mock.ExpectExec("INSERT INTO tenants").
		WithArgs("t1", "Acme", "active", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	tenant := &Tenant{ID: "t1", Name: "Acme"}
	if err := store.CreateTenant(context.Background(), tenant); err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}
	if tenant.Status != TenantActive {
		t.Errorf("Status = %q, want active default", tenant.Status)
	}
	if tenant.CreatedAt.IsZero() {
		t.Error("CreatedAt should be assigned")
	}
}

func TestStore_GetTenant(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	store := NewStore(db)

	rows := sqlmock.NewRows([]string{"id", "name", "status", "created_at"}).
		AddRow("t1", "Acme", "suspended", time.Now())
	mock.ExpectQuery("SELECT (.+) FROM tenants").
		WithArgs("t1").
		WillReturnRows(rows)

	tenant, err := store.GetTenant(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTenant() error = %v", err)
	}
	if tenant == nil {
		t.Fatal("GetTenant() = nil, want tenant")
	}
	if tenant.Status != TenantSuspended {
		t.Errorf("Status = %q, want suspended", tenant.Status)
	}
}

func TestStore_GetTenant_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	store := NewStore(db)

	mock.ExpectQuery("SELECT (.+) FROM tenants").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "status", "created_at"}))

	tenant, err := store.GetTenant(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("GetTenant() error = %v", err)
	}
	if tenant != nil {
		t.Errorf("GetTenant() = %+v, want nil for unknown tenant", tenant)
	}
}

func TestStore_IsMember(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	store := NewStore(db)

	mock.ExpectQuery("SELECT 1 FROM tenant_members").
		WithArgs("t1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	member, err := store.IsMember(context.Background(), "t1", "u1")
	if err != nil {
		t.Fatalf("IsMember() error = %v", err)
	}
	if !member {
		t.Error("IsMember() = false, want true")
	}

	mock.ExpectQuery("SELECT 1 FROM tenant_members").
		WithArgs("t1", "u2").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

	member, err = store.IsMember(context.Background(), "t1", "u2")
	if err != nil {
		t.Fatalf("IsMember() error = %v", err)
	}
	if member {
		t.Error("IsMember() = true, want false for non-member")
	}
}

func TestStore_AddMember(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	store := NewStore(db)

	mock.ExpectExec("INSERT INTO tenant_members").
		WithArgs("t1", "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.AddMember(context.Background(), "t1", "u1"); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
}
