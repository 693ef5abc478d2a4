package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpielabs/gatehouse/pkg/auth"
)

func recordColumns() []string {
	return []string{
		"id", "timestamp", "event_type", "outcome",
		"actor_user_id", "actor_tenant_id", "actor_role", "actor_method", "actor_key_id",
		"target_tenant", "operation", "error_code",
		"request_id", "http_method", "path", "status_code", "ip_address", "user_agent",
		"duration_ms", "message", "metadata",
	}
}

func platformAdmin() *auth.Identity {
	return &auth.Identity{UserID: "admin", TenantID: "platform", Role: auth.RolePlatformAdmin}
}

func tenantAdmin(tenant string) *auth.Identity {
	return &auth.Identity{UserID: "ta", TenantID: tenant, Role: auth.RoleTenantAdmin}
}

func TestStore_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)

	mock.ExpectExec("INSERT INTO audit_records").
		WillReturnResult(sqlmock.NewResult(0, 1))

	record := NewRecord(EventAuthzTenantCheckBypassed, OutcomeSuccess, Actor{
		UserID: "admin",
		Tenant: "platform",
		Role:   auth.RolePlatformAdmin,
	})
	record.TargetTenant = "t2"
	record.Operation = "list_documents"
	record.Metadata = map[string]interface{}{"reason": "support escalation"}

	require.NoError(t, store.Append(context.Background(), record))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Query_PlatformAdminUnrestricted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	now := time.Now()

	rows := sqlmock.NewRows(recordColumns()).AddRow(
		"rec-1", now, "authz.denied", "denied",
		"u1", "t1", "end_user", "oauth", nil,
		"t1", "upsert_document", "FORBIDDEN",
		"req-1", "POST", "/documents", 403, "10.0.0.1", "curl",
		12, "role end_user may not perform upsert_document", []byte(`{"k":"v"}`),
	)
	mock.ExpectQuery("SELECT (.+) FROM audit_records").WillReturnRows(rows)

	records, err := store.Query(context.Background(), platformAdmin(), Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, EventType("authz.denied"), records[0].EventType)
	assert.Equal(t, "u1", records[0].Actor.UserID)
	assert.Equal(t, "FORBIDDEN", records[0].ErrorCode)
	assert.Equal(t, map[string]interface{}{"k": "v"}, records[0].Metadata)
}

func TestStore_Query_TenantAdminScopedToOwnTenant(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)

	// The query must carry the caller's tenant even though the filter left
	// it empty.
	mock.ExpectQuery("SELECT (.+) FROM audit_records WHERE .*target_tenant = ").
		WithArgs("t1", 100, 0).
		WillReturnRows(sqlmock.NewRows(recordColumns()))

	_, err = store.Query(context.Background(), tenantAdmin("t1"), Filter{})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Query_TenantAdminCannotCrossTenants(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)

	_, err = store.Query(context.Background(), tenantAdmin("t1"), Filter{TenantID: "t2"})
	assert.ErrorIs(t, err, auth.ErrForbidden)
}

func TestStore_Stats_GroupsByEventAndOutcome(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)

	rows := sqlmock.NewRows([]string{"event_type", "outcome", "count"}).
		AddRow("authz.allowed", "success", 12).
		AddRow("authz.denied", "denied", 3)
	mock.ExpectQuery("SELECT event_type, outcome, COUNT").
		WillReturnRows(rows)

	buckets, err := store.Stats(context.Background(), platformAdmin(), Filter{})
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, EventAuthzAllowed, buckets[0].EventType)
	assert.Equal(t, int64(12), buckets[0].Count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Stats_TenantAdminPinnedToOwnTenant(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)

	mock.ExpectQuery("SELECT event_type, outcome, COUNT(.+)target_tenant = ").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"event_type", "outcome", "count"}))

	_, err = store.Stats(context.Background(), tenantAdmin("t1"), Filter{})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	_, err = store.Stats(context.Background(), tenantAdmin("t1"), Filter{TenantID: "t2"})
	assert.ErrorIs(t, err, auth.ErrForbidden)
}

func TestStore_Query_EndUserDenied(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)

	caller := &auth.Identity{UserID: "u1", TenantID: "t1", Role: auth.RoleEndUser}
	_, err = store.Query(context.Background(), caller, Filter{TenantID: "t1"})
	assert.ErrorIs(t, err, auth.ErrForbidden)
}

func TestStore_Query_Filters(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	start := time.Now().Add(-time.Hour)
	outcome := OutcomeDenied

	mock.ExpectQuery("SELECT (.+) FROM audit_records").
		WithArgs("t1", start, "authz.denied", "authz.tenant_denied", "denied", "u1", "upsert_document", 50, 10).
		WillReturnRows(sqlmock.NewRows(recordColumns()))

	_, err = store.Query(context.Background(), platformAdmin(), Filter{
		TenantID:   "t1",
		StartTime:  &start,
		EventTypes: []EventType{EventAuthzDenied, EventAuthzTenantDenied},
		Outcome:    &outcome,
		UserID:     "u1",
		Operation:  "upsert_document",
		Limit:      50,
		Offset:     10,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Prune(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	cutoff := time.Now().AddDate(0, 0, -90)

	mock.ExpectExec("DELETE FROM audit_records WHERE timestamp <").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 1234))

	removed, err := store.Prune(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), removed)
}
