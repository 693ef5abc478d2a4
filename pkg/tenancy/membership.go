package tenancy

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TenantStatus is the lifecycle state of a tenant.
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
)

// Tenant is a registered tenant.
type Tenant struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Status    TenantStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

// Store persists tenants and tenant membership in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a tenancy store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Schema is the DDL for tenancy tables. Applied by migrations.
const Schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS tenant_members (
	tenant_id TEXT NOT NULL REFERENCES tenants(id),
	user_id TEXT NOT NULL,
	added_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (tenant_id, user_id)
);
`

// CreateTenant registers a new tenant.
func (s *Store) CreateTenant(ctx context.Context, tenant *Tenant) error {
	if tenant.Status == "" {
		tenant.Status = TenantActive
	}
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO tenants (id, name, status, created_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := s.db.ExecContext(ctx, query, tenant.ID, tenant.Name, string(tenant.Status), tenant.CreatedAt); err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

// GetTenant looks up a tenant by ID. Returns nil, nil when unknown.
func (s *Store) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	query := `SELECT id, name, status, created_at FROM tenants WHERE id = $1`

	var tenant Tenant
	var status string
	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(&tenant.ID, &tenant.Name, &status, &tenant.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	tenant.Status = TenantStatus(status)
	return &tenant, nil
}

// AddMember adds a user to a tenant. Idempotent.
func (s *Store) AddMember(ctx context.Context, tenantID, userID string) error {
	query := `
		INSERT INTO tenant_members (tenant_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (tenant_id, user_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, tenantID, userID); err != nil {
		return fmt.Errorf("failed to add tenant member: %w", err)
	}
	return nil
}

// RemoveMember removes a user from a tenant.
func (s *Store) RemoveMember(ctx context.Context, tenantID, userID string) error {
	query := `DELETE FROM tenant_members WHERE tenant_id = $1 AND user_id = $2`
	if _, err := s.db.ExecContext(ctx, query, tenantID, userID); err != nil {
		return fmt.Errorf("failed to remove tenant member: %w", err)
	}
	return nil
}

// CountTenants returns the number of registered tenants. Exposed for the
// metrics sampler.
func (s *Store) CountTenants(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tenants`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count tenants: %w", err)
	}
	return n, nil
}

// SystemUserID returns the ID of the synthetic user tenant-scoped API keys
// act as.
func SystemUserID(tenantID string) string {
	return "system:" + tenantID
}

// EnsureSystemUser lazily creates the tenant's system user membership and
// returns its ID. Keys minted without a user resolve to it so the audit
// trail always has an actor.
func (s *Store) EnsureSystemUser(ctx context.Context, tenantID string) (string, error) {
	userID := SystemUserID(tenantID)
	if err := s.AddMember(ctx, tenantID, userID); err != nil {
		return "", fmt.Errorf("failed to ensure system user: %w", err)
	}
	return userID, nil
}

// IsMember reports whether the user belongs to the tenant.
func (s *Store) IsMember(ctx context.Context, tenantID, userID string) (bool, error) {
	query := `SELECT 1 FROM tenant_members WHERE tenant_id = $1 AND user_id = $2`

	var one int
	err := s.db.QueryRowContext(ctx, query, tenantID, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check tenant membership: %w", err)
	}
	return true, nil
}
