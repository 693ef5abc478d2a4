package apikey

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kelpielabs/gatehouse/pkg/auth"
)

// Key is a stored API key credential. The plaintext key is never persisted;
// only its SHA256 hash and a short display prefix survive minting.
type Key struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	UserID     string     `json:"user_id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"key_prefix"`
	Role       auth.Role  `json:"role"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Revoked reports whether the key has been revoked.
func (k *Key) Revoked() bool {
	return k.RevokedAt != nil
}

// Expired reports whether the key is past its expiry at the given instant.
func (k *Key) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// Store persists API keys in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new API key store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Schema is the DDL for the api_keys table. Applied by migrations.
const Schema = `
CREATE TABLE IF NOT EXISTS api_keys (
	id UUID PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	name TEXT NOT NULL,
	key_hash TEXT NOT NULL UNIQUE,
	key_prefix TEXT NOT NULL,
	role TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at TIMESTAMPTZ,
	revoked_at TIMESTAMPTZ,
	last_used_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_api_keys_tenant ON api_keys(tenant_id);
CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys(user_id);
`

// Insert stores a new key record. The ID is assigned here if empty.
func (s *Store) Insert(ctx context.Context, key *Key) error {
	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO api_keys (id, tenant_id, user_id, name, key_hash, key_prefix, role, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := s.db.ExecContext(ctx, query,
		key.ID,
		key.TenantID,
		key.UserID,
		key.Name,
		key.KeyHash,
		key.KeyPrefix,
		string(key.Role),
		key.CreatedAt,
		key.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert api key: %w", err)
	}

	return nil
}

// FindByHash looks up a key by its SHA256 hash. Returns nil, nil when no
// key matches so the caller can distinguish "unknown" from a query failure.
func (s *Store) FindByHash(ctx context.Context, keyHash string) (*Key, error) {
	query := `
		SELECT id, tenant_id, user_id, name, key_hash, key_prefix, role, created_at, expires_at, revoked_at, last_used_at
		FROM api_keys
		WHERE key_hash = $1
	`

	var key Key
	var role string
	var expiresAt, revokedAt, lastUsedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, query, keyHash).Scan(
		&key.ID,
		&key.TenantID,
		&key.UserID,
		&key.Name,
		&key.KeyHash,
		&key.KeyPrefix,
		&role,
		&key.CreatedAt,
		&expiresAt,
		&revokedAt,
		&lastUsedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find api key: %w", err)
	}

	key.Role = auth.Role(role)
	if expiresAt.Valid {
		t := expiresAt.Time
		key.ExpiresAt = &t
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		key.RevokedAt = &t
	}
	if lastUsedAt.Valid {
		t := lastUsedAt.Time
		key.LastUsedAt = &t
	}

	return &key, nil
}

// Revoke marks a key as revoked. Revocation is permanent.
func (s *Store) Revoke(ctx context.Context, keyID string) error {
	query := `UPDATE api_keys SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL`
	result, err := s.db.ExecContext(ctx, query, keyID)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check revocation result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("api key not found or already revoked: %s", keyID)
	}

	return nil
}

// ListByTenant lists all keys for a tenant, newest first. Hashes are
// included in the struct but never serialized.
func (s *Store) ListByTenant(ctx context.Context, tenantID string) ([]Key, error) {
	query := `
		SELECT id, tenant_id, user_id, name, key_hash, key_prefix, role, created_at, expires_at, revoked_at, last_used_at
		FROM api_keys
		WHERE tenant_id = $1
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var key Key
		var role string
		var expiresAt, revokedAt, lastUsedAt sql.NullTime

		err := rows.Scan(
			&key.ID,
			&key.TenantID,
			&key.UserID,
			&key.Name,
			&key.KeyHash,
			&key.KeyPrefix,
			&role,
			&key.CreatedAt,
			&expiresAt,
			&revokedAt,
			&lastUsedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}

		key.Role = auth.Role(role)
		if expiresAt.Valid {
			t := expiresAt.Time
			key.ExpiresAt = &t
		}
		if revokedAt.Valid {
			t := revokedAt.Time
			key.RevokedAt = &t
		}
		if lastUsedAt.Valid {
			t := lastUsedAt.Time
			key.LastUsedAt = &t
		}

		keys = append(keys, key)
	}

	return keys, rows.Err()
}

// CountActive returns keys that are neither revoked nor expired. Exposed
// for the metrics sampler.
func (s *Store) CountActive(ctx context.Context) (int64, error) {
	query := `
		SELECT COUNT(*) FROM api_keys
		WHERE revoked_at IS NULL AND (expires_at IS NULL OR expires_at > NOW())
	`
	var n int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count active api keys: %w", err)
	}
	return n, nil
}

// TouchLastUsed records key usage. Best effort: callers should not fail a
// request when this write fails.
func (s *Store) TouchLastUsed(ctx context.Context, keyID string) error {
	query := `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, keyID); err != nil {
		return fmt.Errorf("failed to update last_used_at: %w", err)
	}
	return nil
}
