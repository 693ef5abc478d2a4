package scope

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/kelpielabs/gatehouse/pkg/auth"
	"github.com/kelpielabs/gatehouse/pkg/observability"
)

// MemoryStore holds per-user agent memory, double-scoped by tenant and user.
// Access rules are stricter than the plain cache:
//
//   - end_user and project_admin read and write only their own memory
//   - tenant_admin reads and writes any user's memory inside their tenant
//   - platform_admin reaches any pair, and such access is expected to be
//     audited by the caller
type MemoryStore struct {
	client  *redis.Client
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewMemoryStore creates an agent memory store over a Redis client.
func NewMemoryStore(client *redis.Client, logger *observability.Logger, metrics *observability.Metrics) *MemoryStore {
	return &MemoryStore{client: client, logger: logger, metrics: metrics}
}

// authorize checks the scope against the target user. The tenant boundary
// is absolute; the user boundary depends on role.
func (m *MemoryStore) authorize(sc Scope, targetUserID string) error {
	if targetUserID == "" {
		return fmt.Errorf("empty target user")
	}
	if sc.Role == auth.RolePlatformAdmin {
		return nil
	}
	if sc.Role == auth.RoleTenantAdmin {
		// Any user, own tenant only. The tenant is already pinned by the
		// scope, so nothing further to check.
		return nil
	}
	if targetUserID != sc.UserID {
		m.recordViolation()
		return fmt.Errorf("user %s may not touch memory of %s: %w", sc.UserID, targetUserID, auth.ErrForbidden)
	}
	return nil
}

func (m *MemoryStore) key(sc Scope, targetUserID, key string) (string, error) {
	if err := validateTenantID(sc.TenantID); err != nil {
		m.recordViolation()
		return "", err
	}
	if err := validateKey(key); err != nil {
		m.recordViolation()
		return "", err
	}
	return fmt.Sprintf("tenant:%s:user:%s:mem:%s", sc.TenantID, targetUserID, key), nil
}

// Get reads one memory entry for the target user.
func (m *MemoryStore) Get(ctx context.Context, sc Scope, targetUserID, key string) ([]byte, error) {
	if err := m.authorize(sc, targetUserID); err != nil {
		return nil, err
	}
	k, err := m.key(sc, targetUserID, key)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	data, err := m.client.Get(ctx, k).Bytes()
	if err == redis.Nil {
		m.recordOp("get", start, nil)
		return nil, nil
	}
	m.recordOp("get", start, err)
	if err != nil {
		return nil, fmt.Errorf("memory get failed: %w", err)
	}
	return data, nil
}

// Set writes one memory entry for the target user.
func (m *MemoryStore) Set(ctx context.Context, sc Scope, targetUserID, key string, value []byte, ttl time.Duration) error {
	if err := m.authorize(sc, targetUserID); err != nil {
		return err
	}
	k, err := m.key(sc, targetUserID, key)
	if err != nil {
		return err
	}

	start := time.Now()
	err = m.client.Set(ctx, k, value, ttl).Err()
	m.recordOp("set", start, err)
	if err != nil {
		return fmt.Errorf("memory set failed: %w", err)
	}
	return nil
}

// Delete removes one memory entry for the target user.
func (m *MemoryStore) Delete(ctx context.Context, sc Scope, targetUserID, key string) error {
	if err := m.authorize(sc, targetUserID); err != nil {
		return err
	}
	k, err := m.key(sc, targetUserID, key)
	if err != nil {
		return err
	}

	start := time.Now()
	err = m.client.Del(ctx, k).Err()
	m.recordOp("delete", start, err)
	if err != nil {
		return fmt.Errorf("memory delete failed: %w", err)
	}
	return nil
}

// ListKeys returns the memory keys stored for the target user.
func (m *MemoryStore) ListKeys(ctx context.Context, sc Scope, targetUserID string) ([]string, error) {
	if err := m.authorize(sc, targetUserID); err != nil {
		return nil, err
	}
	if err := validateTenantID(sc.TenantID); err != nil {
		m.recordViolation()
		return nil, err
	}

	start := time.Now()
	prefix := fmt.Sprintf("tenant:%s:user:%s:mem:", sc.TenantID, targetUserID)

	var keys []string
	iter := m.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(prefix):])
	}
	if err := iter.Err(); err != nil {
		m.recordOp("list", start, err)
		return nil, fmt.Errorf("memory scan failed: %w", err)
	}

	m.recordOp("list", start, nil)
	return keys, nil
}

func (m *MemoryStore) recordOp(operation string, start time.Time, err error) {
	if m.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.metrics.StorageOperationsTotal.WithLabelValues(operation, "memory", status).Inc()
	m.metrics.StorageOperationDuration.WithLabelValues(operation, "memory").Observe(time.Since(start).Seconds())
}

func (m *MemoryStore) recordViolation() {
	if m.metrics != nil {
		m.metrics.IsolationViolationsTotal.WithLabelValues("memory").Inc()
	}
}
