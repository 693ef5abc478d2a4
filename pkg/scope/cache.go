package scope

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/kelpielabs/gatehouse/pkg/observability"
)

// Cache is the tenant-scoped KV adapter. Every key lives under a
// "tenant:{id}:" prefix; the prefix comes from the scope, never from the
// caller, so keyspaces cannot overlap.
type Cache struct {
	client  *redis.Client
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewCache creates a tenant-scoped cache over a Redis client.
func NewCache(client *redis.Client, logger *observability.Logger, metrics *observability.Metrics) *Cache {
	return &Cache{client: client, logger: logger, metrics: metrics}
}

func (c *Cache) key(sc Scope, key string) (string, error) {
	if err := validateTenantID(sc.TenantID); err != nil {
		c.recordViolation()
		return "", err
	}
	if err := validateKey(key); err != nil {
		c.recordViolation()
		return "", err
	}
	return fmt.Sprintf("tenant:%s:cache:%s", sc.TenantID, key), nil
}

// Get returns the cached value, or nil on a miss.
func (c *Cache) Get(ctx context.Context, sc Scope, key string) ([]byte, error) {
	k, err := c.key(sc, key)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	data, err := c.client.Get(ctx, k).Bytes()
	if err == redis.Nil {
		c.recordOp("get", start, nil)
		return nil, nil
	}
	c.recordOp("get", start, err)
	if err != nil {
		return nil, fmt.Errorf("cache get failed: %w", err)
	}
	return data, nil
}

// Set stores a value under the scope tenant's prefix.
func (c *Cache) Set(ctx context.Context, sc Scope, key string, value []byte, ttl time.Duration) error {
	k, err := c.key(sc, key)
	if err != nil {
		return err
	}

	start := time.Now()
	err = c.client.Set(ctx, k, value, ttl).Err()
	c.recordOp("set", start, err)
	if err != nil {
		return fmt.Errorf("cache set failed: %w", err)
	}
	return nil
}

// Delete removes a single key from the scope tenant's prefix.
func (c *Cache) Delete(ctx context.Context, sc Scope, key string) error {
	k, err := c.key(sc, key)
	if err != nil {
		return err
	}

	start := time.Now()
	err = c.client.Del(ctx, k).Err()
	c.recordOp("delete", start, err)
	if err != nil {
		return fmt.Errorf("cache delete failed: %w", err)
	}
	return nil
}

// InvalidateTenant deletes every cached key for the scope tenant. Used when
// a tenant is suspended or offboarded.
func (c *Cache) InvalidateTenant(ctx context.Context, sc Scope) (int64, error) {
	if err := validateTenantID(sc.TenantID); err != nil {
		c.recordViolation()
		return 0, err
	}

	start := time.Now()
	pattern := fmt.Sprintf("tenant:%s:cache:*", sc.TenantID)

	var removed int64
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			c.recordOp("invalidate", start, err)
			return removed, fmt.Errorf("cache invalidation failed: %w", err)
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		c.recordOp("invalidate", start, err)
		return removed, fmt.Errorf("cache scan failed: %w", err)
	}

	c.recordOp("invalidate", start, nil)
	return removed, nil
}

func (c *Cache) recordOp(operation string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.StorageOperationsTotal.WithLabelValues(operation, "cache", status).Inc()
	c.metrics.StorageOperationDuration.WithLabelValues(operation, "cache").Observe(time.Since(start).Seconds())
}

func (c *Cache) recordViolation() {
	if c.metrics != nil {
		c.metrics.IsolationViolationsTotal.WithLabelValues("cache").Inc()
	}
}
