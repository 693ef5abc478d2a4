// Package storage opens and migrates the backing stores: the PostgreSQL
// pool shared by the relational adapters and the Redis client shared by the
// cache and memory store.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/kelpielabs/gatehouse/pkg/audit"
	"github.com/kelpielabs/gatehouse/pkg/auth/apikey"
	"github.com/kelpielabs/gatehouse/pkg/config"
	"github.com/kelpielabs/gatehouse/pkg/scope"
	"github.com/kelpielabs/gatehouse/pkg/tenancy"
)

// ConnectPostgres opens the PostgreSQL pool and verifies it answers.
func ConnectPostgres(cfg config.StorageConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.PostgresMaxConns)
	db.SetMaxIdleConns(cfg.PostgresMinConns)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PostgresTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return db, nil
}

// Migrate applies the DDL for every relational table. Each schema is
// idempotent, so running at every startup is safe.
func Migrate(ctx context.Context, db *sql.DB) error {
	schemas := []struct {
		name string
		ddl  string
	}{
		{"tenancy", tenancy.Schema},
		{"api keys", apikey.Schema},
		{"documents", scope.DocumentSchema},
		{"audit", audit.Schema},
	}

	for _, s := range schemas {
		if _, err := db.ExecContext(ctx, s.ddl); err != nil {
			return fmt.Errorf("failed to apply %s schema: %w", s.name, err)
		}
	}
	return nil
}

// OpenRedis creates the Redis client and verifies it answers.
func OpenRedis(cfg config.StorageConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:       cfg.RedisURL,
		Password:   cfg.RedisPassword,
		DB:         cfg.RedisDB,
		MaxRetries: cfg.RedisMaxRetries,
		PoolSize:   cfg.RedisPoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}
