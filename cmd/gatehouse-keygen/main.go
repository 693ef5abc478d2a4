// gatehouse-keygen mints API keys directly against the database. Intended
// for bootstrapping the first platform_admin key; day-to-day minting goes
// through the API.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/kelpielabs/gatehouse/pkg/auth"
	"github.com/kelpielabs/gatehouse/pkg/auth/apikey"
)

func main() {
	var (
		dbURL   = flag.String("db-url", "", "PostgreSQL connection string (required)")
		tenant  = flag.String("tenant", "", "tenant the key belongs to (required)")
		user    = flag.String("user", "", "user the key acts as; empty mints a tenant-scoped key")
		name    = flag.String("name", "bootstrap", "display name for the key")
		role    = flag.String("role", "end_user", "role granted to the key")
		expires = flag.Duration("expires", 0, "key lifetime, 0 for no expiry (e.g. 720h)")
	)
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if *dbURL == "" || *tenant == "" {
		log.Fatal("db-url and tenant are required")
	}
	if *user == "" {
		log.Info("no user given; the key will act as the tenant's system user")
	}
	parsedRole, err := auth.ParseRole(*role)
	if err != nil {
		log.WithError(err).Fatal("invalid role")
	}

	db, err := sql.Open("postgres", *dbURL)
	if err != nil {
		log.WithError(err).Fatal("failed to open database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		log.WithError(err).Fatal("failed to reach database")
	}
	if _, err := db.ExecContext(ctx, apikey.Schema); err != nil {
		log.WithError(err).Fatal("failed to apply api_keys schema")
	}

	generator := apikey.NewGenerator()
	plaintext, keyHash, keyPrefix, err := generator.Generate()
	if err != nil {
		log.WithError(err).Fatal("failed to generate key")
	}

	key := &apikey.Key{
		TenantID:  *tenant,
		UserID:    *user,
		Name:      *name,
		KeyHash:   keyHash,
		KeyPrefix: keyPrefix,
		Role:      parsedRole,
	}
	if *expires > 0 {
		expiry := time.Now().UTC().Add(*expires)
		key.ExpiresAt = &expiry
	}

	store := apikey.NewStore(db)
	if err := store.Insert(ctx, key); err != nil {
		log.WithError(err).Fatal("failed to store key")
	}

	log.WithFields(logrus.Fields{
		"key_id": key.ID,
		"tenant": key.TenantID,
		"user":   key.UserID,
		"role":   string(key.Role),
		"prefix": key.KeyPrefix,
	}).Info("key minted")

	// The plaintext key is printed exactly once and never stored.
	fmt.Println(plaintext)
}
