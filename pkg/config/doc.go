// Package config loads application configuration from environment
// variables.
//
// # Usage
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Environment Variables
//
// All variables use the GATEHOUSE_ prefix. The important ones:
//
//	GATEHOUSE_PORT                  API port (default 8080)
//	GATEHOUSE_HEALTH_PORT           health/metrics port (default 9090)
//	GATEHOUSE_OAUTH_ISSUER          OIDC issuer URL (required when OAuth enabled)
//	GATEHOUSE_API_KEY_HEADER        API key header (default X-API-Key)
//	GATEHOUSE_RBAC_MODE             strict or permissive (default strict)
//	GATEHOUSE_LATENCY_BUDGET        pipeline soft budget (default 50ms)
//	GATEHOUSE_POSTGRES_URL          relational store DSN (required)
//	GATEHOUSE_REDIS_URL             cache/memory store address (default localhost:6379)
//	GATEHOUSE_S3_BUCKET             object store bucket (required)
//	GATEHOUSE_VECTOR_ROOT           vector index directory (default /var/lib/gatehouse/vectors)
//	GATEHOUSE_AUDIT_RETENTION_DAYS  audit retention (default 90, 0 disables pruning)
//	GATEHOUSE_LOG_LEVEL             debug, info, warn, error (default info)
//	GATEHOUSE_OTEL_ENABLED          enable tracing export (default false)
//
// Validation fails fast at startup: a missing required value or an invalid
// combination stops the process before it serves a single request.
package config
