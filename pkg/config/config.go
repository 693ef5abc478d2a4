package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelpielabs/gatehouse/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Authentication and authorization
	Auth AuthConfig

	// Tenant-scoped storage backends
	Storage StorageConfig

	// Audit trail
	Audit AuditConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// AuthConfig holds pipeline configuration: which credential types are
// accepted and how identities are resolved and authorized.
type AuthConfig struct {
	// OAuth bearer tokens
	OAuthEnabled  bool
	OAuthIssuer   string
	OAuthAudience string
	OAuthJWKSURI  string
	OAuthJWKSTTL  time.Duration
	OAuthLeeway   time.Duration
	TenantClaim   string
	RoleClaim     string

	// API keys
	APIKeysEnabled bool
	APIKeyHeader   string

	// Profile service for filling identity gaps
	ProfileServiceURL   string
	ProfileTimeout      time.Duration
	ProfileTokenURL     string
	ProfileClientID     string
	ProfileClientSecret string
	ProfileCacheSize    int
	ProfileCacheTTL     time.Duration
	DefaultToEndUser    bool

	// Tenant check
	CheckMembership bool

	// LookupTimeout bounds each tenant and API key store query.
	LookupTimeout time.Duration

	// RBAC
	RBACMode        string
	RBACOverlayPath string

	// LatencyBudget is the soft ceiling for the whole pipeline.
	LatencyBudget time.Duration

	// Rate limiting
	RateLimitEnabled     bool
	RateLimitDistributed bool
}

// StorageConfig holds connection settings for the five tenant-scoped
// backends.
type StorageConfig struct {
	// PostgreSQL (documents, tenants, API keys, audit)
	PostgresURL      string
	PostgresMaxConns int
	PostgresMinConns int
	PostgresTimeout  time.Duration

	// Redis (cache, memory store, distributed rate limits)
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int

	// S3 (object store)
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool

	// Vector index (per-tenant files on local disk)
	VectorRoot           string
	VectorMaxOpenTenants int
}

// AuditConfig holds audit trail settings
type AuditConfig struct {
	// QueueSize bounds the async audit queue
	QueueSize int

	// RetentionDays is how long records are kept. Zero disables pruning.
	RetentionDays int

	// RetentionSchedule is a cron expression for when pruning runs
	RetentionSchedule string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Auth:          loadAuthConfig(),
		Storage:       loadStorageConfig(),
		Audit:         loadAuditConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("GATEHOUSE_HOST", "0.0.0.0"),
		Port:            getEnv("GATEHOUSE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("GATEHOUSE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("GATEHOUSE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("GATEHOUSE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("GATEHOUSE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("GATEHOUSE_HEALTH_PORT", "9090"),
	}
}

// loadAuthConfig loads pipeline configuration from environment
func loadAuthConfig() AuthConfig {
	return AuthConfig{
		OAuthEnabled:  getEnvBool("GATEHOUSE_OAUTH_ENABLED", true),
		OAuthIssuer:   getEnv("GATEHOUSE_OAUTH_ISSUER", ""),
		OAuthAudience: getEnv("GATEHOUSE_OAUTH_AUDIENCE", ""),
		OAuthJWKSURI:  getEnv("GATEHOUSE_OAUTH_JWKS_URI", ""),
		OAuthJWKSTTL:  getEnvDuration("GATEHOUSE_OAUTH_JWKS_TTL", time.Hour),
		OAuthLeeway:   getEnvDuration("GATEHOUSE_OAUTH_LEEWAY", 30*time.Second),
		TenantClaim:   getEnv("GATEHOUSE_OAUTH_TENANT_CLAIM", "tenant_id"),
		RoleClaim:     getEnv("GATEHOUSE_OAUTH_ROLE_CLAIM", "role"),

		APIKeysEnabled: getEnvBool("GATEHOUSE_API_KEYS_ENABLED", true),
		APIKeyHeader:   getEnv("GATEHOUSE_API_KEY_HEADER", "X-API-Key"),

		ProfileServiceURL:   getEnv("GATEHOUSE_PROFILE_URL", ""),
		ProfileTimeout:      getEnvDuration("GATEHOUSE_PROFILE_TIMEOUT", 5*time.Second),
		ProfileTokenURL:     getEnv("GATEHOUSE_PROFILE_TOKEN_URL", ""),
		ProfileClientID:     getEnv("GATEHOUSE_PROFILE_CLIENT_ID", ""),
		ProfileClientSecret: getEnv("GATEHOUSE_PROFILE_CLIENT_SECRET", ""),
		ProfileCacheSize:    getEnvInt("GATEHOUSE_PROFILE_CACHE_SIZE", 1024),
		ProfileCacheTTL:     getEnvDuration("GATEHOUSE_PROFILE_CACHE_TTL", 5*time.Minute),
		DefaultToEndUser:    getEnvBool("GATEHOUSE_DEFAULT_TO_END_USER", true),

		CheckMembership: getEnvBool("GATEHOUSE_CHECK_MEMBERSHIP", true),

		LookupTimeout: getEnvDuration("GATEHOUSE_LOOKUP_TIMEOUT", 2*time.Second),

		RBACMode:        getEnv("GATEHOUSE_RBAC_MODE", "strict"),
		RBACOverlayPath: getEnv("GATEHOUSE_RBAC_OVERLAY", ""),

		LatencyBudget: getEnvDuration("GATEHOUSE_LATENCY_BUDGET", 50*time.Millisecond),

		RateLimitEnabled:     getEnvBool("GATEHOUSE_RATE_LIMIT_ENABLED", true),
		RateLimitDistributed: getEnvBool("GATEHOUSE_RATE_LIMIT_DISTRIBUTED", false),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() StorageConfig {
	return StorageConfig{
		PostgresURL:      getEnv("GATEHOUSE_POSTGRES_URL", ""),
		PostgresMaxConns: getEnvInt("GATEHOUSE_POSTGRES_MAX_CONNS", 25),
		PostgresMinConns: getEnvInt("GATEHOUSE_POSTGRES_MIN_CONNS", 5),
		PostgresTimeout:  getEnvDuration("GATEHOUSE_POSTGRES_TIMEOUT", 30*time.Second),

		RedisURL:        getEnv("GATEHOUSE_REDIS_URL", "localhost:6379"),
		RedisPassword:   getEnv("GATEHOUSE_REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("GATEHOUSE_REDIS_DB", 0),
		RedisMaxRetries: getEnvInt("GATEHOUSE_REDIS_MAX_RETRIES", 3),
		RedisPoolSize:   getEnvInt("GATEHOUSE_REDIS_POOL_SIZE", 10),

		S3Endpoint:     getEnv("GATEHOUSE_S3_ENDPOINT", ""),
		S3Region:       getEnv("GATEHOUSE_S3_REGION", "us-east-1"),
		S3Bucket:       getEnv("GATEHOUSE_S3_BUCKET", ""),
		S3AccessKey:    getEnv("GATEHOUSE_S3_ACCESS_KEY", ""),
		S3SecretKey:    getEnv("GATEHOUSE_S3_SECRET_KEY", ""),
		S3UsePathStyle: getEnvBool("GATEHOUSE_S3_USE_PATH_STYLE", false),

		VectorRoot:           getEnv("GATEHOUSE_VECTOR_ROOT", "/var/lib/gatehouse/vectors"),
		VectorMaxOpenTenants: getEnvInt("GATEHOUSE_VECTOR_MAX_OPEN_TENANTS", 64),
	}
}

// loadAuditConfig loads audit configuration from environment
func loadAuditConfig() AuditConfig {
	return AuditConfig{
		QueueSize:         getEnvInt("GATEHOUSE_AUDIT_QUEUE_SIZE", 4096),
		RetentionDays:     getEnvInt("GATEHOUSE_AUDIT_RETENTION_DAYS", 90),
		RetentionSchedule: getEnv("GATEHOUSE_AUDIT_RETENTION_SCHEDULE", "10 3 * * *"),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("GATEHOUSE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("GATEHOUSE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("GATEHOUSE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("GATEHOUSE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("GATEHOUSE_OTEL_SERVICE_NAME", "gatehouse"),
		OTelServiceVersion: getEnv("GATEHOUSE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("GATEHOUSE_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	// At least one credential type must be accepted
	if !c.Auth.OAuthEnabled && !c.Auth.APIKeysEnabled {
		return fmt.Errorf("at least one of OAuth and API keys must be enabled")
	}
	if c.Auth.OAuthEnabled && c.Auth.OAuthIssuer == "" {
		return fmt.Errorf("OAuth issuer is required when OAuth is enabled")
	}
	switch c.Auth.RBACMode {
	case "strict", "permissive":
	default:
		return fmt.Errorf("invalid RBAC mode: %s (must be strict or permissive)", c.Auth.RBACMode)
	}
	if c.Auth.LatencyBudget <= 0 {
		return fmt.Errorf("latency budget must be positive")
	}
	if c.Auth.LookupTimeout <= 0 {
		return fmt.Errorf("lookup timeout must be positive")
	}
	if c.Auth.OAuthEnabled && c.Auth.OAuthJWKSTTL <= 0 {
		return fmt.Errorf("JWKS TTL must be positive")
	}

	// The relational store backs tenants, keys, documents, and audit; it
	// is not optional.
	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Storage.RedisURL == "" {
		return fmt.Errorf("redis URL is required")
	}
	if c.Storage.S3Bucket == "" {
		return fmt.Errorf("S3 bucket is required")
	}
	if c.Storage.VectorRoot == "" {
		return fmt.Errorf("vector index root is required")
	}

	if c.Audit.QueueSize <= 0 {
		return fmt.Errorf("audit queue size must be positive")
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
