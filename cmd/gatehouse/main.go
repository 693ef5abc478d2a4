package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kelpielabs/gatehouse/pkg/audit"
	"github.com/kelpielabs/gatehouse/pkg/auth"
	"github.com/kelpielabs/gatehouse/pkg/auth/apikey"
	"github.com/kelpielabs/gatehouse/pkg/auth/oauth"
	"github.com/kelpielabs/gatehouse/pkg/config"
	"github.com/kelpielabs/gatehouse/pkg/middleware"
	"github.com/kelpielabs/gatehouse/pkg/observability"
	"github.com/kelpielabs/gatehouse/pkg/rbac"
	"github.com/kelpielabs/gatehouse/pkg/scope"
	"github.com/kelpielabs/gatehouse/pkg/storage"
	"github.com/kelpielabs/gatehouse/pkg/tenancy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gatehouse: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("starting gatehouse")

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	ctx := context.Background()

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	// Backing stores.
	db, err := storage.ConnectPostgres(cfg.Storage)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := storage.Migrate(ctx, db); err != nil {
		return err
	}

	redisClient, err := storage.OpenRedis(cfg.Storage)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	// Audit trail: async writer over the append-only store, plus scheduled
	// retention pruning.
	auditStore := audit.NewStore(db)
	auditLog := audit.NewAsyncLogger(auditStore, logger, audit.AsyncOptions{
		QueueSize:    cfg.Audit.QueueSize,
		OnDrop:       func() { metrics.AuditDroppedTotal.Inc() },
		OnWriteError: func() { metrics.AuditWriteFailures.Inc() },
	})
	retention := audit.NewRetention(auditStore, audit.RetentionPolicy{
		Days:     cfg.Audit.RetentionDays,
		Schedule: cfg.Audit.RetentionSchedule,
	}, logger)
	if err := retention.Start(); err != nil {
		return fmt.Errorf("failed to start audit retention: %w", err)
	}

	// Pipeline stages.
	var oauthValidator middleware.Authenticator
	var profiles auth.ProfileFetcher
	if cfg.Auth.OAuthEnabled {
		keys := oauth.NewKeyCache(cfg.Auth.OAuthIssuer, logger, oauth.KeyCacheOptions{
			JWKSURI: cfg.Auth.OAuthJWKSURI,
			TTL:     cfg.Auth.OAuthJWKSTTL,
			Metrics: metrics,
		})
		oauthValidator = oauth.NewValidator(oauth.ValidatorConfig{
			Issuer:      cfg.Auth.OAuthIssuer,
			Audience:    cfg.Auth.OAuthAudience,
			Leeway:      cfg.Auth.OAuthLeeway,
			TenantClaim: cfg.Auth.TenantClaim,
			RoleClaim:   cfg.Auth.RoleClaim,
		}, keys, logger)
	}
	if cfg.Auth.ProfileServiceURL != "" {
		profiles = oauth.NewProfileClient(oauth.ProfileClientConfig{
			BaseURL:      cfg.Auth.ProfileServiceURL,
			Timeout:      cfg.Auth.ProfileTimeout,
			TokenURL:     cfg.Auth.ProfileTokenURL,
			ClientID:     cfg.Auth.ProfileClientID,
			ClientSecret: cfg.Auth.ProfileClientSecret,
		})
	}

	tenantStore := tenancy.NewStore(db)
	tenantValidator := tenancy.NewValidator(tenantStore, cfg.Auth.CheckMembership).
		WithLookupTimeout(cfg.Auth.LookupTimeout)

	keyStore := apikey.NewStore(db)
	var keyValidator middleware.Authenticator
	if cfg.Auth.APIKeysEnabled {
		keyValidator = apikey.NewValidator(keyStore, logger).
			WithSystemUsers(tenantStore).
			WithLookupTimeout(cfg.Auth.LookupTimeout)
	}

	resolver := auth.NewResolver(profiles, auth.ResolverOptions{
		ProfileCacheSize: cfg.Auth.ProfileCacheSize,
		ProfileCacheTTL:  cfg.Auth.ProfileCacheTTL,
		DefaultToEndUser: cfg.Auth.DefaultToEndUser,
		OnCacheHit:       func() { metrics.ProfileCacheHits.Inc() },
		OnCacheMiss:      func() { metrics.ProfileCacheMisses.Inc() },
	})

	permissions := rbac.NewRegistry()
	registerOperations(permissions)
	if cfg.Auth.RBACOverlayPath != "" {
		overlay, err := rbac.LoadOverlay(cfg.Auth.RBACOverlayPath)
		if err != nil {
			return fmt.Errorf("failed to load RBAC overlay: %w", err)
		}
		if err := permissions.ApplyOverlay(overlay); err != nil {
			return fmt.Errorf("failed to apply RBAC overlay: %w", err)
		}
		watchCtx, cancelWatch := context.WithCancel(ctx)
		defer cancelWatch()
		if err := rbac.WatchOverlay(watchCtx, cfg.Auth.RBACOverlayPath, permissions, logger); err != nil {
			logger.WithError(err).Warn("RBAC overlay hot reload disabled")
		}
	}
	authorizer := rbac.NewAuthorizer(permissions, rbac.Mode(cfg.Auth.RBACMode), logger)

	pipeline := middleware.NewPipeline(middleware.PipelineOptions{
		Extractor:     auth.NewExtractor(cfg.Auth.APIKeyHeader),
		OAuth:         oauthValidator,
		APIKeys:       keyValidator,
		Resolver:      resolver,
		Tenants:       tenantValidator,
		RBAC:          authorizer,
		Audit:         auditLog,
		Logger:        logger,
		Metrics:       metrics,
		LatencyBudget: cfg.Auth.LatencyBudget,
	})

	// Tenant-scoped storage adapters.
	documents := scope.NewDocumentStore(scope.NewTenantDB(db, logger, metrics))
	vectors, err := scope.NewVectorIndex(cfg.Storage.VectorRoot, logger, metrics, scope.VectorIndexOptions{
		MaxOpenTenants: cfg.Storage.VectorMaxOpenTenants,
	})
	if err != nil {
		return err
	}
	cache := scope.NewCache(redisClient, logger, metrics)
	memory := scope.NewMemoryStore(redisClient, logger, metrics)

	var objects *scope.ObjectStore
	if cfg.Storage.S3Bucket != "" {
		objects, err = scope.NewObjectStore(ctx, scope.ObjectStoreConfig{
			Bucket:       cfg.Storage.S3Bucket,
			Region:       cfg.Storage.S3Region,
			Endpoint:     cfg.Storage.S3Endpoint,
			AccessKey:    cfg.Storage.S3AccessKey,
			SecretKey:    cfg.Storage.S3SecretKey,
			UsePathStyle: cfg.Storage.S3UsePathStyle,
		}, logger, metrics)
		if err != nil {
			return fmt.Errorf("failed to initialize object store: %w", err)
		}
	}

	server := NewServer(ServerDeps{
		Logger:    logger,
		Metrics:   metrics,
		Documents: documents,
		Vectors:   vectors,
		Cache:     cache,
		Memory:    memory,
		Objects:   objects,
		Tenants:   tenantStore,
		Keys:      keyStore,
		Audit:     auditStore,
		AuditLog:  auditLog,
	})

	handler := server.Routes(pipeline, cfg.Auth.RateLimitEnabled, cfg.Auth.RateLimitDistributed, redisClient)
	if cfg.Observability.OTelEnabled {
		handler = otelhttp.NewHandler(handler, "gatehouse")
	}

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics on a separate port for probes and scrapers.
	healthMux := http.NewServeMux()
	checker := observability.NewHealthChecker(db, redisClient, auditLog)
	observability.RegisterHealthRoutes(healthMux, checker)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	go func() {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("health server failed")
		}
	}()

	// Pool, queue, and inventory gauges for the scraper.
	go sampleGauges(ctx, logger, db, auditLog, tenantStore, keyStore, metrics)

	// Registered in dependency order; the manager drains in reverse, so the
	// health server stops first and telemetry flushes last.
	shutdown := observability.NewShutdownManager(logger, apiServer, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		retention.Stop()
		return auditLog.Close()
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return vectors.Close()
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})

	go func() {
		logger.WithField("addr", apiServer.Addr).Info("api server listening")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("api server failed")
			os.Exit(1)
		}
	}()

	return shutdown.WaitForShutdown()
}

// sampleGauges keeps the connection, queue, and inventory gauges current.
func sampleGauges(ctx context.Context, logger *observability.Logger, db *sql.DB, auditLog *audit.AsyncLogger, tenants *tenancy.Store, keys *apikey.Store, metrics *observability.Metrics) {
	defer observability.RecoverPanic(logger, "gauge sampler")
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stats := db.Stats()
			metrics.DBConnectionsActive.Set(float64(stats.InUse))
			metrics.DBConnectionsIdle.Set(float64(stats.Idle))
			metrics.AuditQueueDepth.Set(float64(auditLog.QueueDepth()))

			countCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if n, err := tenants.CountTenants(countCtx); err == nil {
				metrics.TenantsTotal.Set(float64(n))
			} else {
				logger.WithError(err).Debug("tenant count sample failed")
			}
			if n, err := keys.CountActive(countCtx); err == nil {
				metrics.APIKeysActive.Set(float64(n))
			} else {
				logger.WithError(err).Debug("api key count sample failed")
			}
			cancel()
		case <-ctx.Done():
			return
		}
	}
}
