package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Pipeline metrics
	AuthDecisionsTotal   *prometheus.CounterVec
	AuthStageDuration    *prometheus.HistogramVec
	AuthBudgetOverruns   prometheus.Counter
	TenantBypassTotal    prometheus.Counter
	PermissiveOverrides  prometheus.Counter
	JWKSRefreshesTotal   *prometheus.CounterVec
	ProfileCacheHits     prometheus.Counter
	ProfileCacheMisses   prometheus.Counter

	// Audit metrics
	AuditQueueDepth    prometheus.Gauge
	AuditDroppedTotal  prometheus.Counter
	AuditWriteFailures prometheus.Counter

	// Storage adapter metrics
	StorageOperationsTotal   *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec
	IsolationViolationsTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	// Business metrics
	TenantsTotal  prometheus.Gauge
	APIKeysActive prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatehouse_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		// Pipeline metrics
		AuthDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_auth_decisions_total",
				Help: "Authentication and authorization decisions by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),
		AuthStageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatehouse_auth_stage_duration_seconds",
				Help:    "Duration of each pipeline stage in seconds",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
			[]string{"stage"},
		),
		AuthBudgetOverruns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_auth_budget_overruns_total",
				Help: "Requests whose auth pipeline exceeded the latency budget",
			},
		),
		TenantBypassTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_tenant_bypass_total",
				Help: "Cross-tenant requests allowed via platform_admin bypass",
			},
		),
		PermissiveOverrides: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_permissive_overrides_total",
				Help: "Operations allowed by permissive mode that the table denies",
			},
		),
		JWKSRefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_jwks_refreshes_total",
				Help: "JWKS refresh attempts by status",
			},
			[]string{"status"},
		),
		ProfileCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_profile_cache_hits_total",
				Help: "Profile lookups served from the in-process cache",
			},
		),
		ProfileCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_profile_cache_misses_total",
				Help: "Profile lookups that hit the profile service",
			},
		),

		// Audit metrics
		AuditQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatehouse_audit_queue_depth",
				Help: "Current occupancy of the audit queue",
			},
		),
		AuditDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_audit_dropped_total",
				Help: "Audit records dropped because the queue was full",
			},
		),
		AuditWriteFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_audit_write_failures_total",
				Help: "Audit records that failed to persist",
			},
		),

		// Storage adapter metrics
		StorageOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_storage_operations_total",
				Help: "Total number of tenant-scoped storage operations",
			},
			[]string{"operation", "backend", "status"},
		),
		StorageOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatehouse_storage_operation_duration_seconds",
				Help:    "Tenant-scoped storage operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "backend"},
		),
		IsolationViolationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_isolation_violations_total",
				Help: "Cross-tenant access attempts caught by storage adapters",
			},
			[]string{"backend"},
		),

		// Database metrics
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatehouse_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatehouse_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),

		// Business metrics
		TenantsTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatehouse_tenants_total",
				Help: "Total number of registered tenants",
			},
		),
		APIKeysActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatehouse_api_keys_active",
				Help: "Number of active API keys",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthDecisionsTotal,
		m.AuthStageDuration,
		m.AuthBudgetOverruns,
		m.TenantBypassTotal,
		m.PermissiveOverrides,
		m.JWKSRefreshesTotal,
		m.ProfileCacheHits,
		m.ProfileCacheMisses,
		m.AuditQueueDepth,
		m.AuditDroppedTotal,
		m.AuditWriteFailures,
		m.StorageOperationsTotal,
		m.StorageOperationDuration,
		m.IsolationViolationsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.TenantsTotal,
		m.APIKeysActive,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
