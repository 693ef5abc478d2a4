// Package middleware runs requests through the authentication pipeline
// before they reach handlers.
//
// # Pipeline
//
// Every protected route passes five ordered stages: credential extraction,
// authentication (OAuth bearer token or API key), identity resolution, the
// tenant check, and RBAC. A request that fails any stage is rejected with a
// generic 401 or 403; the real reason goes to logs and the audit trail only.
//
//	pipeline := middleware.NewPipeline(middleware.PipelineOptions{
//	    OAuth:    oauthValidator,
//	    APIKeys:  apiKeyValidator,
//	    Resolver: resolver,
//	    Tenants:  tenantValidator,
//	    RBAC:     authorizer,
//	    Audit:    auditLogger,
//	    Logger:   logger,
//	    Metrics:  metrics,
//	})
//	router.Handle("/v1/documents", pipeline.Protect("list_documents", listHandler))
//
// Cross-tenant routes carry a {tenant} variable; the tenant check compares
// it against the caller's identity and only platform admins may cross, with
// every crossing audited.
//
// # Supporting middleware
//
// RequestID stamps an ID and start time on each request. Recovery turns
// handler panics into 500s. RateLimitMiddleware (in-memory) and
// DistributedRateLimitMiddleware (Redis) throttle per tenant and user once
// the pipeline has run, per IP before it.
//
// # Related Packages
//
//   - pkg/auth: credential extraction and verification
//   - pkg/tenancy: tenant status and membership checks
//   - pkg/rbac: the operation permission table
//   - pkg/audit: async audit logging
package middleware
