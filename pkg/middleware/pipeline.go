package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/kelpielabs/gatehouse/pkg/audit"
	"github.com/kelpielabs/gatehouse/pkg/auth"
	"github.com/kelpielabs/gatehouse/pkg/contextkeys"
	"github.com/kelpielabs/gatehouse/pkg/observability"
	"github.com/kelpielabs/gatehouse/pkg/rbac"
	"github.com/kelpielabs/gatehouse/pkg/tenancy"
)

// DefaultLatencyBudget is the soft ceiling for the whole pipeline. Overruns
// are logged and counted but never fail the request.
const DefaultLatencyBudget = 50 * time.Millisecond

// Stage names used in metrics and logs.
const (
	StageExtract      = "extract"
	StageAuthenticate = "authenticate"
	StageResolve      = "resolve"
	StageTenant       = "tenant"
	StageRBAC         = "rbac"
)

// Authenticator verifies a raw credential and returns the identity claims
// it carries. Both the OAuth validator and the API key validator satisfy it.
type Authenticator interface {
	Authenticate(ctx context.Context, raw string) (auth.Seed, error)
}

// IdentityResolver completes authenticator seeds into full identities.
type IdentityResolver interface {
	Resolve(ctx context.Context, seed auth.Seed) (*auth.Identity, error)
}

// TenantChecker validates that an identity may act on the target tenant.
type TenantChecker interface {
	Validate(ctx context.Context, identity *auth.Identity, targetTenant string) (*tenancy.Decision, error)
}

// Authorizer checks an identity against the permission table.
type Authorizer interface {
	Authorize(identity *auth.Identity, operation string) (*rbac.Decision, error)
}

// Pipeline runs every request through extraction, authentication, identity
// resolution, the tenant check, and RBAC, in that order. A request only
// reaches the wrapped handler after all five stages pass, and the resolved
// identity is on the context by then.
type Pipeline struct {
	extractor *auth.Extractor
	oauth     Authenticator
	apiKeys   Authenticator
	resolver  IdentityResolver
	tenants   TenantChecker
	rbac      Authorizer
	audit     audit.Logger
	logger    *observability.Logger
	metrics   *observability.Metrics
	budget    time.Duration
}

// PipelineOptions configures a Pipeline. OAuth and APIKeys may individually
// be nil to disable that credential type; requests carrying a disabled
// credential are rejected as invalid.
type PipelineOptions struct {
	Extractor *auth.Extractor
	OAuth     Authenticator
	APIKeys   Authenticator
	Resolver  IdentityResolver
	Tenants   TenantChecker
	RBAC      Authorizer
	Audit     audit.Logger
	Logger    *observability.Logger
	Metrics   *observability.Metrics

	// LatencyBudget overrides DefaultLatencyBudget when positive.
	LatencyBudget time.Duration
}

// NewPipeline creates the authentication pipeline.
func NewPipeline(opts PipelineOptions) *Pipeline {
	if opts.Extractor == nil {
		opts.Extractor = auth.NewExtractor("")
	}
	if opts.Audit == nil {
		opts.Audit = audit.NopLogger{}
	}
	budget := opts.LatencyBudget
	if budget <= 0 {
		budget = DefaultLatencyBudget
	}
	return &Pipeline{
		extractor: opts.Extractor,
		oauth:     opts.OAuth,
		apiKeys:   opts.APIKeys,
		resolver:  opts.Resolver,
		tenants:   opts.Tenants,
		rbac:      opts.RBAC,
		audit:     opts.Audit,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		budget:    budget,
	}
}

// Protect wraps a handler behind the pipeline for a named operation. The
// operation must be registered in the permission table; unregistered
// operations are denied by the RBAC stage.
func (p *Pipeline) Protect(operation string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := requestStart(r.Context())

		// Stage 1: pull the credential off the request.
		stageStart := time.Now()
		cred := p.extractor.Extract(r)
		if cred == nil {
			p.observeStage(StageExtract, stageStart, "failure")
			p.deny(w, r, operation, audit.Actor{}, "", start, auth.ErrUnauthenticated)
			return
		}
		p.observeStage(StageExtract, stageStart, "success")

		// Stage 2: verify it.
		stageStart = time.Now()
		seed, err := p.authenticate(r.Context(), cred)
		if err != nil {
			p.observeStage(StageAuthenticate, stageStart, "failure")
			p.deny(w, r, operation, audit.Actor{UserID: seed.UserID, Method: seed.Method}, "", start, err)
			return
		}
		p.observeStage(StageAuthenticate, stageStart, "success")

		// Stage 3: complete the identity.
		stageStart = time.Now()
		identity, err := p.resolver.Resolve(r.Context(), seed)
		if err != nil {
			p.observeStage(StageResolve, stageStart, "failure")
			p.deny(w, r, operation, audit.Actor{UserID: seed.UserID, Method: seed.Method}, "", start, err)
			return
		}
		p.observeStage(StageResolve, stageStart, "success")

		// Stage 4: tenant check. The target comes from the route; an
		// absent {tenant} variable scopes the request to the caller's own
		// tenant.
		stageStart = time.Now()
		target := mux.Vars(r)["tenant"]
		decision, err := p.tenants.Validate(r.Context(), identity, target)
		if err != nil {
			p.observeStage(StageTenant, stageStart, "failure")
			p.deny(w, r, operation, audit.ActorFromIdentity(identity), target, start, err)
			return
		}
		p.observeStage(StageTenant, stageStart, "success")

		ctx := r.Context()
		if decision.Bypassed {
			// The bypass record names the admin's home tenant, captured
			// before the identity is re-pointed below.
			actor := audit.ActorFromIdentity(identity)

			// Re-point a copy of the identity at the target tenant so
			// storage adapters scope to the tenant being operated on,
			// never mutating the resolved identity in place.
			crossed := *identity
			crossed.TenantID = decision.TenantID
			identity = &crossed
			ctx = contextkeys.WithTenantBypass(ctx)

			if p.metrics != nil {
				p.metrics.TenantBypassTotal.Inc()
			}
			rec := p.newRecord(r, audit.EventAuthzTenantCheckBypassed, audit.OutcomeSuccess,
				actor, operation, start)
			rec.TargetTenant = decision.TenantID
			p.audit.Log(rec)
		}
		ctx = contextkeys.WithIdentity(ctx, identity)

		// Stage 5: RBAC.
		stageStart = time.Now()
		rbacDecision, err := p.rbac.Authorize(identity, operation)
		if err != nil {
			p.observeStage(StageRBAC, stageStart, "failure")
			p.deny(w, r, operation, audit.ActorFromIdentity(identity), decision.TenantID, start, err)
			return
		}
		p.observeStage(StageRBAC, stageStart, "success")

		if rbacDecision.PermissiveOverride {
			if p.metrics != nil {
				p.metrics.PermissiveOverrides.Inc()
			}
			p.audit.Log(p.newRecord(r, audit.EventAuthzPermissiveOverride, audit.OutcomeSuccess,
				audit.ActorFromIdentity(identity), operation, start))
		}

		// Intent record before the handler runs, outcome record after. A
		// crash mid-handler still leaves the intent in the trail.
		allowed := p.newRecord(r, audit.EventAuthzAllowed, audit.OutcomeSuccess,
			audit.ActorFromIdentity(identity), operation, start)
		allowed.TargetTenant = decision.TenantID
		p.audit.Log(allowed)

		p.checkBudget(r, operation, start)

		cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(cw, r.WithContext(ctx))

		outcome := audit.OutcomeSuccess
		if cw.status >= http.StatusBadRequest {
			outcome = audit.OutcomeFailure
		}
		completed := p.newRecord(r, audit.EventOperationCompleted, outcome,
			audit.ActorFromIdentity(identity), operation, start)
		completed.TargetTenant = decision.TenantID
		completed.StatusCode = cw.status
		p.audit.Log(completed)
	})
}

// captureWriter records the status the handler wrote so the completion
// record can carry it.
type captureWriter struct {
	http.ResponseWriter
	status int
}

func (cw *captureWriter) WriteHeader(code int) {
	cw.status = code
	cw.ResponseWriter.WriteHeader(code)
}

// ProtectFunc is Protect for plain handler functions.
func (p *Pipeline) ProtectFunc(operation string, next http.HandlerFunc) http.Handler {
	return p.Protect(operation, next)
}

func (p *Pipeline) authenticate(ctx context.Context, cred *auth.Credential) (auth.Seed, error) {
	switch cred.Kind {
	case auth.CredentialBearer:
		if p.oauth == nil {
			return auth.Seed{}, auth.ErrInvalidCredential
		}
		return p.oauth.Authenticate(ctx, cred.Token)
	case auth.CredentialAPIKey:
		if p.apiKeys == nil {
			return auth.Seed{}, auth.ErrInvalidCredential
		}
		return p.apiKeys.Authenticate(ctx, cred.Token)
	}
	return auth.Seed{}, auth.ErrInvalidCredential
}

// deny rejects the request with a generic body, logs the real reason, and
// emits the audit record for the failure.
func (p *Pipeline) deny(w http.ResponseWriter, r *http.Request, operation string, actor audit.Actor, target string, start time.Time, err error) {
	status := auth.HTTPStatus(err)
	code := auth.CodeOf(err)

	if p.metrics != nil {
		p.metrics.AuthDecisionsTotal.WithLabelValues("pipeline", string(code)).Inc()
	}
	if p.logger != nil {
		p.logger.WithFields(map[string]interface{}{
			"operation":  operation,
			"path":       r.URL.Path,
			"error_code": string(code),
			"request_id": contextkeys.GetRequestID(r.Context()),
		}).WithError(err).Warn("request rejected")
	}

	eventType := audit.EventAuthzDenied
	switch code {
	case auth.CodeUnauthenticated, auth.CodeInvalidCredential, auth.CodeCredentialExpired,
		auth.CodeIncompleteIdentity, auth.CodeUpstreamTimeout:
		eventType = audit.EventAuthnFailure
	case auth.CodeTenantMismatch:
		eventType = audit.EventAuthzTenantDenied
	}

	rec := p.newRecord(r, eventType, audit.OutcomeDenied, actor, operation, start)
	rec.TargetTenant = target
	rec.ErrorCode = string(code)
	rec.StatusCode = status
	rec.Message = err.Error()
	p.audit.Log(rec)

	writeError(w, status, auth.PublicMessage(err))
}

func (p *Pipeline) newRecord(r *http.Request, eventType audit.EventType, outcome audit.Outcome, actor audit.Actor, operation string, start time.Time) *audit.Record {
	rec := audit.NewRecord(eventType, outcome, actor)
	rec.Operation = operation
	rec.RequestID = contextkeys.GetRequestID(r.Context())
	rec.HTTPMethod = r.Method
	rec.Path = r.URL.Path
	rec.IPAddress = getClientIP(r)
	rec.UserAgent = r.UserAgent()
	rec.DurationMS = time.Since(start).Milliseconds()
	return rec
}

func (p *Pipeline) observeStage(stage string, start time.Time, outcome string) {
	if p.metrics == nil {
		return
	}
	p.metrics.AuthDecisionsTotal.WithLabelValues(stage, outcome).Inc()
	p.metrics.AuthStageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func (p *Pipeline) checkBudget(r *http.Request, operation string, start time.Time) {
	elapsed := time.Since(start)
	if elapsed <= p.budget {
		return
	}
	if p.metrics != nil {
		p.metrics.AuthBudgetOverruns.Inc()
	}
	if p.logger != nil {
		p.logger.WithFields(map[string]interface{}{
			"operation":  operation,
			"elapsed_ms": elapsed.Milliseconds(),
			"budget_ms":  p.budget.Milliseconds(),
			"request_id": contextkeys.GetRequestID(r.Context()),
		}).Warn("authentication pipeline exceeded latency budget")
	}
}

// requestStart prefers the timestamp stamped by the RequestID middleware so
// the budget covers time spent queued behind earlier middleware.
func requestStart(ctx context.Context) time.Time {
	if start, ok := ctx.Value(contextkeys.RequestStartTimeKey).(time.Time); ok {
		return start
	}
	return time.Now()
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
