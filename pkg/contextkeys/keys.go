// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
//
// USAGE PATTERN:
//
//	import "github.com/kelpielabs/gatehouse/pkg/contextkeys"
//	ctx = contextkeys.WithIdentity(ctx, identity)
//	identity, ok := contextkeys.GetIdentity(ctx)
package contextkeys

import (
	"context"

	"github.com/kelpielabs/gatehouse/pkg/auth"
)

// Key is the type for context keys to prevent collisions
type Key string

const (
	// IdentityKey contains *auth.Identity
	// Set by: the pipeline after authentication, resolution, and the
	// tenant check have all passed
	// Required by: RBAC stage, handlers, storage adapters, audit
	// Type: *auth.Identity
	IdentityKey Key = "identity"

	// RequestIDKey contains request ID string (UUID)
	// Set by: middleware.RequestID
	// Used by: Logger, audit records, distributed tracing
	// Type: string
	RequestIDKey Key = "request_id"

	// RequestStartTimeKey contains request start timestamp
	// Set by: middleware.RequestID
	// Used by: Duration calculation for audit records and the stage
	// latency budget
	// Type: time.Time
	RequestStartTimeKey Key = "request_start_time"

	// TenantBypassKey contains bool
	// Set by: the tenant check stage when a platform_admin crossed
	// tenant boundaries
	// Used by: handlers that need to surface the bypass in responses
	// Type: bool
	TenantBypassKey Key = "tenant_bypass"
)

// WithIdentity adds the resolved identity to the context. Only the pipeline
// should call this, and only with a complete identity.
func WithIdentity(ctx context.Context, identity *auth.Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}

// GetIdentity retrieves the resolved identity from context.
func GetIdentity(ctx context.Context) (*auth.Identity, bool) {
	identity, ok := ctx.Value(IdentityKey).(*auth.Identity)
	return identity, ok
}

// MustIdentity retrieves the identity or panics. For handlers that only run
// behind the pipeline, where a missing identity is a programming error.
func MustIdentity(ctx context.Context) *auth.Identity {
	identity, ok := GetIdentity(ctx)
	if !ok || !identity.Complete() {
		panic("contextkeys: no complete identity on context; handler mounted outside the pipeline?")
	}
	return identity
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// WithTenantBypass marks the context as a cross-tenant platform_admin
// request.
func WithTenantBypass(ctx context.Context) context.Context {
	return context.WithValue(ctx, TenantBypassKey, true)
}

// TenantBypassed reports whether the tenant check was bypassed.
func TenantBypassed(ctx context.Context) bool {
	bypassed, ok := ctx.Value(TenantBypassKey).(bool)
	return ok && bypassed
}
