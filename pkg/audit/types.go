package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/kelpielabs/gatehouse/pkg/auth"
)

// EventType categorizes what happened.
type EventType string

const (
	// Authentication events
	EventAuthnSuccess EventType = "authn.success"
	EventAuthnFailure EventType = "authn.failure"

	// Authorization events
	EventAuthzAllowed             EventType = "authz.allowed"
	EventAuthzDenied              EventType = "authz.denied"
	EventAuthzTenantDenied        EventType = "authz.tenant_denied"
	EventAuthzTenantCheckBypassed EventType = "authz.tenant_check_bypassed"
	EventAuthzPermissiveOverride  EventType = "authz.permissive_override"

	// Operation completion, written after the protected handler returns
	EventOperationCompleted EventType = "operation.completed"

	// Isolation events raised by storage adapters
	EventIsolationViolation EventType = "isolation.violation"

	// Administrative events
	EventTenantRegistered EventType = "admin.tenant_registered"
	EventAPIKeyCreated    EventType = "admin.api_key_created"
	EventAPIKeyRevoked    EventType = "admin.api_key_revoked"
	EventAuditQueried     EventType = "admin.audit_queried"
)

// Outcome is how the recorded action ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeFailure Outcome = "failure"
)

// Actor identifies who performed the recorded action. For failed
// authentication the actor may be partially empty.
type Actor struct {
	UserID string      `json:"user_id,omitempty"`
	Tenant string      `json:"tenant_id,omitempty"`
	Role   auth.Role   `json:"role,omitempty"`
	Method auth.Method `json:"auth_method,omitempty"`
	KeyID  string      `json:"key_id,omitempty"`
}

// ActorFromIdentity builds an Actor from a resolved identity.
func ActorFromIdentity(identity *auth.Identity) Actor {
	if identity == nil {
		return Actor{}
	}
	return Actor{
		UserID: identity.UserID,
		Tenant: identity.TenantID,
		Role:   identity.Role,
		Method: identity.Method,
		KeyID:  identity.KeyID,
	}
}

// Record is a single audit entry. Records are immutable once written.
type Record struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	EventType EventType `json:"event_type"`
	Outcome   Outcome   `json:"outcome"`

	Actor Actor `json:"actor"`

	// TargetTenant is the tenant the action touched. Differs from the
	// actor's tenant only on platform_admin bypasses.
	TargetTenant string `json:"target_tenant,omitempty"`

	// Operation is the registered operation name, when the action maps to
	// one.
	Operation string `json:"operation,omitempty"`

	// ErrorCode is the stable error code for denied/failed outcomes.
	ErrorCode string `json:"error_code,omitempty"`

	// Request context
	RequestID  string `json:"request_id,omitempty"`
	HTTPMethod string `json:"http_method,omitempty"`
	Path       string `json:"path,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	IPAddress  string `json:"ip_address,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`

	DurationMS int64 `json:"duration_ms,omitempty"`

	Message  string                 `json:"message,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewRecord creates a record with ID and timestamp assigned.
func NewRecord(eventType EventType, outcome Outcome, actor Actor) *Record {
	return &Record{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Outcome:   outcome,
		Actor:     actor,
	}
}

// Filter selects records when querying the audit store.
type Filter struct {
	// TenantID scopes results to one tenant. Required for tenant_admin
	// callers; the store enforces it.
	TenantID string

	StartTime *time.Time
	EndTime   *time.Time

	EventTypes []EventType
	Outcome    *Outcome
	UserID     string
	Operation  string

	Limit  int
	Offset int
}
