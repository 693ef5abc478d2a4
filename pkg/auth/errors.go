package auth

import (
	"errors"
	"net/http"
)

// Sentinel errors for every way the pipeline can reject a request. Callers
// wrap these with %w so stages can classify failures with errors.Is while
// the response body stays generic.
var (
	// ErrUnauthenticated means no credential was presented.
	ErrUnauthenticated = errors.New("authentication required")

	// ErrInvalidCredential means a credential was presented but failed
	// verification (bad signature, unknown key, malformed token).
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrCredentialExpired means the credential verified but is past its
	// expiry.
	ErrCredentialExpired = errors.New("credential expired")

	// ErrIncompleteIdentity means authentication succeeded but the caller's
	// identity could not be fully resolved (missing tenant, unknown role).
	ErrIncompleteIdentity = errors.New("identity could not be resolved")

	// ErrTenantMismatch means the caller's tenant does not match the tenant
	// the request targets.
	ErrTenantMismatch = errors.New("tenant mismatch")

	// ErrForbidden means the caller's role does not permit the operation.
	ErrForbidden = errors.New("permission denied")

	// ErrTenantIsolationViolation means a storage adapter detected an
	// attempt to reach another tenant's data after authorization passed.
	ErrTenantIsolationViolation = errors.New("tenant isolation violation")

	// ErrUpstreamTimeout means an identity provider or backing store did
	// not answer within the deadline. Fail closed.
	ErrUpstreamTimeout = errors.New("upstream timeout")
)

// Code is a stable machine-readable error code carried in responses and
// audit records. Codes never change even if messages do.
type Code string

const (
	CodeUnauthenticated     Code = "UNAUTHENTICATED"
	CodeInvalidCredential   Code = "INVALID_CREDENTIAL"
	CodeCredentialExpired   Code = "CREDENTIAL_EXPIRED"
	CodeIncompleteIdentity  Code = "INCOMPLETE_IDENTITY"
	CodeTenantMismatch      Code = "TENANT_MISMATCH"
	CodeForbidden           Code = "FORBIDDEN"
	CodeIsolationViolation  Code = "TENANT_ISOLATION_VIOLATION"
	CodeUpstreamTimeout     Code = "UPSTREAM_TIMEOUT"
	CodeInternal            Code = "INTERNAL"
)

// CodeOf classifies an error into its stable code. Unrecognized errors map
// to CodeInternal.
func CodeOf(err error) Code {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrInvalidCredential):
		return CodeInvalidCredential
	case errors.Is(err, ErrCredentialExpired):
		return CodeCredentialExpired
	case errors.Is(err, ErrIncompleteIdentity):
		return CodeIncompleteIdentity
	case errors.Is(err, ErrTenantMismatch):
		return CodeTenantMismatch
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrTenantIsolationViolation):
		return CodeIsolationViolation
	case errors.Is(err, ErrUpstreamTimeout):
		return CodeUpstreamTimeout
	default:
		return CodeInternal
	}
}

// HTTPStatus maps an error to the status code returned to the caller.
// Authentication failures are 401, authorization failures are 403, and
// upstream timeouts are 504. Everything else is a 500.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeUnauthenticated, CodeInvalidCredential, CodeCredentialExpired, CodeIncompleteIdentity:
		return http.StatusUnauthorized
	case CodeTenantMismatch, CodeForbidden, CodeIsolationViolation:
		return http.StatusForbidden
	case CodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the generic message sent to callers. Responses never
// reveal which check failed beyond the 401/403 distinction, so internal
// detail stays in logs and audit records.
func PublicMessage(err error) string {
	switch HTTPStatus(err) {
	case http.StatusUnauthorized:
		return "authentication required"
	case http.StatusForbidden:
		return "access denied"
	case http.StatusGatewayTimeout:
		return "upstream timeout"
	default:
		return "internal error"
	}
}
