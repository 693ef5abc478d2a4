package auth

import (
	"fmt"
	"strings"
	"time"
)

// Role is the access level assigned to an authenticated identity.
// The set of roles is closed: anything outside it is rejected at parse time.
type Role string

const (
	// RolePlatformAdmin can operate across every tenant.
	RolePlatformAdmin Role = "platform_admin"
	// RoleTenantAdmin can operate on everything inside its own tenant.
	RoleTenantAdmin Role = "tenant_admin"
	// RoleProjectAdmin can manage project-scoped resources inside its tenant.
	RoleProjectAdmin Role = "project_admin"
	// RoleEndUser is the default least-privileged role.
	RoleEndUser Role = "end_user"
)

// roleAliases maps legacy role names still emitted by older identity
// providers to their canonical role.
var roleAliases = map[string]Role{
	"user":   RoleEndUser,
	"viewer": RoleEndUser,
}

// ParseRole converts a raw role string to a canonical Role.
// Matching is case-insensitive and legacy aliases are folded in.
func ParseRole(raw string) (Role, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	switch Role(normalized) {
	case RolePlatformAdmin, RoleTenantAdmin, RoleProjectAdmin, RoleEndUser:
		return Role(normalized), nil
	}
	if alias, ok := roleAliases[normalized]; ok {
		return alias, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrIncompleteIdentity, raw)
}

// Valid reports whether the role is one of the canonical roles.
func (r Role) Valid() bool {
	switch r {
	case RolePlatformAdmin, RoleTenantAdmin, RoleProjectAdmin, RoleEndUser:
		return true
	}
	return false
}

// AtLeast reports whether the role grants at least the privileges of other.
// Ordering: platform_admin > tenant_admin > project_admin > end_user.
func (r Role) AtLeast(other Role) bool {
	return r.rank() >= other.rank()
}

func (r Role) rank() int {
	switch r {
	case RolePlatformAdmin:
		return 4
	case RoleTenantAdmin:
		return 3
	case RoleProjectAdmin:
		return 2
	case RoleEndUser:
		return 1
	}
	return 0
}

// Method identifies how a request authenticated.
type Method string

const (
	// MethodOAuth means the request carried a bearer token signed by the
	// identity provider.
	MethodOAuth Method = "oauth"
	// MethodAPIKey means the request carried a service API key.
	MethodAPIKey Method = "api_key"
)

// Identity is the fully resolved caller of a request. An Identity is only
// placed on the request context once all fields below are populated and the
// tenant check has passed.
type Identity struct {
	// UserID uniquely identifies the caller across the platform.
	UserID string `json:"user_id"`

	// TenantID is the tenant the caller is acting within for this request.
	TenantID string `json:"tenant_id"`

	// Role is the caller's canonical role.
	Role Role `json:"role"`

	// Method records which credential type authenticated the request.
	Method Method `json:"auth_method"`

	// Email is informational only and may be empty.
	Email string `json:"email,omitempty"`

	// KeyID is set for api_key identities: the ID of the credential row
	// that matched. Carried into audit records.
	KeyID string `json:"key_id,omitempty"`

	// AuthenticatedAt is when the credential was verified.
	AuthenticatedAt time.Time `json:"authenticated_at"`
}

// Complete reports whether the identity carries everything downstream
// stages require. Incomplete identities must never reach handlers.
func (i *Identity) Complete() bool {
	return i != nil && i.UserID != "" && i.TenantID != "" && i.Role.Valid()
}

// IsPlatformAdmin reports whether the identity holds the cross-tenant role.
func (i *Identity) IsPlatformAdmin() bool {
	return i != nil && i.Role == RolePlatformAdmin
}

// CanAdministerTenant reports whether the identity can manage tenant-wide
// resources in its own tenant.
func (i *Identity) CanAdministerTenant() bool {
	return i != nil && i.Role.AtLeast(RoleTenantAdmin)
}
