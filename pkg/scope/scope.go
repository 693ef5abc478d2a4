package scope

import (
	"context"
	"fmt"
	"strings"

	"github.com/kelpielabs/gatehouse/pkg/auth"
	"github.com/kelpielabs/gatehouse/pkg/contextkeys"
)

// Scope is the tenant boundary for a single request. It is derived from the
// pipeline's resolved identity, never from caller input.
type Scope struct {
	TenantID string
	UserID   string
	Role     auth.Role

	// Bypassed is set when a platform_admin crossed tenant boundaries and
	// the pipeline re-pointed the scope at the target tenant.
	Bypassed bool
}

// FromContext derives the scope from the authenticated identity. Requests
// that did not pass the pipeline have no identity and get an error.
func FromContext(ctx context.Context) (Scope, error) {
	identity, ok := contextkeys.GetIdentity(ctx)
	if !ok || !identity.Complete() {
		return Scope{}, fmt.Errorf("no authenticated identity on context: %w", auth.ErrIncompleteIdentity)
	}
	return Scope{
		TenantID: identity.TenantID,
		UserID:   identity.UserID,
		Role:     identity.Role,
		Bypassed: contextkeys.TenantBypassed(ctx),
	}, nil
}

// ForTenant returns a copy of the scope pointed at another tenant. Only a
// platform_admin scope may be re-pointed; everyone else keeps their own
// tenant and gets an isolation violation.
func (s Scope) ForTenant(tenantID string) (Scope, error) {
	if tenantID == "" || tenantID == s.TenantID {
		return s, nil
	}
	if s.Role != auth.RolePlatformAdmin {
		return Scope{}, fmt.Errorf("scope for tenant %s requested by member of %s: %w",
			tenantID, s.TenantID, auth.ErrTenantIsolationViolation)
	}
	s.TenantID = tenantID
	s.Bypassed = true
	return s, nil
}

// validateTenantID rejects tenant IDs that could escape a key prefix or a
// file path. Tenant IDs are caller-visible identifiers; keep the character
// set tight.
func validateTenantID(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("empty tenant id: %w", auth.ErrTenantIsolationViolation)
	}
	for _, r := range tenantID {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return fmt.Errorf("tenant id %q contains invalid character: %w", tenantID, auth.ErrTenantIsolationViolation)
		}
	}
	return nil
}

// validateKey rejects caller-supplied keys that could traverse out of a
// tenant namespace.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty key: %w", auth.ErrTenantIsolationViolation)
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("key %q escapes tenant namespace: %w", key, auth.ErrTenantIsolationViolation)
	}
	return nil
}
