package rbac

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kelpielabs/gatehouse/pkg/auth"
	"github.com/kelpielabs/gatehouse/pkg/observability"
)

// Mode controls how the authorizer treats denials.
type Mode string

const (
	// ModeStrict rejects any operation the table does not grant.
	ModeStrict Mode = "strict"
	// ModePermissive allows everything but flags would-be denials so they
	// can be audited. Used while migrating a service onto the table.
	ModePermissive Mode = "permissive"
)

// Registry holds the operation permission table. Handlers register their
// operations at startup; an overlay may adjust grants at runtime.
type Registry struct {
	mu     sync.RWMutex
	grants map[string]map[auth.Role]bool
}

// NewRegistry creates an empty permission table.
func NewRegistry() *Registry {
	return &Registry{grants: make(map[string]map[auth.Role]bool)}
}

// Register grants the given roles access to an operation, replacing any
// previous grant for it. platform_admin is always implicitly granted.
func (r *Registry) Register(operation string, roles ...auth.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := make(map[auth.Role]bool, len(roles))
	for _, role := range roles {
		set[role] = true
	}
	r.grants[operation] = set
}

// Allowed reports whether the role may perform the operation, and whether
// the operation is known to the table at all.
func (r *Registry) Allowed(operation string, role auth.Role) (allowed, known bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, known := r.grants[operation]
	if !known {
		return false, false
	}
	if role == auth.RolePlatformAdmin {
		return true, true
	}
	return set[role], true
}

// Operations returns all registered operations, sorted.
func (r *Registry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ops := make([]string, 0, len(r.grants))
	for op := range r.grants {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// ApplyOverlay replaces grants for the operations the overlay names.
// Operations the overlay does not mention keep their registered grants.
// Overlays may only adjust known operations: naming an unregistered one is
// an error, which catches typos in the overlay file.
func (r *Registry) ApplyOverlay(overlay map[string][]auth.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for op := range overlay {
		if _, known := r.grants[op]; !known {
			return fmt.Errorf("overlay names unknown operation %q", op)
		}
	}

	for op, roles := range overlay {
		set := make(map[auth.Role]bool, len(roles))
		for _, role := range roles {
			set[role] = true
		}
		r.grants[op] = set
	}
	return nil
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	// PermissiveOverride is true when the table would have denied the
	// request but permissive mode let it through. Every override must be
	// audited.
	PermissiveOverride bool
}

// Authorizer checks identities against the permission table.
type Authorizer struct {
	registry *Registry
	mode     Mode
	logger   *observability.Logger
}

// NewAuthorizer creates an authorizer over the given table.
func NewAuthorizer(registry *Registry, mode Mode, logger *observability.Logger) *Authorizer {
	if mode == "" {
		mode = ModeStrict
	}
	return &Authorizer{registry: registry, mode: mode, logger: logger}
}

// Mode returns the configured enforcement mode.
func (a *Authorizer) Mode() Mode {
	return a.mode
}

// Authorize decides whether the identity may perform the operation.
// Unknown operations deny: a handler that forgot to register is a bug that
// must fail closed, not an open door.
func (a *Authorizer) Authorize(identity *auth.Identity, operation string) (*Decision, error) {
	if !identity.Complete() {
		return nil, fmt.Errorf("%w: identity missing fields at authorization", auth.ErrIncompleteIdentity)
	}

	allowed, known := a.registry.Allowed(operation, identity.Role)
	if allowed {
		return &Decision{Allowed: true}, nil
	}

	if a.mode == ModePermissive {
		a.logger.WithFields(map[string]interface{}{
			"operation": operation,
			"user_id":   identity.UserID,
			"tenant_id": identity.TenantID,
			"role":      string(identity.Role),
			"known_op":  known,
		}).Warn("permissive mode allowed an operation the table denies")
		return &Decision{Allowed: true, PermissiveOverride: true}, nil
	}

	if !known {
		return nil, fmt.Errorf("%w: unregistered operation %q", auth.ErrForbidden, operation)
	}
	return nil, fmt.Errorf("%w: role %s may not perform %q", auth.ErrForbidden, identity.Role, operation)
}
