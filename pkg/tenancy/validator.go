package tenancy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kelpielabs/gatehouse/pkg/auth"
)

// DefaultLookupTimeout bounds tenant store queries when no explicit
// budget is configured.
const DefaultLookupTimeout = 2 * time.Second

// Lookup is the subset of Store the validator needs.
type Lookup interface {
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)
	IsMember(ctx context.Context, tenantID, userID string) (bool, error)
}

// Decision is the outcome of a tenant check.
type Decision struct {
	// TenantID is the tenant the request is allowed to act on.
	TenantID string
	// Bypassed is true when a platform_admin crossed tenant boundaries.
	// Every bypass must produce an audit record; the middleware enforces
	// that using this flag.
	Bypassed bool
}

// Validator enforces that a request only touches its caller's tenant.
// Fail closed: any doubt about the tenant or membership rejects the request.
type Validator struct {
	store Lookup

	// CheckMembership verifies the user appears in the tenant's member
	// list, catching forged or stale tenant claims. On unless a
	// deployment explicitly opts out.
	CheckMembership bool

	lookupTimeout time.Duration
}

// NewValidator creates a tenant validator.
func NewValidator(store Lookup, checkMembership bool) *Validator {
	return &Validator{store: store, CheckMembership: checkMembership, lookupTimeout: DefaultLookupTimeout}
}

// WithLookupTimeout sets the budget for each store query.
func (v *Validator) WithLookupTimeout(d time.Duration) *Validator {
	if d > 0 {
		v.lookupTimeout = d
	}
	return v
}

// Validate checks the identity against the tenant the request targets.
// An empty targetTenant means the request is scoped to the caller's own
// tenant.
func (v *Validator) Validate(ctx context.Context, identity *auth.Identity, targetTenant string) (*Decision, error) {
	if !identity.Complete() {
		return nil, fmt.Errorf("%w: identity missing fields at tenant check", auth.ErrIncompleteIdentity)
	}

	if targetTenant == "" {
		targetTenant = identity.TenantID
	}

	if targetTenant != identity.TenantID {
		if !identity.IsPlatformAdmin() {
			return nil, fmt.Errorf("%w: identity tenant %s, target tenant %s",
				auth.ErrTenantMismatch, identity.TenantID, targetTenant)
		}
		// Platform admins may cross tenants, but the target must still be
		// a real, active tenant and the crossing is always audited.
		if err := v.checkTenantActive(ctx, targetTenant); err != nil {
			return nil, err
		}
		return &Decision{TenantID: targetTenant, Bypassed: true}, nil
	}

	if err := v.checkTenantActive(ctx, targetTenant); err != nil {
		return nil, err
	}

	if v.CheckMembership && !identity.IsPlatformAdmin() {
		mctx, cancel := context.WithTimeout(ctx, v.lookupTimeout)
		member, err := v.store.IsMember(mctx, targetTenant, identity.UserID)
		cancel()
		if err != nil {
			return nil, classifyStoreError(err, "membership check")
		}
		if !member {
			return nil, fmt.Errorf("%w: user %s is not a member of tenant %s",
				auth.ErrTenantMismatch, identity.UserID, targetTenant)
		}
	}

	return &Decision{TenantID: targetTenant}, nil
}

func (v *Validator) checkTenantActive(ctx context.Context, tenantID string) error {
	tctx, cancel := context.WithTimeout(ctx, v.lookupTimeout)
	tenant, err := v.store.GetTenant(tctx, tenantID)
	cancel()
	if err != nil {
		return classifyStoreError(err, "tenant lookup")
	}
	if tenant == nil {
		return fmt.Errorf("%w: unknown tenant %s", auth.ErrTenantMismatch, tenantID)
	}
	if tenant.Status != TenantActive {
		return fmt.Errorf("%w: tenant %s is %s", auth.ErrTenantMismatch, tenantID, tenant.Status)
	}
	return nil
}

func classifyStoreError(err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", auth.ErrUpstreamTimeout, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
