package tenancy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kelpielabs/gatehouse/pkg/auth"
)

type fakeLookup struct {
	tenants   map[string]*Tenant
	members   map[string]map[string]bool
	tenantErr error
	memberErr error
}

func (f *fakeLookup) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	if f.tenantErr != nil {
		return nil, f.tenantErr
	}
	return f.tenants[tenantID], nil
}

func (f *fakeLookup) IsMember(ctx context.Context, tenantID, userID string) (bool, error) {
	if f.memberErr != nil {
		return false, f.memberErr
	}
	return f.members[tenantID][userID], nil
}

func activeTenants(ids ...string) map[string]*Tenant {
	m := make(map[string]*Tenant, len(ids))
	for _, id := range ids {
		m[id] = &Tenant{ID: id, Name: id, Status: TenantActive}
	}
	return m
}

func identity(role auth.Role, tenantID string) *auth.Identity {
	return &auth.Identity{UserID: "u1", TenantID: tenantID, Role: role, Method: auth.MethodOAuth}
}

func TestValidator_SameTenant(t *testing.T) {
	v := NewValidator(&fakeLookup{tenants: activeTenants("t1")}, false)

	decision, err := v.Validate(context.Background(), identity(auth.RoleEndUser, "t1"), "t1")
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if decision.TenantID != "t1" {
		t.Errorf("TenantID = %q, want t1", decision.TenantID)
	}
	if decision.Bypassed {
		t.Error("same-tenant access should not be flagged as a bypass")
	}
}

func TestValidator_EmptyTargetDefaultsToOwnTenant(t *testing.T) {
	v := NewValidator(&fakeLookup{tenants: activeTenants("t1")}, false)

	decision, err := v.Validate(context.Background(), identity(auth.RoleEndUser, "t1"), "")
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if decision.TenantID != "t1" {
		t.Errorf("TenantID = %q, want caller's own tenant", decision.TenantID)
	}
}

func TestValidator_CrossTenantDenied(t *testing.T) {
	v := NewValidator(&fakeLookup{tenants: activeTenants("t1", "t2")}, false)

	for _, role := range []auth.Role{auth.RoleEndUser, auth.RoleProjectAdmin, auth.RoleTenantAdmin} {
		_, err := v.Validate(context.Background(), identity(role, "t1"), "t2")
		if !errors.Is(err, auth.ErrTenantMismatch) {
			t.Errorf("Validate(%s cross-tenant) error = %v, want ErrTenantMismatch", role, err)
		}
	}
}

func TestValidator_PlatformAdminBypass(t *testing.T) {
	v := NewValidator(&fakeLookup{tenants: activeTenants("t1", "t2")}, false)

	decision, err := v.Validate(context.Background(), identity(auth.RolePlatformAdmin, "t1"), "t2")
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !decision.Bypassed {
		t.Error("cross-tenant platform_admin access must be flagged as a bypass")
	}
	if decision.TenantID != "t2" {
		t.Errorf("TenantID = %q, want t2", decision.TenantID)
	}
}

func TestValidator_PlatformAdminBypassRequiresRealTenant(t *testing.T) {
	v := NewValidator(&fakeLookup{tenants: activeTenants("t1")}, false)

	_, err := v.Validate(context.Background(), identity(auth.RolePlatformAdmin, "t1"), "ghost")
	if !errors.Is(err, auth.ErrTenantMismatch) {
		t.Errorf("Validate(bypass to unknown tenant) error = %v, want ErrTenantMismatch", err)
	}
}

func TestValidator_UnknownTenant(t *testing.T) {
	v := NewValidator(&fakeLookup{tenants: activeTenants()}, false)

	_, err := v.Validate(context.Background(), identity(auth.RoleEndUser, "ghost"), "ghost")
	if !errors.Is(err, auth.ErrTenantMismatch) {
		t.Errorf("Validate() error = %v, want ErrTenantMismatch", err)
	}
}

func TestValidator_SuspendedTenant(t *testing.T) {
	lookup := &fakeLookup{tenants: map[string]*Tenant{
		"t1": {ID: "t1", Name: "t1", Status: TenantSuspended},
	}}
	v := NewValidator(lookup, false)

	_, err := v.Validate(context.Background(), identity(auth.RoleEndUser, "t1"), "t1")
	if !errors.Is(err, auth.ErrTenantMismatch) {
		t.Errorf("Validate(suspended tenant) error = %v, want ErrTenantMismatch", err)
	}
}

func TestValidator_MembershipEnforced(t *testing.T) {
	lookup := &fakeLookup{
		tenants: activeTenants("t1"),
		members: map[string]map[string]bool{"t1": {"u1": true}},
	}
	v := NewValidator(lookup, true)

	if _, err := v.Validate(context.Background(), identity(auth.RoleEndUser, "t1"), "t1"); err != nil {
		t.Errorf("Validate(member) error = %v", err)
	}

	outsider := &auth.Identity{UserID: "u2", TenantID: "t1", Role: auth.RoleEndUser}
	if _, err := v.Validate(context.Background(), outsider, "t1"); !errors.Is(err, auth.ErrTenantMismatch) {
		t.Errorf("Validate(non-member) error = %v, want ErrTenantMismatch", err)
	}
}

func TestValidator_StoreTimeoutFailsClosed(t *testing.T) {
	v := NewValidator(&fakeLookup{tenantErr: context.DeadlineExceeded}, false)

	_, err := v.Validate(context.Background(), identity(auth.RoleEndUser, "t1"), "t1")
	if !errors.Is(err, auth.ErrUpstreamTimeout) {
		t.Errorf("Validate(store timeout) error = %v, want ErrUpstreamTimeout", err)
	}
}

// blockingLookup hangs until the caller's deadline fires, like a store
// stuck on a dead connection. With tenants set, GetTenant answers and only
// IsMember hangs.
type blockingLookup struct {
	tenants map[string]*Tenant
}

func (b *blockingLookup) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	if b.tenants != nil {
		return b.tenants[tenantID], nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *blockingLookup) IsMember(ctx context.Context, tenantID, userID string) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func TestValidator_SlowStoreHitsLookupBudget(t *testing.T) {
	t.Run("tenant lookup", func(t *testing.T) {
		v := NewValidator(&blockingLookup{}, true).WithLookupTimeout(5 * time.Millisecond)

		_, err := v.Validate(context.Background(), identity(auth.RoleEndUser, "t1"), "t1")
		if !errors.Is(err, auth.ErrUpstreamTimeout) {
			t.Errorf("Validate(hung tenant lookup) error = %v, want ErrUpstreamTimeout", err)
		}
	})

	t.Run("membership check", func(t *testing.T) {
		v := NewValidator(&blockingLookup{tenants: activeTenants("t1")}, true).
			WithLookupTimeout(5 * time.Millisecond)

		_, err := v.Validate(context.Background(), identity(auth.RoleEndUser, "t1"), "t1")
		if !errors.Is(err, auth.ErrUpstreamTimeout) {
			t.Errorf("Validate(hung membership check) error = %v, want ErrUpstreamTimeout", err)
		}
	})
}

func TestValidator_IncompleteIdentityRejected(t *testing.T) {
	v := NewValidator(&fakeLookup{tenants: activeTenants("t1")}, false)

	_, err := v.Validate(context.Background(), &auth.Identity{UserID: "u1"}, "t1")
	if !errors.Is(err, auth.ErrIncompleteIdentity) {
		t.Errorf("Validate(incomplete identity) error = %v, want ErrIncompleteIdentity", err)
	}
}
