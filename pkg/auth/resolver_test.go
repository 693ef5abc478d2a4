package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type fakeProfileFetcher struct {
	profiles map[string]*Profile
	err      error
	calls    int
}

func (f *fakeProfileFetcher) FetchProfile(ctx context.Context, userID string) (*Profile, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown user %s", ErrIncompleteIdentity, userID)
	}
	return p, nil
}

func TestResolver_ClaimsWinOverProfile(t *testing.T) {
	fetcher := &fakeProfileFetcher{profiles: map[string]*Profile{
		"u1": {UserID: "u1", TenantID: "profile-tenant", Role: "end_user"},
	}}
	r := NewResolver(fetcher, ResolverOptions{})

	identity, err := r.Resolve(context.Background(), Seed{
		UserID:   "u1",
		TenantID: "claim-tenant",
		RoleRaw:  "tenant_admin",
		Method:   MethodOAuth,
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if identity.TenantID != "claim-tenant" {
		t.Errorf("TenantID = %q, want claim-tenant (claims take precedence)", identity.TenantID)
	}
	if identity.Role != RoleTenantAdmin {
		t.Errorf("Role = %q, want tenant_admin", identity.Role)
	}
	if fetcher.calls != 0 {
		t.Errorf("profile service called %d times, want 0 when claims are complete", fetcher.calls)
	}
}

func TestResolver_ProfileFillsGaps(t *testing.T) {
	fetcher := &fakeProfileFetcher{profiles: map[string]*Profile{
		"u1": {UserID: "u1", TenantID: "t1", Role: "project_admin", Email: "u1@example.com"},
	}}
	r := NewResolver(fetcher, ResolverOptions{})

	identity, err := r.Resolve(context.Background(), Seed{UserID: "u1", Method: MethodOAuth})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if identity.TenantID != "t1" {
		t.Errorf("TenantID = %q, want t1", identity.TenantID)
	}
	if identity.Role != RoleProjectAdmin {
		t.Errorf("Role = %q, want project_admin", identity.Role)
	}
	if identity.Email != "u1@example.com" {
		t.Errorf("Email = %q, want u1@example.com", identity.Email)
	}
	if !identity.Complete() {
		t.Error("resolved identity should be complete")
	}
}

func TestResolver_ProfileCache(t *testing.T) {
	fetcher := &fakeProfileFetcher{profiles: map[string]*Profile{
		"u1": {UserID: "u1", TenantID: "t1", Role: "end_user"},
	}}
	r := NewResolver(fetcher, ResolverOptions{ProfileCacheSize: 16, ProfileCacheTTL: time.Minute})

	for i := 0; i < 3; i++ {
		if _, err := r.Resolve(context.Background(), Seed{UserID: "u1", Method: MethodOAuth}); err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
	}
	if fetcher.calls != 1 {
		t.Errorf("profile service called %d times, want 1 (cached)", fetcher.calls)
	}

	r.InvalidateProfile("u1")
	if _, err := r.Resolve(context.Background(), Seed{UserID: "u1", Method: MethodOAuth}); err != nil {
		t.Fatalf("Resolve() after invalidation error = %v", err)
	}
	if fetcher.calls != 2 {
		t.Errorf("profile service called %d times after invalidation, want 2", fetcher.calls)
	}
}

func TestResolver_MissingUserID(t *testing.T) {
	r := NewResolver(nil, ResolverOptions{})
	_, err := r.Resolve(context.Background(), Seed{Method: MethodOAuth})
	if !errors.Is(err, ErrIncompleteIdentity) {
		t.Errorf("Resolve() error = %v, want ErrIncompleteIdentity", err)
	}
}

func TestResolver_UnknownUser(t *testing.T) {
	fetcher := &fakeProfileFetcher{profiles: map[string]*Profile{}}
	r := NewResolver(fetcher, ResolverOptions{})
	_, err := r.Resolve(context.Background(), Seed{UserID: "ghost", Method: MethodOAuth})
	if !errors.Is(err, ErrIncompleteIdentity) {
		t.Errorf("Resolve() error = %v, want ErrIncompleteIdentity", err)
	}
}

func TestResolver_UpstreamTimeoutFailsClosed(t *testing.T) {
	fetcher := &fakeProfileFetcher{err: fmt.Errorf("%w: profile service", ErrUpstreamTimeout)}
	r := NewResolver(fetcher, ResolverOptions{})

	// Even though the seed carries a tenant, a timed-out role lookup must
	// not fall through to a guess.
	_, err := r.Resolve(context.Background(), Seed{UserID: "u1", TenantID: "t1", Method: MethodOAuth})
	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Errorf("Resolve() error = %v, want ErrUpstreamTimeout", err)
	}
}

func TestResolver_DefaultRole(t *testing.T) {
	fetcher := &fakeProfileFetcher{profiles: map[string]*Profile{
		"u1": {UserID: "u1", TenantID: "t1"},
	}}

	strict := NewResolver(fetcher, ResolverOptions{})
	if _, err := strict.Resolve(context.Background(), Seed{UserID: "u1", Method: MethodOAuth}); !errors.Is(err, ErrIncompleteIdentity) {
		t.Errorf("strict Resolve() error = %v, want ErrIncompleteIdentity", err)
	}

	lenient := NewResolver(fetcher, ResolverOptions{DefaultToEndUser: true})
	identity, err := lenient.Resolve(context.Background(), Seed{UserID: "u1", Method: MethodOAuth})
	if err != nil {
		t.Fatalf("lenient Resolve() error = %v", err)
	}
	if identity.Role != RoleEndUser {
		t.Errorf("Role = %q, want end_user default", identity.Role)
	}
}

func TestResolver_KeySeedPassthrough(t *testing.T) {
	r := NewResolver(nil, ResolverOptions{})
	identity, err := r.Resolve(context.Background(), Seed{
		UserID:   "svc-1",
		TenantID: "t1",
		RoleRaw:  "end_user",
		Method:   MethodAPIKey,
		KeyID:    "key-42",
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if identity.Method != MethodAPIKey {
		t.Errorf("Method = %q, want api_key", identity.Method)
	}
	if identity.KeyID != "key-42" {
		t.Errorf("KeyID = %q, want key-42", identity.KeyID)
	}
	if identity.AuthenticatedAt.IsZero() {
		t.Error("AuthenticatedAt should be set")
	}
}
