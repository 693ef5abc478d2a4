package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Seed is the partially resolved identity produced by an authenticator.
// Whatever the credential itself asserted goes here; the resolver fills the
// gaps from the profile service.
type Seed struct {
	UserID   string
	TenantID string
	RoleRaw  string
	Email    string
	Method   Method
	KeyID    string
}

// Profile is the user record returned by the profile service.
type Profile struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	Email    string `json:"email,omitempty"`
}

// ProfileFetcher looks up user profiles by user ID. Implementations must
// return an error wrapping ErrIncompleteIdentity when the user is unknown
// and ErrUpstreamTimeout when the lookup deadline expires.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, userID string) (*Profile, error)
}

// ResolverOptions configures identity resolution.
type ResolverOptions struct {
	// ProfileCacheSize bounds the in-process profile cache. Zero disables
	// caching.
	ProfileCacheSize int

	// ProfileCacheTTL is how long a cached profile stays fresh.
	ProfileCacheTTL time.Duration

	// DefaultToEndUser assigns end_user when no source supplied a role.
	// When false, a missing role is an incomplete identity.
	DefaultToEndUser bool

	// OnCacheHit and OnCacheMiss are called per profile cache lookup.
	// Wired to metrics counters.
	OnCacheHit  func()
	OnCacheMiss func()
}

// Resolver turns authenticator seeds into complete identities. Credential
// claims always win over profile data; the profile service only fills
// fields the credential left empty.
type Resolver struct {
	profiles ProfileFetcher
	cache    *expirable.LRU[string, Profile]
	opts     ResolverOptions
}

// NewResolver creates a resolver. profiles may be nil when every credential
// is expected to carry a full identity on its own.
func NewResolver(profiles ProfileFetcher, opts ResolverOptions) *Resolver {
	r := &Resolver{
		profiles: profiles,
		opts:     opts,
	}
	if opts.ProfileCacheSize > 0 {
		r.cache = expirable.NewLRU[string, Profile](opts.ProfileCacheSize, nil, opts.ProfileCacheTTL)
	}
	return r
}

// Resolve completes a seed into an Identity or explains why it cannot.
func (r *Resolver) Resolve(ctx context.Context, seed Seed) (*Identity, error) {
	if seed.UserID == "" {
		return nil, fmt.Errorf("%w: credential carried no user ID", ErrIncompleteIdentity)
	}

	tenantID := seed.TenantID
	roleRaw := seed.RoleRaw
	email := seed.Email

	if tenantID == "" || roleRaw == "" {
		profile, err := r.lookupProfile(ctx, seed.UserID)
		if err != nil {
			// A missing profile only matters if the credential itself
			// left gaps. When the lookup timed out, fail closed.
			if errors.Is(err, ErrUpstreamTimeout) {
				return nil, err
			}
			if tenantID == "" {
				return nil, fmt.Errorf("%w: no tenant for user %s", ErrIncompleteIdentity, seed.UserID)
			}
		} else {
			if tenantID == "" {
				tenantID = profile.TenantID
			}
			if roleRaw == "" {
				roleRaw = profile.Role
			}
			if email == "" {
				email = profile.Email
			}
		}
	}

	if tenantID == "" {
		return nil, fmt.Errorf("%w: no tenant for user %s", ErrIncompleteIdentity, seed.UserID)
	}

	if roleRaw == "" {
		if !r.opts.DefaultToEndUser {
			return nil, fmt.Errorf("%w: no role for user %s", ErrIncompleteIdentity, seed.UserID)
		}
		roleRaw = string(RoleEndUser)
	}

	role, err := ParseRole(roleRaw)
	if err != nil {
		return nil, err
	}

	return &Identity{
		UserID:          seed.UserID,
		TenantID:        tenantID,
		Role:            role,
		Method:          seed.Method,
		Email:           email,
		KeyID:           seed.KeyID,
		AuthenticatedAt: time.Now().UTC(),
	}, nil
}

func (r *Resolver) lookupProfile(ctx context.Context, userID string) (*Profile, error) {
	if r.cache != nil {
		if p, ok := r.cache.Get(userID); ok {
			if r.opts.OnCacheHit != nil {
				r.opts.OnCacheHit()
			}
			return &p, nil
		}
		if r.opts.OnCacheMiss != nil {
			r.opts.OnCacheMiss()
		}
	}

	if r.profiles == nil {
		return nil, fmt.Errorf("%w: no profile service configured", ErrIncompleteIdentity)
	}

	profile, err := r.profiles.FetchProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: profile lookup for %s: %v", ErrUpstreamTimeout, userID, err)
		}
		return nil, err
	}

	if r.cache != nil {
		r.cache.Add(userID, *profile)
	}
	return profile, nil
}

// InvalidateProfile drops a cached profile, forcing the next resolution to
// hit the profile service. Used after role changes.
func (r *Resolver) InvalidateProfile(userID string) {
	if r.cache != nil {
		r.cache.Remove(userID)
	}
}
