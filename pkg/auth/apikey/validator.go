package apikey

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/kelpielabs/gatehouse/pkg/auth"
	"github.com/kelpielabs/gatehouse/pkg/observability"
)

// DefaultLookupTimeout bounds key store queries when no explicit budget
// is configured.
const DefaultLookupTimeout = 2 * time.Second

// Lookup is the subset of Store the validator needs, split out so tests can
// substitute an in-memory implementation.
type Lookup interface {
	FindByHash(ctx context.Context, keyHash string) (*Key, error)
	TouchLastUsed(ctx context.Context, keyID string) error
}

// SystemUsers resolves the actor for tenant-scoped keys, creating it on
// first use.
type SystemUsers interface {
	EnsureSystemUser(ctx context.Context, tenantID string) (string, error)
}

// Validator authenticates API keys against stored hashes.
type Validator struct {
	generator     *Generator
	store         Lookup
	systemUsers   SystemUsers
	logger        *observability.Logger
	now           func() time.Time
	lookupTimeout time.Duration
}

// NewValidator creates an API key validator.
func NewValidator(store Lookup, logger *observability.Logger) *Validator {
	return &Validator{
		generator:     NewGenerator(),
		store:         store,
		logger:        logger,
		now:           time.Now,
		lookupTimeout: DefaultLookupTimeout,
	}
}

// WithLookupTimeout sets the budget for each store query.
func (v *Validator) WithLookupTimeout(d time.Duration) *Validator {
	if d > 0 {
		v.lookupTimeout = d
	}
	return v
}

// WithSystemUsers enables tenant-scoped keys, whose actor is resolved (and
// lazily created) per tenant. Without it, keys minted without a user are
// rejected.
func (v *Validator) WithSystemUsers(su SystemUsers) *Validator {
	v.systemUsers = su
	return v
}

// Authenticate verifies a raw API key and returns an identity seed. The
// seed carries everything the key row asserts: downstream resolution only
// has to canonicalize the role.
func (v *Validator) Authenticate(ctx context.Context, rawKey string) (auth.Seed, error) {
	if err := v.generator.ValidateFormat(rawKey); err != nil {
		return auth.Seed{}, fmt.Errorf("%w: %v", auth.ErrInvalidCredential, err)
	}

	keyHash := v.generator.Hash(rawKey)

	fctx, cancel := context.WithTimeout(ctx, v.lookupTimeout)
	key, err := v.store.FindByHash(fctx, keyHash)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return auth.Seed{}, fmt.Errorf("%w: api key lookup: %v", auth.ErrUpstreamTimeout, err)
		}
		return auth.Seed{}, fmt.Errorf("api key lookup: %w", err)
	}
	if key == nil {
		return auth.Seed{}, fmt.Errorf("%w: unknown api key", auth.ErrInvalidCredential)
	}

	// The hash already matched via the index lookup; re-compare in constant
	// time so a lookup backed by something weaker than an exact index still
	// cannot leak match position.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(keyHash)) != 1 {
		return auth.Seed{}, fmt.Errorf("%w: api key hash mismatch", auth.ErrInvalidCredential)
	}

	if key.Revoked() {
		return auth.Seed{}, fmt.Errorf("%w: api key %s revoked", auth.ErrInvalidCredential, key.ID)
	}
	if key.Expired(v.now()) {
		return auth.Seed{}, fmt.Errorf("%w: api key %s", auth.ErrCredentialExpired, key.ID)
	}

	if err := v.store.TouchLastUsed(ctx, key.ID); err != nil {
		v.logger.WithError(err).WithField("key_id", key.ID).Warn("failed to record api key usage")
	}

	// Tenant-scoped keys carry no user of their own; they act as the
	// tenant's system user so audit records always name an actor.
	userID := key.UserID
	if userID == "" {
		if v.systemUsers == nil {
			return auth.Seed{}, fmt.Errorf("%w: key %s has no user", auth.ErrIncompleteIdentity, key.ID)
		}
		sctx, scancel := context.WithTimeout(ctx, v.lookupTimeout)
		userID, err = v.systemUsers.EnsureSystemUser(sctx, key.TenantID)
		scancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return auth.Seed{}, fmt.Errorf("%w: system user lookup: %v", auth.ErrUpstreamTimeout, err)
			}
			return auth.Seed{}, fmt.Errorf("system user lookup: %w", err)
		}
	}

	return auth.Seed{
		UserID:   userID,
		TenantID: key.TenantID,
		RoleRaw:  string(key.Role),
		Method:   auth.MethodAPIKey,
		KeyID:    key.ID,
	}, nil
}
