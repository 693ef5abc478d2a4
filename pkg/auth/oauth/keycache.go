package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	jose "github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"

	"github.com/kelpielabs/gatehouse/pkg/auth"
	"github.com/kelpielabs/gatehouse/pkg/observability"
)

// DefaultKeyTTL is how long a fetched JWKS is considered fresh.
const DefaultKeyTTL = time.Hour

// refreshTimeout bounds a single JWKS fetch regardless of the request that
// triggered it.
const refreshTimeout = 10 * time.Second

// DefaultForceRefreshCooldown is the minimum interval between refreshes
// forced by an unknown kid. Tokens with garbage kids otherwise turn into
// upstream JWKS fetches.
const DefaultForceRefreshCooldown = 10 * time.Second

// KeyCache caches the identity provider's signing keys. Keys are fetched
// from the JWKS endpoint advertised by OIDC discovery, refreshed after TTL,
// and served stale when a refresh fails so signing-key rotation hiccups do
// not take down authentication.
type KeyCache struct {
	issuer        string
	ttl           time.Duration
	forceCooldown time.Duration
	client        *http.Client
	logger        *observability.Logger
	metrics       *observability.Metrics

	group singleflight.Group

	mu         sync.RWMutex
	keys       map[string]jose.JSONWebKey
	jwksURI    string
	fetchedAt  time.Time
	lastForced time.Time
}

// KeyCacheOptions configures a KeyCache.
type KeyCacheOptions struct {
	// TTL overrides DefaultKeyTTL when positive.
	TTL time.Duration
	// HTTPClient overrides http.DefaultClient. Used by tests and by
	// deployments that need custom TLS roots.
	HTTPClient *http.Client
	// JWKSURI skips OIDC discovery when set. Mostly useful for providers
	// without a discovery document.
	JWKSURI string
	// ForceRefreshCooldown overrides DefaultForceRefreshCooldown when
	// positive.
	ForceRefreshCooldown time.Duration
	// Metrics counts refresh attempts when set.
	Metrics *observability.Metrics
}

// NewKeyCache creates a key cache for the given issuer.
func NewKeyCache(issuer string, logger *observability.Logger, opts KeyCacheOptions) *KeyCache {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultKeyTTL
	}
	cooldown := opts.ForceRefreshCooldown
	if cooldown <= 0 {
		cooldown = DefaultForceRefreshCooldown
	}
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &KeyCache{
		issuer:        issuer,
		ttl:           ttl,
		forceCooldown: cooldown,
		client:        client,
		logger:        logger,
		metrics:       opts.Metrics,
		jwksURI:       opts.JWKSURI,
		keys:          make(map[string]jose.JSONWebKey),
	}
}

// Key returns the signing key with the given kid. When the kid is unknown
// and the cache is fresh, a forced refresh is attempted before giving up:
// an unknown kid is the usual signal that the provider rotated keys. Forced
// refreshes are rate limited by the cache's cooldown.
func (c *KeyCache) Key(ctx context.Context, kid string) (*jose.JSONWebKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	fresh := time.Since(c.fetchedAt) < c.ttl && !c.fetchedAt.IsZero()
	c.mu.RUnlock()

	if ok && fresh {
		return &key, nil
	}

	if err := c.refresh(ctx, !ok); err != nil {
		// Serve stale on refresh failure if we have the key at all.
		if ok {
			c.logger.WithError(err).Warn("serving stale signing key after refresh failure")
			return &key, nil
		}
		return nil, err
	}

	c.mu.RLock()
	key, ok = c.keys[kid]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown signing key %q", auth.ErrInvalidCredential, kid)
	}
	return &key, nil
}

// refresh fetches the JWKS, deduplicating concurrent callers through
// singleflight. force skips the freshness check, used when a kid was not
// found in a fresh cache.
func (c *KeyCache) refresh(ctx context.Context, force bool) error {
	_, err, _ := c.group.Do("jwks", func() (interface{}, error) {
		c.mu.RLock()
		fresh := time.Since(c.fetchedAt) < c.ttl && !c.fetchedAt.IsZero()
		cooled := time.Since(c.lastForced) >= c.forceCooldown
		c.mu.RUnlock()
		if fresh && !force {
			return nil, nil
		}
		// A fresh cache missing a kid refreshes at most once per cooldown.
		// Otherwise a flood of tokens with garbage kids would turn into a
		// flood of upstream fetches.
		if fresh && force {
			if !cooled {
				return nil, nil
			}
			c.mu.Lock()
			c.lastForced = time.Now()
			c.mu.Unlock()
		}

		// The fetch must survive cancellation of the request that
		// triggered it: other requests are waiting on the same result.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		uri, err := c.resolveJWKSURI(fetchCtx)
		if err != nil {
			c.countRefresh("failure")
			return nil, err
		}

		keySet, err := c.fetchJWKS(fetchCtx, uri)
		if err != nil {
			c.countRefresh("failure")
			return nil, err
		}

		keys := make(map[string]jose.JSONWebKey, len(keySet.Keys))
		for _, k := range keySet.Keys {
			if k.KeyID == "" || !k.Valid() {
				continue
			}
			keys[k.KeyID] = k
		}

		c.mu.Lock()
		c.keys = keys
		c.fetchedAt = time.Now()
		c.mu.Unlock()

		c.countRefresh("success")
		c.logger.WithField("key_count", len(keys)).Debug("refreshed signing keys")
		return nil, nil
	})
	return err
}

func (c *KeyCache) countRefresh(status string) {
	if c.metrics != nil {
		c.metrics.JWKSRefreshesTotal.WithLabelValues(status).Inc()
	}
}

// resolveJWKSURI returns the JWKS endpoint, discovering it via OIDC when it
// was not configured directly. The discovered URI is cached for the cache's
// lifetime.
func (c *KeyCache) resolveJWKSURI(ctx context.Context) (string, error) {
	c.mu.RLock()
	uri := c.jwksURI
	c.mu.RUnlock()
	if uri != "" {
		return uri, nil
	}

	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, c.client), c.issuer)
	if err != nil {
		return "", fmt.Errorf("%w: oidc discovery for %s: %v", auth.ErrUpstreamTimeout, c.issuer, err)
	}

	var claims struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&claims); err != nil {
		return "", fmt.Errorf("failed to parse discovery document: %w", err)
	}
	if claims.JWKSURI == "" {
		return "", fmt.Errorf("discovery document for %s has no jwks_uri", c.issuer)
	}

	c.mu.Lock()
	c.jwksURI = claims.JWKSURI
	c.mu.Unlock()
	return claims.JWKSURI, nil
}

func (c *KeyCache) fetchJWKS(ctx context.Context, uri string) (*jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build jwks request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: jwks fetch: %v", auth.ErrUpstreamTimeout, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	var keySet jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&keySet); err != nil {
		return nil, fmt.Errorf("failed to decode jwks: %w", err)
	}
	return &keySet, nil
}

// KeyCount returns the number of cached keys. Exposed for health reporting.
func (c *KeyCache) KeyCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys)
}
