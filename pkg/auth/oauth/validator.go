package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kelpielabs/gatehouse/pkg/auth"
	"github.com/kelpielabs/gatehouse/pkg/observability"
)

// ValidatorConfig configures bearer token validation.
type ValidatorConfig struct {
	// Issuer is the expected iss claim and the OIDC discovery base.
	Issuer string
	// Audience is the expected aud claim. Empty disables the audience check.
	Audience string
	// Leeway absorbs clock skew on time-based claims.
	Leeway time.Duration

	// TenantClaim is the claim carrying the tenant ID. Default "tenant_id".
	TenantClaim string
	// RoleClaim is the claim carrying the role. Default "role".
	RoleClaim string
}

// Validator verifies OAuth bearer tokens against the provider's signing
// keys and extracts an identity seed from the claims.
type Validator struct {
	cfg    ValidatorConfig
	keys   *KeyCache
	parser *jwt.Parser
	logger *observability.Logger
}

// NewValidator creates a bearer token validator.
func NewValidator(cfg ValidatorConfig, keys *KeyCache, logger *observability.Logger) *Validator {
	if cfg.TenantClaim == "" {
		cfg.TenantClaim = "tenant_id"
	}
	if cfg.RoleClaim == "" {
		cfg.RoleClaim = "role"
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384"}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithExpirationRequired(),
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &Validator{
		cfg:    cfg,
		keys:   keys,
		parser: jwt.NewParser(opts...),
		logger: logger,
	}
}

// Authenticate verifies a raw bearer token and returns an identity seed.
// Whatever identity the claims assert goes into the seed; the resolver
// fills any gaps from the profile service.
func (v *Validator) Authenticate(ctx context.Context, rawToken string) (auth.Seed, error) {
	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token header has no kid")
		}
		key, err := v.keys.Key(ctx, kid)
		if err != nil {
			return nil, err
		}
		return key.Key, nil
	})
	if err != nil {
		return auth.Seed{}, classifyJWTError(err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return auth.Seed{}, fmt.Errorf("%w: token has no subject", auth.ErrIncompleteIdentity)
	}

	return auth.Seed{
		UserID:   sub,
		TenantID: stringClaim(claims, v.cfg.TenantClaim),
		RoleRaw:  stringClaim(claims, v.cfg.RoleClaim),
		Email:    stringClaim(claims, "email"),
		Method:   auth.MethodOAuth,
	}, nil
}

// classifyJWTError maps jwt parse failures onto the pipeline's error
// taxonomy. Expiry gets its own code; everything else is an invalid
// credential unless a sentinel already rode along from the key cache.
func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, auth.ErrUpstreamTimeout),
		errors.Is(err, auth.ErrInvalidCredential):
		return err
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", auth.ErrCredentialExpired, err)
	default:
		return fmt.Errorf("%w: %v", auth.ErrInvalidCredential, err)
	}
}

func stringClaim(claims jwt.MapClaims, name string) string {
	if v, ok := claims[name].(string); ok {
		return v
	}
	return ""
}
