package auth

import (
	"net/http"
	"strings"
)

// DefaultAPIKeyHeader is the header consulted for API keys when no override
// is configured.
const DefaultAPIKeyHeader = "X-API-Key"

// CredentialKind distinguishes the two credential shapes a request can carry.
type CredentialKind string

const (
	// CredentialBearer is an OAuth bearer token from the Authorization header.
	CredentialBearer CredentialKind = "bearer"
	// CredentialAPIKey is a service key from the API key header.
	CredentialAPIKey CredentialKind = "api_key"
)

// Credential is a raw, unverified credential pulled off a request.
type Credential struct {
	Kind  CredentialKind
	Token string
}

// Extractor pulls credentials from incoming requests. Extraction never
// fails: a request with no usable credential yields a nil Credential, and
// the authentication stage decides what that means.
type Extractor struct {
	apiKeyHeader string
}

// NewExtractor creates an extractor. apiKeyHeader overrides the header used
// for API keys; pass "" for the default.
func NewExtractor(apiKeyHeader string) *Extractor {
	if apiKeyHeader == "" {
		apiKeyHeader = DefaultAPIKeyHeader
	}
	return &Extractor{apiKeyHeader: apiKeyHeader}
}

// APIKeyHeader returns the configured API key header name.
func (e *Extractor) APIKeyHeader() string {
	return e.apiKeyHeader
}

// Extract returns the credential carried by the request, or nil if none.
// A bearer token always wins over an API key when both are present, so a
// request's effective identity is deterministic.
func (e *Extractor) Extract(r *http.Request) *Credential {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return &Credential{Kind: CredentialBearer, Token: token}
	}

	if key := strings.TrimSpace(r.Header.Get(e.apiKeyHeader)); key != "" {
		return &Credential{Kind: CredentialAPIKey, Token: key}
	}

	return nil
}

// bearerToken parses an Authorization header value. Only the Bearer scheme
// is recognized; anything else is treated as absent rather than rejected,
// the same way an unknown cookie would be ignored.
func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
