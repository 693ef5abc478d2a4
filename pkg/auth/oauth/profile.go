package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/kelpielabs/gatehouse/pkg/auth"
)

// ProfileClientConfig configures the profile service client.
type ProfileClientConfig struct {
	// BaseURL is the profile service root, e.g. https://profiles.internal.
	BaseURL string

	// Timeout bounds a single profile lookup.
	Timeout time.Duration

	// TokenURL, ClientID and ClientSecret configure the client-credentials
	// grant used to authenticate to the profile service. All three empty
	// means unauthenticated calls (local development).
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// ProfileClient fetches user profiles over HTTP. Implements
// auth.ProfileFetcher.
type ProfileClient struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// NewProfileClient creates a profile service client.
func NewProfileClient(cfg ProfileClientConfig) *ProfileClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client := http.DefaultClient
	if cfg.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		client = cc.Client(context.Background())
	}

	return &ProfileClient{
		baseURL: cfg.BaseURL,
		client:  client,
		timeout: timeout,
	}
}

// FetchProfile looks up a user profile by ID.
func (p *ProfileClient) FetchProfile(ctx context.Context, userID string) (*auth.Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/v1/users/%s", p.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build profile request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, fmt.Errorf("%w: profile service: %v", auth.ErrUpstreamTimeout, err)
		}
		return nil, fmt.Errorf("profile request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var profile auth.Profile
		if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
			return nil, fmt.Errorf("failed to decode profile: %w", err)
		}
		if profile.UserID == "" {
			profile.UserID = userID
		}
		return &profile, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: unknown user %s", auth.ErrIncompleteIdentity, userID)
	default:
		return nil, fmt.Errorf("profile service returned %d", resp.StatusCode)
	}
}
