package apikey

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kelpielabs/gatehouse/pkg/auth"
	"github.com/kelpielabs/gatehouse/pkg/observability"
)

type fakeLookup struct {
	keys        map[string]*Key
	findErr     error
	touchErr    error
	touchedKeys []string
}

func (f *fakeLookup) FindByHash(ctx context.Context, keyHash string) (*Key, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.keys[keyHash], nil
}

func (f *fakeLookup) TouchLastUsed(ctx context.Context, keyID string) error {
	f.touchedKeys = append(f.touchedKeys, keyID)
	return f.touchErr
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, nil)
}

func mintKey(t *testing.T, lookup *fakeLookup, role auth.Role, expiresAt, revokedAt *time.Time) string {
	t.Helper()
	g := NewGenerator()
	raw, hash, prefix, err := g.Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	lookup.keys[hash] = &Key{
		ID:        "key-" + prefix,
		TenantID:  "t1",
		UserID:    "u1",
		Name:      "test",
		KeyHash:   hash,
		KeyPrefix: prefix,
		Role:      role,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
		RevokedAt: revokedAt,
	}
	return raw
}

func TestValidator_Authenticate(t *testing.T) {
	lookup := &fakeLookup{keys: map[string]*Key{}}
	raw := mintKey(t, lookup, auth.RoleEndUser, nil, nil)

	v := NewValidator(lookup, testLogger())
	seed, err := v.Authenticate(context.Background(), raw)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if seed.UserID != "u1" || seed.TenantID != "t1" {
		t.Errorf("seed = %+v, want u1/t1", seed)
	}
	if seed.Method != auth.MethodAPIKey {
		t.Errorf("Method = %q, want api_key", seed.Method)
	}
	if seed.KeyID == "" {
		t.Error("seed should carry the key ID")
	}
	if len(lookup.touchedKeys) != 1 {
		t.Errorf("TouchLastUsed called %d times, want 1", len(lookup.touchedKeys))
	}
}

func TestValidator_Authenticate_BadFormat(t *testing.T) {
	v := NewValidator(&fakeLookup{keys: map[string]*Key{}}, testLogger())
	_, err := v.Authenticate(context.Background(), "not-a-gatehouse-key")
	if !errors.Is(err, auth.ErrInvalidCredential) {
		t.Errorf("Authenticate() error = %v, want ErrInvalidCredential", err)
	}
}

func TestValidator_Authenticate_Unknown(t *testing.T) {
	lookup := &fakeLookup{keys: map[string]*Key{}}
	g := NewGenerator()
	raw, _, _, err := g.Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	v := NewValidator(lookup, testLogger())
	if _, err := v.Authenticate(context.Background(), raw); !errors.Is(err, auth.ErrInvalidCredential) {
		t.Errorf("Authenticate() error = %v, want ErrInvalidCredential", err)
	}
}

func TestValidator_Authenticate_Revoked(t *testing.T) {
	lookup := &fakeLookup{keys: map[string]*Key{}}
	revoked := time.Now().Add(-time.Hour)
	raw := mintKey(t, lookup, auth.RoleEndUser, nil, &revoked)

	v := NewValidator(lookup, testLogger())
	if _, err := v.Authenticate(context.Background(), raw); !errors.Is(err, auth.ErrInvalidCredential) {
		t.Errorf("Authenticate() error = %v, want ErrInvalidCredential for revoked key", err)
	}
}

func TestValidator_Authenticate_Expired(t *testing.T) {
	lookup := &fakeLookup{keys: map[string]*Key{}}
	expired := time.Now().Add(-time.Minute)
	raw := mintKey(t, lookup, auth.RoleEndUser, &expired, nil)

	v := NewValidator(lookup, testLogger())
	if _, err := v.Authenticate(context.Background(), raw); !errors.Is(err, auth.ErrCredentialExpired) {
		t.Errorf("Authenticate() error = %v, want ErrCredentialExpired", err)
	}
}

func TestValidator_Authenticate_LookupTimeout(t *testing.T) {
	lookup := &fakeLookup{keys: map[string]*Key{}, findErr: context.DeadlineExceeded}
	g := NewGenerator()
	raw, _, _, err := g.Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	v := NewValidator(lookup, testLogger())
	if _, err := v.Authenticate(context.Background(), raw); !errors.Is(err, auth.ErrUpstreamTimeout) {
		t.Errorf("Authenticate() error = %v, want ErrUpstreamTimeout", err)
	}
}

// hungLookup waits for the caller's deadline and reports it, like a store
// stuck on a dead connection.
type hungLookup struct{}

func (hungLookup) FindByHash(ctx context.Context, keyHash string) (*Key, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (hungLookup) TouchLastUsed(ctx context.Context, keyID string) error { return nil }

func TestValidator_Authenticate_SlowStoreHitsLookupBudget(t *testing.T) {
	g := NewGenerator()
	raw, _, _, err := g.Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	v := NewValidator(hungLookup{}, testLogger()).WithLookupTimeout(5 * time.Millisecond)
	if _, err := v.Authenticate(context.Background(), raw); !errors.Is(err, auth.ErrUpstreamTimeout) {
		t.Errorf("Authenticate(hung store) error = %v, want ErrUpstreamTimeout", err)
	}
}

type fakeSystemUsers struct {
	ensured []string
	err     error
}

func (f *fakeSystemUsers) EnsureSystemUser(ctx context.Context, tenantID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.ensured = append(f.ensured, tenantID)
	return "system:" + tenantID, nil
}

func TestValidator_Authenticate_TenantScopedKey(t *testing.T) {
	lookup := &fakeLookup{keys: map[string]*Key{}}
	raw := mintKey(t, lookup, auth.RoleTenantAdmin, nil, nil)
	for _, k := range lookup.keys {
		k.UserID = ""
	}

	su := &fakeSystemUsers{}
	v := NewValidator(lookup, testLogger()).WithSystemUsers(su)
	seed, err := v.Authenticate(context.Background(), raw)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if seed.UserID != "system:t1" {
		t.Errorf("UserID = %q, want the tenant system user", seed.UserID)
	}
	if len(su.ensured) != 1 || su.ensured[0] != "t1" {
		t.Errorf("ensured = %v, want [t1]", su.ensured)
	}
}

func TestValidator_Authenticate_TenantScopedKeyWithoutResolver(t *testing.T) {
	lookup := &fakeLookup{keys: map[string]*Key{}}
	raw := mintKey(t, lookup, auth.RoleTenantAdmin, nil, nil)
	for _, k := range lookup.keys {
		k.UserID = ""
	}

	v := NewValidator(lookup, testLogger())
	if _, err := v.Authenticate(context.Background(), raw); !errors.Is(err, auth.ErrIncompleteIdentity) {
		t.Errorf("Authenticate() error = %v, want ErrIncompleteIdentity", err)
	}
}

func TestValidator_Authenticate_TouchFailureIsNotFatal(t *testing.T) {
	lookup := &fakeLookup{keys: map[string]*Key{}, touchErr: errors.New("db busy")}
	raw := mintKey(t, lookup, auth.RoleEndUser, nil, nil)

	v := NewValidator(lookup, testLogger())
	if _, err := v.Authenticate(context.Background(), raw); err != nil {
		t.Errorf("Authenticate() error = %v, usage tracking failures should not reject the key", err)
	}
}
