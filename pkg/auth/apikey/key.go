package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// KeyPrefix identifies Gatehouse API keys.
	KeyPrefix = "gh_"
	// KeyLength is the number of random bytes in a key (32 bytes = 256 bits).
	KeyLength = 32
)

// Generator mints and hashes API keys.
type Generator struct{}

// NewGenerator creates a new key generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate creates a new API key.
// Format: gh_<base64url(32 random bytes)>
func (g *Generator) Generate() (key string, keyHash string, keyPrefix string, err error) {
	randomBytes := make([]byte, KeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(randomBytes)
	fullKey := KeyPrefix + encoded

	// Only the SHA256 hash is ever stored.
	hash := sha256.Sum256([]byte(fullKey))
	hashStr := hex.EncodeToString(hash[:])

	// First 8 chars after "gh_" are kept for display and support lookups.
	prefix := KeyPrefix
	if len(encoded) >= 8 {
		prefix = KeyPrefix + encoded[:8]
	}

	return fullKey, hashStr, prefix, nil
}

// Hash computes the SHA256 hash of a key for lookup.
func (g *Generator) Hash(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// ValidateFormat checks if a key has the correct shape without touching
// storage.
func (g *Generator) ValidateFormat(key string) error {
	if !strings.HasPrefix(key, KeyPrefix) {
		return fmt.Errorf("key must start with %q", KeyPrefix)
	}

	encoded := strings.TrimPrefix(key, KeyPrefix)
	if len(encoded) == 0 {
		return fmt.Errorf("key is too short")
	}

	if _, err := base64.RawURLEncoding.DecodeString(encoded); err != nil {
		return fmt.Errorf("invalid key encoding: %w", err)
	}

	return nil
}

// DisplayPrefix extracts the prefix from a key for display.
func (g *Generator) DisplayPrefix(key string) string {
	if !strings.HasPrefix(key, KeyPrefix) {
		return ""
	}

	encoded := strings.TrimPrefix(key, KeyPrefix)
	if len(encoded) >= 8 {
		return KeyPrefix + encoded[:8]
	}

	return key
}
