package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrInvalidAPIKey is returned for unknown admin keys.
var ErrInvalidAPIKey = errors.New("invalid API key")

// AdminKey is a named admin credential stored as a SHA-256 hash.
type AdminKey struct {
	Name    string `koanf:"name"`
	KeyHash string `koanf:"key_hash"`
}

// KeyAuthenticator validates admin API keys against stored hashes.
type KeyAuthenticator struct {
	keys map[string]AdminKey // keyhash -> key
}

// NewKeyAuthenticator builds the keyhash lookup table.
func NewKeyAuthenticator(keys []AdminKey) *KeyAuthenticator {
	a := &KeyAuthenticator{
		keys: make(map[string]AdminKey, len(keys)),
	}
	for _, k := range keys {
		a.keys[strings.ToLower(k.KeyHash)] = k
	}
	return a
}

// Len reports how many admin keys are configured.
func (a *KeyAuthenticator) Len() int {
	if a == nil {
		return 0
	}
	return len(a.keys)
}

// ValidateAPIKey returns the admin key matching apiKey.
func (a *KeyAuthenticator) ValidateAPIKey(apiKey string) (AdminKey, error) {
	if a == nil || apiKey == "" {
		return AdminKey{}, ErrInvalidAPIKey
	}
	keyHash := HashAPIKey(apiKey)

	k, ok := a.keys[keyHash]
	if !ok {
		return AdminKey{}, ErrInvalidAPIKey
	}

	// Constant-time comparison to prevent timing attacks
	if subtle.ConstantTimeCompare([]byte(keyHash), []byte(strings.ToLower(k.KeyHash))) != 1 {
		return AdminKey{}, ErrInvalidAPIKey
	}
	return k, nil
}

// ExtractBearer extracts the credential from a "Bearer <token>" Authorization header.
func ExtractBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing Authorization header")
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid Authorization header format")
	}

	if !strings.EqualFold(parts[0], "bearer") {
		return "", fmt.Errorf("unsupported authorization scheme")
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", fmt.Errorf("empty bearer token")
	}
	return token, nil
}

// HashAPIKey creates a SHA-256 hash of an API key for storage
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}
