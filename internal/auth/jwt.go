// Package auth verifies identity-provider session tokens and admin API keys.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultJWKSCacheTTL is the default time-to-live for cached JWKS keys.
const DefaultJWKSCacheTTL = 5 * time.Minute

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

// Claims are the session token claims the service relies on.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// JWTConfig configures token verification. SigningKey selects HS256 and is
// meant for development; otherwise RS256 keys come from JWKSURL.
type JWTConfig struct {
	Issuer     string
	Audience   string
	JWKSURL    string
	SigningKey []byte
	CacheTTL   time.Duration
	HTTPClient *http.Client
	Leeway     time.Duration
}

// Enabled reports whether any verification source is configured.
func (c JWTConfig) Enabled() bool {
	return len(c.SigningKey) > 0 || c.JWKSURL != ""
}

// JWKSKey represents a single JSON Web Key from a JWKS endpoint.
type JWKSKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSResponse represents the response from a JWKS endpoint.
type JWKSResponse struct {
	Keys []JWKSKey `json:"keys"`
}

// JWKSCache caches RSA keys fetched from a JWKS endpoint.
type JWKSCache struct {
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	jwksURL   string
	ttl       time.Duration
	fetchedAt time.Time
	client    *http.Client
}

// NewJWKSCache creates a cache over jwksURL. A nil client uses a 10s timeout client.
func NewJWKSCache(jwksURL string, ttl time.Duration, client *http.Client) *JWKSCache {
	if ttl <= 0 {
		ttl = DefaultJWKSCacheTTL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &JWKSCache{
		keys:    make(map[string]*rsa.PublicKey),
		jwksURL: jwksURL,
		ttl:     ttl,
		client:  client,
	}
}

// GetKey returns the key for kid, refetching on a miss or after the TTL.
func (c *JWKSCache) GetKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	expired := time.Since(c.fetchedAt) > c.ttl
	c.mu.RUnlock()

	if ok && !expired {
		return key, nil
	}

	if err := c.fetch(ctx); err != nil {
		return nil, fmt.Errorf("fetching JWKS: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok = c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("key with kid %q not found in JWKS", kid)
	}
	return key, nil
}

func (c *JWKSCache) fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", c.jwksURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var jwks JWKSResponse
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("decoding JWKS response: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pubKey, err := parseRSAPublicKey(k)
		if err != nil {
			continue
		}
		keys[k.Kid] = pubKey
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return nil
}

func parseRSAPublicKey(k JWKSKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

// Verifier checks session tokens issued by the identity provider.
type Verifier struct {
	cfg   JWTConfig
	cache *JWKSCache
	opts  []jwt.ParserOption
}

// NewVerifier builds a verifier. It fails when no key source is configured.
func NewVerifier(cfg JWTConfig) (*Verifier, error) {
	if !cfg.Enabled() {
		return nil, errors.New("auth: either a signing key or a JWKS URL is required")
	}

	v := &Verifier{cfg: cfg}
	if len(cfg.SigningKey) > 0 {
		v.opts = append(v.opts, jwt.WithValidMethods([]string{"HS256"}))
	} else {
		v.cache = NewJWKSCache(cfg.JWKSURL, cfg.CacheTTL, cfg.HTTPClient)
		v.opts = append(v.opts, jwt.WithValidMethods([]string{"RS256"}))
	}
	if cfg.Issuer != "" {
		v.opts = append(v.opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		v.opts = append(v.opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Leeway > 0 {
		v.opts = append(v.opts, jwt.WithLeeway(cfg.Leeway))
	}
	v.opts = append(v.opts, jwt.WithExpirationRequired())
	return v, nil
}

// Verify parses and validates tokenStr and returns its claims.
func (v *Verifier) Verify(ctx context.Context, tokenStr string) (*Claims, error) {
	claims := &Claims{}
	keyFunc := func(t *jwt.Token) (interface{}, error) {
		if len(v.cfg.SigningKey) > 0 {
			return v.cfg.SigningKey, nil
		}
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("token has no kid header")
		}
		return v.cache.GetKey(ctx, kid)
	}

	token, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc, v.opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

type contextKey string

const (
	userIDKey  contextKey = "user_id"
	adminKeyID contextKey = "admin_key"
)

// WithUserID stores the authenticated user id in ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext returns the authenticated user id, or "".
func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(userIDKey).(string)
	return uid
}

// WithAdmin marks ctx as authenticated by the named admin key.
func WithAdmin(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, adminKeyID, name)
}

// AdminFromContext returns the admin key name, if the request used one.
func AdminFromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(adminKeyID).(string)
	return name, ok
}
