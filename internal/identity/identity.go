// Package identity resolves a request descriptor (bearer token or API
// key) into an Identity{user_id, tenant_id, scopes, method}, per the
// spec's C1 component. Bearer tokens are verified by hand-rolled
// HMAC-SHA256 rather than a JWT library, since no example in the
// retrieval pack declares a vetted JWT dependency in its own go.mod.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Method records which credential type produced an Identity.
type Method string

const (
	MethodBearer Method = "bearer"
	MethodAPIKey Method = "api_key"
)

// Identity is the resolved caller context threaded through every
// downstream store access as a mandatory tenant_id parameter.
type Identity struct {
	UserID   string
	TenantID string
	Scopes   []string
	Method   Method
}

// HasScope reports whether scopes grants access to resource, honoring
// the wildcard forms "*" and "<resource>:*".
func (i Identity) HasScope(resource string) bool {
	for _, s := range i.Scopes {
		if s == "*" || s == resource {
			return true
		}
		if strings.HasSuffix(s, ":*") {
			prefix := strings.TrimSuffix(s, "*")
			if strings.HasPrefix(resource, prefix) {
				return true
			}
		}
	}
	return false
}

var (
	ErrInvalidToken = errors.New("identity: invalid bearer token")
	ErrExpiredToken = errors.New("identity: expired bearer token")
)

// claims is the bearer token's payload shape: user_id, tenant_id, exp,
// iat, nbf, and a token kind discriminator.
type claims struct {
	UserID   string   `json:"user_id"`
	TenantID string   `json:"tenant_id"`
	Scopes   []string `json:"scopes"`
	Kind     string   `json:"kind"`
	Exp      int64    `json:"exp"`
	Iat      int64    `json:"iat"`
	Nbf      int64    `json:"nbf"`
}

// VerifyBearerToken verifies a `header.payload.signature` HS256 token
// against secret (the tenant-wide symmetric secret), checking exp/nbf,
// and requiring kind == "access" (other kinds, e.g. "refresh", are
// rejected here as wrong-kind tokens per the spec's C1 description).
func VerifyBearerToken(token, secret string) (Identity, error) {
	if token == "" || secret == "" {
		return Identity{}, ErrInvalidToken
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Identity{}, ErrInvalidToken
	}

	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil || header.Alg != "HS256" {
		return Identity{}, ErrInvalidToken
	}

	signingInput := []byte(parts[0] + "." + parts[1])
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(signingInput)
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	if !hmac.Equal(signature, mac.Sum(nil)) {
		return Identity{}, ErrInvalidToken
	}

	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	var c claims
	if err := json.Unmarshal(payloadRaw, &c); err != nil {
		return Identity{}, ErrInvalidToken
	}

	now := time.Now().Unix()
	if c.Exp != 0 && c.Exp < now {
		return Identity{}, ErrExpiredToken
	}
	if c.Nbf != 0 && c.Nbf > now {
		return Identity{}, ErrInvalidToken
	}
	if c.Kind != "" && c.Kind != "access" {
		return Identity{}, ErrInvalidToken
	}
	if c.TenantID == "" {
		return Identity{}, ErrInvalidToken
	}

	return Identity{
		UserID:   c.UserID,
		TenantID: c.TenantID,
		Scopes:   c.Scopes,
		Method:   MethodBearer,
	}, nil
}

// APIKeyLookup resolves a hashed API key to its owning tenant/scopes;
// implemented by internal/store and passed in so this package stays free
// of a database dependency.
type APIKeyLookup interface {
	LookupAPIKeyHash(hash []byte) (tenantID, userID string, scopes []string, revoked bool, expiresAt *time.Time, ok bool)
}

var ErrInvalidAPIKey = errors.New("identity: invalid api key")

const apiKeyPrefix = "axon_"

// VerifyAPIKey hashes key and looks the hash up via lookup, filtering to
// non-revoked, unexpired keys. It makes no hash comparison of its own;
// how the hash is matched is up to lookup (the store matches it by SQL
// equality, not a constant-time comparison).
func VerifyAPIKey(key string, lookup APIKeyLookup) (Identity, error) {
	if !strings.HasPrefix(key, apiKeyPrefix) {
		return Identity{}, ErrInvalidAPIKey
	}
	sum := sha256.Sum256([]byte(key))
	tenantID, userID, scopes, revoked, expiresAt, ok := lookup.LookupAPIKeyHash(sum[:])
	if !ok || revoked {
		return Identity{}, ErrInvalidAPIKey
	}
	if expiresAt != nil && expiresAt.Before(time.Now()) {
		return Identity{}, ErrInvalidAPIKey
	}
	return Identity{
		UserID:   userID,
		TenantID: tenantID,
		Scopes:   scopes,
		Method:   MethodAPIKey,
	}, nil
}

// HashAPIKey returns the stored-form hash of a plaintext API key, used
// both when minting new keys and when looking one up.
func HashAPIKey(key string) []byte {
	sum := sha256.Sum256([]byte(key))
	return sum[:]
}

// ConstantTimeEqual is exposed for callers (e.g. store implementations
// backed by something other than a direct byte-equality index) that need
// to compare hashes themselves.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
