package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"
)

func signToken(t *testing.T, secret string, payload map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256"}`))
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(body)
	signingInput := header + "." + payloadB64
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signingInput))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return signingInput + "." + sig
}

func TestVerifyBearerTokenValid(t *testing.T) {
	secret := "s3cr3t"
	token := signToken(t, secret, map[string]any{
		"user_id": "u1", "tenant_id": "t1", "scopes": []string{"tasks:*"},
		"kind": "access", "exp": time.Now().Add(time.Hour).Unix(),
	})
	id, err := VerifyBearerToken(token, secret)
	if err != nil {
		t.Fatalf("VerifyBearerToken error: %v", err)
	}
	if id.TenantID != "t1" || id.Method != MethodBearer {
		t.Fatalf("unexpected identity: %+v", id)
	}
	if !id.HasScope("tasks:read") {
		t.Fatalf("expected wildcard scope to match tasks:read")
	}
}

func TestVerifyBearerTokenExpired(t *testing.T) {
	secret := "s3cr3t"
	token := signToken(t, secret, map[string]any{
		"tenant_id": "t1", "exp": time.Now().Add(-time.Hour).Unix(),
	})
	if _, err := VerifyBearerToken(token, secret); err != ErrExpiredToken {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestVerifyBearerTokenWrongSecret(t *testing.T) {
	token := signToken(t, "right", map[string]any{"tenant_id": "t1"})
	if _, err := VerifyBearerToken(token, "wrong"); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyBearerTokenWrongKind(t *testing.T) {
	secret := "s3cr3t"
	token := signToken(t, secret, map[string]any{"tenant_id": "t1", "kind": "refresh"})
	if _, err := VerifyBearerToken(token, secret); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for wrong kind, got %v", err)
	}
}

type fakeLookup struct {
	hash      []byte
	tenantID  string
	userID    string
	scopes    []string
	revoked   bool
	expiresAt *time.Time
}

func (f fakeLookup) LookupAPIKeyHash(hash []byte) (string, string, []string, bool, *time.Time, bool) {
	if string(hash) != string(f.hash) {
		return "", "", nil, false, nil, false
	}
	return f.tenantID, f.userID, f.scopes, f.revoked, f.expiresAt, true
}

func TestVerifyAPIKeyValid(t *testing.T) {
	key := "axon_abc123"
	lookup := fakeLookup{hash: HashAPIKey(key), tenantID: "t1", userID: "u1", scopes: []string{"tasks:read"}}
	id, err := VerifyAPIKey(key, lookup)
	if err != nil {
		t.Fatalf("VerifyAPIKey error: %v", err)
	}
	if id.TenantID != "t1" || id.Method != MethodAPIKey {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestVerifyAPIKeyRevoked(t *testing.T) {
	key := "axon_abc123"
	lookup := fakeLookup{hash: HashAPIKey(key), tenantID: "t1", revoked: true}
	if _, err := VerifyAPIKey(key, lookup); err != ErrInvalidAPIKey {
		t.Fatalf("expected ErrInvalidAPIKey for revoked key, got %v", err)
	}
}

func TestVerifyAPIKeyWrongPrefix(t *testing.T) {
	if _, err := VerifyAPIKey("notaxonprefixed", fakeLookup{}); err != ErrInvalidAPIKey {
		t.Fatalf("expected ErrInvalidAPIKey for bad prefix, got %v", err)
	}
}

func TestVerifyAPIKeyExpired(t *testing.T) {
	key := "axon_expired"
	past := time.Now().Add(-time.Hour)
	lookup := fakeLookup{hash: HashAPIKey(key), tenantID: "t1", expiresAt: &past}
	if _, err := VerifyAPIKey(key, lookup); err != ErrInvalidAPIKey {
		t.Fatalf("expected ErrInvalidAPIKey for expired key, got %v", err)
	}
}
