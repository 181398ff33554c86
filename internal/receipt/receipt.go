// Package receipt signs and verifies the chain-root receipt returned by
// GetReceipt (spec.md §6): a structured record over a terminal task's
// final hash, signed so a holder can verify the event chain wasn't
// tampered with using only the chain root and the signing public key.
//
// No pack or original-source file implements receipt signing (it is a
// new operation this expansion adds); grounded directly on the
// existing bearer-token HMAC verification in internal/identity for the
// HMAC default path, with crypto/ed25519 as the asymmetric option the
// spec allows, plus a kid field for key rotation (spec.md §9 Open
// Question 3).
package receipt

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Algorithm names which signing scheme produced a Receipt's Signature.
type Algorithm string

const (
	AlgorithmHMACSHA256 Algorithm = "hmac-sha256"
	AlgorithmEd25519    Algorithm = "ed25519"
)

// Receipt is the structured record GetReceipt returns for a terminal
// task, per spec.md §6: the chain root (hash_curr at the final seq),
// the covered seq range, and a signature over its canonical bytes.
type Receipt struct {
	TaskID    string    `json:"task_id"`
	ChainRoot string    `json:"chain_root"` // hex-encoded hash_curr @ RangeTo
	RangeFrom uint64    `json:"range_from"`
	RangeTo   uint64    `json:"range_to"`
	Algorithm Algorithm `json:"algorithm"`
	KeyID     string    `json:"kid"`
	Signature string    `json:"signature"` // hex-encoded
}

// signingBytes returns the canonical byte sequence a Signer signs,
// covering every field except Signature itself.
func signingBytes(r Receipt) ([]byte, error) {
	unsigned := r
	unsigned.Signature = ""
	return json.Marshal(unsigned)
}

// Signer produces and verifies receipt signatures for one signing key,
// identified by KeyID so verifiers can resolve the right key across a
// rotation.
type Signer struct {
	KeyID     string
	Algorithm Algorithm

	hmacKey    []byte
	ed25519Key ed25519.PrivateKey
}

// NewHMACSigner builds a Signer using HMAC-SHA256, the default
// algorithm, matching the teacher's existing HMAC bearer-token
// verification primitive in internal/identity.
func NewHMACSigner(keyID string, key []byte) *Signer {
	return &Signer{KeyID: keyID, Algorithm: AlgorithmHMACSHA256, hmacKey: key}
}

// NewEd25519Signer builds a Signer using Ed25519, the asymmetric
// upgrade path spec.md §6 allows for holders who need verification
// without possessing the signing secret.
func NewEd25519Signer(keyID string, key ed25519.PrivateKey) *Signer {
	return &Signer{KeyID: keyID, Algorithm: AlgorithmEd25519, ed25519Key: key}
}

// Sign produces a Receipt for taskID covering [rangeFrom, rangeTo] with
// chainRoot as the chain hash at rangeTo.
func (s *Signer) Sign(taskID string, chainRoot []byte, rangeFrom, rangeTo uint64) (Receipt, error) {
	r := Receipt{
		TaskID:    taskID,
		ChainRoot: hex.EncodeToString(chainRoot),
		RangeFrom: rangeFrom,
		RangeTo:   rangeTo,
		Algorithm: s.Algorithm,
		KeyID:     s.KeyID,
	}

	msg, err := signingBytes(r)
	if err != nil {
		return Receipt{}, err
	}

	switch s.Algorithm {
	case AlgorithmHMACSHA256:
		mac := hmac.New(sha256.New, s.hmacKey)
		mac.Write(msg)
		r.Signature = hex.EncodeToString(mac.Sum(nil))
	case AlgorithmEd25519:
		sig := ed25519.Sign(s.ed25519Key, msg)
		r.Signature = hex.EncodeToString(sig)
	default:
		return Receipt{}, fmt.Errorf("receipt: unknown algorithm %q", s.Algorithm)
	}
	return r, nil
}

// VerifyHMAC checks r's signature against key, used when the verifier
// holds the same shared secret as the signer.
func VerifyHMAC(r Receipt, key []byte) (bool, error) {
	if r.Algorithm != AlgorithmHMACSHA256 {
		return false, fmt.Errorf("receipt: expected algorithm %q, got %q", AlgorithmHMACSHA256, r.Algorithm)
	}
	msg, err := signingBytes(r)
	if err != nil {
		return false, err
	}
	want, err := hex.DecodeString(r.Signature)
	if err != nil {
		return false, fmt.Errorf("receipt: malformed signature: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	got := mac.Sum(nil)
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

// VerifyEd25519 checks r's signature against pub, used when the
// verifier only holds the public key, not the signing secret.
func VerifyEd25519(r Receipt, pub ed25519.PublicKey) (bool, error) {
	if r.Algorithm != AlgorithmEd25519 {
		return false, fmt.Errorf("receipt: expected algorithm %q, got %q", AlgorithmEd25519, r.Algorithm)
	}
	msg, err := signingBytes(r)
	if err != nil {
		return false, err
	}
	sig, err := hex.DecodeString(r.Signature)
	if err != nil {
		return false, fmt.Errorf("receipt: malformed signature: %w", err)
	}
	return ed25519.Verify(pub, msg, sig), nil
}
