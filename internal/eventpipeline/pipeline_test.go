package eventpipeline

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestComputeHashSeqZeroUsesZeroPrev(t *testing.T) {
	h1, err := ComputeHash(nil, 0, "started", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	h2, err := ComputeHash(zeroHash, 0, "started", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	if !bytes.Equal(h1, h2) {
		t.Fatalf("expected nil hashPrev to behave like explicit zero hash")
	}
	if len(h1) != 32 {
		t.Fatalf("expected 32-byte hash, got %d", len(h1))
	}
}

func TestComputeHashChainsAcrossSeq(t *testing.T) {
	h0, err := ComputeHash(nil, 0, "started", json.RawMessage(`{"adapter":"mock"}`))
	if err != nil {
		t.Fatalf("ComputeHash seq0: %v", err)
	}
	h1, err := ComputeHash(h0, 1, "progress", json.RawMessage(`{"step":1,"percent":25}`))
	if err != nil {
		t.Fatalf("ComputeHash seq1: %v", err)
	}
	if bytes.Equal(h0, h1) {
		t.Fatalf("expected distinct hashes across seq")
	}

	// Recomputing with the same inputs must reproduce the same hash.
	h1Again, err := ComputeHash(h0, 1, "progress", json.RawMessage(`{"step":1,"percent":25}`))
	if err != nil {
		t.Fatalf("ComputeHash seq1 again: %v", err)
	}
	if !bytes.Equal(h1, h1Again) {
		t.Fatalf("expected deterministic hash for identical inputs")
	}
}

func TestComputeHashSensitiveToKind(t *testing.T) {
	payload := json.RawMessage(`{"x":1}`)
	h1, _ := ComputeHash(nil, 0, "started", payload)
	h2, _ := ComputeHash(nil, 0, "error", payload)
	if bytes.Equal(h1, h2) {
		t.Fatalf("expected kind to affect hash")
	}
}

func TestComputeHashSensitiveToPayloadKeyOrder(t *testing.T) {
	h1, err := ComputeHash(nil, 0, "started", json.RawMessage(`{"a":1,"b":2}`))
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	h2, err := ComputeHash(nil, 0, "started", json.RawMessage(`{"b":2,"a":1}`))
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	if !bytes.Equal(h1, h2) {
		t.Fatalf("expected canonicalization to make key order irrelevant")
	}
}
