package adapter

import (
	"context"
	"encoding/json"
	"testing"
)

type fakeAdapter struct{ name string }

func (f fakeAdapter) Name() string { return f.name }

func (f fakeAdapter) ValidateArgs(args json.RawMessage) error { return nil }

func (f fakeAdapter) Start(ctx context.Context, args json.RawMessage) (<-chan Event, error) {
	ch := make(chan Event, 1)
	ev, _ := SuccessEvent(0)
	ch <- ev
	close(ch)
	return ch, nil
}

func TestEventKindIsTerminal(t *testing.T) {
	tests := map[EventKind]bool{
		Started: false, Progress: false, Stdout: false, Stderr: false,
		Success: true, Error: true, Canceled: true, TimedOut: true,
	}
	for kind, want := range tests {
		if got := kind.IsTerminal(); got != want {
			t.Fatalf("%s.IsTerminal() = %v, want %v", kind, got, want)
		}
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry(fakeAdapter{name: "fake"})
	got, err := r.Lookup("fake")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Name() != "fake" {
		t.Fatalf("unexpected adapter: %+v", got)
	}
	if _, err := r.Lookup("nonexistent"); err != ErrUnknownAdapter {
		t.Fatalf("expected ErrUnknownAdapter, got %v", err)
	}
}

func TestRegistryNames(t *testing.T) {
	r := NewRegistry(fakeAdapter{name: "a"}, fakeAdapter{name: "b"})
	names := r.Names()
	if len(names) != 2 {
		t.Fatalf("expected 2 names, got %d: %v", len(names), names)
	}
}

func TestEventConstructorsProduceValidJSON(t *testing.T) {
	ev, err := StartedEvent(map[string]any{"adapter": "mock"})
	if err != nil {
		t.Fatalf("StartedEvent: %v", err)
	}
	if ev.Kind != Started {
		t.Fatalf("unexpected kind: %s", ev.Kind)
	}
	if len(ev.Payload) == 0 {
		t.Fatalf("expected non-empty payload")
	}

	success, err := SuccessEvent(0)
	if err != nil {
		t.Fatalf("SuccessEvent: %v", err)
	}
	if success.Kind != Success {
		t.Fatalf("unexpected kind: %s", success.Kind)
	}
}
