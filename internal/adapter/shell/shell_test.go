package shell

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"axontask/internal/adapter"
)

func drain(t *testing.T, ch <-chan adapter.Event, timeout time.Duration) []adapter.Event {
	t.Helper()
	var events []adapter.Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("timed out draining adapter events")
		}
	}
}

func TestShellAdapterSuccess(t *testing.T) {
	a := New()
	args, _ := json.Marshal(Config{Command: []string{"echo", "hello"}})
	ch, err := a.Start(context.Background(), args)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	events := drain(t, ch, 2*time.Second)
	if len(events) < 2 {
		t.Fatalf("expected at least started+terminal events, got %d: %+v", len(events), events)
	}
	if events[0].Kind != adapter.Started {
		t.Fatalf("expected first event Started, got %s", events[0].Kind)
	}
	last := events[len(events)-1]
	if last.Kind != adapter.Success {
		t.Fatalf("expected terminal Success, got %s: %s", last.Kind, last.Payload)
	}

	var sawStdout bool
	for _, ev := range events {
		if ev.Kind == adapter.Stdout {
			sawStdout = true
		}
	}
	if !sawStdout {
		t.Fatalf("expected at least one Stdout event from echo")
	}
}

func TestShellAdapterNonZeroExit(t *testing.T) {
	a := New()
	args, _ := json.Marshal(Config{Command: []string{"sh", "-c", "exit 3"}})
	ch, err := a.Start(context.Background(), args)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	events := drain(t, ch, 2*time.Second)
	last := events[len(events)-1]
	if last.Kind != adapter.Error {
		t.Fatalf("expected terminal Error for non-zero exit, got %s", last.Kind)
	}
}

func TestShellAdapterTimeout(t *testing.T) {
	a := New()
	args, _ := json.Marshal(Config{Command: []string{"sleep", "5"}})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	ch, err := a.Start(ctx, args)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	events := drain(t, ch, 2*time.Second)
	last := events[len(events)-1]
	if last.Kind != adapter.TimedOut {
		t.Fatalf("expected terminal TimedOut, got %s", last.Kind)
	}
}

func TestShellAdapterValidateArgsRejectsEmptyCommand(t *testing.T) {
	a := New()
	args, _ := json.Marshal(Config{})
	if err := a.ValidateArgs(args); err == nil {
		t.Fatalf("expected error for empty command")
	}
}
