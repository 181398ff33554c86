package remotedeploy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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

func TestValidateArgsRequiresStatusURL(t *testing.T) {
	a := New()
	args, _ := json.Marshal(Config{})
	if err := a.ValidateArgs(args); err == nil {
		t.Fatalf("expected error for missing status_url")
	}
}

func TestValidateArgsRejectsBadPollInterval(t *testing.T) {
	a := New()
	args, _ := json.Marshal(Config{StatusURL: "http://example.invalid", PollInterval: "not-a-duration"})
	if err := a.ValidateArgs(args); err == nil {
		t.Fatalf("expected error for invalid poll_interval")
	}
}

func TestRemoteDeploySucceeds(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			json.NewEncoder(w).Encode(statusResponse{State: "running", Message: "deploying"})
			return
		}
		json.NewEncoder(w).Encode(statusResponse{State: "succeeded"})
	}))
	defer srv.Close()

	a := New()
	args, _ := json.Marshal(Config{StatusURL: srv.URL, PollInterval: "5ms"})
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
}

func TestRemoteDeployFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(statusResponse{State: "failed", Message: "deploy rejected"})
	}))
	defer srv.Close()

	a := New()
	args, _ := json.Marshal(Config{StatusURL: srv.URL, PollInterval: "5ms"})
	ch, err := a.Start(context.Background(), args)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	events := drain(t, ch, 2*time.Second)
	last := events[len(events)-1]
	if last.Kind != adapter.Error {
		t.Fatalf("expected terminal Error, got %s", last.Kind)
	}
}

func TestRemoteDeployCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(statusResponse{State: "running"})
	}))
	defer srv.Close()

	a := New()
	args, _ := json.Marshal(Config{StatusURL: srv.URL, PollInterval: "5ms"})
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := a.Start(ctx, args)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	cancel()
	events := drain(t, ch, 2*time.Second)
	last := events[len(events)-1]
	if last.Kind != adapter.Canceled {
		t.Fatalf("expected terminal Canceled, got %s", last.Kind)
	}
}
