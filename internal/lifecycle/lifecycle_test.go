package lifecycle

import (
	"encoding/json"
	"testing"

	"axontask/internal/store"
)

func TestTerminalStateMapsEventKindToTaskState(t *testing.T) {
	cases := map[store.EventKind]store.TaskState{
		store.KindSuccess:  store.Succeeded,
		store.KindCanceled: store.Canceled,
		store.KindTimedOut: store.TimedOut,
		store.KindError:    store.Failed,
	}
	for kind, want := range cases {
		if got := terminalState(kind); got != want {
			t.Errorf("terminalState(%s) = %s, want %s", kind, got, want)
		}
	}
}

func TestExtractOutcomeParsesExitCodeAndMessage(t *testing.T) {
	payload, _ := json.Marshal(map[string]any{"exit_code": 3, "message": "boom"})
	exitCode, message := extractOutcome(payload)
	if exitCode == nil || *exitCode != 3 {
		t.Fatalf("expected exit code 3, got %v", exitCode)
	}
	if message != "boom" {
		t.Fatalf("expected message boom, got %q", message)
	}
}

func TestExtractOutcomeToleratesMissingFields(t *testing.T) {
	payload, _ := json.Marshal(map[string]any{})
	exitCode, message := extractOutcome(payload)
	if exitCode != nil {
		t.Fatalf("expected nil exit code, got %v", exitCode)
	}
	if message != "" {
		t.Fatalf("expected empty message, got %q", message)
	}
}

func TestPlanPriorityOrdersEnterpriseFirst(t *testing.T) {
	p := planPriority()
	if p["enterprise"] >= p["pro"] || p["pro"] >= p["entry"] || p["entry"] >= p["trial"] {
		t.Fatalf("expected strictly increasing priority values enterprise<pro<entry<trial, got %+v", p)
	}
}
