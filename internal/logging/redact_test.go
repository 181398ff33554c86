package logging

import (
	"log/slog"
	"testing"
)

func TestShouldRedactKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{key: "payload", want: true},
		{key: "Error_Message", want: true},
		{key: "authorization", want: true},
		{key: "api_key", want: true},
		{key: "signing_key_id", want: true},
		{key: "adapter_name", want: false},
		{key: "task_id", want: false},
	}

	for _, tt := range tests {
		if got := shouldRedactKey(tt.key); got != tt.want {
			t.Fatalf("expected shouldRedactKey(%q)=%v, got %v", tt.key, tt.want, got)
		}
	}
}

func TestRedactAttrGroups(t *testing.T) {
	attr := slog.Group("task", slog.String("payload", "secret args"), slog.String("adapter_name", "shell"))
	redacted := redactAttr(attr)

	group := redacted.Value.Group()
	if len(group) != 2 {
		t.Fatalf("expected 2 group attrs, got %d", len(group))
	}

	if group[0].Value.String() != redactedValue {
		t.Fatalf("expected payload to be redacted, got %q", group[0].Value.String())
	}
	if group[1].Value.String() != "shell" {
		t.Fatalf("expected adapter_name to stay, got %q", group[1].Value.String())
	}
}
