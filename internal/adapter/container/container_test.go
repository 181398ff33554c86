package container

import (
	"encoding/json"
	"testing"
)

func TestValidateArgsRequiresImage(t *testing.T) {
	a := New()
	args, _ := json.Marshal(Config{Command: []string{"echo", "hi"}})
	if err := a.ValidateArgs(args); err == nil {
		t.Fatalf("expected error for missing image")
	}
}

func TestValidateArgsAcceptsImage(t *testing.T) {
	a := New()
	args, _ := json.Marshal(Config{Image: "alpine:latest", Command: []string{"echo", "hi"}})
	if err := a.ValidateArgs(args); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBuildRunArgsIncludesEnvMountsImageCommand(t *testing.T) {
	cfg := Config{
		Image:   "alpine:latest",
		Command: []string{"echo", "hi"},
		Env:     map[string]string{"FOO": "bar"},
		Mounts:  []string{"/host:/container"},
	}
	args := buildRunArgs(cfg)

	var sawEnv, sawMount, sawImage bool
	for i, a := range args {
		if a == "-e" && i+1 < len(args) && args[i+1] == "FOO=bar" {
			sawEnv = true
		}
		if a == "-v" && i+1 < len(args) && args[i+1] == "/host:/container" {
			sawMount = true
		}
		if a == "alpine:latest" {
			sawImage = true
		}
	}
	if !sawEnv || !sawMount || !sawImage {
		t.Fatalf("buildRunArgs missing expected flags: %+v", args)
	}
	if args[len(args)-2] != "echo" || args[len(args)-1] != "hi" {
		t.Fatalf("expected command to trail args, got %+v", args)
	}
}
