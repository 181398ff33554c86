package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestApplyFileConfigOverridesPlan(t *testing.T) {
	t.Setenv("AXONTASK_STORE_URL", "postgres://localhost/axontask")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	burst := 999
	fileCfg := &FileConfig{
		Plans: map[string]FilePlanOverride{
			"trial": {RateLimitBurst: &burst},
		},
	}

	if err := ApplyFileConfig(cfg, fileCfg); err != nil {
		t.Fatalf("ApplyFileConfig error: %v", err)
	}
	if cfg.Plans["trial"].RateLimitBurst != 999 {
		t.Fatalf("expected overridden burst 999, got %d", cfg.Plans["trial"].RateLimitBurst)
	}
	// untouched fields on the same plan must survive the override
	if cfg.Plans["trial"].ConcurrentTasks != 5 {
		t.Fatalf("expected unrelated field to be preserved, got %d", cfg.Plans["trial"].ConcurrentTasks)
	}
}

func TestApplyFileConfigRejectsUnknownPlan(t *testing.T) {
	t.Setenv("AXONTASK_STORE_URL", "postgres://localhost/axontask")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	fileCfg := &FileConfig{Plans: map[string]FilePlanOverride{"startup": {}}}
	if err := ApplyFileConfig(cfg, fileCfg); err == nil {
		t.Fatalf("expected error for unknown plan name")
	}
}

func TestLoadFileConfigYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "axontask.yaml")
	body := "bind_addr: \":9090\"\ndigest_every_n_events: 128\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	fileCfg, err := LoadFileConfig(path)
	if err != nil {
		t.Fatalf("LoadFileConfig error: %v", err)
	}
	if fileCfg.BindAddr != ":9090" {
		t.Fatalf("expected bind_addr :9090, got %s", fileCfg.BindAddr)
	}
	if fileCfg.DigestEveryNEvents == nil || *fileCfg.DigestEveryNEvents != 128 {
		t.Fatalf("expected digest_every_n_events 128")
	}
}

func TestLoadFileConfigRejectsUnknownField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "axontask.yaml")
	body := "not_a_real_field: true\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	if _, err := LoadFileConfig(path); err == nil {
		t.Fatalf("expected error for unknown config field")
	}
}

func TestResolveConfigPathPrefersFlag(t *testing.T) {
	path, err := ResolveConfigPath([]string{"--config", "/tmp/custom.yaml"})
	if err != nil {
		t.Fatalf("ResolveConfigPath error: %v", err)
	}
	if path != "/tmp/custom.yaml" {
		t.Fatalf("expected /tmp/custom.yaml, got %s", path)
	}
}
