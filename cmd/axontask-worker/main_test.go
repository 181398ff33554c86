package main

import "testing"

func TestBuildRegistryOnlyIncludesAllowedAdapters(t *testing.T) {
	reg := buildRegistry([]string{"mock", "shell"})

	if _, err := reg.Lookup("mock"); err != nil {
		t.Errorf("expected mock to be registered: %v", err)
	}
	if _, err := reg.Lookup("shell"); err != nil {
		t.Errorf("expected shell to be registered: %v", err)
	}
	if _, err := reg.Lookup("container"); err == nil {
		t.Errorf("expected container to be excluded when not in the allow-list")
	}
}

func TestBuildRegistryEmptyAllowListRegistersNothing(t *testing.T) {
	reg := buildRegistry(nil)
	if len(reg.Names()) != 0 {
		t.Errorf("expected no adapters registered, got %v", reg.Names())
	}
}
