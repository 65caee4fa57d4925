package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWithoutPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Path != "turnengine.db" {
		t.Errorf("Store.Path = %q, want default", cfg.Store.Path)
	}
	if cfg.Tools.MaxRounds != 8 {
		t.Errorf("Tools.MaxRounds = %d, want 8", cfg.Tools.MaxRounds)
	}
}

func TestLoadOverlaysYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "store:\n  path: custom.db\ntools:\n  max_rounds: 3\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Path != "custom.db" {
		t.Errorf("Store.Path = %q, want custom.db", cfg.Store.Path)
	}
	if cfg.Tools.MaxRounds != 3 {
		t.Errorf("Tools.MaxRounds = %d, want 3", cfg.Tools.MaxRounds)
	}
	if cfg.Session.ContextWindowTokens != 128000 {
		t.Errorf("Session.ContextWindowTokens = %d, want default 128000 to survive partial overlay", cfg.Session.ContextWindowTokens)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("store:\n  bogus_field: 1\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load: expected error for unknown field, got nil")
	}
}

func TestValidateRejectsFutureVersion(t *testing.T) {
	cfg := Default()
	cfg.Version = CurrentVersion + 1
	if err := Validate(cfg); err == nil {
		t.Fatal("Validate: expected error for future version, got nil")
	}
}

func TestValidateRequiresStorePath(t *testing.T) {
	cfg := Default()
	cfg.Store.Path = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("Validate: expected error for empty store path, got nil")
	}
}

func TestEnvOverridesApply(t *testing.T) {
	t.Setenv("TURNENGINE_STORE_PATH", "/tmp/env.db")
	t.Setenv("TURNENGINE_LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Path != "/tmp/env.db" {
		t.Errorf("Store.Path = %q, want env override", cfg.Store.Path)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}
