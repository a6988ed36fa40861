package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("store.backend = %q, want memory", cfg.Store.Backend)
	}
	if cfg.Bus.Policy != "block" || cfg.Bus.BufferSize != 64 {
		t.Errorf("unexpected bus defaults: %+v", cfg.Bus)
	}
	if cfg.Reasoner.Timeout != 30*time.Second || cfg.Reasoner.MaxAttempts != 3 {
		t.Errorf("unexpected reasoner defaults: %+v", cfg.Reasoner)
	}
	if cfg.Orchestrator.GapThreshold != 0.7 {
		t.Errorf("orchestrator.gap_threshold = %v, want 0.7", cfg.Orchestrator.GapThreshold)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "squadron.yaml")
	doc := `
log:
  level: debug
store:
  backend: sqlite
  path: /tmp/test-cop.db
reasoner:
  timeout: 5s
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SQUADRON_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Store.Path != "/tmp/test-cop.db" {
		t.Errorf("file values not applied: %+v", cfg.Store)
	}
	if cfg.Reasoner.Timeout != 5*time.Second {
		t.Errorf("reasoner.timeout = %v, want 5s", cfg.Reasoner.Timeout)
	}
	// Environment wins over the file.
	if cfg.Log.Level != "warn" {
		t.Errorf("log.level = %q, want warn", cfg.Log.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
