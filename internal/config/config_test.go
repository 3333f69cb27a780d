package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.OrchestratorName != "waiter" {
		t.Fatalf("OrchestratorName = %q, want %q", cfg.OrchestratorName, "waiter")
	}
	if cfg.MaxPatchRetries != 3 {
		t.Fatalf("MaxPatchRetries = %d, want 3", cfg.MaxPatchRetries)
	}
}

func TestLoad_FileOverridesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "orchestrator-name: my-waiter\npod-base-port: 40000\nmax-patch-retries: 7\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.OrchestratorName != "my-waiter" {
		t.Fatalf("OrchestratorName = %q, want %q", cfg.OrchestratorName, "my-waiter")
	}
	if cfg.PodBasePort != 40000 {
		t.Fatalf("PodBasePort = %d, want 40000", cfg.PodBasePort)
	}
	if cfg.MaxPatchRetries != 7 {
		t.Fatalf("MaxPatchRetries = %d, want 7", cfg.MaxPatchRetries)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("orchestrator-name: from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("WAITER_ORCHESTRATOR_NAME", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.OrchestratorName != "from-env" {
		t.Fatalf("OrchestratorName = %q, want %q (env must win)", cfg.OrchestratorName, "from-env")
	}
}

func TestGetEnvOrConfig_EnvWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("log-level: warn\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WAITER_LOG_LEVEL_BOOTSTRAP", "debug")

	got := GetEnvOrConfig("WAITER_LOG_LEVEL_BOOTSTRAP", "log-level", path, "info")
	if got != "debug" {
		t.Fatalf("GetEnvOrConfig() = %q, want %q", got, "debug")
	}
}

func TestGetEnvOrConfig_FallsBackToConfigFileThenDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("log-level: warn\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if got := GetEnvOrConfig("WAITER_LOG_LEVEL_BOOTSTRAP", "log-level", path, "info"); got != "warn" {
		t.Fatalf("GetEnvOrConfig() = %q, want %q (from config file)", got, "warn")
	}
	if got := GetEnvOrConfig("WAITER_LOG_LEVEL_BOOTSTRAP", "missing-key", path, "info"); got != "info" {
		t.Fatalf("GetEnvOrConfig() = %q, want %q (default)", got, "info")
	}
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v, want nil for a missing optional config file", err)
	}
	if cfg.OrchestratorName != Default().OrchestratorName {
		t.Fatalf("Load() with missing file should fall back to Default()")
	}
}
