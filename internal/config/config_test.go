package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"podforge/internal/config"
)

func TestDefaultValidatesWithSecret(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.JWTSecret = "secret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config with secret should validate: %v", err)
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.DataDir = ""
	cfg.Queue.LeaseSeconds = 0
	cfg.Workflow.Workers = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation failure")
	}
	for _, want := range []string{"paths.data_dir", "auth.jwt_secret", "queue.lease_seconds", "workflow.workers"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("validation error should mention %s: %v", want, err)
		}
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.Server.Bind != "127.0.0.1:8480" {
		t.Errorf("defaults not applied: %q", cfg.Server.Bind)
	}
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `
[server]
bind = "0.0.0.0:9000"

[auth]
jwt_secret = "from-file"

[queue]
max_attempts = 7
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Bind != "0.0.0.0:9000" {
		t.Errorf("bind not overlaid: %q", cfg.Server.Bind)
	}
	if cfg.Auth.JWTSecret != "from-file" {
		t.Errorf("secret not overlaid: %q", cfg.Auth.JWTSecret)
	}
	if cfg.Queue.MaxAttempts != 7 {
		t.Errorf("max attempts not overlaid: %d", cfg.Queue.MaxAttempts)
	}
	// Untouched sections keep their defaults.
	if cfg.Queue.LeaseSeconds != 120 {
		t.Errorf("lease default lost: %d", cfg.Queue.LeaseSeconds)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[server\nbind ="), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := config.Load(path); err == nil {
		t.Fatal("malformed TOML should error")
	}
}

func TestWriteSampleRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := config.WriteSample(path); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	if err := config.WriteSample(path); err == nil {
		t.Fatal("second write should refuse to overwrite")
	}

	// The sample parses back through Load.
	if _, err := config.Load(path); err != nil {
		t.Errorf("sample config does not parse: %v", err)
	}
}

func TestEnsureDirectories(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.LogDir} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("directory %s not created: %v", dir, err)
		}
	}
}
