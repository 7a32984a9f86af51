package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loom.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 9000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 9000 {
		t.Errorf("HTTPPort = %d, want 9000", cfg.Server.HTTPPort)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Host = %q, want default", cfg.Server.Host)
	}
	if cfg.Modules.CacheTTL != time.Hour {
		t.Errorf("CacheTTL = %v, want 1h", cfg.Modules.CacheTTL)
	}
	if cfg.Scheduler.TickInterval != 10*time.Second {
		t.Errorf("TickInterval = %v, want 10s", cfg.Scheduler.TickInterval)
	}
	if cfg.Agent.MaxIterations != 8 {
		t.Errorf("MaxIterations = %d, want 8", cfg.Agent.MaxIterations)
	}
	if cfg.Tasks.MaxTerminalSessions != 5 {
		t.Errorf("MaxTerminalSessions = %d, want 5", cfg.Tasks.MaxTerminalSessions)
	}
	if cfg.Scheduler.MaxBackoff != 300*time.Second {
		t.Errorf("MaxBackoff = %v, want 300s", cfg.Scheduler.MaxBackoff)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 0.0.0.0
  extra: true
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadValidatesDatabaseDriver(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: oracle
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "database.driver") {
		t.Fatalf("expected database.driver error, got %v", err)
	}
}

func TestLoadValidatesPostgresURL(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: postgres
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "database.url") {
		t.Fatalf("expected database.url error, got %v", err)
	}
}

func TestLoadValidatesModuleEndpoints(t *testing.T) {
	path := writeConfig(t, `
modules:
  endpoints:
    research: ftp://bad
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "modules.endpoints.research") {
		t.Fatalf("expected endpoint error, got %v", err)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("LOOM_TEST_SECRET", "sekrit")
	path := writeConfig(t, `
auth:
  jwt_secret: ${LOOM_TEST_SECRET}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != "sekrit" {
		t.Errorf("JWTSecret = %q, want expanded value", cfg.Auth.JWTSecret)
	}
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(base, []byte("scheduler:\n  max_concurrent: 8\n"), 0o644); err != nil {
		t.Fatalf("write base: %v", err)
	}
	main := filepath.Join(dir, "loom.yaml")
	if err := os.WriteFile(main, []byte("$include: base.yaml\nserver:\n  http_port: 7070\n"), 0o644); err != nil {
		t.Fatalf("write main: %v", err)
	}

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scheduler.MaxConcurrent != 8 {
		t.Errorf("MaxConcurrent = %d, want 8 from include", cfg.Scheduler.MaxConcurrent)
	}
	if cfg.Server.HTTPPort != 7070 {
		t.Errorf("HTTPPort = %d, want 7070", cfg.Server.HTTPPort)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	if err := os.WriteFile(a, []byte("$include: b.yaml\n"), 0o644); err != nil {
		t.Fatalf("write a: %v", err)
	}
	if err := os.WriteFile(b, []byte("$include: a.yaml\n"), 0o644); err != nil {
		t.Fatalf("write b: %v", err)
	}

	if _, err := Load(a); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.json5")
	content := `{
  // comments are allowed in json5
  server: { http_port: 8111 },
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 8111 {
		t.Errorf("HTTPPort = %d, want 8111", cfg.Server.HTTPPort)
	}
}
