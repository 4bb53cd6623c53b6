package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

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

func TestLoadValidatesContainersRuntime(t *testing.T) {
	path := writeConfig(t, `
containers:
  runtime: kubernetes
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "containers.runtime") {
		t.Fatalf("expected containers.runtime error, got %v", err)
	}
}

func TestLoadValidatesDispatcherResumeFallback(t *testing.T) {
	path := writeConfig(t, `
dispatcher:
  resume_fallback: nope
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "resume_fallback") {
		t.Fatalf("expected resume_fallback error, got %v", err)
	}
}

func TestLoadValidatesGroupPolicyMode(t *testing.T) {
	path := writeConfig(t, `
dispatcher:
  groups:
    support:
      mode: nope
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "dispatcher.groups[support].mode") {
		t.Fatalf("expected group policy mode error, got %v", err)
	}
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 0.0.0.0
router:
  socket_dir: /tmp/carapace
containers:
  runtime: docker
dispatcher:
  resume_fallback: fresh
  groups:
    support:
      mode: resume
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected config to load, got %v", err)
	}
	if cfg.Containers.Runtime != "docker" {
		t.Fatalf("expected runtime docker, got %q", cfg.Containers.Runtime)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 0.0.0.0
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.GRPCPort != 50051 {
		t.Fatalf("expected default grpc port, got %d", cfg.Server.GRPCPort)
	}
	if cfg.Containers.Runtime != "docker" {
		t.Fatalf("expected default runtime docker, got %q", cfg.Containers.Runtime)
	}
	if cfg.Dispatcher.ResumeFallback != "fresh" {
		t.Fatalf("expected default resume_fallback fresh, got %q", cfg.Dispatcher.ResumeFallback)
	}
	if !cfg.RateLimit.Enabled {
		t.Fatalf("expected rate limit enabled by default")
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("CARAPACE_HOST", "127.0.0.1")
	t.Setenv("CARAPACE_GRPC_PORT", "55051")
	t.Setenv("CARAPACE_CONTAINER_RUNTIME", "firecracker")

	path := writeConfig(t, `
server:
  host: 0.0.0.0
  grpc_port: 50051
containers:
  runtime: docker
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("expected host override, got %q", cfg.Server.Host)
	}
	if cfg.Server.GRPCPort != 55051 {
		t.Fatalf("expected grpc port override, got %d", cfg.Server.GRPCPort)
	}
	if cfg.Containers.Runtime != "firecracker" {
		t.Fatalf("expected runtime override, got %q", cfg.Containers.Runtime)
	}
}

func TestLoadValidatesRateLimit(t *testing.T) {
	path := writeConfig(t, `
rate_limit:
  requests_per_second: -1
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "rate_limit.requests_per_second") {
		t.Fatalf("expected rate_limit.requests_per_second error, got %v", err)
	}
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "carapace.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}
