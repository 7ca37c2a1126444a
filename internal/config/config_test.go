package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  port: 9000
  api_keys:
    secret-key: ci
manager:
  default_type: browser
  max_idle_s: 600
pool:
  default_size: 2
  sizes:
    browser: 1
ports:
  low: 50000
  high: 50255
state:
  driver: sqlite
  sqlite:
    path: /tmp/sanduku.db
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Server.ListenAddr(); got != "0.0.0.0:9000" {
		t.Errorf("ListenAddr = %q, want 0.0.0.0:9000", got)
	}
	if cfg.Manager.DefaultType != "browser" {
		t.Errorf("default type = %q", cfg.Manager.DefaultType)
	}
	if cfg.Manager.MaxIdle().Seconds() != 600 {
		t.Errorf("max idle = %v", cfg.Manager.MaxIdle())
	}
	if cfg.Pool.Sizes["browser"] != 1 {
		t.Errorf("pool size override = %d", cfg.Pool.Sizes["browser"])
	}
	if cfg.State.StateDriver() != "sqlite" {
		t.Errorf("state driver = %q", cfg.State.StateDriver())
	}
	low, high := cfg.Ports.Range()
	if low != 50000 || high != 50255 {
		t.Errorf("port range = [%d, %d]", low, high)
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
  "server": {"port": 8091},
  "backend": {"driver": "k8s", "kubernetes": {"namespace": "sandboxes"}}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.BackendDriver() != "k8s" {
		t.Errorf("backend driver = %q", cfg.Backend.BackendDriver())
	}
	if cfg.Backend.Kubernetes.Namespace != "sandboxes" {
		t.Errorf("namespace = %q", cfg.Backend.Kubernetes.Namespace)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", "server: {}\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Server.ListenAddr(); got != "0.0.0.0:8090" {
		t.Errorf("ListenAddr = %q", got)
	}
	if cfg.Backend.BackendDriver() != "docker" {
		t.Errorf("backend driver = %q", cfg.Backend.BackendDriver())
	}
	if cfg.State.StateDriver() != "memory" {
		t.Errorf("state driver = %q", cfg.State.StateDriver())
	}
	if !cfg.Manager.CleanupEnabled() {
		t.Error("auto-cleanup should default to true")
	}
	low, high := cfg.Ports.Range()
	if low != 49152 || high != 49407 {
		t.Errorf("default port range = [%d, %d]", low, high)
	}
}

func TestLoad_AutoCleanupExplicitFalse(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", "manager:\n  auto_cleanup: false\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Manager.CleanupEnabled() {
		t.Error("auto_cleanup: false should disable cleanup")
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad backend", "backend:\n  driver: lxc\n", "backend.driver"},
		{"bad state driver", "state:\n  driver: redis\n", "state.driver"},
		{"sqlite without path", "state:\n  driver: sqlite\n", "state.sqlite.path"},
		{"postgres without dsn", "state:\n  driver: postgres\n", "state.postgres.dsn"},
		{"inverted ports", "ports:\n  low: 60000\n  high: 50000\n", "ports range"},
		{"privileged ports", "ports:\n  low: 80\n  high: 90\n", "ports range"},
		{"type without image", "types:\n  - name: custom\n", "image is required"},
		{"duplicate type", "types:\n  - {name: a, image: x}\n  - {name: a, image: y}\n", "duplicate type"},
		{"archive without bucket", "archive:\n  enabled: true\n  access_key: ak\n  secret_key: sk\n", "archive.bucket"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "config.yaml", tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SANDUKU_TOKEN_SECRET", "from-env")
	t.Setenv("SANDUKU_DB_DSN", "postgres://env/db")
	t.Setenv("SANDUKU_API_KEYS", "k1:alice, k2:bob")

	cfg, err := Load(writeConfig(t, "config.yaml", `
manager:
  token_secret: from-file
state:
  driver: postgres
  postgres:
    dsn: postgres://file/db
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Manager.TokenSecret != "from-env" {
		t.Errorf("token secret = %q, want env value", cfg.Manager.TokenSecret)
	}
	if cfg.State.Postgres.DSN != "postgres://env/db" {
		t.Errorf("dsn = %q, want env value", cfg.State.Postgres.DSN)
	}
	if cfg.Server.APIKeys["k1"] != "alice" || cfg.Server.APIKeys["k2"] != "bob" {
		t.Errorf("api keys = %v", cfg.Server.APIKeys)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
