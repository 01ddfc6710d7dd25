package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
listen:
  address: "0.0.0.0:5656"

backend:
  host: localhost
  port: 5432
  database: testdb
  username: testuser
  password: testpass

compiler:
  address: localhost:5660
  timeout: 5s

cache:
  capacity: 500
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.Address != "0.0.0.0:5656" {
		t.Errorf("expected listen address 0.0.0.0:5656, got %s", cfg.Listen.Address)
	}
	if cfg.Backend.Port != 5432 {
		t.Errorf("expected backend port 5432, got %d", cfg.Backend.Port)
	}
	if cfg.Compiler.Timeout != 5*time.Second {
		t.Errorf("expected compiler timeout 5s, got %v", cfg.Compiler.Timeout)
	}
	if cfg.Cache.Capacity != 500 {
		t.Errorf("expected cache capacity 500, got %d", cfg.Cache.Capacity)
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	os.Setenv("TEST_DB_PASSWORD", "secret123")
	defer os.Unsetenv("TEST_DB_PASSWORD")

	yaml := `
backend:
  host: localhost
  database: testdb
  username: user
  password: ${TEST_DB_PASSWORD}
compiler:
  address: localhost:5660
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Backend.Password != "secret123" {
		t.Errorf("expected password secret123, got %s", cfg.Backend.Password)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing backend host",
			yaml: `
backend:
  database: db
compiler:
  address: localhost:5660
`,
		},
		{
			name: "missing backend database",
			yaml: `
backend:
  host: localhost
compiler:
  address: localhost:5660
`,
		},
		{
			name: "unsupported auth mode",
			yaml: `
backend:
  host: localhost
  database: db
compiler:
  address: localhost:5660
auth:
  mode: ldap
`,
		},
		{
			name: "missing compiler address without passthrough",
			yaml: `
backend:
  host: localhost
  database: db
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTemp(t, tt.yaml)
			_, err := Load(path)
			if err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	yaml := `
backend:
  host: localhost
  database: testdb
compiler:
  passthrough: true
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.Address != "0.0.0.0:5656" {
		t.Errorf("expected default listen address, got %s", cfg.Listen.Address)
	}
	if cfg.Backend.Port != 5432 {
		t.Errorf("expected default backend port 5432, got %d", cfg.Backend.Port)
	}
	if cfg.Cache.Capacity != 1000 {
		t.Errorf("expected default cache capacity 1000, got %d", cfg.Cache.Capacity)
	}
	if cfg.Auth.Mode != "accept_all" {
		t.Errorf("expected default auth mode accept_all, got %s", cfg.Auth.Mode)
	}
	if cfg.Schema.StateTable != "_edgecon_state" {
		t.Errorf("expected default state table name, got %s", cfg.Schema.StateTable)
	}
	if cfg.Schema.SavepointTable != "_edgecon_current_savepoint" {
		t.Errorf("expected default savepoint table name, got %s", cfg.Schema.SavepointTable)
	}
}

func TestRedactedMasksSecrets(t *testing.T) {
	cfg := Config{
		Backend: BackendConfig{Password: "hunter2"},
		Auth:    AuthConfig{Mode: "static", Users: map[string]string{"edgedb": "hunter2"}},
	}
	r := cfg.Redacted()
	if r.Backend.Password == "hunter2" {
		t.Error("expected backend password redacted")
	}
	if r.Auth.Users["edgedb"] == "hunter2" {
		t.Error("expected static user password redacted")
	}
	if cfg.Backend.Password != "hunter2" {
		t.Error("Redacted must not mutate the receiver")
	}
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}
