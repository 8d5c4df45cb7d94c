package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dbbouncer/pgpooler/internal/pool"
)

func TestLoad(t *testing.T) {
	yaml := `
listen:
  postgres_port: 6432
  api_port: 8080

defaults:
  pool_mode: transaction
  pool_size: 20
  server_idle_timeout: 10m
  query_wait_timeout: 2m

databases:
  testdb:
    host: localhost
    port: 5432
    dbname: testdb
    users:
      testuser:
        password: testpass
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.PostgresPort != 6432 {
		t.Errorf("expected postgres port 6432, got %d", cfg.Listen.PostgresPort)
	}
	if cfg.Defaults.PoolSize != 20 {
		t.Errorf("expected pool size 20, got %d", cfg.Defaults.PoolSize)
	}
	if cfg.Defaults.ServerIdleTimeout != 10*time.Minute {
		t.Errorf("expected server idle timeout 10m, got %v", cfg.Defaults.ServerIdleTimeout)
	}

	dc, ok := cfg.Databases["testdb"]
	if !ok {
		t.Fatal("testdb not found")
	}
	if dc.Host != "localhost" {
		t.Errorf("expected host localhost, got %s", dc.Host)
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	os.Setenv("TEST_DB_PASSWORD", "secret123")
	defer os.Unsetenv("TEST_DB_PASSWORD")

	yaml := `
databases:
  test:
    host: localhost
    port: 5432
    dbname: testdb
    users:
      user:
        password: ${TEST_DB_PASSWORD}
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	uc := cfg.Databases["test"].Users["user"]
	if uc.Password != "secret123" {
		t.Errorf("expected password secret123, got %s", uc.Password)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing host",
			yaml: `
databases:
  t1:
    port: 5432
    dbname: db
`,
		},
		{
			name: "missing port",
			yaml: `
databases:
  t1:
    host: localhost
    dbname: db
`,
		},
		{
			name: "missing dbname",
			yaml: `
databases:
  t1:
    host: localhost
    port: 5432
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
databases: {}
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.PostgresPort != 6432 {
		t.Errorf("expected default postgres port 6432, got %d", cfg.Listen.PostgresPort)
	}
	if cfg.Listen.APIPort != 8080 {
		t.Errorf("expected default api port 8080, got %d", cfg.Listen.APIPort)
	}
	if cfg.Defaults.PoolSize != 20 {
		t.Errorf("expected default pool size 20, got %d", cfg.Defaults.PoolSize)
	}
	if cfg.Defaults.PoolMode != "session" {
		t.Errorf("expected default pool mode session, got %s", cfg.Defaults.PoolMode)
	}
}

func TestResolveAppliesDefaultsAndOverrides(t *testing.T) {
	yaml := `
defaults:
  pool_mode: transaction
  pool_size: 20

databases:
  testdb:
    host: localhost
    port: 5432
    dbname: testdb
    pool_size: 50
    users:
      alice:
        password: secret
        auth_method: scram-sha-256
`
	path := writeTemp(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	databases, users, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	db, ok := databases["testdb"]
	if !ok {
		t.Fatal("testdb not resolved")
	}
	if db.PoolMode != pool.PoolModeTransaction {
		t.Errorf("expected transaction pool mode, got %s", db.PoolMode)
	}
	if db.PoolSize != 50 {
		t.Errorf("expected overridden pool size 50, got %d", db.PoolSize)
	}
	if len(db.Hosts) != 1 || db.Hosts[0] != "localhost" {
		t.Errorf("expected hosts [localhost], got %v", db.Hosts)
	}

	cred, ok := db.Users["alice"]
	if !ok {
		t.Fatal("alice credential not resolved")
	}
	if cred.Method != pool.AuthMethodSCRAMSHA256 {
		t.Errorf("expected SCRAM-SHA-256 auth method, got %v", cred.Method)
	}

	if _, ok := users["alice"]; !ok {
		t.Error("expected alice registered as a GlobalUser")
	}
}

func TestResolveRejectsUnknownAuthMethod(t *testing.T) {
	yaml := `
databases:
  testdb:
    host: localhost
    port: 5432
    dbname: testdb
    users:
      alice:
        auth_method: kerberos
`
	path := writeTemp(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, _, err := Resolve(cfg); err == nil {
		t.Error("expected error for unsupported auth_method")
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
