// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, defaults and validation

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
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

const minimalConfig = `
auth:
  signing_secret: "test-secret-test-secret-test-secret"
  admin_username: "admin_1477"
  admin_password_hash: "$2a$10$abcdefghijklmnopqrstuv"
`

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:9000"
  request_timeout: "10s"
  cors_origin: "https://admin.example.com"

store:
  backend: "sqlite"
  path: "./test.db"

auth:
  signing_secret: "test-secret-test-secret-test-secret"
  admin_username: "admin_1477"
  admin_password_hash: "$2a$10$abcdefghijklmnopqrstuv"
  admin_email: "admin@example.com"
  scope:
    - "admin:read"
    - "admin:write"
  access_ttl: "30m"
  refresh_ttl: "168h"

ceremony:
  origin: "https://admin.example.com"
  challenge_ttl: "2m"

rate_limit:
  login_limit: 5
  window: "30s"

audit:
  retention: "48h"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:9000" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:9000")
	}
	if cfg.Server.RequestTimeout != 10*time.Second {
		t.Errorf("Server.RequestTimeout = %v, want 10s", cfg.Server.RequestTimeout)
	}
	if cfg.Store.Backend != "sqlite" {
		t.Errorf("Store.Backend = %q, want %q", cfg.Store.Backend, "sqlite")
	}
	if cfg.Store.Path != "./test.db" {
		t.Errorf("Store.Path = %q, want %q", cfg.Store.Path, "./test.db")
	}
	if cfg.Auth.AdminUsername != "admin_1477" {
		t.Errorf("Auth.AdminUsername = %q, want %q", cfg.Auth.AdminUsername, "admin_1477")
	}
	if cfg.Auth.AccessTTL != 30*time.Minute {
		t.Errorf("Auth.AccessTTL = %v, want 30m", cfg.Auth.AccessTTL)
	}
	if cfg.Auth.RefreshTTL != 168*time.Hour {
		t.Errorf("Auth.RefreshTTL = %v, want 168h", cfg.Auth.RefreshTTL)
	}
	if len(cfg.Auth.Scope) != 2 || cfg.Auth.Scope[0] != "admin:read" {
		t.Errorf("Auth.Scope = %v, want [admin:read admin:write]", cfg.Auth.Scope)
	}
	if cfg.Ceremony.ChallengeTTL != 2*time.Minute {
		t.Errorf("Ceremony.ChallengeTTL = %v, want 2m", cfg.Ceremony.ChallengeTTL)
	}
	if cfg.RateLimit.LoginLimit != 5 {
		t.Errorf("RateLimit.LoginLimit = %d, want 5", cfg.RateLimit.LoginLimit)
	}
	if cfg.Audit.Retention != 48*time.Hour {
		t.Errorf("Audit.Retention = %v, want 48h", cfg.Audit.Retention)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != DefaultHTTPAddr {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, DefaultHTTPAddr)
	}
	if cfg.Server.RequestTimeout != DefaultRequestTimeout {
		t.Errorf("Server.RequestTimeout = %v, want %v", cfg.Server.RequestTimeout, DefaultRequestTimeout)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("Store.Backend = %q, want %q", cfg.Store.Backend, "memory")
	}
	if cfg.Auth.Issuer != DefaultIssuer {
		t.Errorf("Auth.Issuer = %q, want %q", cfg.Auth.Issuer, DefaultIssuer)
	}
	if cfg.Auth.AccessTTL != DefaultAccessTTL {
		t.Errorf("Auth.AccessTTL = %v, want %v", cfg.Auth.AccessTTL, DefaultAccessTTL)
	}
	if cfg.Auth.RefreshTTL != DefaultRefreshTTL {
		t.Errorf("Auth.RefreshTTL = %v, want %v", cfg.Auth.RefreshTTL, DefaultRefreshTTL)
	}
	if len(cfg.Auth.Scope) != 1 || cfg.Auth.Scope[0] != "admin:read" {
		t.Errorf("Auth.Scope = %v, want [admin:read]", cfg.Auth.Scope)
	}
	if cfg.RateLimit.LoginLimit != DefaultLoginLimit {
		t.Errorf("RateLimit.LoginLimit = %d, want %d", cfg.RateLimit.LoginLimit, DefaultLoginLimit)
	}
	if cfg.Audit.Retention != DefaultAuditRetention {
		t.Errorf("Audit.Retention = %v, want %v", cfg.Audit.Retention, DefaultAuditRetention)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_EDGE_SECRET", "secret-from-env-secret-from-env")
	t.Setenv("TEST_EDGE_ADMIN", "admin_1477")

	cfg, err := Load(writeConfig(t, `
auth:
  signing_secret: "${TEST_EDGE_SECRET}"
  admin_username: "${TEST_EDGE_ADMIN}"
  admin_password_hash: "$2a$10$abcdefghijklmnopqrstuv"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.SigningSecret != "secret-from-env-secret-from-env" {
		t.Errorf("Auth.SigningSecret = %q, want expanded env value", cfg.Auth.SigningSecret)
	}
	if cfg.Auth.AdminUsername != "admin_1477" {
		t.Errorf("Auth.AdminUsername = %q, want %q", cfg.Auth.AdminUsername, "admin_1477")
	}
}

func TestLoad_MissingSecretFails(t *testing.T) {
	// An unset env var expands to empty, which must fail validation
	// rather than fall back to a built-in secret.
	os.Unsetenv("TEST_EDGE_UNSET_SECRET")

	_, err := Load(writeConfig(t, `
auth:
  signing_secret: "${TEST_EDGE_UNSET_SECRET}"
  admin_username: "admin_1477"
  admin_password_hash: "$2a$10$abcdefghijklmnopqrstuv"
`))
	if err == nil {
		t.Fatal("Load() should fail without a signing secret")
	}
	if !strings.Contains(err.Error(), "signing_secret") {
		t.Errorf("error = %v, want mention of signing_secret", err)
	}
}

func TestLoad_MissingAdminCredentialsFails(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name: "no username",
			content: `
auth:
  signing_secret: "test-secret-test-secret-test-secret"
  admin_password_hash: "$2a$10$abcdefghijklmnopqrstuv"
`,
			want: "admin_username",
		},
		{
			name: "no password hash",
			content: `
auth:
  signing_secret: "test-secret-test-secret-test-secret"
  admin_username: "admin_1477"
`,
			want: "admin_password_hash",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Load() should fail")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestLoad_StoreBackendValidation(t *testing.T) {
	tests := []struct {
		name    string
		store   string
		wantErr string
	}{
		{"unknown backend", "store:\n  backend: \"dynamo\"\n", "store.backend"},
		{"sqlite without path", "store:\n  backend: \"sqlite\"\n", "store.path"},
		{"bolt without path", "store:\n  backend: \"bolt\"\n", "store.path"},
		{"redis without addr", "store:\n  backend: \"redis\"\n", "store.redis_addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, minimalConfig+tt.store))
			if err == nil {
				t.Fatal("Load() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_BadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
audit:
  retention: "one day"
`))
	if err == nil {
		t.Fatal("Load() should fail on a malformed duration")
	}
	if !strings.Contains(err.Error(), "audit.retention") {
		t.Errorf("error = %v, want mention of audit.retention", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() should fail for a missing file")
	}
}
