// ABOUTME: Configuration loading and parsing for edge-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete edge-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Auth      AuthConfig      `yaml:"auth"`
	Ceremony  CeremonyConfig  `yaml:"ceremony"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Audit     AuditConfig     `yaml:"audit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr       string        `yaml:"http_addr"`
	RequestTimeout time.Duration `yaml:"-"`
	CORSOrigin     string        `yaml:"cors_origin"`
	UpstreamURL    string        `yaml:"upstream_url"` // downstream business handler for /api/admin

	// Raw string value for YAML unmarshaling
	RequestTimeoutRaw string `yaml:"request_timeout"`
}

// StoreConfig selects and configures the credential store backend
type StoreConfig struct {
	// Backend is one of: memory, sqlite, bolt, redis
	Backend       string `yaml:"backend"`
	Path          string `yaml:"path"` // file path for sqlite and bolt
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// AuthConfig holds token and admin credential configuration. The signing
// secret and admin credentials have no defaults: startup fails without them.
type AuthConfig struct {
	SigningSecret     string        `yaml:"signing_secret"`
	KeyID             string        `yaml:"key_id"`
	Issuer            string        `yaml:"issuer"`
	Audience          string        `yaml:"audience"`
	AdminUsername     string        `yaml:"admin_username"`
	AdminPasswordHash string        `yaml:"admin_password_hash"` // bcrypt
	AdminEmail        string        `yaml:"admin_email"`
	Scope             []string      `yaml:"scope"`
	AccessTTL         time.Duration `yaml:"-"`
	RefreshTTL        time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	AccessTTLRaw  string `yaml:"access_ttl"`
	RefreshTTLRaw string `yaml:"refresh_ttl"`
}

// CeremonyConfig holds device ceremony configuration
type CeremonyConfig struct {
	Origin       string        `yaml:"origin"`
	ChallengeTTL time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	ChallengeTTLRaw string `yaml:"challenge_ttl"`
}

// RateLimitConfig holds login rate limiting configuration
type RateLimitConfig struct {
	LoginLimit int           `yaml:"login_limit"`
	Window     time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	WindowRaw string `yaml:"window"`
}

// AuditConfig holds audit event retention configuration
type AuditConfig struct {
	Retention time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	RetentionRaw string `yaml:"retention"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults for everything that may safely default. Credentials and the
// signing secret are deliberately absent.
const (
	DefaultHTTPAddr       = ":8787"
	DefaultRequestTimeout = 5 * time.Second
	DefaultIssuer         = "edge-gateway"
	DefaultAudience       = "admin-api"
	DefaultKeyID          = "k1"
	DefaultAccessTTL      = time.Hour
	DefaultRefreshTTL     = 30 * 24 * time.Hour
	DefaultChallengeTTL   = 5 * time.Minute
	DefaultLoginLimit     = 10
	DefaultLimitWindow    = time.Minute
	DefaultAuditRetention = 24 * time.Hour
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in everything that is safe to default.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = DefaultRequestTimeout
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = DefaultIssuer
	}
	if c.Auth.Audience == "" {
		c.Auth.Audience = DefaultAudience
	}
	if c.Auth.KeyID == "" {
		c.Auth.KeyID = DefaultKeyID
	}
	if len(c.Auth.Scope) == 0 {
		c.Auth.Scope = []string{"admin:read"}
	}
	if c.Auth.AccessTTL == 0 {
		c.Auth.AccessTTL = DefaultAccessTTL
	}
	if c.Auth.RefreshTTL == 0 {
		c.Auth.RefreshTTL = DefaultRefreshTTL
	}
	if c.Ceremony.ChallengeTTL == 0 {
		c.Ceremony.ChallengeTTL = DefaultChallengeTTL
	}
	if c.RateLimit.LoginLimit == 0 {
		c.RateLimit.LoginLimit = DefaultLoginLimit
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = DefaultLimitWindow
	}
	if c.Audit.Retention == 0 {
		c.Audit.Retention = DefaultAuditRetention
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The signing secret and admin credentials must come from config or
	// environment. There is no built-in fallback for any of them.
	if c.Auth.SigningSecret == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.Auth.AdminUsername == "" {
		return fmt.Errorf("auth.admin_username is required")
	}
	if c.Auth.AdminPasswordHash == "" {
		return fmt.Errorf("auth.admin_password_hash is required")
	}

	switch c.Store.Backend {
	case "memory":
	case "sqlite", "bolt":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the %s backend", c.Store.Backend)
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("store.backend must be one of memory, sqlite, bolt, redis (got %q)", c.Store.Backend)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.request_timeout", cfg.Server.RequestTimeoutRaw, &cfg.Server.RequestTimeout},
		{"auth.access_ttl", cfg.Auth.AccessTTLRaw, &cfg.Auth.AccessTTL},
		{"auth.refresh_ttl", cfg.Auth.RefreshTTLRaw, &cfg.Auth.RefreshTTL},
		{"ceremony.challenge_ttl", cfg.Ceremony.ChallengeTTLRaw, &cfg.Ceremony.ChallengeTTL},
		{"rate_limit.window", cfg.RateLimit.WindowRaw, &cfg.RateLimit.Window},
		{"audit.retention", cfg.Audit.RetentionRaw, &cfg.Audit.Retention},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
