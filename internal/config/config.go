// Package config loads the broker's environment-based configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for the broker daemon.
type Config struct {
	// MasterKey protects secrets at rest. A 64-hex-character value is used
	// as raw AES-256 key bytes; anything else is hashed as a passphrase.
	MasterKey string `env:"MASTER_KEY"`

	// StateSigningKey signs authorization state tokens. Optional; a random
	// per-process key is generated when empty, which invalidates in-flight
	// authorizations across restarts.
	StateSigningKey string `env:"STATE_SIGNING_KEY"`

	// RedirectDomainAllowlist is the comma-separated set of domains client
	// redirect URIs may point at. Registration is refused while it is empty.
	RedirectDomainAllowlist []string `env:"REDIRECT_DOMAIN_ALLOWLIST"`

	// Upstream Google OAuth application credentials.
	GoogleClientID     string   `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string   `env:"GOOGLE_CLIENT_SECRET"`
	GoogleScopes       []string `env:"GOOGLE_SCOPES"`

	// BaseURL is the externally visible origin of this broker; the upstream
	// callback URL is derived from it.
	BaseURL    string `env:"BASE_URL" envDefault:"http://localhost:8080"`
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// DBPath is the SQLite database file path.
	DBPath string `env:"DB_PATH" envDefault:"authbroker.db"`

	AuthCodeTTL time.Duration `env:"AUTH_CODE_TTL" envDefault:"90s"`
	SessionTTL  time.Duration `env:"SESSION_TTL" envDefault:"1h"`
	StateTTL    time.Duration `env:"STATE_TTL"`

	EnableAPIKeys    bool `env:"ENABLE_API_KEYS" envDefault:"false"`
	ManualEnrollment bool `env:"MANUAL_ENROLLMENT" envDefault:"false"`

	TrustProxy        bool `env:"TRUST_PROXY" envDefault:"false"`
	TrustedProxyCount int  `env:"TRUSTED_PROXY_COUNT" envDefault:"1"`

	RateLimitQuota  int           `env:"RATE_LIMIT_QUOTA" envDefault:"30"`
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`

	EnableAuditLog  bool `env:"ENABLE_AUDIT_LOG" envDefault:"true"`
	EnableTelemetry bool `env:"ENABLE_TELEMETRY" envDefault:"false"`

	// Environment controls log format: "development" gets text logs,
	// anything else JSON.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate accumulates every configuration problem so the operator sees the
// full list at once.
func (c *Config) Validate() error {
	var problems []string

	if c.MasterKey == "" {
		problems = append(problems, "MASTER_KEY is required")
	}
	if c.GoogleClientID == "" {
		problems = append(problems, "GOOGLE_CLIENT_ID is required")
	}
	if c.GoogleClientSecret == "" {
		problems = append(problems, "GOOGLE_CLIENT_SECRET is required")
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		problems = append(problems, "BASE_URL must be an http or https URL")
	}
	if c.StateSigningKey != "" && len(c.StateSigningKey) < 32 {
		problems = append(problems, "STATE_SIGNING_KEY must be at least 32 bytes")
	}
	if c.TrustedProxyCount < 1 {
		problems = append(problems, "TRUSTED_PROXY_COUNT must be at least 1")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// CallbackURL derives the upstream redirect URL from the base URL.
func (c *Config) CallbackURL() string {
	return strings.TrimSuffix(c.BaseURL, "/") + "/auth/upstream/callback"
}
