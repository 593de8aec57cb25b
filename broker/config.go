package broker

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"
)

// Default TTLs. Codes are single-use and short lived; sessions have no
// refresh mechanism, expiry forces a new authorization.
const (
	DefaultAuthCodeTTL = 90 * time.Second
	DefaultSessionTTL  = 3600 * time.Second
)

// Config holds the broker's policy knobs.
type Config struct {
	// RedirectDomainAllowlist is the operator-configured set of acceptable
	// redirect-target domains. An entry matches its own hostname and any
	// subdomain. Registration fails closed when the list is empty.
	RedirectDomainAllowlist []string

	// StateSigningKey signs the flow-state token carried through the
	// upstream round trip. Generated at startup when empty, which
	// invalidates in-flight flows across restarts.
	StateSigningKey []byte

	// AuthCodeTTL bounds the window between code issuance and redemption.
	AuthCodeTTL time.Duration

	// SessionTTL is the lifetime of minted bearer sessions.
	SessionTTL time.Duration

	// StateTTL bounds the upstream round trip. Defaults to AuthCodeTTL.
	StateTTL time.Duration

	// EnableAPIKeys switches the static-key enrollment path on.
	EnableAPIKeys bool
}

// applyDefaults fills zero values and generates a signing key when none was
// configured.
func applyDefaults(config *Config, logger *slog.Logger) (*Config, error) {
	cfg := *config

	if cfg.AuthCodeTTL <= 0 {
		cfg.AuthCodeTTL = DefaultAuthCodeTTL
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = cfg.AuthCodeTTL
	}

	if len(cfg.StateSigningKey) == 0 {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate state signing key: %w", err)
		}
		cfg.StateSigningKey = key
		logger.Warn("no state signing key configured, generated an ephemeral one",
			"consequence", "in-flight authorization flows will not survive a restart")
	} else if len(cfg.StateSigningKey) < 32 {
		return nil, fmt.Errorf("state signing key must be at least 32 bytes, got %d", len(cfg.StateSigningKey))
	}

	return &cfg, nil
}
