// Package broker implements the credential and authorization broker: dynamic
// client registration against an operator redirect-domain allowlist, a
// PKCE-secured authorization-code flow delegated to an upstream identity
// provider, one-time code redemption for short-lived bearer sessions, and a
// static API key enrollment path. All persisted credentials are digests or
// ciphertext, never plaintext.
package broker

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/workspacehub/authbroker/configschema"
	"github.com/workspacehub/authbroker/instrumentation"
	"github.com/workspacehub/authbroker/providers"
	"github.com/workspacehub/authbroker/secrets"
	"github.com/workspacehub/authbroker/security"
	"github.com/workspacehub/authbroker/storage"
)

// Prefixes make leaked credentials recognizable in logs and scanners.
const (
	clientIDPrefix = "wsb_"
	apiKeyPrefix   = "wsk_"
)

// safeTruncate returns at most maxLen bytes of s, for logging prefixes of
// opaque values.
func safeTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// Broker coordinates the authorization state machine over a storage backend,
// a cipher, and the upstream provider bridge. All dependencies are injected;
// there is no package-level state.
type Broker struct {
	store    storage.Store
	cipher   *secrets.Cipher
	provider providers.Provider
	schema   *configschema.Schema
	auditor  *security.Auditor
	inst     *instrumentation.Instrumentation
	logger   *slog.Logger
	config   *Config

	// now is the clock, swappable in tests.
	now func() time.Time
}

// New creates a Broker. store, cipher, and provider are required; schema
// defaults to the Workspace schema, auditor to a disabled one.
func New(
	store storage.Store,
	cipher *secrets.Cipher,
	provider providers.Provider,
	config *Config,
	logger *slog.Logger,
) (*Broker, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cipher == nil {
		return nil, fmt.Errorf("cipher is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config, err := applyDefaults(config, logger)
	if err != nil {
		return nil, err
	}

	return &Broker{
		store:    store,
		cipher:   cipher,
		provider: provider,
		schema:   configschema.Default(),
		auditor:  security.NewAuditor(logger, nil, false),
		inst:     instrumentation.NewNoop(),
		logger:   logger,
		config:   config,
		now:      time.Now,
	}, nil
}

// SetAuditor installs a security auditor.
func (b *Broker) SetAuditor(a *security.Auditor) {
	if a != nil {
		b.auditor = a
	}
}

// SetInstrumentation installs metrics and tracing.
func (b *Broker) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		b.inst = inst
	}
}

// SetSchema overrides the active config schema.
func (b *Broker) SetSchema(s *configschema.Schema) {
	if s != nil {
		b.schema = s
	}
}

// Schema returns the active config schema, for the schema endpoint.
func (b *Broker) Schema() *configschema.Schema {
	return b.schema
}

// Config returns the effective configuration after defaults.
func (b *Broker) Config() *Config {
	return b.config
}

// APIKeysEnabled reports whether the static-key path is on.
func (b *Broker) APIKeysEnabled() bool {
	return b.config.EnableAPIKeys
}

// generateRandomToken creates a cryptographically random opaque value for
// client IDs, authorization codes, bearer tokens, and API keys.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
