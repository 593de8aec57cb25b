// Package storage defines the persistence interfaces and row types for the
// credential broker: registered clients, connections, authorization codes,
// bearer sessions, user configurations, and static API keys.
// Backends must never store raw codes, tokens, or keys, only their digests.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Sentinel errors returned by all backends.
var (
	ErrClientNotFound     = errors.New("client not found")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrAuthCodeNotFound   = errors.New("authorization code not found")
	ErrAuthCodeExpired    = errors.New("authorization code expired")
	ErrSessionNotFound    = errors.New("session not found")
	ErrAPIKeyNotFound     = errors.New("api key not found")
	ErrUserConfigNotFound = errors.New("user config not found")
	ErrCredentialNotFound = errors.New("upstream credential not found")
)

// Digest returns the hex-encoded SHA-256 digest of an opaque credential.
// It is the only form in which codes, bearer tokens, and API keys may be
// persisted or looked up.
func Digest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Client is a registered downstream client and its authoritative redirect set.
// Immutable after registration.
type Client struct {
	ClientID     string
	RedirectURIs []string
	CreatedAt    time.Time
}

// Connection represents one successful authorization grant. EncryptedSecrets
// holds a secrets.Cipher token over the schema's sensitive fields and may be
// empty when the upstream credential store is authoritative.
type Connection struct {
	ID               string
	ClientID         string
	Name             string
	EncryptedSecrets string
	PublicConfig     map[string]any
	CreatedAt        time.Time
}

// AuthCode is a one-time authorization code, keyed by digest, bound to the
// PKCE challenge captured at authorization time.
type AuthCode struct {
	CodeHash            string
	ConnectionID        string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// Session is a short-lived bearer credential, keyed by digest. Sessions have
// no refresh mechanism; expiry forces a new authorization.
type Session struct {
	ID           string
	TokenHash    string
	ConnectionID string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// UserConfig is the encrypted blob of a complete self-service configuration
// submitted through the static-key path.
type UserConfig struct {
	ID        string
	ConfigEnc string
	CreatedAt time.Time
}

// APIKey is a long-lived static key, keyed by digest, referencing the
// UserConfig it was issued for. RevokedAt is the only mutation.
type APIKey struct {
	ID           string
	UserConfigID string
	KeyHash      string
	RevokedAt    *time.Time
	CreatedAt    time.Time
}

// ClientStore manages registered clients.
type ClientStore interface {
	SaveClient(ctx context.Context, client *Client) error
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// ConnectionStore manages connections. CreateConnectionWithAuthCode writes
// the Connection row and its first AuthCode in a single transaction so no
// failure path can leave a half-created pair.
type ConnectionStore interface {
	CreateConnectionWithAuthCode(ctx context.Context, conn *Connection, code *AuthCode) error
	GetConnection(ctx context.Context, id string) (*Connection, error)

	// DeleteConnection revokes a grant; sessions and codes cascade.
	DeleteConnection(ctx context.Context, id string) error
}

// AuthCodeStore manages one-time authorization codes.
type AuthCodeStore interface {
	// ConsumeAuthCode atomically deletes and returns the code row matching
	// codeHash, provided it has not expired at `now`. At most one concurrent
	// caller can succeed; all others observe ErrAuthCodeNotFound or
	// ErrAuthCodeExpired. This is the sole replay defense and MUST NOT be
	// split into separate read and delete steps.
	ConsumeAuthCode(ctx context.Context, codeHash string, now time.Time) (*AuthCode, error)
}

// SessionStore manages bearer sessions.
type SessionStore interface {
	SaveSession(ctx context.Context, session *Session) error

	// GetSessionByTokenHash returns the session for a token digest, or
	// ErrSessionNotFound if absent or expired at `now`.
	GetSessionByTokenHash(ctx context.Context, tokenHash string, now time.Time) (*Session, error)
}

// APIKeyStore manages static keys and their encrypted configurations.
type APIKeyStore interface {
	// CreateUserConfigWithKey writes the UserConfig row and its APIKey in a
	// single transaction.
	CreateUserConfigWithKey(ctx context.Context, cfg *UserConfig, key *APIKey) error

	// GetActiveAPIKeyByHash returns the non-revoked key for a digest.
	// Revoked and unknown keys both yield ErrAPIKeyNotFound.
	GetActiveAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error)

	// RevokeAPIKey sets revoked_at if not already set. Returns false without
	// error when the key is already revoked or does not exist (idempotent).
	RevokeAPIKey(ctx context.Context, id string) (bool, error)

	GetUserConfig(ctx context.Context, id string) (*UserConfig, error)
}

// CredentialStore persists encrypted upstream credentials keyed by the end
// user's stable identity. Values are secrets.Cipher tokens; backends never
// see plaintext.
type CredentialStore interface {
	SaveUpstreamCredential(ctx context.Context, userID, credentialEnc string) error
	GetUpstreamCredential(ctx context.Context, userID string) (string, error)
}

// Store is the full persistence surface required by the broker.
type Store interface {
	ClientStore
	ConnectionStore
	AuthCodeStore
	SessionStore
	APIKeyStore
	CredentialStore

	// PruneExpired removes expired codes and sessions. Expired rows are
	// unusable regardless; pruning only reclaims space.
	PruneExpired(ctx context.Context, now time.Time) error

	Close() error
}
