// Package memory implements storage.Store with mutex-guarded maps. It is
// intended for tests and single-node development; production deployments use
// the sqlite backend.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/workspacehub/authbroker/storage"
)

// Store is an in-memory storage.Store.
type Store struct {
	mu          sync.Mutex
	clients     map[string]*storage.Client
	connections map[string]*storage.Connection
	authCodes   map[string]*storage.AuthCode // keyed by code hash
	sessions    map[string]*storage.Session  // keyed by token hash
	userConfigs map[string]*storage.UserConfig
	apiKeys     map[string]*storage.APIKey // keyed by id
	credentials map[string]string          // user id -> encrypted credential
}

var _ storage.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		clients:     make(map[string]*storage.Client),
		connections: make(map[string]*storage.Connection),
		authCodes:   make(map[string]*storage.AuthCode),
		sessions:    make(map[string]*storage.Session),
		userConfigs: make(map[string]*storage.UserConfig),
		apiKeys:     make(map[string]*storage.APIKey),
		credentials: make(map[string]string),
	}
}

// SaveClient persists a registered client.
func (s *Store) SaveClient(_ context.Context, client *storage.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *client
	c.RedirectURIs = append([]string(nil), client.RedirectURIs...)
	s.clients[client.ClientID] = &c
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	c := *client
	c.RedirectURIs = append([]string(nil), client.RedirectURIs...)
	return &c, nil
}

// CreateConnectionWithAuthCode writes the connection and its code under one
// lock acquisition; either both are visible or neither is.
func (s *Store) CreateConnectionWithAuthCode(_ context.Context, conn *storage.Connection, code *storage.AuthCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *conn
	s.connections[conn.ID] = &c
	ac := *code
	s.authCodes[code.CodeHash] = &ac
	return nil
}

// GetConnection retrieves a connection by ID.
func (s *Store) GetConnection(_ context.Context, id string) (*storage.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.connections[id]
	if !ok {
		return nil, storage.ErrConnectionNotFound
	}
	c := *conn
	return &c, nil
}

// DeleteConnection revokes a grant and cascades to its sessions and codes.
func (s *Store) DeleteConnection(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.connections[id]; !ok {
		return storage.ErrConnectionNotFound
	}
	delete(s.connections, id)

	for hash, code := range s.authCodes {
		if code.ConnectionID == id {
			delete(s.authCodes, hash)
		}
	}
	for hash, session := range s.sessions {
		if session.ConnectionID == id {
			delete(s.sessions, hash)
		}
	}
	return nil
}

// ConsumeAuthCode atomically deletes and returns the code row for a digest.
// The write lock is the synchronization point: only one concurrent caller
// can observe and remove the row.
func (s *Store) ConsumeAuthCode(_ context.Context, codeHash string, now time.Time) (*storage.AuthCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.authCodes[codeHash]
	if !ok {
		return nil, storage.ErrAuthCodeNotFound
	}
	delete(s.authCodes, codeHash)

	if !now.Before(code.ExpiresAt) {
		return nil, storage.ErrAuthCodeExpired
	}
	c := *code
	return &c, nil
}

// SaveSession persists a bearer session.
func (s *Store) SaveSession(_ context.Context, session *storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := *session
	s.sessions[session.TokenHash] = &sess
	return nil
}

// GetSessionByTokenHash returns the non-expired session for a token digest.
func (s *Store) GetSessionByTokenHash(_ context.Context, tokenHash string, now time.Time) (*storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[tokenHash]
	if !ok || !now.Before(session.ExpiresAt) {
		return nil, storage.ErrSessionNotFound
	}
	sess := *session
	return &sess, nil
}

// CreateUserConfigWithKey writes the config and key under one lock.
func (s *Store) CreateUserConfigWithKey(_ context.Context, cfg *storage.UserConfig, key *storage.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *cfg
	s.userConfigs[cfg.ID] = &c
	k := *key
	s.apiKeys[key.ID] = &k
	return nil
}

// GetActiveAPIKeyByHash returns the non-revoked key for a digest.
func (s *Store) GetActiveAPIKeyByHash(_ context.Context, keyHash string) (*storage.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range s.apiKeys {
		if key.KeyHash == keyHash && key.RevokedAt == nil {
			k := *key
			return &k, nil
		}
	}
	return nil, storage.ErrAPIKeyNotFound
}

// RevokeAPIKey sets revoked_at if not already set; idempotent.
func (s *Store) RevokeAPIKey(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.apiKeys[id]
	if !ok || key.RevokedAt != nil {
		return false, nil
	}
	now := time.Now()
	key.RevokedAt = &now
	return true, nil
}

// GetUserConfig retrieves an encrypted user configuration by ID.
func (s *Store) GetUserConfig(_ context.Context, id string) (*storage.UserConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.userConfigs[id]
	if !ok {
		return nil, storage.ErrUserConfigNotFound
	}
	c := *cfg
	return &c, nil
}

// SaveUpstreamCredential upserts the encrypted credential for a user.
func (s *Store) SaveUpstreamCredential(_ context.Context, userID, credentialEnc string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.credentials[userID] = credentialEnc
	return nil
}

// GetUpstreamCredential returns the encrypted credential for a user.
func (s *Store) GetUpstreamCredential(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.credentials[userID]
	if !ok {
		return "", storage.ErrCredentialNotFound
	}
	return cred, nil
}

// PruneExpired removes expired codes and sessions.
func (s *Store) PruneExpired(_ context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for hash, code := range s.authCodes {
		if !now.Before(code.ExpiresAt) {
			delete(s.authCodes, hash)
		}
	}
	for hash, session := range s.sessions {
		if !now.Before(session.ExpiresAt) {
			delete(s.sessions, hash)
		}
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}
