package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/workspacehub/authbroker/storage"
)

// ConsumeAuthCode atomically deletes and returns the code row for a digest.
// A single DELETE ... RETURNING statement is the synchronization point:
// SQLite serializes writers, so at most one concurrent caller gets the row.
// An expired row is still deleted but reported as expired, never returned
// for redemption.
func (s *Store) ConsumeAuthCode(ctx context.Context, codeHash string, now time.Time) (*storage.AuthCode, error) {
	var (
		code      storage.AuthCode
		createdAt int64
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM auth_codes WHERE code_hash = ?
		 RETURNING code_hash, connection_id, code_challenge, code_challenge_method, created_at, expires_at`,
		codeHash,
	).Scan(&code.CodeHash, &code.ConnectionID, &code.CodeChallenge, &code.CodeChallengeMethod, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrAuthCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consuming auth code: %w", err)
	}

	code.CreatedAt = time.UnixMilli(createdAt)
	code.ExpiresAt = time.UnixMilli(expiresAt)

	if !now.Before(code.ExpiresAt) {
		return nil, storage.ErrAuthCodeExpired
	}
	return &code, nil
}

// SaveSession persists a bearer session.
func (s *Store) SaveSession(ctx context.Context, session *storage.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, token_hash, connection_id, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.TokenHash, session.ConnectionID,
		session.CreatedAt.UnixMilli(), session.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSessionByTokenHash returns the non-expired session for a token digest.
func (s *Store) GetSessionByTokenHash(ctx context.Context, tokenHash string, now time.Time) (*storage.Session, error) {
	var (
		session   storage.Session
		createdAt int64
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, token_hash, connection_id, created_at, expires_at
		 FROM sessions WHERE token_hash = ? AND expires_at > ?`,
		tokenHash, now.UnixMilli(),
	).Scan(&session.ID, &session.TokenHash, &session.ConnectionID, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	session.CreatedAt = time.UnixMilli(createdAt)
	session.ExpiresAt = time.UnixMilli(expiresAt)
	return &session, nil
}

// SaveUpstreamCredential upserts the encrypted upstream credential for a
// stable end-user identity.
func (s *Store) SaveUpstreamCredential(ctx context.Context, userID, credentialEnc string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO upstream_credentials (user_id, credential_enc, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET credential_enc = excluded.credential_enc, updated_at = excluded.updated_at`,
		userID, credentialEnc, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("saving upstream credential: %w", err)
	}
	return nil
}

// GetUpstreamCredential returns the encrypted upstream credential for a user.
func (s *Store) GetUpstreamCredential(ctx context.Context, userID string) (string, error) {
	var credentialEnc string
	err := s.db.QueryRowContext(ctx,
		"SELECT credential_enc FROM upstream_credentials WHERE user_id = ?",
		userID,
	).Scan(&credentialEnc)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrCredentialNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying upstream credential: %w", err)
	}
	return credentialEnc, nil
}
