package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/workspacehub/authbroker/storage"
)

// refreshSkew refreshes upstream credentials slightly before their actual
// expiry so callers never receive an about-to-die token.
const refreshSkew = time.Minute

// ResolvedConnection is the caller-facing view of a bearer credential: the
// grant it belongs to plus the decrypted configuration halves.
type ResolvedConnection struct {
	Connection   *storage.Connection
	PublicConfig map[string]any
	SecretConfig map[string]any
}

// ResolveSession resolves a raw bearer token to its connection and decrypted
// configuration. Unknown and expired tokens both return nil, nil; callers
// treat nil as unauthenticated.
func (b *Broker) ResolveSession(ctx context.Context, rawToken string) (*ResolvedConnection, error) {
	if rawToken == "" {
		return nil, nil
	}

	session, err := b.store.GetSessionByTokenHash(ctx, storage.Digest(rawToken), b.now())
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil, nil
		}
		return nil, err
	}

	conn, err := b.store.GetConnection(ctx, session.ConnectionID)
	if err != nil {
		if errors.Is(err, storage.ErrConnectionNotFound) {
			// Connection revoked after the session was minted; the cascade
			// normally removes the session too, treat as unauthenticated.
			return nil, nil
		}
		return nil, err
	}

	resolved := &ResolvedConnection{
		Connection:   conn,
		PublicConfig: conn.PublicConfig,
	}
	if conn.EncryptedSecrets != "" {
		var secret map[string]any
		if err := b.cipher.Decrypt(conn.EncryptedSecrets, &secret); err != nil {
			b.logger.Error("connection secret decryption failed",
				"connection_id", conn.ID,
				"error", err)
			return nil, &CryptoError{Err: err}
		}
		resolved.SecretConfig = secret
	}

	return resolved, nil
}

// UpstreamCredential returns a valid upstream token for an end-user
// identity, refreshing and re-encrypting it when stale. This is the seam the
// capability wrappers consume: given an identity, a refreshable credential.
func (b *Broker) UpstreamCredential(ctx context.Context, userID string) (*oauth2.Token, error) {
	credentialEnc, err := b.store.GetUpstreamCredential(ctx, userID)
	if err != nil {
		return nil, err
	}

	var token oauth2.Token
	if err := b.cipher.Decrypt(credentialEnc, &token); err != nil {
		return nil, &CryptoError{Err: err}
	}

	if token.Expiry.IsZero() || b.now().Before(token.Expiry.Add(-refreshSkew)) {
		return &token, nil
	}

	if token.RefreshToken == "" {
		return nil, fmt.Errorf("upstream credential expired and has no refresh token")
	}

	fresh, err := b.provider.Refresh(ctx, token.RefreshToken)
	if err != nil {
		return nil, &UpstreamError{Op: "token refresh", Err: err}
	}

	freshEnc, err := b.cipher.Encrypt(fresh)
	if err != nil {
		return nil, &CryptoError{Err: err}
	}
	if err := b.store.SaveUpstreamCredential(ctx, userID, freshEnc); err != nil {
		return nil, fmt.Errorf("failed to save refreshed credential: %w", err)
	}

	b.logger.Info("upstream credential refreshed", "user_id_present", true)
	return fresh, nil
}
