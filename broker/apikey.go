package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/workspacehub/authbroker/instrumentation"
	"github.com/workspacehub/authbroker/security"
	"github.com/workspacehub/authbroker/storage"
)

// IssueAPIKey validates a self-service configuration, encrypts the whole
// payload, and mints a static key. The raw key is returned exactly once and
// is never retrievable again.
func (b *Broker) IssueAPIKey(ctx context.Context, payload map[string]any, clientIP string) (string, error) {
	if !b.config.EnableAPIKeys {
		return "", ErrAPIKeysDisabled
	}

	result := b.schema.Validate(payload)
	if !result.Valid {
		return "", &ValidationError{Msg: strings.Join(result.Errors, "; ")}
	}

	configEnc, err := b.cipher.Encrypt(payload)
	if err != nil {
		return "", &CryptoError{Err: err}
	}

	now := b.now()
	cfg := &storage.UserConfig{
		ID:        uuid.NewString(),
		ConfigEnc: configEnc,
		CreatedAt: now,
	}
	rawKey := apiKeyPrefix + generateRandomToken()
	key := &storage.APIKey{
		ID:           uuid.NewString(),
		UserConfigID: cfg.ID,
		KeyHash:      storage.Digest(rawKey),
		CreatedAt:    now,
	}
	if err := b.store.CreateUserConfigWithKey(ctx, cfg, key); err != nil {
		return "", fmt.Errorf("failed to persist api key: %w", err)
	}

	b.logger.Info("api key issued",
		"key_id", key.ID,
		"key_prefix", safeTruncate(rawKey, 8))
	b.auditor.LogEvent(security.Event{
		Type:      security.EventAPIKeyIssued,
		IPAddress: clientIP,
		Details:   map[string]any{"key_id": key.ID},
	})
	instrumentation.Add(ctx, b.inst.Metrics().APIKeysIssued)

	return rawKey, nil
}

// RevokeAPIKey revokes a static key. Already-revoked and unknown keys are a
// no-op with notice, not an error; the returned bool reports whether
// anything changed.
func (b *Broker) RevokeAPIKey(ctx context.Context, keyID, clientIP string) (bool, error) {
	revoked, err := b.store.RevokeAPIKey(ctx, keyID)
	if err != nil {
		return false, err
	}
	if !revoked {
		b.logger.Info("api key revocation was a no-op", "key_id", keyID)
		return false, nil
	}

	b.logger.Info("api key revoked", "key_id", keyID)
	b.auditor.LogEvent(security.Event{
		Type:      security.EventAPIKeyRevoked,
		IPAddress: clientIP,
		Details:   map[string]any{"key_id": keyID},
	})
	instrumentation.Add(ctx, b.inst.Metrics().APIKeysRevoked)

	return true, nil
}

// ResolveAPIKey resolves a presented raw key to its decrypted configuration.
// Unknown, revoked, and undecryptable keys all resolve to nil, nil: callers
// treat every nil identically as unauthenticated, so the caller-visible
// behavior leaks nothing about which failure occurred.
func (b *Broker) ResolveAPIKey(ctx context.Context, rawKey string) (map[string]any, error) {
	if rawKey == "" {
		return nil, nil
	}

	key, err := b.store.GetActiveAPIKeyByHash(ctx, storage.Digest(rawKey))
	if err != nil {
		if errors.Is(err, storage.ErrAPIKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}

	cfg, err := b.store.GetUserConfig(ctx, key.UserConfigID)
	if err != nil {
		if errors.Is(err, storage.ErrUserConfigNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var payload map[string]any
	if err := b.cipher.Decrypt(cfg.ConfigEnc, &payload); err != nil {
		b.logger.Error("api key config decryption failed",
			"key_id", key.ID,
			"error", err)
		return nil, nil
	}

	return payload, nil
}
