package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/workspacehub/authbroker/storage"
)

// CreateUserConfigWithKey writes an encrypted user configuration and its API
// key in one transaction.
func (s *Store) CreateUserConfigWithKey(ctx context.Context, cfg *storage.UserConfig, key *storage.APIKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO user_configs (id, config_enc, created_at) VALUES (?, ?, ?)",
		cfg.ID, cfg.ConfigEnc, cfg.CreatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("inserting user config: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO api_keys (id, user_config_id, key_hash, revoked_at, created_at)
		 VALUES (?, ?, ?, NULL, ?)`,
		key.ID, key.UserConfigID, key.KeyHash, key.CreatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("inserting api key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing user config: %w", err)
	}
	return nil
}

// GetActiveAPIKeyByHash returns the non-revoked key for a digest. Revoked and
// unknown keys are indistinguishable to callers.
func (s *Store) GetActiveAPIKeyByHash(ctx context.Context, keyHash string) (*storage.APIKey, error) {
	var (
		key       storage.APIKey
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_config_id, key_hash, created_at
		 FROM api_keys WHERE key_hash = ? AND revoked_at IS NULL`,
		keyHash,
	).Scan(&key.ID, &key.UserConfigID, &key.KeyHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrAPIKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying api key: %w", err)
	}

	key.CreatedAt = time.UnixMilli(createdAt)
	return &key, nil
}

// RevokeAPIKey sets revoked_at if not already set. Revoking an already
// revoked or unknown key is a no-op, not an error.
func (s *Store) RevokeAPIKey(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL",
		time.Now().UnixMilli(), id,
	)
	if err != nil {
		return false, fmt.Errorf("revoking api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoking api key: %w", err)
	}
	return n > 0, nil
}

// GetUserConfig retrieves an encrypted user configuration by ID.
func (s *Store) GetUserConfig(ctx context.Context, id string) (*storage.UserConfig, error) {
	var (
		cfg       storage.UserConfig
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, config_enc, created_at FROM user_configs WHERE id = ?",
		id,
	).Scan(&cfg.ID, &cfg.ConfigEnc, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrUserConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user config: %w", err)
	}

	cfg.CreatedAt = time.UnixMilli(createdAt)
	return &cfg, nil
}
