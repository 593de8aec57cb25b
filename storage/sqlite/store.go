// Package sqlite implements storage.Store on an embedded SQLite database.
// It is the authoritative backend: the six broker tables plus the per-user
// upstream credential table, with foreign-key cascades carrying revocation.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/workspacehub/authbroker/storage"
	"github.com/workspacehub/authbroker/storage/sqlite/migrations"
)

// Store is a SQLite-backed storage.Store.
type Store struct {
	db   *sql.DB
	path string
}

var _ storage.Store = (*Store)(nil)

// Open creates or opens the broker database at path. Parent directories are
// created as needed. WAL mode keeps readers from blocking the writer.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	// The foreign_keys pragma is connection-scoped; setting it in the DSN
	// applies it to every connection the pool opens, not just the first.
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) migrate(fsys embed.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var currentVersion int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(
			"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
			version, time.Now().UnixMilli(),
		); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
	}

	return nil
}

// SaveClient persists a registered client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	uris, err := json.Marshal(client.RedirectURIs)
	if err != nil {
		return fmt.Errorf("marshaling redirect URIs: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO clients (client_id, redirect_uris, created_at) VALUES (?, ?, ?)",
		client.ClientID, string(uris), client.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting client: %w", err)
	}
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	var (
		uris      string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT redirect_uris, created_at FROM clients WHERE client_id = ?",
		clientID,
	).Scan(&uris, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying client: %w", err)
	}

	client := &storage.Client{
		ClientID:  clientID,
		CreatedAt: time.UnixMilli(createdAt),
	}
	if err := json.Unmarshal([]byte(uris), &client.RedirectURIs); err != nil {
		return nil, fmt.Errorf("unmarshaling redirect URIs: %w", err)
	}
	return client, nil
}

// CreateConnectionWithAuthCode writes a connection and its authorization code
// in one transaction so a failure can never leave a half-created pair.
func (s *Store) CreateConnectionWithAuthCode(ctx context.Context, conn *storage.Connection, code *storage.AuthCode) error {
	publicConfig, err := json.Marshal(conn.PublicConfig)
	if err != nil {
		return fmt.Errorf("marshaling public config: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO connections (id, client_id, name, encrypted_secrets, public_config, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conn.ID, conn.ClientID, conn.Name, conn.EncryptedSecrets, string(publicConfig), conn.CreatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("inserting connection: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO auth_codes (code_hash, connection_id, code_challenge, code_challenge_method, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		code.CodeHash, code.ConnectionID, code.CodeChallenge, code.CodeChallengeMethod,
		code.CreatedAt.UnixMilli(), code.ExpiresAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("inserting auth code: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing connection: %w", err)
	}
	return nil
}

// GetConnection retrieves a connection by ID.
func (s *Store) GetConnection(ctx context.Context, id string) (*storage.Connection, error) {
	var (
		conn         storage.Connection
		publicConfig string
		createdAt    int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, client_id, name, encrypted_secrets, public_config, created_at
		 FROM connections WHERE id = ?`,
		id,
	).Scan(&conn.ID, &conn.ClientID, &conn.Name, &conn.EncryptedSecrets, &publicConfig, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying connection: %w", err)
	}

	conn.CreatedAt = time.UnixMilli(createdAt)
	if err := json.Unmarshal([]byte(publicConfig), &conn.PublicConfig); err != nil {
		return nil, fmt.Errorf("unmarshaling public config: %w", err)
	}
	return &conn, nil
}

// DeleteConnection revokes a grant. Sessions and auth codes cascade via
// foreign keys.
func (s *Store) DeleteConnection(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM connections WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting connection: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrConnectionNotFound
	}
	return nil
}

// PruneExpired removes expired auth codes and sessions.
func (s *Store) PruneExpired(ctx context.Context, now time.Time) error {
	ms := now.UnixMilli()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM auth_codes WHERE expires_at <= ?", ms); err != nil {
		return fmt.Errorf("pruning auth codes: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE expires_at <= ?", ms); err != nil {
		return fmt.Errorf("pruning sessions: %w", err)
	}
	return nil
}
