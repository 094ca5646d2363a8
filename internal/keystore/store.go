// Package keystore persists all cryptographic material for one identity
// scope: local identity, pre-keys, ratchet session state, trusted remote
// fingerprints, sender keys, and distribution bookkeeping. One Store (one
// SQLite file) per scope; a user with federated identities opens one store
// per instance so scopes never share state.
package keystore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database holding one scope's key material.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS account (
	key TEXT PRIMARY KEY,
	value BLOB
);
CREATE TABLE IF NOT EXISTS pre_key (
	id INTEGER PRIMARY KEY,
	private_key BLOB NOT NULL,
	public_key BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS signed_pre_key (
	id INTEGER PRIMARY KEY,
	private_key BLOB NOT NULL,
	public_key BLOB NOT NULL,
	signature BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS session (
	address TEXT PRIMARY KEY,
	state BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS pending_handshake (
	address TEXT PRIMARY KEY,
	data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS trusted_identity (
	address TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sender_key (
	channel_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	key BLOB NOT NULL,
	PRIMARY KEY (channel_id, user_id)
);
CREATE TABLE IF NOT EXISTS distributed_member (
	channel_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	PRIMARY KEY (channel_id, user_id)
);
`

// DefaultDataDir returns the default data directory for key stores.
// Uses $XDG_DATA_HOME/e2ee-go, falling back to ~/.local/share/e2ee-go.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "e2ee-go")
}

// Open opens or creates the SQLite store at the given path.
// If dbPath is empty, it defaults to $XDG_DATA_HOME/e2ee-go/home.db.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = filepath.Join(DefaultDataDir(), "home.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("keystore: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("keystore: open db: %w", err)
	}

	// WAL for concurrent readers while the engine writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("keystore: set WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("keystore: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// getValue reads one row from the account key/value table.
// Returns nil when the key is absent.
func (s *Store) getValue(key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow("SELECT value FROM account WHERE key = ?", key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: get %s: %w", key, err)
	}
	return data, nil
}

// setValue writes one row to the account key/value table.
func (s *Store) setValue(key string, value []byte) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO account (key, value) VALUES (?, ?)",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("keystore: set %s: %w", key, err)
	}
	return nil
}
