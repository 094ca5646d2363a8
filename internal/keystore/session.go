package keystore

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveSessionState stores serialized ratchet state for a peer address.
func (s *Store) SaveSessionState(address string, state []byte) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO session (address, state) VALUES (?, ?)",
		address, state,
	)
	if err != nil {
		return fmt.Errorf("keystore: save session: %w", err)
	}
	return nil
}

// LoadSessionState loads serialized ratchet state for a peer address.
// Returns nil, nil if no session exists.
func (s *Store) LoadSessionState(address string) ([]byte, error) {
	var state []byte
	err := s.db.QueryRow(
		"SELECT state FROM session WHERE address = ?", address,
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: load session: %w", err)
	}
	return state, nil
}

// HasSession reports whether a session exists for a peer address.
func (s *Store) HasSession(address string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM session WHERE address = ?", address,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("keystore: has session: %w", err)
	}
	return n > 0, nil
}

// DeleteSession drops the session for a peer address.
func (s *Store) DeleteSession(address string) error {
	_, err := s.db.Exec("DELETE FROM session WHERE address = ?", address)
	if err != nil {
		return fmt.Errorf("keystore: delete session: %w", err)
	}
	return nil
}

// DeleteAllSessions drops every session in this scope.
func (s *Store) DeleteAllSessions() error {
	if _, err := s.db.Exec("DELETE FROM session"); err != nil {
		return fmt.Errorf("keystore: delete sessions: %w", err)
	}
	if _, err := s.db.Exec("DELETE FROM pending_handshake"); err != nil {
		return fmt.Errorf("keystore: delete pending handshakes: %w", err)
	}
	return nil
}

// SavePendingHandshake stores the X3DH material that must ride along with the
// first message of a freshly built outbound session.
func (s *Store) SavePendingHandshake(address string, data []byte) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO pending_handshake (address, data) VALUES (?, ?)",
		address, data,
	)
	if err != nil {
		return fmt.Errorf("keystore: save pending handshake: %w", err)
	}
	return nil
}

// LoadPendingHandshake loads the pending handshake for a peer. Returns
// nil, nil once the peer has confirmed the session and the handshake has been
// cleared.
func (s *Store) LoadPendingHandshake(address string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(
		"SELECT data FROM pending_handshake WHERE address = ?", address,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: load pending handshake: %w", err)
	}
	return data, nil
}

// DeletePendingHandshake drops the pending handshake for a peer, if any.
func (s *Store) DeletePendingHandshake(address string) error {
	_, err := s.db.Exec("DELETE FROM pending_handshake WHERE address = ?", address)
	if err != nil {
		return fmt.Errorf("keystore: delete pending handshake: %w", err)
	}
	return nil
}
