package keystore

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// PreKey is a stored one-time pre-key pair.
type PreKey struct {
	ID         uint32
	PrivateKey []byte
	PublicKey  []byte
}

// SignedPreKey is a stored signed pre-key pair with its signature.
type SignedPreKey struct {
	ID         uint32
	PrivateKey []byte
	PublicKey  []byte
	Signature  []byte
}

const nextPreKeyIDKey = "next_pre_key_id"

// AllocatePreKeyIDs reserves a block of n monotonically increasing pre-key
// ids and returns the first. Ids never repeat within a scope, so replenished
// batches cannot collide with keys the relay already holds.
func (s *Store) AllocatePreKeyIDs(n uint32) (uint32, error) {
	data, err := s.getValue(nextPreKeyIDKey)
	if err != nil {
		return 0, err
	}
	next := uint32(1)
	if data != nil {
		next = binary.BigEndian.Uint32(data)
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, next+n)
	if err := s.setValue(nextPreKeyIDKey, buf); err != nil {
		return 0, err
	}
	return next, nil
}

// StorePreKey stores a one-time pre-key pair.
func (s *Store) StorePreKey(pk *PreKey) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO pre_key (id, private_key, public_key) VALUES (?, ?, ?)",
		pk.ID, pk.PrivateKey, pk.PublicKey,
	)
	if err != nil {
		return fmt.Errorf("keystore: store pre-key: %w", err)
	}
	return nil
}

// LoadPreKey loads a one-time pre-key by id. Returns nil, nil if absent.
// Callers remove the key with RemovePreKey once the handshake that consumed
// it has succeeded; deleting earlier would make a failed handshake
// unretryable.
func (s *Store) LoadPreKey(id uint32) (*PreKey, error) {
	pk := &PreKey{ID: id}
	err := s.db.QueryRow(
		"SELECT private_key, public_key FROM pre_key WHERE id = ?", id,
	).Scan(&pk.PrivateKey, &pk.PublicKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: load pre-key: %w", err)
	}
	return pk, nil
}

// RemovePreKey deletes a consumed one-time pre-key.
func (s *Store) RemovePreKey(id uint32) error {
	if _, err := s.db.Exec("DELETE FROM pre_key WHERE id = ?", id); err != nil {
		return fmt.Errorf("keystore: remove pre-key: %w", err)
	}
	return nil
}

// CountPreKeys returns how many unused one-time pre-keys remain locally.
func (s *Store) CountPreKeys() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM pre_key").Scan(&n); err != nil {
		return 0, fmt.Errorf("keystore: count pre-keys: %w", err)
	}
	return n, nil
}

// DeleteAllPreKeys removes every one-time pre-key. Used on identity reset:
// old pre-keys belong to the old identity and must not answer new handshakes.
func (s *Store) DeleteAllPreKeys() error {
	if _, err := s.db.Exec("DELETE FROM pre_key"); err != nil {
		return fmt.Errorf("keystore: delete pre-keys: %w", err)
	}
	if _, err := s.db.Exec("DELETE FROM signed_pre_key"); err != nil {
		return fmt.Errorf("keystore: delete signed pre-keys: %w", err)
	}
	return nil
}

// StoreSignedPreKey stores a signed pre-key pair.
func (s *Store) StoreSignedPreKey(spk *SignedPreKey) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO signed_pre_key (id, private_key, public_key, signature, created_at) VALUES (?, ?, ?, ?, ?)",
		spk.ID, spk.PrivateKey, spk.PublicKey, spk.Signature, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("keystore: store signed pre-key: %w", err)
	}
	return nil
}

// LoadSignedPreKey loads a signed pre-key by id. Returns nil, nil if absent.
func (s *Store) LoadSignedPreKey(id uint32) (*SignedPreKey, error) {
	spk := &SignedPreKey{ID: id}
	err := s.db.QueryRow(
		"SELECT private_key, public_key, signature FROM signed_pre_key WHERE id = ?", id,
	).Scan(&spk.PrivateKey, &spk.PublicKey, &spk.Signature)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: load signed pre-key: %w", err)
	}
	return spk, nil
}

// LatestSignedPreKey returns the most recently created signed pre-key, or
// nil, nil if none exists.
func (s *Store) LatestSignedPreKey() (*SignedPreKey, error) {
	spk := &SignedPreKey{}
	err := s.db.QueryRow(
		"SELECT id, private_key, public_key, signature FROM signed_pre_key ORDER BY created_at DESC, id DESC LIMIT 1",
	).Scan(&spk.ID, &spk.PrivateKey, &spk.PublicKey, &spk.Signature)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: latest signed pre-key: %w", err)
	}
	return spk, nil
}
