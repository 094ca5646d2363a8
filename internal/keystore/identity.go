package keystore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Identity is the local long-term key material for this scope: an X25519
// Diffie-Hellman pair, an Ed25519 signing pair, and the registration id.
// This is also exactly the portable material covered by backups.
type Identity struct {
	DHPrivate      []byte `json:"dhPrivate"`
	DHPublic       []byte `json:"dhPublic"`
	SigningPrivate []byte `json:"signingPrivate"`
	SigningPublic  []byte `json:"signingPublic"`
	RegistrationID uint32 `json:"registrationId"`
}

const identityKey = "identity"

// SaveIdentity persists the local identity, replacing any existing one.
func (s *Store) SaveIdentity(id *Identity) error {
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("keystore: marshal identity: %w", err)
	}
	return s.setValue(identityKey, data)
}

// LoadIdentity loads the local identity. Returns nil, nil if none has been
// generated yet.
func (s *Store) LoadIdentity() (*Identity, error) {
	data, err := s.getValue(identityKey)
	if err != nil || data == nil {
		return nil, err
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("keystore: unmarshal identity: %w", err)
	}
	return &id, nil
}

// SaveTrustedIdentity pins a remote peer's identity fingerprint.
func (s *Store) SaveTrustedIdentity(address, fingerprint string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO trusted_identity (address, fingerprint) VALUES (?, ?)",
		address, fingerprint,
	)
	if err != nil {
		return fmt.Errorf("keystore: save trusted identity: %w", err)
	}
	return nil
}

// TrustedIdentity returns the pinned fingerprint for a peer, or "" if the
// peer has never been seen.
func (s *Store) TrustedIdentity(address string) (string, error) {
	var fp string
	err := s.db.QueryRow(
		"SELECT fingerprint FROM trusted_identity WHERE address = ?", address,
	).Scan(&fp)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("keystore: trusted identity: %w", err)
	}
	return fp, nil
}

// DeleteTrustedIdentity drops the pinned fingerprint for a peer, forcing the
// next session build to re-pin.
func (s *Store) DeleteTrustedIdentity(address string) error {
	_, err := s.db.Exec("DELETE FROM trusted_identity WHERE address = ?", address)
	if err != nil {
		return fmt.Errorf("keystore: delete trusted identity: %w", err)
	}
	return nil
}

// DeleteAllTrustedIdentities drops every pinned fingerprint in this scope.
func (s *Store) DeleteAllTrustedIdentities() error {
	_, err := s.db.Exec("DELETE FROM trusted_identity")
	if err != nil {
		return fmt.Errorf("keystore: delete trusted identities: %w", err)
	}
	return nil
}
