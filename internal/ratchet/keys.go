// Package ratchet manages pairwise encrypted sessions: X3DH key agreement
// against a peer's published pre-key bundle, and double-ratchet
// encrypt/decrypt on top of the established shared secret. The ratchet
// itself comes from github.com/status-im/doubleratchet; this package owns
// the orchestration and persistence around it.
package ratchet

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/veldtchat/e2ee-go/internal/keystore"
)

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Private []byte
	Public  []byte
}

// GenerateKeyPair generates a clamped X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv := make([]byte, 32)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("ratchet: generate key: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("ratchet: derive public key: %w", err)
	}
	return &KeyPair{Private: priv, Public: pub}, nil
}

// GenerateIdentity generates fresh long-term material for a scope: an X25519
// Diffie-Hellman pair, an Ed25519 signing pair, and a 14-bit registration id.
func GenerateIdentity() (*keystore.Identity, error) {
	dh, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ratchet: generate signing key: %w", err)
	}

	regID, err := generateRegistrationID()
	if err != nil {
		return nil, err
	}

	return &keystore.Identity{
		DHPrivate:      dh.Private,
		DHPublic:       dh.Public,
		SigningPrivate: edPriv,
		SigningPublic:  edPub,
		RegistrationID: regID,
	}, nil
}

// generateRegistrationID returns a random non-zero 14-bit registration id.
func generateRegistrationID() (uint32, error) {
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("ratchet: registration id: %w", err)
		}
		id := binary.BigEndian.Uint32(buf[:]) & 0x3fff
		if id != 0 {
			return id, nil
		}
	}
}

// Fingerprint returns the SHA-256 hex digest of an identity public key, used
// for trust pinning and out-of-band verification.
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// Address returns the session store key for a remote user. Sessions are keyed
// by (user, device); this client generation uses a single device index.
func Address(userID string) string {
	return userID + ":0"
}
