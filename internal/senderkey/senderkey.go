// Package senderkey implements per-(channel, author) symmetric encryption
// for group messages. Each member generates one AES-256 key per channel,
// distributes it to the other members through their pairwise ratchet
// sessions, and encrypts its own messages to the group under that key.
// Sender keys are not rotated independently: a key lives until its author
// regenerates their whole identity.
package senderkey

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/veldtchat/e2ee-go/internal/crypterr"
	"github.com/veldtchat/e2ee-go/internal/keystore"
)

const (
	keySize   = 32
	nonceSize = 12

	// aeadCacheSize bounds the imported-cipher cache. The key space is one
	// entry per (channel, sender) pair, so the bound is rarely reached.
	aeadCacheSize = 128
)

// Manager generates, stores, and uses sender keys for one scope.
type Manager struct {
	store *keystore.Store

	mu    sync.Mutex
	aeads map[string]cipher.AEAD // keyed by raw key bytes
}

// NewManager creates a sender-key manager backed by the given store.
func NewManager(store *keystore.Store) *Manager {
	return &Manager{
		store: store,
		aeads: make(map[string]cipher.AEAD),
	}
}

// HasKey reports whether a sender key is stored for (channelID, userID).
func (m *Manager) HasKey(channelID, userID string) (bool, error) {
	return m.store.HasSenderKey(channelID, userID)
}

// GenerateKey creates a fresh AES-256 sender key for our own messages in a
// channel and persists it. Any previous distribution state for the channel is
// invalidated: a new key means every member needs a fresh copy.
func (m *Manager) GenerateKey(channelID, ownUserID string) ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("senderkey: generate: %w", err)
	}
	if err := m.store.SaveSenderKey(channelID, ownUserID, key); err != nil {
		return nil, err
	}
	if err := m.store.ClearDistributedMembers(channelID); err != nil {
		return nil, err
	}
	return key, nil
}

// EnsureKey returns our sender key for a channel, generating one on first
// send.
func (m *Manager) EnsureKey(channelID, ownUserID string) ([]byte, error) {
	key, err := m.store.LoadSenderKey(channelID, ownUserID)
	if err != nil {
		return nil, err
	}
	if key != nil {
		return key, nil
	}
	return m.GenerateKey(channelID, ownUserID)
}

// ImportKey stores a sender key received from another member.
func (m *Manager) ImportKey(channelID, fromUserID string, key []byte) error {
	if len(key) != keySize {
		return fmt.Errorf("senderkey: import from %s: key length %d", fromUserID, len(key))
	}
	return m.store.SaveSenderKey(channelID, fromUserID, key)
}

// Encrypt encrypts a group message under our own sender key. The result is
// base64(nonce ‖ AEAD ciphertext) with a fresh random nonce per call.
// Fails with crypterr.ErrNoSenderKey if the caller never generated a key.
func (m *Manager) Encrypt(channelID, ownUserID string, plaintext []byte) (string, error) {
	key, err := m.store.LoadSenderKey(channelID, ownUserID)
	if err != nil {
		return "", err
	}
	if key == nil {
		return "", fmt.Errorf("senderkey: %s in %s: %w", ownUserID, channelID, crypterr.ErrNoSenderKey)
	}

	aead, err := m.aeadFor(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("senderkey: nonce: %w", err)
	}

	out := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt decrypts a group message from the given sender. The sender's key
// must already be present locally; this method never reaches to the network.
// The coordinator fetches pending distributions on a miss before retrying.
func (m *Manager) Decrypt(channelID, fromUserID, ciphertext string) ([]byte, error) {
	key, err := m.store.LoadSenderKey(channelID, fromUserID)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, fmt.Errorf("senderkey: no key from %s in %s: %w", fromUserID, channelID, crypterr.ErrDecryptionFailure)
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("senderkey: bad framing from %s: %w", fromUserID, crypterr.ErrDecryptionFailure)
	}
	if len(raw) < nonceSize {
		return nil, fmt.Errorf("senderkey: short ciphertext from %s: %w", fromUserID, crypterr.ErrDecryptionFailure)
	}

	aead, err := m.aeadFor(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("senderkey: decrypt from %s in %s: %w", fromUserID, channelID, crypterr.ErrDecryptionFailure)
	}
	return plaintext, nil
}

// aeadFor returns a cached AES-GCM instance for the raw key, importing it on
// first use. The cache is bounded; on overflow it is reset rather than
// evicted piecemeal.
func (m *Manager) aeadFor(key []byte) (cipher.AEAD, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if aead, ok := m.aeads[string(key)]; ok {
		return aead, nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("senderkey: import key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("senderkey: init gcm: %w", err)
	}

	if len(m.aeads) >= aeadCacheSize {
		m.aeads = make(map[string]cipher.AEAD)
	}
	m.aeads[string(key)] = aead
	return aead, nil
}
