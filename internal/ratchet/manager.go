package ratchet

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	dr "github.com/status-im/doubleratchet"

	"github.com/veldtchat/e2ee-go/internal/crypterr"
	"github.com/veldtchat/e2ee-go/internal/keystore"
	"github.com/veldtchat/e2ee-go/internal/wire"
)

// maxSkippedKeys bounds how many message keys the ratchet will skip ahead
// for out-of-order delivery.
const maxSkippedKeys = 1000

// BundleFetcher retrieves a peer's published pre-key bundle. Returns nil
// when the peer has never registered keys. The relay client implements this;
// federated scopes supply a client pointed at the peer's home instance.
type BundleFetcher interface {
	GetPreKeyBundle(ctx context.Context, userID string) (*wire.PreKeyBundle, error)
}

// Manager owns pairwise ratchet sessions for one scope. Encrypt and decrypt
// advance ratchet counters, so operations against the same peer are
// serialized behind a per-peer mutex.
type Manager struct {
	store   *keystore.Store
	fetcher BundleFetcher
	logger  *log.Logger

	mu       sync.Mutex
	peerLock map[string]*sync.Mutex
	sessions map[string]dr.Session // live sessions by address
}

// NewManager creates a session manager backed by the given store.
func NewManager(store *keystore.Store, fetcher BundleFetcher, logger *log.Logger) *Manager {
	return &Manager{
		store:    store,
		fetcher:  fetcher,
		logger:   logger,
		peerLock: make(map[string]*sync.Mutex),
		sessions: make(map[string]dr.Session),
	}
}

// lockPeer serializes session operations per remote user. Returns the unlock
// function.
func (m *Manager) lockPeer(userID string) func() {
	m.mu.Lock()
	l, ok := m.peerLock[userID]
	if !ok {
		l = &sync.Mutex{}
		m.peerLock[userID] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// HasSession reports whether a ratchet session exists for the peer.
func (m *Manager) HasSession(userID string) (bool, error) {
	addr := Address(userID)
	m.mu.Lock()
	_, live := m.sessions[addr]
	m.mu.Unlock()
	if live {
		return true, nil
	}
	return m.store.HasSession(addr)
}

// EnsureSession builds a session from the peer's published bundle if none
// exists yet. Fails with crypterr.ErrNoKeysRegistered when the peer has never
// published keys.
func (m *Manager) EnsureSession(ctx context.Context, userID string) error {
	unlock := m.lockPeer(userID)
	defer unlock()

	has, err := m.HasSession(userID)
	if err != nil {
		return err
	}
	if has {
		return nil
	}

	bundle, err := m.fetcher.GetPreKeyBundle(ctx, userID)
	if err != nil {
		return fmt.Errorf("ratchet: fetch bundle for %s: %w", userID, err)
	}
	if bundle == nil {
		return fmt.Errorf("ratchet: %s: %w", userID, crypterr.ErrNoKeysRegistered)
	}
	return m.buildSession(userID, bundle)
}

// BuildSession performs X3DH against a fetched bundle and persists the
// resulting session. Fails with crypterr.ErrInvalidBundle if the signed
// pre-key signature does not verify or the peer's identity no longer matches
// its pinned fingerprint.
func (m *Manager) BuildSession(userID string, bundle *wire.PreKeyBundle) error {
	unlock := m.lockPeer(userID)
	defer unlock()
	return m.buildSession(userID, bundle)
}

func (m *Manager) buildSession(userID string, bundle *wire.PreKeyBundle) error {
	if !VerifySignedPreKey(bundle.SigningKey, bundle.SignedPreKey.PublicKey, bundle.SignedPreKey.Signature) {
		return fmt.Errorf("ratchet: %s signed pre-key signature: %w", userID, crypterr.ErrInvalidBundle)
	}

	addr := Address(userID)
	fp := Fingerprint(bundle.IdentityKey)
	pinned, err := m.store.TrustedIdentity(addr)
	if err != nil {
		return err
	}
	if pinned != "" && pinned != fp {
		return fmt.Errorf("ratchet: %s identity changed since first contact: %w", userID, crypterr.ErrInvalidBundle)
	}
	if pinned == "" {
		if err := m.store.SaveTrustedIdentity(addr, fp); err != nil {
			return err
		}
	}

	identity, err := m.store.LoadIdentity()
	if err != nil {
		return err
	}
	if identity == nil {
		return fmt.Errorf("ratchet: no local identity; generate one first")
	}

	eph, err := GenerateKeyPair()
	if err != nil {
		return err
	}

	var opkPub []byte
	handshake := wire.PreKeyMessage{
		IdentityKey:    identity.DHPublic,
		SigningKey:     identity.SigningPublic,
		EphemeralKey:   eph.Public,
		RegistrationID: identity.RegistrationID,
		SignedPreKeyID: bundle.SignedPreKey.KeyID,
	}
	if bundle.OneTimePreKey != nil {
		opkPub = bundle.OneTimePreKey.PublicKey
		id := bundle.OneTimePreKey.KeyID
		handshake.OneTimePreKeyID = &id
	}

	sk, err := InitiatorRootKey(identity.DHPrivate, eph.Private, bundle.IdentityKey, bundle.SignedPreKey.PublicKey, opkPub)
	if err != nil {
		return err
	}

	sess, err := dr.NewWithRemoteKey([]byte(addr), toKey(sk), toKey(bundle.SignedPreKey.PublicKey),
		sessionStorage{m.store}, dr.WithMaxSkip(maxSkippedKeys))
	if err != nil {
		return fmt.Errorf("ratchet: init session: %w", err)
	}

	pending, err := json.Marshal(handshake)
	if err != nil {
		return fmt.Errorf("ratchet: marshal handshake: %w", err)
	}
	if err := m.store.SavePendingHandshake(addr, pending); err != nil {
		return err
	}

	m.mu.Lock()
	m.sessions[addr] = sess
	m.mu.Unlock()

	logf(m.logger, "built session with %s (opk=%v)", userID, bundle.OneTimePreKey != nil)
	return nil
}

// Encrypt advances the sending ratchet and returns a tagged envelope. Every
// message after a session build embeds the X3DH handshake (type 3) until a
// message from the peer decrypts, proving the handshake arrived; from then on
// messages are plain ratchet messages (type 1).
func (m *Manager) Encrypt(userID string, plaintext []byte) (*wire.Envelope, error) {
	unlock := m.lockPeer(userID)
	defer unlock()

	addr := Address(userID)
	sess, err := m.getSession(addr)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("ratchet: no session with %s", userID)
	}

	msg, err := sess.RatchetEncrypt(plaintext, nil)
	if err != nil {
		m.evict(addr)
		return nil, fmt.Errorf("ratchet: encrypt for %s: %w", userID, err)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("ratchet: marshal message: %w", err)
	}

	pending, err := m.store.LoadPendingHandshake(addr)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return &wire.Envelope{Type: wire.EnvelopeTypeMessage, Body: body}, nil
	}

	var handshake wire.PreKeyMessage
	if err := json.Unmarshal(pending, &handshake); err != nil {
		return nil, fmt.Errorf("ratchet: unmarshal pending handshake: %w", err)
	}
	handshake.Message = body

	prekeyBody, err := json.Marshal(handshake)
	if err != nil {
		return nil, fmt.Errorf("ratchet: marshal pre-key message: %w", err)
	}
	return &wire.Envelope{Type: wire.EnvelopeTypePreKey, Body: prekeyBody}, nil
}

// Decrypt dispatches on the envelope type tag and returns the plaintext.
// Failures surface crypterr.ErrDecryptionFailure and never advance persisted
// ratchet state.
func (m *Manager) Decrypt(userID string, env *wire.Envelope) ([]byte, error) {
	unlock := m.lockPeer(userID)
	defer unlock()

	switch env.Type {
	case wire.EnvelopeTypePreKey:
		return m.decryptPreKey(userID, env.Body)
	case wire.EnvelopeTypeMessage:
		return m.decryptMessage(userID, env.Body)
	default:
		return nil, fmt.Errorf("ratchet: envelope type %d: %w", env.Type, crypterr.ErrDecryptionFailure)
	}
}

func (m *Manager) decryptMessage(userID string, body []byte) ([]byte, error) {
	addr := Address(userID)
	sess, err := m.getSession(addr)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("ratchet: message from %s without session: %w", userID, crypterr.ErrDecryptionFailure)
	}

	var msg dr.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("ratchet: malformed message from %s: %w", userID, crypterr.ErrDecryptionFailure)
	}

	plaintext, err := sess.RatchetDecrypt(msg, nil)
	if err != nil {
		// Reload from the last persisted state next time; the failed
		// operation must leave no trace in memory either.
		m.evict(addr)
		return nil, fmt.Errorf("ratchet: decrypt from %s: %v: %w", userID, err, crypterr.ErrDecryptionFailure)
	}

	// A message from the peer proves our handshake arrived; stop embedding it.
	if err := m.store.DeletePendingHandshake(addr); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// decryptPreKey handles a handshake-embedding envelope: it establishes the
// responder side of the session if needed, then decrypts the inner ratchet
// message. A duplicate pre-key envelope against an existing session skips the
// X3DH step entirely.
func (m *Manager) decryptPreKey(userID string, body []byte) ([]byte, error) {
	var pkm wire.PreKeyMessage
	if err := json.Unmarshal(body, &pkm); err != nil {
		return nil, fmt.Errorf("ratchet: malformed pre-key message from %s: %w", userID, crypterr.ErrDecryptionFailure)
	}

	addr := Address(userID)
	sess, err := m.getSession(addr)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return m.decryptMessage(userID, pkm.Message)
	}

	fp := Fingerprint(pkm.IdentityKey)
	pinned, err := m.store.TrustedIdentity(addr)
	if err != nil {
		return nil, err
	}
	if pinned != "" && pinned != fp {
		return nil, fmt.Errorf("ratchet: %s identity mismatch on handshake: %w", userID, crypterr.ErrDecryptionFailure)
	}

	identity, err := m.store.LoadIdentity()
	if err != nil {
		return nil, err
	}
	if identity == nil {
		return nil, fmt.Errorf("ratchet: no local identity: %w", crypterr.ErrDecryptionFailure)
	}

	spk, err := m.store.LoadSignedPreKey(pkm.SignedPreKeyID)
	if err != nil {
		return nil, err
	}
	if spk == nil {
		return nil, fmt.Errorf("ratchet: handshake from %s references unknown signed pre-key %d: %w",
			userID, pkm.SignedPreKeyID, crypterr.ErrDecryptionFailure)
	}

	var opkPriv []byte
	if pkm.OneTimePreKeyID != nil {
		opk, err := m.store.LoadPreKey(*pkm.OneTimePreKeyID)
		if err != nil {
			return nil, err
		}
		if opk == nil {
			return nil, fmt.Errorf("ratchet: handshake from %s references consumed pre-key %d: %w",
				userID, *pkm.OneTimePreKeyID, crypterr.ErrDecryptionFailure)
		}
		opkPriv = opk.PrivateKey
	}

	sk, err := ResponderRootKey(identity.DHPrivate, spk.PrivateKey, opkPriv, pkm.IdentityKey, pkm.EphemeralKey)
	if err != nil {
		return nil, err
	}

	sess, err = dr.New([]byte(addr), toKey(sk), dhPair{priv: toKey(spk.PrivateKey), pub: toKey(spk.PublicKey)},
		sessionStorage{m.store}, dr.WithMaxSkip(maxSkippedKeys))
	if err != nil {
		return nil, fmt.Errorf("ratchet: init responder session: %w", err)
	}

	var msg dr.Message
	if err := json.Unmarshal(pkm.Message, &msg); err != nil {
		return nil, fmt.Errorf("ratchet: malformed inner message from %s: %w", userID, crypterr.ErrDecryptionFailure)
	}

	plaintext, err := sess.RatchetDecrypt(msg, nil)
	if err != nil {
		// The library persisted the fledgling session at creation. Remove
		// it so the next attempt redoes the handshake from scratch instead
		// of decrypting against a poisoned root key.
		m.evict(addr)
		if derr := m.store.DeleteSession(addr); derr != nil {
			return nil, derr
		}
		return nil, fmt.Errorf("ratchet: handshake decrypt from %s: %v: %w", userID, err, crypterr.ErrDecryptionFailure)
	}

	// Handshake succeeded: pin the identity and consume the one-time key.
	if pinned == "" {
		if err := m.store.SaveTrustedIdentity(addr, fp); err != nil {
			return nil, err
		}
	}
	if pkm.OneTimePreKeyID != nil {
		if err := m.store.RemovePreKey(*pkm.OneTimePreKeyID); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	m.sessions[addr] = sess
	m.mu.Unlock()

	logf(m.logger, "established responder session with %s", userID)
	return plaintext, nil
}

// DropSession removes the session and any pending handshake for a peer.
// The pinned fingerprint is handled separately by identity-reset handling.
func (m *Manager) DropSession(userID string) error {
	unlock := m.lockPeer(userID)
	defer unlock()

	addr := Address(userID)
	m.evict(addr)
	if err := m.store.DeletePendingHandshake(addr); err != nil {
		return err
	}
	return m.store.DeleteSession(addr)
}

// DropAllSessions evicts every live session. Used on own identity reset after
// the store has been wiped.
func (m *Manager) DropAllSessions() {
	m.mu.Lock()
	m.sessions = make(map[string]dr.Session)
	m.mu.Unlock()
}

func (m *Manager) getSession(addr string) (dr.Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[addr]
	m.mu.Unlock()
	if ok {
		return sess, nil
	}

	has, err := m.store.HasSession(addr)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, nil
	}

	sess, err = dr.Load([]byte(addr), sessionStorage{m.store}, dr.WithMaxSkip(maxSkippedKeys))
	if err != nil {
		return nil, fmt.Errorf("ratchet: load session: %w", err)
	}

	m.mu.Lock()
	m.sessions[addr] = sess
	m.mu.Unlock()
	return sess, nil
}

func (m *Manager) evict(addr string) {
	m.mu.Lock()
	delete(m.sessions, addr)
	m.mu.Unlock()
}

// logf logs a message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf("ratchet: "+format, args...)
	}
}
