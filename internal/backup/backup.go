// Package backup implements passphrase-protected export and import of the
// portable identity material. Sessions and sender keys are device-specific
// and deliberately not portable; a restored identity re-establishes those
// through fresh handshakes. Blob layout: salt ‖ nonce ‖ AEAD ciphertext.
package backup

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/veldtchat/e2ee-go/internal/crypterr"
	"github.com/veldtchat/e2ee-go/internal/keystore"
	"github.com/veldtchat/e2ee-go/internal/relay"
)

const (
	saltSize         = 16
	minPassphraseLen = 8

	// Argon2id parameters. Slow by design: this key unlocks the user's
	// whole identity.
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	keySize      = chacha20poly1305.KeySize
)

// Service exports and imports identity backups for one scope.
type Service struct {
	store  *keystore.Store
	relay  *relay.Client
	logger *log.Logger
}

// NewService creates a backup service.
func NewService(store *keystore.Store, rc *relay.Client, logger *log.Logger) *Service {
	return &Service{store: store, relay: rc, logger: logger}
}

// deriveKey stretches a passphrase into an AEAD key with Argon2id.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, keySize)
}

// Export serializes the local identity and encrypts it under a key derived
// from the passphrase. Fails with crypterr.ErrWeakPassphrase below the
// minimum length policy.
func (s *Service) Export(passphrase string) ([]byte, error) {
	if len(passphrase) < minPassphraseLen {
		return nil, fmt.Errorf("backup: %w (minimum %d characters)", crypterr.ErrWeakPassphrase, minPassphraseLen)
	}

	identity, err := s.store.LoadIdentity()
	if err != nil {
		return nil, err
	}
	if identity == nil {
		return nil, fmt.Errorf("backup: no identity to export")
	}

	payload, err := json.Marshal(identity)
	if err != nil {
		return nil, fmt.Errorf("backup: marshal identity: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("backup: salt: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("backup: nonce: %w", err)
	}

	aead, err := chacha20poly1305.New(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("backup: init aead: %w", err)
	}

	blob := make([]byte, 0, saltSize+chacha20poly1305.NonceSize+len(payload)+aead.Overhead())
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = aead.Seal(blob, nonce, payload, nil)
	return blob, nil
}

// Import decrypts a backup blob and installs the identity it contains,
// overwriting any existing identity. Fails with
// crypterr.ErrAuthenticationFailure on a wrong passphrase or corrupted blob,
// in which case the existing local identity is left untouched.
func (s *Service) Import(blob []byte, passphrase string) error {
	if len(blob) < saltSize+chacha20poly1305.NonceSize {
		return fmt.Errorf("backup: truncated blob: %w", crypterr.ErrAuthenticationFailure)
	}

	salt := blob[:saltSize]
	nonce := blob[saltSize : saltSize+chacha20poly1305.NonceSize]
	ciphertext := blob[saltSize+chacha20poly1305.NonceSize:]

	aead, err := chacha20poly1305.New(deriveKey(passphrase, salt))
	if err != nil {
		return fmt.Errorf("backup: init aead: %w", err)
	}

	payload, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("backup: %w", crypterr.ErrAuthenticationFailure)
	}

	var identity keystore.Identity
	if err := json.Unmarshal(payload, &identity); err != nil {
		return fmt.Errorf("backup: corrupt identity payload: %w", crypterr.ErrAuthenticationFailure)
	}

	// Only now, with the whole payload validated, touch the store. State
	// tied to the previous identity is worthless under the restored one:
	// sessions would decrypt against the wrong ratchet roots, pinned
	// fingerprints would flag every known peer, and published pre-keys no
	// longer match what the server advertises.
	if err := s.store.DeleteAllSessions(); err != nil {
		return err
	}
	if err := s.store.DeleteAllTrustedIdentities(); err != nil {
		return err
	}
	if err := s.store.DeleteAllPreKeys(); err != nil {
		return err
	}
	if err := s.store.ClearAllDistributedMembers(); err != nil {
		return err
	}
	if err := s.store.SaveIdentity(&identity); err != nil {
		return err
	}
	logf(s.logger, "imported identity (registration id %d)", identity.RegistrationID)
	return nil
}

// UploadToServer encrypts the identity under the passphrase and stores the
// blob server-side, keyed by our user id.
func (s *Service) UploadToServer(ctx context.Context, passphrase string) error {
	blob, err := s.Export(passphrase)
	if err != nil {
		return err
	}
	return s.relay.UploadKeyBackup(ctx, blob)
}

// DownloadFromServer fetches the server-held blob and installs the identity
// it contains. Lets a user restore on a new device given only the
// passphrase.
func (s *Service) DownloadFromServer(ctx context.Context, passphrase string) error {
	blob, err := s.relay.GetKeyBackup(ctx)
	if err != nil {
		return err
	}
	if blob == nil {
		return fmt.Errorf("backup: no server-side backup exists")
	}
	return s.Import(blob, passphrase)
}

// logf logs a message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf("backup: "+format, args...)
	}
}
