// Package lifecycle manages identity and pre-key lifetimes: first-time
// generation, one-time pre-key replenishment, signed pre-key rotation, and
// recovery from identity resets (our own or a peer's).
package lifecycle

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log"

	"github.com/veldtchat/e2ee-go/internal/keystore"
	"github.com/veldtchat/e2ee-go/internal/ratchet"
	"github.com/veldtchat/e2ee-go/internal/relay"
	"github.com/veldtchat/e2ee-go/internal/wire"
)

// Service runs key lifecycle operations for one scope.
type Service struct {
	store     *keystore.Store
	sessions  *ratchet.Manager
	relay     *relay.Client
	ownUserID string
	logger    *log.Logger
}

// NewService creates a lifecycle service.
func NewService(store *keystore.Store, sessions *ratchet.Manager, rc *relay.Client,
	ownUserID string, logger *log.Logger,
) *Service {
	return &Service{
		store:     store,
		sessions:  sessions,
		relay:     rc,
		ownUserID: ownUserID,
		logger:    logger,
	}
}

// GenerateIdentity creates a fresh identity with one signed pre-key and
// oneTimePreKeyCount one-time pre-keys, persists the private halves, and
// returns the public portions for relay registration.
func (s *Service) GenerateIdentity(oneTimePreKeyCount int) (*wire.RegisterKeysRequest, error) {
	identity, err := ratchet.GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveIdentity(identity); err != nil {
		return nil, err
	}

	spk, err := s.newSignedPreKey(identity)
	if err != nil {
		return nil, err
	}

	opks, err := s.generateOneTimePreKeys(oneTimePreKeyCount)
	if err != nil {
		return nil, err
	}

	logf(s.logger, "generated identity (registration id %d, %d one-time pre-keys)",
		identity.RegistrationID, len(opks))

	return &wire.RegisterKeysRequest{
		IdentityKey:    identity.DHPublic,
		SigningKey:     identity.SigningPublic,
		RegistrationID: identity.RegistrationID,
		SignedPreKey:   *spk,
		OneTimePreKeys: opks,
	}, nil
}

// Register publishes a registration payload to the relay.
func (s *Service) Register(ctx context.Context, req *wire.RegisterKeysRequest) error {
	return s.relay.RegisterKeys(ctx, req)
}

// ReplenishIfNeeded tops up our server-held one-time pre-keys when the count
// the relay reports has dropped below threshold. Returns how many keys were
// uploaded. Ids are allocated monotonically so new batches never collide
// with keys the relay already holds.
func (s *Service) ReplenishIfNeeded(ctx context.Context, serverVisibleCount, threshold, batchSize int) (int, error) {
	if serverVisibleCount >= threshold {
		return 0, nil
	}

	opks, err := s.generateOneTimePreKeys(batchSize)
	if err != nil {
		return 0, err
	}
	if err := s.relay.UploadOneTimePreKeys(ctx, opks); err != nil {
		return 0, err
	}

	logf(s.logger, "replenished %d one-time pre-keys (server had %d, threshold %d)",
		len(opks), serverVisibleCount, threshold)
	return len(opks), nil
}

// RotateSignedPreKey generates a replacement signed pre-key and publishes it.
// The previous key stays in the store so in-flight handshakes against it can
// still complete.
func (s *Service) RotateSignedPreKey(ctx context.Context) error {
	identity, err := s.store.LoadIdentity()
	if err != nil {
		return err
	}
	if identity == nil {
		return fmt.Errorf("lifecycle: no identity to rotate for")
	}

	spk, err := s.newSignedPreKey(identity)
	if err != nil {
		return err
	}
	if err := s.relay.RotateSignedPreKey(ctx, *spk); err != nil {
		return err
	}
	logf(s.logger, "rotated signed pre-key to id %d", spk.KeyID)
	return nil
}

// HandleOwnIdentityReset regenerates our identity from scratch. Every
// session, pinned fingerprint, and pre-key belonging to the old identity is
// dropped, the distributed-members cache is cleared so each channel's sender
// key gets re-wrapped through fresh sessions on the next send, and our stale
// distribution records are deleted server-side. Returns the channels whose
// sender keys we still hold and will therefore redistribute.
func (s *Service) HandleOwnIdentityReset(ctx context.Context, oneTimePreKeyCount int) ([]string, error) {
	channels, err := s.store.ChannelsWithSenderKey(s.ownUserID)
	if err != nil {
		return nil, err
	}

	if err := s.store.DeleteAllSessions(); err != nil {
		return nil, err
	}
	if err := s.store.DeleteAllTrustedIdentities(); err != nil {
		return nil, err
	}
	if err := s.store.DeleteAllPreKeys(); err != nil {
		return nil, err
	}
	if err := s.store.ClearAllDistributedMembers(); err != nil {
		return nil, err
	}
	s.sessions.DropAllSessions()

	// Best-effort: stale envelopes against the old identity are useless
	// either way, the server-side cleanup just stops pointless retries.
	if err := s.relay.ClearSenderKeyDistributions(ctx); err != nil {
		logf(s.logger, "clear server-side distributions: %v", err)
	}

	req, err := s.GenerateIdentity(oneTimePreKeyCount)
	if err != nil {
		return nil, err
	}
	if err := s.Register(ctx, req); err != nil {
		return nil, err
	}

	logf(s.logger, "identity reset complete; %d channel(s) pending redistribution", len(channels))
	return channels, nil
}

// HandleRemoteIdentityReset drops the session and pinned fingerprint for a
// peer whose identity was reset, so the next contact runs a fresh handshake
// instead of failing against stale ratchet state.
func (s *Service) HandleRemoteIdentityReset(remoteUserID string) error {
	if err := s.sessions.DropSession(remoteUserID); err != nil {
		return err
	}
	if err := s.store.DeleteTrustedIdentity(ratchet.Address(remoteUserID)); err != nil {
		return err
	}
	logf(s.logger, "dropped session and trust for reset peer %s", remoteUserID)
	return nil
}

// newSignedPreKey generates, signs, and stores a signed pre-key.
func (s *Service) newSignedPreKey(identity *keystore.Identity) (*wire.SignedPreKey, error) {
	id, err := s.store.AllocatePreKeyIDs(1)
	if err != nil {
		return nil, err
	}
	kp, err := ratchet.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	sig := ed25519.Sign(ed25519.PrivateKey(identity.SigningPrivate), kp.Public)

	if err := s.store.StoreSignedPreKey(&keystore.SignedPreKey{
		ID:         id,
		PrivateKey: kp.Private,
		PublicKey:  kp.Public,
		Signature:  sig,
	}); err != nil {
		return nil, err
	}

	return &wire.SignedPreKey{KeyID: id, PublicKey: kp.Public, Signature: sig}, nil
}

// generateOneTimePreKeys generates and stores a batch, returning the public
// halves for upload.
func (s *Service) generateOneTimePreKeys(n int) ([]wire.OneTimePreKey, error) {
	if n <= 0 {
		return nil, nil
	}
	start, err := s.store.AllocatePreKeyIDs(uint32(n))
	if err != nil {
		return nil, err
	}

	opks := make([]wire.OneTimePreKey, 0, n)
	for i := range n {
		kp, err := ratchet.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		id := start + uint32(i)
		if err := s.store.StorePreKey(&keystore.PreKey{
			ID:         id,
			PrivateKey: kp.Private,
			PublicKey:  kp.Public,
		}); err != nil {
			return nil, err
		}
		opks = append(opks, wire.OneTimePreKey{KeyID: id, PublicKey: kp.Public})
	}
	return opks, nil
}

// logf logs a message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf("lifecycle: "+format, args...)
	}
}
