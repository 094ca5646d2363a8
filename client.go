// Package e2ee provides client-side end-to-end encryption for the Veldt chat
// protocol: pairwise direct messages over X3DH plus a double ratchet, and
// channel messages under per-sender symmetric keys distributed through the
// pairwise sessions. The relay server only ever handles ciphertext, public
// key bundles, and encrypted key-distribution envelopes.
package e2ee

import (
	"context"
	"crypto/tls"
	"fmt"
	"iter"
	"log"
	"net/http"
	"path/filepath"

	"github.com/veldtchat/e2ee-go/internal/backup"
	"github.com/veldtchat/e2ee-go/internal/distribution"
	"github.com/veldtchat/e2ee-go/internal/keystore"
	"github.com/veldtchat/e2ee-go/internal/lifecycle"
	"github.com/veldtchat/e2ee-go/internal/ratchet"
	"github.com/veldtchat/e2ee-go/internal/relay"
	"github.com/veldtchat/e2ee-go/internal/relayws"
	"github.com/veldtchat/e2ee-go/internal/senderkey"
	"github.com/veldtchat/e2ee-go/internal/wire"
)

// Envelope is a tagged pairwise ciphertext.
type Envelope = wire.Envelope

// Event is a push notification from the relay.
type Event = wire.PushEvent

// HomeScope is the default cryptographic scope: the user's identity on their
// home instance. Each federated instance the user holds an identity on gets
// its own scope, with a fully isolated key store and relay client.
const HomeScope = "home"

const (
	defaultRelayURL = "https://relay.veldtchat.net"
	defaultWSURL    = "wss://relay.veldtchat.net/v1/push"

	// defaultPreKeyCount is the one-time pre-key batch size for
	// registration and identity reset.
	defaultPreKeyCount = 100
)

// Client is the encryption engine for one cryptographic scope. A process
// serving multiple scopes (home plus federated identities) creates one
// Client per scope; no state is shared between them.
type Client struct {
	userID    string
	scope     string
	relayURL  string
	wsURL     string
	tlsConfig *tls.Config
	dataDir   string
	authToken string
	logger    *log.Logger

	store       *keystore.Store
	relay       *relay.Client
	sessions    *ratchet.Manager
	senderKeys  *senderkey.Manager
	coordinator *distribution.Coordinator
	lifecycle   *lifecycle.Service
	backup      *backup.Service
}

// Option configures a Client.
type Option func(*Client)

// WithRelayURL sets the relay API base URL.
func WithRelayURL(url string) Option {
	return func(c *Client) { c.relayURL = url }
}

// WithWSURL sets the push-notification WebSocket URL.
func WithWSURL(url string) Option {
	return func(c *Client) { c.wsURL = url }
}

// WithTLSConfig sets the TLS configuration for relay connections.
func WithTLSConfig(tc *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = tc }
}

// WithDataDir sets the directory holding this scope's key store.
func WithDataDir(dir string) Option {
	return func(c *Client) { c.dataDir = dir }
}

// WithScope names the cryptographic scope. Each scope gets its own store
// file; defaults to HomeScope.
func WithScope(scope string) Option {
	return func(c *Client) { c.scope = scope }
}

// WithAuthToken sets the relay authentication token. If unset, a random
// token is minted on first use and persisted in the scope's store.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.authToken = token }
}

// WithLogger sets the logger. If unset, logging is disabled.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates the encryption engine for one user in one scope and opens its
// key store.
func New(userID string, opts ...Option) (*Client, error) {
	c := &Client{
		userID:   userID,
		scope:    HomeScope,
		relayURL: defaultRelayURL,
		wsURL:    defaultWSURL,
		dataDir:  keystore.DefaultDataDir(),
	}
	for _, o := range opts {
		o(c)
	}

	store, err := keystore.Open(filepath.Join(c.dataDir, c.scope+".db"))
	if err != nil {
		return nil, err
	}
	c.store = store

	if c.authToken == "" {
		token, err := store.AuthToken()
		if err != nil {
			store.Close()
			return nil, err
		}
		c.authToken = token
	}

	c.relay = relay.NewClient(relay.Config{
		BaseURL:   c.relayURL,
		TLSConfig: c.tlsConfig,
		Auth:      relay.BasicAuth{Username: c.userID, Password: c.authToken},
		Logger:    c.logger,
	})
	c.sessions = ratchet.NewManager(store, c.relay, c.logger)
	c.senderKeys = senderkey.NewManager(store)
	c.coordinator = distribution.NewCoordinator(store, c.sessions, c.senderKeys, c.relay, c.userID, c.logger)
	c.lifecycle = lifecycle.NewService(store, c.sessions, c.relay, c.userID, c.logger)
	c.backup = backup.NewService(store, c.relay, c.logger)
	return c, nil
}

// Close releases the key store.
func (c *Client) Close() error {
	return c.store.Close()
}

// HasIdentity reports whether this scope has generated an identity.
func (c *Client) HasIdentity() (bool, error) {
	id, err := c.store.LoadIdentity()
	return id != nil, err
}

// GenerateIdentity creates a fresh identity with pre-keys and registers the
// public portions with the relay.
func (c *Client) GenerateIdentity(ctx context.Context) error {
	req, err := c.lifecycle.GenerateIdentity(defaultPreKeyCount)
	if err != nil {
		return err
	}
	return c.lifecycle.Register(ctx, req)
}

// ReplenishPreKeys checks the relay's remaining one-time pre-key count and
// tops it up when it falls below threshold. Returns how many keys were
// uploaded.
func (c *Client) ReplenishPreKeys(ctx context.Context, threshold, batchSize int) (int, error) {
	count, err := c.relay.GetPreKeyCount(ctx)
	if err != nil {
		return 0, err
	}
	return c.lifecycle.ReplenishIfNeeded(ctx, count, threshold, batchSize)
}

// RotateSignedPreKey generates and publishes a replacement signed pre-key.
// Old sessions keep working; only new handshakes use the new key.
func (c *Client) RotateSignedPreKey(ctx context.Context) error {
	return c.lifecycle.RotateSignedPreKey(ctx)
}

// ResetIdentity regenerates this scope's identity from scratch, dropping all
// sessions, pinned fingerprints, and distribution state. Returns the channels
// whose sender keys will be redistributed on next send.
func (c *Client) ResetIdentity(ctx context.Context) ([]string, error) {
	return c.lifecycle.HandleOwnIdentityReset(ctx, defaultPreKeyCount)
}

// HandleRemoteIdentityReset reacts to a peer regenerating their identity:
// the stale session and pinned fingerprint are dropped so the next contact
// performs a fresh handshake.
func (c *Client) HandleRemoteIdentityReset(remoteUserID string) error {
	return c.lifecycle.HandleRemoteIdentityReset(remoteUserID)
}

// Fingerprint returns the hex fingerprint of this scope's identity key, for
// out-of-band verification.
func (c *Client) Fingerprint() (string, error) {
	id, err := c.store.LoadIdentity()
	if err != nil {
		return "", err
	}
	if id == nil {
		return "", fmt.Errorf("e2ee: no identity generated")
	}
	return ratchet.Fingerprint(id.DHPublic), nil
}

// EnsureSession establishes a ratchet session with a peer if none exists,
// fetching their published bundle from the relay.
func (c *Client) EnsureSession(ctx context.Context, remoteUserID string) error {
	return c.sessions.EnsureSession(ctx, remoteUserID)
}

// EncryptDirect encrypts a direct message to a peer, establishing the
// session first if needed.
func (c *Client) EncryptDirect(ctx context.Context, remoteUserID string, plaintext []byte) (*Envelope, error) {
	if err := c.sessions.EnsureSession(ctx, remoteUserID); err != nil {
		return nil, err
	}
	return c.sessions.Encrypt(remoteUserID, plaintext)
}

// DecryptDirect decrypts a direct message from a peer.
func (c *Client) DecryptDirect(remoteUserID string, env *Envelope) ([]byte, error) {
	return c.sessions.Decrypt(remoteUserID, env)
}

// EncryptChannel encrypts a message to a channel under our sender key,
// generating the key on first send and distributing it to any member who
// does not hold it yet.
func (c *Client) EncryptChannel(ctx context.Context, channelID string, memberUserIDs []string, plaintext []byte) (string, error) {
	if _, err := c.senderKeys.EnsureKey(channelID, c.userID); err != nil {
		return "", err
	}
	if err := c.coordinator.EnsureDistributed(ctx, channelID, memberUserIDs); err != nil {
		return "", err
	}
	return c.senderKeys.Encrypt(channelID, c.userID, plaintext)
}

// DecryptChannel decrypts a channel message from another member. If the
// sender's key has not arrived yet, pending distributions are fetched over a
// short bounded retry window before giving up.
func (c *Client) DecryptChannel(ctx context.Context, channelID, fromUserID, ciphertext string) ([]byte, error) {
	return c.coordinator.DecryptWithRetry(ctx, channelID, fromUserID, ciphertext)
}

// FetchPendingSenderKeys retrieves and processes queued key distributions
// addressed to us, optionally scoped to one channel ("" means all).
func (c *Client) FetchPendingSenderKeys(ctx context.Context, channelID string) error {
	return c.coordinator.FetchPending(ctx, channelID)
}

// ExportBackup returns the passphrase-encrypted portable identity blob.
func (c *Client) ExportBackup(passphrase string) ([]byte, error) {
	return c.backup.Export(passphrase)
}

// ImportBackup installs the identity from a backup blob, overwriting any
// existing identity in this scope.
func (c *Client) ImportBackup(blob []byte, passphrase string) error {
	return c.backup.Import(blob, passphrase)
}

// UploadBackup encrypts the identity under the passphrase and stores the
// blob server-side.
func (c *Client) UploadBackup(ctx context.Context, passphrase string) error {
	return c.backup.UploadToServer(ctx, passphrase)
}

// DownloadBackup restores the identity from the server-held backup.
func (c *Client) DownloadBackup(ctx context.Context, passphrase string) error {
	return c.backup.DownloadFromServer(ctx, passphrase)
}

// HasServerBackup reports whether a backup blob exists server-side.
func (c *Client) HasServerBackup(ctx context.Context) (bool, error) {
	return c.relay.HasKeyBackup(ctx)
}

// Listen connects to the relay's push WebSocket and yields events as they
// arrive. Key-distribution and identity-reset events are handled internally
// (opportunistic fetch, session teardown) before being yielded, so consuming
// them is optional. The iterator stops when the context is cancelled or the
// caller breaks out of the range loop.
func (c *Client) Listen(ctx context.Context) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		headers := http.Header{}
		if c.authToken != "" {
			headers.Set("Authorization", "Bearer "+c.authToken)
		}
		conn, err := relayws.DialPersistent(ctx, c.wsURL, c.tlsConfig, relayws.WithHeaders(headers))
		if err != nil {
			yield(Event{}, fmt.Errorf("e2ee: dial push: %w", err))
			return
		}
		defer conn.Close()
		logf(c.logger, "listening for push events")

		for {
			ev, err := conn.ReadEvent(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !yield(Event{}, fmt.Errorf("e2ee: read push: %w", err)) {
					return
				}
				continue
			}

			switch ev.Type {
			case wire.PushSenderKeyDistribution:
				if err := c.coordinator.FetchPending(ctx, ev.ChannelID); err != nil {
					logf(c.logger, "push-triggered fetch: %v", err)
				}
			case wire.PushIdentityReset:
				if ev.UserID != "" && ev.UserID != c.userID {
					if err := c.lifecycle.HandleRemoteIdentityReset(ev.UserID); err != nil {
						logf(c.logger, "remote identity reset for %s: %v", ev.UserID, err)
					}
				}
			}

			if !yield(*ev, nil) {
				return
			}
		}
	}
}

// logf logs a message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
