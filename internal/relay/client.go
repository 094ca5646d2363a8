package relay

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"

	"github.com/veldtchat/e2ee-go/internal/wire"
)

// Client is a typed view of the relay's key-exchange endpoints. One Client
// per cryptographic scope; federated scopes point at their instance's base
// URL with that instance's credentials.
type Client struct {
	transport *Transport
	auth      BasicAuth
}

// Config holds configuration for creating a relay Client.
type Config struct {
	BaseURL   string
	TLSConfig *tls.Config
	Auth      BasicAuth
	Logger    *log.Logger
}

// NewClient creates a relay client.
func NewClient(cfg Config) *Client {
	return &Client{
		transport: NewTransport(cfg.BaseURL, cfg.TLSConfig, cfg.Logger),
		auth:      cfg.Auth,
	}
}

// RegisterKeys publishes a freshly generated identity: public identity keys,
// registration id, signed pre-key, and the first batch of one-time pre-keys.
func (c *Client) RegisterKeys(ctx context.Context, reg *wire.RegisterKeysRequest) error {
	body, status, err := c.transport.PutJSON(ctx, "/v1/keys", reg, &c.auth)
	if err != nil {
		return fmt.Errorf("relay: register keys: %w", err)
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return fmt.Errorf("relay: register keys: status %d: %s", status, body)
	}
	return nil
}

// GetPreKeyBundle fetches a peer's bundle, consuming one of their one-time
// pre-keys server-side. Returns nil, nil when the peer has never registered.
func (c *Client) GetPreKeyBundle(ctx context.Context, userID string) (*wire.PreKeyBundle, error) {
	body, status, err := c.transport.Get(ctx, "/v1/keys/"+url.PathEscape(userID), &c.auth)
	if err != nil {
		return nil, fmt.Errorf("relay: get bundle: %w", err)
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("relay: get bundle: status %d: %s", status, body)
	}

	var bundle wire.PreKeyBundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, fmt.Errorf("relay: unmarshal bundle: %w", err)
	}
	return &bundle, nil
}

// GetPreKeyCount returns how many of our one-time pre-keys the relay still
// holds.
func (c *Client) GetPreKeyCount(ctx context.Context) (int, error) {
	var result struct {
		Count int `json:"count"`
	}
	status, err := c.transport.GetJSON(ctx, "/v1/keys/count", &c.auth, &result)
	if err != nil {
		return 0, fmt.Errorf("relay: pre-key count: %w", err)
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("relay: pre-key count: status %d", status)
	}
	return result.Count, nil
}

// UploadOneTimePreKeys publishes a replenishment batch of one-time pre-keys.
func (c *Client) UploadOneTimePreKeys(ctx context.Context, keys []wire.OneTimePreKey) error {
	payload := struct {
		OneTimePreKeys []wire.OneTimePreKey `json:"oneTimePreKeys"`
	}{keys}
	body, status, err := c.transport.PutJSON(ctx, "/v1/keys/one-time", payload, &c.auth)
	if err != nil {
		return fmt.Errorf("relay: upload pre-keys: %w", err)
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return fmt.Errorf("relay: upload pre-keys: status %d: %s", status, body)
	}
	return nil
}

// RotateSignedPreKey publishes a replacement signed pre-key.
func (c *Client) RotateSignedPreKey(ctx context.Context, spk wire.SignedPreKey) error {
	body, status, err := c.transport.PutJSON(ctx, "/v1/keys/signed", spk, &c.auth)
	if err != nil {
		return fmt.Errorf("relay: rotate signed pre-key: %w", err)
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return fmt.Errorf("relay: rotate signed pre-key: status %d: %s", status, body)
	}
	return nil
}

// DistributeSenderKey queues one encrypted sender-key envelope for a channel
// member.
func (c *Client) DistributeSenderKey(ctx context.Context, channelID, toUserID string, env wire.Envelope) error {
	payload := wire.SenderKeyDistribution{ToUserID: toUserID, Envelope: env}
	body, status, err := c.transport.PostJSON(ctx,
		"/v1/channels/"+url.PathEscape(channelID)+"/sender-keys", payload, &c.auth)
	if err != nil {
		return fmt.Errorf("relay: distribute sender key: %w", err)
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusNoContent {
		return fmt.Errorf("relay: distribute sender key: status %d: %s", status, body)
	}
	return nil
}

// DistributeSenderKeysBatch queues envelopes for several members in one call.
func (c *Client) DistributeSenderKeysBatch(ctx context.Context, channelID string, dists []wire.SenderKeyDistribution) error {
	payload := struct {
		Distributions []wire.SenderKeyDistribution `json:"distributions"`
	}{dists}
	body, status, err := c.transport.PostJSON(ctx,
		"/v1/channels/"+url.PathEscape(channelID)+"/sender-keys/batch", payload, &c.auth)
	if err != nil {
		return fmt.Errorf("relay: distribute sender keys batch: %w", err)
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusNoContent {
		return fmt.Errorf("relay: distribute sender keys batch: status %d: %s", status, body)
	}
	return nil
}

// GetPendingSenderKeys retrieves distribution records addressed to us,
// optionally scoped to one channel (channelID == "" means all).
func (c *Client) GetPendingSenderKeys(ctx context.Context, channelID string) ([]wire.PendingSenderKey, error) {
	path := "/v1/sender-keys/pending"
	if channelID != "" {
		path += "?channelId=" + url.QueryEscape(channelID)
	}

	var result struct {
		Pending []wire.PendingSenderKey `json:"pending"`
	}
	status, err := c.transport.GetJSON(ctx, path, &c.auth, &result)
	if err != nil {
		return nil, fmt.Errorf("relay: pending sender keys: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("relay: pending sender keys: status %d", status)
	}
	return result.Pending, nil
}

// AcknowledgeSenderKeys deletes processed distribution records server-side.
func (c *Client) AcknowledgeSenderKeys(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	payload := struct {
		IDs []string `json:"ids"`
	}{ids}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("relay: marshal ack: %w", err)
	}
	body, status, err := c.transport.Delete(ctx, "/v1/sender-keys/pending", data, &c.auth)
	if err != nil {
		return fmt.Errorf("relay: ack sender keys: %w", err)
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return fmt.Errorf("relay: ack sender keys: status %d: %s", status, body)
	}
	return nil
}

// ClearSenderKeyDistributions deletes every distribution record we authored.
// Called on identity reset so stale envelopes are not retried against a key
// that no longer exists.
func (c *Client) ClearSenderKeyDistributions(ctx context.Context) error {
	body, status, err := c.transport.Delete(ctx, "/v1/sender-keys/distributed", nil, &c.auth)
	if err != nil {
		return fmt.Errorf("relay: clear distributions: %w", err)
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return fmt.Errorf("relay: clear distributions: status %d: %s", status, body)
	}
	return nil
}

// UploadKeyBackup stores the passphrase-encrypted backup blob server-side,
// keyed by our user id.
func (c *Client) UploadKeyBackup(ctx context.Context, blob []byte) error {
	payload := struct {
		EncryptedBlob []byte `json:"encryptedBlob"`
	}{blob}
	body, status, err := c.transport.PutJSON(ctx, "/v1/backup", payload, &c.auth)
	if err != nil {
		return fmt.Errorf("relay: upload backup: %w", err)
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return fmt.Errorf("relay: upload backup: status %d: %s", status, body)
	}
	return nil
}

// GetKeyBackup retrieves the stored backup blob, or nil if none exists.
func (c *Client) GetKeyBackup(ctx context.Context) ([]byte, error) {
	var result struct {
		EncryptedBlob []byte `json:"encryptedBlob"`
	}
	status, err := c.transport.GetJSON(ctx, "/v1/backup", &c.auth, &result)
	if err != nil {
		return nil, fmt.Errorf("relay: get backup: %w", err)
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("relay: get backup: status %d", status)
	}
	return result.EncryptedBlob, nil
}

// HasKeyBackup reports whether a backup blob exists server-side.
func (c *Client) HasKeyBackup(ctx context.Context) (bool, error) {
	var result struct {
		Exists bool `json:"exists"`
	}
	status, err := c.transport.GetJSON(ctx, "/v1/backup/status", &c.auth, &result)
	if err != nil {
		return false, fmt.Errorf("relay: backup status: %w", err)
	}
	if status != http.StatusOK {
		return false, fmt.Errorf("relay: backup status: status %d", status)
	}
	return result.Exists, nil
}
