// Package wire defines the JSON objects exchanged with the relay server and
// the ciphertext envelopes this engine owns. []byte fields marshal as base64
// per encoding/json, which is the framing the relay expects.
package wire

// Envelope types for pairwise ciphertext. The receiver dispatches on the type
// tag: a pre-key envelope embeds the X3DH handshake material, a normal
// envelope is a plain ratchet message.
const (
	EnvelopeTypeMessage = 1
	EnvelopeTypePreKey  = 3
)

// Envelope is a pairwise ciphertext with its type tag.
type Envelope struct {
	Type int    `json:"type"`
	Body []byte `json:"body"`
}

// PreKeyMessage is the body of a type-3 envelope: the initiator's handshake
// material plus the first ratchet message.
type PreKeyMessage struct {
	IdentityKey     []byte  `json:"identityKey"`  // initiator X25519 identity public key
	SigningKey      []byte  `json:"signingKey"`   // initiator Ed25519 public key
	EphemeralKey    []byte  `json:"ephemeralKey"` // X3DH ephemeral public key
	RegistrationID  uint32  `json:"registrationId"`
	SignedPreKeyID  uint32  `json:"signedPreKeyId"`            // responder SPK consumed
	OneTimePreKeyID *uint32 `json:"oneTimePreKeyId,omitempty"` // responder OPK consumed, if any
	Message         []byte  `json:"message"`                   // serialized ratchet message
}

// SignedPreKey is the public half of a signed pre-key as published to the
// relay and as embedded in bundles.
type SignedPreKey struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey []byte `json:"publicKey"`
	Signature []byte `json:"signature"`
}

// OneTimePreKey is the public half of a single-use pre-key.
type OneTimePreKey struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey []byte `json:"publicKey"`
}

// PreKeyBundle is the material a peer publishes so others can start a session
// asynchronously. OneTimePreKey is nil when the relay has run out.
type PreKeyBundle struct {
	IdentityKey    []byte         `json:"identityKey"`
	SigningKey     []byte         `json:"signingKey"`
	RegistrationID uint32         `json:"registrationId"`
	SignedPreKey   SignedPreKey   `json:"signedPreKey"`
	OneTimePreKey  *OneTimePreKey `json:"oneTimePreKey,omitempty"`
}

// RegisterKeysRequest is the payload for first-time key registration.
type RegisterKeysRequest struct {
	IdentityKey    []byte          `json:"identityKey"`
	SigningKey     []byte          `json:"signingKey"`
	RegistrationID uint32          `json:"registrationId"`
	SignedPreKey   SignedPreKey    `json:"signedPreKey"`
	OneTimePreKeys []OneTimePreKey `json:"oneTimePreKeys"`
}

// SenderKeyDistribution is one member's copy of a sender key, encrypted
// through the pairwise session with that member.
type SenderKeyDistribution struct {
	ToUserID string   `json:"toUserId"`
	Envelope Envelope `json:"envelope"`
}

// PendingSenderKey is a server-queued distribution record addressed to us.
// The same record may be delivered more than once; consumers must be
// idempotent.
type PendingSenderKey struct {
	ID         string   `json:"id"`
	ChannelID  string   `json:"channelId"`
	FromUserID string   `json:"fromUserId"`
	Envelope   Envelope `json:"envelope"`
}

// PushEvent is a fire-and-forget notification frame from the relay
// websocket.
type PushEvent struct {
	Type      string `json:"type"`
	ChannelID string `json:"channelId,omitempty"`
	UserID    string `json:"userId,omitempty"`
}

// Push event types.
const (
	PushSenderKeyDistribution = "sender_key_distribution"
	PushIdentityReset         = "identity_reset"
)
