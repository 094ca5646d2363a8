package ratchet

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// x3dhInfo domain-separates the root key derivation.
var x3dhInfo = []byte("veldtchat-e2ee-x3dh")

// InitiatorRootKey derives the X3DH shared secret on the initiating side:
//
//	DH(IKa, SPKb) ‖ DH(EKa, IKb) ‖ DH(EKa, SPKb) [‖ DH(EKa, OPKb)]
//
// peerOPK may be nil when the peer's relay has run out of one-time pre-keys.
func InitiatorRootKey(ourIDPriv, ourEphPriv, peerID, peerSPK, peerOPK []byte) ([]byte, error) {
	dh1, err := dh(ourIDPriv, peerSPK)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(ourEphPriv, peerID)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(ourEphPriv, peerSPK)
	if err != nil {
		return nil, err
	}

	concat := make([]byte, 0, 4*32)
	concat = append(concat, dh1...)
	concat = append(concat, dh2...)
	concat = append(concat, dh3...)

	if peerOPK != nil {
		dh4, err := dh(ourEphPriv, peerOPK)
		if err != nil {
			return nil, err
		}
		concat = append(concat, dh4...)
	}

	return deriveRootKey(concat)
}

// ResponderRootKey derives the same secret on the responding side, using the
// private halves of the signed pre-key and (optionally) the consumed one-time
// pre-key.
func ResponderRootKey(ourIDPriv, ourSPKPriv, ourOPKPriv, peerID, peerEph []byte) ([]byte, error) {
	dh1, err := dh(ourSPKPriv, peerID)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(ourIDPriv, peerEph)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(ourSPKPriv, peerEph)
	if err != nil {
		return nil, err
	}

	concat := make([]byte, 0, 4*32)
	concat = append(concat, dh1...)
	concat = append(concat, dh2...)
	concat = append(concat, dh3...)

	if ourOPKPriv != nil {
		dh4, err := dh(ourOPKPriv, peerEph)
		if err != nil {
			return nil, err
		}
		concat = append(concat, dh4...)
	}

	return deriveRootKey(concat)
}

// VerifySignedPreKey checks the Ed25519 signature over a signed pre-key
// public key.
func VerifySignedPreKey(signingPub, spkPub, signature []byte) bool {
	if len(signingPub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(signingPub), spkPub, signature)
}

func dh(priv, pub []byte) ([]byte, error) {
	out, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, fmt.Errorf("ratchet: x3dh dh: %w", err)
	}
	return out, nil
}

func deriveRootKey(ikm []byte) ([]byte, error) {
	root := make([]byte, 32)
	r := hkdf.New(sha256.New, ikm, nil, x3dhInfo)
	if _, err := io.ReadFull(r, root); err != nil {
		return nil, fmt.Errorf("ratchet: derive root key: %w", err)
	}
	return root, nil
}
