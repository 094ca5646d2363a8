// Package crypterr defines the sentinel errors shared by the encryption
// engine. Callers distinguish outcomes with errors.Is rather than string
// matching.
package crypterr

import "errors"

var (
	// ErrInvalidBundle means a fetched pre-key bundle failed signature
	// verification. Fatal to that session attempt.
	ErrInvalidBundle = errors.New("invalid pre-key bundle")

	// ErrNoKeysRegistered means the peer has never published key material,
	// so no session can be established.
	ErrNoKeysRegistered = errors.New("peer has no registered keys")

	// ErrNoSenderKey means a channel encrypt was attempted before a sender
	// key was generated. This is a caller bug, not a runtime condition.
	ErrNoSenderKey = errors.New("no sender key for channel")

	// ErrDecryptionFailure covers MAC/tag mismatches and unknown session
	// state on pairwise or group decrypt. Recoverable at the message level.
	ErrDecryptionFailure = errors.New("decryption failure")

	// ErrAuthenticationFailure means a backup blob did not authenticate,
	// usually a wrong passphrase or a corrupted blob.
	ErrAuthenticationFailure = errors.New("backup authentication failure")

	// ErrWeakPassphrase means the supplied backup passphrase is below the
	// minimum length policy.
	ErrWeakPassphrase = errors.New("passphrase too weak")
)
