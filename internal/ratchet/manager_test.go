package ratchet

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/veldtchat/e2ee-go/internal/crypterr"
	"github.com/veldtchat/e2ee-go/internal/keystore"
	"github.com/veldtchat/e2ee-go/internal/wire"
)

type fakeFetcher struct {
	bundles map[string]*wire.PreKeyBundle
}

func (f *fakeFetcher) GetPreKeyBundle(_ context.Context, userID string) (*wire.PreKeyBundle, error) {
	return f.bundles[userID], nil
}

// newTestPeer sets up a store with a full identity plus published pre-keys
// and returns it together with the bundle another peer would fetch.
func newTestPeer(t *testing.T) (*keystore.Store, *wire.PreKeyBundle) {
	t.Helper()
	s, err := keystore.Open(filepath.Join(t.TempDir(), "peer.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	id, err := GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveIdentity(id); err != nil {
		t.Fatal(err)
	}

	spk, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	sig := ed25519.Sign(ed25519.PrivateKey(id.SigningPrivate), spk.Public)
	err = s.StoreSignedPreKey(&keystore.SignedPreKey{
		ID: 1, PrivateKey: spk.Private, PublicKey: spk.Public, Signature: sig,
	})
	if err != nil {
		t.Fatal(err)
	}

	opk, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.StorePreKey(&keystore.PreKey{ID: 1, PrivateKey: opk.Private, PublicKey: opk.Public}); err != nil {
		t.Fatal(err)
	}

	bundle := &wire.PreKeyBundle{
		IdentityKey:    id.DHPublic,
		SigningKey:     id.SigningPublic,
		RegistrationID: id.RegistrationID,
		SignedPreKey:   wire.SignedPreKey{KeyID: 1, PublicKey: spk.Public, Signature: sig},
		OneTimePreKey:  &wire.OneTimePreKey{KeyID: 1, PublicKey: opk.Public},
	}
	return s, bundle
}

func TestConversation(t *testing.T) {
	ctx := context.Background()

	aliceStore, _ := newTestPeer(t)
	bobStore, bobBundle := newTestPeer(t)

	alice := NewManager(aliceStore, &fakeFetcher{bundles: map[string]*wire.PreKeyBundle{"bob": bobBundle}}, nil)
	bob := NewManager(bobStore, &fakeFetcher{}, nil)

	if err := alice.EnsureSession(ctx, "bob"); err != nil {
		t.Fatal(err)
	}

	// First message embeds the handshake.
	env1, err := alice.Encrypt("bob", []byte("hi"))
	if err != nil {
		t.Fatal(err)
	}
	if env1.Type != wire.EnvelopeTypePreKey {
		t.Fatalf("first envelope type: got %d, want %d", env1.Type, wire.EnvelopeTypePreKey)
	}

	// The handshake rides along until bob confirms the session.
	env2, err := alice.Encrypt("bob", []byte("there"))
	if err != nil {
		t.Fatal(err)
	}
	if env2.Type != wire.EnvelopeTypePreKey {
		t.Fatalf("second envelope type: got %d, want %d", env2.Type, wire.EnvelopeTypePreKey)
	}

	pt, err := bob.Decrypt("alice", env1)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "hi" {
		t.Errorf("first plaintext: got %q", pt)
	}

	pt, err = bob.Decrypt("alice", env2)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "there" {
		t.Errorf("second plaintext: got %q", pt)
	}

	// Bob replies over the established session.
	reply, err := bob.Encrypt("alice", []byte("hello back"))
	if err != nil {
		t.Fatal(err)
	}
	if reply.Type != wire.EnvelopeTypeMessage {
		t.Fatalf("reply envelope type: got %d", reply.Type)
	}
	pt, err = alice.Decrypt("bob", reply)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "hello back" {
		t.Errorf("reply plaintext: got %q", pt)
	}

	// Bob's reply confirmed the session; alice drops the handshake.
	env3, err := alice.Encrypt("bob", []byte("confirmed"))
	if err != nil {
		t.Fatal(err)
	}
	if env3.Type != wire.EnvelopeTypeMessage {
		t.Fatalf("post-confirmation envelope type: got %d, want %d", env3.Type, wire.EnvelopeTypeMessage)
	}
	if pt, err := bob.Decrypt("alice", env3); err != nil || string(pt) != "confirmed" {
		t.Fatalf("post-confirmation decrypt: %q, %v", pt, err)
	}

	// Handshake consumed bob's one-time pre-key.
	opk, err := bobStore.LoadPreKey(1)
	if err != nil {
		t.Fatal(err)
	}
	if opk != nil {
		t.Error("one-time pre-key should be consumed after a successful handshake")
	}

	// Bob pinned alice's identity.
	fp, err := bobStore.TrustedIdentity(Address("alice"))
	if err != nil {
		t.Fatal(err)
	}
	if fp == "" {
		t.Error("responder should pin the initiator identity")
	}
}

func TestConversationWithoutOneTimeKey(t *testing.T) {
	ctx := context.Background()

	aliceStore, _ := newTestPeer(t)
	bobStore, bobBundle := newTestPeer(t)
	bobBundle.OneTimePreKey = nil

	alice := NewManager(aliceStore, &fakeFetcher{bundles: map[string]*wire.PreKeyBundle{"bob": bobBundle}}, nil)
	bob := NewManager(bobStore, &fakeFetcher{}, nil)

	if err := alice.EnsureSession(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	env, err := alice.Encrypt("bob", []byte("no opk left"))
	if err != nil {
		t.Fatal(err)
	}
	pt, err := bob.Decrypt("alice", env)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "no opk left" {
		t.Errorf("plaintext: got %q", pt)
	}
}

func TestEnsureSessionNoKeysRegistered(t *testing.T) {
	aliceStore, _ := newTestPeer(t)
	alice := NewManager(aliceStore, &fakeFetcher{}, nil)

	err := alice.EnsureSession(context.Background(), "nobody")
	if !errors.Is(err, crypterr.ErrNoKeysRegistered) {
		t.Fatalf("got %v, want ErrNoKeysRegistered", err)
	}
}

func TestBuildSessionRejectsBadSignature(t *testing.T) {
	aliceStore, _ := newTestPeer(t)
	_, bobBundle := newTestPeer(t)
	bobBundle.SignedPreKey.Signature[0] ^= 0xff

	alice := NewManager(aliceStore, &fakeFetcher{}, nil)
	err := alice.BuildSession("bob", bobBundle)
	if !errors.Is(err, crypterr.ErrInvalidBundle) {
		t.Fatalf("got %v, want ErrInvalidBundle", err)
	}
}

func TestBuildSessionRejectsChangedIdentity(t *testing.T) {
	aliceStore, _ := newTestPeer(t)
	_, bobBundle := newTestPeer(t)

	// Pin a different fingerprint first.
	if err := aliceStore.SaveTrustedIdentity(Address("bob"), "something-else"); err != nil {
		t.Fatal(err)
	}

	alice := NewManager(aliceStore, &fakeFetcher{}, nil)
	err := alice.BuildSession("bob", bobBundle)
	if !errors.Is(err, crypterr.ErrInvalidBundle) {
		t.Fatalf("got %v, want ErrInvalidBundle", err)
	}
}

func TestDecryptFailureDoesNotAdvanceState(t *testing.T) {
	ctx := context.Background()

	aliceStore, _ := newTestPeer(t)
	bobStore, bobBundle := newTestPeer(t)

	alice := NewManager(aliceStore, &fakeFetcher{bundles: map[string]*wire.PreKeyBundle{"bob": bobBundle}}, nil)
	bob := NewManager(bobStore, &fakeFetcher{}, nil)

	if err := alice.EnsureSession(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	env, err := alice.Encrypt("bob", []byte("hi"))
	if err != nil {
		t.Fatal(err)
	}

	corrupted := &wire.Envelope{Type: env.Type, Body: append([]byte{}, env.Body...)}
	corrupted.Body[len(corrupted.Body)/2] ^= 0xff

	if _, err := bob.Decrypt("alice", corrupted); !errors.Is(err, crypterr.ErrDecryptionFailure) {
		t.Fatalf("corrupted envelope: got %v, want ErrDecryptionFailure", err)
	}

	// The failed attempt left no state behind; the genuine envelope still
	// decrypts.
	pt, err := bob.Decrypt("alice", env)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "hi" {
		t.Errorf("plaintext after failed attempt: got %q", pt)
	}
}

func TestDecryptWithoutSession(t *testing.T) {
	store, _ := newTestPeer(t)
	m := NewManager(store, &fakeFetcher{}, nil)

	env := &wire.Envelope{Type: wire.EnvelopeTypeMessage, Body: []byte("{}")}
	if _, err := m.Decrypt("stranger", env); !errors.Is(err, crypterr.ErrDecryptionFailure) {
		t.Fatalf("got %v, want ErrDecryptionFailure", err)
	}
}

func TestDecryptUnknownEnvelopeType(t *testing.T) {
	store, _ := newTestPeer(t)
	m := NewManager(store, &fakeFetcher{}, nil)

	env := &wire.Envelope{Type: 99, Body: []byte("{}")}
	if _, err := m.Decrypt("bob", env); !errors.Is(err, crypterr.ErrDecryptionFailure) {
		t.Fatalf("got %v, want ErrDecryptionFailure", err)
	}
}

func TestSessionSurvivesManagerRestart(t *testing.T) {
	ctx := context.Background()

	aliceStore, _ := newTestPeer(t)
	bobStore, bobBundle := newTestPeer(t)

	alice := NewManager(aliceStore, &fakeFetcher{bundles: map[string]*wire.PreKeyBundle{"bob": bobBundle}}, nil)
	bob := NewManager(bobStore, &fakeFetcher{}, nil)

	if err := alice.EnsureSession(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	env1, err := alice.Encrypt("bob", []byte("one"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bob.Decrypt("alice", env1); err != nil {
		t.Fatal(err)
	}
	reply, err := bob.Encrypt("alice", []byte("ack"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := alice.Decrypt("bob", reply); err != nil {
		t.Fatal(err)
	}

	// New manager over the same stores simulates a process restart.
	alice2 := NewManager(aliceStore, &fakeFetcher{}, nil)
	bob2 := NewManager(bobStore, &fakeFetcher{}, nil)

	env2, err := alice2.Encrypt("bob", []byte("two"))
	if err != nil {
		t.Fatal(err)
	}
	if env2.Type != wire.EnvelopeTypeMessage {
		t.Fatalf("envelope type after restart: got %d", env2.Type)
	}
	pt, err := bob2.Decrypt("alice", env2)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "two" {
		t.Errorf("plaintext after restart: got %q", pt)
	}
}

func TestDropSession(t *testing.T) {
	ctx := context.Background()

	aliceStore, _ := newTestPeer(t)
	_, bobBundle := newTestPeer(t)

	alice := NewManager(aliceStore, &fakeFetcher{bundles: map[string]*wire.PreKeyBundle{"bob": bobBundle}}, nil)
	if err := alice.EnsureSession(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	has, err := alice.HasSession("bob")
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Fatal("session should exist")
	}

	if err := alice.DropSession("bob"); err != nil {
		t.Fatal(err)
	}
	has, err = alice.HasSession("bob")
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Fatal("session should be gone after drop")
	}
}

func TestTamperedHandshakeLeavesNoSession(t *testing.T) {
	ctx := context.Background()

	aliceStore, _ := newTestPeer(t)
	bobStore, bobBundle := newTestPeer(t)

	alice := NewManager(aliceStore, &fakeFetcher{bundles: map[string]*wire.PreKeyBundle{"bob": bobBundle}}, nil)
	bob := NewManager(bobStore, &fakeFetcher{}, nil)

	if err := alice.EnsureSession(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	env, err := alice.Encrypt("bob", []byte("hi"))
	if err != nil {
		t.Fatal(err)
	}

	// A corrupted ephemeral key derives a wrong root key, so the inner
	// message cannot verify.
	var pkm wire.PreKeyMessage
	if err := json.Unmarshal(env.Body, &pkm); err != nil {
		t.Fatal(err)
	}
	pkm.EphemeralKey[0] ^= 0xff
	body, err := json.Marshal(pkm)
	if err != nil {
		t.Fatal(err)
	}
	tampered := &wire.Envelope{Type: wire.EnvelopeTypePreKey, Body: body}

	if _, err := bob.Decrypt("alice", tampered); !errors.Is(err, crypterr.ErrDecryptionFailure) {
		t.Fatalf("tampered handshake: got %v, want ErrDecryptionFailure", err)
	}

	// The fledgling responder session must not survive the failure, in
	// memory or on disk.
	if has, err := bob.HasSession("alice"); err != nil || has {
		t.Fatalf("session after tampered handshake: has=%v err=%v", has, err)
	}

	// The genuine envelope redoes the handshake cleanly.
	pt, err := bob.Decrypt("alice", env)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "hi" {
		t.Errorf("plaintext after tampered attempt: got %q", pt)
	}
}

func TestHandshakeRetainedUntilPeerReplies(t *testing.T) {
	ctx := context.Background()

	aliceStore, _ := newTestPeer(t)
	bobStore, bobBundle := newTestPeer(t)

	alice := NewManager(aliceStore, &fakeFetcher{bundles: map[string]*wire.PreKeyBundle{"bob": bobBundle}}, nil)
	bob := NewManager(bobStore, &fakeFetcher{}, nil)

	if err := alice.EnsureSession(ctx, "bob"); err != nil {
		t.Fatal(err)
	}

	// Two sends before any delivery confirmation: both carry the handshake.
	env1, err := alice.Encrypt("bob", []byte("first"))
	if err != nil {
		t.Fatal(err)
	}
	env2, err := alice.Encrypt("bob", []byte("second"))
	if err != nil {
		t.Fatal(err)
	}
	if env1.Type != wire.EnvelopeTypePreKey || env2.Type != wire.EnvelopeTypePreKey {
		t.Fatalf("pre-confirmation envelope types: got %d, %d", env1.Type, env2.Type)
	}

	// The first envelope is lost in transit; bob still establishes the
	// session from the second.
	pt, err := bob.Decrypt("alice", env2)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "second" {
		t.Errorf("plaintext: got %q", pt)
	}

	reply, err := bob.Encrypt("alice", []byte("got it"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := alice.Decrypt("bob", reply); err != nil {
		t.Fatal(err)
	}

	// Confirmation clears the stored handshake.
	pending, err := aliceStore.LoadPendingHandshake(Address("bob"))
	if err != nil {
		t.Fatal(err)
	}
	if pending != nil {
		t.Error("pending handshake should be cleared after the peer replies")
	}
	env3, err := alice.Encrypt("bob", []byte("third"))
	if err != nil {
		t.Fatal(err)
	}
	if env3.Type != wire.EnvelopeTypeMessage {
		t.Fatalf("post-confirmation envelope type: got %d", env3.Type)
	}
}
