package backup

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/veldtchat/e2ee-go/internal/crypterr"
	"github.com/veldtchat/e2ee-go/internal/keystore"
	"github.com/veldtchat/e2ee-go/internal/ratchet"
	"github.com/veldtchat/e2ee-go/internal/relay"
)

func newTestService(t *testing.T, baseURL string) (*Service, *keystore.Store) {
	t.Helper()
	store, err := keystore.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	var rc *relay.Client
	if baseURL != "" {
		rc = relay.NewClient(relay.Config{BaseURL: baseURL})
	}
	return NewService(store, rc, nil), store
}

func seedIdentity(t *testing.T, store *keystore.Store) *keystore.Identity {
	t.Helper()
	id, err := ratchet.GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SaveIdentity(id); err != nil {
		t.Fatal(err)
	}
	return id
}

func TestExportImportRoundtrip(t *testing.T) {
	svc, store := newTestService(t, "")
	want := seedIdentity(t, store)

	blob, err := svc.Export("correct horse battery")
	if err != nil {
		t.Fatal(err)
	}

	// Restore into a fresh scope.
	svc2, store2 := newTestService(t, "")
	if err := svc2.Import(blob, "correct horse battery"); err != nil {
		t.Fatal(err)
	}

	got, err := store2.LoadIdentity()
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("identity not restored")
	}
	if string(got.DHPrivate) != string(want.DHPrivate) {
		t.Error("restored DH private key differs")
	}
	if string(got.SigningPrivate) != string(want.SigningPrivate) {
		t.Error("restored signing key differs")
	}
	if got.RegistrationID != want.RegistrationID {
		t.Errorf("registration id: got %d, want %d", got.RegistrationID, want.RegistrationID)
	}
}

func TestExportWeakPassphrase(t *testing.T) {
	svc, store := newTestService(t, "")
	seedIdentity(t, store)

	if _, err := svc.Export("short"); !errors.Is(err, crypterr.ErrWeakPassphrase) {
		t.Fatalf("got %v, want ErrWeakPassphrase", err)
	}
}

func TestExportWithoutIdentity(t *testing.T) {
	svc, _ := newTestService(t, "")
	if _, err := svc.Export("long enough passphrase"); err == nil {
		t.Fatal("export without identity should fail")
	}
}

func TestImportWrongPassphraseLeavesIdentityUntouched(t *testing.T) {
	svc, store := newTestService(t, "")
	seedIdentity(t, store)
	blob, err := svc.Export("the right passphrase")
	if err != nil {
		t.Fatal(err)
	}

	svc2, store2 := newTestService(t, "")
	existing := seedIdentity(t, store2)

	err = svc2.Import(blob, "the wrong passphrase")
	if !errors.Is(err, crypterr.ErrAuthenticationFailure) {
		t.Fatalf("got %v, want ErrAuthenticationFailure", err)
	}

	// The failed import must not have clobbered the existing identity.
	got, err := store2.LoadIdentity()
	if err != nil {
		t.Fatal(err)
	}
	if string(got.DHPrivate) != string(existing.DHPrivate) {
		t.Error("failed import overwrote the existing identity")
	}
}

func TestImportClearsStaleState(t *testing.T) {
	svc, store := newTestService(t, "")
	seedIdentity(t, store)
	blob, err := svc.Export("a fine passphrase")
	if err != nil {
		t.Fatal(err)
	}

	// A second device with its own identity and accumulated state.
	svc2, store2 := newTestService(t, "")
	seedIdentity(t, store2)
	if err := store2.SaveSessionState("bob", []byte("ratchet-state")); err != nil {
		t.Fatal(err)
	}
	if err := store2.SavePendingHandshake("bob", []byte("handshake")); err != nil {
		t.Fatal(err)
	}
	if err := store2.SaveTrustedIdentity("bob", "fingerprint"); err != nil {
		t.Fatal(err)
	}
	if err := store2.StorePreKey(&keystore.PreKey{ID: 1, PrivateKey: []byte("priv"), PublicKey: []byte("pub")}); err != nil {
		t.Fatal(err)
	}
	if err := store2.AddDistributedMember("ch1", "bob"); err != nil {
		t.Fatal(err)
	}

	if err := svc2.Import(blob, "a fine passphrase"); err != nil {
		t.Fatal(err)
	}

	// Everything bound to the replaced identity is gone.
	if has, _ := store2.HasSession("bob"); has {
		t.Error("stale session survived import")
	}
	if hs, _ := store2.LoadPendingHandshake("bob"); hs != nil {
		t.Error("stale pending handshake survived import")
	}
	if fp, _ := store2.TrustedIdentity("bob"); fp != "" {
		t.Error("stale pinned fingerprint survived import")
	}
	if n, _ := store2.CountPreKeys(); n != 0 {
		t.Errorf("stale pre-keys survived import: %d", n)
	}
	members, err := store2.DistributedMembers("ch1")
	if err != nil {
		t.Fatal(err)
	}
	if members["bob"] {
		t.Error("stale distribution record survived import")
	}
}

func TestImportCorruptedBlob(t *testing.T) {
	svc, store := newTestService(t, "")
	seedIdentity(t, store)
	blob, err := svc.Export("a fine passphrase")
	if err != nil {
		t.Fatal(err)
	}

	corrupted := append([]byte{}, blob...)
	corrupted[len(corrupted)-1] ^= 0xff
	if err := svc.Import(corrupted, "a fine passphrase"); !errors.Is(err, crypterr.ErrAuthenticationFailure) {
		t.Fatalf("corrupted blob: got %v, want ErrAuthenticationFailure", err)
	}

	if err := svc.Import([]byte("tiny"), "a fine passphrase"); !errors.Is(err, crypterr.ErrAuthenticationFailure) {
		t.Fatalf("truncated blob: got %v, want ErrAuthenticationFailure", err)
	}
}

func TestExportIsSaltedPerCall(t *testing.T) {
	svc, store := newTestService(t, "")
	seedIdentity(t, store)

	b1, err := svc.Export("a fine passphrase")
	if err != nil {
		t.Fatal(err)
	}
	b2, err := svc.Export("a fine passphrase")
	if err != nil {
		t.Fatal(err)
	}
	if string(b1) == string(b2) {
		t.Fatal("two exports should use fresh salt and nonce")
	}
}

func TestServerBackupRoundtrip(t *testing.T) {
	var stored []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && r.URL.Path == "/v1/backup":
			var payload struct {
				EncryptedBlob []byte `json:"encryptedBlob"`
			}
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			stored = payload.EncryptedBlob
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet && r.URL.Path == "/v1/backup":
			if stored == nil {
				http.NotFound(w, r)
				return
			}
			json.NewEncoder(w).Encode(struct {
				EncryptedBlob []byte `json:"encryptedBlob"`
			}{stored})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()

	svc, store := newTestService(t, srv.URL)
	want := seedIdentity(t, store)

	// Download before any upload reports a clean miss.
	svc2, _ := newTestService(t, srv.URL)
	if err := svc2.DownloadFromServer(ctx, "vaulted passphrase"); err == nil {
		t.Fatal("download without server backup should fail")
	}

	if err := svc.UploadToServer(ctx, "vaulted passphrase"); err != nil {
		t.Fatal(err)
	}
	if stored == nil {
		t.Fatal("server never received the blob")
	}

	svc3, store3 := newTestService(t, srv.URL)
	if err := svc3.DownloadFromServer(ctx, "vaulted passphrase"); err != nil {
		t.Fatal(err)
	}
	got, err := store3.LoadIdentity()
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || string(got.DHPrivate) != string(want.DHPrivate) {
		t.Fatal("identity not restored from server backup")
	}
}
