package agent

import (
	"crypto/ed25519"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"agora/crypto"
	"agora/crypto/jws"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	a, err := New("alice")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.ID = "a-alice"
	if err := a.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "key.pem"))
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("key file mode = %o, want 600", perm)
	}

	restored, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if restored.ID != "a-alice" || restored.Name != "alice" {
		t.Fatalf("restored credentials = %q/%q", restored.ID, restored.Name)
	}

	token, err := restored.Sign("credit", map[string]any{"amount": int64(5)})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	header, err := jws.DecodeHeader(token)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if header.Kid != "a-alice" {
		t.Fatalf("kid = %q, want a-alice", header.Kid)
	}
	payload, err := jws.Verify(token, a.Key.Public().(ed25519.PublicKey))
	if err != nil {
		t.Fatalf("restored key does not match the saved one: %v", err)
	}
	if jws.Action(payload) != "credit" {
		t.Fatalf("action = %q, want credit", jws.Action(payload))
	}
	if amount, ok := jws.Claims(payload).Int64("amount"); !ok || amount != 5 {
		t.Fatalf("amount claim = %d (%v), want 5", amount, ok)
	}
}

func TestSignRequiresRegistration(t *testing.T) {
	a, err := New("bob")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := a.Sign("create_account", nil); err == nil {
		t.Fatal("Sign succeeded without a registered id")
	}
}

func TestLoadMissingKey(t *testing.T) {
	if _, err := Load(t.TempDir()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Load on an empty dir = %v, want ErrNotExist", err)
	}
}

func TestPublicKeyParses(t *testing.T) {
	a, err := New("carol")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	parsed, err := crypto.ParsePublicKey(a.PublicKey())
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if !parsed.Equal(a.Key.Public().(ed25519.PublicKey)) {
		t.Fatal("formatted public key does not round-trip")
	}
}
