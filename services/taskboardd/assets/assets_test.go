package assets

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"
)

func newTestStore(t *testing.T, maxBytes int64) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), maxBytes)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestSaveAndOpenRoundTrip(t *testing.T) {
	store := newTestStore(t, 1<<20)

	content := "Hello World"
	saved, err := store.Save("t-1", "asset-1", "result.txt", strings.NewReader(content))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.Filename != "result.txt" || saved.SizeBytes != int64(len(content)) {
		t.Fatalf("unexpected saved: %+v", saved)
	}
	sum := sha256.Sum256([]byte(content))
	if saved.SHA256 != hex.EncodeToString(sum[:]) {
		t.Fatalf("hash = %s, want sha256 of content", saved.SHA256)
	}

	file, err := store.Open("t-1", "asset-1", "result.txt")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer file.Close()
	got, err := io.ReadAll(file)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != content {
		t.Fatalf("content = %q, want %q", got, content)
	}
}

func TestSaveStripsDirectoryComponents(t *testing.T) {
	store := newTestStore(t, 1<<20)

	saved, err := store.Save("t-1", "asset-1", "../../../../etc/passwd", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.Filename != "passwd" {
		t.Fatalf("filename = %q, want base name only", saved.Filename)
	}

	// The file must live under <root>/<task>/<asset>, not where the
	// traversal pointed.
	if _, err := store.Open("t-1", "asset-1", "passwd"); err != nil {
		t.Fatalf("open sanitised file: %v", err)
	}
}

func TestSaveRejectsEmptyFilename(t *testing.T) {
	store := newTestStore(t, 1<<20)
	for _, name := range []string{"", "   ", ".", "..", "/"} {
		if _, err := store.Save("t-1", "asset-1", name, strings.NewReader("x")); !errors.Is(err, ErrInvalidFilename) {
			t.Fatalf("name %q: expected ErrInvalidFilename, got %v", name, err)
		}
	}
}

func TestSaveEnforcesSizeCap(t *testing.T) {
	store := newTestStore(t, 8)

	if _, err := store.Save("t-1", "asset-1", "big.bin", strings.NewReader("123456789")); !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("expected ErrFileTooLarge, got %v", err)
	}
	// Exactly at the cap is accepted.
	saved, err := store.Save("t-1", "asset-2", "fits.bin", strings.NewReader("12345678"))
	if err != nil {
		t.Fatalf("save at cap: %v", err)
	}
	if saved.SizeBytes != 8 {
		t.Fatalf("size = %d, want 8", saved.SizeBytes)
	}
}

func TestOpenRefusesEscapingPaths(t *testing.T) {
	store := newTestStore(t, 1<<20)
	if _, err := store.Open("..", "..", "passwd"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.Open("t-1", "asset-1", "missing.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing file, got %v", err)
	}
}

func TestRemoveDeletesAssetDirectory(t *testing.T) {
	store := newTestStore(t, 1<<20)
	if _, err := store.Save("t-1", "asset-1", "a.txt", strings.NewReader("x")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Remove("t-1", "asset-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := store.Open("t-1", "asset-1", "a.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
}
