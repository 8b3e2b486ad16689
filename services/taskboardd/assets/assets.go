// Package assets owns deliverable files on disk. The database row is the
// authoritative index; this package only stores and serves bytes, with every
// resolved path confined under the storage root.
package assets

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrFileTooLarge is returned when an upload exceeds the per-file cap.
	ErrFileTooLarge = errors.New("file exceeds the size limit")
	// ErrInvalidFilename is returned when no safe filename remains after
	// sanitisation.
	ErrInvalidFilename = errors.New("invalid filename")
	// ErrNotFound is returned when the stored file is missing or the path
	// resolves outside the storage root.
	ErrNotFound = errors.New("asset file not found")
)

// Store writes and reads deliverable files under a single root directory.
type Store struct {
	root         string
	maxFileBytes int64
}

// NewStore prepares the on-disk layout rooted at dir.
func NewStore(dir string, maxFileBytes int64) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("asset directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve asset directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create asset directory: %w", err)
	}
	if maxFileBytes <= 0 {
		maxFileBytes = 1 << 20
	}
	return &Store{root: abs, maxFileBytes: maxFileBytes}, nil
}

// MaxFileBytes reports the configured per-file cap.
func (s *Store) MaxFileBytes() int64 {
	return s.maxFileBytes
}

// SanitizeFilename strips any directory components from a client-supplied
// name. Names that reduce to nothing or to a dot segment are rejected.
func SanitizeFilename(name string) (string, error) {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return "", ErrInvalidFilename
	}
	return name, nil
}

// Saved describes a file accepted into storage.
type Saved struct {
	Filename  string
	SizeBytes int64
	SHA256    string
}

// Save streams r into <root>/<taskID>/<assetID>/<filename>, hashing while it
// copies. The write lands in a temp file first and is renamed into place, so
// a crashed upload never leaves a partial deliverable at the final path.
func (s *Store) Save(taskID, assetID, filename string, r io.Reader) (Saved, error) {
	clean, err := SanitizeFilename(filename)
	if err != nil {
		return Saved{}, err
	}
	dir, err := s.confine(taskID, assetID)
	if err != nil {
		return Saved{}, err
	}
	final, err := s.confinedPath(taskID, assetID, clean)
	if err != nil {
		return Saved{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Saved{}, fmt.Errorf("create asset directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return Saved{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	hasher := sha256.New()
	// Read one byte past the cap so an exactly-at-limit file passes and an
	// over-limit file is detected without buffering it all.
	written, err := io.Copy(io.MultiWriter(tmp, hasher), io.LimitReader(r, s.maxFileBytes+1))
	if err != nil {
		cleanup()
		return Saved{}, fmt.Errorf("write asset: %w", err)
	}
	if written > s.maxFileBytes {
		cleanup()
		return Saved{}, ErrFileTooLarge
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return Saved{}, fmt.Errorf("flush asset: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return Saved{}, fmt.Errorf("finalise asset: %w", err)
	}
	return Saved{
		Filename:  clean,
		SizeBytes: written,
		SHA256:    hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Open returns a reader over a stored deliverable.
func (s *Store) Open(taskID, assetID, filename string) (*os.File, error) {
	path, err := s.confinedPath(taskID, assetID, filename)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open asset: %w", err)
	}
	return file, nil
}

// Remove deletes an asset's directory; used to undo a stored file whose
// index row failed to commit.
func (s *Store) Remove(taskID, assetID string) error {
	dir, err := s.confine(taskID, assetID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// confine resolves <root>/<taskID>/<assetID> and rejects any traversal out
// of the root.
func (s *Store) confine(taskID, assetID string) (string, error) {
	dir := filepath.Join(s.root, taskID, assetID)
	if !s.under(dir) {
		return "", ErrNotFound
	}
	return dir, nil
}

func (s *Store) confinedPath(taskID, assetID, filename string) (string, error) {
	path := filepath.Join(s.root, taskID, assetID, filename)
	if !s.under(path) {
		return "", ErrNotFound
	}
	return path, nil
}

func (s *Store) under(path string) bool {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
