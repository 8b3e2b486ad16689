package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"filippo.io/edwards25519"
)

// PublicKeyPrefix is the serialization prefix for agent public keys.
const PublicKeyPrefix = "ed25519:"

var (
	// ErrInvalidPublicKey is returned when a key string cannot be decoded
	// into a usable Ed25519 public key.
	ErrInvalidPublicKey = errors.New("invalid ed25519 public key")
)

// GenerateKeypair creates a fresh Ed25519 keypair for an agent.
func GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return pub, priv, nil
}

// FormatPublicKey renders a public key as "ed25519:<base64-raw-32>".
func FormatPublicKey(pub ed25519.PublicKey) string {
	return PublicKeyPrefix + base64.StdEncoding.EncodeToString(pub)
}

// ParsePublicKey decodes and validates a serialized agent public key. The
// encoded point must be 32 bytes, non-zero, on the curve, and not the
// identity element.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, PublicKeyPrefix) {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrInvalidPublicKey, PublicKeyPrefix)
	}
	encoded := strings.TrimPrefix(trimmed, PublicKeyPrefix)
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidPublicKey, len(raw), ed25519.PublicKeySize)
	}
	if allZero(raw) {
		return nil, fmt.Errorf("%w: all-zero point", ErrInvalidPublicKey)
	}
	point := new(edwards25519.Point)
	if _, err := point.SetBytes(raw); err != nil {
		return nil, fmt.Errorf("%w: not a curve point", ErrInvalidPublicKey)
	}
	if point.Equal(edwards25519.NewIdentityPoint()) == 1 {
		return nil, fmt.Errorf("%w: identity point", ErrInvalidPublicKey)
	}
	return ed25519.PublicKey(raw), nil
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
