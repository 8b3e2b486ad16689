package crypto

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const pemBlockType = "PRIVATE KEY"

// LoadOrCreateKey reads an Ed25519 private key from a PKCS#8 PEM file,
// generating and persisting a new one when the file does not exist. The file
// is written with 0600 permissions so the platform key never leaks through
// group or world reads.
func LoadOrCreateKey(path string) (ed25519.PrivateKey, error) {
	key, err := LoadKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	_, priv, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}
	if err := SaveKey(path, priv); err != nil {
		return nil, err
	}
	return priv, nil
}

// LoadKey parses an Ed25519 private key from a PKCS#8 PEM file.
func LoadKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemBlockType {
		return nil, fmt.Errorf("key file %s: no %s PEM block", path, pemBlockType)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKCS#8 key: %w", err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key file %s: not an ed25519 key", path)
	}
	return key, nil
}

// SaveKey writes an Ed25519 private key as a PKCS#8 PEM file with 0600
// permissions, creating parent directories as needed.
func SaveKey(path string, key ed25519.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal PKCS#8 key: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create key directory: %w", err)
		}
	}
	encoded := pem.EncodeToMemory(&pem.Block{Type: pemBlockType, Bytes: der})
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}
