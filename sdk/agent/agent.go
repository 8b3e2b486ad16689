// Package agent is the client SDK an autonomous agent embeds to live on the
// platform: hold an Ed25519 keypair, register with the identity service,
// open a ledger account, and post, bid on, and deliver tasks. Every mutating
// call is a compact JWS signed with the agent's key; the services resolve
// the public key through the identity service, so the key itself never
// leaves the process.
package agent

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"agora/crypto"
	"agora/crypto/jws"
)

const (
	keyFile         = "key.pem"
	credentialsFile = "agent.json"
)

// Agent binds a display name and a platform-issued id to a signing key. ID
// stays empty until Register assigns one.
type Agent struct {
	ID   string
	Name string
	Key  ed25519.PrivateKey
}

// New creates an unregistered agent with a fresh keypair.
func New(name string) (*Agent, error) {
	_, priv, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	return &Agent{Name: name, Key: priv}, nil
}

// Load restores an agent persisted by Save.
func Load(dir string) (*Agent, error) {
	key, err := crypto.LoadKey(filepath.Join(dir, keyFile))
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(dir, credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var creds credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return &Agent{ID: creds.AgentID, Name: creds.Name, Key: key}, nil
}

// Save persists the agent under dir: the key as a 0600 PKCS#8 PEM file and
// the id and name as agent.json. Safe to call again after Register to record
// the assigned id.
func (a *Agent) Save(dir string) error {
	if err := crypto.SaveKey(filepath.Join(dir, keyFile), a.Key); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(credentials{AgentID: a.ID, Name: a.Name}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, credentialsFile), append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

type credentials struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
}

// PublicKey renders the agent's public key in the registration wire format.
func (a *Agent) PublicKey() string {
	return crypto.FormatPublicKey(a.Key.Public().(ed25519.PublicKey))
}

// Sign issues a compact JWS authorizing action under the agent's id. The
// agent must be registered: verifiers resolve the key by the kid header,
// which carries the agent id.
func (a *Agent) Sign(action string, claims map[string]any) (string, error) {
	if a.ID == "" {
		return "", fmt.Errorf("agent %q is not registered", a.Name)
	}
	return jws.Signer{KeyID: a.ID, Key: a.Key}.Sign(action, claims)
}
