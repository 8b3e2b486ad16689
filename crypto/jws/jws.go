// Package jws signs and verifies the compact Ed25519 JWS envelopes that
// agents and platform services exchange. Every mutating request body is a
// single token whose payload carries an "action" claim plus the request
// fields, and whose protected header names the signing key through "kid".
package jws

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Algorithm is the only JWS algorithm the platform accepts.
const Algorithm = "EdDSA"

var (
	// ErrMalformed reports a token that is not a three-part compact JWS
	// with a decodable protected header.
	ErrMalformed = errors.New("jws: malformed token")
	// ErrUnexpectedAlgorithm reports a header alg other than EdDSA.
	ErrUnexpectedAlgorithm = errors.New("jws: unexpected algorithm")
	// ErrMissingKeyID reports a header without a kid claim.
	ErrMissingKeyID = errors.New("jws: missing kid header")
	// ErrSignature reports a token whose signature does not verify
	// against the resolved public key.
	ErrSignature = errors.New("jws: signature verification failed")
)

// Header is the protected header of a compact JWS token.
type Header struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Typ string `json:"typ,omitempty"`
}

// DecodeHeader parses the protected header of a compact token without
// verifying the signature. It enforces the three-part compact shape, the
// EdDSA algorithm, and the presence of a key id, so callers can resolve the
// signer before paying for verification.
func DecodeHeader(token string) (Header, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Header{}, ErrMalformed
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Header{}, ErrMalformed
	}
	var header Header
	if err := json.Unmarshal(raw, &header); err != nil {
		return Header{}, ErrMalformed
	}
	if header.Alg != Algorithm {
		return Header{}, fmt.Errorf("%w: %q", ErrUnexpectedAlgorithm, header.Alg)
	}
	if header.Kid == "" {
		return Header{}, ErrMissingKeyID
	}
	return header, nil
}

// Verify checks token against pub and returns the payload claims. The error
// is ErrMalformed when the token cannot be parsed at all and ErrSignature
// when the structure is fine but the signature (or a registered claim such
// as exp) does not hold.
func Verify(token string, pub ed25519.PublicKey) (map[string]any, error) {
	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
		return pub, nil
	}, jwt.WithValidMethods([]string{Algorithm}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, ErrMalformed
		}
		return nil, fmt.Errorf("%w: %v", ErrSignature, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrMalformed
	}
	return map[string]any(claims), nil
}

// DecodeClaims extracts the payload claims without verifying the signature.
// The task board uses it to cross-check an escrow token it will forward to
// the bank verbatim; nothing trusts the result beyond field comparison.
func DecodeClaims(token string) (map[string]any, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, ErrMalformed
	}
	return map[string]any(claims), nil
}

// Action returns the action claim of a payload, or an empty string when the
// claim is absent or not a string.
func Action(claims map[string]any) string {
	action, _ := claims["action"].(string)
	return action
}

// Claims gives typed access to a decoded payload. JSON numbers arrive as
// float64, so the integer accessors tolerate that representation while
// rejecting fractional values.
type Claims map[string]any

// String returns the named claim as a trimmed string, or "" when absent or
// not a string.
func (c Claims) String(key string) string {
	value, _ := c[key].(string)
	return strings.TrimSpace(value)
}

// Int64 returns the named claim as an int64. The second result reports
// whether the claim was present and whole.
func (c Claims) Int64(key string) (int64, bool) {
	switch value := c[key].(type) {
	case float64:
		whole := int64(value)
		if float64(whole) != value {
			return 0, false
		}
		return whole, true
	case int64:
		return value, true
	case int:
		return int64(value), true
	case json.Number:
		parsed, err := value.Int64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// Int returns the named claim as an int, with the same semantics as Int64.
func (c Claims) Int(key string) (int, bool) {
	value, ok := c.Int64(key)
	if !ok {
		return 0, false
	}
	return int(value), true
}

// Signer issues platform- or agent-signed tokens under a fixed key id.
type Signer struct {
	KeyID string
	Key   ed25519.PrivateKey
}

// Sign produces a compact JWS whose payload is claims plus the given action.
func (s Signer) Sign(action string, claims map[string]any) (string, error) {
	payload := jwt.MapClaims{"action": action}
	for k, v := range claims {
		payload[k] = v
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, payload)
	token.Header["kid"] = s.KeyID
	signed, err := token.SignedString(s.Key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
