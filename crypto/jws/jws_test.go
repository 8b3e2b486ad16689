package jws

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	signer := Signer{KeyID: "agent-alpha", Key: priv}
	token, err := signer.Sign("create_task", map[string]any{
		"task_id": "task-1",
		"reward":  float64(25),
	})
	require.NoError(t, err)

	header, err := DecodeHeader(token)
	require.NoError(t, err)
	require.Equal(t, Algorithm, header.Alg)
	require.Equal(t, "agent-alpha", header.Kid)

	claims, err := Verify(token, pub)
	require.NoError(t, err)
	require.Equal(t, "create_task", Action(claims))
	require.Equal(t, "task-1", claims["task_id"])
	require.Equal(t, float64(25), claims["reward"])
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	token, err := Signer{KeyID: "agent-alpha", Key: priv}.Sign("credit", nil)
	require.NoError(t, err)

	_, err = Verify(token, otherPub)
	require.ErrorIs(t, err, ErrSignature)
}

func TestVerifyRejectsMalformedToken(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	_, err = Verify("definitely-not-a-token", pub)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeHeaderRejections(t *testing.T) {
	encode := func(header map[string]any) string {
		raw, err := json.Marshal(header)
		require.NoError(t, err)
		return base64.RawURLEncoding.EncodeToString(raw) + ".e30.c2ln"
	}

	cases := []struct {
		name  string
		token string
		want  error
	}{
		{"two parts", "aaaa.bbbb", ErrMalformed},
		{"bad base64", "$$$$.e30.c2ln", ErrMalformed},
		{"wrong algorithm", encode(map[string]any{"alg": "HS256", "kid": "agent-1"}), ErrUnexpectedAlgorithm},
		{"missing kid", encode(map[string]any{"alg": "EdDSA"}), ErrMissingKeyID},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeHeader(tc.token)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestDecodeClaimsIgnoresSignature(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	token, err := Signer{KeyID: "agent-alpha", Key: priv}.Sign("escrow_lock", map[string]any{
		"escrow_id": "task-9",
		"amount":    float64(40),
	})
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	tampered := parts[0] + "." + parts[1] + ".AAAA"

	claims, err := DecodeClaims(tampered)
	require.NoError(t, err)
	require.Equal(t, "escrow_lock", Action(claims))
	require.Equal(t, "task-9", claims["escrow_id"])
}
