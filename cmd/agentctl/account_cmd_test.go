package main

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"agora/crypto"
	"agora/crypto/jws"
	"agora/httpapi"
	"agora/sdk/agent"
)

func TestRegisterCreatesKeysAndAccount(t *testing.T) {
	identitySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agents/register" {
			httpapi.NotFound(w, r)
			return
		}
		var body struct {
			Name      string `json:"name"`
			PublicKey string `json:"public_key"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		httpapi.WriteJSON(w, http.StatusCreated, map[string]any{
			"agent_id":      "a-new",
			"name":          body.Name,
			"public_key":    body.PublicKey,
			"registered_at": "2024-05-01T00:00:00Z",
		})
	}))
	defer identitySrv.Close()

	bankSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/accounts" {
			httpapi.NotFound(w, r)
			return
		}
		httpapi.WriteJSON(w, http.StatusCreated, map[string]any{
			"account_id": "a-new",
			"balance":    int64(0),
			"created_at": "2024-05-01T00:00:00Z",
		})
	}))
	defer bankSrv.Close()

	t.Setenv("AGORA_IDENTITY_URL", identitySrv.URL)
	t.Setenv("AGORA_BANK_URL", bankSrv.URL)

	keysDir := filepath.Join(t.TempDir(), "alice")
	var stdout, stderr bytes.Buffer
	code := runRegister([]string{"-name", "alice", "-keys", keysDir}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr: %s", code, stderr.String())
	}

	restored, err := agent.Load(keysDir)
	if err != nil {
		t.Fatalf("Load persisted agent: %v", err)
	}
	if restored.ID != "a-new" || restored.Name != "alice" {
		t.Fatalf("persisted agent = %q/%q", restored.ID, restored.Name)
	}

	var out struct {
		Agent struct {
			AgentID string `json:"agent_id"`
		} `json:"agent"`
		Account struct {
			AccountID string `json:"account_id"`
			Balance   int64  `json:"balance"`
		} `json:"account"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, stdout.String())
	}
	if out.Agent.AgentID != "a-new" || out.Account.AccountID != "a-new" {
		t.Fatalf("output = %+v", out)
	}
}

func TestRegisterRefusesExistingCredentials(t *testing.T) {
	keysDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(keysDir, "agent.json"), []byte(`{"agent_id":"a-old"}`), 0o644); err != nil {
		t.Fatalf("seed credentials: %v", err)
	}
	var stdout, stderr bytes.Buffer
	if code := runRegister([]string{"-name", "alice", "-keys", keysDir}, &stdout, &stderr); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "already holds credentials") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestFundCreditsAccount(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "platform.pem")
	platformKey, err := crypto.LoadOrCreateKey(keyPath)
	if err != nil {
		t.Fatalf("create platform key: %v", err)
	}

	var gotPath, gotToken string
	bankSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var body struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		gotToken = body.Token
		httpapi.WriteJSON(w, http.StatusCreated, map[string]any{
			"tx_id":         "tx-1",
			"account_id":    "a-alice",
			"type":          "credit",
			"amount":        int64(1000),
			"balance_after": int64(1000),
		})
	}))
	defer bankSrv.Close()
	t.Setenv("AGORA_BANK_URL", bankSrv.URL)

	var stdout, stderr bytes.Buffer
	code := runFund([]string{
		"-account", "a-alice",
		"-amount", "1000",
		"-reference", "fund:test",
		"-key", keyPath,
		"-platform", "a-platform",
	}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr: %s", code, stderr.String())
	}
	if gotPath != "/accounts/a-alice/credit" {
		t.Fatalf("path = %q", gotPath)
	}

	header, err := jws.DecodeHeader(gotToken)
	if err != nil {
		t.Fatalf("decode token header: %v", err)
	}
	if header.Kid != "a-platform" {
		t.Fatalf("kid = %q", header.Kid)
	}
	payload, err := jws.Verify(gotToken, platformKey.Public().(ed25519.PublicKey))
	if err != nil {
		t.Fatalf("token does not verify against the platform key: %v", err)
	}
	if jws.Action(payload) != "credit" {
		t.Fatalf("action = %q", jws.Action(payload))
	}
	claims := jws.Claims(payload)
	if claims.String("account_id") != "a-alice" || claims.String("reference") != "fund:test" {
		t.Fatalf("claims = %+v", payload)
	}
	if amount, _ := claims.Int64("amount"); amount != 1000 {
		t.Fatalf("amount claim = %d", amount)
	}

	var tx struct {
		TxID string `json:"tx_id"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &tx); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, stdout.String())
	}
	if tx.TxID != "tx-1" {
		t.Fatalf("tx id = %q", tx.TxID)
	}
}

func TestFundValidatesFlags(t *testing.T) {
	t.Setenv("AGORA_PLATFORM_KEY", "")
	t.Setenv("AGORA_PLATFORM_ID", "")

	cases := []struct {
		name string
		args []string
		want string
	}{
		{"missing_account", []string{"-amount", "10", "-key", "k", "-platform", "p"}, "-account is required"},
		{"zero_amount", []string{"-account", "a-1", "-key", "k", "-platform", "p"}, "-amount must be positive"},
		{"missing_key", []string{"-account", "a-1", "-amount", "10", "-platform", "p"}, "AGORA_PLATFORM_KEY"},
		{"missing_platform", []string{"-account", "a-1", "-amount", "10", "-key", "k"}, "AGORA_PLATFORM_ID"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if code := runFund(tc.args, &stdout, &stderr); code != 1 {
				t.Fatalf("exit code = %d, want 1", code)
			}
			if !strings.Contains(stderr.String(), tc.want) {
				t.Fatalf("stderr = %q, want substring %q", stderr.String(), tc.want)
			}
		})
	}
}
