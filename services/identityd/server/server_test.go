package server

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	agoracrypto "agora/crypto"
	"agora/crypto/jws"
	"agora/services/identityd/storage"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	store, err := storage.OpenMemory(uuid.NewString())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	srv := New(Config{ServiceName: "identityd-test"}, store, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func registerAgent(t *testing.T, baseURL, name string) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	resp := postJSON(t, baseURL+"/agents/register", map[string]string{
		"name":       name,
		"public_key": agoracrypto.FormatPublicKey(pub),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	var body struct {
		AgentID string `json:"agent_id"`
	}
	decodeBody(t, resp, &body)
	if !strings.HasPrefix(body.AgentID, "a-") {
		t.Fatalf("agent id %q missing prefix", body.AgentID)
	}
	return body.AgentID, priv
}

func TestRegisterAndFetchAgent(t *testing.T) {
	_, ts := newTestServer(t)
	agentID, _ := registerAgent(t, ts.URL, "alice")

	resp, err := http.Get(ts.URL + "/agents/" + agentID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var body struct {
		AgentID   string `json:"agent_id"`
		Name      string `json:"name"`
		PublicKey string `json:"public_key"`
	}
	decodeBody(t, resp, &body)
	if body.Name != "alice" || body.PublicKey == "" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestRegisterRejectsDuplicateKey(t *testing.T) {
	_, ts := newTestServer(t)
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	key := agoracrypto.FormatPublicKey(pub)

	first := postJSON(t, ts.URL+"/agents/register", map[string]string{"name": "alice", "public_key": key})
	if first.StatusCode != http.StatusCreated {
		t.Fatalf("first register status = %d", first.StatusCode)
	}
	second := postJSON(t, ts.URL+"/agents/register", map[string]string{"name": "impostor", "public_key": key})
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("second register status = %d, want 409", second.StatusCode)
	}
	var envelope struct {
		Code string `json:"error"`
	}
	decodeBody(t, second, &envelope)
	if envelope.Code != "PUBLIC_KEY_EXISTS" {
		t.Fatalf("error code = %q", envelope.Code)
	}
}

func TestRegisterRejectsBadKeys(t *testing.T) {
	_, ts := newTestServer(t)
	for _, key := range []string{"", "not-a-key", "ed25519:%%%", "ed25519:c2hvcnQ="} {
		resp := postJSON(t, ts.URL+"/agents/register", map[string]string{"name": "x", "public_key": key})
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("key %q status = %d, want 400", key, resp.StatusCode)
		}
	}
}

func TestListAgentsOmitsPublicKey(t *testing.T) {
	_, ts := newTestServer(t)
	registerAgent(t, ts.URL, "alice")
	registerAgent(t, ts.URL, "bob")

	resp, err := http.Get(ts.URL + "/agents")
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Agents []map[string]any `json:"agents"`
		Count  int              `json:"count"`
	}
	decodeBody(t, resp, &body)
	if body.Count != 2 {
		t.Fatalf("count = %d, want 2", body.Count)
	}
	for _, agent := range body.Agents {
		if _, ok := agent["public_key"]; ok {
			t.Fatalf("public_key leaked in list: %v", agent)
		}
	}
}

func TestVerifyJWSRoundTrip(t *testing.T) {
	_, ts := newTestServer(t)
	agentID, priv := registerAgent(t, ts.URL, "alice")

	token, err := jws.Signer{KeyID: agentID, Key: priv}.Sign("create_task", map[string]any{"task_id": "t-1"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	resp := postJSON(t, ts.URL+"/agents/verify-jws", map[string]string{"token": token})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status = %d", resp.StatusCode)
	}
	var body struct {
		Valid   bool           `json:"valid"`
		AgentID string         `json:"agent_id"`
		Payload map[string]any `json:"payload"`
	}
	decodeBody(t, resp, &body)
	if !body.Valid || body.AgentID != agentID {
		t.Fatalf("unexpected verify result: %+v", body)
	}
	if body.Payload["action"] != "create_task" || body.Payload["task_id"] != "t-1" {
		t.Fatalf("unexpected payload: %v", body.Payload)
	}
}

func TestVerifyJWSTamperedSignature(t *testing.T) {
	_, ts := newTestServer(t)
	agentID, priv := registerAgent(t, ts.URL, "alice")

	token, err := jws.Signer{KeyID: agentID, Key: priv}.Sign("create_task", nil)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + "." + flipFirstChar(parts[2])

	resp := postJSON(t, ts.URL+"/agents/verify-jws", map[string]string{"token": tampered})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status = %d, want 200 with valid=false", resp.StatusCode)
	}
	var body struct {
		Valid  bool   `json:"valid"`
		Reason string `json:"reason"`
	}
	decodeBody(t, resp, &body)
	if body.Valid || body.Reason == "" {
		t.Fatalf("tampered token verified: %+v", body)
	}
}

func TestVerifyJWSWrongSigner(t *testing.T) {
	_, ts := newTestServer(t)
	agentID, _ := registerAgent(t, ts.URL, "alice")
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	// Token claims alice's kid but is signed by someone else.
	token, err := jws.Signer{KeyID: agentID, Key: otherPriv}.Sign("escrow_lock", nil)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	resp := postJSON(t, ts.URL+"/agents/verify-jws", map[string]string{"token": token})
	var body struct {
		Valid bool `json:"valid"`
	}
	decodeBody(t, resp, &body)
	if body.Valid {
		t.Fatal("token signed with the wrong key verified")
	}
}

func TestVerifyJWSRejectsMalformedAndUnknown(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/agents/verify-jws", map[string]string{"token": "junk"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed token status = %d, want 400", resp.StatusCode)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	token, err := jws.Signer{KeyID: "a-ghost", Key: priv}.Sign("credit", nil)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	resp = postJSON(t, ts.URL+"/agents/verify-jws", map[string]string{"token": token})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown signer status = %d, want 404", resp.StatusCode)
	}
}

func TestHealthReportsCounters(t *testing.T) {
	_, ts := newTestServer(t)
	registerAgent(t, ts.URL, "alice")

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["status"] != "ok" {
		t.Fatalf("status = %v", body["status"])
	}
	if body["agents_registered"] != float64(1) {
		t.Fatalf("agents_registered = %v, want 1", body["agents_registered"])
	}
}

func flipFirstChar(s string) string {
	if s == "" {
		return s
	}
	first := s[0]
	if first == 'A' {
		return "B" + s[1:]
	}
	return "A" + s[1:]
}
