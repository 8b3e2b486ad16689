package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"agora/clients/identity"
	"agora/crypto/jws"
	"agora/httpapi"
	"agora/services/bankd/storage"
)

const testPlatformID = "a-platform"

// stubVerifier resolves signer keys locally so server tests never need a
// running identityd.
type stubVerifier struct {
	keys map[string]ed25519.PublicKey
	err  error
}

func (v *stubVerifier) VerifyJWS(_ context.Context, token string) (*identity.VerifyResult, error) {
	if v.err != nil {
		return nil, v.err
	}
	header, err := jws.DecodeHeader(token)
	if err != nil {
		return nil, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidJWS, "%v", err)
	}
	pub, ok := v.keys[header.Kid]
	if !ok {
		return nil, httpapi.Errorf(http.StatusNotFound, httpapi.CodeAgentNotFound, "unknown signer %q", header.Kid)
	}
	payload, err := jws.Verify(token, pub)
	if err != nil {
		return &identity.VerifyResult{Valid: false, Reason: "signature verification failed"}, nil
	}
	return &identity.VerifyResult{Valid: true, AgentID: header.Kid, Payload: payload}, nil
}

type testBank struct {
	ts       *httptest.Server
	verifier *stubVerifier
	platform jws.Signer
}

func newTestBank(t *testing.T) *testBank {
	t.Helper()
	store, err := storage.OpenMemory(uuid.NewString())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	verifier := &stubVerifier{keys: map[string]ed25519.PublicKey{}}
	bank := &testBank{verifier: verifier}
	bank.platform = bank.newSigner(t, testPlatformID)

	srv := New(Config{ServiceName: "bankd-test", PlatformAgentID: testPlatformID}, store, verifier, nil)
	bank.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(bank.ts.Close)
	return bank
}

func (b *testBank) newSigner(t *testing.T, agentID string) jws.Signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	b.verifier.keys[agentID] = pub
	return jws.Signer{KeyID: agentID, Key: priv}
}

func signToken(t *testing.T, signer jws.Signer, action string, claims map[string]any) string {
	t.Helper()
	token, err := signer.Sign(action, claims)
	if err != nil {
		t.Fatalf("sign %s: %v", action, err)
	}
	return token
}

func postToken(t *testing.T, url, token string) *http.Response {
	t.Helper()
	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func getWithBearer(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
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

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Code string `json:"error"`
	}
	decodeBody(t, resp, &body)
	return body.Code
}

func (b *testBank) createAccount(t *testing.T, agentID string, balance int64) {
	t.Helper()
	token := signToken(t, b.platform, "create_account", map[string]any{
		"agent_id":        agentID,
		"initial_balance": balance,
	})
	resp := postToken(t, b.ts.URL+"/accounts", token)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create account status = %d", resp.StatusCode)
	}
}

func (b *testBank) lockEscrow(t *testing.T, payer jws.Signer, taskID string, amount int64) string {
	t.Helper()
	token := signToken(t, payer, "escrow_lock", map[string]any{
		"agent_id": payer.KeyID,
		"task_id":  taskID,
		"amount":   amount,
	})
	resp := postToken(t, b.ts.URL+"/escrow/lock", token)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("lock status = %d", resp.StatusCode)
	}
	var escrow struct {
		EscrowID string `json:"escrow_id"`
	}
	decodeBody(t, resp, &escrow)
	return escrow.EscrowID
}

func TestCreateAccountPlatformSeeds(t *testing.T) {
	bank := newTestBank(t)
	poster := bank.newSigner(t, "a-poster")

	token := signToken(t, bank.platform, "create_account", map[string]any{
		"agent_id":        poster.KeyID,
		"initial_balance": 5000,
	})
	resp := postToken(t, bank.ts.URL+"/accounts", token)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var account struct {
		AccountID string `json:"account_id"`
		Balance   int64  `json:"balance"`
	}
	decodeBody(t, resp, &account)
	if account.AccountID != "a-poster" || account.Balance != 5000 {
		t.Fatalf("unexpected account: %+v", account)
	}
}

func TestCreateAccountSelfServiceZeroBalance(t *testing.T) {
	bank := newTestBank(t)
	worker := bank.newSigner(t, "a-worker")

	token := signToken(t, worker, "create_account", map[string]any{
		"agent_id":        worker.KeyID,
		"initial_balance": 999,
	})
	resp := postToken(t, bank.ts.URL+"/accounts", token)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var account struct {
		Balance int64 `json:"balance"`
	}
	decodeBody(t, resp, &account)
	if account.Balance != 0 {
		t.Fatalf("self-service balance = %d, want forced 0", account.Balance)
	}
}

func TestCreateAccountForOtherAgentForbidden(t *testing.T) {
	bank := newTestBank(t)
	worker := bank.newSigner(t, "a-worker")

	token := signToken(t, worker, "create_account", map[string]any{"agent_id": "a-victim"})
	resp := postToken(t, bank.ts.URL+"/accounts", token)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != httpapi.CodeForbidden {
		t.Fatalf("code = %s, want FORBIDDEN", code)
	}
}

func TestCreateAccountDuplicate(t *testing.T) {
	bank := newTestBank(t)
	bank.newSigner(t, "a-poster")
	bank.createAccount(t, "a-poster", 100)

	token := signToken(t, bank.platform, "create_account", map[string]any{"agent_id": "a-poster"})
	resp := postToken(t, bank.ts.URL+"/accounts", token)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != httpapi.CodeAccountExists {
		t.Fatalf("code = %s, want ACCOUNT_EXISTS", code)
	}
}

func TestCreditRequiresPlatformSigner(t *testing.T) {
	bank := newTestBank(t)
	worker := bank.newSigner(t, "a-worker")
	bank.createAccount(t, "a-worker", 0)

	token := signToken(t, worker, "credit", map[string]any{
		"account_id": "a-worker",
		"amount":     100,
		"reference":  "self-issued",
	})
	resp := postToken(t, bank.ts.URL+"/accounts/a-worker/credit", token)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestCreditIdempotency(t *testing.T) {
	bank := newTestBank(t)
	bank.newSigner(t, "a-worker")
	bank.createAccount(t, "a-worker", 0)

	credit := func(amount int64) *http.Response {
		token := signToken(t, bank.platform, "credit", map[string]any{
			"account_id": "a-worker",
			"amount":     amount,
			"reference":  "grant:july",
		})
		return postToken(t, bank.ts.URL+"/accounts/a-worker/credit", token)
	}

	first := credit(250)
	if first.StatusCode != http.StatusCreated {
		t.Fatalf("first credit status = %d, want 201", first.StatusCode)
	}
	var firstTx struct {
		TxID string `json:"tx_id"`
	}
	decodeBody(t, first, &firstTx)

	replay := credit(250)
	if replay.StatusCode != http.StatusOK {
		t.Fatalf("replay status = %d, want 200", replay.StatusCode)
	}
	var replayTx struct {
		TxID string `json:"tx_id"`
	}
	decodeBody(t, replay, &replayTx)
	if replayTx.TxID != firstTx.TxID {
		t.Fatalf("replay tx = %s, want original %s", replayTx.TxID, firstTx.TxID)
	}

	mismatched := credit(300)
	if mismatched.StatusCode != http.StatusBadRequest {
		t.Fatalf("mismatch status = %d, want 400", mismatched.StatusCode)
	}
	if code := errorCode(t, mismatched); code != httpapi.CodePayloadMismatch {
		t.Fatalf("code = %s, want PAYLOAD_MISMATCH", code)
	}
}

func TestCreditPayloadAccountMismatch(t *testing.T) {
	bank := newTestBank(t)
	bank.newSigner(t, "a-worker")
	bank.createAccount(t, "a-worker", 0)

	token := signToken(t, bank.platform, "credit", map[string]any{
		"account_id": "a-other",
		"amount":     100,
		"reference":  "grant",
	})
	resp := postToken(t, bank.ts.URL+"/accounts/a-worker/credit", token)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != httpapi.CodePayloadMismatch {
		t.Fatalf("code = %s, want PAYLOAD_MISMATCH", code)
	}
}

func TestAccountReadsAreOwnerOnly(t *testing.T) {
	bank := newTestBank(t)
	poster := bank.newSigner(t, "a-poster")
	snoop := bank.newSigner(t, "a-snoop")
	bank.createAccount(t, "a-poster", 5000)

	bearer := signToken(t, poster, "read", nil)
	resp := getWithBearer(t, bank.ts.URL+"/accounts/a-poster", bearer)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner read status = %d, want 200", resp.StatusCode)
	}

	snoopBearer := signToken(t, snoop, "read", nil)
	resp = getWithBearer(t, bank.ts.URL+"/accounts/a-poster", snoopBearer)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("snoop read status = %d, want 403", resp.StatusCode)
	}

	resp = getWithBearer(t, bank.ts.URL+"/accounts/a-poster/transactions", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("anonymous read status = %d, want 400", resp.StatusCode)
	}

	platformBearer := signToken(t, bank.platform, "read", nil)
	resp = getWithBearer(t, bank.ts.URL+"/accounts/a-poster/transactions", platformBearer)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("platform read status = %d, want 200", resp.StatusCode)
	}
}

func TestEscrowLockAndRelease(t *testing.T) {
	bank := newTestBank(t)
	poster := bank.newSigner(t, "a-poster")
	worker := bank.newSigner(t, "a-worker")
	bank.createAccount(t, "a-poster", 5000)
	bank.createAccount(t, "a-worker", 0)

	escrowID := bank.lockEscrow(t, poster, "t-1", 500)

	posterBearer := signToken(t, poster, "read", nil)
	resp := getWithBearer(t, bank.ts.URL+"/accounts/a-poster", posterBearer)
	var account struct {
		Balance int64 `json:"balance"`
	}
	decodeBody(t, resp, &account)
	if account.Balance != 4500 {
		t.Fatalf("poster balance = %d, want 4500 after lock", account.Balance)
	}

	release := signToken(t, bank.platform, "escrow_release", map[string]any{
		"escrow_id":    escrowID,
		"recipient_id": "a-worker",
	})
	resp = postToken(t, bank.ts.URL+"/escrow/"+escrowID+"/release", release)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("release status = %d, want 200", resp.StatusCode)
	}
	var result struct {
		Escrow struct {
			Status string `json:"status"`
		} `json:"escrow"`
		Transaction struct {
			Amount int64 `json:"amount"`
		} `json:"transaction"`
	}
	decodeBody(t, resp, &result)
	if result.Escrow.Status != "released" || result.Transaction.Amount != 500 {
		t.Fatalf("unexpected release result: %+v", result)
	}

	workerBearer := signToken(t, worker, "read", nil)
	resp = getWithBearer(t, bank.ts.URL+"/accounts/a-worker", workerBearer)
	decodeBody(t, resp, &account)
	if account.Balance != 500 {
		t.Fatalf("worker balance = %d, want 500 after release", account.Balance)
	}

	resp = postToken(t, bank.ts.URL+"/escrow/"+escrowID+"/release", release)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double release status = %d, want 409", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != httpapi.CodeEscrowResolved {
		t.Fatalf("code = %s, want ESCROW_ALREADY_RESOLVED", code)
	}
}

func TestEscrowLockInsufficientFunds(t *testing.T) {
	bank := newTestBank(t)
	poster := bank.newSigner(t, "a-poster")
	bank.createAccount(t, "a-poster", 100)

	token := signToken(t, poster, "escrow_lock", map[string]any{
		"agent_id": "a-poster",
		"task_id":  "t-1",
		"amount":   500,
	})
	resp := postToken(t, bank.ts.URL+"/escrow/lock", token)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != httpapi.CodeInsufficientFunds {
		t.Fatalf("code = %s, want INSUFFICIENT_FUNDS", code)
	}
}

func TestEscrowLockSignerMustBePayer(t *testing.T) {
	bank := newTestBank(t)
	bank.newSigner(t, "a-poster")
	mallory := bank.newSigner(t, "a-mallory")
	bank.createAccount(t, "a-poster", 5000)

	token := signToken(t, mallory, "escrow_lock", map[string]any{
		"agent_id": "a-poster",
		"task_id":  "t-1",
		"amount":   500,
	})
	resp := postToken(t, bank.ts.URL+"/escrow/lock", token)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestEscrowLockIdempotentPerTask(t *testing.T) {
	bank := newTestBank(t)
	poster := bank.newSigner(t, "a-poster")
	bank.createAccount(t, "a-poster", 5000)

	first := bank.lockEscrow(t, poster, "t-1", 500)

	replayToken := signToken(t, poster, "escrow_lock", map[string]any{
		"agent_id": "a-poster",
		"task_id":  "t-1",
		"amount":   500,
	})
	resp := postToken(t, bank.ts.URL+"/escrow/lock", replayToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replay status = %d, want 200", resp.StatusCode)
	}
	var escrow struct {
		EscrowID string `json:"escrow_id"`
	}
	decodeBody(t, resp, &escrow)
	if escrow.EscrowID != first {
		t.Fatalf("replay escrow = %s, want original %s", escrow.EscrowID, first)
	}

	mismatch := signToken(t, poster, "escrow_lock", map[string]any{
		"agent_id": "a-poster",
		"task_id":  "t-1",
		"amount":   999,
	})
	resp = postToken(t, bank.ts.URL+"/escrow/lock", mismatch)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("mismatch status = %d, want 409", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != httpapi.CodeEscrowAlreadyLocked {
		t.Fatalf("code = %s, want ESCROW_ALREADY_LOCKED", code)
	}
}

func TestEscrowSplitDistributesByPct(t *testing.T) {
	bank := newTestBank(t)
	poster := bank.newSigner(t, "a-poster")
	worker := bank.newSigner(t, "a-worker")
	bank.createAccount(t, "a-poster", 5000)
	bank.createAccount(t, "a-worker", 0)

	escrowID := bank.lockEscrow(t, poster, "t-1", 500)

	split := signToken(t, bank.platform, "escrow_split", map[string]any{
		"escrow_id":  escrowID,
		"worker_pct": 70,
		"worker_id":  "a-worker",
		"poster_id":  "a-poster",
	})
	resp := postToken(t, bank.ts.URL+"/escrow/"+escrowID+"/split", split)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("split status = %d, want 200", resp.StatusCode)
	}
	var result struct {
		WorkerAmount int64 `json:"worker_amount"`
		PosterAmount int64 `json:"poster_amount"`
	}
	decodeBody(t, resp, &result)
	if result.WorkerAmount != 350 || result.PosterAmount != 150 {
		t.Fatalf("split = %d/%d, want 350/150", result.WorkerAmount, result.PosterAmount)
	}

	workerBearer := signToken(t, worker, "read", nil)
	accountResp := getWithBearer(t, bank.ts.URL+"/accounts/a-worker", workerBearer)
	var account struct {
		Balance int64 `json:"balance"`
	}
	decodeBody(t, accountResp, &account)
	if account.Balance != 350 {
		t.Fatalf("worker balance = %d, want 350", account.Balance)
	}
}

func TestEscrowSplitValidatesPct(t *testing.T) {
	bank := newTestBank(t)
	poster := bank.newSigner(t, "a-poster")
	bank.createAccount(t, "a-poster", 5000)
	escrowID := bank.lockEscrow(t, poster, "t-1", 500)

	split := signToken(t, bank.platform, "escrow_split", map[string]any{
		"escrow_id":  escrowID,
		"worker_pct": 120,
		"worker_id":  "a-worker",
		"poster_id":  "a-poster",
	})
	resp := postToken(t, bank.ts.URL+"/escrow/"+escrowID+"/split", split)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestIdentityOutageIsBadGateway(t *testing.T) {
	bank := newTestBank(t)
	poster := bank.newSigner(t, "a-poster")
	bank.verifier.err = context.DeadlineExceeded

	token := signToken(t, poster, "escrow_lock", map[string]any{
		"agent_id": "a-poster",
		"task_id":  "t-1",
		"amount":   100,
	})
	resp := postToken(t, bank.ts.URL+"/escrow/lock", token)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != httpapi.CodeIdentityUnavailable {
		t.Fatalf("code = %s, want IDENTITY_SERVICE_UNAVAILABLE", code)
	}
}

func TestWrongActionForbidden(t *testing.T) {
	bank := newTestBank(t)
	poster := bank.newSigner(t, "a-poster")
	bank.createAccount(t, "a-poster", 5000)

	token := signToken(t, poster, "create_task", map[string]any{
		"agent_id": "a-poster",
		"task_id":  "t-1",
		"amount":   100,
	})
	resp := postToken(t, bank.ts.URL+"/escrow/lock", token)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}
