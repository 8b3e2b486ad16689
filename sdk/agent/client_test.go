package agent

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"agora/crypto"
	"agora/crypto/jws"
	"agora/httpapi"
)

func newTestAgent(t *testing.T, id string) *Agent {
	t.Helper()
	a, err := New("test-agent")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.ID = id
	return a
}

// verifyToken checks a captured token against the agent's own key and
// returns the verified claims.
func verifyToken(t *testing.T, a *Agent, token, action string) jws.Claims {
	t.Helper()
	payload, err := jws.Verify(token, a.Key.Public().(ed25519.PublicKey))
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if got := jws.Action(payload); got != action {
		t.Fatalf("action = %q, want %q", got, action)
	}
	return jws.Claims(payload)
}

func TestRegisterAssignsID(t *testing.T) {
	a, err := New("alice")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var gotMethod, gotPath string
	var gotBody struct {
		Name      string `json:"name"`
		PublicKey string `json:"public_key"`
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		httpapi.WriteJSON(w, http.StatusCreated, map[string]any{
			"agent_id":      "a-42",
			"name":          gotBody.Name,
			"public_key":    gotBody.PublicKey,
			"registered_at": "2024-05-01T00:00:00Z",
		})
	}))
	defer ts.Close()

	c := NewClient(a, Endpoints{Identity: ts.URL}, 0)
	identity, err := c.Register(context.Background())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/agents/register" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
	if gotBody.Name != "alice" {
		t.Fatalf("registered name = %q", gotBody.Name)
	}
	if _, err := crypto.ParsePublicKey(gotBody.PublicKey); err != nil {
		t.Fatalf("registered public key does not parse: %v", err)
	}
	if identity.AgentID != "a-42" {
		t.Fatalf("identity.AgentID = %q", identity.AgentID)
	}
	if a.ID != "a-42" {
		t.Fatalf("agent id not recorded, got %q", a.ID)
	}
}

func TestPostTaskMintsConsistentTokens(t *testing.T) {
	a := newTestAgent(t, "a-poster")

	var gotTaskToken, gotEscrowToken string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			TaskToken   string `json:"task_token"`
			EscrowToken string `json:"escrow_token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		gotTaskToken, gotEscrowToken = body.TaskToken, body.EscrowToken
		claims, err := jws.DecodeClaims(body.TaskToken)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		httpapi.WriteJSON(w, http.StatusCreated, map[string]any{
			"task_id": jws.Claims(claims).String("task_id"),
			"status":  "open",
		})
	}))
	defer ts.Close()

	c := NewClient(a, Endpoints{Board: ts.URL}, 0)
	task, err := c.PostTask(context.Background(), TaskDraft{
		Title:            "Summarize corpus",
		Spec:             "Produce a two-page summary.",
		Reward:           500,
		BiddingSeconds:   60,
		ExecutionSeconds: 300,
		ReviewSeconds:    120,
	})
	if err != nil {
		t.Fatalf("PostTask: %v", err)
	}

	taskClaims := verifyToken(t, a, gotTaskToken, "create_task")
	escrowClaims := verifyToken(t, a, gotEscrowToken, "escrow_lock")

	taskID := taskClaims.String("task_id")
	if !strings.HasPrefix(taskID, "t-") {
		t.Fatalf("minted task id = %q, want t- prefix", taskID)
	}
	if task.TaskID != taskID {
		t.Fatalf("response task id %q != minted %q", task.TaskID, taskID)
	}
	if taskClaims.String("poster_id") != "a-poster" {
		t.Fatalf("poster_id = %q", taskClaims.String("poster_id"))
	}
	if reward, _ := taskClaims.Int64("reward"); reward != 500 {
		t.Fatalf("reward claim = %d", reward)
	}
	if escrowClaims.String("task_id") != taskID {
		t.Fatalf("escrow task_id = %q, want %q", escrowClaims.String("task_id"), taskID)
	}
	if amount, _ := escrowClaims.Int64("amount"); amount != 500 {
		t.Fatalf("escrow amount = %d, want 500", amount)
	}
	for _, key := range []string{"bidding_seconds", "execution_seconds", "review_seconds"} {
		if v, ok := taskClaims.Int64(key); !ok || v <= 0 {
			t.Fatalf("%s claim = %d (%v)", key, v, ok)
		}
	}
}

func TestBidsSendsSignedBearer(t *testing.T) {
	a := newTestAgent(t, "a-poster")

	var gotToken string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = httpapi.BearerToken(r)
		httpapi.WriteJSON(w, http.StatusOK, map[string]any{
			"bids": []map[string]any{{
				"bid_id":    "bid-1",
				"task_id":   "t-1",
				"bidder_id": "a-worker",
				"amount":    int64(450),
			}},
			"count": 1,
		})
	}))
	defer ts.Close()

	c := NewClient(a, Endpoints{Board: ts.URL}, 0)
	bids, err := c.Bids(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("Bids: %v", err)
	}
	if len(bids) != 1 || bids[0].BidID != "bid-1" || bids[0].Amount != 450 {
		t.Fatalf("bids = %+v", bids)
	}
	claims := verifyToken(t, a, gotToken, "list_bids")
	if claims.String("task_id") != "t-1" {
		t.Fatalf("bearer task_id = %q", claims.String("task_id"))
	}
}

func TestUploadAssetMultipartForm(t *testing.T) {
	a := newTestAgent(t, "a-worker")

	var (
		gotToken    string
		gotFilename string
		gotType     string
		gotContent  []byte
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		gotToken = r.FormValue("token")
		file, header, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		gotFilename = header.Filename
		gotType = header.Header.Get("Content-Type")
		gotContent, _ = io.ReadAll(file)
		httpapi.WriteJSON(w, http.StatusCreated, map[string]any{
			"asset_id":     "asset-1",
			"task_id":      "t-1",
			"uploader_id":  "a-worker",
			"filename":     header.Filename,
			"content_type": gotType,
			"size_bytes":   len(gotContent),
		})
	}))
	defer ts.Close()

	c := NewClient(a, Endpoints{Board: ts.URL}, 0)
	asset, err := c.UploadAsset(context.Background(), "t-1", "report.pdf", "application/pdf", strings.NewReader("deliverable bytes"))
	if err != nil {
		t.Fatalf("UploadAsset: %v", err)
	}
	if asset.AssetID != "asset-1" {
		t.Fatalf("asset id = %q", asset.AssetID)
	}
	claims := verifyToken(t, a, gotToken, "upload_asset")
	if claims.String("task_id") != "t-1" {
		t.Fatalf("token task_id = %q", claims.String("task_id"))
	}
	if gotFilename != "report.pdf" || gotType != "application/pdf" {
		t.Fatalf("file part = %q (%s)", gotFilename, gotType)
	}
	if string(gotContent) != "deliverable bytes" {
		t.Fatalf("content = %q", gotContent)
	}
}

func TestTransitionPathsAndActions(t *testing.T) {
	a := newTestAgent(t, "a-poster")

	var gotPath, gotToken string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var body struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		gotToken = body.Token
		httpapi.WriteJSON(w, http.StatusOK, map[string]any{"task_id": "t-9", "status": "ok"})
	}))
	defer ts.Close()

	c := NewClient(a, Endpoints{Board: ts.URL}, 0)
	ctx := context.Background()

	cases := []struct {
		name   string
		call   func() (*Task, error)
		path   string
		action string
	}{
		{"cancel", func() (*Task, error) { return c.Cancel(ctx, "t-9") }, "/tasks/t-9/cancel", "cancel_task"},
		{"submit", func() (*Task, error) { return c.Submit(ctx, "t-9") }, "/tasks/t-9/submit", "submit_work"},
		{"approve", func() (*Task, error) { return c.Approve(ctx, "t-9") }, "/tasks/t-9/approve", "approve_task"},
		{"dispute", func() (*Task, error) { return c.Dispute(ctx, "t-9", "late work") }, "/tasks/t-9/dispute", "dispute_task"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			task, err := tc.call()
			if err != nil {
				t.Fatalf("%s: %v", tc.name, err)
			}
			if task.TaskID != "t-9" {
				t.Fatalf("task id = %q", task.TaskID)
			}
			if gotPath != tc.path {
				t.Fatalf("path = %q, want %q", gotPath, tc.path)
			}
			claims := verifyToken(t, a, gotToken, tc.action)
			if claims.String("task_id") != "t-9" {
				t.Fatalf("task_id claim = %q", claims.String("task_id"))
			}
			if tc.action == "dispute_task" && claims.String("reason") != "late work" {
				t.Fatalf("reason claim = %q", claims.String("reason"))
			}
		})
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	a := newTestAgent(t, "a-worker")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusConflict, httpapi.CodeBidExists, "agent a-worker already bid"))
	}))
	defer ts.Close()

	c := NewClient(a, Endpoints{Board: ts.URL}, 0)
	_, err := c.SubmitBid(context.Background(), "t-1", 100)
	var apiErr *httpapi.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want APIError", err)
	}
	if apiErr.Code != httpapi.CodeBidExists || apiErr.Status != http.StatusConflict {
		t.Fatalf("apiErr = %+v", apiErr)
	}
}

func TestServerFailureWrapsUnavailable(t *testing.T) {
	a := newTestAgent(t, "a-worker")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusInternalServerError, httpapi.CodeInternal, "boom"))
	}))
	defer ts.Close()

	c := NewClient(a, Endpoints{Bank: ts.URL}, 0)
	if _, err := c.Balance(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
}
