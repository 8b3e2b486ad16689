package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"agora/httpapi"
)

// ErrUnavailable wraps transport failures and 5xx answers from any service.
var ErrUnavailable = errors.New("platform unavailable")

// Endpoints names the service base URLs an agent talks to.
type Endpoints struct {
	Identity   string
	Bank       string
	Board      string
	Reputation string
}

// DefaultEndpoints returns the single-host development layout.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Identity:   "http://127.0.0.1:7001",
		Bank:       "http://127.0.0.1:7002",
		Board:      "http://127.0.0.1:7003",
		Reputation: "http://127.0.0.1:7005",
	}
}

// Identity mirrors a registered agent record. PublicKey is present on single
// lookups and registration, omitted in listings.
type Identity struct {
	AgentID      string `json:"agent_id"`
	Name         string `json:"name"`
	PublicKey    string `json:"public_key,omitempty"`
	RegisteredAt string `json:"registered_at"`
}

// Account mirrors a ledger account.
type Account struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
	CreatedAt string `json:"created_at"`
}

// Transaction mirrors one ledger entry.
type Transaction struct {
	TxID         string `json:"tx_id"`
	AccountID    string `json:"account_id"`
	Type         string `json:"type"`
	Amount       int64  `json:"amount"`
	BalanceAfter int64  `json:"balance_after"`
	Reference    string `json:"reference"`
	Timestamp    string `json:"timestamp"`
}

// Task mirrors the board's task record.
type Task struct {
	TaskID           string `json:"task_id"`
	PosterID         string `json:"poster_id"`
	WorkerID         string `json:"worker_id,omitempty"`
	Title            string `json:"title"`
	Spec             string `json:"spec"`
	Reward           int64  `json:"reward"`
	Status           string `json:"status"`
	EscrowID         string `json:"escrow_id"`
	EscrowPending    bool   `json:"escrow_pending,omitempty"`
	BidCount         int    `json:"bid_count"`
	AcceptedBidID    string `json:"accepted_bid_id,omitempty"`
	BiddingSeconds   int64  `json:"bidding_seconds"`
	ExecutionSeconds int64  `json:"execution_seconds"`
	ReviewSeconds    int64  `json:"review_seconds"`
	DisputeReason    string `json:"dispute_reason,omitempty"`
	RulingID         string `json:"ruling_id,omitempty"`
	WorkerPct        *int   `json:"worker_pct,omitempty"`
	RulingSummary    string `json:"ruling_summary,omitempty"`
	CreatedAt        string `json:"created_at"`
	AcceptedAt       string `json:"accepted_at,omitempty"`
	SubmittedAt      string `json:"submitted_at,omitempty"`
	ApprovedAt       string `json:"approved_at,omitempty"`
	CancelledAt      string `json:"cancelled_at,omitempty"`
	DisputedAt       string `json:"disputed_at,omitempty"`
	RuledAt          string `json:"ruled_at,omitempty"`
	ExpiredAt        string `json:"expired_at,omitempty"`
}

// Bid mirrors one bid on a task.
type Bid struct {
	BidID       string `json:"bid_id"`
	TaskID      string `json:"task_id"`
	BidderID    string `json:"bidder_id"`
	Amount      int64  `json:"amount"`
	SubmittedAt string `json:"submitted_at"`
}

// Asset mirrors one deliverable uploaded against a task.
type Asset struct {
	AssetID     string `json:"asset_id"`
	TaskID      string `json:"task_id"`
	UploaderID  string `json:"uploader_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentHash string `json:"content_hash"`
	UploadedAt  string `json:"uploaded_at"`
}

// ReputationSummary aggregates the feedback recorded against one agent.
type ReputationSummary struct {
	AgentID       string         `json:"agent_id"`
	FeedbackCount int            `json:"feedback_count"`
	Counts        map[string]int `json:"counts"`
	Score         float64        `json:"score"`
}

// TaskDraft describes a task to post. Reward is locked in escrow up front;
// the three windows drive the board's lifecycle deadlines.
type TaskDraft struct {
	Title            string
	Spec             string
	Reward           int64
	BiddingSeconds   int64
	ExecutionSeconds int64
	ReviewSeconds    int64
}

// TaskFilter narrows Tasks listings. Zero values are omitted.
type TaskFilter struct {
	Status   string
	PosterID string
	WorkerID string
	Limit    int
	Offset   int
}

// Client drives the platform on behalf of one agent.
type Client struct {
	agent     *Agent
	endpoints Endpoints
	http      *http.Client
}

// NewClient wires an agent to the platform services. A non-positive timeout
// falls back to 10s.
func NewClient(a *Agent, endpoints Endpoints, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	endpoints.Identity = strings.TrimRight(endpoints.Identity, "/")
	endpoints.Bank = strings.TrimRight(endpoints.Bank, "/")
	endpoints.Board = strings.TrimRight(endpoints.Board, "/")
	endpoints.Reputation = strings.TrimRight(endpoints.Reputation, "/")
	return &Client{
		agent:     a,
		endpoints: endpoints,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Agent returns the identity the client signs with.
func (c *Client) Agent() *Agent {
	return c.agent
}

// Register enrolls the agent's public key with the identity service and
// records the assigned id on the agent. Registration is the one unsigned
// mutation on the platform: there is no key to verify against yet.
func (c *Client) Register(ctx context.Context) (*Identity, error) {
	body := map[string]any{"name": c.agent.Name, "public_key": c.agent.PublicKey()}
	var identity Identity
	if err := c.post(ctx, c.endpoints.Identity, "/agents/register", body, &identity); err != nil {
		return nil, err
	}
	c.agent.ID = identity.AgentID
	return &identity, nil
}

// Lookup fetches another agent's registration record, public key included.
func (c *Client) Lookup(ctx context.Context, agentID string) (*Identity, error) {
	var identity Identity
	if err := c.get(ctx, c.endpoints.Identity, "/agents/"+agentID, &identity); err != nil {
		return nil, err
	}
	return &identity, nil
}

// CreateAccount opens the agent's own ledger account at zero balance.
func (c *Client) CreateAccount(ctx context.Context) (*Account, error) {
	token, err := c.agent.Sign("create_account", map[string]any{"agent_id": c.agent.ID})
	if err != nil {
		return nil, err
	}
	var account Account
	if err := c.post(ctx, c.endpoints.Bank, "/accounts", tokenBody(token), &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// Balance fetches the agent's own account.
func (c *Client) Balance(ctx context.Context) (*Account, error) {
	return c.AccountOf(ctx, c.agent.ID)
}

// AccountOf fetches any agent's account. Balances are public on the ledger.
func (c *Client) AccountOf(ctx context.Context, accountID string) (*Account, error) {
	var account Account
	if err := c.get(ctx, c.endpoints.Bank, "/accounts/"+accountID, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// Transactions lists the agent's own ledger history, newest first.
func (c *Client) Transactions(ctx context.Context) ([]Transaction, error) {
	var out struct {
		Transactions []Transaction `json:"transactions"`
	}
	if err := c.get(ctx, c.endpoints.Bank, "/accounts/"+c.agent.ID+"/transactions", &out); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

// PostTask publishes a task and funds its escrow in one call. The client
// mints the task id, signs a create_task token for the board and an
// escrow_lock token the board forwards to the bank, and returns the stored
// task. The escrow never moves unless the board accepts the task.
func (c *Client) PostTask(ctx context.Context, draft TaskDraft) (*Task, error) {
	taskID := "t-" + uuid.NewString()
	taskToken, err := c.agent.Sign("create_task", map[string]any{
		"task_id":           taskID,
		"poster_id":         c.agent.ID,
		"title":             draft.Title,
		"spec":              draft.Spec,
		"reward":            draft.Reward,
		"bidding_seconds":   draft.BiddingSeconds,
		"execution_seconds": draft.ExecutionSeconds,
		"review_seconds":    draft.ReviewSeconds,
	})
	if err != nil {
		return nil, err
	}
	escrowToken, err := c.agent.Sign("escrow_lock", map[string]any{
		"task_id": taskID,
		"amount":  draft.Reward,
	})
	if err != nil {
		return nil, err
	}
	body := map[string]any{"task_token": taskToken, "escrow_token": escrowToken}
	var task Task
	if err := c.post(ctx, c.endpoints.Board, "/tasks", body, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Task fetches one task. Reading a task also settles any expired deadline on
// the board side, so the returned status is current.
func (c *Client) Task(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	if err := c.get(ctx, c.endpoints.Board, "/tasks/"+taskID, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Tasks lists tasks matching the filter.
func (c *Client) Tasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	query := url.Values{}
	if filter.Status != "" {
		query.Set("status", filter.Status)
	}
	if filter.PosterID != "" {
		query.Set("poster_id", filter.PosterID)
	}
	if filter.WorkerID != "" {
		query.Set("worker_id", filter.WorkerID)
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		query.Set("offset", strconv.Itoa(filter.Offset))
	}
	path := "/tasks"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var out struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.get(ctx, c.endpoints.Board, path, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// SubmitBid places the agent's bid on an open task. One bid per bidder; the
// amount must not exceed the posted reward.
func (c *Client) SubmitBid(ctx context.Context, taskID string, amount int64) (*Bid, error) {
	token, err := c.agent.Sign("submit_bid", map[string]any{"task_id": taskID, "amount": amount})
	if err != nil {
		return nil, err
	}
	var bid Bid
	if err := c.post(ctx, c.endpoints.Board, "/tasks/"+taskID+"/bids", tokenBody(token), &bid); err != nil {
		return nil, err
	}
	return &bid, nil
}

// Bids lists the bids on a task. While the task is open the board seals bids
// from everyone but the poster, so the request carries a signed bearer token;
// after bidding closes the same call works for any agent.
func (c *Client) Bids(ctx context.Context, taskID string) ([]Bid, error) {
	token, err := c.agent.Sign("list_bids", map[string]any{"task_id": taskID})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoints.Board+"/tasks/"+taskID+"/bids", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	var out struct {
		Bids []Bid `json:"bids"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out.Bids, nil
}

// AcceptBid assigns the task to the chosen bidder and starts the execution
// window. Poster only, while the task is open.
func (c *Client) AcceptBid(ctx context.Context, taskID, bidID string) (*Task, error) {
	token, err := c.agent.Sign("accept_bid", map[string]any{"task_id": taskID, "bid_id": bidID})
	if err != nil {
		return nil, err
	}
	var task Task
	if err := c.post(ctx, c.endpoints.Board, "/tasks/"+taskID+"/bids/"+bidID+"/accept", tokenBody(token), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Cancel withdraws an open task and refunds its escrow to the poster.
func (c *Client) Cancel(ctx context.Context, taskID string) (*Task, error) {
	return c.transition(ctx, taskID, "cancel_task", "/cancel", nil)
}

// Submit marks the agent's assigned task as delivered and starts the review
// window. Worker only.
func (c *Client) Submit(ctx context.Context, taskID string) (*Task, error) {
	return c.transition(ctx, taskID, "submit_work", "/submit", nil)
}

// Approve accepts submitted work and releases the escrow to the worker.
// Poster only; approving an already-approved task is a no-op.
func (c *Client) Approve(ctx context.Context, taskID string) (*Task, error) {
	return c.transition(ctx, taskID, "approve_task", "/approve", nil)
}

// Dispute contests submitted work instead of approving it, freezing the
// escrow until the court rules. Poster only.
func (c *Client) Dispute(ctx context.Context, taskID, reason string) (*Task, error) {
	return c.transition(ctx, taskID, "dispute_task", "/dispute", map[string]any{"reason": reason})
}

func (c *Client) transition(ctx context.Context, taskID, action, suffix string, extra map[string]any) (*Task, error) {
	claims := map[string]any{"task_id": taskID}
	for k, v := range extra {
		claims[k] = v
	}
	token, err := c.agent.Sign(action, claims)
	if err != nil {
		return nil, err
	}
	var task Task
	if err := c.post(ctx, c.endpoints.Board, "/tasks/"+taskID+suffix, tokenBody(token), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// UploadAsset attaches a deliverable to the agent's accepted task. The file
// travels as a multipart form alongside the signed token. The content type
// rides on the file part's MIME header, where the board reads it; empty
// defaults to application/octet-stream.
func (c *Client) UploadAsset(ctx context.Context, taskID, filename, contentType string, content io.Reader) (*Asset, error) {
	token, err := c.agent.Sign("upload_asset", map[string]any{"task_id": taskID})
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	if err := writer.WriteField("token", token); err != nil {
		return nil, fmt.Errorf("encode form: %w", err)
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("encode form: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("encode form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.Board+"/tasks/"+taskID+"/assets", &form)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	var asset Asset
	if err := c.do(req, &asset); err != nil {
		return nil, err
	}
	return &asset, nil
}

// Assets lists the deliverables uploaded against a task.
func (c *Client) Assets(ctx context.Context, taskID string) ([]Asset, error) {
	var assets []Asset
	if err := c.get(ctx, c.endpoints.Board, "/tasks/"+taskID+"/assets", &assets); err != nil {
		return nil, err
	}
	return assets, nil
}

// DownloadAsset fetches one deliverable's bytes.
func (c *Client) DownloadAsset(ctx context.Context, taskID, assetID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoints.Board+"/tasks/"+taskID+"/assets/"+assetID, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, responseError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	return data, nil
}

// Reputation fetches the aggregated feedback for any agent.
func (c *Client) Reputation(ctx context.Context, agentID string) (*ReputationSummary, error) {
	var summary ReputationSummary
	if err := c.get(ctx, c.endpoints.Reputation, "/agents/"+agentID+"/summary", &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

func tokenBody(token string) map[string]any {
	return map[string]any{"token": token}
}

func (c *Client) get(ctx context.Context, base, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, base, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return responseError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
		}
	}
	return nil
}

func responseError(resp *http.Response) error {
	if resp.StatusCode < 500 {
		if apiErr := httpapi.ErrorFromResponse(resp); apiErr != nil {
			return apiErr
		}
	}
	return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
}
