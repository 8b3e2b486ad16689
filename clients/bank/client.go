// Package bank is the ledger client consumed by the task board, the court,
// and the platform tooling. Escrow lock forwards an agent-signed token
// verbatim; the privileged operations (release, split, credit, account
// seeding) are signed here with the platform key.
package bank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"agora/crypto/jws"
	"agora/httpapi"
)

// ErrUnavailable wraps transport failures and 5xx answers from bankd.
var ErrUnavailable = errors.New("central bank unavailable")

// Account mirrors a bank account row.
type Account struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
	CreatedAt string `json:"created_at"`
}

// Transaction mirrors a ledger transaction row.
type Transaction struct {
	TxID         string `json:"tx_id"`
	AccountID    string `json:"account_id"`
	Type         string `json:"type"`
	Amount       int64  `json:"amount"`
	BalanceAfter int64  `json:"balance_after"`
	Reference    string `json:"reference"`
	Timestamp    string `json:"timestamp"`
}

// Escrow mirrors a bank escrow row.
type Escrow struct {
	EscrowID       string `json:"escrow_id"`
	PayerAccountID string `json:"payer_account_id"`
	Amount         int64  `json:"amount"`
	TaskID         string `json:"task_id"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
	ResolvedAt     string `json:"resolved_at,omitempty"`
}

// ReleaseResult reports the single credit produced by a release.
type ReleaseResult struct {
	Escrow      Escrow      `json:"escrow"`
	Transaction Transaction `json:"transaction"`
}

// SplitResult reports the two credits produced by a split.
type SplitResult struct {
	Escrow       Escrow `json:"escrow"`
	WorkerAmount int64  `json:"worker_amount"`
	PosterAmount int64  `json:"poster_amount"`
}

// Ledger is the escrow capability the task board and court consume.
type Ledger interface {
	Lock(ctx context.Context, escrowToken string) (*Escrow, error)
	Release(ctx context.Context, escrowID, recipientID string) (*ReleaseResult, error)
	Split(ctx context.Context, escrowID string, workerPct int, workerID, posterID string) (*SplitResult, error)
}

// Client implements Ledger over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	signer  jws.Signer
}

// New builds a client for the bankd at baseURL. The signer authorizes the
// platform-signed operations; callers that only lock may pass a zero Signer.
func New(baseURL string, timeout time.Duration, signer jws.Signer) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signer,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Lock forwards an agent-signed escrow token untouched. The bank verifies
// the signature itself, so this client never needs the payer's key.
func (c *Client) Lock(ctx context.Context, escrowToken string) (*Escrow, error) {
	var escrow Escrow
	if err := c.post(ctx, "/escrow/lock", map[string]any{"token": escrowToken}, &escrow); err != nil {
		return nil, err
	}
	return &escrow, nil
}

// Release resolves a locked escrow fully toward one recipient.
func (c *Client) Release(ctx context.Context, escrowID, recipientID string) (*ReleaseResult, error) {
	token, err := c.signer.Sign("escrow_release", map[string]any{
		"escrow_id":    escrowID,
		"recipient_id": recipientID,
	})
	if err != nil {
		return nil, fmt.Errorf("sign release: %w", err)
	}
	var result ReleaseResult
	if err := c.post(ctx, "/escrow/"+escrowID+"/release", map[string]any{"token": token}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Split resolves a locked escrow into a worker share of workerPct percent
// and the poster remainder.
func (c *Client) Split(ctx context.Context, escrowID string, workerPct int, workerID, posterID string) (*SplitResult, error) {
	token, err := c.signer.Sign("escrow_split", map[string]any{
		"escrow_id":  escrowID,
		"worker_pct": workerPct,
		"worker_id":  workerID,
		"poster_id":  posterID,
	})
	if err != nil {
		return nil, fmt.Errorf("sign split: %w", err)
	}
	var result SplitResult
	if err := c.post(ctx, "/escrow/"+escrowID+"/split", map[string]any{"token": token}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Credit adds funds to an account under an idempotency reference.
func (c *Client) Credit(ctx context.Context, accountID string, amount int64, reference string) (*Transaction, error) {
	token, err := c.signer.Sign("credit", map[string]any{
		"account_id": accountID,
		"amount":     amount,
		"reference":  reference,
	})
	if err != nil {
		return nil, fmt.Errorf("sign credit: %w", err)
	}
	var tx Transaction
	if err := c.post(ctx, "/accounts/"+accountID+"/credit", map[string]any{"token": token}, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// CreateAccount opens an account for agentID, optionally seeded. Seeding is
// a platform privilege; self-service creation goes through the agent SDK.
func (c *Client) CreateAccount(ctx context.Context, agentID string, initialBalance int64) (*Account, error) {
	token, err := c.signer.Sign("create_account", map[string]any{
		"agent_id":        agentID,
		"initial_balance": initialBalance,
	})
	if err != nil {
		return nil, fmt.Errorf("sign create account: %w", err)
	}
	var account Account
	if err := c.post(ctx, "/accounts", map[string]any{"token": token}, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		if resp.StatusCode < 500 {
			if apiErr := httpapi.ErrorFromResponse(resp); apiErr != nil {
				return apiErr
			}
		}
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
		}
	}
	return nil
}
