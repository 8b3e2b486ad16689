// Package taskboard is the board client the court uses to pull dispute
// context and record rulings.
package taskboard

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

// ErrUnavailable wraps transport failures and 5xx answers from taskboardd.
var ErrUnavailable = errors.New("task board unavailable")

// Task carries the board fields the court consumes.
type Task struct {
	TaskID        string `json:"task_id"`
	PosterID      string `json:"poster_id"`
	WorkerID      string `json:"worker_id,omitempty"`
	Title         string `json:"title"`
	Spec          string `json:"spec"`
	Reward        int64  `json:"reward"`
	Status        string `json:"status"`
	EscrowID      string `json:"escrow_id"`
	DisputeReason string `json:"dispute_reason,omitempty"`
}

// Asset describes one deliverable uploaded against a task.
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

// Ruling is the court's final outcome recorded onto the task.
type Ruling struct {
	RulingID  string `json:"ruling_id"`
	WorkerPct int    `json:"worker_pct"`
	Summary   string `json:"ruling_summary"`
}

// Board is the capability the court consumes.
type Board interface {
	Task(ctx context.Context, taskID string) (*Task, error)
	Assets(ctx context.Context, taskID string) ([]Asset, error)
	RecordRuling(ctx context.Context, taskID string, ruling Ruling) error
}

// Client implements Board over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	signer  jws.Signer
}

// New builds a client for the taskboardd at baseURL. The signer authorizes
// record_ruling.
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

// Task fetches one task. Reading it also advances any lazily-evaluated
// deadline on the board side, so the court always sees current status.
func (c *Client) Task(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	if err := c.get(ctx, "/tasks/"+taskID, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Assets lists the deliverables uploaded against a task.
func (c *Client) Assets(ctx context.Context, taskID string) ([]Asset, error) {
	var assets []Asset
	if err := c.get(ctx, "/tasks/"+taskID+"/assets", &assets); err != nil {
		return nil, err
	}
	return assets, nil
}

// RecordRuling stamps the final ruling onto a disputed task.
func (c *Client) RecordRuling(ctx context.Context, taskID string, ruling Ruling) error {
	token, err := c.signer.Sign("record_ruling", map[string]any{
		"task_id":        taskID,
		"ruling_id":      ruling.RulingID,
		"worker_pct":     ruling.WorkerPct,
		"ruling_summary": ruling.Summary,
	})
	if err != nil {
		return fmt.Errorf("sign ruling: %w", err)
	}
	return c.post(ctx, "/tasks/"+taskID+"/ruling", map[string]any{"token": token}, nil)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
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
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
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
