// Package identity is the client surface the other services use to verify
// signed requests against the identity registry. Verification is centralized
// there: no service ever holds another agent's public key.
package identity

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

	"agora/httpapi"
)

// ErrUnavailable wraps transport failures and 5xx answers from identityd.
var ErrUnavailable = errors.New("identity service unavailable")

// VerifyResult is the outcome of one verification round-trip. Valid=false is
// a successful call; the caller decides what an invalid signature means.
type VerifyResult struct {
	Valid   bool           `json:"valid"`
	AgentID string         `json:"agent_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Reason  string         `json:"reason,omitempty"`
}

// Agent mirrors the registry record returned by identityd.
type Agent struct {
	AgentID      string `json:"agent_id"`
	Name         string `json:"name"`
	PublicKey    string `json:"public_key,omitempty"`
	RegisteredAt string `json:"registered_at"`
}

// Verifier is the capability consuming services depend on.
type Verifier interface {
	VerifyJWS(ctx context.Context, token string) (*VerifyResult, error)
}

// Client implements Verifier over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a client for the identityd at baseURL. A non-positive timeout
// falls back to 10s.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// VerifyJWS submits a compact token for verification.
func (c *Client) VerifyJWS(ctx context.Context, token string) (*VerifyResult, error) {
	var result VerifyResult
	if err := c.post(ctx, "/agents/verify-jws", map[string]any{"token": token}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Agent fetches one registry record, public key included.
func (c *Client) Agent(ctx context.Context, agentID string) (*Agent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/agents/"+agentID, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.classify(resp)
	}
	var agent Agent
	if err := json.NewDecoder(resp.Body).Decode(&agent); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return &agent, nil
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
		return c.classify(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
		}
	}
	return nil
}

// classify keeps identityd's own envelope for client errors and folds
// everything else into ErrUnavailable.
func (c *Client) classify(resp *http.Response) error {
	if resp.StatusCode < 500 {
		if apiErr := httpapi.ErrorFromResponse(resp); apiErr != nil {
			return apiErr
		}
	}
	return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
}
