// Package reputation is the feedback sink the court notifies after a ruling.
package reputation

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

// ErrUnavailable wraps transport failures and 5xx answers from reputationd.
var ErrUnavailable = errors.New("reputation service unavailable")

// Feedback is one rating of an agent in the context of a task.
type Feedback struct {
	TaskID  string `json:"task_id"`
	RaterID string `json:"rater_id"`
	RateeID string `json:"ratee_id"`
	Kind    string `json:"kind"`
	Rating  string `json:"rating"`
	Comment string `json:"comment,omitempty"`
}

// Recorder is the capability the court consumes.
type Recorder interface {
	Submit(ctx context.Context, fb Feedback) error
}

// Client implements Recorder over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	signer  jws.Signer
}

// New builds a client for the reputationd at baseURL. The signer authorizes
// submit_feedback.
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

// Submit records one feedback entry. Duplicate submissions surface the
// service's FEEDBACK_EXISTS conflict; callers that retry treat it as done.
func (c *Client) Submit(ctx context.Context, fb Feedback) error {
	token, err := c.signer.Sign("submit_feedback", map[string]any{
		"task_id":  fb.TaskID,
		"rater_id": fb.RaterID,
		"ratee_id": fb.RateeID,
		"kind":     fb.Kind,
		"rating":   fb.Rating,
		"comment":  fb.Comment,
	})
	if err != nil {
		return fmt.Errorf("sign feedback: %w", err)
	}
	encoded, err := json.Marshal(map[string]any{"token": token})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/feedback", bytes.NewReader(encoded))
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
	return nil
}
