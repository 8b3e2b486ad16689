// Package judges defines the panel that evaluates disputes. A judge is any
// evaluator that maps a dispute context onto a worker percentage with
// reasoning; the court runs an odd-sized panel and rules on the median.
package judges

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrUnavailable wraps judge transport failures; the ruling is retriable.
var ErrUnavailable = errors.New("judge unavailable")

// Deliverable summarises one uploaded asset for the judges.
type Deliverable struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentHash string `json:"content_hash"`
}

// Context is everything a judge sees about a dispute.
type Context struct {
	TaskTitle    string        `json:"task_title"`
	TaskSpec     string        `json:"task_spec"`
	Reward       int64         `json:"reward"`
	Deliverables []Deliverable `json:"deliverables"`
	Claim        string        `json:"claim"`
	Rebuttal     string        `json:"rebuttal,omitempty"`
}

// Vote is one judge's verdict: the share of the escrow owed to the worker.
type Vote struct {
	JudgeID   string    `json:"judge_id"`
	WorkerPct int       `json:"worker_pct"`
	Reasoning string    `json:"reasoning"`
	VotedAt   time.Time `json:"voted_at"`
}

// Judge evaluates one dispute.
type Judge interface {
	Evaluate(ctx context.Context, dispute Context) (Vote, error)
}

// Scripted is a judge with a fixed verdict, used by development panels and
// tests.
type Scripted struct {
	ID        string
	WorkerPct int
	Reasoning string
}

// Evaluate returns the scripted verdict.
func (s Scripted) Evaluate(_ context.Context, _ Context) (Vote, error) {
	return Vote{JudgeID: s.ID, WorkerPct: s.WorkerPct, Reasoning: s.Reasoning}, nil
}

// Remote calls an HTTP judge endpoint (an LLM worker in production). The
// endpoint receives the dispute context and answers with a vote.
type Remote struct {
	ID   string
	URL  string
	http *http.Client
}

// NewRemote builds a remote judge for the endpoint at url.
func NewRemote(id, url string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Remote{
		ID:  id,
		URL: strings.TrimRight(url, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Evaluate posts the dispute context and decodes the vote.
func (r *Remote) Evaluate(ctx context.Context, dispute Context) (Vote, error) {
	encoded, err := json.Marshal(dispute)
	if err != nil {
		return Vote{}, fmt.Errorf("encode dispute context: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(encoded))
	if err != nil {
		return Vote{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.http.Do(req)
	if err != nil {
		return Vote{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, r.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Vote{}, fmt.Errorf("%w: %s answered status %d", ErrUnavailable, r.ID, resp.StatusCode)
	}
	var vote Vote
	if err := json.NewDecoder(resp.Body).Decode(&vote); err != nil {
		return Vote{}, fmt.Errorf("%w: %s: decode vote: %v", ErrUnavailable, r.ID, err)
	}
	if vote.JudgeID == "" {
		vote.JudgeID = r.ID
	}
	return vote, nil
}

// Panel is the configured set of judges.
type Panel struct {
	judges []Judge
}

// NewPanel validates the panel: odd size, at least one judge. An odd panel
// guarantees the median of the votes is a single integer.
func NewPanel(members []Judge) (Panel, error) {
	if len(members) == 0 {
		return Panel{}, errors.New("panel needs at least one judge")
	}
	if len(members)%2 == 0 {
		return Panel{}, fmt.Errorf("panel size must be odd, got %d", len(members))
	}
	return Panel{judges: members}, nil
}

// Size reports the number of judges on the panel.
func (p Panel) Size() int {
	return len(p.judges)
}

// Evaluate runs every judge in order. Any judge failure aborts the panel;
// the caller reverts the dispute and retries later. Successful votes are
// normalized so downstream arithmetic never sees junk.
func (p Panel) Evaluate(ctx context.Context, dispute Context) ([]Vote, error) {
	votes := make([]Vote, 0, len(p.judges))
	now := time.Now().UTC()
	for i, judge := range p.judges {
		vote, err := judge.Evaluate(ctx, dispute)
		if err != nil {
			return nil, fmt.Errorf("judge %d: %w", i, err)
		}
		votes = append(votes, normalize(vote, i, now))
	}
	return votes, nil
}

// normalize clamps the percentage into [0,100] and fills the fields a sloppy
// judge left empty.
func normalize(vote Vote, index int, now time.Time) Vote {
	if vote.WorkerPct < 0 {
		vote.WorkerPct = 0
	}
	if vote.WorkerPct > 100 {
		vote.WorkerPct = 100
	}
	if strings.TrimSpace(vote.Reasoning) == "" {
		vote.Reasoning = "no reasoning provided"
	}
	if strings.TrimSpace(vote.JudgeID) == "" {
		vote.JudgeID = fmt.Sprintf("judge-%d", index)
	}
	if vote.VotedAt.IsZero() {
		vote.VotedAt = now
	}
	return vote
}

// Median returns the middle worker percentage of an odd-sized vote set.
func Median(votes []Vote) int {
	pcts := make([]int, len(votes))
	for i, vote := range votes {
		pcts[i] = vote.WorkerPct
	}
	sort.Ints(pcts)
	return pcts[len(pcts)/2]
}

// Summary joins the reasonings with blank lines, in panel order.
func Summary(votes []Vote) string {
	parts := make([]string, len(votes))
	for i, vote := range votes {
		parts[i] = vote.Reasoning
	}
	return strings.Join(parts, "\n\n")
}
