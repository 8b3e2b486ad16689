// Package storage persists the task board: tasks, sealed bids, and the
// deliverable-asset index. Status transitions are compare-and-set updates
// guarded on the current status, so concurrent writers race for a transition
// and exactly one wins.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"agora/storage/sqlite"
)

// Task states.
const (
	StatusOpen      = "open"
	StatusAccepted  = "accepted"
	StatusSubmitted = "submitted"
	StatusApproved  = "approved"
	StatusCancelled = "cancelled"
	StatusDisputed  = "disputed"
	StatusRuled     = "ruled"
	StatusExpired   = "expired"
)

// Terminal reports whether a status permits no further transitions.
func Terminal(status string) bool {
	switch status {
	case StatusApproved, StatusCancelled, StatusRuled, StatusExpired:
		return true
	}
	return false
}

var (
	// ErrTaskNotFound is returned when no task matches the id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskExists is returned when a task id is reused.
	ErrTaskExists = errors.New("task already exists")
	// ErrBidNotFound is returned when no bid matches the id.
	ErrBidNotFound = errors.New("bid not found")
	// ErrBidExists is returned on a second bid by the same bidder.
	ErrBidExists = errors.New("bid already submitted")
	// ErrInvalidStatus is returned when a guarded update finds the task in
	// another state.
	ErrInvalidStatus = errors.New("task status does not permit the operation")
	// ErrAssetNotFound is returned when no asset matches the id.
	ErrAssetNotFound = errors.New("asset not found")
)

// Task is one task-board row.
type Task struct {
	TaskID           string
	PosterID         string
	WorkerID         string
	Title            string
	Spec             string
	Reward           int64
	Status           string
	EscrowID         string
	EscrowPending    bool
	BidCount         int
	AcceptedBidID    string
	BiddingSeconds   int64
	ExecutionSeconds int64
	ReviewSeconds    int64
	DisputeReason    string
	RulingID         string
	RulingWorkerPct  int
	RulingSummary    string
	CreatedAt        time.Time
	AcceptedAt       time.Time
	SubmittedAt      time.Time
	ApprovedAt       time.Time
	CancelledAt      time.Time
	DisputedAt       time.Time
	RuledAt          time.Time
	ExpiredAt        time.Time
}

// Bid is one sealed bid against an open task.
type Bid struct {
	BidID       string
	TaskID      string
	BidderID    string
	Amount      int64
	SubmittedAt time.Time
}

// Asset is the database index entry for one deliverable file on disk.
type Asset struct {
	AssetID     string
	TaskID      string
	UploaderID  string
	Filename    string
	ContentType string
	SizeBytes   int64
	ContentHash string
	UploadedAt  time.Time
}

// Filter narrows a task listing.
type Filter struct {
	Status   string
	PosterID string
	WorkerID string
	Offset   int
	Limit    int
}

// Store wraps the taskboardd SQLite database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    task_id           TEXT PRIMARY KEY,
    poster_id         TEXT NOT NULL,
    worker_id         TEXT,
    title             TEXT NOT NULL,
    spec              TEXT NOT NULL,
    reward            INTEGER NOT NULL CHECK (reward > 0),
    status            TEXT NOT NULL CHECK (status IN
        ('open', 'accepted', 'submitted', 'approved', 'cancelled', 'disputed', 'ruled', 'expired')),
    escrow_id         TEXT NOT NULL,
    escrow_pending    INTEGER NOT NULL DEFAULT 0,
    bid_count         INTEGER NOT NULL DEFAULT 0,
    accepted_bid_id   TEXT,
    bidding_seconds   INTEGER NOT NULL CHECK (bidding_seconds > 0),
    execution_seconds INTEGER NOT NULL CHECK (execution_seconds > 0),
    review_seconds    INTEGER NOT NULL CHECK (review_seconds > 0),
    dispute_reason    TEXT,
    ruling_id         TEXT,
    ruling_worker_pct INTEGER,
    ruling_summary    TEXT,
    created_at        TEXT NOT NULL,
    accepted_at       TEXT,
    submitted_at      TEXT,
    approved_at       TEXT,
    cancelled_at      TEXT,
    disputed_at       TEXT,
    ruled_at          TEXT,
    expired_at        TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_poster ON tasks(poster_id);
CREATE INDEX IF NOT EXISTS idx_tasks_worker ON tasks(worker_id);
CREATE TABLE IF NOT EXISTS bids (
    bid_id       TEXT PRIMARY KEY,
    task_id      TEXT NOT NULL REFERENCES tasks(task_id),
    bidder_id    TEXT NOT NULL,
    amount       INTEGER NOT NULL CHECK (amount > 0),
    submitted_at TEXT NOT NULL,
    UNIQUE (task_id, bidder_id)
);
CREATE TABLE IF NOT EXISTS assets (
    asset_id     TEXT PRIMARY KEY,
    task_id      TEXT NOT NULL REFERENCES tasks(task_id),
    uploader_id  TEXT NOT NULL,
    filename     TEXT NOT NULL,
    content_type TEXT NOT NULL,
    size_bytes   INTEGER NOT NULL,
    content_hash TEXT NOT NULL,
    uploaded_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assets_task ON assets(task_id);
`

// Open initialises the board store at path.
func Open(path string) (*Store, error) {
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, err
	}
	return bootstrap(db)
}

// OpenMemory initialises an in-memory board store for tests.
func OpenMemory(name string) (*Store, error) {
	db, err := sqlite.OpenMemory(name)
	if err != nil {
		return nil, err
	}
	return bootstrap(db)
}

func bootstrap(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const taskColumns = `task_id, poster_id, worker_id, title, spec, reward, status, escrow_id,
    escrow_pending, bid_count, accepted_bid_id, bidding_seconds, execution_seconds,
    review_seconds, dispute_reason, ruling_id, ruling_worker_pct, ruling_summary,
    created_at, accepted_at, submitted_at, approved_at, cancelled_at, disputed_at,
    ruled_at, expired_at`

// InsertTask records a freshly opened task. The task id is caller-minted
// (it is cross-signed into the escrow token), so reuse is a conflict.
func (s *Store) InsertTask(ctx context.Context, task Task) error {
	return sqlite.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx, `SELECT task_id FROM tasks WHERE task_id = ?`, task.TaskID).Scan(&existing)
		switch {
		case err == nil:
			return ErrTaskExists
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("check task: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (task_id, poster_id, title, spec, reward, status, escrow_id,
			    bidding_seconds, execution_seconds, review_seconds, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			task.TaskID, task.PosterID, task.Title, task.Spec, task.Reward, StatusOpen, task.EscrowID,
			task.BiddingSeconds, task.ExecutionSeconds, task.ReviewSeconds, formatTime(task.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
}

// TaskByID fetches one task.
func (s *Store) TaskByID(ctx context.Context, taskID string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID)
	return scanTask(row)
}

// ListTasks returns tasks newest-first, narrowed by the filter. Limit
// defaults to 50 and is capped at 200.
func (s *Store) ListTasks(ctx context.Context, filter Filter) ([]Task, error) {
	where := make([]string, 0, 3)
	args := make([]any, 0, 5)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.PosterID != "" {
		where = append(where, "poster_id = ?")
		args = append(args, filter.PosterID)
	}
	if filter.WorkerID != "" {
		where = append(where, "worker_id = ?")
		args = append(args, filter.WorkerID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query += " ORDER BY created_at DESC, task_id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan tasks: %w", err)
	}
	return tasks, nil
}

// InsertBid records a sealed bid and bumps the task's bid counter in the
// same transaction. The counter update is guarded on status=open so a bid
// cannot land on a task that expired between the caller's check and here.
func (s *Store) InsertBid(ctx context.Context, bid Bid) error {
	return sqlite.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id = ?`, bid.TaskID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("check task: %w", err)
		}
		var existing string
		err = tx.QueryRowContext(ctx,
			`SELECT bid_id FROM bids WHERE task_id = ? AND bidder_id = ?`, bid.TaskID, bid.BidderID).Scan(&existing)
		switch {
		case err == nil:
			return ErrBidExists
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("check bid: %w", err)
		}
		result, err := tx.ExecContext(ctx,
			`UPDATE tasks SET bid_count = bid_count + 1 WHERE task_id = ? AND status = ?`,
			bid.TaskID, StatusOpen)
		if err != nil {
			return fmt.Errorf("bump bid count: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("bump bid count rows: %w", err)
		}
		if affected == 0 {
			return ErrInvalidStatus
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO bids (bid_id, task_id, bidder_id, amount, submitted_at) VALUES (?, ?, ?, ?, ?)`,
			bid.BidID, bid.TaskID, bid.BidderID, bid.Amount, formatTime(bid.SubmittedAt),
		); err != nil {
			return fmt.Errorf("insert bid: %w", err)
		}
		return nil
	})
}

// BidByID fetches one bid belonging to the task.
func (s *Store) BidByID(ctx context.Context, taskID, bidID string) (Bid, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT bid_id, task_id, bidder_id, amount, submitted_at FROM bids WHERE bid_id = ? AND task_id = ?`,
		bidID, taskID)
	var bid Bid
	var submitted string
	if err := row.Scan(&bid.BidID, &bid.TaskID, &bid.BidderID, &bid.Amount, &submitted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Bid{}, ErrBidNotFound
		}
		return Bid{}, fmt.Errorf("scan bid: %w", err)
	}
	bid.SubmittedAt = parseTime(submitted)
	return bid, nil
}

// ListBids returns a task's bids oldest-first.
func (s *Store) ListBids(ctx context.Context, taskID string) ([]Bid, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT bid_id, task_id, bidder_id, amount, submitted_at FROM bids
		 WHERE task_id = ? ORDER BY submitted_at, bid_id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list bids: %w", err)
	}
	defer rows.Close()
	var bids []Bid
	for rows.Next() {
		var bid Bid
		var submitted string
		if err := rows.Scan(&bid.BidID, &bid.TaskID, &bid.BidderID, &bid.Amount, &submitted); err != nil {
			return nil, fmt.Errorf("scan bid: %w", err)
		}
		bid.SubmittedAt = parseTime(submitted)
		bids = append(bids, bid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan bids: %w", err)
	}
	return bids, nil
}

// AcceptBid assigns the bidder as the task's worker. Guarded on status=open;
// a lost race reports ErrInvalidStatus.
func (s *Store) AcceptBid(ctx context.Context, taskID, bidID string, now time.Time) (string, error) {
	var workerID string
	err := sqlite.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT bidder_id FROM bids WHERE bid_id = ? AND task_id = ?`, bidID, taskID).Scan(&workerID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrBidNotFound
		}
		if err != nil {
			return fmt.Errorf("resolve bid: %w", err)
		}
		result, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, worker_id = ?, accepted_bid_id = ?, accepted_at = ?
			 WHERE task_id = ? AND status = ?`,
			StatusAccepted, workerID, bidID, formatTime(now), taskID, StatusOpen)
		if err != nil {
			return fmt.Errorf("accept bid: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("accept bid rows: %w", err)
		}
		if affected == 0 {
			return ErrInvalidStatus
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return workerID, nil
}

// stampColumn maps a transition target onto its timestamp column. Statuses
// carrying extra fields (accepted, disputed, ruled) have dedicated methods.
func stampColumn(status string) (string, bool) {
	switch status {
	case StatusSubmitted:
		return "submitted_at", true
	case StatusApproved:
		return "approved_at", true
	case StatusCancelled:
		return "cancelled_at", true
	case StatusExpired:
		return "expired_at", true
	}
	return "", false
}

// TransitionStatus performs the compare-and-set from one status to another,
// stamping the target's timestamp. markEscrowPending is written in the same
// statement so a terminal flip and its pending-release marker are atomic.
// The returned bool reports whether this caller won the transition.
func (s *Store) TransitionStatus(ctx context.Context, taskID, from, to string, markEscrowPending bool, now time.Time) (bool, error) {
	column, ok := stampColumn(to)
	if !ok {
		return false, fmt.Errorf("no transition stamp for status %q", to)
	}
	pending := 0
	if markEscrowPending {
		pending = 1
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, escrow_pending = ?, `+column+` = ? WHERE task_id = ? AND status = ?`,
		to, pending, formatTime(now), taskID, from)
	if err != nil {
		return false, fmt.Errorf("transition task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition task rows: %w", err)
	}
	return affected > 0, nil
}

// ClearEscrowPending marks a deferred escrow release as completed.
func (s *Store) ClearEscrowPending(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET escrow_pending = 0 WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("clear escrow pending: %w", err)
	}
	return nil
}

// SetDispute flips a submitted task to disputed, recording the claim.
func (s *Store) SetDispute(ctx context.Context, taskID, reason string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, dispute_reason = ?, disputed_at = ? WHERE task_id = ? AND status = ?`,
		StatusDisputed, reason, formatTime(now), taskID, StatusSubmitted)
	if err != nil {
		return false, fmt.Errorf("dispute task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dispute task rows: %w", err)
	}
	return affected > 0, nil
}

// RecordRuling stamps the court's outcome onto a disputed task.
func (s *Store) RecordRuling(ctx context.Context, taskID, rulingID string, workerPct int, summary string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, ruling_id = ?, ruling_worker_pct = ?, ruling_summary = ?, ruled_at = ?
		 WHERE task_id = ? AND status = ?`,
		StatusRuled, rulingID, workerPct, summary, formatTime(now), taskID, StatusDisputed)
	if err != nil {
		return false, fmt.Errorf("record ruling: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record ruling rows: %w", err)
	}
	return affected > 0, nil
}

// InsertAsset records the index row for a stored deliverable.
func (s *Store) InsertAsset(ctx context.Context, asset Asset) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO assets (asset_id, task_id, uploader_id, filename, content_type, size_bytes, content_hash, uploaded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		asset.AssetID, asset.TaskID, asset.UploaderID, asset.Filename, asset.ContentType,
		asset.SizeBytes, asset.ContentHash, formatTime(asset.UploadedAt),
	); err != nil {
		return fmt.Errorf("insert asset: %w", err)
	}
	return nil
}

// AssetByID fetches one asset index row belonging to the task.
func (s *Store) AssetByID(ctx context.Context, taskID, assetID string) (Asset, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT asset_id, task_id, uploader_id, filename, content_type, size_bytes, content_hash, uploaded_at
		 FROM assets WHERE asset_id = ? AND task_id = ?`, assetID, taskID)
	var asset Asset
	var uploaded string
	if err := row.Scan(&asset.AssetID, &asset.TaskID, &asset.UploaderID, &asset.Filename,
		&asset.ContentType, &asset.SizeBytes, &asset.ContentHash, &uploaded); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Asset{}, ErrAssetNotFound
		}
		return Asset{}, fmt.Errorf("scan asset: %w", err)
	}
	asset.UploadedAt = parseTime(uploaded)
	return asset, nil
}

// ListAssets returns a task's assets oldest-first.
func (s *Store) ListAssets(ctx context.Context, taskID string) ([]Asset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT asset_id, task_id, uploader_id, filename, content_type, size_bytes, content_hash, uploaded_at
		 FROM assets WHERE task_id = ? ORDER BY uploaded_at, asset_id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()
	var assets []Asset
	for rows.Next() {
		var asset Asset
		var uploaded string
		if err := rows.Scan(&asset.AssetID, &asset.TaskID, &asset.UploaderID, &asset.Filename,
			&asset.ContentType, &asset.SizeBytes, &asset.ContentHash, &uploaded); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		asset.UploadedAt = parseTime(uploaded)
		assets = append(assets, asset)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan assets: %w", err)
	}
	return assets, nil
}

// CountAssets reports how many deliverables a task already carries.
func (s *Store) CountAssets(ctx context.Context, taskID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM assets WHERE task_id = ?`, taskID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count assets: %w", err)
	}
	return count, nil
}

// CountTasks reports the total number of tasks.
func (s *Store) CountTasks(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return count, nil
}

// CountTasksByStatus reports how many tasks sit in the given status.
func (s *Store) CountTasksByStatus(ctx context.Context, status string) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE status = ?`, status).Scan(&count); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var task Task
	var workerID, acceptedBidID, disputeReason, rulingID, rulingSummary sql.NullString
	var rulingPct sql.NullInt64
	var escrowPending int
	var created string
	var accepted, submitted, approved, cancelled, disputed, ruled, expired sql.NullString
	err := row.Scan(&task.TaskID, &task.PosterID, &workerID, &task.Title, &task.Spec, &task.Reward,
		&task.Status, &task.EscrowID, &escrowPending, &task.BidCount, &acceptedBidID,
		&task.BiddingSeconds, &task.ExecutionSeconds, &task.ReviewSeconds,
		&disputeReason, &rulingID, &rulingPct, &rulingSummary,
		&created, &accepted, &submitted, &approved, &cancelled, &disputed, &ruled, &expired)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, ErrTaskNotFound
		}
		return Task{}, fmt.Errorf("scan task: %w", err)
	}
	task.WorkerID = workerID.String
	task.AcceptedBidID = acceptedBidID.String
	task.DisputeReason = disputeReason.String
	task.RulingID = rulingID.String
	task.RulingSummary = rulingSummary.String
	if rulingPct.Valid {
		task.RulingWorkerPct = int(rulingPct.Int64)
	}
	task.EscrowPending = escrowPending != 0
	task.CreatedAt = parseTime(created)
	task.AcceptedAt = parseNullTime(accepted)
	task.SubmittedAt = parseNullTime(submitted)
	task.ApprovedAt = parseNullTime(approved)
	task.CancelledAt = parseNullTime(cancelled)
	task.DisputedAt = parseNullTime(disputed)
	task.RuledAt = parseNullTime(ruled)
	task.ExpiredAt = parseNullTime(expired)
	return task, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func parseNullTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	return parseTime(s.String)
}
