// Package lifecycle evaluates deadline-driven task transitions lazily on
// read. There is no background sweeper: the first reader past a deadline
// applies the transition through a status-guarded compare-and-set, and only
// that winner performs the escrow side effect. A terminal flip is written
// together with an escrow-pending marker, so if the bank call fails (or the
// process dies between the two) the money movement is retried on the next
// read rather than lost.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"agora/clients/bank"
	"agora/httpapi"
	"agora/observability"
	"agora/services/taskboardd/storage"
)

// Engine applies deadline transitions and pending escrow releases.
type Engine struct {
	store   *storage.Store
	ledger  bank.Ledger
	logger  *slog.Logger
	metrics *observability.BoardMetrics
	now     func() time.Time

	transitions   atomic.Int64
	escrowRetries atomic.Int64
}

// New constructs the lifecycle engine over the board storage and the bank.
func New(store *storage.Store, ledger bank.Ledger, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   store,
		ledger:  ledger,
		logger:  logger,
		metrics: observability.Board(),
		now:     time.Now,
	}
}

// Evaluate brings one task up to date: it retries a pending escrow release,
// applies any elapsed deadline, and returns the current row. Bank outages
// never fail the read; the pending marker stays set and the next read tries
// again. Only storage problems surface as errors.
func (e *Engine) Evaluate(ctx context.Context, task storage.Task) (storage.Task, error) {
	if storage.Terminal(task.Status) {
		if task.EscrowPending {
			e.escrowRetries.Add(1)
			e.metrics.RecordEscrowRetry()
			return e.settleEscrow(ctx, task)
		}
		return task, nil
	}

	deadline, target, ok := deadlineFor(task)
	if !ok || e.now().Before(deadline) {
		return task, nil
	}

	won, err := e.store.TransitionStatus(ctx, task.TaskID, task.Status, target, true, e.now())
	if err != nil {
		return task, err
	}
	fresh, err := e.store.TaskByID(ctx, task.TaskID)
	if err != nil {
		return task, err
	}
	if !won {
		// Another reader advanced the task first; surface their result.
		return fresh, nil
	}
	e.transitions.Add(1)
	e.metrics.RecordTransition(task.Status, target)
	e.logger.Info("deadline transition applied",
		slog.String("task_id", task.TaskID),
		slog.String("from", task.Status),
		slog.String("to", target),
	)
	return e.settleEscrow(ctx, fresh)
}

// EvaluateAll runs Evaluate over a listing.
func (e *Engine) EvaluateAll(ctx context.Context, tasks []storage.Task) ([]storage.Task, error) {
	out := make([]storage.Task, 0, len(tasks))
	for _, task := range tasks {
		evaluated, err := e.Evaluate(ctx, task)
		if err != nil {
			return nil, err
		}
		out = append(out, evaluated)
	}
	return out, nil
}

// Settle performs the escrow release owed by a terminal task and clears the
// pending marker. Mutating handlers call it right after winning a terminal
// transition.
func (e *Engine) Settle(ctx context.Context, task storage.Task) (storage.Task, error) {
	return e.settleEscrow(ctx, task)
}

// Stats reports the deadline transitions and escrow retries applied by this
// process, for the health endpoint.
func (e *Engine) Stats() (transitions, escrowRetries int64) {
	return e.transitions.Load(), e.escrowRetries.Load()
}

func (e *Engine) settleEscrow(ctx context.Context, task storage.Task) (storage.Task, error) {
	recipient := releaseRecipient(task)
	if recipient == "" {
		// Ruled tasks are split by the court; nothing is owed here.
		if err := e.store.ClearEscrowPending(ctx, task.TaskID); err != nil {
			return task, err
		}
		task.EscrowPending = false
		return task, nil
	}

	_, err := e.ledger.Release(ctx, task.EscrowID, recipient)
	if err != nil && !escrowAlreadyResolved(err) {
		e.logger.Warn("escrow release deferred",
			slog.String("task_id", task.TaskID),
			slog.String("escrow_id", task.EscrowID),
			slog.String("recipient", recipient),
			slog.String("error", err.Error()),
		)
		task.EscrowPending = true
		return task, nil
	}
	if err := e.store.ClearEscrowPending(ctx, task.TaskID); err != nil {
		return task, err
	}
	task.EscrowPending = false
	return task, nil
}

// deadlineFor computes the effective deadline and the transition target for
// a non-terminal status. Open tasks with at least one bid have no deadline;
// they wait for acceptance or cancellation.
func deadlineFor(task storage.Task) (time.Time, string, bool) {
	switch task.Status {
	case storage.StatusOpen:
		if task.BidCount > 0 {
			return time.Time{}, "", false
		}
		return task.CreatedAt.Add(time.Duration(task.BiddingSeconds) * time.Second), storage.StatusExpired, true
	case storage.StatusAccepted:
		return task.AcceptedAt.Add(time.Duration(task.ExecutionSeconds) * time.Second), storage.StatusExpired, true
	case storage.StatusSubmitted:
		return task.SubmittedAt.Add(time.Duration(task.ReviewSeconds) * time.Second), storage.StatusApproved, true
	}
	return time.Time{}, "", false
}

// releaseRecipient names who a terminal task's escrow belongs to: the worker
// on approval, the poster when the task died before delivery.
func releaseRecipient(task storage.Task) string {
	switch task.Status {
	case storage.StatusApproved:
		return task.WorkerID
	case storage.StatusCancelled, storage.StatusExpired:
		return task.PosterID
	}
	return ""
}

func escrowAlreadyResolved(err error) bool {
	var apiErr *httpapi.APIError
	return errors.As(err, &apiErr) && apiErr.Code == httpapi.CodeEscrowResolved
}
