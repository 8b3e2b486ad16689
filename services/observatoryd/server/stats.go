package server

import (
	"context"
	"fmt"
	"time"
)

// ledgerStats is the conservation snapshot. Minted money (credits that did
// not come out of an escrow) must equal balances plus live escrow holds, and
// the transaction log must net out to the balances it produced; balanced is
// true only when both hold.
type ledgerStats struct {
	Accounts          int64     `json:"accounts"`
	Transactions      int64     `json:"transactions"`
	CreditsTotal      int64     `json:"credits_total"`
	DebitsTotal       int64     `json:"debits_total"`
	MintedTotal       int64     `json:"minted_total"`
	BalancesTotal     int64     `json:"balances_total"`
	EscrowLockedTotal int64     `json:"escrow_locked_total"`
	EscrowLockedCount int64     `json:"escrow_locked_count"`
	EscrowsResolved   int64     `json:"escrows_resolved"`
	Balanced          bool      `json:"balanced"`
	GeneratedAt       time.Time `json:"generated_at"`
}

func (s *Server) ledgerSnapshot(ctx context.Context) (*ledgerStats, error) {
	snap := &ledgerStats{GeneratedAt: s.now().UTC()}

	if err := s.bank.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(balance), 0) FROM accounts`,
	).Scan(&snap.Accounts, &snap.BalancesTotal); err != nil {
		return nil, fmt.Errorf("scan accounts: %w", err)
	}

	if err := s.bank.QueryRowContext(ctx, `
SELECT COUNT(*),
       COALESCE(SUM(CASE WHEN type = 'credit' THEN amount ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN type = 'debit' THEN amount ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN type = 'credit' AND reference NOT LIKE 'escrow:%' THEN amount ELSE 0 END), 0)
FROM transactions`,
	).Scan(&snap.Transactions, &snap.CreditsTotal, &snap.DebitsTotal, &snap.MintedTotal); err != nil {
		return nil, fmt.Errorf("scan transactions: %w", err)
	}

	if err := s.bank.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(amount), 0) FROM escrows WHERE status = 'locked'`,
	).Scan(&snap.EscrowLockedCount, &snap.EscrowLockedTotal); err != nil {
		return nil, fmt.Errorf("scan locked escrows: %w", err)
	}
	if err := s.bank.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM escrows WHERE status != 'locked'`,
	).Scan(&snap.EscrowsResolved); err != nil {
		return nil, fmt.Errorf("scan resolved escrows: %w", err)
	}

	snap.Balanced = snap.MintedTotal == snap.BalancesTotal+snap.EscrowLockedTotal &&
		snap.CreditsTotal-snap.DebitsTotal == snap.BalancesTotal
	return snap, nil
}

// statusStats aggregates the tasks sharing one lifecycle status.
type statusStats struct {
	Count       int64 `json:"count"`
	RewardTotal int64 `json:"reward_total"`
}

// taskStats is the board activity snapshot.
type taskStats struct {
	Tasks         int64                  `json:"tasks"`
	Bids          int64                  `json:"bids"`
	Assets        int64                  `json:"assets"`
	RewardTotal   int64                  `json:"reward_total"`
	MeanReward    float64                `json:"mean_reward"`
	EscrowPending int64                  `json:"escrow_pending"`
	ByStatus      map[string]statusStats `json:"by_status"`
	GeneratedAt   time.Time              `json:"generated_at"`
}

func (s *Server) taskSnapshot(ctx context.Context) (*taskStats, error) {
	snap := &taskStats{
		ByStatus:    make(map[string]statusStats),
		GeneratedAt: s.now().UTC(),
	}

	rows, err := s.board.QueryContext(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(reward), 0) FROM tasks GROUP BY status`,
	)
	if err != nil {
		return nil, fmt.Errorf("query task statuses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var stats statusStats
		if err := rows.Scan(&status, &stats.Count, &stats.RewardTotal); err != nil {
			return nil, fmt.Errorf("scan task status: %w", err)
		}
		snap.ByStatus[status] = stats
		snap.Tasks += stats.Count
		snap.RewardTotal += stats.RewardTotal
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task statuses: %w", err)
	}
	if snap.Tasks > 0 {
		snap.MeanReward = float64(snap.RewardTotal) / float64(snap.Tasks)
	}

	if err := s.board.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE escrow_pending = 1`,
	).Scan(&snap.EscrowPending); err != nil {
		return nil, fmt.Errorf("scan pending escrows: %w", err)
	}
	if err := s.board.QueryRowContext(ctx, `SELECT COUNT(*) FROM bids`).Scan(&snap.Bids); err != nil {
		return nil, fmt.Errorf("scan bids: %w", err)
	}
	if err := s.board.QueryRowContext(ctx, `SELECT COUNT(*) FROM assets`).Scan(&snap.Assets); err != nil {
		return nil, fmt.Errorf("scan assets: %w", err)
	}
	return snap, nil
}
