// Package storage persists the central-bank ledger: accounts, append-only
// transactions, and escrows. Every mutation runs in one immediate-mode
// transaction so balance checks, balance updates, and their transaction rows
// commit or roll back together.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"agora/storage/sqlite"
)

// Transaction types.
const (
	TxCredit = "credit"
	TxDebit  = "debit"
)

// Escrow states.
const (
	EscrowLocked   = "locked"
	EscrowReleased = "released"
	EscrowSplit    = "split"
)

var (
	// ErrAccountNotFound is returned when no account matches the id.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountExists is returned on a second creation for the same agent.
	ErrAccountExists = errors.New("account already exists")
	// ErrInsufficientFunds is returned when a debit would take a balance
	// below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrEscrowNotFound is returned when no escrow matches the id.
	ErrEscrowNotFound = errors.New("escrow not found")
	// ErrEscrowAmountMismatch is returned when a (payer, task) pair is
	// re-locked with a different amount.
	ErrEscrowAmountMismatch = errors.New("escrow already locked with a different amount")
	// ErrEscrowResolved is returned when a release or split hits an escrow
	// that is no longer locked. Exactly one resolver wins the row.
	ErrEscrowResolved = errors.New("escrow already resolved")
	// ErrReferenceMismatch is returned when a credit reference is replayed
	// with a different amount.
	ErrReferenceMismatch = errors.New("credit reference reused with a different amount")
)

// Account is one ledger account. The account id is the owning agent id.
type Account struct {
	AccountID string
	Balance   int64
	CreatedAt time.Time
}

// Transaction is one append-only ledger entry.
type Transaction struct {
	TxID         string
	AccountID    string
	Type         string
	Amount       int64
	BalanceAfter int64
	Reference    string
	Timestamp    time.Time
}

// Escrow is funds held out of the payer's balance until resolution.
type Escrow struct {
	EscrowID       string
	PayerAccountID string
	Amount         int64
	TaskID         string
	Status         string
	CreatedAt      time.Time
	ResolvedAt     time.Time
}

// SplitOutcome reports how a split distributed the locked amount.
type SplitOutcome struct {
	Escrow       Escrow
	WorkerAmount int64
	PosterAmount int64
	Transactions []Transaction
}

// Store wraps the bankd SQLite database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    account_id TEXT PRIMARY KEY,
    balance    INTEGER NOT NULL CHECK (balance >= 0),
    created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS transactions (
    tx_id         TEXT PRIMARY KEY,
    account_id    TEXT NOT NULL REFERENCES accounts(account_id),
    type          TEXT NOT NULL CHECK (type IN ('credit', 'debit')),
    amount        INTEGER NOT NULL CHECK (amount > 0),
    balance_after INTEGER NOT NULL,
    reference     TEXT NOT NULL,
    timestamp     TEXT NOT NULL,
    UNIQUE (account_id, reference)
);
CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_id, timestamp);
CREATE TABLE IF NOT EXISTS escrows (
    escrow_id        TEXT PRIMARY KEY,
    payer_account_id TEXT NOT NULL REFERENCES accounts(account_id),
    amount           INTEGER NOT NULL CHECK (amount > 0),
    task_id          TEXT NOT NULL,
    status           TEXT NOT NULL CHECK (status IN ('locked', 'released', 'split')),
    created_at       TEXT NOT NULL,
    resolved_at      TEXT,
    UNIQUE (payer_account_id, task_id)
);
CREATE INDEX IF NOT EXISTS idx_escrows_status ON escrows(status);
`

// Open initialises the ledger store at path.
func Open(path string) (*Store, error) {
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, err
	}
	return bootstrap(db)
}

// OpenMemory initialises an in-memory ledger store for tests.
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

// CreateAccount opens an account, optionally seeded with an initial credit.
// The seed is recorded as a credit transaction so ledger history is complete
// from the first row.
func (s *Store) CreateAccount(ctx context.Context, accountID string, initialBalance int64, now time.Time) (Account, error) {
	account := Account{AccountID: accountID, Balance: initialBalance, CreatedAt: now.UTC().Truncate(time.Second)}
	err := sqlite.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx, `SELECT account_id FROM accounts WHERE account_id = ?`, accountID).Scan(&existing)
		switch {
		case err == nil:
			return ErrAccountExists
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("check account: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO accounts (account_id, balance, created_at) VALUES (?, ?, ?)`,
			accountID, initialBalance, formatTime(account.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert account: %w", err)
		}
		if initialBalance > 0 {
			seed := Transaction{
				TxID:         newTxID(),
				AccountID:    accountID,
				Type:         TxCredit,
				Amount:       initialBalance,
				BalanceAfter: initialBalance,
				Reference:    "seed:" + accountID,
				Timestamp:    account.CreatedAt,
			}
			if err := insertTransaction(ctx, tx, seed); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// Account fetches one account.
func (s *Store) Account(ctx context.Context, accountID string) (Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT account_id, balance, created_at FROM accounts WHERE account_id = ?`, accountID)
	var account Account
	var created string
	if err := row.Scan(&account.AccountID, &account.Balance, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("scan account: %w", err)
	}
	account.CreatedAt = parseTime(created)
	return account, nil
}

// Credit adds funds to an account under an idempotency reference. Replaying
// the same (account, reference, amount) returns the original transaction with
// created=false; a different amount under the same reference fails without
// mutating anything.
func (s *Store) Credit(ctx context.Context, accountID string, amount int64, reference string, now time.Time) (Transaction, bool, error) {
	var result Transaction
	created := false
	err := sqlite.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		existing, err := transactionByReference(ctx, tx, accountID, reference)
		switch {
		case err == nil:
			if existing.Type != TxCredit || existing.Amount != amount {
				return ErrReferenceMismatch
			}
			result = existing
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		balance, err := balanceForUpdate(ctx, tx, accountID)
		if err != nil {
			return err
		}
		result = Transaction{
			TxID:         newTxID(),
			AccountID:    accountID,
			Type:         TxCredit,
			Amount:       amount,
			BalanceAfter: balance + amount,
			Reference:    reference,
			Timestamp:    now.UTC().Truncate(time.Second),
		}
		if err := applyBalance(ctx, tx, accountID, result.BalanceAfter); err != nil {
			return err
		}
		if err := insertTransaction(ctx, tx, result); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return Transaction{}, false, err
	}
	return result, created, nil
}

// Transactions lists an account's ledger entries oldest-first.
func (s *Store) Transactions(ctx context.Context, accountID string) ([]Transaction, error) {
	if _, err := s.Account(ctx, accountID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tx_id, account_id, type, amount, balance_after, reference, timestamp
		 FROM transactions WHERE account_id = ? ORDER BY timestamp, tx_id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()
	var txs []Transaction
	for rows.Next() {
		var entry Transaction
		var ts string
		if err := rows.Scan(&entry.TxID, &entry.AccountID, &entry.Type, &entry.Amount, &entry.BalanceAfter, &entry.Reference, &ts); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		entry.Timestamp = parseTime(ts)
		txs = append(txs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan transactions: %w", err)
	}
	return txs, nil
}

// LockEscrow debits the payer and opens an escrow row atomically. The
// (payer, task) pair is the idempotency key: replaying with the same amount
// returns the original escrow (created=false, no second debit); a different
// amount fails with ErrEscrowAmountMismatch.
func (s *Store) LockEscrow(ctx context.Context, escrowID, payerID, taskID string, amount int64, now time.Time) (Escrow, bool, error) {
	var result Escrow
	created := false
	err := sqlite.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		existing, err := escrowByPayerTask(ctx, tx, payerID, taskID)
		switch {
		case err == nil:
			if existing.Amount != amount {
				return ErrEscrowAmountMismatch
			}
			result = existing
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		balance, err := balanceForUpdate(ctx, tx, payerID)
		if err != nil {
			return err
		}
		if balance < amount {
			return ErrInsufficientFunds
		}
		result = Escrow{
			EscrowID:       escrowID,
			PayerAccountID: payerID,
			Amount:         amount,
			TaskID:         taskID,
			Status:         EscrowLocked,
			CreatedAt:      now.UTC().Truncate(time.Second),
		}
		if err := applyBalance(ctx, tx, payerID, balance-amount); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO escrows (escrow_id, payer_account_id, amount, task_id, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			result.EscrowID, payerID, amount, taskID, EscrowLocked, formatTime(result.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert escrow: %w", err)
		}
		debit := Transaction{
			TxID:         newTxID(),
			AccountID:    payerID,
			Type:         TxDebit,
			Amount:       amount,
			BalanceAfter: balance - amount,
			Reference:    "escrow:" + result.EscrowID + ":lock",
			Timestamp:    result.CreatedAt,
		}
		if err := insertTransaction(ctx, tx, debit); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return Escrow{}, false, err
	}
	return result, created, nil
}

// Escrow fetches one escrow row.
func (s *Store) Escrow(ctx context.Context, escrowID string) (Escrow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT escrow_id, payer_account_id, amount, task_id, status, created_at, resolved_at
		 FROM escrows WHERE escrow_id = ?`, escrowID)
	return scanEscrow(row)
}

// ReleaseEscrow resolves a locked escrow fully toward recipientID. The status
// flip is a compare-and-set on locked, so concurrent resolvers race and
// exactly one credits the recipient.
func (s *Store) ReleaseEscrow(ctx context.Context, escrowID, recipientID string, now time.Time) (Escrow, Transaction, error) {
	var escrow Escrow
	var credit Transaction
	err := sqlite.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		escrow, err = escrowForUpdate(ctx, tx, escrowID)
		if err != nil {
			return err
		}
		resolvedAt := now.UTC().Truncate(time.Second)
		if err := resolveEscrow(ctx, tx, escrowID, EscrowReleased, resolvedAt); err != nil {
			return err
		}
		escrow.Status = EscrowReleased
		escrow.ResolvedAt = resolvedAt

		balance, err := balanceForUpdate(ctx, tx, recipientID)
		if err != nil {
			return err
		}
		credit = Transaction{
			TxID:         newTxID(),
			AccountID:    recipientID,
			Type:         TxCredit,
			Amount:       escrow.Amount,
			BalanceAfter: balance + escrow.Amount,
			Reference:    "escrow:" + escrowID + ":release",
			Timestamp:    resolvedAt,
		}
		if err := applyBalance(ctx, tx, recipientID, credit.BalanceAfter); err != nil {
			return err
		}
		return insertTransaction(ctx, tx, credit)
	})
	if err != nil {
		return Escrow{}, Transaction{}, err
	}
	return escrow, credit, nil
}

// SplitEscrow resolves a locked escrow into a worker share of workerPct
// percent (truncated) and the poster remainder, so the two credits always sum
// to the locked amount. Zero-valued shares write no transaction.
func (s *Store) SplitEscrow(ctx context.Context, escrowID string, workerPct int, workerID, posterID string, now time.Time) (SplitOutcome, error) {
	var outcome SplitOutcome
	err := sqlite.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		escrow, err := escrowForUpdate(ctx, tx, escrowID)
		if err != nil {
			return err
		}
		resolvedAt := now.UTC().Truncate(time.Second)
		if err := resolveEscrow(ctx, tx, escrowID, EscrowSplit, resolvedAt); err != nil {
			return err
		}
		escrow.Status = EscrowSplit
		escrow.ResolvedAt = resolvedAt

		workerAmount := escrow.Amount * int64(workerPct) / 100
		posterAmount := escrow.Amount - workerAmount
		outcome = SplitOutcome{Escrow: escrow, WorkerAmount: workerAmount, PosterAmount: posterAmount}

		shares := []struct {
			accountID string
			amount    int64
			suffix    string
		}{
			{workerID, workerAmount, "worker"},
			{posterID, posterAmount, "poster"},
		}
		for _, share := range shares {
			if share.amount <= 0 {
				continue
			}
			balance, err := balanceForUpdate(ctx, tx, share.accountID)
			if err != nil {
				return err
			}
			credit := Transaction{
				TxID:         newTxID(),
				AccountID:    share.accountID,
				Type:         TxCredit,
				Amount:       share.amount,
				BalanceAfter: balance + share.amount,
				Reference:    "escrow:" + escrowID + ":" + share.suffix,
				Timestamp:    resolvedAt,
			}
			if err := applyBalance(ctx, tx, share.accountID, credit.BalanceAfter); err != nil {
				return err
			}
			if err := insertTransaction(ctx, tx, credit); err != nil {
				return err
			}
			outcome.Transactions = append(outcome.Transactions, credit)
		}
		return nil
	})
	if err != nil {
		return SplitOutcome{}, err
	}
	return outcome, nil
}

// Counters reports table sizes for health reporting.
func (s *Store) Counters(ctx context.Context) (map[string]int64, error) {
	counters := map[string]int64{}
	queries := map[string]string{
		"accounts":         `SELECT COUNT(*) FROM accounts`,
		"transactions":     `SELECT COUNT(*) FROM transactions`,
		"escrows_locked":   `SELECT COUNT(*) FROM escrows WHERE status = 'locked'`,
		"escrows_resolved": `SELECT COUNT(*) FROM escrows WHERE status != 'locked'`,
	}
	for name, query := range queries {
		var count int64
		if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
			return nil, fmt.Errorf("count %s: %w", name, err)
		}
		counters[name] = count
	}
	return counters, nil
}

func balanceForUpdate(ctx context.Context, tx *sql.Tx, accountID string) (int64, error) {
	var balance int64
	err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE account_id = ?`, accountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

func applyBalance(ctx context.Context, tx *sql.Tx, accountID string, balance int64) error {
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = ? WHERE account_id = ?`, balance, accountID); err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	return nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, entry Transaction) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO transactions (tx_id, account_id, type, amount, balance_after, reference, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.TxID, entry.AccountID, entry.Type, entry.Amount, entry.BalanceAfter, entry.Reference, formatTime(entry.Timestamp),
	); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func transactionByReference(ctx context.Context, tx *sql.Tx, accountID, reference string) (Transaction, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT tx_id, account_id, type, amount, balance_after, reference, timestamp
		 FROM transactions WHERE account_id = ? AND reference = ?`, accountID, reference)
	var entry Transaction
	var ts string
	if err := row.Scan(&entry.TxID, &entry.AccountID, &entry.Type, &entry.Amount, &entry.BalanceAfter, &entry.Reference, &ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transaction{}, err
		}
		return Transaction{}, fmt.Errorf("scan transaction: %w", err)
	}
	entry.Timestamp = parseTime(ts)
	return entry, nil
}

func escrowByPayerTask(ctx context.Context, tx *sql.Tx, payerID, taskID string) (Escrow, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT escrow_id, payer_account_id, amount, task_id, status, created_at, resolved_at
		 FROM escrows WHERE payer_account_id = ? AND task_id = ?`, payerID, taskID)
	escrow, err := scanEscrow(row)
	if errors.Is(err, ErrEscrowNotFound) {
		return Escrow{}, sql.ErrNoRows
	}
	return escrow, err
}

func escrowForUpdate(ctx context.Context, tx *sql.Tx, escrowID string) (Escrow, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT escrow_id, payer_account_id, amount, task_id, status, created_at, resolved_at
		 FROM escrows WHERE escrow_id = ?`, escrowID)
	return scanEscrow(row)
}

// resolveEscrow performs the compare-and-set from locked to the target
// status. Zero affected rows means another resolver already won.
func resolveEscrow(ctx context.Context, tx *sql.Tx, escrowID, status string, resolvedAt time.Time) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE escrows SET status = ?, resolved_at = ? WHERE escrow_id = ? AND status = ?`,
		status, formatTime(resolvedAt), escrowID, EscrowLocked)
	if err != nil {
		return fmt.Errorf("resolve escrow: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve escrow rows: %w", err)
	}
	if affected == 0 {
		return ErrEscrowResolved
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row rowScanner) (Escrow, error) {
	var escrow Escrow
	var created string
	var resolved sql.NullString
	if err := row.Scan(&escrow.EscrowID, &escrow.PayerAccountID, &escrow.Amount, &escrow.TaskID, &escrow.Status, &created, &resolved); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Escrow{}, ErrEscrowNotFound
		}
		return Escrow{}, fmt.Errorf("scan escrow: %w", err)
	}
	escrow.CreatedAt = parseTime(created)
	if resolved.Valid {
		escrow.ResolvedAt = parseTime(resolved.String)
	}
	return escrow, nil
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
