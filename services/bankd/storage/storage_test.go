package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenMemory(uuid.NewString())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustAccount(t *testing.T, store *Store, id string, balance int64) Account {
	t.Helper()
	account, err := store.CreateAccount(context.Background(), id, balance, time.Now())
	if err != nil {
		t.Fatalf("create account %s: %v", id, err)
	}
	return account
}

func TestCreateAccountSeedsLedger(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	account := mustAccount(t, store, "a-poster", 5000)
	if account.Balance != 5000 {
		t.Fatalf("balance = %d, want 5000", account.Balance)
	}

	txs, err := store.Transactions(ctx, "a-poster")
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("len = %d, want 1", len(txs))
	}
	if txs[0].Type != TxCredit || txs[0].Amount != 5000 || txs[0].Reference != "seed:a-poster" {
		t.Fatalf("unexpected seed transaction: %+v", txs[0])
	}
	if txs[0].BalanceAfter != 5000 {
		t.Fatalf("balance_after = %d, want 5000", txs[0].BalanceAfter)
	}
}

func TestCreateAccountZeroBalanceWritesNoTransaction(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	mustAccount(t, store, "a-worker", 0)
	txs, err := store.Transactions(ctx, "a-worker")
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(txs) != 0 {
		t.Fatalf("len = %d, want 0", len(txs))
	}
}

func TestCreateAccountRejectsDuplicate(t *testing.T) {
	store := openTestStore(t)

	mustAccount(t, store, "a-poster", 100)
	if _, err := store.CreateAccount(context.Background(), "a-poster", 0, time.Now()); !errors.Is(err, ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
}

func TestCreditIsIdempotentPerReference(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	mustAccount(t, store, "a-worker", 0)

	first, created, err := store.Credit(ctx, "a-worker", 250, "grant:july", time.Now())
	if err != nil {
		t.Fatalf("first credit: %v", err)
	}
	if !created {
		t.Fatal("first credit should be created")
	}

	replay, created, err := store.Credit(ctx, "a-worker", 250, "grant:july", time.Now())
	if err != nil {
		t.Fatalf("replayed credit: %v", err)
	}
	if created {
		t.Fatal("replay should not create a second transaction")
	}
	if replay.TxID != first.TxID {
		t.Fatalf("replay tx = %s, want original %s", replay.TxID, first.TxID)
	}

	account, err := store.Account(ctx, "a-worker")
	if err != nil {
		t.Fatalf("fetch account: %v", err)
	}
	if account.Balance != 250 {
		t.Fatalf("balance = %d, want 250 after replay", account.Balance)
	}
}

func TestCreditReferenceAmountMismatch(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	mustAccount(t, store, "a-worker", 0)
	if _, _, err := store.Credit(ctx, "a-worker", 250, "grant:july", time.Now()); err != nil {
		t.Fatalf("first credit: %v", err)
	}
	if _, _, err := store.Credit(ctx, "a-worker", 300, "grant:july", time.Now()); !errors.Is(err, ErrReferenceMismatch) {
		t.Fatalf("expected ErrReferenceMismatch, got %v", err)
	}

	account, err := store.Account(ctx, "a-worker")
	if err != nil {
		t.Fatalf("fetch account: %v", err)
	}
	if account.Balance != 250 {
		t.Fatalf("balance = %d, want 250 after rejected replay", account.Balance)
	}
}

func TestCreditUnknownAccount(t *testing.T) {
	store := openTestStore(t)
	if _, _, err := store.Credit(context.Background(), "a-missing", 10, "r", time.Now()); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestLockEscrowDebitsPayer(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	mustAccount(t, store, "a-poster", 5000)

	escrowID := NewEscrowID()
	escrow, created, err := store.LockEscrow(ctx, escrowID, "a-poster", "t-1", 500, time.Now())
	if err != nil {
		t.Fatalf("lock escrow: %v", err)
	}
	if !created {
		t.Fatal("lock should create the escrow")
	}
	if escrow.Status != EscrowLocked || escrow.Amount != 500 {
		t.Fatalf("unexpected escrow: %+v", escrow)
	}

	account, err := store.Account(ctx, "a-poster")
	if err != nil {
		t.Fatalf("fetch account: %v", err)
	}
	if account.Balance != 4500 {
		t.Fatalf("balance = %d, want 4500", account.Balance)
	}

	txs, err := store.Transactions(ctx, "a-poster")
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	last := txs[len(txs)-1]
	if last.Type != TxDebit || last.Amount != 500 || last.Reference != "escrow:"+escrowID+":lock" {
		t.Fatalf("unexpected debit: %+v", last)
	}
}

func TestLockEscrowInsufficientFunds(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	mustAccount(t, store, "a-poster", 100)
	if _, _, err := store.LockEscrow(ctx, NewEscrowID(), "a-poster", "t-1", 500, time.Now()); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	account, err := store.Account(ctx, "a-poster")
	if err != nil {
		t.Fatalf("fetch account: %v", err)
	}
	if account.Balance != 100 {
		t.Fatalf("balance = %d, want untouched 100", account.Balance)
	}
}

func TestLockEscrowIdempotentPerTask(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	mustAccount(t, store, "a-poster", 5000)

	first, _, err := store.LockEscrow(ctx, NewEscrowID(), "a-poster", "t-1", 500, time.Now())
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	replay, created, err := store.LockEscrow(ctx, NewEscrowID(), "a-poster", "t-1", 500, time.Now())
	if err != nil {
		t.Fatalf("replayed lock: %v", err)
	}
	if created {
		t.Fatal("replay should not create a second escrow")
	}
	if replay.EscrowID != first.EscrowID {
		t.Fatalf("replay escrow = %s, want original %s", replay.EscrowID, first.EscrowID)
	}

	account, err := store.Account(ctx, "a-poster")
	if err != nil {
		t.Fatalf("fetch account: %v", err)
	}
	if account.Balance != 4500 {
		t.Fatalf("balance = %d, want single debit 4500", account.Balance)
	}

	if _, _, err := store.LockEscrow(ctx, NewEscrowID(), "a-poster", "t-1", 999, time.Now()); !errors.Is(err, ErrEscrowAmountMismatch) {
		t.Fatalf("expected ErrEscrowAmountMismatch, got %v", err)
	}
}

func TestReleaseEscrowCreditsRecipient(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	mustAccount(t, store, "a-poster", 5000)
	mustAccount(t, store, "a-worker", 0)

	escrow, _, err := store.LockEscrow(ctx, NewEscrowID(), "a-poster", "t-1", 500, time.Now())
	if err != nil {
		t.Fatalf("lock escrow: %v", err)
	}

	released, credit, err := store.ReleaseEscrow(ctx, escrow.EscrowID, "a-worker", time.Now())
	if err != nil {
		t.Fatalf("release escrow: %v", err)
	}
	if released.Status != EscrowReleased {
		t.Fatalf("status = %s, want released", released.Status)
	}
	if credit.Amount != 500 || credit.Reference != "escrow:"+escrow.EscrowID+":release" {
		t.Fatalf("unexpected credit: %+v", credit)
	}

	worker, err := store.Account(ctx, "a-worker")
	if err != nil {
		t.Fatalf("fetch worker: %v", err)
	}
	if worker.Balance != 500 {
		t.Fatalf("worker balance = %d, want 500", worker.Balance)
	}
}

func TestReleaseEscrowOnlyOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	mustAccount(t, store, "a-poster", 5000)
	mustAccount(t, store, "a-worker", 0)

	escrow, _, err := store.LockEscrow(ctx, NewEscrowID(), "a-poster", "t-1", 500, time.Now())
	if err != nil {
		t.Fatalf("lock escrow: %v", err)
	}
	if _, _, err := store.ReleaseEscrow(ctx, escrow.EscrowID, "a-worker", time.Now()); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if _, _, err := store.ReleaseEscrow(ctx, escrow.EscrowID, "a-worker", time.Now()); !errors.Is(err, ErrEscrowResolved) {
		t.Fatalf("expected ErrEscrowResolved, got %v", err)
	}
	if _, err := store.SplitEscrow(ctx, escrow.EscrowID, 50, "a-worker", "a-poster", time.Now()); !errors.Is(err, ErrEscrowResolved) {
		t.Fatalf("expected ErrEscrowResolved on split, got %v", err)
	}

	worker, err := store.Account(ctx, "a-worker")
	if err != nil {
		t.Fatalf("fetch worker: %v", err)
	}
	if worker.Balance != 500 {
		t.Fatalf("worker balance = %d, want exactly one credit", worker.Balance)
	}
}

func TestSplitEscrowTruncatesWorkerShare(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	mustAccount(t, store, "a-poster", 5000)
	mustAccount(t, store, "a-worker", 0)

	escrow, _, err := store.LockEscrow(ctx, NewEscrowID(), "a-poster", "t-1", 500, time.Now())
	if err != nil {
		t.Fatalf("lock escrow: %v", err)
	}

	outcome, err := store.SplitEscrow(ctx, escrow.EscrowID, 70, "a-worker", "a-poster", time.Now())
	if err != nil {
		t.Fatalf("split escrow: %v", err)
	}
	if outcome.WorkerAmount != 350 || outcome.PosterAmount != 150 {
		t.Fatalf("split = %d/%d, want 350/150", outcome.WorkerAmount, outcome.PosterAmount)
	}
	if outcome.WorkerAmount+outcome.PosterAmount != escrow.Amount {
		t.Fatal("split shares must sum to the locked amount")
	}

	worker, _ := store.Account(ctx, "a-worker")
	poster, _ := store.Account(ctx, "a-poster")
	if worker.Balance != 350 {
		t.Fatalf("worker balance = %d, want 350", worker.Balance)
	}
	if poster.Balance != 4650 {
		t.Fatalf("poster balance = %d, want 4500+150", poster.Balance)
	}
}

func TestSplitEscrowOddAmountConserves(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	mustAccount(t, store, "a-poster", 1000)
	mustAccount(t, store, "a-worker", 0)

	escrow, _, err := store.LockEscrow(ctx, NewEscrowID(), "a-poster", "t-1", 333, time.Now())
	if err != nil {
		t.Fatalf("lock escrow: %v", err)
	}

	outcome, err := store.SplitEscrow(ctx, escrow.EscrowID, 50, "a-worker", "a-poster", time.Now())
	if err != nil {
		t.Fatalf("split escrow: %v", err)
	}
	if outcome.WorkerAmount != 166 || outcome.PosterAmount != 167 {
		t.Fatalf("split = %d/%d, want 166/167", outcome.WorkerAmount, outcome.PosterAmount)
	}
}

func TestSplitEscrowZeroPctSkipsWorkerCredit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	mustAccount(t, store, "a-poster", 1000)
	mustAccount(t, store, "a-worker", 0)

	escrow, _, err := store.LockEscrow(ctx, NewEscrowID(), "a-poster", "t-1", 400, time.Now())
	if err != nil {
		t.Fatalf("lock escrow: %v", err)
	}

	outcome, err := store.SplitEscrow(ctx, escrow.EscrowID, 0, "a-worker", "a-poster", time.Now())
	if err != nil {
		t.Fatalf("split escrow: %v", err)
	}
	if len(outcome.Transactions) != 1 {
		t.Fatalf("transactions = %d, want only the poster refund", len(outcome.Transactions))
	}
	if outcome.Transactions[0].AccountID != "a-poster" || outcome.Transactions[0].Amount != 400 {
		t.Fatalf("unexpected refund: %+v", outcome.Transactions[0])
	}

	workerTxs, err := store.Transactions(ctx, "a-worker")
	if err != nil {
		t.Fatalf("list worker transactions: %v", err)
	}
	if len(workerTxs) != 0 {
		t.Fatalf("worker transactions = %d, want 0", len(workerTxs))
	}
}

func TestCounters(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	mustAccount(t, store, "a-poster", 5000)
	mustAccount(t, store, "a-worker", 0)

	locked, _, err := store.LockEscrow(ctx, NewEscrowID(), "a-poster", "t-1", 100, time.Now())
	if err != nil {
		t.Fatalf("lock escrow: %v", err)
	}
	if _, _, err := store.LockEscrow(ctx, NewEscrowID(), "a-poster", "t-2", 100, time.Now()); err != nil {
		t.Fatalf("lock second escrow: %v", err)
	}
	if _, _, err := store.ReleaseEscrow(ctx, locked.EscrowID, "a-worker", time.Now()); err != nil {
		t.Fatalf("release escrow: %v", err)
	}

	counters, err := store.Counters(ctx)
	if err != nil {
		t.Fatalf("counters: %v", err)
	}
	if counters["accounts"] != 2 {
		t.Fatalf("accounts = %d, want 2", counters["accounts"])
	}
	if counters["escrows_locked"] != 1 || counters["escrows_resolved"] != 1 {
		t.Fatalf("escrows = %d locked / %d resolved, want 1/1", counters["escrows_locked"], counters["escrows_resolved"])
	}
}
