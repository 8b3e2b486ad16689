package recon

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	bankstorage "agora/services/bankd/storage"
	"agora/storage/sqlite"
)

func seedBank(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bankd.sqlite")
	store, err := bankstorage.Open(path)
	if err != nil {
		t.Fatalf("open bank store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if _, err := store.CreateAccount(ctx, "a-alice", 0, now); err != nil {
		t.Fatalf("create alice: %v", err)
	}
	if _, err := store.CreateAccount(ctx, "a-bob", 0, now); err != nil {
		t.Fatalf("create bob: %v", err)
	}
	if _, _, err := store.Credit(ctx, "a-alice", 1000, "fund:alice", now); err != nil {
		t.Fatalf("credit alice: %v", err)
	}
	if _, _, err := store.LockEscrow(ctx, "esc-1", "a-alice", "t-1", 400, now); err != nil {
		t.Fatalf("lock escrow: %v", err)
	}
	return path
}

func newTestExporter(t *testing.T, bankPath string) (*Exporter, string) {
	t.Helper()
	bank, err := sqlite.OpenReadOnly(bankPath)
	if err != nil {
		t.Fatalf("open bank read-only: %v", err)
	}
	t.Cleanup(func() { _ = bank.Close() })

	outputDir := t.TempDir()
	exporter, err := NewExporter(Config{
		Bank:          bank,
		OutputDir:     outputDir,
		RetentionDays: 7,
		Now:           func() time.Time { return time.Date(2024, 5, 2, 3, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}
	return exporter, outputDir
}

func TestExporterWritesLedgerReport(t *testing.T) {
	exporter, _ := newTestExporter(t, seedBank(t))

	result, err := exporter.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Rows != 2 {
		t.Fatalf("rows = %d, want 2", result.Rows)
	}
	if exporter.Runs() != 1 {
		t.Fatalf("runs = %d, want 1", exporter.Runs())
	}

	info, err := os.Stat(result.ParquetPath)
	if err != nil {
		t.Fatalf("stat parquet: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("parquet file is empty")
	}

	file, err := os.Open(result.CSVPath)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("csv records = %d, want header + 2 rows", len(records))
	}
	alice := records[1]
	if alice[0] != "a-alice" || alice[1] != "600" || alice[2] != "1000" || alice[3] != "400" || alice[5] != "400" {
		t.Fatalf("alice row = %v", alice)
	}
	bob := records[2]
	if bob[0] != "a-bob" || bob[1] != "0" || bob[4] != "0" {
		t.Fatalf("bob row = %v", bob)
	}
}

func TestExporterPrunesExpiredReports(t *testing.T) {
	exporter, outputDir := newTestExporter(t, seedBank(t))

	stale := filepath.Join(outputDir, "ledger-20240301T000000Z.csv")
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatalf("write stale report: %v", err)
	}
	old := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("age stale report: %v", err)
	}
	keep := filepath.Join(outputDir, "notes.txt")
	if err := os.WriteFile(keep, []byte("keep"), 0o644); err != nil {
		t.Fatalf("write unrelated file: %v", err)
	}
	if err := os.Chtimes(keep, old, old); err != nil {
		t.Fatalf("age unrelated file: %v", err)
	}

	result, err := exporter.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Pruned) != 1 || result.Pruned[0] != "ledger-20240301T000000Z.csv" {
		t.Fatalf("pruned = %v", result.Pruned)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale report still present")
	}
	if _, err := os.Stat(keep); err != nil {
		t.Fatalf("unrelated file removed: %v", err)
	}
	if _, err := os.Stat(result.CSVPath); err != nil {
		t.Fatalf("fresh report missing: %v", err)
	}
}
