// Package recon exports ledger snapshot reports. Each run joins the bank's
// accounts against their transaction history and live escrow holds, writes
// one Parquet file plus a CSV twin into the output directory, and prunes
// exports older than the retention window.
package recon

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// DefaultRetentionDays bounds how long report files remain on disk.
const DefaultRetentionDays = 30

// Config captures the dependencies required to construct an Exporter.
type Config struct {
	Bank          *sql.DB
	OutputDir     string
	RetentionDays int
	Now           func() time.Time
	Logger        *slog.Logger
}

// Exporter materialises ledger snapshot reports from the bank database.
type Exporter struct {
	bank          *sql.DB
	outputDir     string
	retentionDays int
	now           func() time.Time
	logger        *slog.Logger
	runs          atomic.Int64
}

// Row summarises one account at export time.
type Row struct {
	AccountID    string `parquet:"name=account_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Balance      int64  `parquet:"name=balance, type=INT64"`
	Credits      int64  `parquet:"name=credits, type=INT64"`
	Debits       int64  `parquet:"name=debits, type=INT64"`
	TxCount      int64  `parquet:"name=tx_count, type=INT64"`
	EscrowLocked int64  `parquet:"name=escrow_locked, type=INT64"`
	ExportedAt   string `parquet:"name=exported_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// Result summarises one export run.
type Result struct {
	GeneratedAt time.Time `json:"generated_at"`
	Rows        int       `json:"rows"`
	CSVPath     string    `json:"csv_path"`
	ParquetPath string    `json:"parquet_path"`
	Pruned      []string  `json:"pruned,omitempty"`
}

// NewExporter builds a configured exporter.
func NewExporter(cfg Config) (*Exporter, error) {
	if cfg.Bank == nil {
		return nil, errors.New("recon: bank database is required")
	}
	outputDir := strings.TrimSpace(cfg.OutputDir)
	if outputDir == "" {
		outputDir = filepath.Join("data", "reports")
	}
	retention := cfg.RetentionDays
	if retention <= 0 {
		retention = DefaultRetentionDays
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		bank:          cfg.Bank,
		outputDir:     outputDir,
		retentionDays: retention,
		now:           nowFn,
		logger:        logger,
	}, nil
}

// Runs reports how many exports this process has completed.
func (e *Exporter) Runs() int64 {
	if e == nil {
		return 0
	}
	return e.runs.Load()
}

// Run executes one export: collect, write, prune.
func (e *Exporter) Run(ctx context.Context) (*Result, error) {
	generatedAt := e.now().UTC()
	rows, err := e.collect(ctx, generatedAt)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(e.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("recon: ensure output dir: %w", err)
	}

	stem := "ledger-" + generatedAt.Format("20060102T150405Z")
	csvPath := filepath.Join(e.outputDir, stem+".csv")
	if err := writeCSV(csvPath, rows); err != nil {
		return nil, err
	}
	parquetPath := filepath.Join(e.outputDir, stem+".parquet")
	if err := writeParquet(parquetPath, rows); err != nil {
		return nil, err
	}
	pruned := e.prune(generatedAt)
	e.runs.Add(1)
	e.logger.Info("ledger report written",
		"rows", len(rows), "csv", csvPath, "parquet", parquetPath, "pruned", len(pruned))

	return &Result{
		GeneratedAt: generatedAt,
		Rows:        len(rows),
		CSVPath:     csvPath,
		ParquetPath: parquetPath,
		Pruned:      pruned,
	}, nil
}

// collect joins accounts with their transaction aggregates and live escrow
// holds. The bank handle is read-only; WAL mode keeps the scan safe while
// bankd keeps writing.
func (e *Exporter) collect(ctx context.Context, generatedAt time.Time) ([]Row, error) {
	const accountQuery = `
SELECT a.account_id,
       a.balance,
       COALESCE(SUM(CASE WHEN t.type = 'credit' THEN t.amount ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN t.type = 'debit' THEN t.amount ELSE 0 END), 0),
       COUNT(t.tx_id)
FROM accounts a
LEFT JOIN transactions t ON t.account_id = a.account_id
GROUP BY a.account_id, a.balance
ORDER BY a.account_id`
	result, err := e.bank.QueryContext(ctx, accountQuery)
	if err != nil {
		return nil, fmt.Errorf("recon: query accounts: %w", err)
	}
	defer result.Close()

	exportedAt := generatedAt.Format(time.RFC3339)
	rows := make([]Row, 0)
	for result.Next() {
		row := Row{ExportedAt: exportedAt}
		if err := result.Scan(&row.AccountID, &row.Balance, &row.Credits, &row.Debits, &row.TxCount); err != nil {
			return nil, fmt.Errorf("recon: scan account row: %w", err)
		}
		rows = append(rows, row)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("recon: iterate accounts: %w", err)
	}

	const escrowQuery = `
SELECT payer_account_id, COALESCE(SUM(amount), 0)
FROM escrows
WHERE status = 'locked'
GROUP BY payer_account_id`
	holds, err := e.bank.QueryContext(ctx, escrowQuery)
	if err != nil {
		return nil, fmt.Errorf("recon: query escrows: %w", err)
	}
	defer holds.Close()

	locked := make(map[string]int64)
	for holds.Next() {
		var account string
		var amount int64
		if err := holds.Scan(&account, &amount); err != nil {
			return nil, fmt.Errorf("recon: scan escrow row: %w", err)
		}
		locked[account] = amount
	}
	if err := holds.Err(); err != nil {
		return nil, fmt.Errorf("recon: iterate escrows: %w", err)
	}
	for i := range rows {
		rows[i].EscrowLocked = locked[rows[i].AccountID]
	}
	return rows, nil
}

// prune removes ledger report files older than the retention window and
// returns the removed names. Prune failures are logged, not fatal: a stuck
// file must not abort the export that just succeeded.
func (e *Exporter) prune(now time.Time) []string {
	cutoff := now.AddDate(0, 0, -e.retentionDays)
	entries, err := os.ReadDir(e.outputDir)
	if err != nil {
		e.logger.Warn("report prune skipped", "error", err)
		return nil
	}
	pruned := make([]string, 0)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "ledger-") {
			continue
		}
		if !strings.HasSuffix(name, ".csv") && !strings.HasSuffix(name, ".parquet") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(e.outputDir, name)
		if err := os.Remove(path); err != nil {
			e.logger.Warn("report prune failed", "file", name, "error", err)
			continue
		}
		pruned = append(pruned, name)
	}
	return pruned
}

func writeCSV(path string, rows []Row) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	out := csv.NewWriter(file)
	header := []string{"account_id", "balance", "credits", "debits", "tx_count", "escrow_locked", "exported_at"}
	if err := out.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.AccountID,
			strconv.FormatInt(row.Balance, 10),
			strconv.FormatInt(row.Credits, 10),
			strconv.FormatInt(row.Debits, 10),
			strconv.FormatInt(row.TxCount, 10),
			strconv.FormatInt(row.EscrowLocked, 10),
			row.ExportedAt,
		}
		if err := out.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	out.Flush()
	if err := out.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

func writeParquet(path string, rows []Row) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(Row), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for i := range rows {
		if err := pw.Write(&rows[i]); err != nil {
			_ = pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}
