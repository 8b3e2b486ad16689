// Package sqlite opens the service-owned SQLite databases with the pragmas
// every writer on the platform relies on: WAL journaling so readers never
// block, a 5s busy timeout, and immediate transaction locking so a write
// transaction owns the database from its first statement.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "github.com/glebarez/go-sqlite"
)

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("sqlite: database path must be configured")

const filePragmas = "_txlock=immediate" +
	"&_pragma=busy_timeout(5000)" +
	"&_pragma=journal_mode(WAL)" +
	"&_pragma=foreign_keys(ON)"

// FileDSN converts a filesystem path into an on-disk SQLite DSN with the
// platform defaults applied.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve storage path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, filePragmas), nil
}

// Open opens an on-disk database at path.
func Open(path string) (*sql.DB, error) {
	dsn, err := FileDSN(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// OpenReadOnly opens an on-disk database without write access. The
// observatory uses it to query another service's file while that service
// keeps writing; WAL mode makes the concurrent read safe.
func OpenReadOnly(path string) (*sql.DB, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", abs)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database read-only: %w", err)
	}
	return db, nil
}

// OpenMemory opens a uniquely named in-memory database for tests. The single
// pooled connection keeps the shared cache alive for the database's lifetime.
func OpenMemory(name string) (*sql.DB, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_txlock=immediate&_pragma=busy_timeout(5000)", trimmed)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// WithTx runs fn inside a transaction, committing on nil and rolling back on
// error or panic. Because connections carry _txlock=immediate, the write lock
// is taken up front and concurrent writers queue on the busy timeout instead
// of failing mid-transaction.
func WithTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
