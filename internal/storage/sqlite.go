package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"nicorepo_bot/migrations"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLite implements Store and RuleStore backed by a SQLite database.
//
// The pool is limited to a single connection: an in-memory database only
// exists on the connection that created it, and SQLite serializes writers
// anyway. Callbacks passed to RunAtomic must therefore use the EntryStore
// they are given, never the SQLite value itself.
type SQLite struct {
	db *sql.DB
	entries
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &SQLite{db: db}
	s.entries = entries{q: db, begin: s.begin}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// RunAtomic runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise, including on panic.
func (s *SQLite) RunAtomic(ctx context.Context, mode TxMode, fn func(EntryStore) error) error {
	tx, err := s.begin(ctx, mode)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(entries{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLite) begin(ctx context.Context, mode TxMode) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: mode == ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return tx, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scannable interface {
	Scan(dest ...any) error
}
