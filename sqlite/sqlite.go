// SPDX-License-Identifier: Apache-2.0

// Package sqlite provides batch collaborators backed by SQLite: a
// transactional chunk sink and an execution repository.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/sam-fredrickson/batch"
)

// Open opens the SQLite database at path, which may be ":memory:".
//
// The pool is limited to one connection, so concurrent chunk writers take
// turns instead of failing with a locked database, and an in-memory
// database is shared by every caller.
func Open(path string) (*sql.DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return db, nil
}

// IsBusy reports whether err was caused by another connection holding a
// lock. Such errors are worth retrying:
//
//	Retry: []batch.RetryPredicate{
//	    batch.OnlyIf(sqlite.IsBusy),
//	    batch.UpTo(5),
//	    batch.ExponentialBackoff(20 * time.Millisecond),
//	}
func IsBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

// Sink writes each chunk in a single database transaction.
//
// Every item is inserted with the same prepared statement; if any insert
// fails, the transaction is rolled back and nothing from the chunk remains.
type Sink[T any] struct {
	db    *sql.DB
	query string
	args  func(T) []any
}

// NewSink creates a sink that executes query once per item, with the
// arguments returned by args.
//
// Example:
//
//	sink := sqlite.NewSink(db,
//	    "INSERT INTO transactions (account, amount, timestamp) VALUES (?, ?, ?)",
//	    func(t Transaction) []any { return []any{t.Account, t.Amount, t.Timestamp} },
//	)
func NewSink[T any](db *sql.DB, query string, args func(T) []any) *Sink[T] {
	return &Sink[T]{db: db, query: query, args: args}
}

// Write inserts items atomically.
func (s *Sink[T]) Write(ctx context.Context, items []T) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()

	stmt, err := tx.PrepareContext(ctx, s.query)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i, item := range items {
		if _, err := stmt.ExecContext(ctx, s.args(item)...); err != nil {
			return fmt.Errorf("insert item %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	batch.Slogger(ctx).DebugContext(ctx, "chunk inserted", "rows", len(items))
	return nil
}
