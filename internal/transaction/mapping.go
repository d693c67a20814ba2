// SPDX-License-Identifier: Apache-2.0

package transaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/sam-fredrickson/batch/source"
	"github.com/sam-fredrickson/batch/sqlite"
)

// CSVFields is the column schema of transaction files:
//
//	account,amount,timestamp
//	ACC-0001,125.50,2024-03-01 09:15:00
func CSVFields() []source.Field[Transaction] {
	return []source.Field[Transaction]{
		{Name: "account", Set: func(t *Transaction, v string) error {
			v = strings.TrimSpace(v)
			if v == "" {
				return errors.New("is empty")
			}
			t.Account = v
			return nil
		}},
		{Name: "amount", Set: func(t *Transaction, v string) error {
			return t.Amount.UnmarshalText([]byte(v))
		}},
		{Name: "timestamp", Set: func(t *Transaction, v string) (err error) {
			t.Timestamp, err = ParseTimestamp(v)
			return err
		}},
	}
}

// NewCSVSource reads transactions from the CSV file named by a job
// parameter.
func NewCSVSource(parameter string) (*source.CSV[Transaction], error) {
	return source.NewCSV(source.CSVOptions{Location: source.Location{Parameter: parameter}}, CSVFields()...)
}

// NewXMLSource reads <transaction> fragments from the XML file named by a
// job parameter.
func NewXMLSource(parameter string) (*source.XML[Transaction], error) {
	return source.NewXML[Transaction](source.XMLOptions{
		Location: source.Location{Parameter: parameter},
		Element:  "transaction",
	})
}

const createTable = `
CREATE TABLE IF NOT EXISTS transactions (
	account   TEXT NOT NULL,
	amount    INTEGER NOT NULL,
	timestamp DATETIME NOT NULL
)`

const insert = `INSERT INTO transactions (account, amount, timestamp) VALUES (?, ?, ?)`

// CreateTable creates the transactions table if it does not exist.
func CreateTable(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("create transactions table: %w", err)
	}
	return nil
}

// NewSink writes transactions to the transactions table, one database
// transaction per chunk.
func NewSink(db *sql.DB) *sqlite.Sink[Transaction] {
	return sqlite.NewSink(db, insert, func(t Transaction) []any {
		return []any{t.Account, int64(t.Amount), t.Timestamp.UTC()}
	})
}

// Count returns the number of rows in the transactions table.
func Count(ctx context.Context, db *sql.DB) (int64, error) {
	var n int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return n, nil
}
