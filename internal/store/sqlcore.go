package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// sqlCore holds the query logic shared by the SQLite and Postgres stores.
// Queries are written with ? placeholders and rebound for Postgres.
type sqlCore struct {
	db      *sql.DB
	dialect string
	name    string
}

func (c *sqlCore) q(query string) string {
	if c.dialect == DSNTypePostgres {
		return rebind(query)
	}
	return query
}

// forUpdate returns the row-locking suffix for the dialect. SQLite transactions are opened
// with _txlock=immediate, which already serializes writers.
func (c *sqlCore) forUpdate() string {
	if c.dialect == DSNTypePostgres {
		return " FOR UPDATE"
	}
	return ""
}

// inTx runs fn in a transaction, committing on nil and rolling back otherwise.
func (c *sqlCore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction failed: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Warn(c.name+".inTx: rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (c *sqlCore) Close() error {
	return c.db.Close()
}
