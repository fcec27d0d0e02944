package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is the multi-instance backend.
type PostgresStore struct {
	sqlCore
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		slog.Error("Postgres ping failed", "error", err)
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		db.Close()
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{sqlCore{db: db, dialect: DSNTypePostgres, name: "PostgresStore"}}, nil
}

// AdvisoryLocker serializes work per key across processes with Postgres session advisory locks.
type AdvisoryLocker struct {
	db *sql.DB
}

// AdvisoryLocker returns a locker sharing this store's connection pool.
func (s *PostgresStore) AdvisoryLocker() *AdvisoryLocker {
	return &AdvisoryLocker{db: s.db}
}

// Lock blocks until the advisory lock for key is held or ctx is done. The returned func
// releases the lock and returns the pinned connection to the pool.
func (l *AdvisoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("advisory lock connection failed: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtext($1))`, key); err != nil {
		conn.Close()
		return nil, fmt.Errorf("advisory lock %s failed: %w", key, err)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, key); err != nil {
			slog.Warn("AdvisoryLocker.Lock: unlock failed", "key", key, "error", err)
		}
		conn.Close()
	}, nil
}
