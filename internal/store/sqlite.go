package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories
const DefaultDirPermissions = 0755

// sqliteParams makes writers take the database lock at BEGIN and wait instead of failing.
const sqliteParams = "_txlock=immediate&_busy_timeout=5000&_foreign_keys=on"

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is the default single-node backend.
type SQLiteStore struct {
	sqlCore
}

// NewSQLiteStore creates a new SQLite store. The DSN is a file path; its directory is
// created when missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	if strings.Contains(dsn, "?") {
		dsn += "&" + sqliteParams
	} else {
		dsn += "?" + sqliteParams
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single connection keeps writers ordered and avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		slog.Error("SQLite ping failed", "error", err)
		return nil, fmt.Errorf("sqlite ping failed: %w", err)
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		db.Close()
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "path", path)

	return &SQLiteStore{sqlCore{db: db, dialect: DSNTypeSQLite, name: "SQLiteStore"}}, nil
}
