// This file implements an SQLite-backed record store.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	"github.com/BTreeMap/AbeAI/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
	// DefaultSQLiteBusyTimeoutMs is how long a writer waits for the database lock.
	DefaultSQLiteBusyTimeoutMs = 5000
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
	sqlRecords
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: creating SQLite store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(strings.TrimPrefix(dsn, "file:"))
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	if !strings.Contains(dsn, "?") {
		dsn = fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=WAL", dsn, DefaultSQLiteBusyTimeoutMs)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single connection serialises writers and keeps the version check and write atomic.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dir", dir)

	return &SQLiteStore{db: db, sqlRecords: sqlRecords{db: db, q: sqliteQueries}}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Record, error) {
	rec, err := s.get(ctx, id)
	if err != nil {
		slog.Error("SQLiteStore.Get failed", "error", err, "userID", id)
	}
	return rec, err
}

func (s *SQLiteStore) Create(ctx context.Context, rec *models.Record) error {
	err := s.create(ctx, rec)
	if err != nil && err != ErrAlreadyExists {
		slog.Error("SQLiteStore.Create failed", "error", err, "userID", rec.ID)
	}
	return err
}

func (s *SQLiteStore) Update(ctx context.Context, rec *models.Record) error {
	err := s.update(ctx, rec)
	if err != nil && err != ErrVersionConflict {
		slog.Error("SQLiteStore.Update failed", "error", err, "userID", rec.ID)
	}
	return err
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	return s.delete(ctx, id)
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
