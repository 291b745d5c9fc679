// This file implements a PostgreSQL-backed record store.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/AbeAI/internal/models"
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

type PostgresStore struct {
	db *sql.DB
	sqlRecords
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db, sqlRecords: sqlRecords{db: db, q: postgresQueries}}, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Record, error) {
	rec, err := s.get(ctx, id)
	if err != nil {
		slog.Error("PostgresStore.Get failed", "error", err, "userID", id)
	}
	return rec, err
}

func (s *PostgresStore) Create(ctx context.Context, rec *models.Record) error {
	err := s.create(ctx, rec)
	if err != nil && err != ErrAlreadyExists {
		slog.Error("PostgresStore.Create failed", "error", err, "userID", rec.ID)
	}
	return err
}

func (s *PostgresStore) Update(ctx context.Context, rec *models.Record) error {
	err := s.update(ctx, rec)
	if err != nil && err != ErrVersionConflict {
		slog.Error("PostgresStore.Update failed", "error", err, "userID", rec.ID)
	}
	return err
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	return s.delete(ctx, id)
}

// Close closes the Postgres connection pool.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
