package store

import (
	"fmt"
	"log/slog"
	"strings"
)

// Backend names returned by DetectDSNType.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Opts holds configuration for store construction.
type Opts struct {
	DSN      string // SQLite path or Postgres connection string
	RedisURL string // redis:// or rediss:// URL
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithRedisURL sets the Redis connection URL.
func WithRedisURL(url string) Option {
	return func(o *Opts) {
		o.RedisURL = url
	}
}

// DetectDSNType classifies a connection string as postgres, redis or sqlite.
// An empty string selects the in-memory store.
func DetectDSNType(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		return BackendMemory
	case strings.HasPrefix(dsn, "redis://"), strings.HasPrefix(dsn, "rediss://"):
		return BackendRedis
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"),
		strings.Contains(dsn, "host=") && strings.Contains(dsn, "dbname="):
		return BackendPostgres
	default:
		return BackendSQLite
	}
}

// New opens the backend selected by the options. A Redis URL wins over a database DSN;
// with neither set the in-memory store is returned.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.RedisURL != "" {
		slog.Debug("store.New: using Redis store")
		return NewRedisStore(opts...)
	}
	switch DetectDSNType(cfg.DSN) {
	case BackendPostgres:
		slog.Debug("store.New: using Postgres store")
		return NewPostgresStore(opts...)
	case BackendSQLite:
		slog.Debug("store.New: using SQLite store", "path", cfg.DSN)
		return NewSQLiteStore(opts...)
	case BackendRedis:
		return NewRedisStore(WithRedisURL(cfg.DSN))
	case BackendMemory:
		slog.Debug("store.New: using in-memory store")
		return NewInMemoryStore(), nil
	}
	return nil, fmt.Errorf("unsupported store DSN")
}
