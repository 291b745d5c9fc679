// This file implements a Redis-backed record store using WATCH/MULTI/EXEC for optimistic locking.

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/AbeAI/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisStore persists records as JSON strings. Keys never expire.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the Redis server named by WithRedisURL.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis URL not set")
	}
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("Redis ping failed", "error", err)
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Debug("RedisStore.NewRedisStore: connected", "addr", redisOpts.Addr, "db", redisOpts.DB)
	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, id string) (*models.Record, error) {
	val, err := s.client.Get(ctx, Key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		slog.Error("RedisStore.Get failed", "error", err, "userID", id)
		return nil, fmt.Errorf("failed to load record %s: %w", id, err)
	}
	return decodeRecord(val)
}

func (s *RedisStore) Create(ctx context.Context, rec *models.Record) error {
	now := time.Now().UTC()
	next := *rec
	next.CreatedAt = now
	next.UpdatedAt = now
	next.Version = 1
	data, err := encodeRecord(&next)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, Key(rec.ID), data, 0).Result()
	if err != nil {
		slog.Error("RedisStore.Create failed", "error", err, "userID", rec.ID)
		return fmt.Errorf("failed to create record %s: %w", rec.ID, err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	rec.CreatedAt, rec.UpdatedAt, rec.Version = now, now, next.Version
	return nil
}

func (s *RedisStore) Update(ctx context.Context, rec *models.Record) error {
	key := Key(rec.ID)
	var next models.Record

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		stored, err := decodeRecord(val)
		if err != nil {
			return err
		}
		if stored.Version != rec.Version {
			return ErrVersionConflict
		}

		next = *rec
		next.Version++
		next.UpdatedAt = time.Now().UTC()
		data, err := encodeRecord(&next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		rec.Version, rec.UpdatedAt = next.Version, next.UpdatedAt
		return nil
	case errors.Is(err, redis.TxFailedErr):
		// The key changed between WATCH and EXEC.
		return ErrVersionConflict
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrNotFound):
		return err
	default:
		slog.Error("RedisStore.Update failed", "error", err, "userID", rec.ID)
		return fmt.Errorf("failed to update record %s: %w", rec.ID, err)
	}
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, Key(id)).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) RecordInbound(ctx context.Context, messageID, senderID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, dedupKeyPrefix+messageID, senderID, dedupRetention).Result()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) ReleaseInbound(ctx context.Context, messageID string) error {
	if err := s.client.Del(ctx, dedupKeyPrefix+messageID).Err(); err != nil {
		return fmt.Errorf("release inbound failed: %w", err)
	}
	return nil
}
