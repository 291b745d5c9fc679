// Package store provides storage backends for AbeAI user records.
//
// Every backend persists a models.Record as one JSON document under the key "user:<id>"
// and implements optimistic concurrency on Record.Version: Create fails when the key
// exists, Update fails when the stored version differs from the caller's copy.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/AbeAI/internal/models"
)

// KeyPrefix is the key namespace for user records.
const KeyPrefix = "user:"

var (
	// ErrNotFound is returned by Update when the record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict is returned by Update when the record changed since it was read.
	ErrVersionConflict = errors.New("record version conflict")
	// ErrAlreadyExists is returned by Create when a record with the same id exists.
	ErrAlreadyExists = errors.New("record already exists")
)

// Store is the durable key-value store for user records.
type Store interface {
	// Get returns the record for id, or nil without error when it does not exist.
	Get(ctx context.Context, id string) (*models.Record, error)
	// Create persists a new record with Version 1.
	Create(ctx context.Context, rec *models.Record) error
	// Update persists rec if the stored version equals rec.Version and increments it.
	Update(ctx context.Context, rec *models.Record) error
	// Delete removes the record for id. Deleting a missing record is not an error.
	Delete(ctx context.Context, id string) error
	Close() error
}

// Key returns the storage key for a record id.
func Key(id string) string {
	return KeyPrefix + id
}

func encodeRecord(rec *models.Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record %s: %w", rec.ID, err)
	}
	return data, nil
}

func decodeRecord(data []byte) (*models.Record, error) {
	var rec models.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	rec.Normalize()
	return &rec, nil
}

// InMemoryStore keeps encoded records in a map. Records are stored as JSON so callers never
// share memory with the store.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
	inbound map[string]time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]byte), inbound: make(map[string]time.Time)}
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (*models.Record, error) {
	s.mu.RLock()
	data, ok := s.records[Key(id)]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return decodeRecord(data)
}

func (s *InMemoryStore) Create(ctx context.Context, rec *models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Key(rec.ID)
	if _, ok := s.records[key]; ok {
		return ErrAlreadyExists
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.Version = 1
	data, err := encodeRecord(rec)
	if err != nil {
		rec.Version = 0
		return err
	}
	s.records[key] = data
	slog.Debug("InMemoryStore.Create: record created", "userID", rec.ID)
	return nil
}

func (s *InMemoryStore) Update(ctx context.Context, rec *models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Key(rec.ID)
	data, ok := s.records[key]
	if !ok {
		return ErrNotFound
	}
	stored, err := decodeRecord(data)
	if err != nil {
		return err
	}
	if stored.Version != rec.Version {
		return ErrVersionConflict
	}

	next := *rec
	next.Version++
	next.UpdatedAt = time.Now().UTC()
	encoded, err := encodeRecord(&next)
	if err != nil {
		return err
	}
	s.records[key] = encoded
	rec.Version = next.Version
	rec.UpdatedAt = next.UpdatedAt
	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, Key(id))
	return nil
}

// Close drops all records.
func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string][]byte)
	s.inbound = make(map[string]time.Time)
	return nil
}
