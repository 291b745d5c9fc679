package store

import (
	"context"
	"time"
)

// DedupRepo records inbound webhook deliveries so a redelivered message is handled once.
type DedupRepo interface {
	// RecordInbound stores messageID and reports whether it was new. A false result
	// means the message was already recorded and should be skipped.
	RecordInbound(ctx context.Context, messageID, senderID string) (bool, error)
	// ReleaseInbound forgets messageID so a redelivery is handled again.
	ReleaseInbound(ctx context.Context, messageID string) error
}

// Compile-time checks that every backend implements DedupRepo.
var (
	_ DedupRepo = (*InMemoryStore)(nil)
	_ DedupRepo = (*SQLiteStore)(nil)
	_ DedupRepo = (*PostgresStore)(nil)
	_ DedupRepo = (*RedisStore)(nil)
)

// dedupKeyPrefix namespaces inbound message ids in key-value backends.
const dedupKeyPrefix = "inbound:"

// dedupRetention bounds how long the Redis and in-memory backends remember a message id.
// Providers stop redelivering long before this.
const dedupRetention = 72 * time.Hour

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, senderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if at, ok := s.inbound[messageID]; ok && now.Sub(at) < dedupRetention {
		return false, nil
	}
	for id, at := range s.inbound {
		if now.Sub(at) >= dedupRetention {
			delete(s.inbound, id)
		}
	}
	s.inbound[messageID] = now
	return true, nil
}

func (s *InMemoryStore) ReleaseInbound(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inbound, messageID)
	return nil
}

// inboundCount reports how many message ids are remembered.
func (s *InMemoryStore) inboundCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.inbound)
}
