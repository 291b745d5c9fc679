package store

import (
	"context"
	"fmt"
	"time"
)

func (s *SQLiteStore) RecordInbound(ctx context.Context, messageID, senderID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO inbound_dedup (message_id, sender_id, received_at) VALUES (?, ?, ?)`,
		messageID, senderID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ReleaseInbound(ctx context.Context, messageID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM inbound_dedup WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("release inbound failed: %w", err)
	}
	return nil
}
