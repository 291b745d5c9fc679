package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/AbeAI/internal/models"
)

// sqlQueries holds the dialect-specific statements shared by the SQL backends.
type sqlQueries struct {
	get    string
	insert string
	update string
	exists string
	delete string
}

var sqliteQueries = sqlQueries{
	get:    `SELECT data, version FROM user_records WHERE record_key = ?`,
	insert: `INSERT INTO user_records (record_key, data, version, created_at, updated_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT(record_key) DO NOTHING`,
	update: `UPDATE user_records SET data = ?, version = ?, updated_at = ? WHERE record_key = ? AND version = ?`,
	exists: `SELECT 1 FROM user_records WHERE record_key = ?`,
	delete: `DELETE FROM user_records WHERE record_key = ?`,
}

var postgresQueries = sqlQueries{
	get:    `SELECT data, version FROM user_records WHERE record_key = $1`,
	insert: `INSERT INTO user_records (record_key, data, version, created_at, updated_at) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (record_key) DO NOTHING`,
	update: `UPDATE user_records SET data = $1, version = $2, updated_at = $3 WHERE record_key = $4 AND version = $5`,
	exists: `SELECT 1 FROM user_records WHERE record_key = $1`,
	delete: `DELETE FROM user_records WHERE record_key = $1`,
}

// sqlRecords implements the record operations on top of database/sql.
type sqlRecords struct {
	db *sql.DB
	q  sqlQueries
}

func (s sqlRecords) get(ctx context.Context, id string) (*models.Record, error) {
	var data []byte
	var version int64
	err := s.db.QueryRowContext(ctx, s.q.get, Key(id)).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record %s: %w", id, err)
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, err
	}
	rec.Version = version
	return rec, nil
}

func (s sqlRecords) create(ctx context.Context, rec *models.Record) error {
	now := time.Now().UTC()
	next := *rec
	next.CreatedAt = now
	next.UpdatedAt = now
	next.Version = 1
	data, err := encodeRecord(&next)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q.insert, Key(rec.ID), string(data), next.Version, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert record %s: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read insert result for %s: %w", rec.ID, err)
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	rec.CreatedAt, rec.UpdatedAt, rec.Version = now, now, next.Version
	return nil
}

func (s sqlRecords) update(ctx context.Context, rec *models.Record) error {
	now := time.Now().UTC()
	next := *rec
	next.Version = rec.Version + 1
	next.UpdatedAt = now
	data, err := encodeRecord(&next)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q.update, string(data), next.Version, now, Key(rec.ID), rec.Version)
	if err != nil {
		return fmt.Errorf("failed to update record %s: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result for %s: %w", rec.ID, err)
	}
	if n == 0 {
		var one int
		err := s.db.QueryRowContext(ctx, s.q.exists, Key(rec.ID)).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check record %s: %w", rec.ID, err)
		}
		return ErrVersionConflict
	}
	rec.Version, rec.UpdatedAt = next.Version, now
	return nil
}

func (s sqlRecords) delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.q.delete, Key(id)); err != nil {
		return fmt.Errorf("failed to delete record %s: %w", id, err)
	}
	return nil
}
