package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/sheetsync/internal/model"
)

// DefaultTable receives the synchronized records
const DefaultTable = "sync_record"

// Store writes records into the target table, keyed by their natural key
type Store struct {
	db    PgxIface
	table string
}

// NewStore returns a store writing to table (DefaultTable when empty)
func NewStore(db PgxIface, table string) *Store {
	if table == "" {
		table = DefaultTable
	}
	return &Store{db: db, table: pgx.Identifier{table}.Sanitize()}
}

func (s *Store) upsertSQL() string {
	return `INSERT INTO ` + s.table + ` (key, fields, sync_id, synced_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO UPDATE SET
		fields = EXCLUDED.fields, sync_id = EXCLUDED.sync_id, synced_at = EXCLUDED.synced_at`
}

func upsertArgs(syncID string, record model.Record) ([]any, error) {
	fields, err := record.FieldsJSON()
	if err != nil {
		return nil, &model.ValidationError{Key: record.Key, Reason: err.Error()}
	}
	return []any{record.Key, string(fields), syncID}, nil
}

// Upsert writes all records in one batch. The batch runs as a single implicit
// transaction, so either every record is written or none is.
func (s *Store) Upsert(ctx context.Context, syncID string, records []model.Record) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := s.upsertSQL()
	for _, record := range records {
		args, err := upsertArgs(syncID, record)
		if err != nil {
			return err
		}
		batch.Queue(query, args...)
	}

	if err := s.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to execute batch upsert: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"count":   len(records),
		"sync_id": syncID,
	}).Debug("Bulk upserted records to PostgreSQL")
	return nil
}

// UpsertOne writes a single record
func (s *Store) UpsertOne(ctx context.Context, syncID string, record model.Record) error {
	args, err := upsertArgs(syncID, record)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, s.upsertSQL(), args...); err != nil {
		return fmt.Errorf("failed to upsert record %s: %w", record.Key, err)
	}
	return nil
}

// Probe runs the cheapest possible read against the target table
func (s *Store) Probe(ctx context.Context) error {
	var one int
	err := s.db.QueryRow(ctx, `SELECT 1 FROM `+s.table+` LIMIT 1`).Scan(&one)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("store probe failed: %w", err)
	}
	return nil
}

// Count returns the number of stored records
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM `+s.table).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}
