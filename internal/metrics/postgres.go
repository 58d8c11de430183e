package metrics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cybertec-postgresql/sheetsync/internal/model"
)

// PgxIface is the part of pgx the sink needs
type PgxIface interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PostgresSink writes run history into the sync_job, sync_error and
// sync_metrics tables
type PostgresSink struct {
	db PgxIface
}

// NewPostgresSink returns a sink writing through db
func NewPostgresSink(db PgxIface) *PostgresSink {
	return &PostgresSink{db: db}
}

const upsertJobSQL = `INSERT INTO sync_job
	(sync_id, kind, status, started_at, completed_at, total, success, failed, skipped)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (sync_id) DO UPDATE SET
	status = EXCLUDED.status, completed_at = EXCLUDED.completed_at, total = EXCLUDED.total,
	success = EXCLUDED.success, failed = EXCLUDED.failed, skipped = EXCLUDED.skipped`

const insertErrorSQL = `INSERT INTO sync_error (sync_id, key, message, kind, retry_count, ts)
	VALUES ($1, $2, $3, $4, $5, $6)`

const insertMetricsSQL = `INSERT INTO sync_metrics
	(sync_id, success_count, error_count, total_count, duration_seconds, throughput,
	errors_by_kind, response_times_ms, circuit_breaker_state, recorded_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (sync_id) DO NOTHING`

// RecordSyncJob implements Journal. Job and errors are written in one batch.
func (s *PostgresSink) RecordSyncJob(ctx context.Context, r model.SyncResult) error {
	batch := &pgx.Batch{}
	var completedAt any
	if !r.CompletedAt.IsZero() {
		completedAt = r.CompletedAt
	}
	batch.Queue(upsertJobSQL, r.SyncID, string(r.Kind), string(r.Status), r.StartedAt, completedAt,
		r.Stats.Total, r.Stats.Success, r.Stats.Failed, r.Stats.Skipped)
	for _, e := range r.Errors {
		batch.Queue(insertErrorSQL, r.SyncID, e.Key, e.Message, string(e.Kind), e.RetryCount, e.Timestamp)
	}
	if err := s.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to record sync job %s: %w", r.SyncID, err)
	}
	return nil
}

// RecordSyncMetrics implements Sink. The sync_job row must exist.
func (s *PostgresSink) RecordSyncMetrics(ctx context.Context, m model.SyncMetrics) error {
	byKind := []byte("{}")
	var err error
	if len(m.ErrorsByKind) > 0 {
		byKind, err = json.Marshal(m.ErrorsByKind)
	}
	if err != nil {
		return fmt.Errorf("failed to encode errors by kind: %w", err)
	}
	responseMs := make([]float64, len(m.ResponseTimes))
	for i, d := range m.ResponseTimes {
		responseMs[i] = float64(d.Microseconds()) / 1000
	}
	_, err = s.db.Exec(ctx, insertMetricsSQL,
		m.SyncID, m.SuccessCount, m.ErrorCount, m.TotalCount, m.DurationSeconds, m.Throughput,
		string(byKind), responseMs, m.CircuitBreakerState, m.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to record sync metrics %s: %w", m.SyncID, err)
	}
	return nil
}
