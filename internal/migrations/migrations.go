// Package migrations contains the database schema of sheetsync.
package migrations

import (
	"context"
	"fmt"
	"sync"

	migrator "github.com/cybertec-postgresql/pgx-migrator"
	"github.com/jackc/pgx/v5"
)

// TableName is where applied migrations are tracked
const TableName = "sheetsync_migrations"

// createTablesSQL creates the record table and the sync bookkeeping tables
const createTablesSQL = `
	-- Synchronized records, one row per natural key
	CREATE TABLE sync_record (
		key text PRIMARY KEY,
		fields jsonb NOT NULL,
		sync_id text NOT NULL,
		synced_at timestamp with time zone NOT NULL DEFAULT now()
	);

	-- One row per sync run
	CREATE TABLE sync_job (
		sync_id text PRIMARY KEY,
		kind text NOT NULL CHECK (kind IN ('full', 'selective')),
		status text NOT NULL,
		started_at timestamp with time zone NOT NULL,
		completed_at timestamp with time zone,
		total integer NOT NULL DEFAULT 0,
		success integer NOT NULL DEFAULT 0,
		failed integer NOT NULL DEFAULT 0,
		skipped integer NOT NULL DEFAULT 0
	);

	-- Append-only per-record failures of a run
	CREATE TABLE sync_error (
		id bigserial PRIMARY KEY,
		sync_id text NOT NULL REFERENCES sync_job(sync_id) ON DELETE CASCADE,
		key text NOT NULL,
		message text NOT NULL,
		kind text NOT NULL,
		retry_count integer NOT NULL DEFAULT 0,
		ts timestamp with time zone NOT NULL DEFAULT now()
	);

	-- Metrics snapshot, written once per run
	CREATE TABLE sync_metrics (
		sync_id text PRIMARY KEY REFERENCES sync_job(sync_id) ON DELETE CASCADE,
		success_count integer NOT NULL,
		error_count integer NOT NULL,
		total_count integer NOT NULL,
		duration_seconds double precision NOT NULL,
		throughput double precision NOT NULL,
		errors_by_kind jsonb NOT NULL DEFAULT '{}',
		response_times_ms double precision[] NOT NULL DEFAULT '{}',
		circuit_breaker_state text NOT NULL,
		recorded_at timestamp with time zone NOT NULL DEFAULT now()
	);

	CREATE INDEX idx_sync_record_sync_id ON sync_record(sync_id);
	CREATE INDEX idx_sync_job_started_at ON sync_job(started_at DESC);
	CREATE INDEX idx_sync_error_sync_id ON sync_error(sync_id);
`

// migrations holds function returning all upgrade migrations needed
var migrations func() migrator.Option = func() migrator.Option {
	return migrator.Migrations(
		&migrator.Migration{
			Name: "001_create_tables",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				_, err := tx.Exec(ctx, createTablesSQL)
				return err
			},
		},
		// adding new migration here

		// &migrator.Migration{
		// 	Name: "Short description of a migration",
		// 	Func: func(ctx context.Context, tx pgx.Tx) error {
		// 		...
		// 	},
		// },
	)
}

var (
	migratorInstance *migrator.Migrator
	migratorErr      error
	once             sync.Once
)

// getMigrator returns a singleton migrator instance
func getMigrator() (*migrator.Migrator, error) {
	once.Do(func() {
		migratorInstance, migratorErr = migrator.New(
			migrations(),
			migrator.TableName(TableName),
		)
	})
	return migratorInstance, migratorErr
}

// Apply applies all pending migrations to the database
func Apply(ctx context.Context, conn *pgx.Conn) error {
	m, err := getMigrator()
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Migrate(ctx, conn); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// NeedsUpgrade checks if the database needs migration
func NeedsUpgrade(ctx context.Context, conn *pgx.Conn) (bool, error) {
	m, err := getMigrator()
	if err != nil {
		return false, fmt.Errorf("failed to create migrator: %w", err)
	}
	needUpgrade, err := m.NeedUpgrade(ctx, conn)
	if err != nil {
		return false, fmt.Errorf("failed to check migration status: %w", err)
	}
	return needUpgrade, nil
}
