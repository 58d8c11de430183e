// Package metrics records the outcome of sync runs.
package metrics

import (
	"context"
	"errors"

	"github.com/cybertec-postgresql/sheetsync/internal/model"
)

// Sink receives the metrics snapshot of every finished run
type Sink interface {
	RecordSyncMetrics(ctx context.Context, m model.SyncMetrics) error
}

// Journal persists the job record and per-record errors of a finished run
type Journal interface {
	RecordSyncJob(ctx context.Context, result model.SyncResult) error
}

// Multi forwards to every sink and joins their errors
type Multi []Sink

// RecordSyncMetrics implements Sink
func (m Multi) RecordSyncMetrics(ctx context.Context, metrics model.SyncMetrics) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordSyncMetrics(ctx, metrics); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
