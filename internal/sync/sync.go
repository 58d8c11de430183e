package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/sheetsync/internal/batch"
	"github.com/cybertec-postgresql/sheetsync/internal/classify"
	"github.com/cybertec-postgresql/sheetsync/internal/etcd"
	"github.com/cybertec-postgresql/sheetsync/internal/mapping"
	"github.com/cybertec-postgresql/sheetsync/internal/metrics"
	"github.com/cybertec-postgresql/sheetsync/internal/model"
	"github.com/cybertec-postgresql/sheetsync/internal/retry"
	"github.com/cybertec-postgresql/sheetsync/internal/source"
	"github.com/cybertec-postgresql/sheetsync/internal/store"
)

var (
	// ErrSyncInProgress is returned when another run holds the sync lock
	ErrSyncInProgress = errors.New("a sync is already in progress")
	// ErrInvalidKeys is returned by SyncByKeys for empty, blank or duplicate keys
	ErrInvalidKeys = errors.New("keys must be non-empty and distinct")
)

// StoreClient is the guarded store the service writes through
type StoreClient interface {
	batch.Target
	Ready() error
	CheckHealth(ctx context.Context) store.Health
	BreakerState() string
	TakeResponseTimes() []time.Duration
	ResetCircuitBreaker()
	Reset()
}

// Mapper turns source rows into records
type Mapper interface {
	Key(row model.Row) string
	Validate(row model.Row) mapping.Validation
	MapToRecord(row model.Row) (model.Record, error)
}

// Deps are the collaborators of a Service. Sink, Journal and Locker are optional.
type Deps struct {
	Source  source.Provider
	Mapper  Mapper
	Store   StoreClient
	Sink    metrics.Sink
	Journal metrics.Journal
	Locker  etcd.Locker
}

// Service runs full and selective syncs
type Service struct {
	cfg       Config
	source    source.Provider
	mapper    Mapper
	store     StoreClient
	sink      metrics.Sink
	journal   metrics.Journal
	locker    etcd.Locker
	local     etcd.LocalLocker
	processor *batch.Processor
	history   *history
	progress  *broadcaster
	logger    *logrus.Entry

	authMu        sync.Mutex
	authenticated bool
}

// NewService wires the service and its batch processor
func NewService(deps Deps, cfg Config) (*Service, error) {
	if deps.Source == nil || deps.Mapper == nil || deps.Store == nil {
		return nil, errors.New("source, mapper and store are required")
	}
	cfg = cfg.withDefaults()
	processor := batch.NewProcessor(deps.Store, cfg.Batch)
	cfg.Batch = processor.Config()

	return &Service{
		cfg:       cfg,
		source:    deps.Source,
		mapper:    deps.Mapper,
		store:     deps.Store,
		sink:      deps.Sink,
		journal:   deps.Journal,
		locker:    deps.Locker,
		processor: processor,
		history:   newHistory(cfg.HistorySize),
		progress:  newBroadcaster(),
		logger:    logrus.WithField("component", "sync"),
	}, nil
}

// SyncAll synchronizes every row of the source
func (s *Service) SyncAll(ctx context.Context) (model.SyncResult, error) {
	return s.run(ctx, model.KindFull, nil)
}

// SyncByKeys synchronizes the rows with the given natural keys. Keys absent
// from the source are counted as skipped.
func (s *Service) SyncByKeys(ctx context.Context, keys []string) (model.SyncResult, error) {
	if len(keys) == 0 {
		return model.SyncResult{}, fmt.Errorf("%w: no keys given", ErrInvalidKeys)
	}
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			return model.SyncResult{}, fmt.Errorf("%w: blank key", ErrInvalidKeys)
		}
		if seen[k] {
			return model.SyncResult{}, fmt.Errorf("%w: duplicate key %q", ErrInvalidKeys, k)
		}
		seen[k] = true
	}
	return s.run(ctx, model.KindSelective, seen)
}

// Subscribe returns a stream of progress events. Events are dropped for a
// subscriber whose buffer is full. cancel closes the channel.
func (s *Service) Subscribe(buffer int) (<-chan model.ProgressEvent, func()) {
	return s.progress.subscribe(buffer)
}

// ResetCircuitBreaker forces the store breaker closed
func (s *Service) ResetCircuitBreaker() {
	s.store.ResetCircuitBreaker()
	s.logger.Info("Circuit breaker reset by operator")
}

// Reset closes the breaker and forgets run history
func (s *Service) Reset() {
	s.store.Reset()
	s.history.reset()
	s.logger.Info("Sync service reset by operator")
}

// Run performs a full sync now and then every interval until ctx is done
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		result, err := s.SyncAll(ctx)
		switch {
		case errors.Is(err, ErrSyncInProgress):
			s.logger.Info("Skipping scheduled sync, another sync is running")
		case err != nil && ctx.Err() == nil:
			s.logger.WithError(err).Error("Scheduled sync failed")
		case err == nil:
			s.logger.WithFields(logrus.Fields{
				"sync_id": result.SyncID,
				"status":  result.Status,
			}).Info("Scheduled sync finished")
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Synchronization stopped due to context cancellation")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) acquire(ctx context.Context) (func(), error) {
	unlockLocal, err := s.local.TryLock(ctx)
	if err != nil {
		return nil, ErrSyncInProgress
	}
	if s.locker == nil {
		return unlockLocal, nil
	}
	unlock, err := s.locker.TryLock(ctx)
	if err != nil {
		unlockLocal()
		if errors.Is(err, etcd.ErrLocked) {
			return nil, fmt.Errorf("%w: %w", ErrSyncInProgress, err)
		}
		return nil, err
	}
	return func() {
		unlock()
		unlockLocal()
	}, nil
}

func newSyncID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate sync id: %w", err)
	}
	return "sync_" + id.String(), nil
}

func (s *Service) run(ctx context.Context, kind model.SyncKind, keys map[string]bool) (model.SyncResult, error) {
	unlock, err := s.acquire(ctx)
	if err != nil {
		return model.SyncResult{}, err
	}
	defer unlock()

	if err := s.store.Ready(); err != nil {
		return model.SyncResult{}, fmt.Errorf("store unavailable: %w", err)
	}
	syncID, err := newSyncID()
	if err != nil {
		return model.SyncResult{}, err
	}
	started := time.Now()
	logger := s.logger.WithFields(logrus.Fields{"sync_id": syncID, "kind": kind})
	logger.Info("Starting sync")

	if err := s.authenticate(ctx); err != nil {
		logger.WithError(err).Error("Source authentication failed")
		return model.SyncResult{}, fmt.Errorf("source authentication failed: %w", err)
	}
	rows, err := s.fetch(ctx)
	if err != nil {
		logger.WithError(err).Error("Failed to fetch source rows")
		return model.SyncResult{}, fmt.Errorf("failed to fetch source rows: %w", err)
	}

	missing := 0
	if keys != nil {
		rows, missing = s.filter(rows, keys)
		if missing > 0 {
			logger.WithField("missing", missing).Warn("Requested keys not found in source")
		}
	}
	records, dropped := s.transform(rows, logger)

	result := s.process(ctx, records, syncID)
	result.Kind = kind
	result.StartedAt = started
	result.Stats.Total += missing + dropped
	result.Stats.Skipped += missing + dropped
	result.Status = result.Stats.DeriveStatus()
	if !result.Stats.Balanced() {
		logger.WithField("stats", result.Stats).Error("Sync counters do not add up")
	}

	s.history.add(result)
	s.record(ctx, result, logger)

	logger.WithFields(logrus.Fields{
		"status":   result.Status,
		"total":    result.Stats.Total,
		"success":  result.Stats.Success,
		"failed":   result.Stats.Failed,
		"skipped":  result.Stats.Skipped,
		"duration": result.Duration(),
	}).Info("Sync finished")
	return result, nil
}

func (s *Service) sourceRetry() retry.Options {
	opts := s.cfg.SourceRetry.Options()
	opts.Retryable = classify.Retryable
	opts.OnRetry = func(err error, attempt int) {
		s.logger.WithError(err).WithField("attempt", attempt).Warn("Source call failed, retrying")
	}
	return opts
}

// authenticate runs once per service lifetime; a failed attempt is retried on the next run
func (s *Service) authenticate(ctx context.Context) error {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	if s.authenticated {
		return nil
	}
	if err := retry.Do(ctx, s.sourceRetry(), s.source.Authenticate); err != nil {
		return err
	}
	s.authenticated = true
	return nil
}

func (s *Service) fetch(ctx context.Context) (rows []model.Row, err error) {
	err = retry.Do(ctx, s.sourceRetry(), func(ctx context.Context) error {
		rows, err = s.source.ReadAll(ctx)
		return err
	})
	return rows, err
}

// filter keeps rows whose key was requested and counts requested keys the
// source does not have
func (s *Service) filter(rows []model.Row, keys map[string]bool) ([]model.Row, int) {
	found := make(map[string]bool, len(keys))
	kept := make([]model.Row, 0, len(keys))
	for _, row := range rows {
		key := s.mapper.Key(row)
		if keys[key] {
			kept = append(kept, row)
			found[key] = true
		}
	}
	return kept, len(keys) - len(found)
}

// transform validates and maps rows. Invalid rows and all but the last row of
// a repeated key are dropped and counted.
func (s *Service) transform(rows []model.Row, logger *logrus.Entry) ([]model.Record, int) {
	records := make([]model.Record, 0, len(rows))
	index := make(map[string]int, len(rows))
	dropped := 0
	for _, row := range rows {
		if v := s.mapper.Validate(row); !v.IsValid {
			logger.WithFields(logrus.Fields{
				"key":    s.mapper.Key(row),
				"errors": v.Errors,
			}).Warn("Dropping invalid row")
			dropped++
			continue
		}
		record, err := s.mapper.MapToRecord(row)
		if err != nil {
			logger.WithError(err).WithField("key", s.mapper.Key(row)).Warn("Dropping unmappable row")
			dropped++
			continue
		}
		if i, ok := index[record.Key]; ok {
			logger.WithField("key", record.Key).Warn("Duplicate key in source, keeping the last row")
			records[i] = record
			dropped++
			continue
		}
		index[record.Key] = len(records)
		records = append(records, record)
	}
	return records, dropped
}

// process runs the batch processor and forwards its progress to subscribers
func (s *Service) process(ctx context.Context, records []model.Record, syncID string) model.SyncResult {
	events := make(chan model.ProgressEvent, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			s.progress.publish(ev)
		}
	}()
	result := s.processor.ProcessWithProgress(ctx, records, syncID, events)
	close(events)
	<-done
	return result
}

// Metrics builds the metrics snapshot of a finished run
func (s *Service) Metrics(result model.SyncResult) model.SyncMetrics {
	duration := result.Duration().Seconds()
	throughput := 0.0
	if duration > 0 {
		throughput = float64(result.Stats.Total) / duration
	}
	return model.SyncMetrics{
		SyncID:          result.SyncID,
		Kind:            result.Kind,
		Status:          result.Status,
		SuccessCount:    result.Stats.Success,
		ErrorCount:      result.Stats.Failed,
		SkippedCount:    result.Stats.Skipped,
		TotalCount:      result.Stats.Total,
		DurationSeconds: duration,
		Throughput:      throughput,
		ErrorsByKind: map[model.ErrorKind]int{
			model.KindTransient:  result.Stats.TransientErrors,
			model.KindPermanent:  result.Stats.PermanentErrors,
			model.KindValidation: result.Stats.ValidationErrors,
			model.KindUnknown:    result.Stats.UnknownErrors,
		},
		ResponseTimes:       s.store.TakeResponseTimes(),
		CircuitBreakerState: s.store.BreakerState(),
		RecordedAt:          time.Now(),
	}
}

// record hands the run to the journal and the metrics sink. Failures are
// logged and never fail the run. An aborted run is still recorded.
func (s *Service) record(ctx context.Context, result model.SyncResult, logger *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if s.journal != nil {
		if err := s.journal.RecordSyncJob(ctx, result); err != nil {
			logger.WithError(err).Warn("Failed to record sync job")
		}
	}
	if s.sink != nil {
		if err := s.sink.RecordSyncMetrics(ctx, s.Metrics(result)); err != nil {
			logger.WithError(err).Warn("Failed to record sync metrics")
		}
	}
}
