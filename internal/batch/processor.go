// Package batch writes records to the store in rate-limited, concurrent
// batches and degrades to per-record writes when a bulk write fails.
package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/sheetsync/internal/breaker"
	"github.com/cybertec-postgresql/sheetsync/internal/classify"
	"github.com/cybertec-postgresql/sheetsync/internal/model"
	"github.com/cybertec-postgresql/sheetsync/internal/retry"
)

// Config holds the batching, throttling and per-record retry settings
type Config struct {
	BatchSize   int
	RateLimit   int
	Interval    time.Duration
	Concurrency int
	MaxRetries  int
	RetryDelay  time.Duration
}

// DefaultConfig returns 100 records per batch, 10 batches per second,
// 5 concurrent batches and 3 attempts per record starting at 1s
func DefaultConfig() Config {
	return Config{
		BatchSize:   100,
		RateLimit:   10,
		Interval:    time.Second,
		Concurrency: 5,
		MaxRetries:  3,
		RetryDelay:  time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.RateLimit <= 0 {
		c.RateLimit = def.RateLimit
	}
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = def.RetryDelay
	}
	return c
}

// Target is where batches are written. store.ResilientClient implements it.
type Target interface {
	Upsert(ctx context.Context, syncID string, records []model.Record) error
	UpsertOne(ctx context.Context, syncID string, record model.Record) error
}

// Processor partitions records into batches and writes them through a Queue
type Processor struct {
	cfg    Config
	target Target
	queue  *Queue
	logger *logrus.Entry
}

// NewProcessor creates a processor. Its queue lives as long as the processor.
func NewProcessor(target Target, cfg Config) *Processor {
	cfg = cfg.withDefaults()
	return &Processor{
		cfg:    cfg,
		target: target,
		queue:  NewQueue(cfg.Concurrency, cfg.RateLimit, cfg.Interval),
		logger: logrus.WithField("component", "batch"),
	}
}

// Config returns the effective configuration
func (p *Processor) Config() Config { return p.cfg }

// QueueSize returns the number of batches waiting for a rate token or a slot
func (p *Processor) QueueSize() int { return p.queue.Waiting() }

// Process writes records and returns the aggregated result
func (p *Processor) Process(ctx context.Context, records []model.Record, syncID string) model.SyncResult {
	return p.ProcessWithProgress(ctx, records, syncID, nil)
}

// ProcessWithProgress is Process publishing a ProgressEvent to progress after
// every finished batch. A nil channel disables publishing.
func (p *Processor) ProcessWithProgress(ctx context.Context, records []model.Record, syncID string,
	progress chan<- model.ProgressEvent) model.SyncResult {
	agg := &aggregator{
		result: model.SyncResult{
			SyncID:    syncID,
			Status:    model.StatusInProgress,
			StartedAt: time.Now(),
			Stats:     model.SyncStats{Total: len(records)},
		},
		progress: progress,
		ctx:      ctx,
	}

	batches := partition(records, p.cfg.BatchSize)
	logger := p.logger.WithFields(logrus.Fields{
		"sync_id": syncID,
		"records": len(records),
		"batches": len(batches),
	})
	logger.Info("Processing batches")

	submitted := p.queue.Run(ctx, len(batches), func(ctx context.Context, i int) {
		p.processBatch(ctx, syncID, batches[i], agg)
	})
	for _, b := range batches[submitted:] {
		agg.skip(len(b))
	}

	result := agg.finish()
	logger.WithFields(logrus.Fields{
		"status":  result.Status,
		"success": result.Stats.Success,
		"failed":  result.Stats.Failed,
		"skipped": result.Stats.Skipped,
	}).Info("Batch processing finished")
	return result
}

func partition(records []model.Record, size int) [][]model.Record {
	batches := make([][]model.Record, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		batches = append(batches, records[start:end])
	}
	return batches
}

func (p *Processor) processBatch(ctx context.Context, syncID string, records []model.Record, agg *aggregator) {
	defer agg.publish()
	if ctx.Err() != nil {
		agg.skip(len(records))
		return
	}

	err := p.target.Upsert(ctx, syncID, records)
	if err == nil {
		agg.succeed(len(records))
		return
	}
	if ctx.Err() != nil {
		agg.skip(len(records))
		return
	}
	p.logger.WithError(err).WithFields(logrus.Fields{
		"sync_id": syncID,
		"records": len(records),
		"kind":    classify.Categorize(err),
	}).Warn("Bulk upsert failed, falling back to per-record upsert")

	for i, record := range records {
		if ctx.Err() != nil {
			agg.skip(len(records) - i)
			return
		}
		retries, err := p.processRecord(ctx, syncID, record)
		switch {
		case err == nil:
			agg.succeed(1)
		case ctx.Err() != nil:
			agg.skip(len(records) - i)
			return
		default:
			agg.fail(record.Key, err, retries)
		}
	}
}

// processRecord upserts one record, retrying transient failures with
// RetryDelay * 2^attempt between attempts. It returns the number of retries made.
func (p *Processor) processRecord(ctx context.Context, syncID string, record model.Record) (int, error) {
	retries := 0
	err := retry.Do(ctx, retry.Options{
		MaxAttempts:  p.cfg.MaxRetries,
		InitialDelay: p.cfg.RetryDelay,
		Factor:       2,
		Retryable: func(err error) bool {
			return !errors.Is(err, breaker.ErrCircuitOpen) && classify.Retryable(err)
		},
		OnRetry: func(err error, attempt int) {
			retries = attempt
			p.logger.WithError(err).WithFields(logrus.Fields{
				"sync_id": syncID,
				"key":     record.Key,
				"attempt": attempt,
			}).Debug("Record upsert failed, retrying")
		},
	}, func(ctx context.Context) error {
		return p.target.UpsertOne(ctx, syncID, record)
	})
	return retries, err
}

// aggregator owns the stats of one run; workers only touch it under mu
type aggregator struct {
	mu        sync.Mutex
	result    model.SyncResult
	processed int
	progress  chan<- model.ProgressEvent
	ctx       context.Context
}

func (a *aggregator) succeed(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.result.Stats.Success += n
	a.processed += n
}

func (a *aggregator) skip(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.result.Stats.Skipped += n
	a.processed += n
}

func (a *aggregator) fail(key string, err error, retries int) {
	kind := classify.Wrap(err).Kind
	if !kind.Retryable() {
		retries = 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.result.Stats.Failed++
	a.result.Stats.CountError(kind)
	a.result.Errors = append(a.result.Errors, model.SyncError{
		Key:        key,
		Message:    err.Error(),
		Kind:       kind,
		RetryCount: retries,
		Timestamp:  time.Now(),
	})
	a.processed++
}

// publish sends the current progress. The send holds the lock so events
// arrive with non-decreasing counters.
func (a *aggregator) publish() {
	if a.progress == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	ev := model.ProgressEvent{
		SyncID:    a.result.SyncID,
		Processed: a.processed,
		Total:     a.result.Stats.Total,
		Succeeded: a.result.Stats.Success,
		Failed:    a.result.Stats.Failed,
	}
	select {
	case a.progress <- ev:
	case <-a.ctx.Done():
	}
}

func (a *aggregator) finish() model.SyncResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.result.CompletedAt = time.Now()
	a.result.Status = a.result.Stats.DeriveStatus()
	return a.result
}
