package store

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

// ClientConfig configures the resilient client
type ClientConfig struct {
	Breaker        breaker.Config
	Retry          retry.Options
	RequestTimeout time.Duration
	SampleSize     int
}

// DefaultClientConfig returns the default breaker, retry and timeout settings
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Breaker:        breaker.DefaultConfig(),
		Retry:          retry.DefaultOptions(),
		RequestTimeout: 30 * time.Second,
		SampleSize:     100,
	}
}

// Health is the result of a store health check
type Health struct {
	Healthy             bool             `json:"healthy"`
	ResponseTime        time.Duration    `json:"response_time"`
	Error               string           `json:"error,omitempty"`
	CircuitBreakerState string           `json:"circuit_breaker_state"`
	Breaker             breaker.Snapshot `json:"breaker"`
}

// ResilientClient guards store calls with a circuit breaker, per-call timeouts
// and retry with exponential backoff
type ResilientClient struct {
	store   *Store
	breaker *breaker.CircuitBreaker
	opts    retry.Options
	timeout time.Duration
	samples *sampler
	logger  *logrus.Entry
}

// NewResilientClient wraps store
func NewResilientClient(s *Store, cfg ClientConfig) *ResilientClient {
	def := DefaultClientConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = def.SampleSize
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	if cfg.Breaker.IsFailure == nil {
		// bad rows say nothing about the health of the store
		cfg.Breaker.IsFailure = func(err error) bool {
			return classify.Categorize(err) != model.KindValidation
		}
	}

	c := &ResilientClient{
		store:   s,
		breaker: breaker.New(cfg.Breaker),
		opts:    cfg.Retry,
		timeout: cfg.RequestTimeout,
		samples: newSampler(cfg.SampleSize),
		logger:  logrus.WithField("component", "store_client"),
	}
	c.opts.Retryable = func(err error) bool {
		if errors.Is(err, breaker.ErrCircuitOpen) {
			return false
		}
		return classify.Retryable(err)
	}
	c.opts.OnRetry = func(err error, attempt int) {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"kind":    classify.Categorize(err),
		}).Warn("Store operation failed, retrying")
	}
	return c
}

// timed applies the request timeout and samples the call latency
func (c *ResilientClient) timed(fn func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		start := time.Now()
		err := fn(ctx)
		c.samples.add(time.Since(start))
		return err
	}
}

// Guard runs fn once behind the circuit breaker and request timeout
func (c *ResilientClient) Guard(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.breaker.Execute(ctx, c.timed(fn))
}

// ExecuteWithRetry runs fn behind the breaker and retries transient failures.
// A rejection by an open breaker is returned at once without further attempts.
func (c *ResilientClient) ExecuteWithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, c.opts, func(ctx context.Context) error {
		return c.Guard(ctx, fn)
	})
}

// Upsert performs one bulk upsert attempt
func (c *ResilientClient) Upsert(ctx context.Context, syncID string, records []model.Record) error {
	return c.Guard(ctx, func(ctx context.Context) error {
		return c.store.Upsert(ctx, syncID, records)
	})
}

// UpsertOne performs one single-record upsert attempt
func (c *ResilientClient) UpsertOne(ctx context.Context, syncID string, record model.Record) error {
	return c.Guard(ctx, func(ctx context.Context) error {
		return c.store.UpsertOne(ctx, syncID, record)
	})
}

// CheckHealth probes the store directly, bypassing the breaker so the result
// reflects the store itself. It never returns an error.
func (c *ResilientClient) CheckHealth(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := c.store.Probe(ctx)
	snap := c.breaker.Snapshot()
	h := Health{
		Healthy:             err == nil,
		ResponseTime:        time.Since(start),
		CircuitBreakerState: snap.State,
		Breaker:             snap,
	}
	if err != nil {
		h.Error = err.Error()
		c.logger.WithError(err).Warn("Store health check failed")
	}
	return h
}

// Ready fails with *breaker.OpenError while the breaker rejects calls
func (c *ResilientClient) Ready() error {
	return c.breaker.Check()
}

// BreakerState returns the current breaker state name
func (c *ResilientClient) BreakerState() string {
	return c.breaker.State().String()
}

// TakeResponseTimes returns the latencies sampled since the previous call,
// at most SampleSize of them
func (c *ResilientClient) TakeResponseTimes() []time.Duration {
	return c.samples.take()
}

// ResetCircuitBreaker forces the breaker closed
func (c *ResilientClient) ResetCircuitBreaker() {
	c.breaker.Reset()
}

// Reset closes the breaker and drops latency samples
func (c *ResilientClient) Reset() {
	c.breaker.Reset()
	c.samples.reset()
}

// sampler keeps the last n latencies in a ring buffer. fresh counts the
// samples not yet handed out by take.
type sampler struct {
	mu    sync.Mutex
	buf   []time.Duration
	next  int
	fresh int
}

func newSampler(n int) *sampler {
	return &sampler{buf: make([]time.Duration, n)}
}

func (s *sampler) add(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf[s.next] = d
	s.next = (s.next + 1) % len(s.buf)
	s.fresh = min(s.fresh+1, len(s.buf))
}

// take returns the fresh samples oldest first and marks them as handed out
func (s *sampler) take() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, 0, s.fresh)
	start := (s.next - s.fresh + len(s.buf)) % len(s.buf)
	for i := range s.fresh {
		out = append(out, s.buf[(start+i)%len(s.buf)])
	}
	s.fresh = 0
	return out
}

func (s *sampler) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = 0
	s.fresh = 0
}
