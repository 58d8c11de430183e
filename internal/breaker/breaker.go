// Package breaker implements the circuit breaker that guards calls to the store.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrCircuitOpen is returned, wrapped in *OpenError, when a call is rejected
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State of the breaker
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// OpenError reports a rejected call and how long until the next trial is allowed
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open, retry after %s", e.Name, e.RetryAfter.Round(time.Millisecond))
}

func (e *OpenError) Unwrap() error { return ErrCircuitOpen }

// Config holds breaker settings
type Config struct {
	Name      string
	Threshold int
	Timeout   time.Duration
	// IsFailure decides whether an error returned by the wrapped call counts
	// against the dependency. nil counts every error except context.Canceled.
	IsFailure func(err error) bool
}

// DefaultConfig returns threshold 5 and a 60s open timeout
func DefaultConfig() Config {
	return Config{
		Name:      "store",
		Threshold: 5,
		Timeout:   60 * time.Second,
	}
}

// CircuitBreaker is a CLOSED/OPEN/HALF_OPEN state machine. All transitions
// happen under mu so concurrent callers observe them atomically.
type CircuitBreaker struct {
	name      string
	threshold int
	timeout   time.Duration
	isFailure func(error) bool
	now       func() time.Time
	logger    *logrus.Entry

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	trialInFlight bool
}

// New creates a closed breaker
func New(cfg Config) *CircuitBreaker {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	return &CircuitBreaker{
		name:      cfg.Name,
		threshold: cfg.Threshold,
		timeout:   cfg.Timeout,
		isFailure: cfg.IsFailure,
		now:       time.Now,
		logger:    logrus.WithFields(logrus.Fields{"component": "circuit_breaker", "breaker": cfg.Name}),
	}
}

// Execute runs fn if the breaker allows it, otherwise fails fast with *OpenError
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := cb.allow()
	if err != nil {
		return err
	}
	err = fn(ctx)
	cb.record(trial, err)
	return err
}

func (cb *CircuitBreaker) allow() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Open:
		elapsed := cb.now().Sub(cb.lastFailure)
		if elapsed < cb.timeout {
			return false, &OpenError{Name: cb.name, RetryAfter: cb.timeout - elapsed}
		}
		cb.state = HalfOpen
		cb.trialInFlight = true
		cb.logger.Info("Circuit breaker half-open, allowing trial call")
		return true, nil
	case HalfOpen:
		if cb.trialInFlight {
			return false, &OpenError{Name: cb.name}
		}
		cb.trialInFlight = true
		return true, nil
	default:
		return false, nil
	}
}

func (cb *CircuitBreaker) countsAsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if cb.isFailure != nil {
		return cb.isFailure(err)
	}
	return true
}

func (cb *CircuitBreaker) record(trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial {
		cb.trialInFlight = false
	}
	// a canceled call says nothing about the dependency
	if err != nil && errors.Is(err, context.Canceled) {
		return
	}

	if !cb.countsAsFailure(err) {
		switch {
		case cb.state == Closed:
			cb.failures = 0
		case cb.state == HalfOpen && trial:
			cb.state = Closed
			cb.failures = 0
			cb.logger.Info("Circuit breaker closed after successful trial")
		}
		return
	}

	cb.lastFailure = cb.now()
	switch {
	case cb.state == Closed:
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.state = Open
			cb.logger.WithFields(logrus.Fields{
				"failures": cb.failures,
				"timeout":  cb.timeout,
			}).WithError(err).Warn("Circuit breaker opened")
		}
	case cb.state == HalfOpen && trial:
		cb.state = Open
		cb.failures++
		cb.logger.WithError(err).Warn("Circuit breaker trial failed, reopening")
	}
}

// Check reports whether a call would be rejected right now, without changing state
func (cb *CircuitBreaker) Check() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == Open {
		if elapsed := cb.now().Sub(cb.lastFailure); elapsed < cb.timeout {
			return &OpenError{Name: cb.name, RetryAfter: cb.timeout - elapsed}
		}
	}
	return nil
}

// State returns the current state. An open breaker whose timeout elapsed still
// reports Open until the next call moves it to HalfOpen.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot is a point-in-time view of the breaker
type Snapshot struct {
	Name        string        `json:"name"`
	State       string        `json:"state"`
	Failures    int           `json:"failures"`
	LastFailure time.Time     `json:"last_failure,omitempty"`
	Threshold   int           `json:"threshold"`
	Timeout     time.Duration `json:"timeout"`
}

// Snapshot returns state and counters
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Name:        cb.name,
		State:       cb.state.String(),
		Failures:    cb.failures,
		LastFailure: cb.lastFailure,
		Threshold:   cb.threshold,
		Timeout:     cb.timeout,
	}
}

// Reset forces the breaker closed and clears the counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = Closed
	cb.failures = 0
	cb.lastFailure = time.Time{}
	cb.trialInFlight = false
	cb.logger.Info("Circuit breaker reset")
}
