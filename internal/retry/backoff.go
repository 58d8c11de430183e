package retry

import (
	"context"
	"math"
	"time"

	"github.com/sethvargo/go-retry"
)

// Options configures Do
type Options struct {
	// MaxAttempts is the total number of calls, including the first one
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Factor        float64
	JitterPercent uint64
	// Retryable decides from the returned error whether another attempt is allowed.
	// nil means every error is retryable.
	Retryable func(err error) bool
	// OnRetry is called after every failed attempt that will be retried
	OnRetry func(err error, attempt int)
}

// DefaultOptions mirrors the store client defaults
func DefaultOptions() Options {
	return Options{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2,
	}
}

// Delay returns the pause before retry i (0-indexed): min(InitialDelay*Factor^i, MaxDelay)
func (o Options) Delay(i int) time.Duration {
	factor := o.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(o.InitialDelay) * math.Pow(factor, float64(i))
	if o.MaxDelay > 0 && (d > float64(o.MaxDelay) || math.IsInf(d, 1)) {
		return o.MaxDelay
	}
	return time.Duration(d)
}

// Backoff builds the go-retry backoff for these options. onNext runs every time
// a retry is scheduled and receives the 1-based number of the failed attempt.
func (o Options) Backoff(onNext func(attempt int)) retry.Backoff {
	attempts := o.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var i int
	var b retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		d := o.Delay(i)
		i++
		if onNext != nil {
			onNext(i)
		}
		return d, false
	})
	if o.JitterPercent > 0 {
		b = retry.WithJitterPercent(o.JitterPercent, b)
	}
	return retry.WithMaxRetries(uint64(attempts-1), b)
}

// Do calls fn until it succeeds, returns a non-retryable error, or MaxAttempts
// is exhausted. The last error is returned unchanged.
func Do(ctx context.Context, opts Options, fn func(ctx context.Context) error) error {
	var lastErr error
	backoff := opts.Backoff(func(attempt int) {
		if opts.OnRetry != nil {
			opts.OnRetry(lastErr, attempt)
		}
	})
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if opts.Retryable != nil && !opts.Retryable(err) {
			return err
		}
		return retry.RetryableError(err)
	})
}
