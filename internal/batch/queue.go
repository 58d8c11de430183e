package batch

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Queue runs units of work with bounded concurrency behind a token bucket.
// A Queue is shared by every run of its Processor, so the rate limit holds
// across consecutive syncs.
type Queue struct {
	limiter     *rate.Limiter
	concurrency int

	waiting atomic.Int64
}

// NewQueue allows at most concurrency jobs at once and refills rateLimit
// submission tokens every interval
func NewQueue(concurrency, rateLimit int, interval time.Duration) *Queue {
	if concurrency < 1 {
		concurrency = 1
	}
	if rateLimit < 1 {
		rateLimit = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Queue{
		limiter:     rate.NewLimiter(rate.Every(interval/time.Duration(rateLimit)), rateLimit),
		concurrency: concurrency,
	}
}

// Run submits jobs 0..n-1 in order and blocks until every submitted job has
// returned. Submission stops as soon as ctx is done; the number of submitted
// jobs is returned.
func (q *Queue) Run(ctx context.Context, n int, job func(ctx context.Context, i int)) int {
	g := &errgroup.Group{}
	g.SetLimit(q.concurrency)

	q.waiting.Add(int64(n))
	submitted := 0
	for i := 0; i < n; i++ {
		if err := q.limiter.Wait(ctx); err != nil {
			break
		}
		g.Go(func() error {
			q.waiting.Add(-1)
			job(ctx, i)
			return nil
		})
		submitted++
	}
	q.waiting.Add(-int64(n - submitted))
	_ = g.Wait()
	return submitted
}

// Waiting returns the number of jobs not yet started
func (q *Queue) Waiting() int { return int(q.waiting.Load()) }
