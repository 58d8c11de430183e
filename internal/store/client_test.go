package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertec-postgresql/sheetsync/internal/breaker"
	"github.com/cybertec-postgresql/sheetsync/internal/retry"
)

func newTestClient(t *testing.T, threshold int) (*ResilientClient, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	cfg := DefaultClientConfig()
	cfg.Breaker = breaker.Config{Name: "test", Threshold: threshold, Timeout: time.Minute}
	cfg.Retry = retry.Options{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2}
	cfg.RequestTimeout = time.Second
	return NewResilientClient(NewStore(mock, ""), cfg), mock
}

func TestExecuteWithRetryRetriesTransient(t *testing.T) {
	c, _ := newTestClient(t, 10)

	calls := 0
	err := c.ExecuteWithRetry(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, c.TakeResponseTimes(), 3)
}

func TestExecuteWithRetryStopsOnValidation(t *testing.T) {
	c, _ := newTestClient(t, 10)

	calls := 0
	pgErr := &pgconn.PgError{Code: "23502"}
	err := c.ExecuteWithRetry(context.Background(), func(context.Context) error {
		calls++
		return pgErr
	})
	assert.ErrorIs(t, err, pgErr)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "closed", c.BreakerState(), "validation errors do not trip the breaker")
}

func TestExecuteWithRetryFailsFastWhenOpen(t *testing.T) {
	c, _ := newTestClient(t, 3)

	calls := 0
	unreachable := func(context.Context) error {
		calls++
		return errors.New("dial tcp: connection refused")
	}

	// 3 attempts exhaust the retry budget and trip the breaker
	err := c.ExecuteWithRetry(context.Background(), unreachable)
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, "open", c.BreakerState())

	err = c.ExecuteWithRetry(context.Background(), unreachable)
	assert.ErrorIs(t, err, breaker.ErrCircuitOpen)
	assert.Equal(t, 3, calls, "no store call while the breaker is open")
}

func TestRequestTimeoutIsApplied(t *testing.T) {
	c, _ := newTestClient(t, 10)
	c.timeout = 10 * time.Millisecond

	err := c.Guard(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCheckHealth(t *testing.T) {
	c, mock := newTestClient(t, 1)

	mock.ExpectQuery(`SELECT 1 FROM "sync_record" LIMIT 1`).WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))
	h := c.CheckHealth(context.Background())
	assert.True(t, h.Healthy)
	assert.Empty(t, h.Error)
	assert.Equal(t, "closed", h.CircuitBreakerState)
	assert.Zero(t, h.Breaker.Failures)

	mock.ExpectQuery(`SELECT 1 FROM "sync_record" LIMIT 1`).WillReturnError(errors.New("connection refused"))
	h = c.CheckHealth(context.Background())
	assert.False(t, h.Healthy)
	assert.Contains(t, h.Error, "connection refused")
	assert.Zero(t, h.Breaker.Failures, "health probes bypass the breaker")

	_ = c.Guard(context.Background(), func(context.Context) error { return errors.New("connection refused") })
	mock.ExpectQuery(`SELECT 1 FROM "sync_record" LIMIT 1`).WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))
	h = c.CheckHealth(context.Background())
	assert.Equal(t, "open", h.CircuitBreakerState)
	assert.Equal(t, "open", h.Breaker.State)
	assert.Equal(t, 1, h.Breaker.Failures)
	assert.Equal(t, "test", h.Breaker.Name)
	assert.False(t, h.Breaker.LastFailure.IsZero())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetClosesBreakerAndDropsSamples(t *testing.T) {
	c, _ := newTestClient(t, 1)
	_ = c.Guard(context.Background(), func(context.Context) error { return errors.New("connection refused") })
	require.Equal(t, "open", c.BreakerState())

	c.ResetCircuitBreaker()
	assert.Equal(t, "closed", c.BreakerState())

	_ = c.Guard(context.Background(), func(context.Context) error { return nil })
	c.Reset()
	assert.Empty(t, c.TakeResponseTimes())
}

func TestUpsertThroughClient(t *testing.T) {
	c, mock := newTestClient(t, 5)
	b := mock.ExpectBatch()
	b.ExpectExec("INSERT INTO").WithArgs("P-1", pgxmock.AnyArg(), "sync_1").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	b.ExpectExec("INSERT INTO").WithArgs("P-2", pgxmock.AnyArg(), "sync_1").WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, c.Upsert(context.Background(), "sync_1", testRecords()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSampler(t *testing.T) {
	s := newSampler(3)
	for i := 1; i <= 5; i++ {
		s.add(time.Duration(i))
	}
	assert.Equal(t, []time.Duration{3, 4, 5}, s.take())
	assert.Empty(t, s.take(), "taken samples are not handed out twice")

	s.add(6)
	s.add(7)
	assert.Equal(t, []time.Duration{6, 7}, s.take())

	s.add(8)
	s.reset()
	assert.Empty(t, s.take())
}

func TestTakeResponseTimesPerRun(t *testing.T) {
	c, _ := newTestClient(t, 10)
	ok := func(context.Context) error { return nil }
	_ = c.Guard(context.Background(), ok)
	_ = c.Guard(context.Background(), ok)
	assert.Len(t, c.TakeResponseTimes(), 2)

	_ = c.Guard(context.Background(), ok)
	assert.Len(t, c.TakeResponseTimes(), 1)
	assert.Empty(t, c.TakeResponseTimes())
}

func TestReady(t *testing.T) {
	c, _ := newTestClient(t, 1)
	assert.NoError(t, c.Ready())
	_ = c.Guard(context.Background(), func(context.Context) error { return errors.New("connection refused") })
	assert.ErrorIs(t, c.Ready(), breaker.ErrCircuitOpen)
}
