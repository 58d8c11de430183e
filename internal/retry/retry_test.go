package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"google.golang.org/api/googleapi"
)

func TestDefaults(t *testing.T) {
	tests := []struct {
		name        string
		config      *Config
		maxAttempts uint64
		baseDelay   time.Duration
		maxDelay    time.Duration
		jitter      uint64
	}{
		{"postgresql", PostgreSQLDefaults(), 10, 100 * time.Millisecond, 30 * time.Second, 10},
		{"etcd", EtcdDefaults(), 15, 200 * time.Millisecond, time.Minute, 15},
		{"sheets api", SourceDefaults(), 4, 500 * time.Millisecond, 10 * time.Second, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.config.MaxAttempts != tt.maxAttempts {
				t.Errorf("Expected MaxAttempts=%d, got %d", tt.maxAttempts, tt.config.MaxAttempts)
			}
			if tt.config.BaseDelay != tt.baseDelay {
				t.Errorf("Expected BaseDelay=%v, got %v", tt.baseDelay, tt.config.BaseDelay)
			}
			if tt.config.MaxDelay != tt.maxDelay {
				t.Errorf("Expected MaxDelay=%v, got %v", tt.maxDelay, tt.config.MaxDelay)
			}
			if tt.config.JitterPercent != tt.jitter {
				t.Errorf("Expected JitterPercent=%d, got %d", tt.jitter, tt.config.JitterPercent)
			}
		})
	}
}

func fastConfig() *Config {
	return &Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

// A quota burst on the Sheets API clears after a few attempts
func TestWithOperationRidesOutQuotaBurst(t *testing.T) {
	calls := 0
	err := WithOperation(context.Background(), fastConfig(), func() error {
		calls++
		if calls < 3 {
			return &googleapi.Error{Code: http.StatusTooManyRequests, Message: "Quota exceeded for quota metric 'Read requests'"}
		}
		return nil
	}, "sheets read")

	if err != nil {
		t.Errorf("Expected the read to succeed after the burst, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

// An unreachable database exhausts the attempts and the last error surfaces unwrapped
func TestWithOperationStoreUnreachable(t *testing.T) {
	errRefused := errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")
	calls := 0
	err := WithOperation(context.Background(), fastConfig(), func() error {
		calls++
		return errRefused
	}, "Postgres connect")

	if !errors.Is(err, errRefused) {
		t.Errorf("Expected the connection error, got %v", err)
	}
	// one initial call plus MaxAttempts retries
	if calls != 4 {
		t.Errorf("Expected 4 calls, got %d", calls)
	}
}

// Shutting down while connecting must not keep retrying
func TestWithOperationStopsOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := WithOperation(ctx, PostgreSQLDefaults(), func() error {
		calls++
		return errors.New("connection refused")
	}, "Postgres connect")

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if calls > 1 {
		t.Errorf("Expected at most one call after shutdown, got %d", calls)
	}
}

func TestCreateBackoffIsCapped(t *testing.T) {
	config := &Config{MaxAttempts: 8, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, JitterPercent: 20}
	backoff := config.CreateBackoff()

	steps := 0
	for {
		d, stop := backoff.Next()
		if stop {
			break
		}
		steps++
		if d > 1200*time.Millisecond {
			t.Errorf("Delay %v of step %d exceeds MaxDelay plus jitter", d, steps)
		}
	}
	if steps != 8 {
		t.Errorf("Expected 8 retries, got %d", steps)
	}
}

func TestConfigOptions(t *testing.T) {
	opts := SourceDefaults().Options()
	if opts.MaxAttempts != 5 {
		t.Errorf("Expected MaxAttempts=5 (1 call + 4 retries), got %d", opts.MaxAttempts)
	}
	if opts.Delay(0) != 500*time.Millisecond {
		t.Errorf("Expected first delay 500ms, got %v", opts.Delay(0))
	}
	if opts.Delay(10) != 10*time.Second {
		t.Errorf("Expected capped delay 10s, got %v", opts.Delay(10))
	}
}
