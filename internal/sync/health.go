package sync

import (
	"context"
	"sync"
	"time"

	"github.com/cybertec-postgresql/sheetsync/internal/model"
	"github.com/cybertec-postgresql/sheetsync/internal/store"
)

// HealthStatus is the overall service verdict
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// Health combines a live store check with the recent run history
type Health struct {
	Status              HealthStatus     `json:"status"`
	Store               store.Health     `json:"store"`
	ErrorRate           float64          `json:"error_rate"`
	AverageDuration     time.Duration    `json:"average_duration"`
	RecentSyncs         int              `json:"recent_syncs"`
	LastSyncID          string           `json:"last_sync_id,omitempty"`
	LastStatus          model.SyncStatus `json:"last_status,omitempty"`
	QueueSize           int              `json:"queue_size"`
	CircuitBreakerState string           `json:"circuit_breaker_state"`
	CheckedAt           time.Time        `json:"checked_at"`
}

// Health never fails; problems lower the reported status instead
func (s *Service) Health(ctx context.Context) Health {
	storeHealth := s.store.CheckHealth(ctx)
	sum := s.history.summary()

	h := Health{
		Store:               storeHealth,
		ErrorRate:           sum.errorRate(),
		AverageDuration:     sum.averageDuration(),
		RecentSyncs:         sum.runs,
		LastSyncID:          sum.lastID,
		LastStatus:          sum.lastStatus,
		QueueSize:           s.processor.QueueSize(),
		CircuitBreakerState: storeHealth.CircuitBreakerState,
		CheckedAt:           time.Now(),
	}
	switch {
	case !storeHealth.Healthy || h.ErrorRate > s.cfg.UnhealthyErrorRate:
		h.Status = Unhealthy
	case h.ErrorRate > s.cfg.DegradedErrorRate:
		h.Status = Degraded
	default:
		h.Status = Healthy
	}
	return h
}

type run struct {
	id       string
	status   model.SyncStatus
	total    int
	failed   int
	duration time.Duration
}

// history keeps the last n runs in a ring buffer
type history struct {
	mu   sync.Mutex
	runs []run
	next int
	size int
}

func newHistory(n int) *history {
	return &history{runs: make([]run, n)}
}

func (h *history) add(r model.SyncResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs[h.next] = run{
		id:       r.SyncID,
		status:   r.Status,
		total:    r.Stats.Total,
		failed:   r.Stats.Failed,
		duration: r.Duration(),
	}
	h.next = (h.next + 1) % len(h.runs)
	h.size = min(h.size+1, len(h.runs))
}

func (h *history) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next, h.size = 0, 0
}

type summary struct {
	runs          int
	total, failed int
	duration      time.Duration
	lastID        string
	lastStatus    model.SyncStatus
}

func (s summary) errorRate() float64 {
	if s.total == 0 {
		return 0
	}
	return float64(s.failed) / float64(s.total)
}

func (s summary) averageDuration() time.Duration {
	if s.runs == 0 {
		return 0
	}
	return s.duration / time.Duration(s.runs)
}

func (h *history) summary() summary {
	h.mu.Lock()
	defer h.mu.Unlock()
	var sum summary
	for i := 0; i < h.size; i++ {
		r := h.runs[(h.next-1-i+len(h.runs))%len(h.runs)]
		if i == 0 {
			sum.lastID, sum.lastStatus = r.id, r.status
		}
		sum.runs++
		sum.total += r.total
		sum.failed += r.failed
		sum.duration += r.duration
	}
	return sum
}
