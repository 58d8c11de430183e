package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cybertec-postgresql/sheetsync/internal/model"
)

const namespace = "sheetsync"

// breakerStates maps breaker state names to gauge values
var breakerStates = map[string]float64{"closed": 0, "open": 1, "half_open": 2}

// PrometheusSink exposes run metrics on its own registry
type PrometheusSink struct {
	registry *prometheus.Registry

	syncs        *prometheus.CounterVec
	records      *prometheus.CounterVec
	errors       *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	responseTime prometheus.Histogram
	throughput   prometheus.Gauge
	breakerState prometheus.Gauge
	lastSync     prometheus.Gauge
	queueSize    prometheus.Gauge
}

// NewPrometheusSink registers the sync collectors and the Go runtime collectors
func NewPrometheusSink() *PrometheusSink {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &PrometheusSink{
		registry: reg,
		syncs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "syncs_total",
			Help:      "Finished sync runs by kind and status",
		}, []string{"kind", "status"}),
		records: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records handled by outcome",
		}, []string{"outcome"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "record_errors_total",
			Help:      "Failed records by error kind",
		}, []string{"kind"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Wall-clock duration of sync runs",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"kind"}),
		responseTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_response_seconds",
			Help:      "Sampled latency of store calls",
			Buckets:   prometheus.DefBuckets,
		}),
		throughput: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_throughput_records_per_second",
			Help:      "Throughput of the last sync run",
		}),
		breakerState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Store circuit breaker state at the end of the last run (0 closed, 1 open, 2 half open)",
		}),
		lastSync: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_sync_timestamp_seconds",
			Help:      "Unix time the last sync run was recorded",
		}),
		queueSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_size",
			Help:      "Batches waiting for a rate token or a worker",
		}),
	}
}

// RecordSyncMetrics implements Sink
func (p *PrometheusSink) RecordSyncMetrics(_ context.Context, m model.SyncMetrics) error {
	p.syncs.WithLabelValues(string(m.Kind), string(m.Status)).Inc()
	p.records.WithLabelValues("success").Add(float64(m.SuccessCount))
	p.records.WithLabelValues("failed").Add(float64(m.ErrorCount))
	p.records.WithLabelValues("skipped").Add(float64(m.SkippedCount))
	for kind, n := range m.ErrorsByKind {
		p.errors.WithLabelValues(string(kind)).Add(float64(n))
	}
	p.duration.WithLabelValues(string(m.Kind)).Observe(m.DurationSeconds)
	for _, d := range m.ResponseTimes {
		p.responseTime.Observe(d.Seconds())
	}
	p.throughput.Set(m.Throughput)
	p.breakerState.Set(breakerStates[m.CircuitBreakerState])
	p.lastSync.Set(float64(m.RecordedAt.Unix()))
	return nil
}

// SetQueueSize updates the queue gauge
func (p *PrometheusSink) SetQueueSize(n int) {
	p.queueSize.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format
func (p *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}
