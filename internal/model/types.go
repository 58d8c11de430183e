// Package model defines the value types shared by the sheetsync components.
package model

import (
	"fmt"
	"time"
)

// ErrorKind classifies a failure and decides whether it may be retried
type ErrorKind string

const (
	KindTransient  ErrorKind = "transient"
	KindPermanent  ErrorKind = "permanent"
	KindValidation ErrorKind = "validation"
	KindUnknown    ErrorKind = "unknown"
)

// Retryable reports whether errors of this kind are eligible for retry
func (k ErrorKind) Retryable() bool {
	return k == KindTransient
}

// ErrorKinds lists every kind in reporting order
var ErrorKinds = []ErrorKind{KindTransient, KindPermanent, KindValidation, KindUnknown}

// SyncKind tells whether a sync covers the whole source or a key selection
type SyncKind string

const (
	KindFull      SyncKind = "full"
	KindSelective SyncKind = "selective"
)

// SyncStatus is the lifecycle state of a sync run
type SyncStatus string

const (
	StatusQueued     SyncStatus = "queued"
	StatusInProgress SyncStatus = "in_progress"
	StatusCompleted  SyncStatus = "completed"
	StatusFailed     SyncStatus = "failed"
	StatusPartial    SyncStatus = "partial"
)

// SyncStats holds the counters of one sync run
type SyncStats struct {
	Total            int `json:"total"`
	Success          int `json:"success"`
	Failed           int `json:"failed"`
	Skipped          int `json:"skipped"`
	TransientErrors  int `json:"transient_errors"`
	PermanentErrors  int `json:"permanent_errors"`
	ValidationErrors int `json:"validation_errors"`
	UnknownErrors    int `json:"unknown_errors"`
}

// CountError bumps the per-kind error counter
func (s *SyncStats) CountError(kind ErrorKind) {
	switch kind {
	case KindTransient:
		s.TransientErrors++
	case KindPermanent:
		s.PermanentErrors++
	case KindValidation:
		s.ValidationErrors++
	default:
		s.UnknownErrors++
	}
}

// Balanced reports whether total == success + failed + skipped
func (s SyncStats) Balanced() bool {
	return s.Total == s.Success+s.Failed+s.Skipped
}

// DeriveStatus maps the counters to a terminal status
func (s SyncStats) DeriveStatus() SyncStatus {
	switch {
	case s.Failed == 0:
		return StatusCompleted
	case s.Success > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}

// SyncError describes a record that could not be written
type SyncError struct {
	Key        string    `json:"key"`
	Message    string    `json:"message"`
	Kind       ErrorKind `json:"kind"`
	RetryCount int       `json:"retry_count"`
	Timestamp  time.Time `json:"timestamp"`
}

// SyncResult is the outcome of one sync run
type SyncResult struct {
	SyncID      string      `json:"sync_id"`
	Kind        SyncKind    `json:"kind"`
	Status      SyncStatus  `json:"status"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at"`
	Stats       SyncStats   `json:"stats"`
	Errors      []SyncError `json:"errors"`
}

// Duration returns the wall-clock length of the run
func (r SyncResult) Duration() time.Duration {
	if r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// SyncMetrics is the per-run metrics snapshot handed to a metrics sink
type SyncMetrics struct {
	SyncID              string            `json:"sync_id"`
	Kind                SyncKind          `json:"kind"`
	Status              SyncStatus        `json:"status"`
	SuccessCount        int               `json:"success_count"`
	ErrorCount          int               `json:"error_count"`
	SkippedCount        int               `json:"skipped_count"`
	TotalCount          int               `json:"total_count"`
	DurationSeconds     float64           `json:"duration_seconds"`
	Throughput          float64           `json:"throughput"`
	ErrorsByKind        map[ErrorKind]int `json:"errors_by_kind"`
	ResponseTimes       []time.Duration   `json:"response_times"`
	CircuitBreakerState string            `json:"circuit_breaker_state"`
	RecordedAt          time.Time         `json:"recorded_at"`
}

// ProgressEvent is published after every finished batch
type ProgressEvent struct {
	SyncID    string `json:"sync_id"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// ValidationError marks input that can never be written as is
type ValidationError struct {
	Key    string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed for %q: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("validation failed for %q field %s: %s", e.Key, e.Field, e.Reason)
}
