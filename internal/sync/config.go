// Package sync orchestrates sync runs from the spreadsheet into the store.
package sync

import (
	"github.com/cybertec-postgresql/sheetsync/internal/batch"
	"github.com/cybertec-postgresql/sheetsync/internal/retry"
)

// Config holds the orchestrator settings
type Config struct {
	Batch batch.Config
	// HistorySize is the number of recent runs health is derived from
	HistorySize int
	// DegradedErrorRate and UnhealthyErrorRate are failed/total thresholds
	DegradedErrorRate  float64
	UnhealthyErrorRate float64
	// SourceRetry governs authentication and reads against the source
	SourceRetry *retry.Config
}

// DefaultConfig returns the default batch settings, a window of 20 runs and
// 5% / 10% error rate thresholds
func DefaultConfig() Config {
	return Config{
		Batch:              batch.DefaultConfig(),
		HistorySize:        20,
		DegradedErrorRate:  0.05,
		UnhealthyErrorRate: 0.10,
		SourceRetry:        retry.SourceDefaults(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.HistorySize <= 0 {
		c.HistorySize = def.HistorySize
	}
	if c.DegradedErrorRate <= 0 {
		c.DegradedErrorRate = def.DegradedErrorRate
	}
	if c.UnhealthyErrorRate <= 0 {
		c.UnhealthyErrorRate = def.UnhealthyErrorRate
	}
	if c.SourceRetry == nil {
		c.SourceRetry = def.SourceRetry
	}
	return c
}
