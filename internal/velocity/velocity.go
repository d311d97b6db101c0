// Package velocity provides per-merchant charge velocity over an enriched table.
package velocity

import (
	"time"

	"github.com/applsais/financial-coach/internal/domain"
	"github.com/applsais/financial-coach/internal/features"
)

// Counter counts charges from the same merchant inside a trailing time window.
type Counter struct {
	window time.Duration
}

// NewCounter creates a counter for the given window. A non-positive window means one day.
func NewCounter(window time.Duration) *Counter {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Counter{window: window}
}

// Window returns the trailing window length.
func (c *Counter) Window() time.Duration {
	return c.window
}

// Counts returns, for every record, the number of records with the same merchant
// dated within the window ending at that record, the record itself included.
// Records must be in date order as produced by features.Builder.
func (c *Counter) Counts(records []domain.EnrichedRecord) []int64 {
	counts := make([]int64, len(records))
	for _, idx := range features.IndexByMerchant(records) {
		start := 0
		for j, pos := range idx {
			cutoff := records[pos].Date.Add(-c.window)
			for records[idx[start]].Date.Before(cutoff) {
				start++
			}
			counts[pos] = int64(j - start + 1)
		}
	}
	return counts
}
