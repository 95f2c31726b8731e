// Package optimizer implements the stateless adaptive batch-size and
// full-refresh decisions. It keeps no state that
// correctness depends on; any per-table history is process-local diagnostics
// only.
package optimizer

import (
	"time"

	"github.com/opendental-analytics/etl-core/internal/config"
)

const (
	tinyBatchCap   = 25000
	largeSizeMBCut = 100.0
)

// CalculateAdaptiveBatchSize returns a batch size bounded to
// [config.MinBatchSize, config.MaxBatchSize]. Large tables (category
// large/xlarge, or estimated_size_mb > 100) bias upward; tiny tables are
// capped at 25000. The table's configured batch_size is the upper bound for
// small tables.
func CalculateAdaptiveBatchSize(cfg config.TableConfig) int {
	base := cfg.BatchSize
	if base == 0 {
		base = config.DefaultBatchSize
	}

	isLarge := cfg.PerformanceCategory == config.Large || cfg.PerformanceCategory == config.XLarge || cfg.EstimatedSizeMB > largeSizeMBCut

	var size int
	switch cfg.PerformanceCategory {
	case config.Tiny:
		size = base
		if size > tinyBatchCap {
			size = tinyBatchCap
		}
	case config.Small:
		size = base
	case config.Medium:
		size = base * 2
	case config.Large, config.XLarge:
		size = base * 4
	default:
		size = base
	}

	if isLarge && size < base*2 {
		size = base * 2
	}

	return clamp(size, config.MinBatchSize, config.MaxBatchSize)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ShouldUseFullRefresh decides whether a table must be copied/loaded in
// full rather than incrementally. lastWatermark is nil when
// there is no prior successful run.
func ShouldUseFullRefresh(cfg config.TableConfig, lastWatermark *time.Time) bool {
	if len(cfg.IncrementalColumns) == 0 && !cfg.HasPrimaryIncrementalColumn() {
		return true
	}
	if lastWatermark == nil {
		return false
	}
	gapDays := cfg.TimeGapThresholdDays
	if gapDays <= 0 {
		gapDays = config.DefaultTimeGapDays
	}
	return time.Since(*lastWatermark) > time.Duration(gapDays)*24*time.Hour
}

// ExpectedRateFor returns the fixed expected-throughput band (records/sec)
// for a performance category, used only to flag "slow extraction" alerts.
func ExpectedRateFor(category config.PerformanceCategory) int {
	return category.ExpectedThroughput()
}

// IsSlowExtraction reports whether an observed rate falls meaningfully below
// the expected band for the category (below half the expected rate).
func IsSlowExtraction(category config.PerformanceCategory, observedRowsPerSec float64) bool {
	expected := float64(ExpectedRateFor(category))
	if expected <= 0 {
		return false
	}
	return observedRowsPerSec < expected*0.5
}
