// Package metrics exposes Prometheus gauges/counters for the replicator and
// loader's throughput. The replicator and loader update RowsCopied,
// RowsLoaded and TableDuration; nothing in this module sets ExtractionRate,
// and the optimizer does not read or write any of these metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// RowsCopied counts rows moved by the replicator, per table and status.
	RowsCopied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "etl",
			Subsystem: "replicator",
			Name:      "rows_copied_total",
			Help:      "Rows copied from source to replication MySQL, by table and status.",
		},
		[]string{"table", "status"},
	)

	// RowsLoaded counts rows moved by the loader, per table and status.
	RowsLoaded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "etl",
			Subsystem: "loader",
			Name:      "rows_loaded_total",
			Help:      "Rows loaded from replication MySQL to analytics PostgreSQL, by table and status.",
		},
		[]string{"table", "status"},
	)

	// ExtractionRate reports the most recent observed rows/sec for a table,
	// used to compare against optimizer.ExpectedRateFor.
	ExtractionRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "etl",
			Name:      "extraction_rows_per_second",
			Help:      "Most recently observed extraction throughput, by table.",
		},
		[]string{"table"},
	)

	// TableDuration records how long a single table's copy or load took.
	TableDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "etl",
			Name:      "table_duration_seconds",
			Help:      "Wall-clock duration of a single table's copy or load.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"stage", "table"},
	)
)

// MustRegister registers all metrics with reg. Call once at process startup;
// tests that don't care about metrics can skip it entirely since the vecs
// above work unregistered.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(RowsCopied, RowsLoaded, ExtractionRate, TableDuration)
}
