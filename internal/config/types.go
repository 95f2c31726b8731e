// Package config defines the static, declarative configuration model that
// drives both pipeline stages: PipelineConfig, TableConfig, the Environment/
// DatabaseType/AnalyticsSchema enums, and the Provider abstraction that
// resolves them from either files or an injected dictionary (tests).
//
// TableConfig is owned by the schema analyzer, not this package;
// this package only reads tables.yml, it never writes it back.
package config

import (
	"fmt"
	"strings"
)

// Environment tags which namespace of variables Settings resolves from.
// There is no default: it must be determined explicitly from ETL_ENVIRONMENT.
type Environment string

const (
	Production Environment = "production"
	Test       Environment = "test"
)

// ParseEnvironment validates a raw ETL_ENVIRONMENT value.
func ParseEnvironment(raw string) (Environment, error) {
	switch Environment(raw) {
	case Production:
		return Production, nil
	case Test:
		return Test, nil
	default:
		return "", fmt.Errorf("invalid ETL_ENVIRONMENT %q: must be %q or %q", raw, Production, Test)
	}
}

// DatabaseType identifies one of the three databases the pipeline touches.
type DatabaseType string

const (
	Source      DatabaseType = "SOURCE"
	Replication DatabaseType = "REPLICATION"
	Analytics   DatabaseType = "ANALYTICS"
)

// AnalyticsSchema identifies a schema within the analytics PostgreSQL
// database. Only Raw is used by the core loader; the others are named so
// downstream transformation layers (out of scope) have a stable enum to
// reference.
type AnalyticsSchema string

const (
	Raw          AnalyticsSchema = "raw"
	Staging      AnalyticsSchema = "staging"
	Intermediate AnalyticsSchema = "intermediate"
	Marts        AnalyticsSchema = "marts"
)

// TableImportance classifies how critical a table is to downstream consumers.
type TableImportance string

const (
	Critical  TableImportance = "critical"
	Important TableImportance = "important"
	Audit     TableImportance = "audit"
	Reference TableImportance = "reference"
	Standard  TableImportance = "standard"
)

// ExtractionStrategy selects how a table is copied/loaded.
type ExtractionStrategy string

const (
	FullTable          ExtractionStrategy = "full_table"
	Incremental        ExtractionStrategy = "incremental"
	IncrementalChunked ExtractionStrategy = "incremental_chunked"
)

// PerformanceCategory buckets a table by size/throughput expectations.
type PerformanceCategory string

const (
	Tiny   PerformanceCategory = "tiny"
	Small  PerformanceCategory = "small"
	Medium PerformanceCategory = "medium"
	Large  PerformanceCategory = "large"
	XLarge PerformanceCategory = "xlarge"
)

const (
	MinBatchSize     = 1000
	MaxBatchSize     = 100000
	DefaultBatchSize = 5000
	DefaultTimeGapDays = 30
)

// ColumnDef describes one column of a table as captured by the schema
// analyzer at analysis time.
type ColumnDef struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Nullable   bool   `yaml:"nullable"`
	PrimaryKey bool   `yaml:"primary_key"`
}

// Monitoring holds per-table alerting flags. Actually raising alerts is the
// orchestrator's job; the core parses the flags but does not act on them,
// store them in the tracking tables, or log them.
type Monitoring struct {
	AlertOnFailure        bool `yaml:"alert_on_failure"`
	AlertOnSlowExtraction bool `yaml:"alert_on_slow_extraction"`
}

// TableConfig is the central per-table decision record driving both stages.
type TableConfig struct {
	TableName                string              `yaml:"table_name"`
	TableImportance          TableImportance     `yaml:"table_importance"`
	ExtractionStrategy       ExtractionStrategy  `yaml:"extraction_strategy"`
	PerformanceCategory      PerformanceCategory `yaml:"performance_category"`
	ProcessingPriority       int                 `yaml:"-"`
	EstimatedRows            int64               `yaml:"estimated_rows"`
	EstimatedSizeMB          float64             `yaml:"estimated_size_mb"`
	BatchSize                int                 `yaml:"batch_size"`
	PrimaryIncrementalColumn *string             `yaml:"primary_incremental_column"`
	IncrementalColumns       []string            `yaml:"incremental_columns"`
	TimeGapThresholdDays     int                 `yaml:"time_gap_threshold_days"`
	Monitoring               Monitoring         `yaml:"monitoring"`
	SchemaHash               string              `yaml:"schema_hash"`
	PrimaryKeys               []string           `yaml:"primary_keys"`
	Columns                    []ColumnDef        `yaml:"columns"`

	// RawProcessingPriority holds whatever scalar tables.yml carried in the
	// processing_priority field (an int, or one of high/medium/low) before
	// normalization into ProcessingPriority. Populated by the tables.yml
	// decoder since yaml.v3 can't unmarshal a union type directly.
	RawProcessingPriority any `yaml:"processing_priority"`
}

// HasPrimaryIncrementalColumn reports whether a usable primary incremental
// column is configured. Both the YAML literal "none" and an absent/empty
// value mean "no primary column", resolving the open question about
// honoring both None and "none" on read.
func (t *TableConfig) HasPrimaryIncrementalColumn() bool {
	if t.PrimaryIncrementalColumn == nil {
		return false
	}
	v := strings.TrimSpace(*t.PrimaryIncrementalColumn)
	return v != "" && !strings.EqualFold(v, "none")
}

// NormalizeProcessingPriority resolves RawProcessingPriority (an int or a
// high/medium/low alias) into ProcessingPriority, clamped to [1,10].
func (t *TableConfig) NormalizeProcessingPriority() error {
	switch v := t.RawProcessingPriority.(type) {
	case nil:
		t.ProcessingPriority = 5
	case int:
		t.ProcessingPriority = clampPriority(v)
	case int64:
		t.ProcessingPriority = clampPriority(int(v))
	case float64:
		t.ProcessingPriority = clampPriority(int(v))
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "high":
			t.ProcessingPriority = 1
		case "medium":
			t.ProcessingPriority = 5
		case "low":
			t.ProcessingPriority = 10
		default:
			return fmt.Errorf("table %q: invalid processing_priority alias %q", t.TableName, v)
		}
	default:
		return fmt.Errorf("table %q: invalid processing_priority type %T", t.TableName, v)
	}
	return nil
}

func clampPriority(v int) int {
	if v < 1 {
		return 1
	}
	if v > 10 {
		return 10
	}
	return v
}

// ApplyDefaults fills in zero-valued optional fields and clamps batch_size
// into [MinBatchSize, MaxBatchSize].
func (t *TableConfig) ApplyDefaults() {
	if t.BatchSize == 0 {
		t.BatchSize = DefaultBatchSize
	}
	if t.BatchSize < MinBatchSize {
		t.BatchSize = MinBatchSize
	}
	if t.BatchSize > MaxBatchSize {
		t.BatchSize = MaxBatchSize
	}
	if t.TimeGapThresholdDays <= 0 {
		t.TimeGapThresholdDays = DefaultTimeGapDays
	}
}

// Validate checks the invariants that aren't mechanically
// enforced by defaulting/clamping. It does not mutate the strategy: a table
// config that asks for incremental copying with no usable column degrades to
// full_table at runtime (optimizer.ShouldUseFullRefresh), it is not a config
// error by itself.
func (t *TableConfig) Validate() error {
	if t.TableName == "" {
		return fmt.Errorf("table_name is required")
	}
	switch t.TableImportance {
	case Critical, Important, Audit, Reference, Standard, "":
	default:
		return fmt.Errorf("table %q: invalid table_importance %q", t.TableName, t.TableImportance)
	}
	switch t.ExtractionStrategy {
	case FullTable, Incremental, IncrementalChunked, "":
	default:
		return fmt.Errorf("table %q: invalid extraction_strategy %q", t.TableName, t.ExtractionStrategy)
	}
	switch t.PerformanceCategory {
	case Tiny, Small, Medium, Large, XLarge, "":
	default:
		return fmt.Errorf("table %q: invalid performance_category %q", t.TableName, t.PerformanceCategory)
	}
	if t.EstimatedRows < 0 {
		return fmt.Errorf("table %q: estimated_rows must be non-negative", t.TableName)
	}
	if t.EstimatedSizeMB < 0 {
		return fmt.Errorf("table %q: estimated_size_mb must be non-negative", t.TableName)
	}
	return nil
}

// ExpectedThroughput maps a performance category to an expected records/sec
// band, used only by the optimizer to flag slow extraction.
func (c PerformanceCategory) ExpectedThroughput() int {
	switch c {
	case Tiny:
		return 5000
	case Small:
		return 3000
	case Medium:
		return 1500
	case Large:
		return 750
	case XLarge:
		return 300
	default:
		return 1000
	}
}
