package config

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// TablesMetadata mirrors tables.yml's read-only metadata block. Every
// field is produced by the schema analyzer; the core never
// writes it.
type TablesMetadata struct {
	GeneratedAt           string `yaml:"generated_at"`
	SourceDatabase        string `yaml:"source_database"`
	TotalTables           int    `yaml:"total_tables"`
	ConfigurationVersion  string `yaml:"configuration_version"`
	AnalyzerVersion       string `yaml:"analyzer_version"`
	SchemaHash            string `yaml:"schema_hash"`
	AnalysisTimestamp     string `yaml:"analysis_timestamp"`
	Environment           string `yaml:"environment"`
}

type tablesDocument struct {
	Metadata TablesMetadata         `yaml:"metadata"`
	Tables   map[string]TableConfig `yaml:"tables"`
}

// ParsedTables is the decoded, validated content of tables.yml.
type ParsedTables struct {
	Metadata TablesMetadata
	Tables   map[string]TableConfig
}

// ParseTables decodes a raw "tables" section into typed TableConfig records,
// applying defaults and validating invariants. strict rejects unknown or
// mistyped fields (schema-analyzer output from a newer configuration_version
// than this binary knows about); non-strict silently ignores unknown keys,
// for forward compatibility. Nothing is logged in either mode.
func ParseTables(raw map[string]any, strict bool) (*ParsedTables, error) {
	docBytes, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("remarshaling tables config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(docBytes))
	dec.KnownFields(strict)

	var doc tablesDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding tables.yml: %w", err)
	}

	out := &ParsedTables{
		Metadata: doc.Metadata,
		Tables:   make(map[string]TableConfig, len(doc.Tables)),
	}

	for name, cfg := range doc.Tables {
		cfg := cfg
		if cfg.TableName == "" {
			cfg.TableName = name
		}
		if err := cfg.NormalizeProcessingPriority(); err != nil {
			return nil, err
		}
		cfg.ApplyDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if cfg.ExtractionStrategy == "" {
			cfg.ExtractionStrategy = FullTable
		}
		if cfg.PerformanceCategory == "" {
			cfg.PerformanceCategory = Medium
		}
		if cfg.TableImportance == "" {
			cfg.TableImportance = Standard
		}
		out.Tables[name] = cfg
	}

	return out, nil
}
