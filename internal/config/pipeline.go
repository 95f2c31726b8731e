package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ConnectionPoolConfig holds pool/timeout settings for one connection class
// (source, replication, analytics).
type ConnectionPoolConfig struct {
	PoolSize        int `yaml:"pool_size"`
	PoolTimeoutSecs int `yaml:"pool_timeout_seconds"`
	PoolRecycleSecs int `yaml:"pool_recycle_seconds"`
}

func (c *ConnectionPoolConfig) applyDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = 5
	}
	if c.PoolTimeoutSecs <= 0 {
		c.PoolTimeoutSecs = 30
	}
	if c.PoolRecycleSecs <= 0 {
		c.PoolRecycleSecs = 3600
	}
}

// StageConfig holds per-stage (replicator/loader) enablement and timeouts.
type StageConfig struct {
	Enabled        bool `yaml:"enabled"`
	TimeoutMinutes int  `yaml:"timeout_minutes"`
	ErrorThreshold int  `yaml:"error_threshold"`
}

func (s *StageConfig) applyDefaults() {
	if s.TimeoutMinutes <= 0 {
		s.TimeoutMinutes = 60
	}
}

// GeneralConfig holds pipeline-wide settings.
type GeneralConfig struct {
	PipelineName      string `yaml:"pipeline_name"`
	EnvironmentLabel  string `yaml:"environment_label"`
	BatchSize         int    `yaml:"batch_size"`
	ParallelJobs      int    `yaml:"parallel_jobs"`
	LogLevel          string `yaml:"log_level"`
}

func (g *GeneralConfig) applyDefaults() {
	if g.BatchSize <= 0 {
		g.BatchSize = DefaultBatchSize
	}
	if g.ParallelJobs <= 0 {
		g.ParallelJobs = 4
	}
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
}

// ErrorHandlingConfig holds retry counts/delays used when the pipeline
// itself (not the Connection Manager) needs to reason about retries, e.g.
// for orchestrator-level table re-scheduling.
type ErrorHandlingConfig struct {
	MaxRetries   int     `yaml:"max_retries"`
	RetryDelaySecs float64 `yaml:"retry_delay_seconds"`
}

func (e *ErrorHandlingConfig) applyDefaults() {
	if e.MaxRetries <= 0 {
		e.MaxRetries = 3
	}
	if e.RetryDelaySecs <= 0 {
		e.RetryDelaySecs = 1.0
	}
}

// PipelineConfig is the top-level general/connection/stage configuration
// loaded from pipeline.yml.
type PipelineConfig struct {
	General       GeneralConfig                   `yaml:"general"`
	Connections   map[string]ConnectionPoolConfig `yaml:"connections"`
	Stages        map[string]StageConfig          `yaml:"stages"`
	ErrorHandling ErrorHandlingConfig              `yaml:"error_handling"`
}

// ConnectionPool returns the pool config for a connection class, applying
// defaults if the key is absent from pipeline.yml.
func (p *PipelineConfig) ConnectionPool(class string) ConnectionPoolConfig {
	c := p.Connections[class]
	c.applyDefaults()
	return c
}

// Stage returns the stage config for a named stage ("replicator"/"loader"),
// applying defaults if absent.
func (p *PipelineConfig) Stage(name string) StageConfig {
	s := p.Stages[name]
	s.applyDefaults()
	return s
}

func (p *PipelineConfig) applyDefaults() {
	p.General.applyDefaults()
	p.ErrorHandling.applyDefaults()
}

// ParsePipeline decodes a raw "pipeline" section (as returned by
// Provider.GetConfig) into a typed PipelineConfig, applying defaults for
// anything the file omitted.
func ParsePipeline(raw map[string]any) (*PipelineConfig, error) {
	out, err := remarshal[PipelineConfig](raw)
	if err != nil {
		return nil, fmt.Errorf("parsing pipeline config: %w", err)
	}
	out.applyDefaults()
	return out, nil
}

// remarshal round-trips a generic map through YAML into a typed struct. This
// reuses the same yaml.v3 tags used for direct file decoding, so the
// Dictionary provider (which hands us plain Go maps built by tests) and the
// File provider (which hands us maps produced by yaml.Unmarshal) behave
// identically.
func remarshal[T any](raw map[string]any) (*T, error) {
	bytes, err := yaml.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var out T
	if err := yaml.Unmarshal(bytes, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
