package config

import "github.com/opendental-analytics/etl-core/internal/etlerrors"

// DictConfigProvider holds three mappings supplied at construction. It never
// touches the filesystem or process environment — used by tests to inject
// deterministic configuration.
type DictConfigProvider struct {
	Pipeline map[string]any
	Tables   map[string]any
	Env      map[string]string
}

// NewDictConfigProvider builds a DictConfigProvider from the three sections.
func NewDictConfigProvider(pipeline, tables map[string]any, env map[string]string) *DictConfigProvider {
	if pipeline == nil {
		pipeline = map[string]any{}
	}
	if tables == nil {
		tables = map[string]any{}
	}
	if env == nil {
		env = map[string]string{}
	}
	return &DictConfigProvider{Pipeline: pipeline, Tables: tables, Env: env}
}

// GetConfig implements Provider.
func (p *DictConfigProvider) GetConfig(section Section) (map[string]any, error) {
	switch section {
	case SectionPipeline:
		return p.Pipeline, nil
	case SectionTables:
		return p.Tables, nil
	case SectionEnv:
		out := make(map[string]any, len(p.Env))
		for k, v := range p.Env {
			out[k] = v
		}
		return out, nil
	default:
		return nil, &etlerrors.ConfigurationError{Section: string(section), Reason: "unknown configuration section"}
	}
}
