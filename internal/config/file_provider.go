package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/opendental-analytics/etl-core/internal/etlerrors"
	"gopkg.in/yaml.v3"
)

// FileConfigProvider reads pipeline.yml and tables.yml from a configured
// directory, and resolves "env" from the process environment augmented by
// the .env_<environment> file selected by the Environment it was built with
// Loaded once at construction; safe for concurrent reads
// afterward since everything is immutable.
type FileConfigProvider struct {
	dir      string
	pipeline map[string]any
	tables   map[string]any
	env      map[string]string
}

// NewFileConfigProvider loads pipeline.yml/tables.yml from dir and merges
// the process environment over the .env_<env> file found in dir (or the
// current working directory if dir is empty).
func NewFileConfigProvider(dir string, env Environment) (*FileConfigProvider, error) {
	p := &FileConfigProvider{dir: dir}

	pipelinePath := filepath.Join(dir, "pipeline.yml")
	pipelineRaw, err := loadYAMLFile(pipelinePath)
	if err != nil {
		return nil, err
	}
	p.pipeline = pipelineRaw

	tablesPath := filepath.Join(dir, "tables.yml")
	tablesRaw, err := loadYAMLFile(tablesPath)
	if err != nil {
		return nil, err
	}
	p.tables = tablesRaw

	envPath := filepath.Join(dir, fmt.Sprintf(".env_%s", env))
	fileVars, err := godotenv.Read(envPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, &etlerrors.ConfigurationError{Section: string(SectionEnv), Path: envPath, Reason: err.Error()}
		}
		fileVars = map[string]string{}
	}

	merged := make(map[string]string, len(fileVars)+len(os.Environ()))
	for k, v := range fileVars {
		merged[k] = v
	}
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				merged[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	p.env = merged

	return p, nil
}

func loadYAMLFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing tables.yml/pipeline.yml is a configuration error the
			// caller must fail fast on; an empty map here would silently
			// degrade every table to defaults.
			return nil, &etlerrors.ConfigurationError{Path: path, Reason: "file not found"}
		}
		return nil, &etlerrors.ConfigurationError{Path: path, Reason: err.Error()}
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &etlerrors.ConfigurationError{Path: path, Reason: fmt.Sprintf("unparsable YAML: %v", err)}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// GetConfig implements Provider.
func (p *FileConfigProvider) GetConfig(section Section) (map[string]any, error) {
	switch section {
	case SectionPipeline:
		return p.pipeline, nil
	case SectionTables:
		return p.tables, nil
	case SectionEnv:
		out := make(map[string]any, len(p.env))
		for k, v := range p.env {
			out[k] = v
		}
		return out, nil
	default:
		return nil, &etlerrors.ConfigurationError{Section: string(section), Reason: "unknown configuration section"}
	}
}
