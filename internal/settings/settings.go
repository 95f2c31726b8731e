// Package settings implements the environment-aware facade over a
// config.Provider. Settings is a plain value constructed via
// dependency injection — there is no global mutable "current settings"
// singleton.
package settings

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/opendental-analytics/etl-core/internal/config"
	"github.com/opendental-analytics/etl-core/internal/etlerrors"
)

// ConnectionParams is the resolved set of connection parameters for one
// database.
type ConnectionParams struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	Schema   string // set only for ANALYTICS
}

// Settings holds an Environment tag and a Provider reference, and exposes
// typed accessors over both tables.yml and the environment.
type Settings struct {
	env      config.Environment
	provider config.Provider
	pipeline *config.PipelineConfig
	tables   *config.ParsedTables
}

// New constructs a Settings directly from an Environment and Provider — the
// dependency-injection path used by tests (with a DictConfigProvider) and by
// the production entry point alike.
func New(env config.Environment, provider config.Provider) (*Settings, error) {
	if env != config.Production && env != config.Test {
		return nil, &etlerrors.EnvironmentError{Variable: "ETL_ENVIRONMENT", Reason: fmt.Sprintf("invalid environment %q", env)}
	}

	pipelineRaw, err := provider.GetConfig(config.SectionPipeline)
	if err != nil {
		return nil, err
	}
	pipeline, err := config.ParsePipeline(pipelineRaw)
	if err != nil {
		return nil, &etlerrors.ConfigurationError{Section: string(config.SectionPipeline), Reason: err.Error()}
	}

	tablesRaw, err := provider.GetConfig(config.SectionTables)
	if err != nil {
		return nil, err
	}
	tables, err := config.ParseTables(tablesRaw, false)
	if err != nil {
		return nil, &etlerrors.ConfigurationError{Section: string(config.SectionTables), Reason: err.Error()}
	}

	return &Settings{env: env, provider: provider, pipeline: pipeline, tables: tables}, nil
}

// NewFromOS implements the production FAIL FAST path: it determines the
// environment from ETL_ENVIRONMENT before reading any database
// configuration, then loads tables.yml/pipeline.yml from dir.
func NewFromOS(dir string) (*Settings, error) {
	env, err := config.EnvironmentFromOS()
	if err != nil {
		return nil, err
	}
	provider, err := config.NewFileConfigProvider(dir, env)
	if err != nil {
		return nil, err
	}
	return New(env, provider)
}

// Environment returns the Settings' environment tag.
func (s *Settings) Environment() config.Environment { return s.env }

// Pipeline returns the parsed pipeline.yml configuration.
func (s *Settings) Pipeline() *config.PipelineConfig { return s.pipeline }

// envVarNames returns the ordered {host,port,db,user,password[,schema]} env
// var names for a database type, following a fixed naming table.
func (s *Settings) envVarNames(dbType config.DatabaseType) ([]string, error) {
	var base string
	withSchema := false
	switch dbType {
	case config.Source:
		base = "OPENDENTAL_SOURCE"
	case config.Replication:
		base = "MYSQL_REPLICATION"
	case config.Analytics:
		base = "POSTGRES_ANALYTICS"
		withSchema = true
	default:
		return nil, &etlerrors.ConfigurationError{Reason: fmt.Sprintf("unknown database type %q", dbType)}
	}

	prefix := ""
	if s.env == config.Test {
		prefix = "TEST_"
	}

	names := []string{
		prefix + base + "_HOST",
		prefix + base + "_PORT",
		prefix + base + "_DB",
		prefix + base + "_USER",
		prefix + base + "_PASSWORD",
	}
	if withSchema {
		names = append(names, prefix+base+"_SCHEMA")
	}
	return names, nil
}

// GetDatabaseConfig resolves {host,port,database,user,password} (plus schema
// for ANALYTICS) from the provider's env map.
func (s *Settings) GetDatabaseConfig(dbType config.DatabaseType) (ConnectionParams, error) {
	names, err := s.envVarNames(dbType)
	if err != nil {
		return ConnectionParams{}, err
	}

	values := make([]string, len(names))
	for i, name := range names {
		v, ok := config.GetEnv(s.provider, name)
		if !ok || v == "" {
			return ConnectionParams{}, &etlerrors.EnvironmentError{Variable: name, Reason: "required environment variable is missing"}
		}
		values[i] = v
	}

	port, err := strconv.Atoi(values[1])
	if err != nil {
		return ConnectionParams{}, &etlerrors.EnvironmentError{Variable: names[1], Reason: "must be a valid port number"}
	}

	params := ConnectionParams{
		Host:     values[0],
		Port:     port,
		Database: values[2],
		User:     values[3],
		Password: values[4],
	}
	if len(values) > 5 {
		params.Schema = values[5]
	}
	return params, nil
}

// GetTableConfig returns the TableConfig for a named table, or false if none
// is configured.
func (s *Settings) GetTableConfig(name string) (config.TableConfig, bool) {
	t, ok := s.tables.Tables[name]
	return t, ok
}

// ListTables returns every configured TableConfig, ordered by table name for
// deterministic iteration.
func (s *Settings) ListTables() []config.TableConfig {
	out := make([]config.TableConfig, 0, len(s.tables.Tables))
	for _, t := range s.tables.Tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TableName < out[j].TableName })
	return out
}

// Validate verifies that all required env vars for every DatabaseType are
// present and non-empty under the current environment.
func (s *Settings) Validate() error {
	var missing []string
	for _, dbType := range []config.DatabaseType{config.Source, config.Replication, config.Analytics} {
		names, err := s.envVarNames(dbType)
		if err != nil {
			return err
		}
		for _, name := range names {
			v, ok := config.GetEnv(s.provider, name)
			if !ok || v == "" {
				missing = append(missing, name)
			}
		}
	}
	if len(missing) > 0 {
		return &etlerrors.EnvironmentError{Reason: "missing required environment variables: " + strings.Join(missing, ", ")}
	}
	return nil
}
