// Package etlerrors defines the closed error taxonomy shared by every stage
// of the pipeline. These are distinct kinds, not a class hierarchy: callers
// distinguish them with errors.As, never by inspecting error strings.
package etlerrors

import "fmt"

// EnvironmentError signals that ETL_ENVIRONMENT is unset/invalid or that a
// required environment variable is missing for the requested database. It is
// always fatal: the process aborts before touching any table.
type EnvironmentError struct {
	Variable string
	Reason   string
}

func (e *EnvironmentError) Error() string {
	if e.Variable == "" {
		return fmt.Sprintf("environment error: %s", e.Reason)
	}
	return fmt.Sprintf("environment error: %s: %s", e.Variable, e.Reason)
}

// ConfigurationError signals a missing/malformed config file or section, or
// an absent etl_copy_status tracking table. Config file errors are returned
// from Settings construction before any table is touched; the absent
// tracking table is reported per table (CopyTable logs it and returns
// false). An unknown table name is not reported with this error: CopyTable
// and LoadTable return false for it.
type ConfigurationError struct {
	Section string
	Path    string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("configuration error [%s] %s: %s", e.Section, e.Path, e.Reason)
	}
	return fmt.Sprintf("configuration error [%s]: %s", e.Section, e.Reason)
}

// ConnectionError signals failure to open or reopen a pooled connection.
type ConnectionError struct {
	DBType string
	Cause  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("database connection error (%s): %v", e.DBType, e.Cause)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// QueryError signals a query that failed after all retry attempts.
type QueryError struct {
	Table string
	SQL   string
	Cause error
}

func (e *QueryError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("database query error on %s: %v", e.Table, e.Cause)
	}
	return fmt.Sprintf("database query error: %v", e.Cause)
}

func (e *QueryError) Unwrap() error { return e.Cause }

// SchemaValidationError signals that MySQL DDL could not be parsed, or that
// PostgreSQL introspection disagreed with the expected translation.
type SchemaValidationError struct {
	Table  string
	Reason string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("schema validation error on %s: %s", e.Table, e.Reason)
}

// DataLoadingError signals a row-level conversion failure, a non-transient
// batch insert failure, or a failed row-count verification gate.
type DataLoadingError struct {
	Table string
	Cause error
}

func (e *DataLoadingError) Error() string {
	return fmt.Sprintf("data loading error on %s: %v", e.Table, e.Cause)
}

func (e *DataLoadingError) Unwrap() error { return e.Cause }
