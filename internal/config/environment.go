package config

import (
	"os"

	"github.com/opendental-analytics/etl-core/internal/etlerrors"
)

// EnvironmentFromOS implements a fail-fast rule:
// ETL_ENVIRONMENT must be set explicitly to "production" or "test". Any
// other value, or its absence, is a fatal environment error raised before
// any database configuration is read.
func EnvironmentFromOS() (Environment, error) {
	raw, ok := os.LookupEnv("ETL_ENVIRONMENT")
	if !ok || raw == "" {
		return "", &etlerrors.EnvironmentError{Variable: "ETL_ENVIRONMENT", Reason: "must be set to \"production\" or \"test\""}
	}
	env, err := ParseEnvironment(raw)
	if err != nil {
		return "", &etlerrors.EnvironmentError{Variable: "ETL_ENVIRONMENT", Reason: err.Error()}
	}
	return env, nil
}
