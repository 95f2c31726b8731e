// Package connfactory builds pooled MySQL and PostgreSQL connection handles
// from Settings. Each function opens (and verifies) a pooled
// handle; pool parameters come from PipelineConfig.connections.<class>.
package connfactory

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/opendental-analytics/etl-core/internal/config"
	"github.com/opendental-analytics/etl-core/internal/etlerrors"
	"github.com/opendental-analytics/etl-core/internal/settings"

	"database/sql"
)

// startupBackoff governs the handful of retries around the very first ping
// after opening a pool: transient "database still starting up" failures at
// process boot, not the steady-state per-query retries owned by
// connmanager (which follows a fixed attempt-count formula instead).
func startupBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	return backoff.WithContext(b, ctx)
}

// poolClassFor maps a DatabaseType to the PipelineConfig connection class
// name used to look up pool settings.
func poolClassFor(dbType config.DatabaseType) string {
	switch dbType {
	case config.Source:
		return "source"
	case config.Replication:
		return "replication"
	case config.Analytics:
		return "analytics"
	default:
		return "default"
	}
}

func openMySQL(st *settings.Settings, dbType config.DatabaseType) (*sql.DB, error) {
	params, err := st.GetDatabaseConfig(dbType)
	if err != nil {
		return nil, err
	}

	cfg := mysqldriver.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", params.Host, params.Port)
	cfg.User = params.User
	cfg.Passwd = params.Password
	cfg.DBName = params.Database
	cfg.ParseTime = true
	cfg.InterpolateParams = true

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, &etlerrors.ConnectionError{DBType: string(dbType), Cause: err}
	}

	pool := st.Pipeline().ConnectionPool(poolClassFor(dbType))
	db.SetMaxOpenConns(pool.PoolSize)
	db.SetMaxIdleConns(pool.PoolSize)
	db.SetConnMaxLifetime(time.Duration(pool.PoolRecycleSecs) * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(pool.PoolTimeoutSecs)*time.Second)
	defer cancel()

	pingErr := backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, startupBackoff(ctx))
	if pingErr != nil {
		db.Close()
		return nil, &etlerrors.ConnectionError{DBType: string(dbType), Cause: pingErr}
	}

	return db, nil
}

// GetSourceConnection opens a pooled MySQL handle to the source database.
func GetSourceConnection(st *settings.Settings) (*sql.DB, error) {
	return openMySQL(st, config.Source)
}

// GetReplicationConnection opens a pooled MySQL handle to the replication
// database.
func GetReplicationConnection(st *settings.Settings) (*sql.DB, error) {
	return openMySQL(st, config.Replication)
}

// GetAnalyticsConnection opens a pooled PostgreSQL handle bound to the given
// schema via search_path, with an application_name identifier set for
// operational visibility.
func GetAnalyticsConnection(ctx context.Context, st *settings.Settings, schema config.AnalyticsSchema) (*pgxpool.Pool, error) {
	params, err := st.GetDatabaseConfig(config.Analytics)
	if err != nil {
		return nil, err
	}

	pool := st.Pipeline().ConnectionPool(poolClassFor(config.Analytics))

	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?application_name=etl-pipeline&search_path=%s",
		params.User, params.Password, params.Host, params.Port, params.Database, schema,
	)

	pgCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, &etlerrors.ConnectionError{DBType: string(config.Analytics), Cause: err}
	}
	pgCfg.MaxConns = int32(pool.PoolSize)
	pgCfg.MaxConnLifetime = time.Duration(pool.PoolRecycleSecs) * time.Second

	connCtx, cancel := context.WithTimeout(ctx, time.Duration(pool.PoolTimeoutSecs)*time.Second)
	defer cancel()

	p, err := pgxpool.NewWithConfig(connCtx, pgCfg)
	if err != nil {
		return nil, &etlerrors.ConnectionError{DBType: string(config.Analytics), Cause: err}
	}

	pingErr := backoff.Retry(func() error {
		return p.Ping(connCtx)
	}, startupBackoff(connCtx))
	if pingErr != nil {
		p.Close()
		return nil, &etlerrors.ConnectionError{DBType: string(config.Analytics), Cause: pingErr}
	}

	return p, nil
}

// GetRawAnalyticsConnection, GetStagingAnalyticsConnection,
// GetIntermediateAnalyticsConnection, and GetMartsAnalyticsConnection are
// convenience wrappers for the four analytics schemas. Only
// Raw is exercised by the core loader; the others are provided so an outer
// orchestrator building downstream transformation layers (out of scope
// here) has a stable factory surface.
func GetRawAnalyticsConnection(ctx context.Context, st *settings.Settings) (*pgxpool.Pool, error) {
	return GetAnalyticsConnection(ctx, st, config.Raw)
}

func GetStagingAnalyticsConnection(ctx context.Context, st *settings.Settings) (*pgxpool.Pool, error) {
	return GetAnalyticsConnection(ctx, st, config.Staging)
}

func GetIntermediateAnalyticsConnection(ctx context.Context, st *settings.Settings) (*pgxpool.Pool, error) {
	return GetAnalyticsConnection(ctx, st, config.Intermediate)
}

func GetMartsAnalyticsConnection(ctx context.Context, st *settings.Settings) (*pgxpool.Pool, error) {
	return GetAnalyticsConnection(ctx, st, config.Marts)
}
