// Package loader implements the replication-MySQL-to-analytics-PostgreSQL
// table mover: schema creation via the Schema Adapter, watermark-based
// incremental extraction, and a single load path that streams one SELECT
// per table and writes it in chunk-size batches. The load path is the same
// for every performance category; strategyFor classifies a table but load
// does not consult it.
package loader

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/opendental-analytics/etl-core/internal/config"
	"github.com/opendental-analytics/etl-core/internal/connmanager"
	"github.com/opendental-analytics/etl-core/internal/etllog"
	"github.com/opendental-analytics/etl-core/internal/metrics"
	"github.com/opendental-analytics/etl-core/internal/optimizer"
	"github.com/opendental-analytics/etl-core/internal/pgexec"
	"github.com/opendental-analytics/etl-core/internal/schema"
	"github.com/opendental-analytics/etl-core/internal/settings"
	"github.com/opendental-analytics/etl-core/internal/tracking"
)

const largeSizeMBCut = 100.0
const largeRowCountCut = 1_000_000

// PostgresLoader copies configured tables from the replication MySQL into
// the analytics PostgreSQL raw schema.
type PostgresLoader struct {
	replication *sql.DB
	pg          pgexec.Executor
	pool        *pgxpool.Pool // non-nil when pg is backed by a real pool; nil under test fakes
	st          *settings.Settings
	schemaName  config.AnalyticsSchema
	tracking    *tracking.LoadStatusStore
}

// New builds a PostgresLoader over a replication MySQL connection, a pooled
// analytics PostgreSQL executor, and Settings. When pg is a *pgxpool.Pool
// (the production case), schema creation, row writes and VerifyLoad's count
// are routed through a table-scoped connmanager.PostgresManager so transient
// connection failures are retried; etl_load_status reads and writes use pg
// directly. Test fakes that merely satisfy pgexec.Executor skip that
// wrapping and are used directly.
func New(replication *sql.DB, pg pgexec.Executor, st *settings.Settings, schemaName config.AnalyticsSchema) *PostgresLoader {
	pool, _ := pg.(*pgxpool.Pool)
	return &PostgresLoader{
		replication: replication,
		pg:          pg,
		pool:        pool,
		st:          st,
		schemaName:  schemaName,
		tracking:    tracking.NewLoadStatusStore(pg, string(schemaName)),
	}
}

// LoadTable runs the per-table load algorithm with the optimizer's adaptive
// chunk size.
func (l *PostgresLoader) LoadTable(ctx context.Context, name string, forceFull bool) bool {
	return l.load(ctx, name, forceFull, 0)
}

// LoadTableChunked is LoadTable with an explicit chunk size override; a
// chunkSize of 0 or less falls back to the optimizer's adaptive size.
func (l *PostgresLoader) LoadTableChunked(ctx context.Context, name string, forceFull bool, chunkSize int) bool {
	return l.load(ctx, name, forceFull, chunkSize)
}

// pgExecutorFor returns the executor this table's operations should use: a
// fresh table-bound PostgresManager (one manager per worker, torn down with
// the call) when backed by a real pool, otherwise the executor passed to
// New unchanged.
func (l *PostgresLoader) pgExecutorFor(name string) (pgexec.Executor, func()) {
	if l.pool == nil {
		return l.pg, func() {}
	}
	mgr := connmanager.NewPostgresManager(l.pool)
	return mgr.BoundTo(name), mgr.Close
}

func (l *PostgresLoader) load(ctx context.Context, name string, forceFull bool, chunkSizeOverride int) bool {
	log := etllog.Get("loader")

	cfg, ok := l.st.GetTableConfig(name)
	if !ok {
		log.Warnw("no table configuration, skipping", "table", name)
		return false
	}

	if err := l.tracking.EnsureExists(ctx); err != nil {
		log.Errorw("could not ensure etl_load_status exists", "table", name, "error", err)
		return false
	}

	pgExec, closeMgr := l.pgExecutorFor(name)
	defer closeMgr()

	sourceMgr := connmanager.NewMySQLManager(l.replication)
	defer sourceMgr.Close()

	ddl, err := showCreateTable(ctx, sourceMgr, name)
	if err != nil {
		log.Errorw("fetching source DDL failed", "table", name, "error", err)
		l.recordFailure(ctx, name)
		return false
	}

	adapter := schema.New(pgExec)
	if err := adapter.EnsureTableExists(ctx, l.replication, l.schemaName, name, ddl); err != nil {
		log.Errorw("schema creation failed", "table", name, "error", err)
		l.recordFailure(ctx, name)
		return false
	}

	status, _, _ := l.tracking.Get(ctx, name)
	var lastLoaded *time.Time
	if !status.LastLoaded.IsZero() {
		t := status.LastLoaded
		lastLoaded = &t
	}

	chunkSize := chunkSizeOverride
	if chunkSize <= 0 {
		chunkSize = optimizer.CalculateAdaptiveBatchSize(cfg)
	}

	start := time.Now()
	n, err := l.loadRows(ctx, cfg, forceFull, lastLoaded, chunkSize, sourceMgr, pgExec)
	metrics.TableDuration.WithLabelValues("load", name).Observe(time.Since(start).Seconds())
	if err != nil {
		log.Errorw("loading rows failed", "table", name, "error", err)
		l.recordFailure(ctx, name)
		metrics.RowsLoaded.WithLabelValues(name, tracking.StatusFailed).Add(0)
		return false
	}

	now := time.Now().UTC()
	if err := l.tracking.Upsert(ctx, tracking.LoadStatus{
		TableName:  name,
		LastLoaded: now,
		RowsLoaded: n,
		LoadStatus: tracking.StatusSuccess,
	}); err != nil {
		log.Errorw("failed to record load status", "table", name, "error", err)
	}
	metrics.RowsLoaded.WithLabelValues(name, tracking.StatusSuccess).Add(float64(n))

	return true
}

func (l *PostgresLoader) recordFailure(ctx context.Context, name string) {
	_ = l.tracking.Upsert(ctx, tracking.LoadStatus{
		TableName:  name,
		LastLoaded: time.Now().UTC(),
		RowsLoaded: 0,
		LoadStatus: tracking.StatusFailed,
	})
}

// strategyFor classifies a table as "standard" or "chunked" based on table
// size and category. load does not call it: every table, whatever its
// class, goes through the same loadRows path, which streams rows into
// PostgreSQL in fixed-size batches.
func strategyFor(cfg config.TableConfig) string {
	if cfg.PerformanceCategory == config.Large || cfg.PerformanceCategory == config.XLarge ||
		cfg.EstimatedSizeMB > largeSizeMBCut || cfg.EstimatedRows > largeRowCountCut {
		return "chunked"
	}
	return "standard"
}

// loadRows reads rows from the replication MySQL (via sourceMgr) and writes
// them into the analytics PostgreSQL (via pgExec), both of which are already
// bound to this table's Connection Manager scope by the caller.
func (l *PostgresLoader) loadRows(ctx context.Context, cfg config.TableConfig, forceFull bool, lastLoaded *time.Time, chunkSize int, sourceMgr *connmanager.MySQLManager, pgExec pgexec.Executor) (int64, error) {
	query, args := buildExtractionQuery(cfg, forceFull, lastLoaded)

	rows, err := sourceMgr.QueryContext(ctx, cfg.TableName, query, args...)
	if err != nil {
		return 0, fmt.Errorf("querying replication %s: %w", cfg.TableName, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return 0, err
	}

	isFullRefresh := forceFull || cfg.ExtractionStrategy == config.FullTable || lastLoaded == nil
	if isFullRefresh {
		if _, err := pgExec.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s.%s", l.schemaName, quoteIdentPG(cfg.TableName))); err != nil {
			return 0, fmt.Errorf("truncating analytics %s: %w", cfg.TableName, err)
		}
	}

	var total int64
	batch := make([][]any, 0, chunkSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		stmt, args := insertStatement(l.schemaName, cfg.TableName, columns, len(batch), cfg.PrimaryKeys)
		flatArgs := make([]any, 0, len(batch)*len(columns))
		for _, row := range batch {
			flatArgs = append(flatArgs, row...)
		}
		if _, err := pgExec.Exec(ctx, stmt, append(args, flatArgs...)...); err != nil {
			return fmt.Errorf("inserting into analytics %s: %w", cfg.TableName, err)
		}
		total += int64(len(batch))
		batch = batch[:0]
		return nil
	}

	for rows.Next() {
		vals := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return total, fmt.Errorf("scanning row from %s: %w", cfg.TableName, err)
		}
		batch = append(batch, vals)
		if len(batch) >= chunkSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return total, err
	}
	if err := flush(); err != nil {
		return total, err
	}

	return total, nil
}

// buildExtractionQuery builds the row-extraction query for a table.
func buildExtractionQuery(cfg config.TableConfig, forceFull bool, lastLoaded *time.Time) (string, []any) {
	table := quoteIdentMySQL(cfg.TableName)

	if forceFull || lastLoaded == nil || len(cfg.IncrementalColumns) == 0 {
		return "SELECT * FROM " + table, nil
	}

	if len(cfg.IncrementalColumns) == 1 {
		return fmt.Sprintf("SELECT * FROM %s WHERE %s > ?", table, quoteIdentMySQL(cfg.IncrementalColumns[0])), []any{*lastLoaded}
	}

	var preds []string
	var args []any
	for _, col := range cfg.IncrementalColumns {
		preds = append(preds, fmt.Sprintf("%s > ?", quoteIdentMySQL(col)))
		args = append(args, *lastLoaded)
	}
	return fmt.Sprintf("SELECT * FROM %s WHERE %s", table, strings.Join(preds, " OR ")), args
}

// insertStatement builds a multi-row INSERT for PostgreSQL, upserting on the
// table's primary key(s) if known, otherwise a plain append-only insert
// (one INSERT per flushed batch).
func insertStatement(schemaName config.AnalyticsSchema, table string, columns []string, rowCount int, primaryKeys []string) (string, []any) {
	var b strings.Builder
	quotedCols := make([]string, len(columns))
	for i, c := range columns {
		quotedCols[i] = quoteIdentPG(c)
	}
	fmt.Fprintf(&b, "INSERT INTO %s.%s (%s) VALUES ", schemaName, quoteIdentPG(table), strings.Join(quotedCols, ", "))

	n := len(columns)
	placeholder := 1
	rowsSQL := make([]string, rowCount)
	for r := 0; r < rowCount; r++ {
		ph := make([]string, n)
		for c := 0; c < n; c++ {
			ph[c] = fmt.Sprintf("$%d", placeholder)
			placeholder++
		}
		rowsSQL[r] = "(" + strings.Join(ph, ", ") + ")"
	}
	b.WriteString(strings.Join(rowsSQL, ", "))

	if len(primaryKeys) > 0 {
		quotedPK := make([]string, len(primaryKeys))
		for i, k := range primaryKeys {
			quotedPK[i] = quoteIdentPG(k)
		}
		b.WriteString(fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET ", strings.Join(quotedPK, ", ")))
		var updates []string
		for _, c := range columns {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdentPG(c), quoteIdentPG(c)))
		}
		b.WriteString(strings.Join(updates, ", "))
	}

	return b.String(), nil
}

// VerifyLoad compares row counts between the replication MySQL and the
// analytics PostgreSQL.
func (l *PostgresLoader) VerifyLoad(ctx context.Context, name string) (bool, error) {
	sourceMgr := connmanager.NewMySQLManager(l.replication)
	defer sourceMgr.Close()

	row, err := sourceMgr.QueryRowContext(ctx, name, "SELECT COUNT(*) FROM "+quoteIdentMySQL(name))
	if err != nil {
		return false, fmt.Errorf("counting replication %s: %w", name, err)
	}
	var mysqlCount int64
	if err := row.Scan(&mysqlCount); err != nil {
		return false, fmt.Errorf("counting replication %s: %w", name, err)
	}

	pgExec, closeMgr := l.pgExecutorFor(name)
	defer closeMgr()

	var pgCount int64
	pgRow := pgExec.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s.%s", l.schemaName, quoteIdentPG(name)))
	if err := pgRow.Scan(&pgCount); err != nil {
		return false, fmt.Errorf("counting analytics %s: %w", name, err)
	}

	return mysqlCount == pgCount, nil
}

func showCreateTable(ctx context.Context, mgr *connmanager.MySQLManager, table string) (string, error) {
	row, err := mgr.QueryRowContext(ctx, table, "SHOW CREATE TABLE "+quoteIdentMySQL(table))
	if err != nil {
		return "", err
	}
	var name, ddl string
	if err := row.Scan(&name, &ddl); err != nil {
		return "", err
	}
	return ddl, nil
}

func quoteIdentMySQL(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func quoteIdentPG(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
