package tracking

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/opendental-analytics/etl-core/internal/etlerrors"
	"github.com/opendental-analytics/etl-core/internal/pgexec"
)

// LoadStatus mirrors one row of etl_load_status.
type LoadStatus struct {
	TableName  string
	LastLoaded time.Time
	RowsLoaded int64
	LoadStatus string // success | failed | running
}

// LoadStatusStore reads and upserts etl_load_status in the analytics
// PostgreSQL database, under the ETL tracking schema. Unlike
// CopyStatusStore, it creates its own table on first use: the loader, not an
// external analyzer, owns this schema.
type LoadStatusStore struct {
	pg     pgexec.Executor
	schema string
}

// NewLoadStatusStore wraps a pooled PostgreSQL executor. schema is the
// analytics schema the tracking table lives under (e.g. "raw").
func NewLoadStatusStore(pg pgexec.Executor, schema string) *LoadStatusStore {
	return &LoadStatusStore{pg: pg, schema: schema}
}

// EnsureExists creates the etl_load_status table if it is missing.
func (s *LoadStatusStore) EnsureExists(ctx context.Context) error {
	_, err := s.pg.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.schema+`.etl_load_status (
		table_name TEXT PRIMARY KEY,
		last_loaded TIMESTAMP NOT NULL,
		rows_loaded BIGINT NOT NULL,
		load_status TEXT NOT NULL
	)`)
	if err != nil {
		return &etlerrors.ConnectionError{DBType: "postgres", Cause: err}
	}
	return nil
}

// Get returns the current status row for table, or (LoadStatus{}, false) if
// none exists yet.
func (s *LoadStatusStore) Get(ctx context.Context, table string) (LoadStatus, bool, error) {
	row := s.pg.QueryRow(ctx,
		`SELECT table_name, last_loaded, rows_loaded, load_status FROM `+s.schema+`.etl_load_status WHERE table_name = $1`,
		table,
	)

	var ls LoadStatus
	if err := row.Scan(&ls.TableName, &ls.LastLoaded, &ls.RowsLoaded, &ls.LoadStatus); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LoadStatus{}, false, nil
		}
		return LoadStatus{}, false, &etlerrors.QueryError{Table: table, SQL: "select etl_load_status", Cause: err}
	}
	return ls, true, nil
}

// Upsert records the load outcome for table.
func (s *LoadStatusStore) Upsert(ctx context.Context, ls LoadStatus) error {
	_, err := s.pg.Exec(ctx,
		`INSERT INTO `+s.schema+`.etl_load_status (table_name, last_loaded, rows_loaded, load_status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (table_name) DO UPDATE SET
			last_loaded = EXCLUDED.last_loaded,
			rows_loaded = EXCLUDED.rows_loaded,
			load_status = EXCLUDED.load_status`,
		ls.TableName, ls.LastLoaded, ls.RowsLoaded, ls.LoadStatus,
	)
	if err != nil {
		return &etlerrors.QueryError{Table: ls.TableName, SQL: "upsert etl_load_status", Cause: err}
	}
	return nil
}
