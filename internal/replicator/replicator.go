// Package replicator implements the MySQL-to-MySQL table mover described in
// source OpenDental MySQL -> replication MySQL, same schema,
// full/primary-column-incremental/multi-column-incremental strategies.
package replicator

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opendental-analytics/etl-core/internal/config"
	"github.com/opendental-analytics/etl-core/internal/connmanager"
	"github.com/opendental-analytics/etl-core/internal/etllog"
	"github.com/opendental-analytics/etl-core/internal/metrics"
	"github.com/opendental-analytics/etl-core/internal/optimizer"
	"github.com/opendental-analytics/etl-core/internal/settings"
	"github.com/opendental-analytics/etl-core/internal/tracking"
)

// MySQLReplicator copies configured tables from the source OpenDental MySQL
// into the replication MySQL.
type MySQLReplicator struct {
	source   *sql.DB
	target   *sql.DB
	st       *settings.Settings
	tracking *tracking.CopyStatusStore
}

// New builds a MySQLReplicator over a source connection, a replication
// target connection, and Settings (for TableConfig lookups).
func New(source, target *sql.DB, st *settings.Settings) *MySQLReplicator {
	return &MySQLReplicator{
		source:   source,
		target:   target,
		st:       st,
		tracking: tracking.NewCopyStatusStore(target),
	}
}

// CopyTable runs the per-table replication algorithm for a single
// table. It returns false (never an error) when the table has no
// configuration, when etl_copy_status is missing, or when the copy itself
// fails. All failures are logged; only a failed copy is also recorded in
// etl_copy_status.
func (r *MySQLReplicator) CopyTable(ctx context.Context, name string, forceFull bool) bool {
	log := etllog.Get("replicator")

	cfg, ok := r.st.GetTableConfig(name)
	if !ok {
		log.Warnw("no table configuration, skipping", "table", name)
		return false
	}

	if err := r.tracking.EnsureExists(ctx); err != nil {
		log.Errorw("etl_copy_status missing, failing fast", "table", name, "error", err)
		return false
	}

	status, _, err := r.tracking.Get(ctx, name)
	var lastCopied *time.Time
	if err == nil && !status.LastCopied.IsZero() {
		t := status.LastCopied
		lastCopied = &t
	}

	// One manager per worker: this table-copy call is the worker's full
	// scope, so a fresh pair of managers is built and torn down with it.
	sourceMgr := connmanager.NewMySQLManager(r.source)
	targetMgr := connmanager.NewMySQLManager(r.target)
	defer sourceMgr.Close()
	defer targetMgr.Close()

	start := time.Now()
	result, copyErr := r.copyTableStrategy(ctx, cfg, forceFull, lastCopied, sourceMgr, targetMgr)
	metrics.TableDuration.WithLabelValues("replicate", name).Observe(time.Since(start).Seconds())

	now := time.Now().UTC()
	record := tracking.CopyStatus{
		TableName:  name,
		LastCopied: now,
	}
	if copyErr != nil {
		log.Errorw("table copy failed", "table", name, "error", copyErr)
		record.RowsCopied = 0
		record.CopyStatus = tracking.StatusFailed
		metrics.RowsCopied.WithLabelValues(name, tracking.StatusFailed).Add(0)
	} else {
		record.RowsCopied = result.rowsCopied
		record.CopyStatus = tracking.StatusSuccess
		record.LastPrimaryValue = result.lastPrimaryValue
		record.PrimaryColumnName = result.primaryColumnName
		metrics.RowsCopied.WithLabelValues(name, tracking.StatusSuccess).Add(float64(result.rowsCopied))
	}

	if err := r.tracking.Upsert(ctx, record); err != nil {
		log.Errorw("failed to record copy status", "table", name, "error", err)
	}

	return copyErr == nil
}

// CopyTables runs CopyTable for every name, up to maxWorkers concurrently.
func (r *MySQLReplicator) CopyTables(ctx context.Context, names []string, maxWorkers int, forceFull bool) map[string]bool {
	return r.runPool(ctx, names, maxWorkers, forceFull)
}

// CopyTablesByCategory copies every configured table in the given
// performance_category.
func (r *MySQLReplicator) CopyTablesByCategory(ctx context.Context, category config.PerformanceCategory, maxWorkers int, forceFull bool) map[string]bool {
	var names []string
	for _, t := range r.st.ListTables() {
		if t.PerformanceCategory == category {
			names = append(names, t.TableName)
		}
	}
	return r.runPool(ctx, names, maxWorkers, forceFull)
}

// CopyTablesByPriority copies every configured table with
// processing_priority <= maxPriority, processing lower-priority-number
// tables first (priority k fully scheduled before priority k+1 begins).
func (r *MySQLReplicator) CopyTablesByPriority(ctx context.Context, maxPriority int, maxWorkers int, forceFull bool) map[string]bool {
	tables := r.st.ListTables()
	sort.Slice(tables, func(i, j int) bool { return tables[i].ProcessingPriority < tables[j].ProcessingPriority })

	byPriority := map[int][]string{}
	var priorities []int
	for _, t := range tables {
		if t.ProcessingPriority > maxPriority {
			continue
		}
		if _, seen := byPriority[t.ProcessingPriority]; !seen {
			priorities = append(priorities, t.ProcessingPriority)
		}
		byPriority[t.ProcessingPriority] = append(byPriority[t.ProcessingPriority], t.TableName)
	}
	sort.Ints(priorities)

	results := map[string]bool{}
	for _, p := range priorities {
		wave := r.runPool(ctx, byPriority[p], maxWorkers, forceFull)
		for name, ok := range wave {
			results[name] = ok
		}
	}
	return results
}

func (r *MySQLReplicator) runPool(ctx context.Context, names []string, maxWorkers int, forceFull bool) map[string]bool {
	if maxWorkers <= 0 {
		maxWorkers = r.st.Pipeline().General.ParallelJobs
	}
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make(map[string]bool, len(names))
	var mu sync.Mutex
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup

	for _, name := range names {
		name := name
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			ok := r.CopyTable(ctx, name, forceFull)
			mu.Lock()
			results[name] = ok
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

type strategyResult struct {
	rowsCopied        int64
	lastPrimaryValue  *string
	primaryColumnName *string
}

func (r *MySQLReplicator) copyTableStrategy(ctx context.Context, cfg config.TableConfig, forceFull bool, lastCopied *time.Time, sourceMgr, targetMgr *connmanager.MySQLManager) (strategyResult, error) {
	if forceFull || optimizer.ShouldUseFullRefresh(cfg, lastCopied) {
		return r.copyFull(ctx, cfg, sourceMgr, targetMgr)
	}
	if cfg.HasPrimaryIncrementalColumn() {
		return r.copyPrimaryIncremental(ctx, cfg, sourceMgr, targetMgr)
	}
	if len(cfg.IncrementalColumns) > 0 {
		return r.copyMultiColumnIncremental(ctx, cfg, sourceMgr, targetMgr)
	}
	return r.copyFull(ctx, cfg, sourceMgr, targetMgr)
}

func quoteIdent(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func columnList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}

// upsertSQL builds an INSERT ... ON DUPLICATE KEY UPDATE statement for a full
// row batch. Conflicts are detected by the target table's own primary and
// unique keys; the configured primary_keys are not used.
func upsertSQL(table string, columns []string, rowCount int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", quoteIdent(table), columnList(columns))

	placeholderRow := "(" + strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",") + ")"
	rows := make([]string, rowCount)
	for i := range rows {
		rows[i] = placeholderRow
	}
	b.WriteString(strings.Join(rows, ", "))

	b.WriteString(" ON DUPLICATE KEY UPDATE ")
	updates := make([]string, len(columns))
	for i, c := range columns {
		updates[i] = fmt.Sprintf("%s = VALUES(%s)", quoteIdent(c), quoteIdent(c))
	}
	b.WriteString(strings.Join(updates, ", "))
	return b.String()
}

// drainBatches reads rows from the source query in adaptive-size batches,
// upserting each batch into the target table, and returns the total row
// count copied. Both the source read and the target upsert go through the
// table's Connection Manager pair so transient connection failures are
// retried with a fresh connection rather than failing the whole table.
func (r *MySQLReplicator) drainBatches(ctx context.Context, cfg config.TableConfig, query string, args []any, sourceMgr, targetMgr *connmanager.MySQLManager) (int64, error) {
	rows, err := sourceMgr.QueryContext(ctx, cfg.TableName, query, args...)
	if err != nil {
		return 0, fmt.Errorf("querying source %s: %w", cfg.TableName, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return 0, err
	}

	batchSize := optimizer.CalculateAdaptiveBatchSize(cfg)
	var total int64
	batch := make([][]any, 0, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		stmt := upsertSQL(cfg.TableName, columns, len(batch))
		args := make([]any, 0, len(batch)*len(columns))
		for _, row := range batch {
			args = append(args, row...)
		}
		if _, err := targetMgr.ExecContext(ctx, cfg.TableName, stmt, args...); err != nil {
			return fmt.Errorf("upserting into %s: %w", cfg.TableName, err)
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
		if len(batch) >= batchSize {
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

func (r *MySQLReplicator) copyFull(ctx context.Context, cfg config.TableConfig, sourceMgr, targetMgr *connmanager.MySQLManager) (strategyResult, error) {
	if _, err := targetMgr.ExecContext(ctx, cfg.TableName, "TRUNCATE TABLE "+quoteIdent(cfg.TableName)); err != nil {
		return strategyResult{}, fmt.Errorf("truncating %s: %w", cfg.TableName, err)
	}

	n, err := r.drainBatches(ctx, cfg, "SELECT * FROM "+quoteIdent(cfg.TableName), nil, sourceMgr, targetMgr)
	if err != nil {
		return strategyResult{}, err
	}
	return strategyResult{rowsCopied: n}, nil
}

func (r *MySQLReplicator) copyPrimaryIncremental(ctx context.Context, cfg config.TableConfig, sourceMgr, targetMgr *connmanager.MySQLManager) (strategyResult, error) {
	col := *cfg.PrimaryIncrementalColumn

	row, err := targetMgr.QueryRowContext(ctx, cfg.TableName, fmt.Sprintf("SELECT MAX(%s) FROM %s", quoteIdent(col), quoteIdent(cfg.TableName)))
	if err != nil {
		return strategyResult{}, fmt.Errorf("reading watermark for %s: %w", cfg.TableName, err)
	}
	var watermark sql.NullString
	if err := row.Scan(&watermark); err != nil {
		return strategyResult{}, fmt.Errorf("reading watermark for %s: %w", cfg.TableName, err)
	}

	if !watermark.Valid {
		return r.copyFull(ctx, cfg, sourceMgr, targetMgr)
	}

	batchSize := optimizer.CalculateAdaptiveBatchSize(cfg)
	lastSeen := watermark.String
	maxSeen := watermark.String

	var total int64
	for {
		n, newMax, err := r.copyPrimaryIncrementalBatch(ctx, cfg, col, lastSeen, batchSize, sourceMgr, targetMgr)
		if err != nil {
			return strategyResult{}, err
		}
		total += n
		if n == 0 {
			break
		}
		lastSeen = newMax
		maxSeen = newMax
		if n < int64(batchSize) {
			break
		}
	}

	return strategyResult{
		rowsCopied:        total,
		lastPrimaryValue:  strPtr(maxSeen),
		primaryColumnName: strPtr(col),
	}, nil
}

func (r *MySQLReplicator) copyPrimaryIncrementalBatch(ctx context.Context, cfg config.TableConfig, col, lastSeen string, batchSize int, sourceMgr, targetMgr *connmanager.MySQLManager) (int64, string, error) {
	query := fmt.Sprintf(
		"SELECT * FROM %s WHERE %s > ? ORDER BY %s LIMIT ?",
		quoteIdent(cfg.TableName), quoteIdent(col), quoteIdent(col),
	)

	rows, err := sourceMgr.QueryContext(ctx, cfg.TableName, query, lastSeen, batchSize)
	if err != nil {
		return 0, lastSeen, fmt.Errorf("querying source %s: %w", cfg.TableName, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return 0, lastSeen, err
	}
	colIndex := -1
	for i, c := range columns {
		if strings.EqualFold(c, col) {
			colIndex = i
			break
		}
	}

	var batch [][]any
	newMax := lastSeen
	for rows.Next() {
		vals := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return 0, lastSeen, err
		}
		batch = append(batch, vals)
		if colIndex >= 0 {
			if s := fmt.Sprintf("%v", vals[colIndex]); s > newMax {
				newMax = s
			}
		}
	}
	if err := rows.Err(); err != nil {
		return 0, lastSeen, err
	}
	if len(batch) == 0 {
		return 0, lastSeen, nil
	}

	stmt := upsertSQL(cfg.TableName, columns, len(batch))
	args := make([]any, 0, len(batch)*len(columns))
	for _, r := range batch {
		args = append(args, r...)
	}
	if _, err := targetMgr.ExecContext(ctx, cfg.TableName, stmt, args...); err != nil {
		return 0, lastSeen, fmt.Errorf("upserting into %s: %w", cfg.TableName, err)
	}

	return int64(len(batch)), newMax, nil
}

func (r *MySQLReplicator) copyMultiColumnIncremental(ctx context.Context, cfg config.TableConfig, sourceMgr, targetMgr *connmanager.MySQLManager) (strategyResult, error) {
	var maxWatermark sql.NullString
	for _, col := range cfg.IncrementalColumns {
		row, err := targetMgr.QueryRowContext(ctx, cfg.TableName, fmt.Sprintf("SELECT MAX(%s) FROM %s", quoteIdent(col), quoteIdent(cfg.TableName)))
		if err != nil {
			return strategyResult{}, fmt.Errorf("reading watermark column %s for %s: %w", col, cfg.TableName, err)
		}
		var v sql.NullString
		if err := row.Scan(&v); err != nil {
			return strategyResult{}, fmt.Errorf("reading watermark column %s for %s: %w", col, cfg.TableName, err)
		}
		if v.Valid && (!maxWatermark.Valid || v.String > maxWatermark.String) {
			maxWatermark = v
		}
	}

	if !maxWatermark.Valid {
		return r.copyFull(ctx, cfg, sourceMgr, targetMgr)
	}

	var preds []string
	args := make([]any, 0, len(cfg.IncrementalColumns))
	for _, col := range cfg.IncrementalColumns {
		preds = append(preds, fmt.Sprintf("%s > ?", quoteIdent(col)))
		args = append(args, maxWatermark.String)
	}
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s", quoteIdent(cfg.TableName), strings.Join(preds, " OR "))

	n, err := r.drainBatches(ctx, cfg, query, args, sourceMgr, targetMgr)
	if err != nil {
		return strategyResult{}, err
	}
	return strategyResult{rowsCopied: n}, nil
}

func strPtr(s string) *string { return &s }
