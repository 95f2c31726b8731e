// Package schema implements MySQL-to-PostgreSQL DDL translation and
// boolean inference: parsing a MySQL CREATE TABLE statement, mapping each
// column to its PostgreSQL equivalent, and ensuring the corresponding
// analytics table exists.
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/opendental-analytics/etl-core/internal/config"
	"github.com/opendental-analytics/etl-core/internal/etlerrors"
	"github.com/opendental-analytics/etl-core/internal/etllog"
	"github.com/opendental-analytics/etl-core/internal/pgexec"
	"vitess.io/vitess/go/vt/sqlparser"
)

// Column is a single extracted MySQL column definition, stripped down to the
// fields the adapter needs.
type Column struct {
	Name       string
	MySQLType  string // lowercase base type, e.g. "int", "varchar", "tinyint"
	Length     int    // 0 if not specified
	Scale      int    // 0 unless MySQLType is "decimal"/"numeric"
	Nullable   bool
	PrimaryKey bool
}

var (
	globalParser    *sqlparser.Parser
	globalParserErr error
	parserOnce      sync.Once
)

func getParser() (*sqlparser.Parser, error) {
	parserOnce.Do(func() {
		globalParser, globalParserErr = sqlparser.New(sqlparser.Options{})
	})
	return globalParser, globalParserErr
}

// typeArgsPattern pulls the parenthesized argument list off a rendered
// column type string, e.g. "decimal(10,2)" -> ("decimal", "10,2").
var typeArgsPattern = regexp.MustCompile(`^([a-zA-Z]+)(?:\(([^)]*)\))?`)

// ParseCreateTable extracts column definitions and the primary key from a
// MySQL CREATE TABLE statement. Non-PRIMARY-KEY index
// and constraint clauses are ignored; only column definitions and the
// primary key matter for analytics schema creation.
func ParseCreateTable(ddl string) ([]Column, error) {
	p, err := getParser()
	if err != nil {
		return nil, fmt.Errorf("creating DDL parser: %w", err)
	}

	stmt, err := p.Parse(ddl)
	if err != nil {
		return nil, fmt.Errorf("parsing CREATE TABLE: %w", err)
	}

	create, ok := stmt.(*sqlparser.CreateTable)
	if !ok || create.TableSpec == nil {
		return nil, fmt.Errorf("statement is not a CREATE TABLE")
	}

	primaryKeys := map[string]bool{}
	for _, idx := range create.TableSpec.Indexes {
		if idx.Info == nil || idx.Info.Type != sqlparser.IndexTypePrimary {
			continue
		}
		for _, col := range idx.Columns {
			if !col.Column.IsEmpty() {
				primaryKeys[col.Column.Lowered()] = true
			}
		}
	}

	var columns []Column
	for _, colDef := range create.TableSpec.Columns {
		name := colDef.Name.String()

		baseType, length, scale := parseColumnType(colDef.Type)

		nullable := true
		if colDef.Type.Options != nil && colDef.Type.Options.Null != nil {
			nullable = *colDef.Type.Options.Null
		}

		columns = append(columns, Column{
			Name:       name,
			MySQLType:  baseType,
			Length:     length,
			Scale:      scale,
			Nullable:   nullable,
			PrimaryKey: primaryKeys[strings.ToLower(name)],
		})
	}

	if len(columns) == 0 {
		return nil, fmt.Errorf("no columns extracted from CREATE TABLE")
	}

	return columns, nil
}

func parseColumnType(t *sqlparser.ColumnType) (base string, length, scale int) {
	rendered := sqlparser.String(t)
	m := typeArgsPattern.FindStringSubmatch(strings.TrimSpace(rendered))
	if m == nil {
		return strings.ToLower(t.Type), 0, 0
	}

	base = strings.ToLower(m[1])
	args := m[2]
	if args == "" {
		return base, 0, 0
	}

	parts := strings.Split(args, ",")
	if n, err := strconv.Atoi(strings.TrimSpace(parts[0])); err == nil {
		length = n
	}
	if len(parts) > 1 {
		if n, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil {
			scale = n
		}
	}
	return base, length, scale
}

// pgTypeMapping is the deterministic MySQL-to-PostgreSQL type table. Types
// absent from this map fall back to "text" with a logged warning.
var pgTypeMapping = map[string]func(c Column) string{
	"int":        func(Column) string { return "integer" },
	"integer":    func(Column) string { return "integer" },
	"bigint":     func(Column) string { return "bigint" },
	"smallint":   func(Column) string { return "smallint" },
	"mediumint":  func(Column) string { return "integer" },
	"tinyint":    func(Column) string { return "smallint" }, // subject to boolean inference
	"float":      func(Column) string { return "real" },
	"double":     func(Column) string { return "double precision" },
	"decimal": func(c Column) string {
		if c.Length > 0 {
			return fmt.Sprintf("numeric(%d,%d)", c.Length, c.Scale)
		}
		return "numeric"
	},
	"numeric": func(c Column) string {
		if c.Length > 0 {
			return fmt.Sprintf("numeric(%d,%d)", c.Length, c.Scale)
		}
		return "numeric"
	},
	"char": func(c Column) string {
		if c.Length > 0 {
			return fmt.Sprintf("character(%d)", c.Length)
		}
		return "character(1)"
	},
	"varchar": func(c Column) string {
		if c.Length > 0 {
			return fmt.Sprintf("character varying(%d)", c.Length)
		}
		return "character varying"
	},
	"text":       func(Column) string { return "text" },
	"mediumtext": func(Column) string { return "text" },
	"longtext":   func(Column) string { return "text" },
	"tinytext":   func(Column) string { return "text" },
	"datetime":   func(Column) string { return "timestamp" },
	"timestamp":  func(Column) string { return "timestamp" },
	"date":       func(Column) string { return "date" },
	"time":       func(Column) string { return "time" },
	"year":       func(Column) string { return "integer" },
	"boolean":    func(Column) string { return "boolean" },
	"bool":       func(Column) string { return "boolean" },
	"bit":        func(Column) string { return "bit" },
	"binary":     func(Column) string { return "bytea" },
	"varbinary":  func(Column) string { return "bytea" },
	"blob":       func(Column) string { return "bytea" },
	"tinyblob":   func(Column) string { return "bytea" },
	"mediumblob": func(Column) string { return "bytea" },
	"longblob":   func(Column) string { return "bytea" },
	"json":       func(Column) string { return "jsonb" },
}

// PostgresType maps a single MySQL column to its PostgreSQL type. isBoolean
// overrides a tinyint(1) column to "boolean"; callers
// determine isBoolean via InferBoolean before calling this.
func PostgresType(c Column, isBoolean bool) string {
	if isBoolean && c.MySQLType == "tinyint" {
		return "boolean"
	}
	if f, ok := pgTypeMapping[c.MySQLType]; ok {
		return f(c)
	}
	etllog.Get("schema").Warnw("unmapped MySQL type, falling back to text",
		"mysql_type", c.MySQLType, "column", c.Name)
	return "text"
}

// InferBoolean samples a tinyint(1) column for values outside {0,1} to decide
// whether it represents a boolean flag. Only
// tinyint(1) columns are eligible; any other column (including tinyint with a
// display width other than 1) always returns false. On sample failure the
// column falls back to smallint (isBoolean=false, err non-nil).
func InferBoolean(ctx context.Context, db *sql.DB, table string, c Column) (bool, error) {
	if c.MySQLType != "tinyint" || c.Length != 1 {
		return false, nil
	}

	query := fmt.Sprintf(
		"SELECT COUNT(*) FROM `%s` WHERE `%s` NOT IN (0,1) AND `%s` IS NOT NULL",
		escapeBacktick(table), escapeBacktick(c.Name), escapeBacktick(c.Name),
	)

	var nonBooleanCount int64
	if err := db.QueryRowContext(ctx, query).Scan(&nonBooleanCount); err != nil {
		return false, fmt.Errorf("sampling %s.%s for boolean inference: %w", table, c.Name, err)
	}

	return nonBooleanCount == 0, nil
}

func escapeBacktick(ident string) string {
	return strings.ReplaceAll(ident, "`", "``")
}

// Adapter ensures and verifies analytics-schema tables against MySQL DDL.
type Adapter struct {
	pg pgexec.Executor
}

// New builds an Adapter over a pooled PostgreSQL executor.
func New(pg pgexec.Executor) *Adapter {
	return &Adapter{pg: pg}
}

// BuildCreateTableSQL renders the PostgreSQL CREATE TABLE statement for a
// parsed MySQL table. booleanCols marks which
// columns InferBoolean found to be boolean flags.
func BuildCreateTableSQL(schema config.AnalyticsSchema, table string, columns []Column, booleanCols map[string]bool) string {
	var lines []string
	var pkCols []string
	for _, c := range columns {
		pgType := PostgresType(c, booleanCols[strings.ToLower(c.Name)])
		line := "    " + quoteIdent(c.Name) + " " + pgType
		if !c.Nullable {
			line += " NOT NULL"
		}
		lines = append(lines, line)
		if c.PrimaryKey {
			pkCols = append(pkCols, quoteIdent(c.Name))
		}
	}

	if len(pkCols) > 0 {
		lines = append(lines, fmt.Sprintf("    PRIMARY KEY (%s)", strings.Join(pkCols, ", ")))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s.%s (\n", schema, quoteIdent(table))
	b.WriteString(strings.Join(lines, ",\n"))
	b.WriteString("\n)")
	return b.String()
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// EnsureTableExists creates the analytics schema and the target table if
// either is missing. It never alters an existing table; schema drift is
// surfaced by VerifySchema, not auto-corrected.
func (a *Adapter) EnsureTableExists(ctx context.Context, mysqlConn *sql.DB, schema config.AnalyticsSchema, table, mysqlDDL string) error {
	columns, err := ParseCreateTable(mysqlDDL)
	if err != nil {
		return &etlerrors.SchemaValidationError{Table: table, Reason: err.Error()}
	}

	booleanCols := map[string]bool{}
	for _, c := range columns {
		if c.MySQLType != "tinyint" || c.Length != 1 {
			continue
		}
		isBool, err := InferBoolean(ctx, mysqlConn, table, c)
		if err != nil {
			etllog.Get("schema").Warnw("boolean inference sample failed, defaulting to smallint",
				"table", table, "column", c.Name, "error", err)
			continue
		}
		if isBool {
			booleanCols[strings.ToLower(c.Name)] = true
		}
	}

	if _, err := a.pg.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return &etlerrors.SchemaValidationError{Table: table, Reason: fmt.Sprintf("creating schema %s: %v", schema, err)}
	}

	createSQL := BuildCreateTableSQL(schema, table, columns, booleanCols)
	if _, err := a.pg.Exec(ctx, createSQL); err != nil {
		return &etlerrors.SchemaValidationError{Table: table, Reason: fmt.Sprintf("creating table: %v", err)}
	}

	return nil
}

// pgColumnInfo is one row of information_schema.columns, narrowed to what
// VerifySchema needs to check a column's translated type.
type pgColumnInfo struct {
	dataType     string
	charMaxLen   sql.NullInt64
	numPrecision sql.NullInt64
	numScale     sql.NullInt64
}

// expectedPGColumn is one acceptable information_schema rendering for a
// MySQL column's translated PostgreSQL type.
type expectedPGColumn struct {
	dataType     string
	checkLength  bool
	length       int
	checkNumeric bool
	precision    int
	scale        int
}

// expectedPGColumns lists the information_schema renderings that count as a
// match for c's translated PostgreSQL type. tinyint(1) yields two candidates
// ("smallint" and "boolean") because VerifySchema has no live MySQL
// connection to re-run InferBoolean against; either is accepted.
func expectedPGColumns(c Column) []expectedPGColumn {
	plain := func(dataType string) expectedPGColumn { return expectedPGColumn{dataType: dataType} }

	if c.MySQLType == "tinyint" && c.Length == 1 {
		return []expectedPGColumn{plain("smallint"), plain("boolean")}
	}

	switch c.MySQLType {
	case "char":
		length := c.Length
		if length == 0 {
			length = 1
		}
		return []expectedPGColumn{{dataType: "character", checkLength: true, length: length}}
	case "varchar":
		if c.Length > 0 {
			return []expectedPGColumn{{dataType: "character varying", checkLength: true, length: c.Length}}
		}
		return []expectedPGColumn{plain("character varying")}
	case "decimal", "numeric":
		if c.Length > 0 {
			return []expectedPGColumn{{dataType: "numeric", checkNumeric: true, precision: c.Length, scale: c.Scale}}
		}
		return []expectedPGColumn{plain("numeric")}
	case "datetime", "timestamp":
		return []expectedPGColumn{plain("timestamp without time zone")}
	case "time":
		return []expectedPGColumn{plain("time without time zone")}
	}

	return []expectedPGColumn{plain(PostgresType(c, false))}
}

// matchesExpected reports whether actual satisfies any of the candidates.
func matchesExpected(actual pgColumnInfo, candidates []expectedPGColumn) bool {
	for _, exp := range candidates {
		if !strings.EqualFold(actual.dataType, exp.dataType) {
			continue
		}
		if exp.checkLength && (!actual.charMaxLen.Valid || int(actual.charMaxLen.Int64) != exp.length) {
			continue
		}
		if exp.checkNumeric {
			if !actual.numPrecision.Valid || int(actual.numPrecision.Int64) != exp.precision {
				continue
			}
			if !actual.numScale.Valid || int(actual.numScale.Int64) != exp.scale {
				continue
			}
		}
		return true
	}
	return false
}

// VerifySchema reports whether the analytics table's columns match the
// columns parsed from mysqlDDL, both by name and by translated PostgreSQL
// type (data_type plus character/numeric precision and scale). Returns
// false on any missing column or type mismatch.
func (a *Adapter) VerifySchema(ctx context.Context, schema config.AnalyticsSchema, table, mysqlDDL string) (bool, error) {
	columns, err := ParseCreateTable(mysqlDDL)
	if err != nil {
		return false, &etlerrors.SchemaValidationError{Table: table, Reason: err.Error()}
	}

	rows, err := a.pg.Query(ctx,
		`SELECT column_name, data_type, character_maximum_length, numeric_precision, numeric_scale
		 FROM information_schema.columns WHERE table_schema = $1 AND table_name = $2`,
		string(schema), table,
	)
	if err != nil {
		return false, &etlerrors.SchemaValidationError{Table: table, Reason: fmt.Sprintf("introspecting columns: %v", err)}
	}
	defer rows.Close()

	existing := map[string]pgColumnInfo{}
	for rows.Next() {
		var name string
		var info pgColumnInfo
		if err := rows.Scan(&name, &info.dataType, &info.charMaxLen, &info.numPrecision, &info.numScale); err != nil {
			return false, &etlerrors.SchemaValidationError{Table: table, Reason: fmt.Sprintf("scanning column info: %v", err)}
		}
		existing[strings.ToLower(name)] = info
	}
	if err := rows.Err(); err != nil {
		return false, &etlerrors.SchemaValidationError{Table: table, Reason: err.Error()}
	}

	for _, c := range columns {
		actual, ok := existing[strings.ToLower(c.Name)]
		if !ok {
			return false, nil
		}
		if !matchesExpected(actual, expectedPGColumns(c)) {
			return false, nil
		}
	}
	return true, nil
}
