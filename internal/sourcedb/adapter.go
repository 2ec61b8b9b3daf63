// Package sourcedb implements engine.SourceDB against PostgreSQL via
// jackc/pgx/v5 and pgxpool, both for ordinary row CRUD and for opening a
// logical-replication stream (SPEC_FULL.md §4.6).
package sourcedb

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jare20895/ArcoreSyncBridge/internal/engine"
	"github.com/jare20895/ArcoreSyncBridge/internal/row"
)

// Adapter implements engine.SourceDB for one source database instance.
type Adapter struct {
	pool *pgxpool.Pool
	conn *pgConnProvider
	log  *zap.Logger
}

var _ engine.SourceDB = (*Adapter)(nil)

// New wraps an already-connected pool. conn, if non-nil, supplies the
// dedicated replication-protocol connection (separate from pool: logical
// replication requires a connection opened with replication=database in
// its startup parameters).
func New(pool *pgxpool.Pool, conn *pgConnProvider, log *zap.Logger) *Adapter {
	return &Adapter{pool: pool, conn: conn, log: log}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func qualifiedTable(schema, table string) string {
	return quoteIdent(schema) + "." + quoteIdent(table)
}

// placeholderFunc renders the nth (1-based) bind parameter in a dialect's
// placeholder syntax. Adapter always binds through pgPlaceholder; the
// build* functions below take it as a parameter purely so the adapter_test.go
// sqlite fixture round trip can drive the identical SQL-construction logic
// with "?"-style placeholders instead of duplicating it.
type placeholderFunc func(n int) string

func pgPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

// buildFetchChangedSQL renders the cursor-ASC, bounded-page query behind
// FetchChanged (SPEC_FULL.md §4.6, §4.7 step 4).
func buildFetchChangedSQL(schema, table, cursorCol, cursorValue string, limit int, ph placeholderFunc) (string, []interface{}) {
	table_ := qualifiedTable(schema, table)
	col := quoteIdent(cursorCol)
	if cursorValue == "" {
		return fmt.Sprintf("SELECT * FROM %s ORDER BY %s ASC LIMIT %s", table_, col, ph(1)), []interface{}{limit}
	}
	return fmt.Sprintf("SELECT * FROM %s WHERE %s > %s ORDER BY %s ASC LIMIT %s", table_, col, ph(1), col, ph(2)),
		[]interface{}{cursorValue, limit}
}

func buildFetchOneSQL(schema, table, keyCol string, keyValue interface{}, ph placeholderFunc) (string, []interface{}) {
	table_ := qualifiedTable(schema, table)
	col := quoteIdent(keyCol)
	return fmt.Sprintf("SELECT * FROM %s WHERE %s = %s", table_, col, ph(1)), []interface{}{keyValue}
}

// buildInsertSQL renders a parameterized, RETURNING-clause insert. Column
// order follows fields' own map iteration order, which is only stable
// within a single call: placeholders and args are built in the same pass so
// they always line up with cols regardless of that order.
func buildInsertSQL(schema, table string, fields map[string]interface{}, ph placeholderFunc) (string, []interface{}) {
	table_ := qualifiedTable(schema, table)
	cols := make([]string, 0, len(fields))
	placeholders := make([]string, 0, len(fields))
	args := make([]interface{}, 0, len(fields))
	i := 1
	for name, v := range fields {
		cols = append(cols, quoteIdent(name))
		placeholders = append(placeholders, ph(i))
		args = append(args, v)
		i++
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		table_, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	return sql, args
}

func buildUpdateSQL(schema, table, keyCol string, keyValue interface{}, fields map[string]interface{}, ph placeholderFunc) (string, []interface{}) {
	table_ := qualifiedTable(schema, table)
	sets := make([]string, 0, len(fields))
	args := make([]interface{}, 0, len(fields)+1)
	i := 1
	for name, v := range fields {
		sets = append(sets, fmt.Sprintf("%s = %s", quoteIdent(name), ph(i)))
		args = append(args, v)
		i++
	}
	args = append(args, keyValue)
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s RETURNING *",
		table_, strings.Join(sets, ", "), quoteIdent(keyCol), ph(i))
	return sql, args
}

func buildDeleteSQL(schema, table, keyCol string, keyValue interface{}, ph placeholderFunc) (string, []interface{}) {
	table_ := qualifiedTable(schema, table)
	return fmt.Sprintf("DELETE FROM %s WHERE %s = %s", table_, quoteIdent(keyCol), ph(1)), []interface{}{keyValue}
}

// FetchChanged returns rows with cursorCol > cursorValue (or all rows, when
// cursorValue is ""), strictly ordered by cursorCol ASC and bounded to
// limit (SPEC_FULL.md §4.6, §4.7 step 4).
func (a *Adapter) FetchChanged(ctx context.Context, schema, table, cursorCol, cursorValue string, limit int) ([]engine.ChangedRow, error) {
	sql, args := buildFetchChangedSQL(schema, table, cursorCol, cursorValue, limit, pgPlaceholder)
	rows, err := a.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, engine.Transport("sourcedb.fetch_changed", err)
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, engine.Decode("sourcedb.fetch_changed", err)
	}

	changed := make([]engine.ChangedRow, 0, len(out))
	for _, r := range out {
		cursorText := valueText(r[cursorCol])
		changed = append(changed, engine.ChangedRow{Row: r, CursorValue: cursorText})
	}
	return changed, nil
}

func (a *Adapter) FetchOne(ctx context.Context, schema, table, keyCol string, keyValue row.Value) (row.Row, error) {
	sql, args := buildFetchOneSQL(schema, table, keyCol, paramValue(keyValue), pgPlaceholder)
	rows, err := a.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, engine.Transport("sourcedb.fetch_one", err)
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, engine.Decode("sourcedb.fetch_one", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

func (a *Adapter) Insert(ctx context.Context, schema, table string, fields row.Row) (row.Row, error) {
	sql, args := buildInsertSQL(schema, table, paramFields(fields), pgPlaceholder)
	rows, err := a.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, engine.Transport("sourcedb.insert", err)
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil || len(out) == 0 {
		return nil, engine.Decode("sourcedb.insert", err)
	}
	return out[0], nil
}

func (a *Adapter) Update(ctx context.Context, schema, table, keyCol string, keyValue row.Value, fields row.Row) (row.Row, error) {
	sql, args := buildUpdateSQL(schema, table, keyCol, paramValue(keyValue), paramFields(fields), pgPlaceholder)
	rows, err := a.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, engine.Transport("sourcedb.update", err)
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, engine.Decode("sourcedb.update", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

func (a *Adapter) Delete(ctx context.Context, schema, table, keyCol string, keyValue row.Value) (bool, error) {
	sql, args := buildDeleteSQL(schema, table, keyCol, paramValue(keyValue), pgPlaceholder)
	tag, err := a.pool.Exec(ctx, sql, args...)
	if err != nil {
		return false, engine.Transport("sourcedb.delete", err)
	}
	return tag.RowsAffected() > 0, nil
}

// paramFields converts a row.Row's values to pgx-bindable parameters,
// keyed the same as fields.
func paramFields(fields row.Row) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for name, v := range fields {
		out[name] = paramValue(v)
	}
	return out
}

// scanRows materializes pgx.Rows into row.Row values keyed by column name,
// converting each pgx-native Go value to the sum-type row.Value model.
func scanRows(rows pgx.Rows) ([]row.Row, error) {
	fields := rows.FieldDescriptions()
	var out []row.Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		r := make(row.Row, len(fields))
		for i, fd := range fields {
			r[string(fd.Name)] = valueFromPg(vals[i])
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
