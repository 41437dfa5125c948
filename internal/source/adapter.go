package source

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"data-rsync/internal/core"
	"data-rsync/internal/errs"
)

// Field 有序行中的一列
type Field struct {
	Name  string
	Value interface{}
}

// Row 按查询列顺序排列的一行
type Row []Field

func (r Row) Get(name string) (interface{}, bool) {
	for _, f := range r {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

func (r Row) Map() map[string]interface{} {
	m := make(map[string]interface{}, len(r))
	for _, f := range r {
		m[f.Name] = f.Value
	}
	return m
}

type Column struct {
	Name       string
	Type       string
	Nullable   bool
	PrimaryKey bool
}

// Predicate WHERE 条件, 占位符统一写 ?
type Predicate struct {
	SQL  string
	Args []interface{}
}

type PageQuery struct {
	Table     string
	Fields    []string // 为空表示 *
	Predicate Predicate
	OrderBy   []string
	Offset    int64
	Limit     int
}

// Adapter 关系型源库的统一访问接口
type Adapter interface {
	Dialect() core.Dialect
	ListDatabases(ctx context.Context) ([]string, error)
	ListTables(ctx context.Context, database string) ([]string, error)
	ListColumns(ctx context.Context, database, table string) ([]Column, error)
	Query(ctx context.Context, query string, args ...interface{}) ([]Row, error)
	Execute(ctx context.Context, query string, args ...interface{}) (int64, error)
	Count(ctx context.Context, table string, pred Predicate) (int64, error)
	Page(ctx context.Context, q PageQuery) ([]Row, error)
	// KeyRange 返回主键的 MIN / MAX, 表为空时 ok=false
	KeyRange(ctx context.Context, table, pk string) (min, max interface{}, ok bool, err error)
}

type sqlAdapter struct {
	pool *pool
}

func (a *sqlAdapter) Dialect() core.Dialect {
	return a.pool.st.Dialect
}

func (a *sqlAdapter) ListDatabases(ctx context.Context) ([]string, error) {
	rows, err := a.Query(ctx, a.Dialect().DatabasesQuery())
	if err != nil {
		return nil, err
	}
	return firstColumn(rows), nil
}

func (a *sqlAdapter) ListTables(ctx context.Context, database string) ([]string, error) {
	q, args := a.Dialect().TablesQuery(a.schemaOr(database))
	rows, err := a.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return firstColumn(rows), nil
}

func (a *sqlAdapter) ListColumns(ctx context.Context, database, table string) ([]Column, error) {
	q, args := a.Dialect().ColumnsQuery(a.schemaOr(database), table)
	rows, err := a.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	cols := make([]Column, 0, len(rows))
	for _, r := range rows {
		if len(r) < 4 {
			continue
		}
		cols = append(cols, Column{
			Name:       toString(r[0].Value),
			Type:       strings.ToLower(toString(r[1].Value)),
			Nullable:   toString(r[2].Value) == "1",
			PrimaryKey: toString(r[3].Value) == "1",
		})
	}
	if len(cols) == 0 {
		return nil, errs.NotFoundf("source.columns", "table %s not found", table)
	}
	return cols, nil
}

func (a *sqlAdapter) Query(ctx context.Context, query string, args ...interface{}) ([]Row, error) {
	release, err := a.pool.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := a.pool.db.QueryContext(ctx, a.Dialect().Rebind(query), args...)
	if err != nil {
		return nil, classify("source.query", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, classify("source.query", err)
	}
	var out []Row
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, classify("source.query", err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[i] = Field{Name: c, Value: normalize(vals[i])}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("source.query", err)
	}
	return out, nil
}

func (a *sqlAdapter) Execute(ctx context.Context, query string, args ...interface{}) (int64, error) {
	release, err := a.pool.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	res, err := a.pool.db.ExecContext(ctx, a.Dialect().Rebind(query), args...)
	if err != nil {
		return 0, classify("source.execute", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		// 部分驱动不支持 RowsAffected
		return 0, nil
	}
	return n, nil
}

func (a *sqlAdapter) Count(ctx context.Context, table string, pred Predicate) (int64, error) {
	q := "SELECT COUNT(*) FROM " + a.Dialect().QuoteIdent(table)
	if pred.SQL != "" {
		q += " WHERE " + pred.SQL
	}
	rows, err := a.Query(ctx, q, pred.Args...)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return 0, nil
	}
	n, ok := ToInt64(rows[0][0].Value)
	if !ok {
		return 0, errs.Dataf("source.count", "unexpected count value %v", rows[0][0].Value)
	}
	return n, nil
}

func (a *sqlAdapter) Page(ctx context.Context, pq PageQuery) ([]Row, error) {
	d := a.Dialect()
	var b strings.Builder
	b.WriteString("SELECT ")
	if len(pq.Fields) == 0 {
		b.WriteString("*")
	} else {
		for i, f := range pq.Fields {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.QuoteIdent(f))
		}
	}
	b.WriteString(" FROM ")
	b.WriteString(d.QuoteIdent(pq.Table))
	if pq.Predicate.SQL != "" {
		b.WriteString(" WHERE ")
		b.WriteString(pq.Predicate.SQL)
	}
	if len(pq.OrderBy) > 0 {
		b.WriteString(" ORDER BY ")
		for i, o := range pq.OrderBy {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.QuoteIdent(o))
		}
	}
	args := append([]interface{}{}, pq.Predicate.Args...)
	if pq.Limit > 0 {
		b.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, pq.Limit, pq.Offset)
	}
	return a.Query(ctx, b.String(), args...)
}

func (a *sqlAdapter) KeyRange(ctx context.Context, table, pk string) (interface{}, interface{}, bool, error) {
	d := a.Dialect()
	col := d.QuoteIdent(pk)
	rows, err := a.Query(ctx, fmt.Sprintf("SELECT MIN(%s), MAX(%s) FROM %s", col, col, d.QuoteIdent(table)))
	if err != nil {
		return nil, nil, false, err
	}
	if len(rows) == 0 || rows[0][0].Value == nil {
		return nil, nil, false, nil
	}
	return rows[0][0].Value, rows[0][1].Value, true, nil
}

// schemaOr postgres 下 database 参数对应 schema
func (a *sqlAdapter) schemaOr(database string) string {
	if database == "" {
		if s := a.pool.ds.Option("schema"); s != "" {
			return s
		}
		return a.pool.ds.Database
	}
	return database
}

func firstColumn(rows []Row) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		if len(r) > 0 {
			out = append(out, toString(r[0].Value))
		}
	}
	return out
}

// normalize 驱动返回的 []byte 统一转成 string
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case sql.RawBytes:
		return string(t)
	case time.Time:
		return t.UTC()
	default:
		return v
	}
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(v)
	}
}

// ToInt64 整数主键的统一转换, 非整数返回 false
func ToInt64(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case int16:
		return int64(t), true
	case int8:
		return int64(t), true
	case uint:
		return int64(t), true
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		return int64(t), true
	case float64:
		if t == float64(int64(t)) {
			return int64(t), true
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return n, true
		}
	case []byte:
		if n, err := strconv.ParseInt(strings.TrimSpace(string(t)), 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}
