package source

import (
	"strconv"
	"strings"
)

// quoteParts 按 . 拆分后逐段转义
func quoteParts(name, quote string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = quote + strings.ReplaceAll(p, quote, quote+quote) + quote
	}
	return strings.Join(parts, ".")
}

type mysqlDialect struct{}

func (mysqlDialect) Name() string                  { return "mysql" }
func (mysqlDialect) QuoteIdent(name string) string { return quoteParts(name, "`") }
func (mysqlDialect) Rebind(query string) string    { return query }
func (mysqlDialect) DatabasesQuery() string        { return "SHOW DATABASES" }

func (mysqlDialect) TablesQuery(database string) (string, []interface{}) {
	return "SELECT table_name FROM information_schema.tables WHERE table_schema = ? AND table_type = 'BASE TABLE' ORDER BY table_name",
		[]interface{}{database}
}

func (mysqlDialect) ColumnsQuery(database, table string) (string, []interface{}) {
	return `SELECT column_name, data_type,
       CASE WHEN is_nullable = 'YES' THEN 1 ELSE 0 END,
       CASE WHEN column_key = 'PRI' THEN 1 ELSE 0 END
FROM information_schema.columns
WHERE table_schema = ? AND table_name = ?
ORDER BY ordinal_position`, []interface{}{database, table}
}

// postgresDialect database 参数在 postgres 中对应 schema
type postgresDialect struct{}

func (postgresDialect) Name() string                  { return "postgres" }
func (postgresDialect) QuoteIdent(name string) string { return quoteParts(name, `"`) }

func (postgresDialect) Rebind(query string) string {
	var b strings.Builder
	n := 0
	inQuote := false
	for _, r := range query {
		switch {
		case r == '\'':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == '?' && !inQuote:
			n++
			b.WriteString("$" + strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (postgresDialect) DatabasesQuery() string {
	return "SELECT datname FROM pg_database WHERE datistemplate = false ORDER BY datname"
}

func (postgresDialect) TablesQuery(schema string) (string, []interface{}) {
	if schema == "" {
		schema = "public"
	}
	return "SELECT table_name FROM information_schema.tables WHERE table_schema = ? AND table_type = 'BASE TABLE' ORDER BY table_name",
		[]interface{}{schema}
}

func (postgresDialect) ColumnsQuery(schema, table string) (string, []interface{}) {
	if schema == "" {
		schema = "public"
	}
	return `SELECT c.column_name, c.data_type,
       CASE WHEN c.is_nullable = 'YES' THEN 1 ELSE 0 END,
       CASE WHEN EXISTS (
           SELECT 1 FROM information_schema.table_constraints tc
           JOIN information_schema.key_column_usage k
             ON tc.constraint_name = k.constraint_name AND tc.table_schema = k.table_schema
           WHERE tc.constraint_type = 'PRIMARY KEY'
             AND tc.table_schema = c.table_schema
             AND tc.table_name = c.table_name
             AND k.column_name = c.column_name
       ) THEN 1 ELSE 0 END
FROM information_schema.columns c
WHERE c.table_schema = ? AND c.table_name = ?
ORDER BY c.ordinal_position`, []interface{}{schema, table}
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string                  { return "sqlite" }
func (sqliteDialect) QuoteIdent(name string) string { return quoteParts(name, `"`) }
func (sqliteDialect) Rebind(query string) string    { return query }
func (sqliteDialect) DatabasesQuery() string        { return "SELECT name FROM pragma_database_list ORDER BY seq" }

func (sqliteDialect) TablesQuery(string) (string, []interface{}) {
	return "SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name", nil
}

func (sqliteDialect) ColumnsQuery(_, table string) (string, []interface{}) {
	return `SELECT name, type,
       CASE WHEN "notnull" = 1 THEN 0 ELSE 1 END,
       CASE WHEN pk > 0 THEN 1 ELSE 0 END
FROM pragma_table_info(?)
ORDER BY cid`, []interface{}{table}
}
