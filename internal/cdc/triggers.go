package cdc

import (
	"fmt"
	"strings"

	"data-rsync/internal/errs"
)

// DefaultLogTable 源库上由触发器写入的变更日志表
const DefaultLogTable = "rsync_change_log"

// LogTableDDL 变更日志表, seq 即变更偏移
func LogTableDDL(dialect, logTable string) (string, error) {
	switch dialect {
	case "sqlite":
		return `CREATE TABLE IF NOT EXISTS ` + logTable + ` (
    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
    table_name   TEXT NOT NULL,
    op           TEXT NOT NULL,
    pk           TEXT NOT NULL,
    before_image TEXT,
    after_image  TEXT,
    captured_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`, nil
	case "mysql":
		return `CREATE TABLE IF NOT EXISTS ` + logTable + ` (
    seq          BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
    table_name   VARCHAR(255) NOT NULL,
    op           VARCHAR(16) NOT NULL,
    pk           VARCHAR(255) NOT NULL,
    before_image JSON NULL,
    after_image  JSON NULL,
    captured_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    KEY idx_` + logTable + `_table_seq (table_name, seq)
)`, nil
	case "postgres":
		return `CREATE TABLE IF NOT EXISTS ` + logTable + ` (
    seq          BIGSERIAL PRIMARY KEY,
    table_name   TEXT NOT NULL,
    op           TEXT NOT NULL,
    pk           TEXT NOT NULL,
    before_image JSONB,
    after_image  JSONB,
    captured_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`, nil
	}
	return "", errs.Configf("cdc.ddl", "change capture is not supported for dialect %q", dialect)
}

// TriggerSpec 生成触发器所需的表信息
type TriggerSpec struct {
	Table      string   // 原始表名, 写入日志的 table_name
	Quoted     string   // 已转义的表名
	PrimaryKey string   // 已转义的主键列
	Columns    []string // 原始列名
	Quote      func(string) string
	LogTable   string
}

func triggerBase(table string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_", `"`, "", "`", "")
	return "rsync_" + r.Replace(table)
}

func literal(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// TriggerNames insert / update / delete 三个触发器名
func TriggerNames(table string) [3]string {
	base := triggerBase(table)
	return [3]string{base + "_ai", base + "_au", base + "_ad"}
}

// InstallStatements 幂等安装: 已存在的触发器原样保留, 安装过程中不会有删除窗口
func InstallStatements(dialect string, spec TriggerSpec) ([]string, error) {
	switch dialect {
	case "sqlite":
		return sqliteTriggers(spec), nil
	case "mysql":
		return mysqlTriggers(spec), nil
	case "postgres":
		return postgresTriggers(spec), nil
	}
	return nil, errs.Configf("cdc.ddl", "change capture is not supported for dialect %q", dialect)
}

// DropStatements 卸载触发器, 日志表保留 (可能被其他表共用)
func DropStatements(dialect string, spec TriggerSpec) []string {
	names := TriggerNames(spec.Table)
	switch dialect {
	case "postgres":
		return []string{
			fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`, names[0], spec.Quoted),
			fmt.Sprintf(`DROP FUNCTION IF EXISTS %s_fn()`, triggerBase(spec.Table)),
		}
	default:
		out := make([]string, 0, 3)
		for _, n := range names {
			out = append(out, "DROP TRIGGER IF EXISTS "+n)
		}
		return out
	}
}

func jsonObject(fn, alias string, spec TriggerSpec) string {
	parts := make([]string, 0, len(spec.Columns)*2)
	for _, c := range spec.Columns {
		parts = append(parts, literal(c), alias+"."+spec.Quote(c))
	}
	return fn + "(" + strings.Join(parts, ", ") + ")"
}

func sqliteTriggers(spec TriggerSpec) []string {
	names := TriggerNames(spec.Table)
	insert := func(op, keyAlias, before, after string) string {
		return fmt.Sprintf(`INSERT INTO %s(table_name, op, pk, before_image, after_image)
    VALUES (%s, '%s', CAST(%s.%s AS TEXT), %s, %s);`,
			spec.LogTable, literal(spec.Table), op, keyAlias, spec.PrimaryKey, before, after)
	}
	return []string{
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS %s AFTER INSERT ON %s\nBEGIN\n    %s\nEND",
			names[0], spec.Quoted, insert("CREATE", "NEW", "NULL", jsonObject("json_object", "NEW", spec))),
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS %s AFTER UPDATE ON %s\nBEGIN\n    %s\nEND",
			names[1], spec.Quoted, insert("UPDATE", "NEW", jsonObject("json_object", "OLD", spec), jsonObject("json_object", "NEW", spec))),
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS %s AFTER DELETE ON %s\nBEGIN\n    %s\nEND",
			names[2], spec.Quoted, insert("DELETE", "OLD", jsonObject("json_object", "OLD", spec), "NULL")),
	}
}

// mysqlTriggers 单语句触发器体, 不需要 DELIMITER; IF NOT EXISTS 需要 MySQL 8.0.29+
func mysqlTriggers(spec TriggerSpec) []string {
	names := TriggerNames(spec.Table)
	insert := func(op, keyAlias, before, after string) string {
		return fmt.Sprintf(`INSERT INTO %s(table_name, op, pk, before_image, after_image)
    VALUES (%s, '%s', CAST(%s.%s AS CHAR), %s, %s)`,
			spec.LogTable, literal(spec.Table), op, keyAlias, spec.PrimaryKey, before, after)
	}
	return []string{
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS %s AFTER INSERT ON %s FOR EACH ROW\n    %s",
			names[0], spec.Quoted, insert("CREATE", "NEW", "NULL", jsonObject("JSON_OBJECT", "NEW", spec))),
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS %s AFTER UPDATE ON %s FOR EACH ROW\n    %s",
			names[1], spec.Quoted, insert("UPDATE", "NEW", jsonObject("JSON_OBJECT", "OLD", spec), jsonObject("JSON_OBJECT", "NEW", spec))),
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS %s AFTER DELETE ON %s FOR EACH ROW\n    %s",
			names[2], spec.Quoted, insert("DELETE", "OLD", jsonObject("JSON_OBJECT", "OLD", spec), "NULL")),
	}
}

// postgresTriggers 一个 plpgsql 函数 + 一个行级触发器; CREATE OR REPLACE TRIGGER 需要 PostgreSQL 14+
func postgresTriggers(spec TriggerSpec) []string {
	base := triggerBase(spec.Table)
	names := TriggerNames(spec.Table)
	table := literal(spec.Table)
	fn := fmt.Sprintf(`CREATE OR REPLACE FUNCTION %[1]s_fn() RETURNS trigger AS $$
BEGIN
    IF TG_OP = 'INSERT' THEN
        INSERT INTO %[2]s(table_name, op, pk, before_image, after_image)
        VALUES (%[3]s, 'CREATE', NEW.%[4]s::text, NULL, to_jsonb(NEW));
    ELSIF TG_OP = 'UPDATE' THEN
        INSERT INTO %[2]s(table_name, op, pk, before_image, after_image)
        VALUES (%[3]s, 'UPDATE', NEW.%[4]s::text, to_jsonb(OLD), to_jsonb(NEW));
    ELSE
        INSERT INTO %[2]s(table_name, op, pk, before_image, after_image)
        VALUES (%[3]s, 'DELETE', OLD.%[4]s::text, to_jsonb(OLD), NULL);
    END IF;
    RETURN NULL;
END;
$$ LANGUAGE plpgsql`, base, spec.LogTable, table, spec.PrimaryKey)

	return []string{
		fn,
		fmt.Sprintf(`CREATE OR REPLACE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION %s_fn()`,
			names[0], spec.Quoted, base),
	}
}
