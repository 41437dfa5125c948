package cdc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"data-rsync/internal/errs"
	"data-rsync/internal/model"
	"data-rsync/internal/queue"
	"data-rsync/internal/source"
)

// Record 变更日志中的一行
type Record struct {
	Seq        int64
	Op         model.Op
	Key        string
	Before     map[string]interface{}
	After      map[string]interface{}
	CapturedAt time.Time
	// Err 该行镜像无法解析; 不影响同批其他记录
	Err error
}

// Capturer 源库变更捕获句柄
type Capturer interface {
	// Setup 安装日志表和触发器, 可重复调用
	Setup(ctx context.Context) error
	Teardown(ctx context.Context) error
	// HeadOffset 当前最新的偏移, 没有日志时为 0
	HeadOffset(ctx context.Context) (int64, error)
	// Next 读取 offset 之后的至多 limit 条记录, 按偏移升序
	Next(ctx context.Context, offset int64, limit int) ([]Record, error)
}

// CaptureConfig 单个任务的捕获配置
type CaptureConfig struct {
	ServerID   string // 捕获端标识, 记录在日志里便于排查
	Database   string
	Table      string
	PrimaryKey string
	LogTable   string
}

// TriggerCapture 基于触发器 + 变更日志表的捕获实现
type TriggerCapture struct {
	adapter source.Adapter
	cfg     CaptureConfig
}

func NewTriggerCapture(a source.Adapter, cfg CaptureConfig) *TriggerCapture {
	if cfg.LogTable == "" {
		cfg.LogTable = DefaultLogTable
	}
	return &TriggerCapture{adapter: a, cfg: cfg}
}

func (c *TriggerCapture) spec(ctx context.Context) (TriggerSpec, error) {
	d := c.adapter.Dialect()
	spec := TriggerSpec{
		Table:      c.cfg.Table,
		Quoted:     d.QuoteIdent(c.cfg.Table),
		PrimaryKey: d.QuoteIdent(c.cfg.PrimaryKey),
		Quote:      d.QuoteIdent,
		LogTable:   c.cfg.LogTable,
	}
	cols, err := c.adapter.ListColumns(ctx, c.cfg.Database, c.cfg.Table)
	if err != nil {
		return spec, err
	}
	found := false
	for _, col := range cols {
		spec.Columns = append(spec.Columns, col.Name)
		if col.Name == c.cfg.PrimaryKey {
			found = true
		}
	}
	if !found {
		return spec, errs.Configf("cdc.setup", "primary key %q not found in table %s", c.cfg.PrimaryKey, c.cfg.Table)
	}
	return spec, nil
}

func (c *TriggerCapture) Setup(ctx context.Context) error {
	dialect := c.adapter.Dialect().Name()
	ddl, err := LogTableDDL(dialect, c.cfg.LogTable)
	if err != nil {
		return err
	}
	spec, err := c.spec(ctx)
	if err != nil {
		return err
	}
	stmts, err := InstallStatements(dialect, spec)
	if err != nil {
		return err
	}
	for _, s := range append([]string{ddl}, stmts...) {
		if _, err := c.adapter.Execute(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (c *TriggerCapture) Teardown(ctx context.Context) error {
	d := c.adapter.Dialect()
	spec := TriggerSpec{Table: c.cfg.Table, Quoted: d.QuoteIdent(c.cfg.Table)}
	for _, s := range DropStatements(d.Name(), spec) {
		if _, err := c.adapter.Execute(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (c *TriggerCapture) HeadOffset(ctx context.Context) (int64, error) {
	rows, err := c.adapter.Query(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM "+c.cfg.LogTable+" WHERE table_name = ?", c.cfg.Table)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return 0, nil
	}
	n, _ := source.ToInt64(rows[0][0].Value)
	return n, nil
}

func (c *TriggerCapture) Next(ctx context.Context, offset int64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := c.adapter.Query(ctx,
		"SELECT seq, op, pk, before_image, after_image, captured_at FROM "+c.cfg.LogTable+
			" WHERE table_name = ? AND seq > ? ORDER BY seq LIMIT ?",
		c.cfg.Table, offset, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		seq, ok := source.ToInt64(r[0].Value)
		if !ok {
			return nil, errs.Dataf("cdc.next", "invalid seq %v", r[0].Value)
		}
		rec := Record{
			Seq:        seq,
			Op:         model.Op(strings.ToUpper(asString(r[1].Value))),
			Key:        asString(r[2].Value),
			CapturedAt: asTime(r[5].Value),
		}
		var berr, aerr error
		rec.Before, berr = decodeImage(r[3].Value)
		rec.After, aerr = decodeImage(r[4].Value)
		if berr != nil || aerr != nil {
			rec.Err = errors.Join(berr, aerr)
			rec.Before = rawImage(r[3].Value, rec.Before)
			rec.After = rawImage(r[4].Value, rec.After)
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeImage(v interface{}) (map[string]interface{}, error) {
	var raw []byte
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]interface{}:
		return t, nil
	case string:
		raw = []byte(t)
	case []byte:
		raw = t
	default:
		return nil, errs.Dataf("cdc.decode", "unexpected image type %T", v)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var m map[string]interface{}
	if err := dec.Decode(&m); err != nil {
		return nil, errs.Data("cdc.decode", err)
	}
	queue.NormalizeNumbers(m)
	return m, nil
}

// rawImage 解析失败时保留原文, 写入错误表后可人工修正重试
func rawImage(v interface{}, decoded map[string]interface{}) map[string]interface{} {
	if decoded != nil || v == nil {
		return decoded
	}
	return map[string]interface{}{"_raw": asString(v)}
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	}
	b, _ := json.Marshal(v)
	return strings.Trim(string(b), `"`)
}

func asTime(v interface{}) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02 15:04:05.999999999-07:00"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UTC()
			}
		}
	}
	return time.Now().UTC()
}
