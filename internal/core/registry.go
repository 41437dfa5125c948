package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"data-rsync/internal/errs"
	"data-rsync/internal/model"
)

// Capability 源类型支持的能力
type Capability uint8

const (
	CapIntrospect Capability = 1 << iota // 库/表/列 元数据
	CapCapture                           // 基于触发器的变更日志捕获
	CapShardScan                         // 按主键分片全量扫描
)

func (c Capability) Has(want Capability) bool {
	return c&want == want
}

func (c Capability) String() string {
	var parts []string
	if c.Has(CapIntrospect) {
		parts = append(parts, "introspect")
	}
	if c.Has(CapCapture) {
		parts = append(parts, "capture")
	}
	if c.Has(CapShardScan) {
		parts = append(parts, "shard_scan")
	}
	return strings.Join(parts, ",")
}

// Dialect SQL 方言: 标识符转义、占位符、元数据查询
type Dialect interface {
	Name() string
	// QuoteIdent 支持 schema.table 形式, 逐段转义
	QuoteIdent(name string) string
	// Rebind 把 ? 占位符转换成驱动需要的形式
	Rebind(query string) string
	DatabasesQuery() string
	TablesQuery(database string) (string, []interface{})
	// ColumnsQuery 结果列固定为 name, type, nullable(0/1), pk(0/1)
	ColumnsQuery(database, table string) (string, []interface{})
}

// SourceType 一种源库类型的编译期注册信息
type SourceType struct {
	Name       string
	DriverName string
	Dialect    Dialect
	Caps       Capability
	// DSN 根据连接描述生成驱动 DSN, 描述不合法时返回配置错误
	DSN func(ds *model.DataSource) (string, error)
}

// Registry 源类型注册表。启动时构造, 通过依赖注入传递。
type Registry struct {
	mu    sync.RWMutex
	types map[string]SourceType
	// 已知但未编译驱动的类型, 配置时直接报错
	known map[string]bool
}

func NewRegistry(types ...SourceType) (*Registry, error) {
	r := &Registry{
		types: make(map[string]SourceType),
		known: map[string]bool{model.SourceOracle: true, model.SourceSQLServer: true},
	}
	for _, t := range types {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(t SourceType) error {
	name := strings.ToUpper(t.Name)
	if name == "" || t.DriverName == "" || t.Dialect == nil || t.DSN == nil {
		return errs.Configf("registry.register", "incomplete source type %q", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.types[name]; dup {
		return errs.Configf("registry.register", "source type %s registered twice", name)
	}
	t.Name = name
	r.types[name] = t
	return nil
}

// Lookup 未注册的类型直接返回配置错误
func (r *Registry) Lookup(name string) (SourceType, error) {
	name = strings.ToUpper(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.types[name]; ok {
		return t, nil
	}
	if r.known[name] {
		return SourceType{}, errs.Configf("registry.lookup", "source type %s has no driver compiled in", name).
			WithField("type", name)
	}
	return SourceType{}, errs.Configf("registry.lookup", "unsupported source type %q", name).WithField("type", name)
}

// Require 检查源类型是否具备所需能力
func (r *Registry) Require(name string, caps Capability) error {
	t, err := r.Lookup(name)
	if err != nil {
		return err
	}
	if !t.Caps.Has(caps) {
		return errs.Configf("registry.require", "source type %s lacks capability %s (has %s)", t.Name, caps, t.Caps)
	}
	return nil
}

// Validate 校验连接描述
func (r *Registry) Validate(ds *model.DataSource) error {
	if ds == nil {
		return errs.Configf("registry.validate", "data source is nil")
	}
	t, err := r.Lookup(ds.Type)
	if err != nil {
		return err
	}
	if ds.Database == "" {
		return errs.Configf("registry.validate", "data source %q: database is required", ds.Name)
	}
	if _, err := t.DSN(ds); err != nil {
		return err
	}
	return nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for n := range r.types {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (t SourceType) String() string {
	return fmt.Sprintf("%s(%s)", t.Name, t.DriverName)
}
