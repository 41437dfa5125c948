package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// 向量库 payload 的顶层字段; 源表列统一放在 FieldsField 下, 与这些名字互不冲突
const (
	KeyField    = "pk"
	OffsetField = "_offset"
	TextField   = "_text"
	FieldsField = "fields"
)

// Point 一条待写入 / 读回的向量记录
type Point struct {
	Key    string
	Offset int64
	Vector []float32
	Fields map[string]interface{}
	Text   string
}

type CollectionSpec struct {
	Name      string
	Dimension int
	// Metric COSINE / L2 / IP
	Metric string
}

// VectorStore 向量库访问接口
type VectorStore interface {
	CollectionExists(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, spec CollectionSpec) error
	DropCollection(ctx context.Context, name string) error
	// CreateKeyIndex 在主键字段上建索引, 可能异步生效
	CreateKeyIndex(ctx context.Context, name string) error
	HasKeyIndex(ctx context.Context, name string) (bool, error)
	Upsert(ctx context.Context, name string, points []Point) error
	Delete(ctx context.Context, name string, keys []string) error
	Count(ctx context.Context, name string) (int64, error)
	Get(ctx context.Context, name string, keys []string) (map[string]Point, error)
}

var pointNamespace = uuid.MustParse("6f1c5d1e-8a43-4f59-a1a2-3f0a7c0b9e11")

// PointID 非负整数主键直接作为数字 ID, 其他主键映射为稳定的 UUID
func PointID(key string) (uint64, string) {
	if n, err := strconv.ParseUint(key, 10, 64); err == nil && strconv.FormatUint(n, 10) == key {
		return n, ""
	}
	return 0, uuid.NewSHA1(pointNamespace, []byte(key)).String()
}

// JSONSafe 把字段值规整为 JSON 类型 (string / bool / int64 / float64 / map / slice / nil)
func JSONSafe(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = jsonValue(v)
	}
	return out
}

func jsonValue(v interface{}) interface{} {
	switch t := v.(type) {
	case nil, string, bool, int64, float64:
		return t
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case float32:
		return float64(t)
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out interface{}
	if err := dec.Decode(&out); err != nil {
		return string(raw)
	}
	return normalizeJSON(out)
}

func normalizeJSON(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]interface{}:
		for k, x := range t {
			t[k] = normalizeJSON(x)
		}
		return t
	case []interface{}:
		for i, x := range t {
			t[i] = normalizeJSON(x)
		}
		return t
	}
	return v
}

// normalizeNumber 整数值的 float64 统一成 int64, 用于比较
func normalizeNumber(v interface{}) interface{} {
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return int64(f)
	}
	return v
}
