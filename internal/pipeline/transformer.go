package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"data-rsync/internal/errs"
	"data-rsync/internal/model"
)

// Transformer 字段重命名、类型转换、排除
type Transformer interface {
	Transform(fields map[string]interface{}, cfg *model.PipelineConfig) (map[string]interface{}, error)
}

type DefaultTransformer struct{}

func (DefaultTransformer) Transform(fields map[string]interface{}, cfg *model.PipelineConfig) (map[string]interface{}, error) {
	exclude := make(map[string]bool, len(cfg.ExcludeFields))
	for _, f := range cfg.ExcludeFields {
		exclude[f] = true
	}

	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if exclude[k] {
			continue
		}
		name := k
		if mapped, ok := cfg.FieldMapping[k]; ok && mapped != "" {
			name = mapped
		}
		out[name] = v
	}

	for field, typ := range cfg.TypeConversions {
		v, ok := out[field]
		if !ok || v == nil {
			continue
		}
		converted, err := convert(v, typ)
		if err != nil {
			return nil, errs.Dataf("pipeline.transform", "field %s: %v", field, err)
		}
		out[field] = converted
	}
	return out, nil
}

func convert(v interface{}, typ string) (interface{}, error) {
	s := strings.TrimSpace(stringify(v))
	switch strings.ToLower(typ) {
	case "int", "integer", "long":
		switch t := v.(type) {
		case int64:
			return t, nil
		case int:
			return int64(t), nil
		case float64:
			if t != float64(int64(t)) {
				return nil, fmt.Errorf("%v is not an integer", t)
			}
			return int64(t), nil
		case bool:
			if t {
				return int64(1), nil
			}
			return int64(0), nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to int", s)
		}
		return n, nil
	case "float", "double", "number":
		switch t := v.(type) {
		case float64:
			return t, nil
		case int64:
			return float64(t), nil
		case int:
			return float64(t), nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to float", s)
		}
		return f, nil
	case "bool", "boolean":
		if b, ok := v.(bool); ok {
			return b, nil
		}
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to bool", s)
		}
		return b, nil
	case "string":
		return stringify(v), nil
	case "auto":
		if _, ok := v.(string); !ok {
			return v, nil
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, nil
		}
		if b, err := strconv.ParseBool(s); err == nil {
			return b, nil
		}
		return v, nil
	}
	return nil, fmt.Errorf("unknown target type %q", typ)
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
