package pipeline

import (
	"context"
	"math"
	"sort"
	"strings"

	"data-rsync/internal/errs"
	"data-rsync/internal/model"
)

// DefaultDimension 默认向量维度
const DefaultDimension = 128

// Embedder text -> float[N], 可替换为模型服务
type Embedder interface {
	Name() string
	Embed(ctx context.Context, text string, dim int) ([]float32, error)
}

// TextFeatureEmbedder 基于字符分布和长度的确定性向量, 没有语义, 仅作占位实现
type TextFeatureEmbedder struct{}

func (TextFeatureEmbedder) Name() string { return "text_feature" }

func (TextFeatureEmbedder) Embed(_ context.Context, text string, dim int) ([]float32, error) {
	if dim <= 0 {
		dim = DefaultDimension
	}
	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return nil, errs.Dataf("pipeline.embed", "empty text")
	}
	lengthFactor := math.Min(1.0, float64(n)/1000.0)

	vec := make([]float32, dim)
	for i := range vec {
		if i < n%dim {
			vec[i] = float32(float64(runes[i%n]) / 255.0 * lengthFactor)
		} else {
			vec[i] = float32(math.Sin(float64(i)) * lengthFactor * 0.5)
		}
	}
	return vec, nil
}

// BuildText 按字段名排序拼接 "field: value ", 向量字段不参与
func BuildText(fields map[string]interface{}, only []string) string {
	keys := make([]string, 0, len(fields))
	if len(only) > 0 {
		for _, k := range only {
			if _, ok := fields[k]; ok {
				keys = append(keys, k)
			}
		}
	} else {
		for k := range fields {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v := fields[k]
		switch v.(type) {
		case []float32, []float64:
			continue
		}
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(stringify(v))
		b.WriteString(" ")
	}
	return b.String()
}

// Vectorizer 记录 -> (向量, 文本)
type Vectorizer interface {
	Vectorize(ctx context.Context, fields map[string]interface{}, cfg *model.PipelineConfig, dim int) ([]float32, string, error)
}

// CachedVectorizer 先查缓存, 未命中时调用 Embedder
type CachedVectorizer struct {
	embedder Embedder
	cache    *VectorCache
}

func NewCachedVectorizer(embedder Embedder, cache *VectorCache) *CachedVectorizer {
	return &CachedVectorizer{embedder: embedder, cache: cache}
}

func (v *CachedVectorizer) Vectorize(ctx context.Context, fields map[string]interface{}, cfg *model.PipelineConfig, dim int) ([]float32, string, error) {
	if dim <= 0 {
		dim = DefaultDimension
	}
	text := BuildText(fields, cfg.TextFields)
	key := Key(v.embedder.Name(), dim, text)
	if v.cache != nil {
		if vec, ok := v.cache.Get(key); ok {
			return vec, text, nil
		}
	}
	vec, err := v.embedder.Embed(ctx, text, dim)
	if err != nil {
		return nil, text, err
	}
	if len(vec) != dim {
		return nil, text, errs.Dataf("pipeline.embed", "embedder %s returned %d dimensions, want %d",
			v.embedder.Name(), len(vec), dim)
	}
	if v.cache != nil {
		v.cache.Put(key, vec)
	}
	return vec, text, nil
}

func (v *CachedVectorizer) Cache() *VectorCache {
	return v.cache
}
