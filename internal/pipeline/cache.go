package pipeline

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize 向量缓存容量
const DefaultCacheSize = 10000

// VectorCache 文本哈希 -> 向量的 LRU 缓存, 容量固定
type VectorCache struct {
	lru  *lru.Cache[uint64, []float32]
	size int
}

func NewVectorCache(size int) (*VectorCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[uint64, []float32](size)
	if err != nil {
		return nil, err
	}
	return &VectorCache{lru: c, size: size}, nil
}

// Key 同一文本在不同维度 / 模型下的向量不同, 一并参与哈希
func Key(model string, dim int, text string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(model)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(strconv.Itoa(dim))
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(text)
	return d.Sum64()
}

func (c *VectorCache) Get(key uint64) ([]float32, bool) {
	return c.lru.Get(key)
}

func (c *VectorCache) Put(key uint64, vec []float32) {
	c.lru.Add(key, vec)
}

func (c *VectorCache) Len() int {
	return c.lru.Len()
}

// Cap 缓存容量
func (c *VectorCache) Cap() int {
	return c.size
}

// Usage 已用比例, 超过 0.9 视为压力过大
func (c *VectorCache) Usage() float64 {
	return float64(c.lru.Len()) / float64(c.size)
}

// Purge 任务停止时释放
func (c *VectorCache) Purge() {
	c.lru.Purge()
}
