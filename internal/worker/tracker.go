package worker

import (
	"sort"
	"sync"
)

// ShardTracker 跟踪每个分片已投递和已被向量库确认的行数。
// 分片扫描结束且确认数追上投递数后才算完成, 这时才能写入断点。
type ShardTracker struct {
	mu        sync.Mutex
	emitted   map[int]int64
	acked     map[int]int64
	scanned   map[int]bool
	durable   map[int]bool
	onDurable func(done []int)
}

// NewShardTracker done 为断点中已完成的分片
func NewShardTracker(done []int, onDurable func(done []int)) *ShardTracker {
	t := &ShardTracker{
		emitted:   make(map[int]int64),
		acked:     make(map[int]int64),
		scanned:   make(map[int]bool),
		durable:   make(map[int]bool),
		onDurable: onDurable,
	}
	for _, s := range done {
		t.durable[s] = true
	}
	return t
}

func (t *ShardTracker) Emitted(shard int, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emitted[shard] += int64(n)
}

// Scanned 分片的所有批次都已投递
func (t *ShardTracker) Scanned(shard int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scanned[shard] = true
	t.check(shard)
}

// Acked 重复投递会让 acked 超过 emitted, 按 >= 判断
func (t *ShardTracker) Acked(shard int, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acked[shard] += int64(n)
	t.check(shard)
}

func (t *ShardTracker) check(shard int) {
	if t.durable[shard] || !t.scanned[shard] || t.acked[shard] < t.emitted[shard] {
		return
	}
	t.durable[shard] = true
	if t.onDurable != nil {
		t.onDurable(t.doneLocked())
	}
}

func (t *ShardTracker) Done() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doneLocked()
}

func (t *ShardTracker) doneLocked() []int {
	out := make([]int, 0, len(t.durable))
	for s := range t.durable {
		out = append(out, s)
	}
	sort.Ints(out)
	return out
}

// Pending 已投递但尚未确认的行数
func (t *ShardTracker) Pending() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int64
	for s, e := range t.emitted {
		if d := e - t.acked[s]; d > 0 {
			n += d
		}
	}
	return n
}
