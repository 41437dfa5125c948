package scanner

import (
	"data-rsync/internal/model"
)

// DefaultMaxShards 单个任务的分片上限
const DefaultMaxShards = 10

// CalculateShardCount min(concurrency, maxShards), 至少 1
func CalculateShardCount(concurrency, maxShards int) int {
	if maxShards <= 0 {
		maxShards = DefaultMaxShards
	}
	n := concurrency
	if n > maxShards {
		n = maxShards
	}
	if n < 1 {
		n = 1
	}
	return n
}

// CreateShards 把 [lo, hi) 等宽切成 n 段, 余数分摊到前几段。
// 区间长度小于 n 时分片数降为区间长度, 不产生空分片。
func CreateShards(lo, hi int64, n int) []model.Shard {
	if hi <= lo {
		return nil
	}
	if n < 1 {
		n = 1
	}
	span := uint64(hi - lo)
	if uint64(n) > span {
		n = int(span)
	}
	width := span / uint64(n)
	rem := span % uint64(n)

	shards := make([]model.Shard, 0, n)
	start := lo
	for i := 0; i < n; i++ {
		w := width
		if uint64(i) < rem {
			w++
		}
		end := start + int64(w)
		if i == n-1 {
			end = hi
		}
		shards = append(shards, model.Shard{Index: i, Start: start, End: end})
		start = end
	}
	return shards
}
