package breakpoint

import (
	"encoding/json"
	"fmt"
	"sort"

	"data-rsync/internal/errs"
)

const (
	ModeCDC  = "cdc"
	ModeScan = "scan"
)

// Token 断点内容。对存储层是不透明的字符串。
type Token struct {
	Mode string `json:"mode"`

	// cdc: 已被向量库确认的最大变更日志偏移; scan: 扫描开始前的日志头
	Offset int64 `json:"offset,omitempty"`

	// scan: 已完成的分片, 以及分片时使用的区间
	Shards     []int `json:"shards,omitempty"`
	ShardCount int   `json:"shardCount,omitempty"`
	RangeMin   int64 `json:"rangeMin,omitempty"`
	RangeMax   int64 `json:"rangeMax,omitempty"`
}

func CDC(offset int64) Token {
	return Token{Mode: ModeCDC, Offset: offset}
}

func Scan(done []int, shardCount int, min, max int64) Token {
	shards := append([]int(nil), done...)
	sort.Ints(shards)
	return Token{Mode: ModeScan, Shards: shards, ShardCount: shardCount, RangeMin: min, RangeMax: max}
}

func (t Token) Encode() string {
	b, _ := json.Marshal(t)
	return string(b)
}

// Done 分片是否已在断点中标记完成
func (t Token) Done(shard int) bool {
	for _, s := range t.Shards {
		if s == shard {
			return true
		}
	}
	return false
}

func Parse(s string) (Token, error) {
	var t Token
	if err := json.Unmarshal([]byte(s), &t); err != nil {
		return Token{}, errs.Data("breakpoint.parse", fmt.Errorf("malformed breakpoint %q: %w", s, err))
	}
	if t.Mode != ModeCDC && t.Mode != ModeScan {
		return Token{}, errs.Dataf("breakpoint.parse", "unknown breakpoint mode %q", t.Mode)
	}
	return t, nil
}
