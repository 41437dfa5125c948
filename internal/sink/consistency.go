package sink

import (
	"context"
	"fmt"
	"math/rand/v2"
	"reflect"
	"sort"
	"time"

	"data-rsync/internal/model"
	"data-rsync/internal/source"
)

// Report 一致性校验结果, 只报告不修复
type Report struct {
	Consistent       bool      `json:"consistent"`
	SourceCount      int64     `json:"sourceCount"`
	TargetCount      int64     `json:"targetCount"`
	Delta            int64     `json:"delta"`
	SampleChecked    int       `json:"sampleChecked"`
	SampleMismatches int       `json:"sampleMismatches"`
	MismatchedKeys   []string  `json:"mismatchedKeys,omitempty"`
	CheckedAt        time.Time `json:"checkedAt"`
}

// CompareCounts 只比较行数
func CompareCounts(sourceCount, targetCount int64) Report {
	delta := sourceCount - targetCount
	if delta < 0 {
		delta = -delta
	}
	return Report{
		Consistent:  delta == 0,
		SourceCount: sourceCount,
		TargetCount: targetCount,
		Delta:       delta,
		CheckedAt:   time.Now().UTC(),
	}
}

// SourceReader 校验需要的源端能力, source.Adapter 满足
type SourceReader interface {
	Count(ctx context.Context, table string, pred source.Predicate) (int64, error)
	Page(ctx context.Context, q source.PageQuery) ([]source.Row, error)
}

// Expect 把源端一行转换成期望写入的字段 (走同一条清洗/转换链路)
type Expect func(ctx context.Context, ev *model.ChangeEvent) (map[string]interface{}, error)

// Checker 可被多个任务并发使用
type Checker struct {
	store      VectorStore
	sampleSize int
}

func NewChecker(store VectorStore, sampleSize int) *Checker {
	if sampleSize < 0 {
		sampleSize = 0
	}
	return &Checker{store: store, sampleSize: sampleSize}
}

// Check 比较行数, 并随机抽样逐字段比较
func (c *Checker) Check(ctx context.Context, task *model.Task, src SourceReader, expect Expect) (*Report, error) {
	sourceCount, err := src.Count(ctx, task.SourceTable, source.Predicate{})
	if err != nil {
		return nil, err
	}
	targetCount, err := c.store.Count(ctx, task.Collection)
	if err != nil {
		return nil, err
	}
	rep := CompareCounts(sourceCount, targetCount)
	if sourceCount == 0 || c.sampleSize == 0 || expect == nil {
		return &rep, nil
	}

	for _, off := range c.sampleOffsets(sourceCount) {
		rows, err := src.Page(ctx, source.PageQuery{
			Table:   task.SourceTable,
			OrderBy: []string{task.PrimaryKey},
			Offset:  off,
			Limit:   1,
		})
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			continue
		}
		img := rows[0].Map()
		key := stringKey(img[task.PrimaryKey])
		rep.SampleChecked++

		want, err := expect(ctx, &model.ChangeEvent{TaskID: task.ID, Op: model.OpRead, Key: key, After: img})
		if err != nil {
			// 源端数据本身无法处理, 应在隔离区中, 不算不一致
			continue
		}
		got, err := c.store.Get(ctx, task.Collection, []string{key})
		if err != nil {
			return nil, err
		}
		p, ok := got[key]
		if !ok || !sameFields(want, p.Fields) {
			rep.SampleMismatches++
			rep.MismatchedKeys = append(rep.MismatchedKeys, key)
		}
	}
	sort.Strings(rep.MismatchedKeys)
	rep.Consistent = rep.Delta == 0 && rep.SampleMismatches == 0
	return &rep, nil
}

func (c *Checker) sampleOffsets(total int64) []int64 {
	n := int64(c.sampleSize)
	if n >= total {
		out := make([]int64, total)
		for i := range out {
			out[i] = int64(i)
		}
		return out
	}
	seen := make(map[int64]bool, n)
	out := make([]int64, 0, n)
	for int64(len(out)) < n {
		//nolint:gosec // 抽样不需要安全随机数
		off := rand.Int64N(total)
		if !seen[off] {
			seen[off] = true
			out = append(out, off)
		}
	}
	return out
}

func sameFields(want, got map[string]interface{}) bool {
	w := JSONSafe(want)
	if len(w) != len(got) {
		return false
	}
	for k, v := range w {
		g, ok := got[k]
		if !ok || !reflect.DeepEqual(normalizeNumber(v), normalizeNumber(g)) {
			return false
		}
	}
	return true
}

// stringKey 与扫描阶段生成事件主键的方式一致
func stringKey(v interface{}) string {
	return fmt.Sprint(v)
}
