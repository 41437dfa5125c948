package scanner

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"data-rsync/internal/core"
	"data-rsync/internal/errs"
	"data-rsync/internal/model"
	"data-rsync/internal/retry"
	"data-rsync/internal/source"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// KeyRange 探测得到的扫描域
type KeyRange struct {
	// Numeric 为 true 时按主键值 [Min, Max) 分片, 否则按行偏移 [0, Total) 分页
	Numeric bool
	Min     int64
	Max     int64
	Total   int64
}

func (r KeyRange) Empty() bool {
	if r.Numeric {
		return r.Max <= r.Min
	}
	return r.Total == 0
}

// Emitter 接收一个分片内的一批 READ 事件, 返回错误视为该批失败
type Emitter func(ctx context.Context, shard model.Shard, events []model.ChangeEvent) error

// Gate 暂停闸门
type Gate interface {
	Wait(ctx context.Context) error
}

type Options struct {
	// Range 非空时复用上一次探测结果 (断点续扫要求分片边界不变)
	Range *KeyRange
	// ShardCount 非 0 时沿用断点中记录的分片数
	ShardCount int
	// Skip 断点中已完成的分片
	Skip func(shard int) bool
	Gate Gate
	// Progress 完成分片数变化时调用, 参数单调递增
	Progress func(percent int)
	// ShardDone 单个分片结束 (含跳过的分片), err 非空表示该分片失败
	ShardDone func(index int, err error)
	// SnapshotOffset 写入 READ 事件的偏移, 与增量事件做新旧比较
	SnapshotOffset int64
	// Quarantine 接收无法构造事件的单行 (主键为空), 为空时该分片失败
	Quarantine func(ctx context.Context, ev *model.ChangeEvent, cause error) error
}

type Result struct {
	Range      KeyRange
	ShardCount int
	Completed  []int
	Failed     []int
	Rows       int64
	// Quarantined 扫描阶段进入隔离区的行数
	Quarantined int64
}

// Succeeded 失败分片数不超过阈值
func (r *Result) Succeeded(threshold int) bool {
	return len(r.Failed) <= threshold
}

type Config struct {
	MaxShards int
	// PoolSize 所有任务共享的扫描 worker 数
	PoolSize  int
	BatchSize int
	Retry     retry.Retryer
}

// Scanner 分片并行全量扫描
type Scanner struct {
	sources *source.Manager
	cfg     Config
	pool    *semaphore.Weighted
	log     zerolog.Logger
}

func New(sources *source.Manager, cfg Config, log zerolog.Logger) *Scanner {
	if cfg.MaxShards <= 0 {
		cfg.MaxShards = DefaultMaxShards
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 20
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.NewExponential(3)
	}
	return &Scanner{
		sources: sources,
		cfg:     cfg,
		pool:    semaphore.NewWeighted(int64(cfg.PoolSize)),
		log:     log.With().Str("component", "scanner").Logger(),
	}
}

// ProbeRange 探测主键的实际 MIN/MAX; 非整数主键退化为按行偏移分页
func (s *Scanner) ProbeRange(ctx context.Context, a source.Adapter, task *model.Task) (KeyRange, error) {
	minKey, maxKey, ok, err := a.KeyRange(ctx, task.SourceTable, task.PrimaryKey)
	if err != nil {
		return KeyRange{}, err
	}
	if !ok {
		return KeyRange{Numeric: true}, nil
	}
	lo, okLo := source.ToInt64(minKey)
	hi, okHi := source.ToInt64(maxKey)
	if okLo && okHi {
		if hi == math.MaxInt64 {
			// 上界无法 +1, 末分片改为闭区间
			if lo == hi {
				lo--
			}
			return KeyRange{Numeric: true, Min: lo, Max: hi}, nil
		}
		return KeyRange{Numeric: true, Min: lo, Max: hi + 1}, nil
	}
	total, err := a.Count(ctx, task.SourceTable, source.Predicate{})
	if err != nil {
		return KeyRange{}, err
	}
	return KeyRange{Total: total}, nil
}

func (s *Scanner) batchSize(task *model.Task) int {
	if task.BatchSize > 0 {
		return task.BatchSize
	}
	return s.cfg.BatchSize
}

// Scan 分片之间并行, 分片内批次串行。单个分片失败只记录, 不影响其他分片。
// 所有分片结束后才返回。
func (s *Scanner) Scan(ctx context.Context, task *model.Task, ds *model.DataSource, emit Emitter, opts Options) (*Result, error) {
	if err := s.sources.Registry().Require(ds.Type, core.CapShardScan); err != nil {
		return nil, err
	}
	a, err := s.sources.Adapter(ctx, ds)
	if err != nil {
		return nil, err
	}

	var kr KeyRange
	if opts.Range != nil {
		kr = *opts.Range
	} else if kr, err = s.ProbeRange(ctx, a, task); err != nil {
		return nil, err
	}
	res := &Result{Range: kr}
	if kr.Empty() {
		if opts.Progress != nil {
			opts.Progress(100)
		}
		return res, nil
	}

	n := opts.ShardCount
	if n <= 0 {
		n = CalculateShardCount(task.Concurrency, s.cfg.MaxShards)
	}
	var shards []model.Shard
	if kr.Numeric {
		shards = CreateShards(kr.Min, kr.Max, n)
	} else {
		shards = CreateShards(0, kr.Total, n)
	}
	res.ShardCount = len(shards)

	log := s.log.With().Uint("task_id", task.ID).Int("shards", len(shards)).Logger()
	log.Info().Bool("numeric", kr.Numeric).Int64("min", kr.Min).Int64("max", kr.Max).Int64("total", kr.Total).
		Msg("开始全量扫描")

	var (
		mu        sync.Mutex
		completed int
	)
	quarantined := func(n int64) {
		mu.Lock()
		res.Quarantined += n
		mu.Unlock()
	}
	finish := func(idx int, rows int64, err error) {
		mu.Lock()
		defer mu.Unlock()
		res.Rows += rows
		if err != nil {
			res.Failed = append(res.Failed, idx)
		} else {
			res.Completed = append(res.Completed, idx)
		}
		completed++
		if opts.ShardDone != nil {
			opts.ShardDone(idx, err)
		}
		if opts.Progress != nil {
			opts.Progress(completed * 100 / len(shards))
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(len(shards))
	for _, sh := range shards {
		sh := sh
		if opts.Skip != nil && opts.Skip(sh.Index) {
			finish(sh.Index, 0, nil)
			continue
		}
		g.Go(func() error {
			if err := s.pool.Acquire(ctx, 1); err != nil {
				finish(sh.Index, 0, err)
				return nil
			}
			defer s.pool.Release(1)

			start := time.Now()
			rows, err := s.scanShard(ctx, a, task, kr, sh, emit, opts, quarantined)
			if err != nil {
				log.Error().Err(err).Int("shard", sh.Index).Int64("start", sh.Start).Int64("end", sh.End).
					Int64("rows", rows).Msg("分片扫描失败")
			} else {
				log.Debug().Int("shard", sh.Index).Int64("rows", rows).Dur("elapsed", time.Since(start)).Msg("分片扫描完成")
			}
			finish(sh.Index, rows, err)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	log.Info().Int("failed", len(res.Failed)).Int64("rows", res.Rows).Msg("全量扫描结束")
	return res, nil
}

func (s *Scanner) scanShard(ctx context.Context, a source.Adapter, task *model.Task, kr KeyRange,
	sh model.Shard, emit Emitter, opts Options, quarantined func(int64)) (int64, error) {
	limit := s.batchSize(task)
	var rows int64

	cursor := sh.Start
	for {
		if opts.Gate != nil {
			if err := opts.Gate.Wait(ctx); err != nil {
				return rows, err
			}
		}
		q := source.PageQuery{Table: task.SourceTable, OrderBy: []string{task.PrimaryKey}, Limit: limit}
		if kr.Numeric {
			// 主键游标分页, 区间左闭右开
			col := a.Dialect().QuoteIdent(task.PrimaryKey)
			op := "<"
			if sh.End == math.MaxInt64 {
				op = "<="
			}
			q.Predicate = source.Predicate{
				SQL:  fmt.Sprintf("%s >= ? AND %s %s ?", col, col, op),
				Args: []interface{}{cursor, sh.End},
			}
		} else {
			q.Offset = cursor
			if remaining := sh.End - cursor; remaining < int64(limit) {
				q.Limit = int(remaining)
			}
		}

		var page []source.Row
		_, err := retry.Do(ctx, s.cfg.Retry, func(ctx context.Context) error {
			var err error
			page, err = a.Page(ctx, q)
			return err
		})
		if err != nil {
			return rows, err
		}
		if len(page) == 0 {
			return rows, nil
		}

		events := make([]model.ChangeEvent, 0, len(page))
		idx := sh.Index
		var bad int64
		for _, r := range page {
			img := r.Map()
			key, ok := img[task.PrimaryKey]
			if !ok || key == nil {
				cause := errs.Dataf("scanner.page", "row without primary key %s", task.PrimaryKey)
				if opts.Quarantine == nil {
					return rows, cause
				}
				ev := &model.ChangeEvent{TaskID: task.ID, Op: model.OpRead, After: img, Offset: opts.SnapshotOffset,
					ShardIndex: &idx, Timestamp: time.Now().UTC()}
				if err := opts.Quarantine(ctx, ev, cause); err != nil {
					return rows, err
				}
				bad++
				continue
			}
			events = append(events, model.ChangeEvent{
				TaskID:     task.ID,
				Op:         model.OpRead,
				Key:        fmt.Sprint(key),
				After:      img,
				Offset:     opts.SnapshotOffset,
				ShardIndex: &idx,
				Timestamp:  time.Now().UTC(),
			})
		}
		if bad > 0 {
			quarantined(bad)
		}
		if len(events) > 0 {
			if _, err := retry.Do(ctx, s.cfg.Retry, func(ctx context.Context) error {
				return emit(ctx, sh, events)
			}); err != nil {
				return rows, err
			}
		}
		rows += int64(len(page))

		if kr.Numeric {
			last, ok := source.ToInt64(page[len(page)-1].Map()[task.PrimaryKey])
			if !ok {
				return rows, errs.Dataf("scanner.page", "non-integer key in numeric shard")
			}
			if last == math.MaxInt64 {
				return rows, nil
			}
			cursor = last + 1
			if cursor >= sh.End || len(page) < limit {
				return rows, nil
			}
		} else {
			cursor += int64(len(page))
			if cursor >= sh.End || len(page) < q.Limit {
				return rows, nil
			}
		}
	}
}
