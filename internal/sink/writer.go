package sink

import (
	"context"
	"sync"
	"time"

	"data-rsync/internal/errs"
	"data-rsync/internal/model"
	"data-rsync/internal/retry"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// MaxBatch 单次写入的记录上限
const MaxBatch = 1000

// Quarantiner 把无法处理的记录写入隔离区
type Quarantiner interface {
	Quarantine(ctx context.Context, taskID uint, stage model.SyncStage, ev *model.ChangeEvent, cause error) error
}

type WriterConfig struct {
	MaxBatch     int
	RetryDelay   time.Duration
	IndexRetries int
	IndexBackoff time.Duration
	// OffsetCacheSize 每个主键最近写入偏移的缓存容量
	OffsetCacheSize int
}

// WriteResult 一次 Write 的统计
type WriteResult struct {
	Written       int
	Skipped       int
	Quarantined   int
	FailedBatches int
}

func (r *WriteResult) add(o WriteResult) {
	r.Written += o.Written
	r.Skipped += o.Skipped
	r.Quarantined += o.Quarantined
	r.FailedBatches += o.FailedBatches
}

// Writer 幂等写入: 同一主键按源偏移后写者胜。
// offsets 只是缓存, 未命中时以向量库里的偏移为准。
type Writer struct {
	store      VectorStore
	quarantine Quarantiner
	cfg        WriterConfig
	log        zerolog.Logger

	offsets *lru.Cache[string, int64]
	// 同一集合的写入串行, 保证偏移比较和写入原子
	locks sync.Map
	// 已确认存在的集合
	ready sync.Map
}

func NewWriter(store VectorStore, q Quarantiner, cfg WriterConfig, log zerolog.Logger) (*Writer, error) {
	if cfg.MaxBatch <= 0 || cfg.MaxBatch > MaxBatch {
		cfg.MaxBatch = MaxBatch
	}
	if cfg.IndexRetries <= 0 {
		cfg.IndexRetries = 3
	}
	if cfg.IndexBackoff <= 0 {
		cfg.IndexBackoff = time.Second
	}
	if cfg.OffsetCacheSize <= 0 {
		cfg.OffsetCacheSize = 100000
	}
	offsets, err := lru.New[string, int64](cfg.OffsetCacheSize)
	if err != nil {
		return nil, err
	}
	return &Writer{
		store:      store,
		quarantine: q,
		cfg:        cfg,
		log:        log.With().Str("component", "sink").Logger(),
		offsets:    offsets,
	}, nil
}

func (w *Writer) Store() VectorStore {
	return w.store
}

func (w *Writer) lock(collection string) *sync.Mutex {
	m, _ := w.locks.LoadOrStore(collection, &sync.Mutex{})
	return m.(*sync.Mutex)
}

func spec(task *model.Task) CollectionSpec {
	dim := task.Dimension
	if dim <= 0 {
		dim = 128
	}
	metric := task.Metric
	if metric == "" {
		metric = "COSINE"
	}
	return CollectionSpec{Name: task.Collection, Dimension: dim, Metric: metric}
}

// Prepare 首次写入前确保集合和主键索引存在, 均为幂等操作
func (w *Writer) Prepare(ctx context.Context, task *model.Task) error {
	if task.Collection == "" {
		return errs.Configf("sink.prepare", "task %d has no target collection", task.ID)
	}
	if _, ok := w.ready.Load(task.Collection); ok {
		return nil
	}
	if err := w.ensureCollection(ctx, spec(task)); err != nil {
		return err
	}
	if err := w.ensureIndex(ctx, task.Collection); err != nil {
		return err
	}
	w.ready.Store(task.Collection, struct{}{})
	return nil
}

func (w *Writer) ensureCollection(ctx context.Context, s CollectionSpec) error {
	ok, err := w.store.CollectionExists(ctx, s.Name)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if err := w.store.CreateCollection(ctx, s); err != nil {
		return err
	}
	w.log.Info().Str("collection", s.Name).Int("dimension", s.Dimension).Str("metric", s.Metric).Msg("集合已创建")
	return nil
}

// ensureIndex 索引创建是异步的, 创建后重新读取集合信息确认, 固定间隔重试
func (w *Writer) ensureIndex(ctx context.Context, collection string) error {
	ok, err := w.store.HasKeyIndex(ctx, collection)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if err := w.store.CreateKeyIndex(ctx, collection); err != nil {
		return err
	}
	_, err = retry.Do(ctx, retry.NewFixedDelay(w.cfg.IndexBackoff, w.cfg.IndexRetries), func(ctx context.Context) error {
		ok, err := w.store.HasKeyIndex(ctx, collection)
		if err != nil {
			return err
		}
		if !ok {
			return errs.Transientf("sink.ensure_index", "index on %s.%s not visible yet", collection, KeyField)
		}
		return nil
	})
	if err != nil {
		return errs.Config("sink.ensure_index", err).WithField("collection", collection)
	}
	w.log.Info().Str("collection", collection).Msg("主键索引已就绪")
	return nil
}

// RebuildIndex 删除并重建集合 (数据需要重新全量同步)
func (w *Writer) RebuildIndex(ctx context.Context, task *model.Task) error {
	return w.Reset(ctx, task)
}

// Reset 清空目标集合, 全量同步前调用
func (w *Writer) Reset(ctx context.Context, task *model.Task) error {
	mu := w.lock(task.Collection)
	mu.Lock()
	defer mu.Unlock()

	if err := w.store.DropCollection(ctx, task.Collection); err != nil {
		return err
	}
	w.ready.Delete(task.Collection)
	w.forgetOffsets(task.Collection)
	return w.Prepare(ctx, task)
}

func (w *Writer) forgetOffsets(collection string) {
	prefix := collection + "\x00"
	for _, k := range w.offsets.Keys() {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			w.offsets.Remove(k)
		}
	}
}

// Write 按 MaxBatch 分批写入。每批作为整体重试 task.RetryCount 次,
// 仍失败则整批记录进入隔离区 (stage=WRITE)。
func (w *Writer) Write(ctx context.Context, task *model.Task, recs []*model.ProcessedRecord) (WriteResult, error) {
	var total WriteResult
	if len(recs) == 0 {
		return total, nil
	}
	if err := w.Prepare(ctx, task); err != nil {
		return total, err
	}
	size := w.cfg.MaxBatch
	if task.BatchSize > 0 && task.BatchSize < size {
		size = task.BatchSize
	}
	for start := 0; start < len(recs); start += size {
		end := start + size
		if end > len(recs) {
			end = len(recs)
		}
		res, err := w.writeBatch(ctx, task, recs[start:end])
		total.add(res)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (w *Writer) writeBatch(ctx context.Context, task *model.Task, batch []*model.ProcessedRecord) (WriteResult, error) {
	var res WriteResult
	var applied, skipped int
	attempts, err := retry.Do(ctx, retry.NewFixedDelay(w.cfg.RetryDelay, task.RetryCount), func(ctx context.Context) error {
		var err error
		applied, skipped, err = w.Apply(ctx, task, batch)
		return err
	})
	if err == nil {
		res.Written, res.Skipped = applied, skipped
		return res, nil
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	res.FailedBatches = 1
	w.log.Error().Err(err).Uint("task_id", task.ID).Int("records", len(batch)).Int("attempts", attempts).
		Msg("批量写入失败, 记录进入隔离区")
	if w.quarantine == nil {
		return res, err
	}
	for _, r := range batch {
		ev := r.Source
		if ev == nil {
			ev = &model.ChangeEvent{TaskID: task.ID, Op: r.Op, Key: r.Key, After: r.Fields, Offset: r.Offset}
		}
		if qerr := w.quarantine.Quarantine(ctx, task.ID, model.StageWrite, ev, err); qerr != nil {
			return res, qerr
		}
		res.Quarantined++
	}
	return res, nil
}

// Apply 单批写入, 不重试也不隔离 (隔离区重试使用)。
// 批内同一主键只保留偏移最大的一条; 偏移小于已写入偏移的记录跳过。
func (w *Writer) Apply(ctx context.Context, task *model.Task, batch []*model.ProcessedRecord) (int, int, error) {
	if err := w.Prepare(ctx, task); err != nil {
		return 0, 0, err
	}
	mu := w.lock(task.Collection)
	mu.Lock()
	defer mu.Unlock()

	if err := w.loadOffsets(ctx, task.Collection, batch); err != nil {
		return 0, 0, err
	}
	latest := make(map[string]*model.ProcessedRecord, len(batch))
	order := make([]string, 0, len(batch))
	skipped := 0
	for _, r := range batch {
		if last, ok := w.offsets.Get(offsetKey(task.Collection, r.Key)); ok && r.Offset < last {
			skipped++
			continue
		}
		prev, ok := latest[r.Key]
		if !ok {
			order = append(order, r.Key)
		} else {
			skipped++
			if r.Offset < prev.Offset {
				continue
			}
		}
		latest[r.Key] = r
	}

	var upserts []Point
	var deletes []string
	for _, k := range order {
		r := latest[k]
		if r.Deleted() {
			deletes = append(deletes, k)
			continue
		}
		upserts = append(upserts, Point{Key: r.Key, Offset: r.Offset, Vector: r.Vector, Fields: r.Fields, Text: r.Text})
	}
	if err := w.store.Upsert(ctx, task.Collection, upserts); err != nil {
		return 0, skipped, err
	}
	if err := w.store.Delete(ctx, task.Collection, deletes); err != nil {
		return 0, skipped, err
	}
	for _, k := range order {
		w.offsets.Add(offsetKey(task.Collection, k), latest[k].Offset)
	}
	return len(order), skipped, nil
}

// loadOffsets 缓存里没有的主键从向量库读回已写入的偏移 (进程重启、缓存淘汰)
func (w *Writer) loadOffsets(ctx context.Context, collection string, batch []*model.ProcessedRecord) error {
	seen := make(map[string]struct{}, len(batch))
	var misses []string
	for _, r := range batch {
		if _, ok := seen[r.Key]; ok {
			continue
		}
		seen[r.Key] = struct{}{}
		if !w.offsets.Contains(offsetKey(collection, r.Key)) {
			misses = append(misses, r.Key)
		}
	}
	if len(misses) == 0 {
		return nil
	}
	stored, err := w.store.Get(ctx, collection, misses)
	if err != nil {
		return err
	}
	for k, p := range stored {
		w.offsets.Add(offsetKey(collection, k), p.Offset)
	}
	return nil
}

func offsetKey(collection, key string) string {
	return collection + "\x00" + key
}
