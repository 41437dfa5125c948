package worker

import (
	"context"
	"time"

	"data-rsync/internal/breakpoint"
	"data-rsync/internal/errs"
	"data-rsync/internal/model"
	"data-rsync/internal/pipeline"
	"data-rsync/internal/queue"
	"data-rsync/internal/sink"

	"github.com/rs/zerolog"
)

type SyncConfig struct {
	TopicPrefix string
	Group       string
	Consumer    string
	// MaxMessages 单次拉取的消息数, 默认取任务 batchSize
	MaxMessages int
	// IdleWait 队列为空时的等待间隔
	IdleWait time.Duration
	// RetryWait 批次失败 (消息未确认) 后的等待间隔
	RetryWait time.Duration
}

// BatchStats 一批消息的处理结果
type BatchStats struct {
	Consumed    int
	Written     int
	Skipped     int
	Quarantined int
	// FailedBatches 重试耗尽后整批进入隔离区的写入批次数
	FailedBatches int
	// MaxOffset 本批增量事件的最大偏移, 没有时为 0
	MaxOffset int64
	// ReadByShard 每个分片被确认的 READ 事件数
	ReadByShard map[int]int
}

// Hooks 编排层注入的回调, 均可为空
type Hooks struct {
	Gate      *Gate
	Heartbeat func()
	OnBatch   func(stats BatchStats)
	// OnFatal 不可重试的错误 (配置错误), 消费循环随后退出
	OnFatal func(err error)
}

// SyncWorker 消费任务主题: 处理 -> 写入 -> 断点 -> 确认
type SyncWorker struct {
	queue      queue.Queue
	pipeline   *pipeline.Pipeline
	writer     *sink.Writer
	store      breakpoint.Store
	quarantine sink.Quarantiner
	cfg        SyncConfig
	log        zerolog.Logger
}

func NewSyncWorker(q queue.Queue, p *pipeline.Pipeline, w *sink.Writer, store breakpoint.Store,
	quarantine sink.Quarantiner, cfg SyncConfig, log zerolog.Logger) *SyncWorker {
	if cfg.Group == "" {
		cfg.Group = "rsync-sync"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker"
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = 50 * time.Millisecond
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = time.Second
	}
	return &SyncWorker{
		queue:      q,
		pipeline:   p,
		writer:     w,
		store:      store,
		quarantine: quarantine,
		cfg:        cfg,
		log:        log.With().Str("component", "sync_worker").Logger(),
	}
}

func (w *SyncWorker) Topic(taskID uint) string {
	return queue.Topic(w.cfg.TopicPrefix, queue.TopicDataChange, taskID)
}

// Run 消费直到 ctx 结束。每个任务只有一个消费者, 保证同一主键按捕获顺序写入。
func (w *SyncWorker) Run(ctx context.Context, task *model.Task, hooks Hooks) error {
	topic := w.Topic(task.ID)
	limit := w.cfg.MaxMessages
	if limit <= 0 {
		limit = task.BatchSize
	}
	if limit <= 0 || limit > sink.MaxBatch {
		limit = sink.MaxBatch
	}
	log := w.log.With().Uint("task_id", task.ID).Str("topic", topic).Logger()
	log.Info().Int("limit", limit).Msg("同步消费者已启动")
	defer log.Info().Msg("同步消费者已退出")

	for {
		if hooks.Gate != nil {
			if err := hooks.Gate.Wait(ctx); err != nil {
				return nil
			}
		}
		msgs, err := w.queue.Consume(ctx, topic, w.cfg.Group, w.cfg.Consumer, limit)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Msg("拉取消息失败")
			if !sleep(ctx, w.cfg.RetryWait) {
				return nil
			}
			continue
		}
		if hooks.Heartbeat != nil {
			hooks.Heartbeat()
		}
		if len(msgs) == 0 {
			if !sleep(ctx, w.cfg.IdleWait) {
				return nil
			}
			continue
		}

		stats, err := w.ProcessBatch(ctx, task, msgs)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errs.IsConfiguration(err) {
				log.Error().Err(err).Msg("目标配置错误, 消费者停止")
				if hooks.OnFatal != nil {
					hooks.OnFatal(err)
				}
				return err
			}
			// 不确认, 消息会重新投递
			log.Warn().Err(err).Int("messages", len(msgs)).Msg("批次处理失败, 稍后重试")
			if !sleep(ctx, w.cfg.RetryWait) {
				return nil
			}
			continue
		}

		ids := make([]string, len(msgs))
		for i, m := range msgs {
			ids[i] = m.ID
		}
		if err := w.queue.Ack(ctx, topic, w.cfg.Group, ids...); err != nil {
			// 已写入且断点已推进, 重投的消息会被幂等写入吸收
			log.Warn().Err(err).Msg("确认消息失败")
		}
		if hooks.OnBatch != nil {
			hooks.OnBatch(stats)
		}
	}
}

// ProcessBatch 逐条处理后整批写入。单条数据错误进入隔离区, 不影响其他记录;
// 可重试错误使整批返回, 由队列重投。
func (w *SyncWorker) ProcessBatch(ctx context.Context, task *model.Task, msgs []queue.Message) (BatchStats, error) {
	stats := BatchStats{Consumed: len(msgs), ReadByShard: map[int]int{}}
	recs := make([]*model.ProcessedRecord, 0, len(msgs))

	type failure struct {
		ev  *model.ChangeEvent
		err error
	}
	var failed []failure
	for _, m := range msgs {
		ev := m.Envelope.Event()
		if ev.TaskID == 0 {
			ev.TaskID = task.ID
		}
		switch {
		case ev.Op == model.OpRead:
			if ev.ShardIndex != nil {
				stats.ReadByShard[*ev.ShardIndex]++
			}
		case ev.Offset > stats.MaxOffset:
			stats.MaxOffset = ev.Offset
		}

		rec, err := w.pipeline.Process(ctx, task, ev)
		if err == nil {
			recs = append(recs, rec)
			continue
		}
		if errs.IsRetryable(err) {
			return stats, err
		}
		failed = append(failed, failure{ev: ev, err: err})
	}
	// 确认整批不会重投之后才写隔离区
	for _, f := range failed {
		if w.quarantine == nil {
			return stats, f.err
		}
		if err := w.quarantine.Quarantine(ctx, task.ID, pipeline.StageOf(f.err, model.StageProcess), f.ev, f.err); err != nil {
			return stats, err
		}
		stats.Quarantined++
	}

	res, err := w.writer.Write(ctx, task, recs)
	stats.Written += res.Written
	stats.Skipped += res.Skipped
	stats.Quarantined += res.Quarantined
	stats.FailedBatches += res.FailedBatches
	if err != nil {
		return stats, err
	}

	// 写入确认之后才推进断点
	if stats.MaxOffset > 0 {
		if err := w.advance(ctx, task.ID, stats.MaxOffset); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// advance 断点只前进不后退
func (w *SyncWorker) advance(ctx context.Context, taskID uint, offset int64) error {
	tok, ok, err := w.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if ok {
		if cur, err := breakpoint.Parse(tok); err == nil && cur.Mode == breakpoint.ModeCDC && cur.Offset >= offset {
			return nil
		}
	}
	_, err = w.store.Set(ctx, taskID, breakpoint.CDC(offset).Encode())
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
