package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"data-rsync/internal/breakpoint"
	"data-rsync/internal/cdc"
	"data-rsync/internal/core"
	"data-rsync/internal/dto"
	"data-rsync/internal/errs"
	"data-rsync/internal/lease"
	"data-rsync/internal/logger"
	"data-rsync/internal/model"
	"data-rsync/internal/pipeline"
	"data-rsync/internal/queue"
	"data-rsync/internal/report"
	"data-rsync/internal/repository"
	"data-rsync/internal/scanner"
	"data-rsync/internal/sink"
	"data-rsync/internal/source"
	"data-rsync/internal/worker"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TaskDefaults 创建任务时未填字段的默认值
type TaskDefaults struct {
	Concurrency    int
	BatchSize      int
	RetryCount     int
	TimeoutSeconds int
	ErrorThreshold int
	Dimension      int
	Metric         string
}

type TaskOptions struct {
	Defaults  TaskDefaults
	MaxShards int
	// DrainPoll 扫描结束后等待队列排空的轮询间隔
	DrainPoll time.Duration
	// StopWait 停止 / 回滚时等待运行退出的上限
	StopWait time.Duration
}

// TaskDeps 编排器依赖的组件, 由 bootstrap 组装
type TaskDeps struct {
	Tasks       repository.TaskRepository
	Sources     repository.DataSourceRepository
	RunLogs     repository.RunLogRepository
	Adapters    *source.Manager
	Breakpoints breakpoint.Store
	Status      *breakpoint.StatusCache
	Locker      *lease.Locker
	Queue       queue.Queue
	Listener    *cdc.Listener
	Scanner     *scanner.Scanner
	Pipeline    *pipeline.Pipeline
	Cache       *pipeline.VectorCache
	Writer      *sink.Writer
	Checker     *sink.Checker
	// Quarantine 扫描阶段无法构造事件的行写入错误表
	Quarantine sink.Quarantiner
	// Archiver 为空时只把一致性报告写入运行日志
	Archiver report.Archiver
	Consumer *worker.SyncWorker
	// Runs 每个运行中的任务占一个槽位; Consumers 每个任务一个同步消费者
	Runs      *worker.Pool
	Consumers *worker.Pool
}

// TaskService 任务编排: 状态机、启动/暂停/恢复/停止/回滚、超时看门狗
type TaskService struct {
	TaskDeps
	opts TaskOptions
	log  zerolog.Logger

	mu   sync.Mutex
	runs map[uint]*taskRun
}

func NewTaskService(deps TaskDeps, opts TaskOptions, log zerolog.Logger) *TaskService {
	if opts.Defaults == (TaskDefaults{}) {
		opts.Defaults = TaskDefaults{RetryCount: 3, TimeoutSeconds: 3600, ErrorThreshold: 100}
	}
	d := &opts.Defaults
	if d.Concurrency <= 0 {
		d.Concurrency = 1
	}
	if d.BatchSize <= 0 {
		d.BatchSize = 1000
	}
	if d.Dimension <= 0 {
		d.Dimension = 128
	}
	if d.Metric == "" {
		d.Metric = "COSINE"
	}
	if opts.DrainPoll <= 0 {
		opts.DrainPoll = 100 * time.Millisecond
	}
	if opts.StopWait <= 0 {
		opts.StopWait = 30 * time.Second
	}
	return &TaskService{
		TaskDeps: deps,
		opts:     opts,
		log:      log.With().Str("component", "orchestrator").Logger(),
		runs:     make(map[uint]*taskRun),
	}
}

func requiredCaps(t model.TaskType) core.Capability {
	var caps core.Capability
	if t.NeedsScan() {
		caps |= core.CapShardScan
	}
	if t.NeedsListener() {
		caps |= core.CapCapture
	}
	return caps
}

// ---------------------------------------------------------------------------
// CRUD
// ---------------------------------------------------------------------------

// CreateTask 新任务总是 PENDING
func (s *TaskService) CreateTask(ctx context.Context, req dto.CreateTaskReq) (*model.Task, error) {
	d := s.opts.Defaults
	task := &model.Task{
		Name:               req.Name,
		Type:               req.Type,
		SyncStrategy:       req.SyncStrategy,
		DataSourceID:       req.DataSourceID,
		Database:           req.Database,
		SourceTable:        req.SourceTable,
		PrimaryKey:         req.PrimaryKey,
		Collection:         req.Collection,
		Dimension:          req.Dimension,
		Metric:             req.Metric,
		Status:             model.StatusPending,
		Concurrency:        req.Concurrency,
		BatchSize:          req.BatchSize,
		RetryCount:         d.RetryCount,
		TimeoutSeconds:     d.TimeoutSeconds,
		ErrorThreshold:     d.ErrorThreshold,
		ScheduleType:       req.ScheduleType,
		ScheduleExpression: req.ScheduleExpression,
		Enabled:            true,
		ClearBeforeFull:    true,
		Pipeline:           datatypes.NewJSONType(req.Pipeline),
	}
	if task.SyncStrategy == "" {
		task.SyncStrategy = model.StrategyUpsert
	}
	if task.Dimension <= 0 {
		task.Dimension = d.Dimension
	}
	if task.Metric == "" {
		task.Metric = d.Metric
	}
	if task.Concurrency <= 0 {
		task.Concurrency = d.Concurrency
	}
	if task.BatchSize <= 0 {
		task.BatchSize = d.BatchSize
	}
	if req.RetryCount != nil {
		task.RetryCount = *req.RetryCount
	}
	if req.TimeoutSeconds != nil {
		task.TimeoutSeconds = *req.TimeoutSeconds
	}
	if req.ErrorThreshold != nil {
		task.ErrorThreshold = *req.ErrorThreshold
	}
	if req.Enabled != nil {
		task.Enabled = *req.Enabled
	}
	if req.ClearBeforeFull != nil {
		task.ClearBeforeFull = *req.ClearBeforeFull
	}

	if err := s.validate(ctx, task); err != nil {
		return nil, err
	}
	if task.Enabled {
		next, err := NextExecTime(task, time.Now())
		if err != nil {
			return nil, err
		}
		task.NextExecTime = next
	}
	if err := s.Tasks.Create(ctx, task); err != nil {
		return nil, err
	}
	s.log.Info().Uint("task_id", task.ID).Str("name", task.Name).Str("type", string(task.Type)).Msg("任务已创建")
	return task, nil
}

// validate 配置错误在创建 / 更新时暴露, 而不是运行时
func (s *TaskService) validate(ctx context.Context, task *model.Task) error {
	if !task.Type.Valid() {
		return errs.Configf("task.validate", "unknown task type %q", task.Type)
	}
	if !task.SyncStrategy.Valid() {
		return errs.Configf("task.validate", "unknown sync strategy %q", task.SyncStrategy)
	}
	if task.SourceTable == "" || task.PrimaryKey == "" {
		return errs.Configf("task.validate", "source table and primary key are required")
	}
	if task.Collection == "" {
		return errs.Configf("task.validate", "target collection is required")
	}
	if task.BatchSize > sink.MaxBatch {
		return errs.Configf("task.validate", "batch size %d exceeds %d", task.BatchSize, sink.MaxBatch)
	}
	if task.RetryCount < 0 || task.TimeoutSeconds < 0 || task.ErrorThreshold < 0 {
		return errs.Configf("task.validate", "retry count, timeout and error threshold must not be negative")
	}
	if err := ValidateSchedule(task.ScheduleType, task.ScheduleExpression); err != nil {
		return err
	}
	ds, err := s.Sources.Get(ctx, task.DataSourceID)
	if err != nil {
		if errs.IsNotFound(err) {
			return errs.Configf("task.validate", "data source %d does not exist", task.DataSourceID)
		}
		return err
	}
	return s.Adapters.Registry().Require(ds.Type, requiredCaps(task.Type))
}

// UpdateTask 运行中 / 暂停中的任务不能修改
func (s *TaskService) UpdateTask(ctx context.Context, id uint, req dto.UpdateTaskReq) (*model.Task, error) {
	task, err := s.Tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status.Active() {
		return nil, errs.Conflictf("task.update", "task %d is %s, stop it before editing", id, task.Status)
	}
	if req.Name != nil && *req.Name != task.Name {
		if s.Tasks.IsNameExist(ctx, *req.Name, id) {
			return nil, errs.Conflictf("task.update", "task name %q already exists", *req.Name)
		}
		task.Name = *req.Name
	}
	if req.SyncStrategy != nil {
		task.SyncStrategy = *req.SyncStrategy
	}
	if req.Database != nil {
		task.Database = *req.Database
	}
	if req.SourceTable != nil {
		task.SourceTable = *req.SourceTable
	}
	if req.PrimaryKey != nil {
		task.PrimaryKey = *req.PrimaryKey
	}
	if req.Collection != nil {
		task.Collection = *req.Collection
	}
	if req.Dimension != nil {
		task.Dimension = *req.Dimension
	}
	if req.Metric != nil {
		task.Metric = *req.Metric
	}
	if req.Concurrency != nil {
		task.Concurrency = *req.Concurrency
	}
	if req.BatchSize != nil {
		task.BatchSize = *req.BatchSize
	}
	if req.RetryCount != nil {
		task.RetryCount = *req.RetryCount
	}
	if req.TimeoutSeconds != nil {
		task.TimeoutSeconds = *req.TimeoutSeconds
	}
	if req.ErrorThreshold != nil {
		task.ErrorThreshold = *req.ErrorThreshold
	}
	if req.ScheduleType != nil {
		task.ScheduleType = *req.ScheduleType
	}
	if req.ScheduleExpression != nil {
		task.ScheduleExpression = *req.ScheduleExpression
	}
	if req.ClearBeforeFull != nil {
		task.ClearBeforeFull = *req.ClearBeforeFull
	}
	if req.Pipeline != nil {
		task.Pipeline = datatypes.NewJSONType(*req.Pipeline)
	}
	if err := s.validate(ctx, task); err != nil {
		return nil, err
	}
	task.NextExecTime = nil
	if task.Enabled {
		if task.NextExecTime, err = NextExecTime(task, time.Now()); err != nil {
			return nil, err
		}
	}
	if err := s.Tasks.Save(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *TaskService) GetTask(ctx context.Context, id uint) (*model.Task, error) {
	return s.Tasks.Get(ctx, id)
}

func (s *TaskService) ListTasks(ctx context.Context, f repository.TaskFilter) ([]model.Task, int64, error) {
	return s.Tasks.List(ctx, f)
}

// ToggleTask 停用的任务不能启动, 也不会被调度
func (s *TaskService) ToggleTask(ctx context.Context, id uint, enabled bool) (*model.Task, error) {
	task, err := s.Tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	task.Enabled = enabled
	fields := map[string]interface{}{"enabled": enabled, "next_exec_time": nil}
	if enabled {
		next, err := NextExecTime(task, time.Now())
		if err != nil {
			return nil, err
		}
		fields["next_exec_time"] = next
		task.NextExecTime = next
	} else {
		task.NextExecTime = nil
	}
	if err := s.Tasks.UpdateFields(ctx, id, fields); err != nil {
		return nil, err
	}
	return task, nil
}

// DeleteTask 先停止运行, 再清理断点、状态、队列和捕获触发器, 最后级联删除
func (s *TaskService) DeleteTask(ctx context.Context, id uint) error {
	task, err := s.Tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	if r := s.active(id); r != nil {
		r.end(model.StatusStopped, nil)
		if err := s.await(ctx, r); err != nil {
			return err
		}
	}
	log := s.log.With().Uint("task_id", id).Logger()

	if task.Type.NeedsListener() {
		if ds, err := s.Sources.Get(ctx, task.DataSourceID); err == nil {
			if err := s.Listener.Teardown(ctx, task, ds); err != nil {
				log.Warn().Err(err).Msg("卸载捕获触发器失败")
			}
		}
	}
	if err := s.Breakpoints.Clear(ctx, id); err != nil {
		return err
	}
	if err := s.Status.Forget(ctx, id); err != nil {
		log.Warn().Err(err).Msg("清理状态缓存失败")
	}
	if err := s.Queue.Purge(ctx, s.Consumer.Topic(id)); err != nil {
		log.Warn().Err(err).Msg("清理任务队列失败")
	}
	if err := s.Tasks.Delete(ctx, id); err != nil {
		return err
	}
	log.Info().Msg("任务已删除")
	return nil
}

// ---------------------------------------------------------------------------
// 生命周期
// ---------------------------------------------------------------------------

// StartTask PENDING / 终态 -> RUNNING
func (s *TaskService) StartTask(ctx context.Context, id uint) error {
	task, err := s.Tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	if !task.Status.CanTransition(model.StatusRunning) {
		return errs.Conflictf("task.start", "task %d is %s, cannot start", id, task.Status)
	}
	return s.launch(ctx, task, task.Status)
}

func (s *TaskService) launch(ctx context.Context, task *model.Task, from model.TaskStatus) error {
	// 1. 校验
	if !task.Enabled {
		return errs.Conflictf("task.start", "task %d is disabled", task.ID)
	}
	if s.active(task.ID) != nil {
		return errs.Conflictf("task.start", "task %d is already running on this instance", task.ID)
	}
	ds, err := s.Sources.Get(ctx, task.DataSourceID)
	if err != nil {
		return err
	}
	if err := s.Adapters.Registry().Require(ds.Type, requiredCaps(task.Type)); err != nil {
		return err
	}

	// 2. 租约, 同一任务只能由一个实例驱动
	ls, err := s.Locker.Acquire(ctx, task.ID)
	if err != nil {
		return err
	}

	// 3. 状态流转
	now := time.Now()
	err = s.Tasks.Transition(ctx, task.ID, []model.TaskStatus{from}, model.StatusRunning, map[string]interface{}{
		"progress":         0,
		"error_message":    "",
		"start_time":       &now,
		"end_time":         nil,
		"last_progress_at": &now,
		"exec_count":       gorm.Expr("exec_count + ?", 1),
	})
	if err != nil {
		_ = ls.Release(context.WithoutCancel(ctx))
		return err
	}
	task.Status = model.StatusRunning
	task.StartTime = &now

	// 4. 运行句柄 + 运行日志
	r := newTaskRun(task, ds, ls)
	r.from = from
	r.runLog = &model.TaskRunLog{
		TaskID:    task.ID,
		RunID:     r.runID,
		TraceID:   logger.TraceID(ctx),
		Type:      task.Type,
		StartedAt: now,
		Status:    model.StatusRunning,
	}
	if err := s.TaskDeps.RunLogs.Create(ctx, r.runLog); err != nil {
		s.log.Warn().Err(err).Uint("task_id", task.ID).Msg("写入运行日志失败")
		r.runLog = nil
	}
	s.mu.Lock()
	s.runs[task.ID] = r
	s.mu.Unlock()
	s.publish(ctx, task.ID, model.StatusRunning, 0, "")

	// 5. 提交到运行池, 池满时阻塞到 ctx 结束
	if err := s.Runs.Submit(ctx, func(pctx context.Context) { s.execute(pctx, r) }); err != nil {
		r.end(model.StatusFailed, err)
		s.finalize(r)
		close(r.done)
		return err
	}
	s.log.Info().Uint("task_id", task.ID).Str("run_id", r.runID).Str("type", string(task.Type)).Msg("任务已启动")
	return nil
}

// execute 一次运行的主流程, 结束时统一收尾
func (s *TaskService) execute(pctx context.Context, r *taskRun) {
	defer func() {
		s.finalize(r)
		close(r.done)
	}()
	// 进程退出时运行池取消, 不记录终态, 由重启后的 Recover 接管
	stop := context.AfterFunc(pctx, r.cancel)
	defer stop()
	ctx := r.ctx
	log := s.log.With().Uint("task_id", r.id).Str("run_id", r.runID).Logger()

	go r.lease.KeepAlive(ctx, func(err error) {
		r.end(model.StatusFailed, errs.Fatal("task.lease", err))
	})

	plan, err := s.plan(ctx, r)
	if err != nil {
		if ctx.Err() == nil {
			r.end(model.StatusFailed, err)
		}
		return
	}

	consumerCtx, stopConsumer := context.WithCancel(ctx)
	consumerDone := make(chan struct{})
	hooks := worker.Hooks{
		Gate:      r.gate,
		Heartbeat: r.heartbeat,
		OnBatch:   func(st worker.BatchStats) { s.onBatch(r, st) },
		OnFatal:   func(err error) { r.end(model.StatusFailed, err) },
	}
	err = s.Consumers.Submit(ctx, func(cctx context.Context) {
		defer close(consumerDone)
		unbind := context.AfterFunc(cctx, stopConsumer)
		defer unbind()
		_ = s.Consumer.Run(consumerCtx, r.task, hooks)
	})
	if err != nil {
		stopConsumer()
		if ctx.Err() == nil {
			r.end(model.StatusFailed, err)
		}
		return
	}
	defer func() {
		stopConsumer()
		<-consumerDone
	}()

	status, cause := s.drive(ctx, r, plan)
	if status == model.StatusSuccess {
		r.complete(ctx)
	} else if status != "" {
		r.end(status, cause)
	}
	if r.task.Type.NeedsListener() {
		if err := s.Listener.Stop(r.id); err != nil {
			log.Warn().Err(err).Msg("停止监听器失败")
		}
	}
}

// plan 全量+增量任务的扫描阶段已完成 (断点为 cdc) 时直接进入增量;
// 未完成的扫描断点从断点续扫; 否则从头扫描。
func (s *TaskService) plan(ctx context.Context, r *taskRun) (*runPlan, error) {
	task := r.task
	p := &runPlan{}
	if task.Type.NeedsListener() {
		head, err := s.Listener.Prepare(ctx, task, r.ds)
		if err != nil {
			return nil, err
		}
		p.head = head
	}
	if !task.Type.NeedsScan() {
		return p, nil
	}
	p.scan = true

	raw, ok, err := s.Breakpoints.Get(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	// 上一次成功完成的全量不续扫
	if ok && r.from != model.StatusSuccess {
		tok, err := breakpoint.Parse(raw)
		switch {
		case err != nil:
			s.log.Warn().Err(err).Uint("task_id", task.ID).Msg("断点无法解析, 从头扫描")
		case tok.Mode == breakpoint.ModeCDC && task.Type.NeedsListener():
			p.scan = false
			return p, nil
		case tok.Mode == breakpoint.ModeScan && len(tok.Shards) < tok.ShardCount:
			p.resume = &tok
			if task.Type.NeedsListener() {
				p.head = tok.Offset
			}
			s.log.Info().Uint("task_id", task.ID).Ints("done", tok.Shards).Int("shards", tok.ShardCount).Msg("从断点续扫")
			return p, nil
		}
	}

	if task.ClearBeforeFull {
		if err := s.Writer.Reset(ctx, task); err != nil {
			return nil, err
		}
		if err := s.Queue.Purge(ctx, s.Consumer.Topic(task.ID)); err != nil {
			return nil, err
		}
		s.log.Info().Uint("task_id", task.ID).Str("collection", task.Collection).Msg("全量同步前已清空目标集合")
	}
	return p, nil
}

// drive 扫描阶段 (可选) -> 增量阶段 (可选)。返回空状态表示运行被外部结束。
func (s *TaskService) drive(ctx context.Context, r *taskRun, p *runPlan) (model.TaskStatus, error) {
	task := r.task
	if p.scan {
		if err := s.scan(ctx, r, p); err != nil {
			if ctx.Err() != nil {
				return "", nil
			}
			return model.StatusFailed, err
		}
		if !task.Type.NeedsListener() {
			return model.StatusSuccess, nil
		}
		// 扫描数据全部确认后, 增量从扫描开始前的日志头继续
		if _, err := s.Breakpoints.Set(ctx, task.ID, breakpoint.CDC(p.head).Encode()); err != nil {
			if ctx.Err() != nil {
				return "", nil
			}
			return model.StatusFailed, err
		}
	}
	if !task.Type.NeedsListener() {
		return model.StatusSuccess, nil
	}

	err := s.Listener.Start(ctx, task, r.ds, cdc.StartOptions{
		FromOffset: p.head,
		Gate:       r.gate,
		Heartbeat:  r.heartbeat,
		OnFailed:   func(err error) { r.end(model.StatusFailed, err) },
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", nil
		}
		return model.StatusFailed, err
	}
	<-ctx.Done()
	return "", nil
}

// scan 分片扫描 -> 队列 -> 同步消费者。分片的数据全部被向量库确认后才写入扫描断点。
func (s *TaskService) scan(ctx context.Context, r *taskRun, p *runPlan) error {
	task := r.task
	a, err := s.Adapters.Adapter(ctx, r.ds)
	if err != nil {
		return err
	}
	kr, err := s.Scanner.ProbeRange(ctx, a, task)
	if err != nil {
		return err
	}
	n := scanner.CalculateShardCount(task.Concurrency, s.opts.MaxShards)
	var done []int
	if t := p.resume; t != nil {
		// 续扫必须沿用原来的分片边界
		n, done = t.ShardCount, t.Shards
		if kr.Numeric {
			kr.Min, kr.Max = t.RangeMin, t.RangeMax
		} else {
			kr.Total = t.RangeMax
		}
	}
	lo, hi := kr.Min, kr.Max
	if !kr.Numeric {
		lo, hi = 0, kr.Total
	}
	count := len(scanner.CreateShards(lo, hi, n))
	head := p.head

	tracker := worker.NewShardTracker(done, func(done []int) {
		tok := breakpoint.Scan(done, count, lo, hi)
		tok.Offset = head
		if _, err := s.Breakpoints.Set(context.WithoutCancel(ctx), task.ID, tok.Encode()); err != nil {
			s.log.Warn().Err(err).Uint("task_id", task.ID).Msg("写入扫描断点失败")
		}
	})
	r.tracker.Store(tracker)

	topic := s.Consumer.Topic(task.ID)
	emit := func(ctx context.Context, sh model.Shard, events []model.ChangeEvent) error {
		for i := range events {
			if _, err := s.Queue.Publish(ctx, topic, queue.FromEvent(&events[i])); err != nil {
				return err
			}
		}
		tracker.Emitted(sh.Index, len(events))
		r.heartbeat()
		return nil
	}
	opts := scanner.Options{
		Range:          &kr,
		ShardCount:     n,
		Gate:           r.gate,
		SnapshotOffset: head,
		Progress:       func(pct int) { s.progress(r, pct) },
		ShardDone: func(idx int, err error) {
			if err == nil {
				tracker.Scanned(idx)
			}
		},
	}
	if p.resume != nil {
		opts.Skip = p.resume.Done
	}
	if s.Quarantine != nil {
		opts.Quarantine = func(ctx context.Context, ev *model.ChangeEvent, cause error) error {
			return s.Quarantine.Quarantine(ctx, task.ID, model.StageScan, ev, cause)
		}
	}

	res, err := s.Scanner.Scan(ctx, task, r.ds, emit, opts)
	if err != nil {
		return err
	}
	r.statsMu.Lock()
	if r.runLog != nil {
		r.runLog.RowsScanned = res.Rows
		r.runLog.ShardsTotal = res.ShardCount
		r.runLog.ShardsFailed = len(res.Failed)
	}
	r.statsMu.Unlock()
	r.quarantined.Add(res.Quarantined)

	failed := len(res.Failed) + int(r.failedBatches.Load())
	if failed > task.ErrorThreshold {
		return errs.Fatal("task.scan", fmt.Errorf("%d shards or batches failed, error threshold is %d", failed, task.ErrorThreshold))
	}
	if len(res.Failed) > 0 {
		s.log.Warn().Uint("task_id", task.ID).Ints("failed", res.Failed).Msg("部分分片失败, 未超过错误阈值")
	}

	if err := s.waitDrain(ctx, r, tracker, topic); err != nil {
		return err
	}
	s.progress(r, 100)
	s.archiveConsistency(ctx, r)
	return nil
}

// waitDrain 等待扫描投递的数据全部被确认; 积压在下降就算有进展
func (s *TaskService) waitDrain(ctx context.Context, r *taskRun, tracker *worker.ShardTracker, topic string) error {
	ticker := time.NewTicker(s.opts.DrainPoll)
	defer ticker.Stop()
	last := int64(-1)
	for {
		pending := tracker.Pending()
		n, err := s.Queue.Backlog(ctx, topic)
		if err == nil {
			if pending == 0 && n == 0 {
				return nil
			}
			if left := pending + n; last < 0 || left < last {
				r.heartbeat()
				last = left
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// onBatch 同步消费者每确认一批调用一次
func (s *TaskService) onBatch(r *taskRun, st worker.BatchStats) {
	r.heartbeat()
	r.written.Add(int64(st.Written))
	r.quarantined.Add(int64(st.Quarantined))
	if tr := r.tracker.Load(); tr != nil {
		for shard, n := range st.ReadByShard {
			tr.Acked(shard, n)
		}
	}
	if st.FailedBatches > 0 {
		failed := r.failedBatches.Add(int64(st.FailedBatches))
		if int(failed) > r.task.ErrorThreshold {
			r.end(model.StatusFailed, errs.Fatal("task.write",
				fmt.Errorf("%d write batches failed, error threshold is %d", failed, r.task.ErrorThreshold)))
		}
	}
}

// progress 单调递增; 暂停期间不更新
func (s *TaskService) progress(r *taskRun, pct int) {
	r.heartbeat()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gate.Paused() || r.final != "" || pct <= r.progress {
		return
	}
	r.progress = pct
	ctx := context.WithoutCancel(r.ctx)
	if err := s.Tasks.AdvanceProgress(ctx, r.id, pct); err != nil {
		s.log.Warn().Err(err).Uint("task_id", r.id).Msg("更新进度失败")
	}
	s.publish(ctx, r.id, model.StatusRunning, pct, "")
}

// archiveConsistency 全量结束后的一致性校验, 只报告
func (s *TaskService) archiveConsistency(ctx context.Context, r *taskRun) {
	log := s.log.With().Uint("task_id", r.id).Str("run_id", r.runID).Logger()
	rep, err := s.check(ctx, r.task, r.ds)
	if err != nil {
		log.Warn().Err(err).Msg("一致性校验失败")
		return
	}
	raw, _ := json.Marshal(rep)
	key := ""
	if s.Archiver != nil {
		if key, err = s.Archiver.Archive(ctx, r.id, r.runID, rep); err != nil {
			log.Warn().Err(err).Msg("归档一致性报告失败")
		}
	}
	r.statsMu.Lock()
	r.consistency = datatypes.JSON(raw)
	r.reportKey = key
	r.statsMu.Unlock()

	ev := log.Info()
	if !rep.Consistent {
		ev = log.Warn()
	}
	ev.Bool("consistent", rep.Consistent).Int64("source", rep.SourceCount).Int64("target", rep.TargetCount).
		Int("sampled", rep.SampleChecked).Int("mismatches", rep.SampleMismatches).Msg("一致性校验完成")
}

func (s *TaskService) check(ctx context.Context, task *model.Task, ds *model.DataSource) (*sink.Report, error) {
	a, err := s.Adapters.Adapter(ctx, ds)
	if err != nil {
		return nil, err
	}
	expect := func(ctx context.Context, ev *model.ChangeEvent) (map[string]interface{}, error) {
		rec, err := s.Pipeline.Process(ctx, task, ev)
		if err != nil {
			return nil, err
		}
		return rec.Fields, nil
	}
	return s.Checker.Check(ctx, task, a, expect)
}

// finalize 写终态、运行日志, 释放租约
func (s *TaskService) finalize(r *taskRun) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log := s.log.With().Uint("task_id", r.id).Str("run_id", r.runID).Logger()
	defer func() {
		s.mu.Lock()
		if s.runs[r.id] == r {
			delete(s.runs, r.id)
		}
		s.mu.Unlock()
		if err := r.lease.Release(ctx); err != nil {
			log.Warn().Err(err).Msg("释放任务租约失败")
		}
	}()

	status, cause := r.outcome()
	if status == "" {
		log.Warn().Msg("运行被中断, 保持当前状态等待恢复")
		return
	}
	now := time.Now()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	fields := map[string]interface{}{"end_time": &now, "error_message": msg}
	if tok, ok, err := s.Breakpoints.Get(ctx, r.id); err == nil && ok {
		fields["breakpoint"] = tok
	}
	progress := r.lastProgress()
	from := []model.TaskStatus{model.StatusRunning, model.StatusPaused}
	if status == model.StatusSuccess {
		fields["progress"] = 100
		progress = 100
		from = []model.TaskStatus{model.StatusRunning}
	}
	if r.task.ScheduleType == model.ScheduleFixedDelay && r.task.Enabled {
		if next, err := NextExecTime(r.task, now); err == nil {
			fields["next_exec_time"] = next
		}
	}
	if err := s.Tasks.Transition(ctx, r.id, from, status, fields); err != nil {
		log.Error().Err(err).Str("status", string(status)).Msg("写入任务终态失败")
	}
	s.publish(ctx, r.id, status, progress, msg)

	r.statsMu.Lock()
	if rl := r.runLog; rl != nil {
		rl.FinishedAt = &now
		rl.DurationMs = now.Sub(rl.StartedAt).Milliseconds()
		rl.Status = status
		rl.ErrorMessage = msg
		rl.RowsWritten = r.written.Load()
		rl.RowsQuarantined = r.quarantined.Load()
		rl.Consistency = r.consistency
		rl.ReportKey = r.reportKey
		if err := s.TaskDeps.RunLogs.Save(ctx, rl); err != nil {
			log.Warn().Err(err).Msg("保存运行日志失败")
		}
	}
	r.statsMu.Unlock()

	ev := log.Info()
	if status == model.StatusFailed {
		ev = log.Error().Err(cause)
	}
	ev.Str("status", string(status)).Int64("written", r.written.Load()).Int64("quarantined", r.quarantined.Load()).
		Msg("任务运行结束")
}

// PauseTask RUNNING -> PAUSED, 所有 worker 在下一个检查点阻塞
func (s *TaskService) PauseTask(ctx context.Context, id uint) error {
	r := s.active(id)
	if r == nil {
		return s.notDriven(ctx, id, "pause")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final != "" {
		return errs.Conflictf("task.pause", "task %d is finishing", id)
	}
	now := time.Now()
	if err := s.Tasks.Transition(ctx, id, []model.TaskStatus{model.StatusRunning}, model.StatusPaused,
		map[string]interface{}{"pause_time": &now}); err != nil {
		return err
	}
	r.gate.Pause()
	s.publish(ctx, id, model.StatusPaused, r.progress, "")
	s.log.Info().Uint("task_id", id).Msg("任务已暂停")
	return nil
}

// ResumeTask PAUSED -> RUNNING。本实例没有运行句柄 (如进程重启) 时按断点重新启动。
func (s *TaskService) ResumeTask(ctx context.Context, id uint) error {
	r := s.active(id)
	if r == nil {
		task, err := s.Tasks.Get(ctx, id)
		if err != nil {
			return err
		}
		if task.Status != model.StatusPaused {
			return errs.Conflictf("task.resume", "task %d is %s, cannot resume", id, task.Status)
		}
		return s.launch(ctx, task, model.StatusPaused)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final != "" {
		return errs.Conflictf("task.resume", "task %d is finishing", id)
	}
	now := time.Now()
	if err := s.Tasks.Transition(ctx, id, []model.TaskStatus{model.StatusPaused}, model.StatusRunning,
		map[string]interface{}{"resume_time": &now, "last_progress_at": &now}); err != nil {
		return err
	}
	r.heartbeat()
	r.gate.Resume()
	s.publish(ctx, id, model.StatusRunning, r.progress, "")
	s.log.Info().Uint("task_id", id).Msg("任务已恢复")
	return nil
}

// StopTask 可与运行并发调用; 等待 worker 排空后返回
func (s *TaskService) StopTask(ctx context.Context, id uint) error {
	if r := s.active(id); r != nil {
		r.end(model.StatusStopped, nil)
		return s.await(ctx, r)
	}
	task, err := s.Tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	if !task.Status.Active() {
		return errs.Conflictf("task.stop", "task %d is %s, cannot stop", id, task.Status)
	}
	// 没有实例在驱动 (进程崩溃后遗留的状态)
	if holder, err := s.Locker.Holder(ctx, id); err == nil && holder != "" {
		return errs.Conflictf("task.stop", "task %d is driven by another instance (%s)", id, holder)
	}
	now := time.Now()
	if err := s.Tasks.Transition(ctx, id, []model.TaskStatus{task.Status}, model.StatusStopped,
		map[string]interface{}{"end_time": &now}); err != nil {
		return err
	}
	s.publish(ctx, id, model.StatusStopped, task.Progress, "")
	return nil
}

// RollbackTask 非终态 -> ROLLED_BACK: 断点恢复到历史中的检查点, 然后从那里重新运行
func (s *TaskService) RollbackTask(ctx context.Context, id uint, checkpointID string) error {
	task, err := s.Tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	if !task.Status.CanTransition(model.StatusRolledBack) {
		return errs.Conflictf("task.rollback", "task %d is %s, cannot roll back", id, task.Status)
	}
	history, err := s.Breakpoints.History(ctx, id)
	if err != nil {
		return err
	}
	found := false
	for _, cp := range history {
		if cp.ID == checkpointID {
			found = true
			break
		}
	}
	if !found {
		return errs.NotFoundf("task.rollback", "checkpoint %s not found in history of task %d", checkpointID, id)
	}

	if r := s.active(id); r != nil {
		r.end(model.StatusRolledBack, nil)
		if err := s.await(ctx, r); err != nil {
			return err
		}
	} else if err := s.Tasks.Transition(ctx, id, []model.TaskStatus{task.Status}, model.StatusRolledBack,
		map[string]interface{}{"end_time": time.Now()}); err != nil {
		return err
	}

	cp, err := s.Breakpoints.Restore(ctx, id, checkpointID)
	if err != nil {
		return err
	}
	if err := s.Tasks.UpdateFields(ctx, id, map[string]interface{}{
		"rollback_point": checkpointID,
		"breakpoint":     cp.Token,
	}); err != nil {
		return err
	}
	s.publish(ctx, id, model.StatusRolledBack, 0, "rolled back to "+checkpointID)
	s.log.Info().Uint("task_id", id).Str("checkpoint", checkpointID).Msg("断点已回滚")

	if !task.Enabled {
		return nil
	}
	return s.StartTask(ctx, id)
}

// Recover 进程启动时接管没有租约持有者的 RUNNING 任务; PAUSED 任务等待人工恢复
func (s *TaskService) Recover(ctx context.Context) (int, error) {
	tasks, err := s.Tasks.ListByStatus(ctx, model.StatusRunning)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range tasks {
		t := &tasks[i]
		if holder, err := s.Locker.Holder(ctx, t.ID); err != nil || holder != "" {
			continue
		}
		if err := s.launch(ctx, t, model.StatusRunning); err != nil {
			s.log.Warn().Err(err).Uint("task_id", t.ID).Msg("恢复任务失败")
			continue
		}
		n++
	}
	if n > 0 {
		s.log.Info().Int("recovered", n).Msg("已恢复中断的任务")
	}
	return n, nil
}

// CheckTimeouts 超过 timeoutSeconds 没有进展的运行强制失败; 暂停中的任务不计时
func (s *TaskService) CheckTimeouts(_ context.Context) int {
	n := 0
	for _, r := range s.activeRuns() {
		timeout := r.task.Timeout()
		if timeout <= 0 || r.gate.Paused() {
			continue
		}
		if idle := r.idle(); idle > timeout {
			err := errs.Fatal("task.timeout", fmt.Errorf("no progress for %s, timeout is %s", idle.Truncate(time.Second), timeout))
			if r.end(model.StatusFailed, err) {
				s.log.Error().Uint("task_id", r.id).Dur("timeout", timeout).Msg("任务超时")
				n++
			}
		}
	}
	return n
}

// Shutdown 取消本实例上的所有运行; 任务状态保持, 重启后 Recover
func (s *TaskService) Shutdown(timeout time.Duration) {
	for _, r := range s.activeRuns() {
		r.cancel()
	}
	s.Runs.Drain(timeout)
	s.Consumers.Drain(timeout)
	s.Listener.StopAll()
}

// ---------------------------------------------------------------------------
// 查询
// ---------------------------------------------------------------------------

// TaskVersions 断点历史, 最新的在前
func (s *TaskService) TaskVersions(ctx context.Context, id uint) ([]breakpoint.Checkpoint, error) {
	if _, err := s.Tasks.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.Breakpoints.History(ctx, id)
}

// Progress 优先读 Redis, 缺失时回落到数据库
func (s *TaskService) Progress(ctx context.Context, id uint) (*dto.ProgressResp, error) {
	task, err := s.Tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	resp := &dto.ProgressResp{TaskID: id, Status: task.Status, Progress: task.Progress, Message: task.ErrorMessage}
	if st, err := s.Status.Status(ctx, id); err == nil && len(st) > 0 {
		if v := st["status"]; v != "" {
			resp.Status = model.TaskStatus(v)
		}
		if v, err := strconv.Atoi(st["progress"]); err == nil {
			resp.Progress = v
		}
		if v := st["message"]; v != "" {
			resp.Message = v
		}
		resp.Captured = st["captured_offset"]
		resp.UpdatedAt = st["updated_at"]
	}
	if tok, ok, err := s.Breakpoints.Get(ctx, id); err == nil && ok {
		resp.Breakpoint = tok
	}
	return resp, nil
}

// Health 监听器状态 + 向量缓存压力
func (s *TaskService) Health(ctx context.Context, id uint) (*dto.HealthResp, error) {
	task, err := s.Tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	resp := &dto.HealthResp{
		TaskID:   id,
		Status:   task.Status,
		Listener: string(s.Listener.Health(id)),
		Pipeline: "HEALTHY",
	}
	if r := s.active(id); r != nil {
		resp.Running = true
		resp.Paused = r.gate.Paused()
	}
	if err := s.Listener.LastError(id); err != nil {
		resp.ListenerError = err.Error()
	}
	if s.Cache != nil {
		resp.CacheSize, resp.CacheCapacity = s.Cache.Len(), s.Cache.Cap()
		if s.Cache.Usage() > 0.9 {
			resp.Pipeline = "DEGRADED"
		}
	}
	if n, err := s.Queue.Backlog(ctx, s.Consumer.Topic(id)); err == nil {
		resp.QueueBacklog = n
	}
	return resp, nil
}

// Consistency 按需执行一致性校验
func (s *TaskService) Consistency(ctx context.Context, id uint) (*sink.Report, error) {
	task, err := s.Tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ds, err := s.Sources.Get(ctx, task.DataSourceID)
	if err != nil {
		return nil, err
	}
	return s.check(ctx, task, ds)
}

// RebuildIndex 删除并重建目标集合, 之后需要重新全量同步
func (s *TaskService) RebuildIndex(ctx context.Context, id uint) error {
	task, err := s.Tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.Active() {
		return errs.Conflictf("task.rebuild_index", "task %d is %s, stop it first", id, task.Status)
	}
	if err := s.Writer.RebuildIndex(ctx, task); err != nil {
		return err
	}
	s.log.Info().Uint("task_id", id).Str("collection", task.Collection).Msg("集合与索引已重建")
	return nil
}

func (s *TaskService) RunLogs(ctx context.Context, id uint, limit int) ([]model.TaskRunLog, error) {
	if _, err := s.Tasks.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.TaskDeps.RunLogs.ListByTask(ctx, id, limit)
}

// ---------------------------------------------------------------------------

func (s *TaskService) active(id uint) *taskRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

func (s *TaskService) activeRuns() []*taskRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*taskRun, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	return out
}

// await 等待运行退出, 最长 StopWait
func (s *TaskService) await(ctx context.Context, r *taskRun) error {
	wctx, cancel := context.WithTimeout(ctx, s.opts.StopWait)
	defer cancel()
	if err := r.wait(wctx); err != nil {
		return errs.Transientf("task.stop", "task %d is still draining: %v", r.id, err)
	}
	return nil
}

func (s *TaskService) notDriven(ctx context.Context, id uint, op string) error {
	task, err := s.Tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != model.StatusRunning {
		return errs.Conflictf("task."+op, "task %d is %s, cannot %s", id, task.Status, op)
	}
	return errs.Conflictf("task."+op, "task %d is not driven by this instance", id)
}

func (s *TaskService) publish(ctx context.Context, id uint, status model.TaskStatus, progress int, msg string) {
	if err := s.Status.Publish(context.WithoutCancel(ctx), id, string(status), progress, msg); err != nil {
		s.log.Debug().Err(err).Uint("task_id", id).Msg("写入状态缓存失败")
	}
}
