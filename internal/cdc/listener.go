package cdc

import (
	"context"
	"sync"
	"time"

	"data-rsync/internal/breakpoint"
	"data-rsync/internal/core"
	"data-rsync/internal/errs"
	"data-rsync/internal/model"
	"data-rsync/internal/queue"
	"data-rsync/internal/retry"
	"data-rsync/internal/source"

	"github.com/rs/zerolog"
)

type State string

const (
	StateStopped  State = "STOPPED"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateFailed   State = "FAILED"
)

type Health string

const (
	HealthHealthy   Health = "HEALTHY"
	HealthUnhealthy Health = "UNHEALTHY"
	HealthStopped   Health = "STOPPED"
)

// Gate 暂停闸门, 暂停期间阻塞
type Gate interface {
	Wait(ctx context.Context) error
}

// Quarantiner 接收无法解析或无法投递的变更事件
type Quarantiner interface {
	Quarantine(ctx context.Context, taskID uint, stage model.SyncStage, ev *model.ChangeEvent, cause error) error
}

// CaptureFactory 按数据源构造捕获句柄, 测试中可替换
type CaptureFactory func(a source.Adapter, cfg CaptureConfig) Capturer

func DefaultCaptureFactory(a source.Adapter, cfg CaptureConfig) Capturer {
	return NewTriggerCapture(a, cfg)
}

type Config struct {
	InstanceID   string
	TopicPrefix  string
	PollInterval time.Duration
	BatchSize    int
	ChannelSize  int
	DrainGrace   time.Duration
	// MaxPollErrors 连续读取失败次数上限, 超过后监听器进入 FAILED
	MaxPollErrors int
}

// StartOptions 由编排层提供的运行时钩子
type StartOptions struct {
	// FromOffset 没有断点时的起始偏移 (全量+增量任务为扫描前的日志头)
	FromOffset int64
	Gate       Gate
	// Heartbeat 每次轮询后调用, 用于超时看门狗
	Heartbeat func()
	OnFailed  func(err error)
}

type run struct {
	taskID  uint
	topic   string
	capture Capturer
	events  chan model.ChangeEvent

	mu    sync.RWMutex
	state State
	err   error
	live  bool

	stopCapture   context.CancelFunc
	cancelHandoff context.CancelFunc
	done          chan struct{}
}

func (r *run) setState(s State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
	if err != nil {
		r.err = err
	}
}

func (r *run) snapshot() (State, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state, r.live, r.err
}

// Listener 每个增量任务一个后台捕获循环。
// 捕获 goroutine 和投递 goroutine 之间用有界 channel 连接, 满时捕获端阻塞。
type Listener struct {
	sources    *source.Manager
	store      breakpoint.Store
	status     *breakpoint.StatusCache
	queue      queue.Queue
	quarantine Quarantiner
	newCapture CaptureFactory
	cfg        Config
	log        zerolog.Logger

	mu   sync.Mutex
	runs map[uint]*run
	// prepared Prepare 已安装捕获的任务, 紧接着的 Start 不再重复安装
	prepared sync.Map
}

// NewListener quarantine 为空时坏记录只记日志并跳过
func NewListener(sources *source.Manager, store breakpoint.Store, status *breakpoint.StatusCache,
	q queue.Queue, quarantine Quarantiner, factory CaptureFactory, cfg Config, log zerolog.Logger) *Listener {
	if factory == nil {
		factory = DefaultCaptureFactory
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.ChannelSize <= 0 {
		cfg.ChannelSize = 1024
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = 10 * time.Second
	}
	if cfg.MaxPollErrors <= 0 {
		cfg.MaxPollErrors = 5
	}
	return &Listener{
		sources:    sources,
		store:      store,
		status:     status,
		queue:      q,
		quarantine: quarantine,
		newCapture: factory,
		cfg:        cfg,
		log:        log.With().Str("component", "cdc").Logger(),
		runs:       make(map[uint]*run),
	}
}

func (l *Listener) capturer(ctx context.Context, task *model.Task, ds *model.DataSource) (Capturer, error) {
	if err := l.sources.Registry().Require(ds.Type, core.CapCapture); err != nil {
		return nil, err
	}
	a, err := l.sources.Adapter(ctx, ds)
	if err != nil {
		return nil, err
	}
	return l.newCapture(a, CaptureConfig{
		ServerID:   l.cfg.InstanceID,
		Database:   task.Database,
		Table:      task.SourceTable,
		PrimaryKey: task.PrimaryKey,
	}), nil
}

// Prepare 安装捕获并返回当前日志头, 全量+增量任务在扫描开始前调用
func (l *Listener) Prepare(ctx context.Context, task *model.Task, ds *model.DataSource) (int64, error) {
	c, err := l.capturer(ctx, task, ds)
	if err != nil {
		return 0, err
	}
	if err := c.Setup(ctx); err != nil {
		return 0, err
	}
	head, err := c.HeadOffset(ctx)
	if err != nil {
		return 0, err
	}
	l.prepared.Store(task.ID, struct{}{})
	return head, nil
}

// Teardown 卸载任务的捕获触发器 (任务删除时)
func (l *Listener) Teardown(ctx context.Context, task *model.Task, ds *model.DataSource) error {
	c, err := l.capturer(ctx, task, ds)
	if err != nil {
		return err
	}
	l.prepared.Delete(task.ID)
	return c.Teardown(ctx)
}

// Start STOPPED -> STARTING -> RUNNING。有断点时从断点继续。
func (l *Listener) Start(ctx context.Context, task *model.Task, ds *model.DataSource, opts StartOptions) error {
	l.mu.Lock()
	if r, ok := l.runs[task.ID]; ok {
		if st, _, _ := r.snapshot(); st == StateRunning || st == StateStarting {
			l.mu.Unlock()
			return errs.Conflictf("cdc.start", "listener for task %d is already %s", task.ID, st)
		}
	}
	r := &run{
		taskID: task.ID,
		topic:  queue.Topic(l.cfg.TopicPrefix, queue.TopicDataChange, task.ID),
		state:  StateStarting,
		events: make(chan model.ChangeEvent, l.cfg.ChannelSize),
		done:   make(chan struct{}),
	}
	l.runs[task.ID] = r
	l.mu.Unlock()

	fail := func(err error) error {
		r.setState(StateFailed, err)
		close(r.done)
		return err
	}

	c, err := l.capturer(ctx, task, ds)
	if err != nil {
		return fail(err)
	}
	if _, ok := l.prepared.LoadAndDelete(task.ID); !ok {
		if err := c.Setup(ctx); err != nil {
			return fail(err)
		}
	}
	offset := opts.FromOffset
	if tok, ok, err := l.store.Get(ctx, task.ID); err != nil {
		return fail(err)
	} else if ok {
		parsed, err := breakpoint.Parse(tok)
		if err != nil {
			return fail(err)
		}
		if parsed.Mode == breakpoint.ModeCDC {
			offset = parsed.Offset
		}
	}
	r.capture = c

	captureCtx, stopCapture := context.WithCancel(context.Background())
	handoffCtx, cancelHandoff := context.WithCancel(context.Background())
	r.stopCapture = stopCapture
	r.cancelHandoff = cancelHandoff

	r.mu.Lock()
	r.state = StateRunning
	r.live = true
	r.mu.Unlock()

	l.log.Info().Uint("task_id", task.ID).Int64("offset", offset).Str("topic", r.topic).Msg("监听器已启动")

	go l.handoff(handoffCtx, r, opts)
	go l.captureLoop(captureCtx, r, offset, opts)
	return nil
}

// captureLoop 轮询变更日志写入 channel; 退出时关闭 channel
func (l *Listener) captureLoop(ctx context.Context, r *run, offset int64, opts StartOptions) {
	defer close(r.events)
	defer func() {
		r.mu.Lock()
		r.live = false
		r.mu.Unlock()
	}()

	backoff := retry.NewExponential(l.cfg.MaxPollErrors)
	failures := 0
	for {
		if opts.Gate != nil {
			if err := opts.Gate.Wait(ctx); err != nil {
				return
			}
		}
		recs, err := r.capture.Next(ctx, offset, l.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay, ok := backoff.NextDelay(failures, err)
			failures++
			if !errs.IsRetryable(err) || !ok {
				l.log.Error().Err(err).Uint("task_id", r.taskID).Msg("读取变更日志失败, 监听器停止")
				r.setState(StateFailed, err)
				if opts.OnFailed != nil {
					opts.OnFailed(err)
				}
				return
			}
			l.log.Warn().Err(err).Uint("task_id", r.taskID).Dur("delay", delay).Msg("读取变更日志失败, 稍后重试")
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		failures = 0
		if opts.Heartbeat != nil {
			opts.Heartbeat()
		}

		for _, rec := range recs {
			ev := model.ChangeEvent{
				TaskID:    r.taskID,
				Op:        rec.Op,
				Key:       rec.Key,
				Before:    rec.Before,
				After:     rec.After,
				Offset:    rec.Seq,
				Timestamp: rec.CapturedAt,
			}
			if rec.Err != nil {
				if err := l.reject(ctx, r, &ev, rec.Err); err != nil {
					if ctx.Err() != nil {
						return
					}
					l.log.Error().Err(err).Uint("task_id", r.taskID).Int64("offset", rec.Seq).Msg("隔离坏记录失败, 监听器停止")
					r.setState(StateFailed, err)
					if opts.OnFailed != nil {
						opts.OnFailed(err)
					}
					return
				}
				offset = rec.Seq
				continue
			}
			select {
			case r.events <- ev:
			case <-ctx.Done():
				return
			}
			offset = rec.Seq
		}
		if len(recs) < l.cfg.BatchSize {
			if !sleep(ctx, l.cfg.PollInterval) {
				return
			}
		}
	}
}

// handoff 按捕获顺序投递到队列, 投递确认后记录已投递偏移
func (l *Listener) handoff(ctx context.Context, r *run, opts StartOptions) {
	defer close(r.done)
	publishRetry := retry.NewExponential(5)
	for ev := range r.events {
		ev := ev
		_, err := retry.Do(ctx, publishRetry, func(ctx context.Context) error {
			_, err := l.queue.Publish(ctx, r.topic, queue.FromEvent(&ev))
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.Error().Err(err).Uint("task_id", r.taskID).Int64("offset", ev.Offset).Msg("投递变更事件失败, 监听器停止")
			if qerr := l.reject(context.WithoutCancel(ctx), r, &ev, err); qerr != nil {
				l.log.Warn().Err(qerr).Uint("task_id", r.taskID).Int64("offset", ev.Offset).Msg("隔离投递失败的事件失败")
			}
			r.setState(StateFailed, err)
			r.stopCapture()
			if opts.OnFailed != nil {
				opts.OnFailed(err)
			}
			// 丢弃剩余事件, 由断点重放
			for range r.events {
			}
			return
		}
		if l.status != nil {
			if err := l.status.Touch(ctx, r.taskID, map[string]interface{}{"captured_offset": ev.Offset}); err != nil {
				l.log.Debug().Err(err).Uint("task_id", r.taskID).Msg("更新已投递偏移失败")
			}
		}
	}
}

// reject 把单条事件写入错误表, 监听器继续处理后续偏移
func (l *Listener) reject(ctx context.Context, r *run, ev *model.ChangeEvent, cause error) error {
	l.log.Warn().Err(cause).Uint("task_id", r.taskID).Int64("offset", ev.Offset).Str("key", ev.Key).Msg("变更事件隔离")
	if l.quarantine == nil {
		return nil
	}
	return l.quarantine.Quarantine(ctx, r.taskID, model.StageListen, ev, cause)
}

// Stop 停止捕获, 等待 channel 中的事件投递完毕; 超过宽限期强制关闭
func (l *Listener) Stop(taskID uint) error {
	l.mu.Lock()
	r, ok := l.runs[taskID]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if r.stopCapture == nil {
		return nil
	}
	r.stopCapture()

	timer := time.NewTimer(l.cfg.DrainGrace)
	defer timer.Stop()
	select {
	case <-r.done:
	case <-timer.C:
		pending := len(r.events)
		r.cancelHandoff()
		<-r.done
		l.log.Warn().Uint("task_id", taskID).Int("pending", pending).Dur("grace", l.cfg.DrainGrace).
			Msg("监听器排空超时, 强制关闭, 未投递事件将从断点重放")
	}
	r.cancelHandoff()

	r.mu.Lock()
	if r.state != StateFailed {
		r.state = StateStopped
	}
	r.live = false
	r.mu.Unlock()
	l.log.Info().Uint("task_id", taskID).Msg("监听器已停止")
	return nil
}

// StopAll 进程退出时调用
func (l *Listener) StopAll() {
	l.mu.Lock()
	ids := make([]uint, 0, len(l.runs))
	for id := range l.runs {
		ids = append(ids, id)
	}
	l.mu.Unlock()
	for _, id := range ids {
		_ = l.Stop(id)
	}
}

func (l *Listener) Status(taskID uint) State {
	l.mu.Lock()
	r, ok := l.runs[taskID]
	l.mu.Unlock()
	if !ok {
		return StateStopped
	}
	st, _, _ := r.snapshot()
	return st
}

// LastError 监听器失败原因
func (l *Listener) LastError(taskID uint) error {
	l.mu.Lock()
	r, ok := l.runs[taskID]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	_, _, err := r.snapshot()
	return err
}

// Health RUNNING 且捕获循环存活为 HEALTHY
func (l *Listener) Health(taskID uint) Health {
	l.mu.Lock()
	r, ok := l.runs[taskID]
	l.mu.Unlock()
	if !ok {
		return HealthStopped
	}
	st, live, _ := r.snapshot()
	switch {
	case st == StateRunning && live:
		return HealthHealthy
	case st == StateStopped:
		return HealthStopped
	default:
		return HealthUnhealthy
	}
}

// Breakpoint 已被向量库确认的偏移
func (l *Listener) Breakpoint(ctx context.Context, taskID uint) (int64, bool, error) {
	tok, ok, err := l.store.Get(ctx, taskID)
	if err != nil || !ok {
		return 0, false, err
	}
	parsed, err := breakpoint.Parse(tok)
	if err != nil {
		return 0, false, err
	}
	if parsed.Mode != breakpoint.ModeCDC {
		return 0, false, nil
	}
	return parsed.Offset, true, nil
}

func (l *Listener) SetBreakpoint(ctx context.Context, taskID uint, offset int64) error {
	_, err := l.store.Set(ctx, taskID, breakpoint.CDC(offset).Encode())
	return err
}

func (l *Listener) ClearBreakpoint(ctx context.Context, taskID uint) error {
	return l.store.Clear(ctx, taskID)
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
