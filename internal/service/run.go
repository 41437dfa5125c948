package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"data-rsync/internal/breakpoint"
	"data-rsync/internal/lease"
	"data-rsync/internal/model"
	"data-rsync/internal/worker"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// taskRun 本实例上一次运行的句柄, 从 StartTask 到进入终态
type taskRun struct {
	id    uint
	runID string
	task  *model.Task
	ds    *model.DataSource
	gate  *worker.Gate
	lease *lease.Lease
	// from 启动前的状态
	from model.TaskStatus

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// mu 串行化 暂停/恢复、进度写入和结束
	mu       sync.Mutex
	final    model.TaskStatus
	cause    error
	progress int

	beat          atomic.Int64
	written       atomic.Int64
	quarantined   atomic.Int64
	failedBatches atomic.Int64
	tracker       atomic.Pointer[worker.ShardTracker]

	statsMu     sync.Mutex
	runLog      *model.TaskRunLog
	consistency datatypes.JSON
	reportKey   string
}

// runPlan 启动时根据断点决定的执行计划
type runPlan struct {
	scan bool
	// resume 未完成的扫描断点, 为空表示从头扫描
	resume *breakpoint.Token
	// head 增量开始的日志偏移
	head int64
}

func newTaskRun(task *model.Task, ds *model.DataSource, ls *lease.Lease) *taskRun {
	ctx, cancel := context.WithCancel(context.Background())
	r := &taskRun{
		id:     task.ID,
		runID:  uuid.NewString(),
		task:   task,
		ds:     ds,
		gate:   worker.NewGate(),
		lease:  ls,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.heartbeat()
	return r
}

func (r *taskRun) heartbeat() {
	r.beat.Store(time.Now().UnixNano())
}

func (r *taskRun) idle() time.Duration {
	return time.Since(time.Unix(0, r.beat.Load()))
}

// end 记录结束原因并取消运行, 只有第一次调用生效
func (r *taskRun) end(status model.TaskStatus, cause error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final != "" {
		return false
	}
	r.final, r.cause = status, cause
	r.cancel()
	return true
}

// complete 暂停期间不能进入终态, 等恢复后再结束
func (r *taskRun) complete(ctx context.Context) {
	for {
		r.mu.Lock()
		if r.final != "" {
			r.mu.Unlock()
			return
		}
		if !r.gate.Paused() {
			r.final = model.StatusSuccess
			r.cancel()
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
		if err := r.gate.Wait(ctx); err != nil {
			return
		}
	}
}

func (r *taskRun) outcome() (model.TaskStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.final, r.cause
}

func (r *taskRun) lastProgress() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

func (r *taskRun) wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
