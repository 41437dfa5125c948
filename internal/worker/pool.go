package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"data-rsync/internal/errs"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Pool 有界 goroutine 池, 生命周期 Start -> Drain / Stop。
// job 的 ctx 派生自池, Stop 时统一取消。
type Pool struct {
	name string
	size int
	sem  *semaphore.Weighted
	log  zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
	running atomic.Int64
}

func NewPool(name string, size int, log zerolog.Logger) *Pool {
	if size <= 0 {
		size = 10
	}
	return &Pool{
		name: name,
		size: size,
		sem:  semaphore.NewWeighted(int64(size)),
		log:  log.With().Str("component", "pool").Str("pool", name).Logger(),
	}
}

func (p *Pool) Start(parent context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx != nil {
		return
	}
	p.ctx, p.cancel = context.WithCancel(parent)
	p.log.Info().Int("size", p.size).Msg("worker 池已启动")
}

// Submit 等待空闲槽位后异步执行 fn; ctx 只约束等待槽位的时间
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context)) error {
	p.mu.Lock()
	if p.ctx == nil || p.closed {
		p.mu.Unlock()
		return errs.Conflictf("pool.submit", "pool %s is not accepting work", p.name)
	}
	poolCtx := p.ctx
	p.wg.Add(1)
	p.mu.Unlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.wg.Done()
		return errs.Transient("pool.submit", err).WithField("pool", p.name)
	}

	jobCtx, cancel := context.WithCancel(poolCtx)
	p.running.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer p.running.Add(-1)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				p.log.Error().Interface("panic", r).Msg("worker panic")
			}
		}()
		fn(jobCtx)
	}()
	return nil
}

func (p *Pool) Running() int {
	return int(p.running.Load())
}

func (p *Pool) Size() int {
	return p.size
}

// Drain 不再接收新任务, 等待已提交的任务结束; 超时后取消剩余任务
func (p *Pool) Drain(timeout time.Duration) bool {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		p.log.Warn().Int("running", p.Running()).Dur("timeout", timeout).Msg("排空超时, 取消剩余任务")
		p.Stop()
		return false
	}
}

// Stop 取消所有任务并等待退出
func (p *Pool) Stop() {
	p.mu.Lock()
	p.closed = true
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}
