package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"data-rsync/internal/breakpoint"
	"data-rsync/internal/errs"
	"data-rsync/internal/model"
	"data-rsync/internal/pipeline"
	"data-rsync/internal/queue"
	"data-rsync/internal/sink"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestGate(t *testing.T) {
	g := NewGate()
	require.NoError(t, g.Wait(context.Background()))

	g.Pause()
	assert.True(t, g.Paused())
	released := make(chan error, 1)
	go func() { released <- g.Wait(context.Background()) }()

	select {
	case <-released:
		t.Fatal("Wait returned while paused")
	case <-time.After(30 * time.Millisecond):
	}
	g.Resume()
	select {
	case err := <-released:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait not released after Resume")
	}

	g.Pause()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, g.Wait(ctx), context.Canceled)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool("test", 2, zerolog.Nop())
	p.Start(context.Background())

	var current, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
			defer wg.Done()
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
		}))
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.True(t, p.Drain(time.Second))

	err := p.Submit(context.Background(), func(context.Context) {})
	assert.True(t, errs.IsConflict(err))
}

func TestPoolStopCancelsJobs(t *testing.T) {
	p := NewPool("stop", 1, zerolog.Nop())
	p.Start(context.Background())

	cancelled := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	}))

	// 唯一的槽位被占用, 等待超时
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, func(context.Context) {})
	assert.True(t, errs.IsRetryable(err))

	p.Stop()
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("job not cancelled")
	}
	assert.Equal(t, 0, p.Running())
}

func TestPoolDrainTimeout(t *testing.T) {
	p := NewPool("drain", 1, zerolog.Nop())
	p.Start(context.Background())
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) { <-ctx.Done() }))
	assert.False(t, p.Drain(20*time.Millisecond))
	assert.Equal(t, 0, p.Running())
}

func TestShardTracker(t *testing.T) {
	var seen [][]int
	tr := NewShardTracker([]int{0}, func(done []int) { seen = append(seen, done) })

	tr.Emitted(1, 10)
	tr.Emitted(2, 5)
	tr.Acked(1, 10)
	assert.Empty(t, seen, "shard 1 still scanning")

	tr.Scanned(1)
	require.Len(t, seen, 1)
	assert.Equal(t, []int{0, 1}, seen[0])

	tr.Scanned(2)
	assert.Len(t, seen, 1)
	assert.EqualValues(t, 5, tr.Pending())
	tr.Acked(2, 3)
	tr.Acked(2, 3) // 重投
	require.Len(t, seen, 2)
	assert.Equal(t, []int{0, 1, 2}, tr.Done())
	assert.Zero(t, tr.Pending())

	// 空分片扫描完即完成
	tr.Scanned(3)
	assert.Equal(t, []int{0, 1, 2, 3}, tr.Done())
}

type fakeQuarantine struct {
	mu     sync.Mutex
	stages []model.SyncStage
	keys   []string
}

func (q *fakeQuarantine) Quarantine(_ context.Context, _ uint, stage model.SyncStage, ev *model.ChangeEvent, _ error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stages = append(q.stages, stage)
	q.keys = append(q.keys, ev.Key)
	return nil
}

type fixture struct {
	queue      *queue.Memory
	store      *sink.MemoryStore
	breakpoint *breakpoint.RedisStore
	quarantine *fakeQuarantine
	worker     *SyncWorker

	pipeline *pipeline.Pipeline
	writer   *sink.Writer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cache, err := pipeline.NewVectorCache(100)
	require.NoError(t, err)
	p := pipeline.New(nil, nil, pipeline.NewCachedVectorizer(pipeline.TextFeatureEmbedder{}, cache))

	f := &fixture{
		queue:      queue.NewMemory(0),
		store:      sink.NewMemoryStore(),
		breakpoint: breakpoint.NewRedisStore(rdb, 10),
		quarantine: &fakeQuarantine{},
	}
	writer, err := sink.NewWriter(f.store, f.quarantine, sink.WriterConfig{RetryDelay: time.Millisecond, IndexBackoff: time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)
	f.pipeline, f.writer = p, writer
	f.worker = f.workerOn(f.queue, "")
	return f
}

// workerOn 在同一个向量库和断点存储上换队列或消费者名
func (f *fixture) workerOn(q queue.Queue, consumer string) *SyncWorker {
	return NewSyncWorker(q, f.pipeline, f.writer, f.breakpoint, f.quarantine,
		SyncConfig{TopicPrefix: "test", Consumer: consumer, IdleWait: 5 * time.Millisecond, RetryWait: 5 * time.Millisecond}, zerolog.Nop())
}

func syncTask() *model.Task {
	task := &model.Task{
		Collection: "users_vec",
		Dimension:  8,
		BatchSize:  100,
		RetryCount: 1,
		Pipeline:   datatypes.NewJSONType(model.PipelineConfig{CleanRules: []string{pipeline.RuleValidateFormat}}),
	}
	task.ID = 5
	return task
}

func cdcMessage(id string, op model.Op, key string, offset int64, email string) queue.Message {
	env := &queue.Envelope{TaskID: 5, Op: op, Key: key, Offset: offset, Timestamp: time.Now().UnixMilli()}
	img := map[string]interface{}{"id": key, "email": email}
	if op == model.OpDelete {
		env.Before = img
	} else {
		env.After = img
	}
	return queue.Message{ID: id, Envelope: env}
}

func TestProcessBatchWritesAndAdvancesBreakpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task := syncTask()

	stats, err := f.worker.ProcessBatch(ctx, task, []queue.Message{
		cdcMessage("1", model.OpCreate, "1", 11, "a@x.io"),
		cdcMessage("2", model.OpCreate, "2", 12, "not-an-email"),
		cdcMessage("3", model.OpUpdate, "1", 13, "b@x.io"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Written)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 1, stats.Quarantined)
	assert.EqualValues(t, 13, stats.MaxOffset)
	assert.Equal(t, []model.SyncStage{model.StageProcess}, f.quarantine.stages)
	assert.Equal(t, []string{"2"}, f.quarantine.keys)

	got, err := f.store.Get(ctx, "users_vec", []string{"1"})
	require.NoError(t, err)
	assert.Equal(t, "b@x.io", got["1"].Fields["email"])
	assert.Len(t, got["1"].Vector, 8)

	tok, ok, err := f.breakpoint.Get(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, breakpoint.CDC(13).Encode(), tok)

	// 重投的旧批次不会让断点后退
	_, err = f.worker.ProcessBatch(ctx, task, []queue.Message{cdcMessage("1", model.OpCreate, "1", 11, "a@x.io")})
	require.NoError(t, err)
	tok, _, _ = f.breakpoint.Get(ctx, task.ID)
	assert.Equal(t, breakpoint.CDC(13).Encode(), tok)
	got, _ = f.store.Get(ctx, "users_vec", []string{"1"})
	assert.Equal(t, "b@x.io", got["1"].Fields["email"])
}

func TestProcessBatchCountsReadsPerShard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task := syncTask()

	var msgs []queue.Message
	for i := 0; i < 4; i++ {
		shard := i % 2
		msgs = append(msgs, queue.Message{ID: fmt.Sprint(i), Envelope: &queue.Envelope{
			TaskID: 5, Op: model.OpRead, Key: fmt.Sprint(i), ShardIndex: &shard,
			After: map[string]interface{}{"id": i, "email": "r@x.io"},
		}})
	}
	stats, err := f.worker.ProcessBatch(ctx, task, msgs)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{0: 2, 1: 2}, stats.ReadByShard)
	assert.Zero(t, stats.MaxOffset)

	_, ok, err := f.breakpoint.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, ok, "READ events never move the CDC breakpoint")
	n, _ := f.store.Count(ctx, "users_vec")
	assert.EqualValues(t, 4, n)
}

func TestProcessBatchQuarantinesFailedWrites(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task := syncTask()
	task.RetryCount = 0
	f.store.FailUpserts = 1

	stats, err := f.worker.ProcessBatch(ctx, task, []queue.Message{cdcMessage("1", model.OpCreate, "9", 21, "a@x.io")})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Quarantined)
	assert.Equal(t, []model.SyncStage{model.StageWrite}, f.quarantine.stages)
}

func TestRunConsumesUntilCancelled(t *testing.T) {
	f := newFixture(t)
	task := syncTask()
	ctx, cancel := context.WithCancel(context.Background())

	topic := f.worker.Topic(task.ID)
	for i := 1; i <= 20; i++ {
		_, err := f.queue.Publish(ctx, topic, cdcMessage("", model.OpCreate, fmt.Sprint(i), int64(i), "u@x.io").Envelope)
		require.NoError(t, err)
	}

	var batches atomic.Int64
	var beats atomic.Int64
	done := make(chan error, 1)
	gate := NewGate()
	go func() {
		done <- f.worker.Run(ctx, task, Hooks{
			Gate:      gate,
			Heartbeat: func() { beats.Add(1) },
			OnBatch:   func(BatchStats) { batches.Add(1) },
		})
	}()

	require.Eventually(t, func() bool {
		n, _ := f.queue.Backlog(ctx, topic)
		return n == 0
	}, 2*time.Second, 10*time.Millisecond)
	n, _ := f.store.Count(ctx, "users_vec")
	assert.EqualValues(t, 20, n)
	assert.Eventually(t, func() bool { return batches.Load() > 0 }, time.Second, 5*time.Millisecond)
	assert.Positive(t, beats.Load())

	tok, _, _ := f.breakpoint.Get(ctx, task.ID)
	assert.Equal(t, breakpoint.CDC(20).Encode(), tok)

	// 暂停后新消息不被消费
	gate.Pause()
	time.Sleep(30 * time.Millisecond)
	_, err := f.queue.Publish(ctx, topic, cdcMessage("", model.OpDelete, "1", 21, "u@x.io").Envelope)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	backlog, _ := f.queue.Backlog(ctx, topic)
	assert.EqualValues(t, 1, backlog)

	gate.Resume()
	require.Eventually(t, func() bool {
		n, _ := f.store.Count(ctx, "users_vec")
		return n == 19
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRunRedeliversAfterConsumerRestart(t *testing.T) {
	f := newFixture(t)
	task := syncTask()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	crashed := queue.NewRedisStreams(rdb, -1, 0)
	topic := f.worker.Topic(task.ID)
	for i := 1; i <= 5; i++ {
		_, err := crashed.Publish(ctx, topic, cdcMessage("", model.OpCreate, fmt.Sprint(i), int64(i), "u@x.io").Envelope)
		require.NoError(t, err)
	}
	// 取走但没有确认就退出
	msgs, err := crashed.Consume(ctx, topic, "rsync-sync", "node-a", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- f.workerOn(queue.NewRedisStreams(rdb, -1, 0), "node-a").Run(runCtx, task, Hooks{})
	}()
	require.Eventually(t, func() bool {
		n, _ := f.store.Count(ctx, "users_vec")
		return n == 5
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		n, _ := rdb.XLen(ctx, topic).Result()
		return n == 0
	}, 3*time.Second, 10*time.Millisecond)
	tok, _, _ := f.breakpoint.Get(ctx, task.ID)
	assert.Equal(t, breakpoint.CDC(5).Encode(), tok)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRunStopsOnConfigurationError(t *testing.T) {
	f := newFixture(t)
	task := syncTask()
	task.Collection = ""
	ctx := context.Background()
	_, err := f.queue.Publish(ctx, f.worker.Topic(task.ID), cdcMessage("", model.OpCreate, "1", 1, "a@x.io").Envelope)
	require.NoError(t, err)

	var fatal error
	err = f.worker.Run(ctx, task, Hooks{OnFatal: func(err error) { fatal = err }})
	assert.True(t, errs.IsConfiguration(err))
	assert.Equal(t, err, fatal)
}
