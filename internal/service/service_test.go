package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"data-rsync/internal/breakpoint"
	"data-rsync/internal/cdc"
	"data-rsync/internal/data"
	"data-rsync/internal/dto"
	"data-rsync/internal/lease"
	"data-rsync/internal/model"
	"data-rsync/internal/pipeline"
	"data-rsync/internal/queue"
	"data-rsync/internal/report"
	"data-rsync/internal/repository"
	"data-rsync/internal/scanner"
	"data-rsync/internal/sink"
	"data-rsync/internal/source"
	"data-rsync/internal/worker"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	gormlogger "gorm.io/gorm/logger"
)

const testTopicPrefix = "test"

type fixture struct {
	svc      *TaskService
	errors   *ErrorService
	recorder *ErrorRecorder
	sources  *DataSourceService

	tasks       repository.TaskRepository
	errRepo     repository.ErrorDataRepository
	runLogs     repository.RunLogRepository
	breakpoints *breakpoint.RedisStore
	store       *sink.MemoryStore
	queue       *queue.Memory
	archiver    *report.MemoryArchiver
	adapter     source.Adapter
	ds          *model.DataSource
}

// newFixture sqlite 元数据库 + sqlite 源库 (users 表 rows 行) + miniredis + 内存向量库
func newFixture(t *testing.T, rows int) *fixture {
	t.Helper()
	ctx := context.Background()
	log := zerolog.Nop()

	db, err := data.OpenDB("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()), gormlogger.Silent)
	require.NoError(t, err)
	require.NoError(t, data.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reg, err := source.NewRegistry()
	require.NoError(t, err)
	mgr := source.NewManager(reg, source.PoolConfig{MaxOpen: 1, AcquireTimeout: 5 * time.Second}, log)
	t.Cleanup(mgr.Close)

	f := &fixture{
		tasks:       repository.NewTaskRepository(db),
		errRepo:     repository.NewErrorDataRepository(db),
		runLogs:     repository.NewRunLogRepository(db),
		breakpoints: breakpoint.NewRedisStore(rdb, 50),
		store:       sink.NewMemoryStore(),
		queue:       queue.NewMemory(0),
		archiver:    report.NewMemoryArchiver(),
	}
	dsRepo := repository.NewDataSourceRepository(db)
	f.sources = NewDataSourceService(dsRepo, mgr, log)
	f.ds, err = f.sources.CreateDataSource(ctx, dto.CreateDataSourceReq{
		Name:     "users-db",
		Type:     model.SourceSQLite,
		Database: fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
	})
	require.NoError(t, err)

	f.adapter, err = mgr.Adapter(ctx, f.ds)
	require.NoError(t, err)
	_, err = f.adapter.Execute(ctx, `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, email TEXT)`)
	require.NoError(t, err)
	for i := 1; i <= rows; i++ {
		f.insert(t, i)
	}

	f.recorder = NewErrorRecorder(f.errRepo, log)
	status := breakpoint.NewStatusCache(rdb, time.Hour)
	listener := cdc.NewListener(mgr, f.breakpoints, status, f.queue, f.recorder, nil, cdc.Config{
		InstanceID:   "test",
		TopicPrefix:  testTopicPrefix,
		PollInterval: 10 * time.Millisecond,
		BatchSize:    100,
		ChannelSize:  16,
		DrainGrace:   time.Second,
	}, log)

	cache, err := pipeline.NewVectorCache(1000)
	require.NoError(t, err)
	p := pipeline.New(nil, nil, pipeline.NewCachedVectorizer(pipeline.TextFeatureEmbedder{}, cache))

	writer, err := sink.NewWriter(f.store, f.recorder, sink.WriterConfig{RetryDelay: time.Millisecond, IndexBackoff: time.Millisecond}, log)
	require.NoError(t, err)
	consumer := worker.NewSyncWorker(f.queue, p, writer, f.breakpoints, f.recorder, worker.SyncConfig{
		TopicPrefix: testTopicPrefix,
		IdleWait:    5 * time.Millisecond,
		RetryWait:   5 * time.Millisecond,
	}, log)

	runs := worker.NewPool("runs", 4, log)
	runs.Start(context.Background())
	consumers := worker.NewPool("consumers", 4, log)
	consumers.Start(context.Background())

	f.svc = NewTaskService(TaskDeps{
		Tasks:       f.tasks,
		Sources:     dsRepo,
		RunLogs:     f.runLogs,
		Adapters:    mgr,
		Breakpoints: f.breakpoints,
		Status:      status,
		Locker:      lease.NewLocker(rdb, time.Minute, "test", log),
		Queue:       f.queue,
		Listener:    listener,
		Scanner:     scanner.New(mgr, scanner.Config{PoolSize: 4, BatchSize: 10}, log),
		Pipeline:    p,
		Cache:       cache,
		Writer:      writer,
		Checker:     sink.NewChecker(f.store, 5),
		Quarantine:  f.recorder,
		Archiver:    f.archiver,
		Consumer:    consumer,
		Runs:        runs,
		Consumers:   consumers,
	}, TaskOptions{DrainPoll: 5 * time.Millisecond, StopWait: 5 * time.Second}, log)
	t.Cleanup(func() { f.svc.Shutdown(2 * time.Second) })

	f.errors = NewErrorService(f.errRepo, f.tasks, p, writer, 2, log)
	return f
}

func (f *fixture) insert(t *testing.T, id int) {
	t.Helper()
	_, err := f.adapter.Execute(context.Background(), `INSERT INTO users (id, name, email) VALUES (?, ?, ?)`,
		id, fmt.Sprintf("user %d", id), fmt.Sprintf("u%d@x.io", id))
	require.NoError(t, err)
}

func (f *fixture) createTask(t *testing.T, name string, typ model.TaskType, mutate ...func(*dto.CreateTaskReq)) *model.Task {
	t.Helper()
	req := dto.CreateTaskReq{
		Name:         name,
		Type:         typ,
		DataSourceID: f.ds.ID,
		SourceTable:  "users",
		PrimaryKey:   "id",
		Collection:   name + "_vec",
		Dimension:    8,
		Concurrency:  2,
		BatchSize:    10,
		Pipeline:     model.PipelineConfig{CleanRules: []string{pipeline.RuleValidateFormat}},
	}
	for _, m := range mutate {
		m(&req)
	}
	task, err := f.svc.CreateTask(context.Background(), req)
	require.NoError(t, err)
	return task
}

// waitStatus 等到任务进入 status 且本实例已释放运行句柄
func (f *fixture) waitStatus(t *testing.T, id uint, status model.TaskStatus) *model.Task {
	t.Helper()
	require.Eventually(t, func() bool {
		got, err := f.tasks.Get(context.Background(), id)
		return err == nil && got.Status == status
	}, 10*time.Second, 10*time.Millisecond, "task %d never reached %s", id, status)
	if !status.Active() {
		require.Eventually(t, func() bool { return f.svc.active(id) == nil }, 5*time.Second, 5*time.Millisecond)
	}
	task, err := f.tasks.Get(context.Background(), id)
	require.NoError(t, err)
	return task
}

// waitMode 等到断点进入 mode
func (f *fixture) waitMode(t *testing.T, id uint, mode string) {
	t.Helper()
	require.Eventually(t, func() bool {
		raw, ok, err := f.breakpoints.Get(context.Background(), id)
		if err != nil || !ok {
			return false
		}
		tok, err := breakpoint.Parse(raw)
		return err == nil && tok.Mode == mode
	}, 10*time.Second, 10*time.Millisecond)
}

func (f *fixture) count(t *testing.T, collection string) int64 {
	t.Helper()
	n, err := f.store.Count(context.Background(), collection)
	if err != nil {
		return 0
	}
	return n
}
