package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"data-rsync/internal/breakpoint"
	"data-rsync/internal/cdc"
	"data-rsync/internal/conf"
	"data-rsync/internal/data"
	"data-rsync/internal/handler"
	"data-rsync/internal/lease"
	"data-rsync/internal/logger"
	"data-rsync/internal/pipeline"
	"data-rsync/internal/queue"
	"data-rsync/internal/report"
	"data-rsync/internal/repository"
	"data-rsync/internal/retry"
	"data-rsync/internal/scanner"
	"data-rsync/internal/service"
	"data-rsync/internal/sink"
	"data-rsync/internal/source"
	"data-rsync/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Run 启动服务器, 收到 SIGINT / SIGTERM 后优雅退出
func Run() error {
	// 1. 加载配置
	cfg, err := conf.LoadConfig()
	if err != nil {
		return err
	}
	// 实例标识同时是队列消费者名, 重启后必须不变才能拿回自己挂起的消息
	if cfg.App.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "data-rsync-" + uuid.NewString()[:8]
		}
		cfg.App.InstanceID = host
	}
	log := logger.New().
		Level(cfg.Log.Level).
		Console(cfg.Log.Format == "console").
		With("service", "data-rsync").
		With("instance", cfg.App.InstanceID).
		Make()
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 2. 初始化数据层
	d, cleanup, err := data.NewData(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	taskRepo := repository.NewTaskRepository(d.DB)
	dsRepo := repository.NewDataSourceRepository(d.DB)
	errRepo := repository.NewErrorDataRepository(d.DB)
	runLogRepo := repository.NewRunLogRepository(d.DB)

	// 3. 数据源注册表与连接池
	registry, err := source.NewRegistry()
	if err != nil {
		return err
	}
	sources := source.NewManager(registry, source.PoolConfig{
		MaxOpen:        cfg.Sync.SourcePoolSize,
		AcquireTimeout: cfg.Sync.SourceAcquireTimeout,
	}, log)
	defer sources.Close()

	// 4. 断点、状态、租约、队列
	breakpoints := breakpoint.NewRedisStore(d.Redis, cfg.Sync.HistorySize)
	status := breakpoint.NewStatusCache(d.Redis, cfg.Sync.StatusTTL)
	locker := lease.NewLocker(d.Redis, cfg.Sync.LeaseTTL, cfg.App.InstanceID, log)

	var q queue.Queue
	if cfg.Queue.Backend == "memory" {
		q = queue.NewMemory(cfg.Queue.Block)
	} else {
		q = queue.NewRedisStreams(d.Redis, cfg.Queue.Block, cfg.Queue.ClaimIdle)
	}

	// 5. 处理管道
	var embedder pipeline.Embedder = pipeline.TextFeatureEmbedder{}
	if cfg.Embedding.Backend == "grpc" {
		ge, err := pipeline.DialGRPCEmbedder(cfg.Embedding.GRPCHost, cfg.Embedding.Model, cfg.Embedding.Timeout)
		if err != nil {
			return err
		}
		defer ge.Close()
		embedder = ge
		log.Info().Str("host", cfg.Embedding.GRPCHost).Msg("向量化使用外部模型服务")
	}
	cache, err := pipeline.NewVectorCache(cfg.Sync.VectorCacheSize)
	if err != nil {
		return err
	}
	p := pipeline.New(nil, nil, pipeline.NewCachedVectorizer(embedder, cache))

	// 6. 向量库与报告归档
	var store sink.VectorStore = sink.NewMemoryStore()
	if d.Qdrant != nil {
		store = sink.NewQdrantStore(d.Qdrant)
	}
	var archiver report.Archiver = report.NewMemoryArchiver()
	if d.Minio != nil {
		archiver = report.NewMinioArchiver(d.Minio, cfg.Data.MinioBucket)
	}

	recorder := service.NewErrorRecorder(errRepo, log)
	writer, err := sink.NewWriter(store, recorder, sink.WriterConfig{
		MaxBatch:     sink.MaxBatch,
		RetryDelay:   cfg.Sync.RetryInterval,
		IndexRetries: cfg.Sync.IndexRetries,
		IndexBackoff: cfg.Sync.IndexBackoff,
	}, log)
	if err != nil {
		return err
	}

	// 7. 捕获、扫描、消费
	listener := cdc.NewListener(sources, breakpoints, status, q, recorder, nil, cdc.Config{
		InstanceID:   cfg.App.InstanceID,
		TopicPrefix:  cfg.Queue.StreamPrefix,
		PollInterval: cfg.Sync.PollInterval,
		ChannelSize:  cfg.Sync.ChannelSize,
		DrainGrace:   cfg.Sync.DrainGrace,
	}, log)
	scan := scanner.New(sources, scanner.Config{
		MaxShards: cfg.Sync.MaxShards,
		PoolSize:  cfg.Sync.ScanPoolSize,
		BatchSize: cfg.Sync.DefaultBatchSize,
		Retry:     retry.NewFixedDelay(cfg.Sync.RetryInterval, cfg.Sync.DefaultRetryCount),
	}, log)
	consumer := worker.NewSyncWorker(q, p, writer, breakpoints, recorder, worker.SyncConfig{
		TopicPrefix: cfg.Queue.StreamPrefix,
		Group:       cfg.Queue.Group,
		Consumer:    cfg.App.InstanceID,
		RetryWait:   cfg.Sync.RetryInterval,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runs := worker.NewPool("runs", cfg.Sync.ListenerPoolSize, log)
	runs.Start(ctx)
	consumers := worker.NewPool("consumers", cfg.Sync.BatchPoolSize, log)
	consumers.Start(ctx)

	// 8. 服务层
	taskSvc := service.NewTaskService(service.TaskDeps{
		Tasks:       taskRepo,
		Sources:     dsRepo,
		RunLogs:     runLogRepo,
		Adapters:    sources,
		Breakpoints: breakpoints,
		Status:      status,
		Locker:      locker,
		Queue:       q,
		Listener:    listener,
		Scanner:     scan,
		Pipeline:    p,
		Cache:       cache,
		Writer:      writer,
		Checker:     sink.NewChecker(store, cfg.Sync.SampleSize),
		Quarantine:  recorder,
		Archiver:    archiver,
		Consumer:    consumer,
		Runs:        runs,
		Consumers:   consumers,
	}, service.TaskOptions{
		Defaults: service.TaskDefaults{
			BatchSize:      cfg.Sync.DefaultBatchSize,
			RetryCount:     cfg.Sync.DefaultRetryCount,
			TimeoutSeconds: int(cfg.Sync.DefaultTimeout / time.Second),
			ErrorThreshold: 100,
			Dimension:      cfg.Sync.Dimension,
			Metric:         cfg.Sync.Metric,
		},
		MaxShards: cfg.Sync.MaxShards,
		StopWait:  cfg.Sync.DrainGrace * 3,
	}, log)
	errSvc := service.NewErrorService(errRepo, taskRepo, p, writer, cfg.Sync.BatchPoolSize, log)
	dsSvc := service.NewDataSourceService(dsRepo, sources, log)

	// 9. 接管上次退出时仍在运行的任务
	if n, err := taskSvc.Recover(ctx); err != nil {
		log.Warn().Err(err).Msg("恢复运行中任务失败")
	} else if n > 0 {
		log.Info().Int("count", n).Msg("已恢复运行中任务")
	}

	sched := service.NewScheduler(taskRepo, taskSvc, func(ctx context.Context) {
		if n := taskSvc.CheckTimeouts(ctx); n > 0 {
			log.Warn().Int("count", n).Msg("任务超时")
		}
	}, cfg.Sync.WatchInterval, log)
	if err := sched.Start(ctx); err != nil {
		return err
	}

	// 10. HTTP
	r := handler.NewRouter(handler.Handlers{
		Task:       handler.NewTaskHandler(taskSvc),
		Error:      handler.NewErrorHandler(errSvc),
		DataSource: handler.NewDataSourceHandler(dsSvc),
	}, logger.Component(log, "http"))
	srv := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.App.Port).Msg("data-rsync 已启动")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("HTTP 服务异常退出")
		}
	}
	shutdown(log, sched, srv, taskSvc, cfg.Sync.DrainGrace)
	return nil
}

// shutdown 依次停止: 调度器 -> HTTP -> 任务运行
func shutdown(log zerolog.Logger, sched *service.Scheduler, srv *http.Server, svc *service.TaskService, grace time.Duration) {
	log.Info().Msg("正在关闭")
	sched.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("HTTP 关闭超时")
	}
	svc.Shutdown(grace)
	log.Info().Msg("已退出")
}
