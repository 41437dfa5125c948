package service

import (
	"context"
	"sync"
	"time"

	"data-rsync/internal/errs"
	"data-rsync/internal/model"
	"data-rsync/internal/pipeline"
	"data-rsync/internal/queue"
	"data-rsync/internal/repository"
	"data-rsync/internal/sink"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

// ErrorRecorder 隔离区写入端, 同步消费者和向量写入器共用
type ErrorRecorder struct {
	repo repository.ErrorDataRepository
	log  zerolog.Logger
}

func NewErrorRecorder(repo repository.ErrorDataRepository, log zerolog.Logger) *ErrorRecorder {
	return &ErrorRecorder{repo: repo, log: log.With().Str("component", "quarantine").Logger()}
}

// Quarantine 保存原始事件, 重试时按原样重新处理
func (r *ErrorRecorder) Quarantine(ctx context.Context, taskID uint, stage model.SyncStage, ev *model.ChangeEvent, cause error) error {
	raw, err := queue.FromEvent(ev).Marshal()
	if err != nil {
		return errs.Data("quarantine.encode", err)
	}
	row := &model.TaskErrorData{
		TaskID:       taskID,
		RecordKey:    ev.Key,
		SourceData:   datatypes.JSON(raw),
		ErrorMessage: cause.Error(),
		ErrorType:    string(errs.KindOf(cause)),
		SyncStage:    stage,
		ErrorTime:    time.Now(),
	}
	if err := r.repo.Create(ctx, row); err != nil {
		return err
	}
	r.log.Warn().Uint("task_id", taskID).Str("stage", string(stage)).Str("key", ev.Key).Err(cause).Msg("记录进入隔离区")
	return nil
}

// ErrorService 隔离区的查询、重试和清理
type ErrorService struct {
	repo     repository.ErrorDataRepository
	tasks    repository.TaskRepository
	pipeline *pipeline.Pipeline
	writer   *sink.Writer
	// concurrency 批量重试的并发度
	concurrency int
	log         zerolog.Logger
}

func NewErrorService(repo repository.ErrorDataRepository, tasks repository.TaskRepository,
	p *pipeline.Pipeline, w *sink.Writer, concurrency int, log zerolog.Logger) *ErrorService {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &ErrorService{
		repo:        repo,
		tasks:       tasks,
		pipeline:    p,
		writer:      w,
		concurrency: concurrency,
		log:         log.With().Str("component", "error_service").Logger(),
	}
}

func (s *ErrorService) ListErrorData(ctx context.Context, f repository.ErrorDataFilter) ([]model.TaskErrorData, int64, error) {
	return s.repo.List(ctx, f)
}

func (s *ErrorService) GetErrorData(ctx context.Context, id uint) (*model.TaskErrorData, error) {
	return s.repo.Get(ctx, id)
}

// RetryErrorData PENDING/FAILED -> PROCESSING -> SUCCESS/FAILED。
// 返回的 error 只表示无法开始重试 (不存在 / 正在处理), 重试本身失败体现在状态里。
func (s *ErrorService) RetryErrorData(ctx context.Context, id uint) (model.ProcessStatus, error) {
	row, err := s.repo.Claim(ctx, id)
	if err != nil {
		return "", err
	}
	log := s.log.With().Uint("error_id", id).Uint("task_id", row.TaskID).Logger()

	status, message := model.ProcessSuccess, ""
	if err := s.replay(ctx, row); err != nil {
		status, message = model.ProcessFailed, err.Error()
		log.Warn().Err(err).Msg("隔离记录重试失败")
	} else {
		log.Info().Str("key", row.RecordKey).Msg("隔离记录重试成功")
	}
	// 请求被取消也要把 PROCESSING 收尾
	if err := s.repo.Finish(context.WithoutCancel(ctx), id, status, message); err != nil {
		return "", err
	}
	return status, nil
}

// replay 原始事件重新走 处理 -> 写入
func (s *ErrorService) replay(ctx context.Context, row *model.TaskErrorData) error {
	task, err := s.tasks.Get(ctx, row.TaskID)
	if err != nil {
		return err
	}
	env, err := queue.Decode(row.SourceData)
	if err != nil {
		return err
	}
	ev := env.Event()
	if ev.TaskID == 0 {
		ev.TaskID = task.ID
	}
	rec, err := s.pipeline.Process(ctx, task, ev)
	if err != nil {
		return err
	}
	_, _, err = s.writer.Apply(ctx, task, []*model.ProcessedRecord{rec})
	return err
}

// BatchRetryErrorData 并发重试, 返回每条记录的结果。无法开始重试的记录记为 FAILED。
func (s *ErrorService) BatchRetryErrorData(ctx context.Context, ids []uint) map[uint]model.ProcessStatus {
	out := make(map[uint]model.ProcessStatus, len(ids))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			status, err := s.RetryErrorData(gctx, id)
			if err != nil {
				s.log.Warn().Err(err).Uint("error_id", id).Msg("隔离记录无法重试")
				status = model.ProcessFailed
			}
			mu.Lock()
			out[id] = status
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// CleanErrorData 删除任务的全部隔离记录
func (s *ErrorService) CleanErrorData(ctx context.Context, taskID uint) (int64, error) {
	if _, err := s.tasks.Get(ctx, taskID); err != nil {
		return 0, err
	}
	n, err := s.repo.DeleteByTask(ctx, taskID)
	if err != nil {
		return 0, err
	}
	s.log.Info().Uint("task_id", taskID).Int64("deleted", n).Msg("隔离记录已清理")
	return n, nil
}

// CountErrorData 任务当前的隔离记录数
func (s *ErrorService) CountErrorData(ctx context.Context, taskID uint) (int64, error) {
	return s.repo.CountByTask(ctx, taskID)
}
