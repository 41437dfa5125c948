package repository

import (
	"context"

	"data-rsync/internal/model"

	"gorm.io/gorm"
)

type RunLogRepository interface {
	Create(ctx context.Context, log *model.TaskRunLog) error
	Save(ctx context.Context, log *model.TaskRunLog) error
	ListByTask(ctx context.Context, taskID uint, limit int) ([]model.TaskRunLog, error)
	Latest(ctx context.Context, taskID uint) (*model.TaskRunLog, error)
}

type runLogRepository struct {
	db *gorm.DB
}

func NewRunLogRepository(db *gorm.DB) RunLogRepository {
	return &runLogRepository{db: db}
}

func (r *runLogRepository) Create(ctx context.Context, log *model.TaskRunLog) error {
	return dbErr("run_log.create", r.db.WithContext(ctx).Create(log).Error)
}

func (r *runLogRepository) Save(ctx context.Context, log *model.TaskRunLog) error {
	return dbErr("run_log.save", r.db.WithContext(ctx).Save(log).Error)
}

func (r *runLogRepository) ListByTask(ctx context.Context, taskID uint, limit int) ([]model.TaskRunLog, error) {
	if limit <= 0 {
		limit = 20
	}
	var logs []model.TaskRunLog
	err := r.db.WithContext(ctx).Where("task_id = ?", taskID).Order("id desc").Limit(limit).Find(&logs).Error
	return logs, dbErr("run_log.list", err)
}

func (r *runLogRepository) Latest(ctx context.Context, taskID uint) (*model.TaskRunLog, error) {
	var log model.TaskRunLog
	if err := r.db.WithContext(ctx).Where("task_id = ?", taskID).Order("id desc").First(&log).Error; err != nil {
		return nil, dbErr("run_log.latest", err)
	}
	return &log, nil
}
