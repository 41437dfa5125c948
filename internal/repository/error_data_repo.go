package repository

import (
	"context"
	"time"

	"data-rsync/internal/errs"
	"data-rsync/internal/model"

	"gorm.io/gorm"
)

type ErrorDataFilter struct {
	TaskID    uint
	Stage     model.SyncStage
	ErrorType string
	Status    model.ProcessStatus
	Page      int
	PageSize  int
}

type ErrorDataRepository interface {
	Create(ctx context.Context, row *model.TaskErrorData) error
	Get(ctx context.Context, id uint) (*model.TaskErrorData, error)
	List(ctx context.Context, f ErrorDataFilter) ([]model.TaskErrorData, int64, error)
	// Claim PENDING/FAILED -> PROCESSING, 防止同一条记录被并发重试
	Claim(ctx context.Context, id uint) (*model.TaskErrorData, error)
	// Finish 记录一次重试结果, retry_count + 1
	Finish(ctx context.Context, id uint, status model.ProcessStatus, message string) error
	CountByTask(ctx context.Context, taskID uint) (int64, error)
	DeleteByTask(ctx context.Context, taskID uint) (int64, error)
}

type errorDataRepository struct {
	db *gorm.DB
}

func NewErrorDataRepository(db *gorm.DB) ErrorDataRepository {
	return &errorDataRepository{db: db}
}

func (r *errorDataRepository) Create(ctx context.Context, row *model.TaskErrorData) error {
	if row.ProcessStatus == "" {
		row.ProcessStatus = model.ProcessPending
	}
	if row.ErrorTime.IsZero() {
		row.ErrorTime = time.Now()
	}
	return dbErr("error_data.create", r.db.WithContext(ctx).Create(row).Error)
}

func (r *errorDataRepository) Get(ctx context.Context, id uint) (*model.TaskErrorData, error) {
	var row model.TaskErrorData
	if err := r.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return nil, dbErr("error_data.get", err)
	}
	return &row, nil
}

func (r *errorDataRepository) List(ctx context.Context, f ErrorDataFilter) ([]model.TaskErrorData, int64, error) {
	db := r.db.WithContext(ctx).Model(&model.TaskErrorData{})
	if f.TaskID != 0 {
		db = db.Where("task_id = ?", f.TaskID)
	}
	if f.Stage != "" {
		db = db.Where("sync_stage = ?", f.Stage)
	}
	if f.ErrorType != "" {
		db = db.Where("error_type = ?", f.ErrorType)
	}
	if f.Status != "" {
		db = db.Where("process_status = ?", f.Status)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, dbErr("error_data.list", err)
	}
	var rows []model.TaskErrorData
	page, size := paging(f.Page, f.PageSize)
	if err := db.Order("id desc").Limit(size).Offset((page - 1) * size).Find(&rows).Error; err != nil {
		return nil, 0, dbErr("error_data.list", err)
	}
	return rows, total, nil
}

func (r *errorDataRepository) Claim(ctx context.Context, id uint) (*model.TaskErrorData, error) {
	res := r.db.WithContext(ctx).Model(&model.TaskErrorData{}).
		Where("id = ? AND process_status IN ?", id, []model.ProcessStatus{model.ProcessPending, model.ProcessFailed}).
		Update("process_status", model.ProcessProcessing)
	if res.Error != nil {
		return nil, dbErr("error_data.claim", res.Error)
	}
	row, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return nil, errs.Conflictf("error_data.claim", "error data %d is %s", id, row.ProcessStatus)
	}
	return row, nil
}

func (r *errorDataRepository) Finish(ctx context.Context, id uint, status model.ProcessStatus, message string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"process_status":  status,
		"retry_count":     gorm.Expr("retry_count + 1"),
		"last_retry_time": &now,
	}
	if message != "" {
		updates["error_message"] = message
	}
	err := r.db.WithContext(ctx).Model(&model.TaskErrorData{}).Where("id = ?", id).Updates(updates).Error
	return dbErr("error_data.finish", err)
}

func (r *errorDataRepository) CountByTask(ctx context.Context, taskID uint) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.TaskErrorData{}).Where("task_id = ?", taskID).Count(&n).Error
	return n, dbErr("error_data.count", err)
}

func (r *errorDataRepository) DeleteByTask(ctx context.Context, taskID uint) (int64, error) {
	res := r.db.WithContext(ctx).Where("task_id = ?", taskID).Delete(&model.TaskErrorData{})
	return res.RowsAffected, dbErr("error_data.delete", res.Error)
}
