package repository

import (
	"context"
	"errors"
	"time"

	"data-rsync/internal/errs"
	"data-rsync/internal/model"

	"gorm.io/gorm"
)

// TaskFilter 列表筛选, 零值表示不限
type TaskFilter struct {
	Status   model.TaskStatus
	Type     model.TaskType
	Enabled  *bool
	Keyword  string
	Page     int
	PageSize int
}

type TaskRepository interface {
	Create(ctx context.Context, task *model.Task) error
	Get(ctx context.Context, id uint) (*model.Task, error)
	List(ctx context.Context, f TaskFilter) ([]model.Task, int64, error)
	Save(ctx context.Context, task *model.Task) error
	UpdateFields(ctx context.Context, id uint, fields map[string]interface{}) error
	// Transition 状态比较并交换, 当前状态不在 from 中时返回 Conflict
	Transition(ctx context.Context, id uint, from []model.TaskStatus, to model.TaskStatus, fields map[string]interface{}) error
	// AdvanceProgress 只允许进度增加
	AdvanceProgress(ctx context.Context, id uint, progress int) error
	Delete(ctx context.Context, id uint) error
	IsNameExist(ctx context.Context, name string, excludeID uint) bool
	ListByStatus(ctx context.Context, statuses ...model.TaskStatus) ([]model.Task, error)
	// Due 到期的调度任务
	Due(ctx context.Context, now time.Time) ([]model.Task, error)
}

type taskRepository struct {
	db *gorm.DB
}

func NewTaskRepository(db *gorm.DB) TaskRepository {
	return &taskRepository{db: db}
}

func (r *taskRepository) Create(ctx context.Context, task *model.Task) error {
	if r.IsNameExist(ctx, task.Name, 0) {
		return errs.Conflictf("task.create", "task name %q already exists", task.Name)
	}
	return dbErr("task.create", r.db.WithContext(ctx).Create(task).Error)
}

func (r *taskRepository) Get(ctx context.Context, id uint) (*model.Task, error) {
	var task model.Task
	if err := r.db.WithContext(ctx).First(&task, id).Error; err != nil {
		return nil, dbErr("task.get", err)
	}
	return &task, nil
}

func (r *taskRepository) List(ctx context.Context, f TaskFilter) ([]model.Task, int64, error) {
	db := r.db.WithContext(ctx).Model(&model.Task{})
	if f.Status != "" {
		db = db.Where("status = ?", f.Status)
	}
	if f.Type != "" {
		db = db.Where("type = ?", f.Type)
	}
	if f.Enabled != nil {
		db = db.Where("enabled = ?", *f.Enabled)
	}
	if f.Keyword != "" {
		db = db.Where("name LIKE ?", "%"+f.Keyword+"%")
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, dbErr("task.list", err)
	}
	var tasks []model.Task
	page, size := paging(f.Page, f.PageSize)
	if err := db.Order("id desc").Limit(size).Offset((page - 1) * size).Find(&tasks).Error; err != nil {
		return nil, 0, dbErr("task.list", err)
	}
	return tasks, total, nil
}

func (r *taskRepository) Save(ctx context.Context, task *model.Task) error {
	return dbErr("task.save", r.db.WithContext(ctx).Save(task).Error)
}

func (r *taskRepository) UpdateFields(ctx context.Context, id uint, fields map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&model.Task{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return dbErr("task.update", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.NotFoundf("task.update", "task %d not found", id)
	}
	return nil
}

func (r *taskRepository) Transition(ctx context.Context, id uint, from []model.TaskStatus, to model.TaskStatus,
	fields map[string]interface{}) error {
	updates := map[string]interface{}{"status": to}
	for k, v := range fields {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).Model(&model.Task{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return dbErr("task.transition", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	current, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return errs.Conflictf("task.transition", "task %d is %s, cannot move to %s", id, current.Status, to)
}

func (r *taskRepository) AdvanceProgress(ctx context.Context, id uint, progress int) error {
	now := time.Now()
	err := r.db.WithContext(ctx).Model(&model.Task{}).
		Where("id = ? AND progress <= ?", id, progress).
		Updates(map[string]interface{}{"progress": progress, "last_progress_at": &now}).Error
	return dbErr("task.progress", err)
}

// Delete 硬删除任务及其错误数据和运行日志
func (r *taskRepository) Delete(ctx context.Context, id uint) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("task_id = ?", id).Delete(&model.TaskErrorData{}).Error; err != nil {
			return err
		}
		if err := tx.Where("task_id = ?", id).Delete(&model.TaskRunLog{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&model.Task{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	return dbErr("task.delete", err)
}

func (r *taskRepository) IsNameExist(ctx context.Context, name string, excludeID uint) bool {
	var count int64
	db := r.db.WithContext(ctx).Model(&model.Task{}).Where("name = ?", name)
	if excludeID != 0 {
		db = db.Where("id <> ?", excludeID)
	}
	db.Count(&count)
	return count > 0
}

func (r *taskRepository) ListByStatus(ctx context.Context, statuses ...model.TaskStatus) ([]model.Task, error) {
	var tasks []model.Task
	err := r.db.WithContext(ctx).Where("status IN ?", statuses).Order("id").Find(&tasks).Error
	return tasks, dbErr("task.list_status", err)
}

func (r *taskRepository) Due(ctx context.Context, now time.Time) ([]model.Task, error) {
	var tasks []model.Task
	err := r.db.WithContext(ctx).
		Where("enabled = ? AND schedule_type <> ? AND next_exec_time IS NOT NULL AND next_exec_time <= ?", true, "", now).
		Where("status NOT IN ?", []model.TaskStatus{model.StatusRunning, model.StatusPaused}).
		Order("next_exec_time").
		Find(&tasks).Error
	return tasks, dbErr("task.due", err)
}

// dbErr 记录不存在转 NotFound, 其他数据库错误视为可重试
func dbErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errs.NotFound(op, err)
	}
	var se *errs.SyncError
	if errors.As(err, &se) {
		return err
	}
	return errs.Transient(op, err)
}

func paging(page, size int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	if size > 500 {
		size = 500
	}
	return page, size
}
