package dto

import "data-rsync/internal/model"

// CreateTaskReq 创建同步任务请求, 未填的数值使用默认值
type CreateTaskReq struct {
	Name         string             `json:"name" binding:"required"`
	Type         model.TaskType     `json:"type" binding:"required"`
	SyncStrategy model.SyncStrategy `json:"sync_strategy"`

	DataSourceID uint   `json:"data_source_id" binding:"required"`
	Database     string `json:"database"`
	SourceTable  string `json:"source_table" binding:"required"`
	PrimaryKey   string `json:"primary_key" binding:"required"`

	Collection string `json:"collection" binding:"required"`
	Dimension  int    `json:"dimension"`
	Metric     string `json:"metric"`

	Concurrency    int  `json:"concurrency"`
	BatchSize      int  `json:"batch_size"`
	RetryCount     *int `json:"retry_count"`
	TimeoutSeconds *int `json:"timeout_seconds"`
	ErrorThreshold *int `json:"error_threshold"`

	ScheduleType       model.ScheduleType `json:"schedule_type"`
	ScheduleExpression string             `json:"schedule_expression"`

	Enabled         *bool `json:"enabled"`
	ClearBeforeFull *bool `json:"clear_before_full"`

	Pipeline model.PipelineConfig `json:"pipeline"`
}

// UpdateTaskReq 只更新非空字段, 运行中的任务不能修改
type UpdateTaskReq struct {
	Name         *string             `json:"name"`
	SyncStrategy *model.SyncStrategy `json:"sync_strategy"`

	Database    *string `json:"database"`
	SourceTable *string `json:"source_table"`
	PrimaryKey  *string `json:"primary_key"`

	Collection *string `json:"collection"`
	Dimension  *int    `json:"dimension"`
	Metric     *string `json:"metric"`

	Concurrency    *int `json:"concurrency"`
	BatchSize      *int `json:"batch_size"`
	RetryCount     *int `json:"retry_count"`
	TimeoutSeconds *int `json:"timeout_seconds"`
	ErrorThreshold *int `json:"error_threshold"`

	ScheduleType       *model.ScheduleType `json:"schedule_type"`
	ScheduleExpression *string             `json:"schedule_expression"`

	ClearBeforeFull *bool `json:"clear_before_full"`

	Pipeline *model.PipelineConfig `json:"pipeline"`
}

// ListTaskReq 任务列表查询参数
type ListTaskReq struct {
	Status   string `form:"status"`
	Type     string `form:"type"`
	Enabled  *bool  `form:"enabled"`
	Keyword  string `form:"keyword"`
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
}

type ToggleTaskReq struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type RollbackReq struct {
	CheckpointID string `json:"checkpoint_id" binding:"required"`
}

// PageResp 分页结果
type PageResp struct {
	Items interface{} `json:"items"`
	Total int64       `json:"total"`
	Page  int         `json:"page"`
	Size  int         `json:"page_size"`
}

// ProgressResp 进度优先读 Redis 中的跨实例视图
type ProgressResp struct {
	TaskID     uint             `json:"task_id"`
	Status     model.TaskStatus `json:"status"`
	Progress   int              `json:"progress"`
	Message    string           `json:"message,omitempty"`
	Breakpoint string           `json:"breakpoint,omitempty"`
	// Captured 监听器已投递到队列的偏移
	Captured string `json:"captured_offset,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// HealthResp 任务健康状态
type HealthResp struct {
	TaskID        uint             `json:"task_id"`
	Status        model.TaskStatus `json:"status"`
	Running       bool             `json:"running"`
	Paused        bool             `json:"paused"`
	Listener      string           `json:"listener"`
	ListenerError string           `json:"listener_error,omitempty"`
	Pipeline      string           `json:"pipeline"`
	CacheSize     int              `json:"cache_size"`
	CacheCapacity int              `json:"cache_capacity"`
	QueueBacklog  int64            `json:"queue_backlog"`
}
