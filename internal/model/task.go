package model

import (
	"time"

	"gorm.io/datatypes"
)

type TaskType string

const (
	TaskFullSync           TaskType = "FULL_SYNC"
	TaskIncrementalSync    TaskType = "INCREMENTAL_SYNC"
	TaskFullAndIncremental TaskType = "FULL_AND_INCREMENTAL"
)

// NeedsScan / NeedsListener 决定 RUNNING 时启动哪些组件
func (t TaskType) NeedsScan() bool {
	return t == TaskFullSync || t == TaskFullAndIncremental
}

func (t TaskType) NeedsListener() bool {
	return t == TaskIncrementalSync || t == TaskFullAndIncremental
}

func (t TaskType) Valid() bool {
	return t == TaskFullSync || t == TaskIncrementalSync || t == TaskFullAndIncremental
}

type SyncStrategy string

const (
	StrategyInsertOnly        SyncStrategy = "INSERT_ONLY"
	StrategyUpdateIfExists    SyncStrategy = "UPDATE_IF_EXISTS"
	StrategyUpsert            SyncStrategy = "UPSERT"
	StrategyDeleteIfNotExists SyncStrategy = "DELETE_IF_NOT_EXISTS"
)

func (s SyncStrategy) Valid() bool {
	switch s {
	case StrategyInsertOnly, StrategyUpdateIfExists, StrategyUpsert, StrategyDeleteIfNotExists:
		return true
	}
	return false
}

type ScheduleType string

const (
	ScheduleNone       ScheduleType = ""
	ScheduleCron       ScheduleType = "CRON"
	ScheduleFixedRate  ScheduleType = "FIXED_RATE"
	ScheduleFixedDelay ScheduleType = "FIXED_DELAY"
)

// Task 同步任务
// 状态机: PENDING -> RUNNING -> SUCCESS / FAILED / STOPPED, RUNNING <-> PAUSED,
// 非终态 -> ROLLED_BACK
type Task struct {
	Entity

	Name         string       `gorm:"size:128;not null;uniqueIndex" json:"name"`
	Type         TaskType     `gorm:"size:32;not null" json:"type"`
	SyncStrategy SyncStrategy `gorm:"size:32" json:"sync_strategy"`

	// 源
	DataSourceID uint   `gorm:"index;not null" json:"data_source_id"`
	Database     string `gorm:"size:128" json:"database"`
	SourceTable  string `gorm:"size:128;not null" json:"source_table"`
	PrimaryKey   string `gorm:"size:128;not null" json:"primary_key"`

	// 目标
	Collection string `gorm:"size:128;not null" json:"collection"`
	Dimension  int    `json:"dimension"`
	Metric     string `gorm:"size:16" json:"metric"`

	Status   TaskStatus `gorm:"size:20;default:'PENDING';index" json:"status"`
	Progress int        `json:"progress"`

	Concurrency    int `json:"concurrency"`
	BatchSize      int `json:"batch_size"`
	RetryCount     int `json:"retry_count"`
	TimeoutSeconds int `json:"timeout_seconds"`
	ErrorThreshold int `json:"error_threshold"`

	// 最近一次被向量库确认后的断点 (Redis 中的镜像)
	Breakpoint    string `gorm:"type:text" json:"breakpoint"`
	RollbackPoint string `gorm:"size:64" json:"rollback_point"`

	ScheduleType       ScheduleType `gorm:"size:16" json:"schedule_type"`
	ScheduleExpression string       `gorm:"size:128" json:"schedule_expression"`
	NextExecTime       *time.Time   `gorm:"index" json:"next_exec_time"`

	Enabled         bool `json:"enabled"`
	ClearBeforeFull bool `json:"clear_before_full"`

	Pipeline datatypes.JSONType[PipelineConfig] `json:"pipeline"`

	ErrorMessage   string     `gorm:"type:text" json:"error_message"`
	StartTime      *time.Time `json:"start_time"`
	EndTime        *time.Time `json:"end_time"`
	PauseTime      *time.Time `json:"pause_time"`
	ResumeTime     *time.Time `json:"resume_time"`
	LastProgressAt *time.Time `json:"last_progress_at"`
	ExecCount      int        `json:"exec_count"`
}

// PipelineConfig 清洗 / 转换 / 向量化的任务级配置
type PipelineConfig struct {
	// drop: 删除空字段; default: 使用 Defaults 中的值, 未配置时按类型填充
	NullPolicy string                 `json:"nullPolicy,omitempty"`
	Defaults   map[string]interface{} `json:"defaults,omitempty"`

	// remove_empty / trim_whitespace / validate_format
	CleanRules  []string `json:"cleanRules,omitempty"`
	EmailFields []string `json:"emailFields,omitempty"`

	FieldMapping    map[string]string `json:"fieldMapping,omitempty"`
	TypeConversions map[string]string `json:"typeConversions,omitempty"`
	ExcludeFields   []string          `json:"excludeFields,omitempty"`

	// 参与向量化的字段, 为空时使用全部非向量字段
	TextFields []string `json:"textFields,omitempty"`
}

// Timeout 0 表示不限制
func (t *Task) Timeout() time.Duration {
	if t.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(t.TimeoutSeconds) * time.Second
}
