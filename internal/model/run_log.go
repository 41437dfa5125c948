package model

import (
	"time"

	"gorm.io/datatypes"
)

// TaskRunLog 记录每一次任务运行的详细信息
type TaskRunLog struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	TaskID  uint     `gorm:"index;not null" json:"task_id"`
	RunID   string   `gorm:"size:64;uniqueIndex" json:"run_id"`
	TraceID string   `gorm:"size:64;index" json:"trace_id"`
	Type    TaskType `gorm:"size:32" json:"type"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	DurationMs int64      `json:"duration_ms"`

	// 统计指标
	RowsScanned     int64 `json:"rows_scanned"`
	RowsWritten     int64 `json:"rows_written"`
	RowsQuarantined int64 `json:"rows_quarantined"`
	ShardsTotal     int   `json:"shards_total"`
	ShardsFailed    int   `json:"shards_failed"`

	Status       TaskStatus `gorm:"size:20" json:"status"`
	ErrorMessage string     `gorm:"type:text" json:"error_message"`

	// 全量结束后的一致性校验结果
	Consistency datatypes.JSON `json:"consistency"`
	ReportKey   string         `gorm:"size:255" json:"report_key"`
}
