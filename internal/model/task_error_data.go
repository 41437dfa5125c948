package model

import (
	"time"

	"gorm.io/datatypes"
)

// SyncStage 失败发生的阶段
type SyncStage string

const (
	StageListen    SyncStage = "LISTEN"
	StageScan      SyncStage = "SCAN"
	StageProcess   SyncStage = "PROCESS"
	StageVectorize SyncStage = "VECTORIZE"
	StageWrite     SyncStage = "WRITE"
)

type ProcessStatus string

const (
	ProcessPending    ProcessStatus = "PENDING"
	ProcessProcessing ProcessStatus = "PROCESSING"
	ProcessSuccess    ProcessStatus = "SUCCESS"
	ProcessFailed     ProcessStatus = "FAILED"
)

// TaskErrorData 隔离区中的失败记录, 随任务级联删除
type TaskErrorData struct {
	Entity

	TaskID    uint   `gorm:"index;not null" json:"task_id"`
	RecordKey string `gorm:"size:255;index" json:"record_key"`

	// 原始事件 (Envelope JSON), 重试时重新走 处理 -> 写入
	SourceData datatypes.JSON `json:"source_data"`

	ErrorMessage string    `gorm:"type:text" json:"error_message"`
	ErrorType    string    `gorm:"size:32;index" json:"error_type"`
	SyncStage    SyncStage `gorm:"size:16;index" json:"sync_stage"`
	ErrorTime    time.Time `json:"error_time"`

	ProcessStatus ProcessStatus `gorm:"size:16;default:'PENDING';index" json:"process_status"`
	RetryCount    int           `json:"retry_count"`
	LastRetryTime *time.Time    `json:"last_retry_time"`
}
