package model

import "time"

// Op 变更类型, READ 为全量扫描合成的事件
type Op string

const (
	OpCreate Op = "CREATE"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
	OpRead   Op = "READ"
)

// ChangeEvent 一次捕获到的行变更
type ChangeEvent struct {
	TaskID     uint
	Op         Op
	Key        string
	Before     map[string]interface{}
	After      map[string]interface{}
	Offset     int64 // 源端单调偏移 (变更日志序号), READ 事件为 0
	ShardIndex *int
	Timestamp  time.Time
}

// Image 当前行镜像, DELETE 取 before
func (e *ChangeEvent) Image() map[string]interface{} {
	if e.Op == OpDelete {
		return e.Before
	}
	return e.After
}

// Shard 全量扫描的主键区间 [Start, End)
type Shard struct {
	Index int
	Start int64
	End   int64
}

// ProcessedRecord 清洗+转换+向量化后的记录, 只在内存中流转
type ProcessedRecord struct {
	TaskID uint
	Key    string
	Op     Op
	Fields map[string]interface{}
	Vector []float32
	Offset int64
	Text   string

	// 原始事件, 写入失败时进入隔离区
	Source *ChangeEvent
}

// Deleted DELETE 事件只需要按主键删除
func (r *ProcessedRecord) Deleted() bool {
	return r.Op == OpDelete
}
