package model

import "time"

// Entity 任务、数据源、隔离记录共用的主键和时间列。
// 这些表都是硬删除 (任务删除时级联清理), 不带 deleted_at。
type Entity struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
