package model

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// 支持的源库类型
const (
	SourceMySQL      = "MYSQL"
	SourcePostgreSQL = "POSTGRESQL"
	SourceSQLite     = "SQLITE"
	SourceOracle     = "ORACLE"
	SourceSQLServer  = "SQL_SERVER"
)

// DataSource 关系型数据源的连接描述
type DataSource struct {
	Entity

	Name string `gorm:"size:128;not null;uniqueIndex" json:"name"`

	// 类型区分: MYSQL / POSTGRESQL / SQLITE
	Type string `gorm:"size:32;not null;index" json:"type"`

	Host     string `gorm:"size:255" json:"host"`
	Port     int    `json:"port"`
	Database string `gorm:"size:255;not null" json:"database"`
	Username string `gorm:"size:128" json:"username"`
	Password string `gorm:"size:255" json:"-"`

	// 额外的 DSN 参数, 如 {"sslmode": "disable"}
	Options datatypes.JSONMap `json:"options"`

	// 状态: active / error
	Status        string     `gorm:"size:20;default:'active';index" json:"status"`
	ErrorMsg      string     `json:"error_msg"`
	LastCheckTime *time.Time `json:"last_check_time"`
}

// PoolKey 连接池按 (类型, host, port, db, user) 复用
func (d *DataSource) PoolKey() string {
	return strings.Join([]string{
		strings.ToUpper(d.Type), d.Host, fmt.Sprint(d.Port), d.Database, d.Username,
	}, "|")
}

// Option 读取字符串类型的扩展参数
func (d *DataSource) Option(key string) string {
	if d.Options == nil {
		return ""
	}
	if v, ok := d.Options[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}
