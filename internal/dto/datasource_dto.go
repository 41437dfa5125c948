package dto

// CreateDataSourceReq 创建数据源请求
type CreateDataSourceReq struct {
	Name     string `json:"name" binding:"required"`
	Type     string `json:"type" binding:"required,oneof=MYSQL POSTGRESQL SQLITE ORACLE SQL_SERVER"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database" binding:"required"`
	Username string `json:"username"`
	Password string `json:"password"`

	// 额外的 DSN 参数, 如 { "sslmode": "disable" }
	Options map[string]interface{} `json:"options"`
}

type UpdateDataSourceReq struct {
	Host     *string                `json:"host"`
	Port     *int                   `json:"port"`
	Database *string                `json:"database"`
	Username *string                `json:"username"`
	Password *string                `json:"password"`
	Options  map[string]interface{} `json:"options"`
}

// ColumnResp 源表字段元数据
type ColumnResp struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Nullable   bool   `json:"nullable"`
	PrimaryKey bool   `json:"primary_key"`
}
