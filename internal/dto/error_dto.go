package dto

import "data-rsync/internal/model"

type ListErrorReq struct {
	Stage     string `form:"stage"`
	ErrorType string `form:"error_type"`
	Status    string `form:"status"`
	Page      int    `form:"page"`
	PageSize  int    `form:"page_size"`
}

type BatchRetryReq struct {
	IDs []uint `json:"ids" binding:"required,min=1"`
}

// BatchRetryResp 每条记录的重试结果
type BatchRetryResp struct {
	Results map[uint]model.ProcessStatus `json:"results"`
	Success int                          `json:"success"`
	Failed  int                          `json:"failed"`
}
