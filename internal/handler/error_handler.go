package handler

import (
	"net/http"

	"data-rsync/internal/dto"
	"data-rsync/internal/model"
	"data-rsync/internal/repository"
	"data-rsync/internal/service"

	"github.com/gin-gonic/gin"
)

// ErrorHandler 隔离区接口
type ErrorHandler struct {
	svc *service.ErrorService
}

func NewErrorHandler(svc *service.ErrorService) *ErrorHandler {
	return &ErrorHandler{svc: svc}
}

// List GET /api/v1/tasks/:id/errors?stage=WRITE&error_type=data&status=FAILED
func (h *ErrorHandler) List(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req dto.ListErrorReq
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rows, total, err := h.svc.ListErrorData(c.Request.Context(), repository.ErrorDataFilter{
		TaskID:    id,
		Stage:     model.SyncStage(req.Stage),
		ErrorType: req.ErrorType,
		Status:    model.ProcessStatus(req.Status),
		Page:      req.Page,
		PageSize:  req.PageSize,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": dto.PageResp{Items: rows, Total: total, Page: req.Page, Size: req.PageSize}})
}

func (h *ErrorHandler) Get(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	row, err := h.svc.GetErrorData(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": row})
}

// Retry POST /api/v1/errors/:id/retry
func (h *ErrorHandler) Retry(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	status, err := h.svc.RetryErrorData(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"id": id, "status": status}})
}

// BatchRetry POST /api/v1/errors/batch-retry {"ids": [1, 2]}
func (h *ErrorHandler) BatchRetry(c *gin.Context) {
	var req dto.BatchRetryReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	results := h.svc.BatchRetryErrorData(c.Request.Context(), req.IDs)
	resp := dto.BatchRetryResp{Results: results}
	for _, st := range results {
		if st == model.ProcessSuccess {
			resp.Success++
		} else {
			resp.Failed++
		}
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// Clean DELETE /api/v1/tasks/:id/errors
func (h *ErrorHandler) Clean(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	n, err := h.svc.CleanErrorData(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"deleted": n}})
}
