package handler

import (
	"context"
	"net/http"
	"strconv"

	"data-rsync/internal/dto"
	"data-rsync/internal/model"
	"data-rsync/internal/repository"
	"data-rsync/internal/service"

	"github.com/gin-gonic/gin"
)

type TaskHandler struct {
	svc *service.TaskService
}

func NewTaskHandler(svc *service.TaskService) *TaskHandler {
	return &TaskHandler{svc: svc}
}

// Create POST /api/v1/tasks
func (h *TaskHandler) Create(c *gin.Context) {
	var req dto.CreateTaskReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := h.svc.CreateTask(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": task})
}

// List GET /api/v1/tasks
func (h *TaskHandler) List(c *gin.Context) {
	var req dto.ListTaskReq
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tasks, total, err := h.svc.ListTasks(c.Request.Context(), repository.TaskFilter{
		Status:   model.TaskStatus(req.Status),
		Type:     model.TaskType(req.Type),
		Enabled:  req.Enabled,
		Keyword:  req.Keyword,
		Page:     req.Page,
		PageSize: req.PageSize,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": dto.PageResp{Items: tasks, Total: total, Page: req.Page, Size: req.PageSize}})
}

func (h *TaskHandler) Get(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	task, err := h.svc.GetTask(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": task})
}

// Update PUT /api/v1/tasks/:id
func (h *TaskHandler) Update(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req dto.UpdateTaskReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := h.svc.UpdateTask(c.Request.Context(), id, req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": task})
}

func (h *TaskHandler) Delete(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.svc.DeleteTask(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"id": id}})
}

// transition start / pause / resume / stop 共用, 成功后返回最新的任务
func (h *TaskHandler) transition(c *gin.Context, op func(ctx context.Context, id uint) error) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := op(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	task, err := h.svc.GetTask(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": task})
}

// Start POST /api/v1/tasks/:id/start
func (h *TaskHandler) Start(c *gin.Context) { h.transition(c, h.svc.StartTask) }

func (h *TaskHandler) Pause(c *gin.Context) { h.transition(c, h.svc.PauseTask) }

func (h *TaskHandler) Resume(c *gin.Context) { h.transition(c, h.svc.ResumeTask) }

// Stop 等待运行排空后返回
func (h *TaskHandler) Stop(c *gin.Context) { h.transition(c, h.svc.StopTask) }

// Rollback POST /api/v1/tasks/:id/rollback {"checkpoint_id": "..."}
func (h *TaskHandler) Rollback(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req dto.RollbackReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.RollbackTask(c.Request.Context(), id, req.CheckpointID); err != nil {
		fail(c, err)
		return
	}
	task, err := h.svc.GetTask(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": task})
}

// Toggle POST /api/v1/tasks/:id/toggle {"enabled": false}
func (h *TaskHandler) Toggle(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req dto.ToggleTaskReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := h.svc.ToggleTask(c.Request.Context(), id, *req.Enabled)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": task})
}

// Progress GET /api/v1/tasks/:id/progress
func (h *TaskHandler) Progress(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	resp, err := h.svc.Progress(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// Versions 断点历史, 回滚时从中选择
func (h *TaskHandler) Versions(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	versions, err := h.svc.TaskVersions(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": versions})
}

func (h *TaskHandler) Health(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	resp, err := h.svc.Health(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// Consistency POST /api/v1/tasks/:id/consistency 按需校验
func (h *TaskHandler) Consistency(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	rep, err := h.svc.Consistency(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rep})
}

// RebuildIndex POST /api/v1/tasks/:id/rebuild-index
func (h *TaskHandler) RebuildIndex(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.svc.RebuildIndex(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"id": id}})
}

// Runs GET /api/v1/tasks/:id/runs?limit=20
func (h *TaskHandler) Runs(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	logs, err := h.svc.RunLogs(c.Request.Context(), id, limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": logs})
}
