package handler

import (
	"net/http"

	"data-rsync/internal/dto"
	"data-rsync/internal/service"

	"github.com/gin-gonic/gin"
)

type DataSourceHandler struct {
	svc *service.DataSourceService
}

func NewDataSourceHandler(svc *service.DataSourceService) *DataSourceHandler {
	return &DataSourceHandler{svc: svc}
}

func (h *DataSourceHandler) Create(c *gin.Context) {
	var req dto.CreateDataSourceReq
	// 绑定 JSON
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ds, err := h.svc.CreateDataSource(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": ds})
}

func (h *DataSourceHandler) List(c *gin.Context) {
	list, err := h.svc.ListDataSources(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": list})
}

func (h *DataSourceHandler) Get(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	ds, err := h.svc.GetDataSource(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": ds})
}

func (h *DataSourceHandler) Update(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req dto.UpdateDataSourceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ds, err := h.svc.UpdateDataSource(c.Request.Context(), id, req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": ds})
}

// Delete 仍被任务引用时返回 409
func (h *DataSourceHandler) Delete(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.svc.DeleteDataSource(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"id": id}})
}

// Test POST /api/v1/datasources/:id/test
func (h *DataSourceHandler) Test(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.svc.TestConnection(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"id": id, "status": "active"}})
}

// Tables GET /api/v1/datasources/:id/tables
func (h *DataSourceHandler) Tables(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	tables, err := h.svc.ListTables(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": tables})
}

// Columns GET /api/v1/datasources/:id/tables/:table/columns
func (h *DataSourceHandler) Columns(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	cols, err := h.svc.ListColumns(c.Request.Context(), id, c.Param("table"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": cols})
}
