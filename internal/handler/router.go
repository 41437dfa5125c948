package handler

import (
	"net/http"
	"time"

	"data-rsync/internal/middleware"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Handlers 路由用到的全部 handler
type Handlers struct {
	Task       *TaskHandler
	Error      *ErrorHandler
	DataSource *DataSourceHandler
}

// NewRouter 注册 /api/v1 路由, 附带 Trace ID、访问日志和 CORS
func NewRouter(h Handlers, log zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.TraceMiddleware())
	r.Use(middleware.AccessLog(log))

	// CORS 配置
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Content-Length", "Accept-Encoding", "Authorization", middleware.TraceHeader},
		ExposeHeaders:    []string{"Content-Length", middleware.TraceHeader},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1")
	{
		ds := api.Group("/datasources")
		{
			ds.POST("", h.DataSource.Create)
			ds.GET("", h.DataSource.List)
			ds.GET("/:id", h.DataSource.Get)
			ds.PUT("/:id", h.DataSource.Update)
			ds.DELETE("/:id", h.DataSource.Delete)
			ds.POST("/:id/test", h.DataSource.Test)
			ds.GET("/:id/tables", h.DataSource.Tables)
			ds.GET("/:id/tables/:table/columns", h.DataSource.Columns)
		}

		tasks := api.Group("/tasks")
		{
			tasks.POST("", h.Task.Create)
			tasks.GET("", h.Task.List)
			tasks.GET("/:id", h.Task.Get)
			tasks.PUT("/:id", h.Task.Update)
			tasks.DELETE("/:id", h.Task.Delete)

			// 生命周期
			tasks.POST("/:id/start", h.Task.Start)
			tasks.POST("/:id/pause", h.Task.Pause)
			tasks.POST("/:id/resume", h.Task.Resume)
			tasks.POST("/:id/stop", h.Task.Stop)
			tasks.POST("/:id/rollback", h.Task.Rollback)
			tasks.POST("/:id/toggle", h.Task.Toggle)
			tasks.POST("/:id/rebuild-index", h.Task.RebuildIndex)

			// 监控
			tasks.GET("/:id/progress", h.Task.Progress)
			tasks.GET("/:id/versions", h.Task.Versions)
			tasks.GET("/:id/health", h.Task.Health)
			tasks.POST("/:id/consistency", h.Task.Consistency)
			tasks.GET("/:id/runs", h.Task.Runs)

			// 隔离区
			tasks.GET("/:id/errors", h.Error.List)
			tasks.DELETE("/:id/errors", h.Error.Clean)
		}

		errors := api.Group("/errors")
		{
			errors.POST("/batch-retry", h.Error.BatchRetry)
			errors.GET("/:id", h.Error.Get)
			errors.POST("/:id/retry", h.Error.Retry)
		}
	}
	return r
}
