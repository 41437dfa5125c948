package middleware

import (
	"strings"
	"time"

	"data-rsync/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TraceHeader 请求 / 响应中携带 Trace ID 的 Header
const TraceHeader = "X-Trace-Id"

// TraceContextKey 用于在 gin.Context 中存储 Trace ID
const TraceContextKey = "traceID"

func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 1. 优先从 Header 获取, 否则生成新的
		traceID := c.GetHeader(TraceHeader)
		if traceID == "" {
			traceID = strings.ReplaceAll(uuid.New().String(), "-", "")
		}

		// 2. 存入 Gin Context
		c.Set(TraceContextKey, traceID)

		// 3. 存入标准 Context, 任务运行日志沿用
		c.Request = c.Request.WithContext(logger.WithTraceID(c.Request.Context(), traceID))

		// 4. 返回给调用方, 方便排查
		c.Header(TraceHeader, traceID)

		c.Next()
	}
}

// AccessLog 每个请求一条结构化日志
func AccessLog(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := log.Info()
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		}
		ev.Str("trace_id", c.GetString(TraceContextKey)).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
