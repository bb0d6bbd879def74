package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/guideflow/internal/metrics"
	"go.uber.org/zap"
)

// Logger logs each request and records its metrics under the route pattern
func Logger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		dur := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.RecordHTTPRequest(c.Request.Method, route, strconv.Itoa(status), dur)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", route),
			zap.Int("status", status),
			zap.Duration("duration", dur),
		}
		if ws := c.GetHeader(WorkspaceHeader); ws != "" {
			fields = append(fields, zap.String("workspace_id", ws))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		switch {
		case status >= 500:
			logger.Error("Request failed", fields...)
		case status >= 400:
			logger.Warn("Request rejected", fields...)
		default:
			logger.Debug("Request served", fields...)
		}
	}
}
