// Package middleware 存放 Gin 框架的中间件。
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"tgstate-go/pkg/log"
	"tgstate-go/pkg/metrics"
)

// RequestLogger 是一个 Gin 中间件，用于记录请求日志与指标。
// 请求体与响应体通常是文件内容，不做捕获。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 记录请求开始时间
		startTime := time.Now()

		// 处理请求
		c.Next()

		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		// 使用路由模板作为指标标签，避免文件 ID 撑爆标签基数。
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, route, statusCode, latency)

		log.Infow("HTTP Request Log",
			"statusCode", statusCode,
			"latency", latency.String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"bytesOut", c.Writer.Size(),
		)
	}
}
