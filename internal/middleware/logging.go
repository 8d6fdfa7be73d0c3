// Package middleware 存放 Gin 框架的中间件。
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"mydouble-go/pkg/log"
	"mydouble-go/pkg/metrics"
)

// RequestLogger 记录每个请求的状态码、延迟与调用者。
// 请求体与响应体可能包含令牌与内容地址，不写入日志。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		latency := time.Since(startTime)
		account := ""
		if p, ok := CurrentPrincipal(c); ok {
			account = p.AccountID
		}
		log.Infow("HTTP Request Log",
			"statusCode", c.Writer.Status(),
			"latency", latency.String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"account", account,
			"errors", c.Errors.ByType(gin.ErrorTypePrivate).String(),
		)
	}
}

// Metrics 记录请求计数与延迟，按路由模板而非实际路径聚合。
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPLatency.WithLabelValues(c.Request.Method, route).Observe(time.Since(startTime).Seconds())
	}
}
