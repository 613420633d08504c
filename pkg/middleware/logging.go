package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"studychat/pkg/logger"
)

// Logging 请求日志中间件
func Logging(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Info(c.Request.Context(), "HTTP request",
			logger.F("method", c.Request.Method),
			logger.F("path", c.Request.URL.Path),
			logger.F("status", c.Writer.Status()),
			logger.F("latency", time.Since(start).String()),
			logger.F("client_ip", c.ClientIP()))
	}
}
