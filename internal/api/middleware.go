package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"lab-notification-service/internal/logging"
)

// RequestLoggingMiddleware emits one structured entry per request. Server
// errors are logged at error level so they stand out in the rotated log.
func RequestLoggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		entry := logger.WithFields(map[string]interface{}{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  status,
			"latency": time.Since(start),
			"client":  c.ClientIP(),
		})
		if status >= 500 {
			entry.Error("request failed")
			return
		}
		entry.Info("request handled")
	}
}
