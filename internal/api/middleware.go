package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"yapyap/internal/logging"
)

// Logger is a Gin middleware that logs every request with method, path,
// status code, and latency via the node's structured logger.
func Logger(log logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Infof("admin: %s %s | %d | %s",
			c.Request.Method,
			c.Request.URL.Path,
			c.Writer.Status(),
			time.Since(start),
		)
	}
}

// Recovery wraps Gin's default recovery but routes panics through the
// node's structured logger instead of stdlib log.
func Recovery(log logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Errorf("admin: panic recovered: %v", err)
				c.AbortWithStatusJSON(500, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}
