package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"avaneesh/ese-go/pkg/internal/logger"
)

// RequestLogger logs one line per request, escalating with the status code
func RequestLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logf := log.Debug
		if status >= 500 {
			logf = log.Error
		} else if status >= 400 {
			logf = log.Warn
		}
		logf("%s %s status=%d duration=%v client_ip=%s bytes=%d",
			c.Request.Method, path, status, time.Since(start), c.ClientIP(), c.Writer.Size())
	}
}
