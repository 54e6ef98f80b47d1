package middleware

import (
	"strconv"
	"time"

	"github.com/blockcart/server/internal/utils/metrics"
	"github.com/gin-gonic/gin"
)

// Metrics returns a middleware that records HTTP request metrics.
func Metrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		m.HTTPRequestsInFlight.Inc()

		c.Next()

		m.HTTPRequestsInFlight.Dec()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		m.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			path,
			strconv.Itoa(c.Writer.Status()),
		).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).
			Observe(time.Since(start).Seconds())
	}
}
