package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/deployx/deployx/internal/telemetry"
)

const noRouteLabel = "<no-route>"

// MetricsMiddleware records deployx_http_requests_total and
// deployx_http_request_duration_seconds for every request. The path label is
// the matched route template; unmatched requests share one label value.
// Register it after gin.Recovery so statuses set by recovery are captured.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = noRouteLabel
		}
		method := c.Request.Method

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
