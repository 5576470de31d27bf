// Package middleware provides the Gin middleware of the portal API: request
// IDs, Prometheus metrics, access logging and actor extraction. All of it is
// registered in internal/api/router.go ahead of the route handlers.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gladgrade/portal/internal/telemetry"
)

// MetricsMiddleware records http_requests_total and http_request_duration_seconds
// for every request. The path label is the matched route template
// (/api/v1/prospects/:id/owner), or "<no-route>" for unmatched requests, so
// prospect ids never become label values.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}
		method := c.Request.Method

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
