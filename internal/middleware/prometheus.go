package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"fitconnect-backend/pkg/metrics"
)

// Prometheus records request count, latency, and in-flight gauge per
// route. The route template is used as the endpoint label so path
// parameters do not explode cardinality.
func Prometheus(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		m.IncrementHTTPRequestsInFlight()

		c.Next()

		m.DecrementHTTPRequestsInFlight()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		m.RecordHTTPRequest(c.Request.Method, endpoint, c.Writer.Status(), time.Since(start))
	}
}
