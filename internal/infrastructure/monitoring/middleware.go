package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// RouteProxy labels requests that matched no reserved route and went to an
// isolate. Their paths are script defined, so they share one label.
const RouteProxy = "proxy"

// Middleware records every request the dev host serves.
func Middleware(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = RouteProxy
		}
		metrics.RecordHTTPRequest(route, c.Request.Method, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
