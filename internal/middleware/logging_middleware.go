// internal/middleware/logging_middleware.go
package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"grbl-service/internal/utils"
)

// PollingRoutes are hit every few hundred milliseconds by dashboards watching
// a job. Successful calls to them are logged at debug level.
var PollingRoutes = []string{"/health", "/ready", "/live", "/api/v1/link/session"}

// LoggingMiddleware logs every request once it has been served, keyed by its
// route template so commands against different sessions group together
func LoggingMiddleware(logger *utils.ServiceLogger, quietRoutes ...string) gin.HandlerFunc {
	quiet := make(map[string]struct{}, len(quietRoutes))
	for _, r := range quietRoutes {
		quiet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		_, isQuiet := quiet[route]

		logger.LogAPIRequest(utils.APIRequest{
			Method:    c.Request.Method,
			Route:     route,
			ClientIP:  c.ClientIP(),
			RequestID: c.GetString(RequestIDKey),
			Status:    c.Writer.Status(),
			Duration:  time.Since(startTime),
			Errors:    strings.Join(c.Errors.ByType(gin.ErrorTypePrivate).Errors(), "; "),
			Quiet:     isQuiet,
		})
	}
}
