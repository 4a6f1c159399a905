// internal/middleware/recovery_middleware.go
package middleware

import (
	"errors"
	"net/http"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"grbl-service/internal/utils"
)

// RecoveryMiddleware turns a handler panic into a 500 envelope. A panic caused
// by the client going away is logged without a response, since nobody is
// left to read it.
func RecoveryMiddleware(logger *zap.Logger) gin.HandlerFunc {
	logger = logger.With(zap.String("component", "http_recovery"))

	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		fields := []zap.Field{
			zap.Any("panic", recovered),
			zap.String("request_id", c.GetString(RequestIDKey)),
			zap.String("route", c.FullPath()),
			zap.String("method", c.Request.Method),
		}

		if clientGone(recovered) {
			logger.Warn("Client disconnected mid-response", fields...)
			c.Abort()
			return
		}

		logger.Error("Panic recovered", append(fields, zap.Stack("stacktrace"))...)
		if c.Writer.Written() {
			c.Abort()
			return
		}
		utils.ErrorResponse(c, http.StatusInternalServerError, "Internal server error", nil)
		c.Abort()
	})
}

func clientGone(recovered interface{}) bool {
	err, ok := recovered.(error)
	if !ok {
		return false
	}
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, http.ErrAbortHandler)
}
