package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	pkgerrors "ibex/pkg/errors"
)

const requestIDKey = "request_id"

// RequestLogger is the slice of the service logger the middleware
// needs; internal/logger.Logger satisfies it.
type RequestLogger interface {
	Infow(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
}

// LoggerMiddleware logs one line per request with the request id
// assigned by RequestIDMiddleware. Health and metrics polling is
// skipped to keep the log readable.
func LoggerMiddleware(logger RequestLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if path == "/health" || path == "/metrics" {
			return
		}

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String()

		if raw != "" {
			path = path + "?" + raw
		}

		logFields := []interface{}{
			"status", statusCode,
			"latency", latency,
			"client_ip", c.ClientIP(),
			"method", c.Request.Method,
			"path", path,
			requestIDKey, c.GetString(requestIDKey),
		}

		if errorMessage != "" {
			logFields = append(logFields, "error", errorMessage)
		}

		if statusCode >= http.StatusInternalServerError {
			logger.Errorw("HTTP request", logFields...)
		} else {
			logger.Infow("HTTP request", logFields...)
		}
	}
}

// RecoveryMiddleware turns a handler panic into the same error
// response shape the handlers produce.
func RecoveryMiddleware(logger RequestLogger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.Errorw("Panic recovered",
			"panic", recovered,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
			requestIDKey, c.GetString(requestIDKey),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, pkgerrors.ToErrorResponse(pkgerrors.ErrInternal))
	})
}

// RequestIDMiddleware accepts a caller-supplied X-Request-ID or
// assigns one, and echoes it back on the response.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}
