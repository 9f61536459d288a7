package logger

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ginRequestIDKey is the gin key the request id middleware writes to
const ginRequestIDKey = "request_id"

// GinMiddleware logs one entry per request and attaches a request-scoped
// logger to the request context for handlers and services. Webhook and
// trigger routes also carry the source system and entity kind.
func GinMiddleware(base *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		reqLog := base
		ctx := c.Request.Context()
		if id := c.GetString(ginRequestIDKey); id != "" {
			ctx, reqLog = WithRequestID(ctx, base, id)
		} else {
			ctx = WithContext(ctx, base)
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("body_size", c.Writer.Size()),
		}
		for _, p := range []struct{ param, key string }{
			{"system", "source_system"},
			{"entityKind", "entity_kind"},
			{"id", "entity_id"},
		} {
			if v := c.Param(p.param); v != "" {
				fields = append(fields, zap.String(p.key, v))
			}
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.Strings("errors", c.Errors.Errors()))
		}

		if ce := WithTraceContext(c.Request.Context(), reqLog).Check(statusLevel(status), "http request"); ce != nil {
			ce.Write(fields...)
		}
	}
}

func statusLevel(status int) zapcore.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case status >= http.StatusBadRequest:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

// Recovery turns a handler panic into a 500 with the standard error envelope.
func Recovery(base *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			base.Error("panic recovered",
				zap.String("request_id", c.GetString(ginRequestIDKey)),
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.Any("panic", rec),
				zap.Stack("stacktrace"),
			)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"success": false,
				"error": gin.H{
					"code":       "ERR_INTERNAL",
					"message":    "an unexpected error occurred",
					"request_id": c.GetString(ginRequestIDKey),
				},
			})
		}()
		c.Next()
	}
}
