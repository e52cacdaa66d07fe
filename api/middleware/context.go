package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/feichai0017/ingest-pipeline/internal/apperr"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
)

const (
	HeaderTenantID         = "X-Tenant-ID"
	HeaderRequestID        = "X-Request-ID"
	HeaderIdempotencyKey   = "Idempotency-Key"
	HeaderIdempotentReplay = "Idempotent-Replayed"

	tenantKey = "tenant_id"
)

// RequestID reuses the caller's X-Request-ID or mints one, echoes it and
// puts it on the request context for logging.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Header(HeaderRequestID, id)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// Tenant requires the X-Tenant-ID header set by the auth layer in front of
// the service. Requests without one are refused.
func Tenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := strings.TrimSpace(c.GetHeader(HeaderTenantID))
		if tenant == "" {
			err := apperr.Permission()
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   apperr.Code(err),
				"message": apperr.PublicMessage(err),
			})
			return
		}
		c.Set(tenantKey, tenant)
		c.Request = c.Request.WithContext(logger.WithTenant(c.Request.Context(), tenant))
		c.Next()
	}
}

// TenantID returns the tenant resolved by Tenant.
func TenantID(c *gin.Context) string {
	return c.GetString(tenantKey)
}

// AccessLog writes one entry per request once the handler has finished.
func AccessLog(log logger.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []logger.Field{
			logger.String("method", c.Request.Method),
			logger.String("path", c.FullPath()),
			logger.Int("status", status),
			logger.Int("bytes", c.Writer.Size()),
			logger.Duration("latency", time.Since(start)),
			logger.String("client_ip", c.ClientIP()),
		}
		l := logger.FromContext(c.Request.Context(), log)
		switch {
		case status >= http.StatusInternalServerError:
			l.Error("Request failed", fields...)
		case status >= http.StatusBadRequest:
			l.Warn("Request rejected", fields...)
		default:
			l.Info("Request served", fields...)
		}
	}
}
