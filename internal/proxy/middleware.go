package proxy

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const (
	headerTenant      = "X-Tenant-ID"
	headerUser        = "X-User-ID"
	headerIdempotency = "Idempotency-Key"

	ctxTenant = "tenant_id"
	ctxActor  = "actor"
)

// requireTenant scopes every API call to the tenant named by the gateway.
func requireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := strings.TrimSpace(c.GetHeader(headerTenant))
		if tenant == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "missing tenant"})
			return
		}
		c.Set(ctxTenant, tenant)
		c.Set(ctxActor, strings.TrimSpace(c.GetHeader(headerUser)))
		c.Next()
	}
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ev := logger.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = logger.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Str("tenant_id", c.GetString(ctxTenant)).
			Dur("latency", time.Since(start)).
			Msg("http request")
	}
}

func tenantID(c *gin.Context) string {
	return c.GetString(ctxTenant)
}

func actor(c *gin.Context) string {
	return c.GetString(ctxActor)
}
