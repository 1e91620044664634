package middlewares

import (
	"net/http"
	"strconv"

	"bitbucket.org/nextgenfiber/billing_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// TenantMiddleware propagates the caller's tenant and actor identity from
// the gateway headers into the request context. Every billing operation is
// tenant-scoped, so a missing tenant header is rejected up front.
func TenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId := c.Request.Header.Get("X-Tenant-Id")
		if tenantId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "X-Tenant-Id header is required"})
			c.Abort()
			return
		}

		ctx := utils.SetTenantIdInContext(c.Request.Context(), tenantId)
		if actorId, err := strconv.Atoi(c.Request.Header.Get("X-Actor-Id")); err == nil {
			ctx = utils.SetActorIdInContext(ctx, actorId)
		}
		if actorName := c.Request.Header.Get("X-Actor-Name"); actorName != "" {
			ctx = utils.SetActorNameInContext(ctx, actorName)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// CorrelationMiddleware tags every request with a correlation id so status
// events and logs can be traced back to their originating call.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationId := c.Request.Header.Get("X-Correlation-Id")
		if correlationId == "" {
			correlationId = uuid.NewString()
		}
		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), correlationId)
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set("X-Correlation-Id", correlationId)
		c.Next()
	}
}
