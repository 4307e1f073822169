package middleware

import (
	"net/http"

	"github.com/fopgate/fopgate/internal/model"
	"github.com/fopgate/fopgate/internal/service"
	"github.com/gin-gonic/gin"
)

func RateLimitMiddleware(tm *service.TenantManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 必须在 AuthMiddleware 之后使用
		tenantVal, exists := c.Get(ContextTenantKey)
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		tenant := tenantVal.(*model.Tenant)

		// 只限制会触发执行/落库的写请求,行情与账本查询不占配额
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead:
			c.Next()
			return
		}

		limiter := tm.GetLimiterForTenant(tenant.ID)
		if limiter == nil {
			c.Next()
			return
		}

		if !limiter.Allow() {
			c.Header("Retry-After", "1")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": "1s",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
