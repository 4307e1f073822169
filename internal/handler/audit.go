package handler

import (
	"net/http"
	"strconv"

	"github.com/fopgate/fopgate/internal/middleware"
	"github.com/fopgate/fopgate/internal/model"
	"github.com/fopgate/fopgate/internal/service"
	"github.com/gin-gonic/gin"
)

type AuditHandler struct {
	audit *service.AuditService
}

func NewAuditHandler(audit *service.AuditService) *AuditHandler {
	return &AuditHandler{audit: audit}
}

// List 按租户过滤审计事件,可再按 event_type 收窄。
func (h *AuditHandler) List(c *gin.Context) {
	tenant := c.MustGet(middleware.ContextTenantKey).(*model.Tenant)

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	from, ok := queryTime(c, "from")
	if !ok {
		return
	}
	to, ok := queryTime(c, "to")
	if !ok {
		return
	}

	events, err := h.audit.List(c.Request.Context(), tenant.ID, c.Query("event_type"), limit, from, to)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, events)
}
