package handler

import (
	"net/http"
	"strconv"

	"github.com/fopgate/fopgate/internal/middleware"
	"github.com/fopgate/fopgate/internal/model"
	"github.com/fopgate/fopgate/internal/pkg/apperrors"
	"github.com/fopgate/fopgate/internal/service"
	"github.com/gin-gonic/gin"
)

type TemplateHandler struct {
	templates *service.TemplateService
	exec      *service.ExecutionService
}

func NewTemplateHandler(templates *service.TemplateService, exec *service.ExecutionService) *TemplateHandler {
	return &TemplateHandler{templates: templates, exec: exec}
}

func (h *TemplateHandler) Create(c *gin.Context) {
	tenant := c.MustGet(middleware.ContextTenantKey).(*model.Tenant)

	var req service.TemplateUpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	tpl, err := h.templates.Create(c.Request.Context(), tenant.ID, &req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, tpl)
}

func (h *TemplateHandler) List(c *gin.Context) {
	tenant := c.MustGet(middleware.ContextTenantKey).(*model.Tenant)

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	templates, err := h.templates.List(c.Request.Context(), tenant.ID, limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, templates)
}

func (h *TemplateHandler) Get(c *gin.Context) {
	tenant := c.MustGet(middleware.ContextTenantKey).(*model.Tenant)
	id, ok := templateID(c)
	if !ok {
		return
	}
	tpl, err := h.templates.Get(c.Request.Context(), tenant.ID, id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, tpl)
}

func (h *TemplateHandler) Update(c *gin.Context) {
	tenant := c.MustGet(middleware.ContextTenantKey).(*model.Tenant)
	id, ok := templateID(c)
	if !ok {
		return
	}
	var req service.TemplateUpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	tpl, err := h.templates.Update(c.Request.Context(), tenant.ID, id, &req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, tpl)
}

func (h *TemplateHandler) Delete(c *gin.Context) {
	tenant := c.MustGet(middleware.ContextTenantKey).(*model.Tenant)
	id, ok := templateID(c)
	if !ok {
		return
	}
	if err := h.templates.Delete(c.Request.Context(), tenant.ID, id); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// Resolve 只做解析,不提交订单。结果不缓存。
func (h *TemplateHandler) Resolve(c *gin.Context) {
	tenant := c.MustGet(middleware.ContextTenantKey).(*model.Tenant)
	id, ok := templateID(c)
	if !ok {
		return
	}
	resolved, err := h.exec.ResolveStrategyTemplate(c.Request.Context(), tenant, id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resolved)
}

// Execute 解析并以组合单提交模板。
func (h *TemplateHandler) Execute(c *gin.Context) {
	tenant := c.MustGet(middleware.ContextTenantKey).(*model.Tenant)
	id, ok := templateID(c)
	if !ok {
		return
	}
	result, err := h.exec.ExecuteStrategyTemplate(c.Request.Context(), tenant, id)
	if err != nil {
		middleware.AddAuditContext(c, "error", err.Error())
		_ = c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "trade_id", result.Trade.ID)
	c.JSON(http.StatusOK, result)
}

func templateID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		_ = c.Error(apperrors.NewInvalidRequest("template id must be a positive integer"))
		return 0, false
	}
	return id, true
}
