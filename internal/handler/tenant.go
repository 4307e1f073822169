package handler

import (
	"net/http"
	"strings"

	"github.com/fopgate/fopgate/internal/model"
	"github.com/fopgate/fopgate/internal/pkg/apperrors"
	"github.com/fopgate/fopgate/internal/service"
	"github.com/gin-gonic/gin"
)

type TenantHandler struct {
	tenants *service.TenantManager
}

func NewTenantHandler(tenants *service.TenantManager) *TenantHandler {
	return &TenantHandler{tenants: tenants}
}

func (h *TenantHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, toTenantPublicList(h.tenants.ListTenants()))
}

func (h *TenantHandler) Get(c *gin.Context) {
	tenant, ok := h.tenants.GetTenantByID(c.Param("id"))
	if !ok {
		_ = c.Error(apperrors.NewNotFound("Tenant not found"))
		return
	}
	c.JSON(http.StatusOK, toTenantPublic(tenant))
}

type tenantUpdateRequest struct {
	Mode       string         `json:"mode"`
	RiskParams map[string]any `json:"risk_params"`
}

// Update 改执行模式或合并风控参数,两者都可选。
func (h *TenantHandler) Update(c *gin.Context) {
	tenant, ok := h.tenants.GetTenantByID(c.Param("id"))
	if !ok {
		_ = c.Error(apperrors.NewNotFound("Tenant not found"))
		return
	}

	var req tenantUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}

	mode := tenant.Mode
	if req.Mode != "" {
		if req.Mode != model.ModeConfirmation && req.Mode != model.ModeAutonomous {
			_ = c.Error(apperrors.NewInvalidRequest("mode must be confirmation or autonomous"))
			return
		}
		mode = req.Mode
	}

	merged := make(map[string]any, len(tenant.RiskParams)+len(req.RiskParams))
	for k, v := range tenant.RiskParams {
		merged[k] = v
	}
	for k, v := range req.RiskParams {
		merged[k] = v
	}

	if err := h.tenants.UpdateRiskParams(c.Request.Context(), tenant.ID, mode, merged); err != nil {
		_ = c.Error(err)
		return
	}
	updated, _ := h.tenants.GetTenantByID(tenant.ID)
	c.JSON(http.StatusOK, toTenantPublic(updated))
}

type tenantPublic struct {
	ID         string                `json:"id"`
	Name       string                `json:"name"`
	APIKey     string                `json:"api_key"`
	Tier       string                `json:"tier"`
	Mode       string                `json:"mode"`
	RiskParams map[string]any        `json:"risk_params"`
	Rate       model.RateLimitConfig `json:"rate_limit"`
}

func toTenantPublic(t *model.Tenant) *tenantPublic {
	if t == nil {
		return nil
	}
	return &tenantPublic{
		ID:         t.ID,
		Name:       t.Name,
		APIKey:     maskSecret(t.ApiKey),
		Tier:       t.Tier,
		Mode:       t.Mode,
		RiskParams: t.RiskParams,
		Rate:       t.Rate,
	}
}

func toTenantPublicList(tenants []*model.Tenant) []*tenantPublic {
	out := make([]*tenantPublic, 0, len(tenants))
	for _, tenant := range tenants {
		out = append(out, toTenantPublic(tenant))
	}
	return out
}

func maskSecret(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if len(value) <= 8 {
		return "****"
	}
	return value[:4] + "..." + value[len(value)-4:]
}
