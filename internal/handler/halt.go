package handler

import (
	"net/http"

	"github.com/fopgate/fopgate/internal/model"
	"github.com/fopgate/fopgate/internal/pkg/apperrors"
	"github.com/fopgate/fopgate/internal/safety"
	"github.com/fopgate/fopgate/internal/service"
	"github.com/gin-gonic/gin"
)

type HaltHandler struct {
	ctrl  *safety.Controller
	audit *service.AuditService
}

func NewHaltHandler(ctrl *safety.Controller, audit *service.AuditService) *HaltHandler {
	return &HaltHandler{ctrl: ctrl, audit: audit}
}

func (h *HaltHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, h.ctrl.Get(c.Request.Context()))
}

type haltSetRequest struct {
	Halted    bool   `json:"halted"`
	Reason    string `json:"reason"`
	UpdatedBy string `json:"updated_by"`
}

// Set 切换全局急停。共享存储写失败时网关仍按新状态工作,
// 响应里带上 degraded 供运维判断。
func (h *HaltHandler) Set(c *gin.Context) {
	var req haltSetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	updatedBy := req.UpdatedBy
	if updatedBy == "" {
		updatedBy = "admin-api"
	}

	state, saveErr := h.ctrl.Set(c.Request.Context(), req.Halted, req.Reason, updatedBy)
	h.audit.Emit("", model.EventHaltStateChanged, "", map[string]any{
		"halted":     state.Halted,
		"reason":     state.Reason,
		"updated_by": state.UpdatedBy,
		"degraded":   saveErr != nil,
	})

	resp := gin.H{"state": state}
	if saveErr != nil {
		resp["degraded"] = true
		resp["store_error"] = saveErr.Error()
	}
	c.JSON(http.StatusOK, resp)
}
