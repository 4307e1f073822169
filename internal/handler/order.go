package handler

import (
	"net/http"

	"github.com/fopgate/fopgate/internal/middleware"
	"github.com/fopgate/fopgate/internal/model"
	"github.com/fopgate/fopgate/internal/pkg/apperrors"
	"github.com/fopgate/fopgate/internal/service"
	"github.com/gin-gonic/gin"
)

type OrderHandler struct {
	exec *service.ExecutionService
}

func NewOrderHandler(exec *service.ExecutionService) *OrderHandler {
	return &OrderHandler{exec: exec}
}

// PlaceOrder 执行一条交易意图。风控拒单返回 400，急停返回 423。
func (h *OrderHandler) PlaceOrder(c *gin.Context) {
	tenant := c.MustGet(middleware.ContextTenantKey).(*model.Tenant)

	var intent model.TradeIntent
	if err := c.ShouldBindJSON(&intent); err != nil {
		_ = c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	if intent.Qty <= 0 {
		_ = c.Error(apperrors.NewInvalidRequest("qty must be positive"))
		return
	}

	result, err := h.exec.ExecuteTrade(c.Request.Context(), tenant, &intent)
	if err != nil {
		middleware.AddAuditContext(c, "error", err.Error())
		_ = c.Error(err)
		return
	}

	middleware.AddAuditContext(c, "trade_id", result.Trade.ID)
	middleware.AddAuditContext(c, "order_id", result.Order.OrderID)
	c.JSON(http.StatusOK, result)
}
