package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/fopgate/fopgate/internal/middleware"
	"github.com/fopgate/fopgate/internal/model"
	"github.com/fopgate/fopgate/internal/pkg/apperrors"
	"github.com/fopgate/fopgate/internal/service"
	"github.com/gin-gonic/gin"
)

type TradeHandler struct {
	trades  service.TradeStore
	fills   *service.FillService
	quality *service.QualityService
	audit   *service.AuditService
}

func NewTradeHandler(trades service.TradeStore, fills *service.FillService, quality *service.QualityService, audit *service.AuditService) *TradeHandler {
	return &TradeHandler{trades: trades, fills: fills, quality: quality, audit: audit}
}

func (h *TradeHandler) ListTrades(c *gin.Context) {
	tenant := c.MustGet(middleware.ContextTenantKey).(*model.Tenant)

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	trades, err := h.trades.ListTrades(c.Request.Context(), tenant.ID, limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, trades)
}

// IngestFill 成交回报入账。幂等键取 X-Idempotency-Key 头,
// 其次请求体里的 idempotency_key。
func (h *TradeHandler) IngestFill(c *gin.Context) {
	tenant := c.MustGet(middleware.ContextTenantKey).(*model.Tenant)
	tradeID, ok := pathTradeID(c)
	if !ok {
		return
	}

	var req service.FillIngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	if req.Qty <= 0 {
		_ = c.Error(apperrors.NewInvalidRequest("qty must be positive"))
		return
	}
	if req.FillPrice <= 0 {
		_ = c.Error(apperrors.NewInvalidRequest("fill_price must be positive"))
		return
	}

	fill, err := h.fills.IngestFill(c.Request.Context(), tenant.ID, tradeID, &req, c.GetHeader(middleware.HeaderIdempotencyKey))
	if err != nil {
		_ = c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "fill_id", fill.ID)
	c.JSON(http.StatusOK, fill)
}

func (h *TradeHandler) ListFills(c *gin.Context) {
	tenant := c.MustGet(middleware.ContextTenantKey).(*model.Tenant)
	tradeID, ok := pathTradeID(c)
	if !ok {
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	fills, err := h.fills.ListFills(c.Request.Context(), tenant.ID, tradeID, limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, fills)
}

// ExecutionQuality 窗口化执行质量汇总。backfill=false 关掉历史补记。
func (h *TradeHandler) ExecutionQuality(c *gin.Context) {
	tenant := c.MustGet(middleware.ContextTenantKey).(*model.Tenant)

	from, ok := queryTime(c, "from")
	if !ok {
		return
	}
	to, ok := queryTime(c, "to")
	if !ok {
		return
	}
	backfill := c.DefaultQuery("backfill", "true") != "false"

	q, err := h.quality.GetExecutionQuality(c.Request.Context(), tenant.ID, from, to, backfill)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, q)
}

// ExecutionAlerts 用租户当前阈值评估执行质量告警。
func (h *TradeHandler) ExecutionAlerts(c *gin.Context) {
	tenant := c.MustGet(middleware.ContextTenantKey).(*model.Tenant)

	from, ok := queryTime(c, "from")
	if !ok {
		return
	}
	to, ok := queryTime(c, "to")
	if !ok {
		return
	}

	q, err := h.quality.GetExecutionQuality(c.Request.Context(), tenant.ID, from, to, true)
	if err != nil {
		_ = c.Error(err)
		return
	}
	alerts := h.quality.AlertsFor(tenant, q)
	c.JSON(http.StatusOK, gin.H{"quality": q, "alerts": alerts})
}

// RunRemediation 手动触发一轮自动整改决策。
func (h *TradeHandler) RunRemediation(c *gin.Context) {
	tenant := c.MustGet(middleware.ContextTenantKey).(*model.Tenant)

	from, ok := queryTime(c, "from")
	if !ok {
		return
	}
	to, ok := queryTime(c, "to")
	if !ok {
		return
	}

	q, err := h.quality.GetExecutionQuality(c.Request.Context(), tenant.ID, from, to, true)
	if err != nil {
		_ = c.Error(err)
		return
	}
	result, err := h.quality.RunAutoRemediation(c.Request.Context(), tenant, q)
	if err != nil {
		_ = c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "outcome", result.Outcome)
	c.JSON(http.StatusOK, result)
}

type incidentRequest struct {
	AlertID  string         `json:"alert_id" binding:"required"`
	Severity string         `json:"severity"`
	Label    string         `json:"label"`
	Note     string         `json:"note" binding:"required"`
	Context  map[string]any `json:"context"`
}

// CreateIncident 人工针对某条执行告警留备注,落进审计流。
func (h *TradeHandler) CreateIncident(c *gin.Context) {
	tenant := c.MustGet(middleware.ContextTenantKey).(*model.Tenant)

	var req incidentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	severity := req.Severity
	if severity == "" {
		severity = model.SeverityWarning
	}
	h.audit.Emit(tenant.ID, model.EventAlertIncident, req.AlertID, map[string]any{
		"alert_id": req.AlertID,
		"severity": severity,
		"label":    req.Label,
		"note":     req.Note,
		"context":  req.Context,
	})
	c.JSON(http.StatusCreated, gin.H{"status": "recorded"})
}

// ListIncidents 回放历史事件备注。
func (h *TradeHandler) ListIncidents(c *gin.Context) {
	tenant := c.MustGet(middleware.ContextTenantKey).(*model.Tenant)

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	events, err := h.audit.List(c.Request.Context(), tenant.ID, model.EventAlertIncident, limit, nil, nil)
	if err != nil {
		_ = c.Error(err)
		return
	}

	incidents := make([]*model.IncidentNote, 0, len(events))
	for _, ev := range events {
		incidents = append(incidents, incidentFromEvent(ev))
	}
	c.JSON(http.StatusOK, incidents)
}

func incidentFromEvent(ev *model.AuditEvent) *model.IncidentNote {
	note := &model.IncidentNote{
		ID:        ev.ID,
		ClientID:  ev.ClientID,
		AlertID:   ev.RiskRule,
		CreatedAt: ev.Timestamp,
	}
	if ev.Details == nil {
		return note
	}
	if v, ok := ev.Details["severity"].(string); ok {
		note.Severity = v
	}
	if v, ok := ev.Details["label"].(string); ok {
		note.Label = v
	}
	if v, ok := ev.Details["note"].(string); ok {
		note.Note = v
	}
	if v, ok := ev.Details["context"].(map[string]any); ok {
		note.Context = v
	}
	return note
}

func pathTradeID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		_ = c.Error(apperrors.NewInvalidRequest("trade id must be a positive integer"))
		return 0, false
	}
	return id, true
}

func queryTime(c *gin.Context, name string) (*time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		_ = c.Error(apperrors.NewInvalidRequest(name + " must be RFC3339"))
		return nil, false
	}
	return &t, true
}
