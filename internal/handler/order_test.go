package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fopgate/fopgate/internal/broker"
	"github.com/fopgate/fopgate/internal/config"
	"github.com/fopgate/fopgate/internal/middleware"
	"github.com/fopgate/fopgate/internal/model"
	"github.com/fopgate/fopgate/internal/repository"
	"github.com/fopgate/fopgate/internal/risk"
	"github.com/fopgate/fopgate/internal/safety"
	"github.com/fopgate/fopgate/internal/service"
	"github.com/fopgate/fopgate/internal/strategy"
	"github.com/gin-gonic/gin"
)

func testAudit(t *testing.T) *service.AuditService {
	t.Helper()
	audit, err := service.NewAuditService(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("audit service: %v", err)
	}
	t.Cleanup(audit.Close)
	return audit
}

func injectTenant(tenant *model.Tenant) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.ContextTenantKey, tenant)
		c.Next()
	}
}

func TestPlaceOrderHaltedReturns423(t *testing.T) {
	gin.SetMode(gin.TestMode)

	ctrl := safety.NewController(safety.NewMemoryStore())
	if _, err := ctrl.Set(t.Context(), true, "exchange outage", "ops"); err != nil {
		t.Fatalf("set halt: %v", err)
	}
	exec := service.NewExecutionService(
		strategy.NewRegistry(),
		strategy.NewResolver(),
		risk.NewGovernor(),
		ctrl,
		broker.NewMockBroker(),
		repository.NewMemoryTradeStore(),
		repository.NewMemoryTemplateStore(),
		testAudit(t),
	)

	router := gin.New()
	router.Use(middleware.ErrorHandler())
	tenant := &model.Tenant{ID: "tenant-1", Mode: model.ModeAutonomous}
	router.POST("/v1/orders", injectTenant(tenant), NewOrderHandler(exec).PlaceOrder)

	body, _ := json.Marshal(map[string]any{
		"action": "BUY",
		"symbol": "ES",
		"qty":    1,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/orders", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusLocked {
		t.Fatalf("expected 423 while halted, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json response: %v", err)
	}
	if resp["code"] != "TRADING_HALTED" {
		t.Fatalf("expected TRADING_HALTED code, got %v", resp["code"])
	}
}

func TestAdminHaltToggleRequiresKey(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{}
	cfg.Auth.AdminKey = "admin"

	ctrl := safety.NewController(safety.NewMemoryStore())
	handler := NewHaltHandler(ctrl, testAudit(t))

	router := gin.New()
	admin := router.Group("/v1/admin")
	admin.Use(middleware.AdminMiddleware(cfg))
	admin.GET("/halt", handler.Get)
	admin.PUT("/halt", handler.Set)

	body, _ := json.Marshal(map[string]any{"halted": true, "reason": "margin review"})

	req := httptest.NewRequest(http.MethodPut, "/v1/admin/halt", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without admin key, got %d", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodPut, "/v1/admin/halt", bytes.NewReader(body))
	req2.Header.Set("Content-Type", "application/json")
	req2.Header.Set(middleware.HeaderAdminKey, "admin")
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 with admin key, got %d: %s", rec2.Code, rec2.Body.String())
	}

	req3 := httptest.NewRequest(http.MethodGet, "/v1/admin/halt", nil)
	req3.Header.Set(middleware.HeaderAdminKey, "admin")
	rec3 := httptest.NewRecorder()
	router.ServeHTTP(rec3, req3)
	if rec3.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec3.Code)
	}
	var state model.HaltState
	if err := json.Unmarshal(rec3.Body.Bytes(), &state); err != nil {
		t.Fatalf("invalid halt state: %v", err)
	}
	if !state.Halted || state.Reason != "margin review" {
		t.Fatalf("halt state not persisted: %+v", state)
	}
}
