package service

import (
	"context"
	"testing"
	"time"

	"github.com/fopgate/fopgate/internal/broker"
	"github.com/fopgate/fopgate/internal/model"
	"github.com/fopgate/fopgate/internal/pkg/apperrors"
	"github.com/fopgate/fopgate/internal/repository"
	"github.com/fopgate/fopgate/internal/risk"
	"github.com/fopgate/fopgate/internal/safety"
	"github.com/fopgate/fopgate/internal/strategy"
	"github.com/stretchr/testify/require"
)

// 2026-02-18 15:00 UTC: 交易时段内,距 mock 默认到期日 2026-03-20 恰好 30 天。
var execNow = func() time.Time { return time.Date(2026, 2, 18, 15, 0, 0, 0, time.UTC) }

// spyBroker 统计真正到达券商的提交次数。
type spyBroker struct {
	broker.Broker
	orders int
	combos int
}

func (s *spyBroker) SubmitOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResult, error) {
	s.orders++
	return s.Broker.SubmitOrder(ctx, req)
}

func (s *spyBroker) SubmitComboOrder(ctx context.Context, symbol string, legs []model.OrderLeg, qty int, orderType string, limitPrice *float64, action string) (*broker.OrderResult, error) {
	s.combos++
	return s.Broker.SubmitComboOrder(ctx, symbol, legs, qty, orderType, limitPrice, action)
}

type execFixture struct {
	svc       *ExecutionService
	spy       *spyBroker
	trades    *repository.MemoryTradeStore
	templates *repository.MemoryTemplateStore
	halt      *safety.Controller
}

func newExecFixture(t *testing.T) *execFixture {
	t.Helper()
	spy := &spyBroker{Broker: broker.NewMockBroker()}
	trades := repository.NewMemoryTradeStore()
	templates := repository.NewMemoryTemplateStore()
	halt := safety.NewController(safety.NewMemoryStore())
	svc := NewExecutionService(
		strategy.NewRegistry(),
		strategy.NewResolver().WithClock(execNow),
		risk.NewGovernor().WithClock(execNow),
		halt,
		spy,
		trades,
		templates,
		newTestAudit(t),
	).WithClock(execNow)
	return &execFixture{svc: svc, spy: spy, trades: trades, templates: templates, halt: halt}
}

func execTenant() *model.Tenant {
	return &model.Tenant{ID: "tenant-1", Tier: "pro", Mode: model.ModeAutonomous, RiskParams: map[string]any{}}
}

func buyIntent(qty int, deltaEst float64) *model.TradeIntent {
	return &model.TradeIntent{
		Action:        model.ActionBuy,
		Symbol:        "ES",
		Qty:           qty,
		DeltaEstimate: &deltaEst,
		Reasoning:     "test order",
	}
}

func TestExecuteTradeBlockedByHalt(t *testing.T) {
	fx := newExecFixture(t)
	ctx := context.Background()
	_, err := fx.halt.Set(ctx, true, "exchange outage", "ops")
	require.NoError(t, err)

	_, err = fx.svc.ExecuteTrade(ctx, execTenant(), buyIntent(1, 0.05))
	require.True(t, apperrors.IsHalted(err))
	require.Zero(t, fx.spy.orders)
}

func TestExecuteTradeRiskRejected(t *testing.T) {
	fx := newExecFixture(t)

	// qty 11 超出默认 max_size=10;delta 估计置零避开净 delta 规则
	_, err := fx.svc.ExecuteTrade(context.Background(), execTenant(), buyIntent(11, 0))
	rule, ok := apperrors.IsRiskViolation(err)
	require.True(t, ok)
	require.Equal(t, risk.RuleMaxOrderSize, rule)
	require.Zero(t, fx.spy.orders)
}

func TestExecuteTradeProjectedDeltaRejected(t *testing.T) {
	fx := newExecFixture(t)

	// 空仓下 2 手 × 0.5 delta 投影到 1.0,越过默认阈值 0.20
	_, err := fx.svc.ExecuteTrade(context.Background(), execTenant(), buyIntent(2, 0.5))
	rule, ok := apperrors.IsRiskViolation(err)
	require.True(t, ok)
	require.Equal(t, risk.RuleMaxNetDelta, rule)
	require.Zero(t, fx.spy.orders)
}

func TestExecuteTradeSuccessRecordsFill(t *testing.T) {
	fx := newExecFixture(t)
	ctx := context.Background()

	res, err := fx.svc.ExecuteTrade(ctx, execTenant(), buyIntent(2, 0.05))
	require.NoError(t, err)
	require.Equal(t, 1, fx.spy.orders)

	require.Equal(t, model.TradeStatusFilled, res.Trade.Status)
	require.Equal(t, "FOP", res.Trade.Instrument)
	require.NotNil(t, res.Trade.FillPrice)
	require.InDelta(t, 10.25, *res.Trade.FillPrice, 1e-9)

	// mock 行情 bid 10 / ask 10.5,期望价取中间价 10.25,滑点为零
	require.NotNil(t, res.Fill)
	require.NotNil(t, res.Fill.ExpectedPrice)
	require.InDelta(t, 10.25, *res.Fill.ExpectedPrice, 1e-9)
	require.NotNil(t, res.Fill.SlippageBps)
	require.InDelta(t, 0.0, *res.Fill.SlippageBps, 1e-9)

	stored, err := fx.trades.GetTrade(ctx, "tenant-1", res.Trade.ID)
	require.NoError(t, err)
	require.Equal(t, model.TradeStatusFilled, stored.Status)

	fills, err := fx.trades.ListFills(ctx, "tenant-1", res.Trade.ID, 10)
	require.NoError(t, err)
	require.Len(t, fills, 1)
}

func seedTemplate(t *testing.T, store *repository.MemoryTemplateStore, maxContracts int) *model.StrategyTemplate {
	t.Helper()
	tpl := &model.StrategyTemplate{
		ClientID:          "tenant-1",
		Name:              "ES monthly fly",
		StrategyType:      model.StrategyIronFly,
		UnderlyingSymbol:  "ES",
		DTEMin:            20,
		DTEMax:            40,
		CenterDeltaTarget: 0.5,
		WingWidth:         50,
		MaxRiskPerTrade:   5000,
		SizingMethod:      model.SizingRiskBased,
		MaxContracts:      maxContracts,
	}
	if err := store.Create(context.Background(), tpl); err != nil {
		t.Fatalf("seed template: %v", err)
	}
	return tpl
}

func TestResolveStrategyTemplate(t *testing.T) {
	fx := newExecFixture(t)
	tpl := seedTemplate(t, fx.templates, 3)

	resolved, err := fx.svc.ResolveStrategyTemplate(context.Background(), execTenant(), tpl.ID)
	require.NoError(t, err)

	require.Equal(t, "2026-03-20", resolved.Expiry)
	require.Equal(t, 30, resolved.DTE)
	require.InDelta(t, 5000.0, resolved.CenterStrike, 1e-9)
	// 中心跨式每边 12,两翼每边 10,净收 4 个点
	require.InDelta(t, 4.0, resolved.NetPremium, 1e-9)
	// 风险预算 5000 / 单手最大亏损 2300,凑 2 手
	require.Equal(t, 2, resolved.Contracts)
	require.Len(t, resolved.Legs, 4)
}

func TestExecuteStrategyTemplate(t *testing.T) {
	fx := newExecFixture(t)
	tpl := seedTemplate(t, fx.templates, 3)
	ctx := context.Background()

	res, err := fx.svc.ExecuteStrategyTemplate(ctx, execTenant(), tpl.ID)
	require.NoError(t, err)
	require.Equal(t, 1, fx.spy.combos)

	require.Equal(t, model.InstrumentBAG, res.Trade.Instrument)
	require.Equal(t, model.ActionBuy, res.Trade.Action)
	require.Equal(t, 2, res.Trade.Qty)
	require.NotNil(t, res.Trade.FillPrice)
	require.InDelta(t, 4.0, *res.Trade.FillPrice, 1e-9)
	require.NotNil(t, res.Fill)
}

func TestExecuteStrategyTemplateClientSizeCap(t *testing.T) {
	fx := newExecFixture(t)
	tpl := seedTemplate(t, fx.templates, 3)
	tenant := execTenant()
	tenant.RiskParams["max_size"] = 1

	_, err := fx.svc.ExecuteStrategyTemplate(context.Background(), tenant, tpl.ID)
	rule, ok := apperrors.IsRiskViolation(err)
	require.True(t, ok)
	require.Equal(t, risk.RuleMaxOrderSize, rule)
	require.Zero(t, fx.spy.combos)
}

func TestExecuteStrategyTemplateNotFound(t *testing.T) {
	fx := newExecFixture(t)

	_, err := fx.svc.ExecuteStrategyTemplate(context.Background(), execTenant(), 99)
	appErr, ok := err.(*apperrors.AppError)
	require.True(t, ok)
	require.Equal(t, apperrors.ErrNotFound, appErr.Type)
}
