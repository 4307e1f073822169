package service

import (
	"context"
	"testing"
	"time"

	"github.com/fopgate/fopgate/internal/model"
	"github.com/fopgate/fopgate/internal/repository"
	"github.com/fopgate/fopgate/internal/risk"
	"github.com/stretchr/testify/require"
)

var qualityNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func newQualityService(t *testing.T, store *repository.MemoryTradeStore) *QualityService {
	t.Helper()
	return NewQualityService(store, nil, newTestAudit(t)).WithClock(func() time.Time { return qualityNow })
}

func floatPtr(v float64) *float64 { return &v }

func TestGetExecutionQualityBackfillsLegacyTrades(t *testing.T) {
	store := repository.NewMemoryTradeStore()
	svc := newQualityService(t, store)
	ctx := context.Background()

	// t1: 有成交明细
	t1 := &model.Trade{
		ClientID: "tenant-1", Timestamp: qualityNow.Add(-2 * time.Hour),
		Action: "BUY", Symbol: "ES", Instrument: "FOP", Qty: 1,
		Status: model.TradeStatusFilled, FillPrice: floatPtr(10.2),
	}
	require.NoError(t, store.InsertTrade(ctx, t1))
	require.NoError(t, store.InsertFill(ctx, &model.TradeFill{
		ClientID: "tenant-1", TradeID: t1.ID,
		Status: model.TradeStatusFilled, Qty: 1, FillPrice: 10.2,
		SlippageBps:   floatPtr(20.0),
		FillTimestamp: t1.Timestamp.Add(time.Second),
	}))

	// t2: 成交过但没有明细,应当被补记
	t2 := &model.Trade{
		ClientID: "tenant-1", Timestamp: qualityNow.Add(-time.Hour),
		Action: "SELL", Symbol: "ES", Instrument: "FOP", Qty: 1,
		Status: model.TradeStatusFilled, FillPrice: floatPtr(9.8),
	}
	require.NoError(t, store.InsertTrade(ctx, t2))

	// t3: 未成交,不参与补记
	t3 := &model.Trade{
		ClientID: "tenant-1", Timestamp: qualityNow.Add(-30 * time.Minute),
		Action: "BUY", Symbol: "ES", Instrument: "FOP", Qty: 1,
		Status: model.TradeStatusSubmitted,
	}
	require.NoError(t, store.InsertTrade(ctx, t3))

	q, err := svc.GetExecutionQuality(ctx, "tenant-1", nil, nil, true)
	require.NoError(t, err)

	require.Equal(t, 3, q.TradesTotal)
	require.Equal(t, 2, q.TradesWithFills)
	require.Equal(t, 2, q.FillEvents)
	require.Equal(t, 1, q.BackfilledTrades)

	require.NotNil(t, q.AvgSlippageBps)
	require.InDelta(t, 10.0, *q.AvgSlippageBps, 1e-9)
	require.NotNil(t, q.AvgFirstFillLatencyMs)
	require.InDelta(t, 500.0, *q.AvgFirstFillLatencyMs, 1e-9)
	require.NotNil(t, q.FillCoveragePct)
	require.InDelta(t, 200.0/3.0, *q.FillCoveragePct, 1e-6)
}

func TestGetExecutionQualityWithoutBackfill(t *testing.T) {
	store := repository.NewMemoryTradeStore()
	svc := newQualityService(t, store)
	ctx := context.Background()

	trade := &model.Trade{
		ClientID: "tenant-1", Timestamp: qualityNow.Add(-time.Hour),
		Action: "BUY", Symbol: "ES", Instrument: "FOP", Qty: 1,
		Status: model.TradeStatusFilled, FillPrice: floatPtr(10.0),
	}
	require.NoError(t, store.InsertTrade(ctx, trade))

	q, err := svc.GetExecutionQuality(ctx, "tenant-1", nil, nil, false)
	require.NoError(t, err)
	require.Equal(t, 1, q.TradesTotal)
	require.Equal(t, 0, q.TradesWithFills)
	require.Equal(t, 0, q.BackfilledTrades)
	require.NotNil(t, q.FillCoveragePct)
	require.InDelta(t, 0.0, *q.FillCoveragePct, 1e-9)
}

func TestEvaluateAlertsThresholds(t *testing.T) {
	params := risk.Defaults()

	q := &model.ExecutionQuality{
		TradesTotal:     10,
		AvgSlippageBps:  floatPtr(40.0),
		FillCoveragePct: floatPtr(40.0),
	}
	alerts := EvaluateAlerts(q, params)
	require.Len(t, alerts, 2)
	require.Equal(t, "avg_slippage_bps_critical", alerts[0].ID)
	require.Equal(t, model.SeverityCritical, alerts[0].Severity)
	require.Equal(t, "fill_coverage_pct_critical", alerts[1].ID)

	q = &model.ExecutionQuality{
		TradesTotal:           10,
		AvgSlippageBps:        floatPtr(20.0),
		AvgFirstFillLatencyMs: floatPtr(100.0),
		FillCoveragePct:       floatPtr(100.0),
	}
	alerts = EvaluateAlerts(q, params)
	require.Len(t, alerts, 1)
	require.Equal(t, "avg_slippage_bps_warning", alerts[0].ID)
	require.Equal(t, model.SeverityWarning, alerts[0].Severity)

	q = &model.ExecutionQuality{
		TradesTotal:     10,
		AvgSlippageBps:  floatPtr(1.0),
		FillCoveragePct: floatPtr(100.0),
	}
	require.Empty(t, EvaluateAlerts(q, params))
}

func criticalQuality() *model.ExecutionQuality {
	return &model.ExecutionQuality{
		TradesTotal:     10,
		AvgSlippageBps:  floatPtr(50.0),
		FillCoveragePct: floatPtr(100.0),
	}
}

func TestRunAutoRemediationDisabled(t *testing.T) {
	store := repository.NewMemoryTradeStore()
	svc := newQualityService(t, store)
	tenant := &model.Tenant{ID: "tenant-1", Mode: model.ModeAutonomous, RiskParams: map[string]any{}}

	result, err := svc.RunAutoRemediation(context.Background(), tenant, criticalQuality())
	require.NoError(t, err)
	require.Equal(t, model.RemediationOutcomeDisabled, result.Outcome)
	require.Equal(t, model.ModeAutonomous, tenant.Mode)
	require.Equal(t, model.RemediationOutcomeDisabled, tenant.RiskParams[risk.KeyLastOutcome])
}

func TestRunAutoRemediationNoAlert(t *testing.T) {
	store := repository.NewMemoryTradeStore()
	svc := newQualityService(t, store)
	tenant := &model.Tenant{ID: "tenant-1", Mode: model.ModeAutonomous, RiskParams: map[string]any{
		"auto_remediation_enabled": true,
	}}

	healthy := &model.ExecutionQuality{TradesTotal: 10, AvgSlippageBps: floatPtr(1.0), FillCoveragePct: floatPtr(100.0)}
	result, err := svc.RunAutoRemediation(context.Background(), tenant, healthy)
	require.NoError(t, err)
	require.Equal(t, model.RemediationOutcomeNoAlert, result.Outcome)
}

func TestRunAutoRemediationPausesAutonomousThenCoolsDown(t *testing.T) {
	store := repository.NewMemoryTradeStore()
	svc := newQualityService(t, store)
	tenant := &model.Tenant{ID: "tenant-1", Mode: model.ModeAutonomous, RiskParams: map[string]any{
		"auto_remediation_enabled": true,
	}}

	result, err := svc.RunAutoRemediation(context.Background(), tenant, criticalQuality())
	require.NoError(t, err)
	require.Equal(t, model.RemediationOutcomeExecuted, result.Outcome)
	require.Equal(t, model.RemediationActionPauseAutonomous, result.Action)
	require.Equal(t, model.ModeConfirmation, tenant.Mode)
	require.Equal(t, 1, tenant.RiskParams[risk.KeyActionsLastHour])

	// 冷却期内立刻再评估,不得再次执行
	result, err = svc.RunAutoRemediation(context.Background(), tenant, criticalQuality())
	require.NoError(t, err)
	require.Equal(t, model.RemediationOutcomeCooldown, result.Outcome)
}

func TestRunAutoRemediationHourlyLimit(t *testing.T) {
	store := repository.NewMemoryTradeStore()
	svc := newQualityService(t, store)
	tenant := &model.Tenant{ID: "tenant-1", Mode: model.ModeAutonomous, RiskParams: map[string]any{
		"auto_remediation_enabled": true,
		risk.KeyLastActionAt:       qualityNow.Add(-30 * time.Minute).Format(time.RFC3339),
		risk.KeyWindowStartedAt:    qualityNow.Add(-10 * time.Minute).Format(time.RFC3339),
		risk.KeyActionsLastHour:    2,
	}}

	result, err := svc.RunAutoRemediation(context.Background(), tenant, criticalQuality())
	require.NoError(t, err)
	require.Equal(t, model.RemediationOutcomeHourlyLimit, result.Outcome)
	require.Equal(t, model.ModeAutonomous, tenant.Mode)
}

func TestRunAutoRemediationAppliesConservativePreset(t *testing.T) {
	store := repository.NewMemoryTradeStore()
	svc := newQualityService(t, store)
	tenant := &model.Tenant{ID: "tenant-1", Mode: model.ModeAutonomous, RiskParams: map[string]any{
		"auto_remediation_enabled":         true,
		"auto_remediation_critical_action": "apply_conservative",
		"max_size":                         50,
	}}

	result, err := svc.RunAutoRemediation(context.Background(), tenant, criticalQuality())
	require.NoError(t, err)
	require.Equal(t, model.RemediationOutcomeExecuted, result.Outcome)
	require.Equal(t, model.RemediationActionApplyConservative, result.Action)
	// 模式不变,只收紧参数
	require.Equal(t, model.ModeAutonomous, tenant.Mode)
	require.Equal(t, 5, tenant.RiskParams["max_size"])
	require.Equal(t, 50, result.Before["max_size"])
}
