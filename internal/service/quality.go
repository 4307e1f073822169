package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fopgate/fopgate/internal/model"
	"github.com/fopgate/fopgate/internal/pkg/logger"
	"github.com/fopgate/fopgate/internal/pkg/metrics"
	"github.com/fopgate/fopgate/internal/risk"
)

// 被视为"已经成交"的 Trade 状态;backfill 只认这些。
var filledStatuses = map[string]struct{}{
	model.TradeStatusFilled:          {},
	model.TradeStatusPartiallyFilled: {},
	model.TradeStatusCompleted:       {},
}

// QualityService 聚合执行质量指标并驱动自动整改。
type QualityService struct {
	store   TradeStore
	tenants *TenantManager
	audit   *AuditService
	now     func() time.Time
}

func NewQualityService(store TradeStore, tenants *TenantManager, audit *AuditService) *QualityService {
	return &QualityService{store: store, tenants: tenants, audit: audit, now: time.Now}
}

// WithClock 测试用固定时钟。
func (s *QualityService) WithClock(now func() time.Time) *QualityService {
	s.now = now
	return s
}

// GetExecutionQuality 统计窗口内的滑点、首笔成交延迟与成交覆盖率。
// backfillMissing 时,已成交却没有成交明细的历史 Trade 按零滑点/零延迟
// 计入,使老数据不至于把覆盖率打穿。
func (s *QualityService) GetExecutionQuality(ctx context.Context, clientID string, from, to *time.Time, backfillMissing bool) (*model.ExecutionQuality, error) {
	out := &model.ExecutionQuality{
		ClientID:    clientID,
		WindowStart: from,
		WindowEnd:   to,
		GeneratedAt: s.now().UTC(),
	}

	trades, err := s.store.ListTradesWindow(ctx, clientID, from, to, 5000)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return out, nil
	}
	out.TradesTotal = len(trades)

	tradeIDs := make([]int64, 0, len(trades))
	tradeByID := make(map[int64]*model.Trade, len(trades))
	for _, t := range trades {
		tradeIDs = append(tradeIDs, t.ID)
		tradeByID[t.ID] = t
	}

	fills, err := s.store.ListFillsForTrades(ctx, clientID, tradeIDs, from, to)
	if err != nil {
		return nil, err
	}

	filledTradeIDs := make(map[int64]struct{})
	for _, f := range fills {
		filledTradeIDs[f.TradeID] = struct{}{}
	}

	backfilled := make(map[int64]struct{})
	if backfillMissing {
		for _, t := range trades {
			if _, ok := filledTradeIDs[t.ID]; ok {
				continue
			}
			if _, ok := filledStatuses[strings.ToLower(t.Status)]; !ok {
				continue
			}
			if t.FillPrice == nil || t.Qty <= 0 {
				continue
			}
			backfilled[t.ID] = struct{}{}
		}
	}

	slippages := make([]float64, 0, len(fills)+len(backfilled))
	for _, f := range fills {
		if f.SlippageBps != nil {
			slippages = append(slippages, *f.SlippageBps)
		}
	}
	for range backfilled {
		slippages = append(slippages, 0)
	}
	if len(slippages) > 0 {
		avg := mean(slippages)
		med := median(slippages)
		out.AvgSlippageBps = &avg
		out.MedianSlippageBps = &med
	}

	// fills 已按 fill_timestamp 升序,每笔 Trade 取第一条
	latencies := make([]float64, 0, len(trades))
	seenTrades := make(map[int64]struct{})
	for _, f := range fills {
		if _, ok := seenTrades[f.TradeID]; ok {
			continue
		}
		trade, ok := tradeByID[f.TradeID]
		if !ok {
			continue
		}
		latency := f.FillTimestamp.Sub(trade.Timestamp).Seconds() * 1000.0
		if latency < 0 {
			latency = 0
		}
		latencies = append(latencies, latency)
		seenTrades[f.TradeID] = struct{}{}
	}
	for range backfilled {
		latencies = append(latencies, 0)
	}
	if len(latencies) > 0 {
		avg := mean(latencies)
		out.AvgFirstFillLatencyMs = &avg
	}

	withFills := len(filledTradeIDs)
	for id := range backfilled {
		if _, ok := filledTradeIDs[id]; !ok {
			withFills++
		}
	}
	out.TradesWithFills = withFills
	out.FillEvents = len(fills) + len(backfilled)
	out.BackfilledTrades = len(backfilled)
	out.BackfilledFillEvents = len(backfilled)

	coverage := float64(withFills) / float64(len(trades)) * 100.0
	out.FillCoveragePct = &coverage

	return out, nil
}

// EvaluateAlerts 用租户阈值扫一遍质量汇总。滑点与延迟向上报警,
// 覆盖率向下报警;每个指标最多产生一条,取最严重的档。
func EvaluateAlerts(q *model.ExecutionQuality, p risk.Parameters) []model.ExecutionAlert {
	var alerts []model.ExecutionAlert
	add := func(metric, label string, value, warnThr, critThr float64, alarmLow bool) {
		breached := func(thr float64) bool {
			if alarmLow {
				return value <= thr
			}
			return value >= thr
		}
		switch {
		case breached(critThr):
			alerts = append(alerts, model.ExecutionAlert{
				ID:       metric + "_critical",
				Severity: model.SeverityCritical,
				Metric:   metric, Label: label, Value: value, Threshold: critThr,
			})
		case breached(warnThr):
			alerts = append(alerts, model.ExecutionAlert{
				ID:       metric + "_warning",
				Severity: model.SeverityWarning,
				Metric:   metric, Label: label, Value: value, Threshold: warnThr,
			})
		}
	}

	if q.AvgSlippageBps != nil {
		add("avg_slippage_bps", "Average slippage", *q.AvgSlippageBps,
			p.SlippageWarnBps, p.SlippageCriticalBps, false)
	}
	if q.AvgFirstFillLatencyMs != nil {
		add("avg_first_fill_latency_ms", "First fill latency", *q.AvgFirstFillLatencyMs,
			float64(p.LatencyWarnMs), float64(p.LatencyCriticalMs), false)
	}
	if q.FillCoveragePct != nil && q.TradesTotal > 0 {
		add("fill_coverage_pct", "Fill coverage", *q.FillCoveragePct,
			p.FillCoverageWarnPct, p.FillCoverageCriticalPct, true)
	}
	return alerts
}

// AlertsFor 按租户自身阈值评估质量汇总。
func (s *QualityService) AlertsFor(tenant *model.Tenant, q *model.ExecutionQuality) []model.ExecutionAlert {
	params, _ := risk.MergeParameters(tenant.RiskParams)
	return EvaluateAlerts(q, params)
}

// RunAutoRemediation 根据当前告警执行一次自动整改决策。
// 冷却期与每小时动作上限的记账都写回租户的原始 risk_params。
func (s *QualityService) RunAutoRemediation(ctx context.Context, tenant *model.Tenant, q *model.ExecutionQuality) (*model.RemediationResult, error) {
	params, warnings := risk.MergeParameters(tenant.RiskParams)
	for _, w := range warnings {
		logger.Warn("ignoring unusable risk param", "tenant", tenant.ID, "detail", w.String())
	}

	alerts := EvaluateAlerts(q, params)
	worst := worstAlert(alerts)

	result := &model.RemediationResult{Outcome: model.RemediationOutcomeNoAlert, Action: model.RemediationActionNone}
	if worst == nil {
		s.finish(ctx, tenant, result, nil)
		return result, nil
	}
	result.AlertID = worst.ID
	result.Reason = fmt.Sprintf("%s %s: %.2f vs threshold %.2f", worst.Label, worst.Severity, worst.Value, worst.Threshold)

	if !params.AutoRemediationEnabled {
		result.Outcome = model.RemediationOutcomeDisabled
		s.finish(ctx, tenant, result, worst)
		return result, nil
	}

	action := params.WarningAction
	if worst.Severity == model.SeverityCritical {
		action = params.CriticalAction
	}
	result.Action = action
	if action == model.RemediationActionNone {
		result.Outcome = model.RemediationOutcomeNoop
		s.finish(ctx, tenant, result, worst)
		return result, nil
	}

	now := s.now().UTC()
	if tenant.RiskParams == nil {
		tenant.RiskParams = map[string]any{}
	}

	// 冷却期:上次动作后的静默窗口
	if last, ok := parseTimeParam(tenant.RiskParams[risk.KeyLastActionAt]); ok {
		if now.Sub(last) < time.Duration(params.CooldownMinutes)*time.Minute {
			result.Outcome = model.RemediationOutcomeCooldown
			s.finish(ctx, tenant, result, worst)
			return result, nil
		}
	}

	// 每小时动作上限,窗口滚动重置
	windowStart, hasWindow := parseTimeParam(tenant.RiskParams[risk.KeyWindowStartedAt])
	actionsInWindow := intParam(tenant.RiskParams[risk.KeyActionsLastHour])
	if !hasWindow || now.Sub(windowStart) >= time.Hour {
		windowStart = now
		actionsInWindow = 0
	}
	if actionsInWindow >= params.MaxActionsPerHour {
		result.Outcome = model.RemediationOutcomeHourlyLimit
		s.finish(ctx, tenant, result, worst)
		return result, nil
	}

	before := map[string]any{"mode": tenant.Mode}
	switch action {
	case model.RemediationActionPauseAutonomous:
		// 只会从 autonomous 降到 confirmation,绝不反向
		if tenant.Mode == model.ModeAutonomous {
			tenant.Mode = model.ModeConfirmation
		}
	case model.RemediationActionApplyConservative:
		preset := risk.ConservativePreset()
		for key := range preset {
			before[key] = tenant.RiskParams[key]
		}
		for key, value := range preset {
			tenant.RiskParams[key] = value
		}
	}
	after := map[string]any{"mode": tenant.Mode}
	if action == model.RemediationActionApplyConservative {
		for key, value := range risk.ConservativePreset() {
			after[key] = value
		}
	}
	result.Outcome = model.RemediationOutcomeExecuted
	result.Before = before
	result.After = after

	tenant.RiskParams[risk.KeyLastActionAt] = now.Format(time.RFC3339)
	tenant.RiskParams[risk.KeyWindowStartedAt] = windowStart.Format(time.RFC3339)
	tenant.RiskParams[risk.KeyActionsLastHour] = actionsInWindow + 1
	tenant.RiskParams[risk.KeyLastAction] = action

	s.finish(ctx, tenant, result, worst)
	return result, nil
}

// finish 统一记账:bookkeeping 字段、持久化、审计与指标。
func (s *QualityService) finish(ctx context.Context, tenant *model.Tenant, result *model.RemediationResult, alert *model.ExecutionAlert) {
	if tenant.RiskParams == nil {
		tenant.RiskParams = map[string]any{}
	}
	tenant.RiskParams[risk.KeyLastOutcome] = result.Outcome
	tenant.RiskParams[risk.KeyLastReason] = result.Reason
	if alert != nil {
		tenant.RiskParams[risk.KeyLastAlertID] = alert.ID
		tenant.RiskParams[risk.KeyLastAlertSeverity] = alert.Severity
	}

	if s.tenants != nil {
		if err := s.tenants.UpdateRiskParams(ctx, tenant.ID, tenant.Mode, tenant.RiskParams); err != nil {
			logger.Error("failed to persist remediation state", "tenant", tenant.ID, "error", err.Error())
		}
	}

	metrics.RemediationActions.WithLabelValues(result.Action, result.Outcome).Inc()
	details := map[string]any{
		"outcome": result.Outcome,
		"action":  result.Action,
		"reason":  result.Reason,
	}
	if alert != nil {
		details["alert_id"] = alert.ID
		details["severity"] = alert.Severity
		details["value"] = alert.Value
		details["threshold"] = alert.Threshold
	}
	if result.Before != nil {
		details["before"] = result.Before
		details["after"] = result.After
	}
	s.audit.Emit(tenant.ID, model.EventRemediation, "", details)
}

func worstAlert(alerts []model.ExecutionAlert) *model.ExecutionAlert {
	var worst *model.ExecutionAlert
	for i := range alerts {
		a := &alerts[i]
		if a.Severity == model.SeverityCritical {
			return a
		}
		if worst == nil {
			worst = a
		}
	}
	return worst
}

func parseTimeParam(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func intParam(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}

func mean(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
