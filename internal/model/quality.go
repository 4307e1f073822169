package model

import (
	"time"
)

// Alert severities and remediation outcomes.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"

	RemediationActionNone              = "none"
	RemediationActionPauseAutonomous   = "pause_autonomous"
	RemediationActionApplyConservative = "apply_conservative"

	RemediationOutcomeExecuted    = "executed"
	RemediationOutcomeCooldown    = "cooldown"
	RemediationOutcomeHourlyLimit = "hourly_limit"
	RemediationOutcomeDisabled    = "disabled"
	RemediationOutcomeNoAlert     = "no_alert"
	RemediationOutcomeNoop        = "noop"
)

// ExecutionQuality 一个交易窗口的执行质量汇总。
// Backfilled* 字段标记了被补记为零滑点/零延迟的历史成交,
// 这是刻意的近似,不是测量值。
type ExecutionQuality struct {
	ClientID              string     `json:"client_id"`
	WindowStart           *time.Time `json:"window_start"`
	WindowEnd             *time.Time `json:"window_end"`
	TradesTotal           int        `json:"trades_total"`
	TradesWithFills       int        `json:"trades_with_fills"`
	FillEvents            int        `json:"fill_events"`
	BackfilledTrades      int        `json:"backfilled_trades"`
	BackfilledFillEvents  int        `json:"backfilled_fill_events"`
	AvgSlippageBps        *float64   `json:"avg_slippage_bps"`
	MedianSlippageBps     *float64   `json:"median_slippage_bps"`
	AvgFirstFillLatencyMs *float64   `json:"avg_first_fill_latency_ms"`
	FillCoveragePct       *float64   `json:"fill_coverage_pct"`
	GeneratedAt           time.Time  `json:"generated_at"`
}

// ExecutionAlert 某项执行质量指标越过 warn/critical 阈值。
type ExecutionAlert struct {
	ID        string  `json:"id"`
	Severity  string  `json:"severity"`
	Metric    string  `json:"metric"`
	Label     string  `json:"label"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// RemediationResult reports what the auto-remediation loop decided and why.
type RemediationResult struct {
	Outcome string         `json:"outcome"`
	Action  string         `json:"action"`
	Reason  string         `json:"reason"`
	AlertID string         `json:"alert_id,omitempty"`
	Before  map[string]any `json:"before,omitempty"`
	After   map[string]any `json:"after,omitempty"`
}

// IncidentNote 人工针对执行告警留下的事件备注，落在审计表里。
type IncidentNote struct {
	ID        int64          `json:"id"`
	ClientID  string         `json:"client_id"`
	AlertID   string         `json:"alert_id"`
	Severity  string         `json:"severity"`
	Label     string         `json:"label"`
	Note      string         `json:"note"`
	Context   map[string]any `json:"context"`
	CreatedAt time.Time      `json:"created_at"`
}
