package model

import (
	"time"
)

// Well-known audit event types emitted by the core.
const (
	EventHaltBlocked       = "emergency_halt_blocked"
	EventRiskRejected      = "risk_rejected"
	EventTradeExecuted     = "trade_executed"
	EventTemplateExecuted  = "strategy_template_executed"
	EventTemplateCreated   = "strategy_template_created"
	EventTemplateUpdated   = "strategy_template_updated"
	EventTemplateDeleted   = "strategy_template_deleted"
	EventFillIngested      = "trade_fill_ingested"
	EventRemediation       = "auto_remediation_executed"
	EventAlertIncident     = "execution_alert_incident"
	EventHaltStateChanged  = "emergency_halt_changed"
)

// AuditEvent 一条追加写入的审计记录。
// RiskRule 仅在策略/风控拒单时填充，保存稳定的机器可读规则码。
type AuditEvent struct {
	ID        int64          `json:"id" db:"id"`
	ClientID  string         `json:"client_id" db:"client_id"`
	Timestamp time.Time      `json:"timestamp" db:"timestamp"`
	EventType string         `json:"event_type" db:"event_type"`
	Details   map[string]any `json:"details" db:"-"`
	RiskRule  string         `json:"risk_rule,omitempty" db:"risk_rule"`
}
