package model

import (
	"time"
)

// Execution modes for a tenant. The pause_autonomous remediation action only
// ever moves autonomous -> confirmation, never the other way.
const (
	ModeConfirmation = "confirmation"
	ModeAutonomous   = "autonomous"
)

// RateLimitConfig 定义租户的限流规则
type RateLimitConfig struct {
	QPS   float64 `json:"qps"`   // 每秒查询数
	Burst int     `json:"burst"` // 突发桶大小
}

// Tenant 代表一个接入方 (Bot, 客户)。
// RiskParams 是原始 JSONB 配置; 每次风控评估前经 risk.MergeParameters
// 与系统默认值合并，坏值回退到默认值而不是报错。
type Tenant struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	ApiKey     string          `json:"api_key"` // 网关颁发给租户的 Access Key
	Tier       string          `json:"tier"`    // 订阅级别 (basic, pro, ...)
	Mode       string          `json:"mode"`    // confirmation | autonomous
	RiskParams map[string]any  `json:"risk_params"`
	Rate       RateLimitConfig `json:"rate_limit"`
	CreatedAt  time.Time       `json:"created_at"`
}
