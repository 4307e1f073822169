package risk

import (
	"fmt"
	"strconv"
	"strings"
)

// Raw config keys for remediation bookkeeping. These live in the tenant's
// raw risk_params map and are mutated by the remediation loop, so they are
// not part of the merged Parameters snapshot.
const (
	KeyLastOutcome       = "auto_remediation_last_outcome"
	KeyLastReason        = "auto_remediation_last_reason"
	KeyLastAction        = "auto_remediation_last_action"
	KeyLastActionAt      = "auto_remediation_last_action_at"
	KeyActionsLastHour   = "auto_remediation_actions_last_hour"
	KeyWindowStartedAt   = "auto_remediation_window_started_at"
	KeyLastAlertID       = "auto_remediation_last_alert_id"
	KeyLastAlertSeverity = "auto_remediation_last_alert_severity"
)

// Parameters 单次评估用的不可变风控快照。缺失的键回落到保守默认值,
// 坏类型回落到默认值并产生 Warning,绝不回落到 "无限制"。
type Parameters struct {
	DeltaThreshold   float64
	MaxSize          int
	MaxLoss          float64
	MaxOpenPositions int
	SpreadRatioLimit float64

	SlippageWarnBps         float64
	SlippageCriticalBps     float64
	LatencyWarnMs           int
	LatencyCriticalMs       int
	FillCoverageWarnPct     float64
	FillCoverageCriticalPct float64

	AutoRemediationEnabled bool
	WarningAction          string
	CriticalAction         string
	CooldownMinutes        int
	MaxActionsPerHour      int
}

// Warning records a raw config value that could not be used and which
// default took its place.
type Warning struct {
	Key      string
	Value    any
	Fallback any
}

func (w Warning) String() string {
	return fmt.Sprintf("risk param %q: unusable value %v, defaulted to %v", w.Key, w.Value, w.Fallback)
}

// Defaults returns the documented conservative defaults.
func Defaults() Parameters {
	return Parameters{
		DeltaThreshold:          0.20,
		MaxSize:                 10,
		MaxLoss:                 5000.0,
		MaxOpenPositions:        20,
		SpreadRatioLimit:        0.15,
		SlippageWarnBps:         15.0,
		SlippageCriticalBps:     30.0,
		LatencyWarnMs:           3000,
		LatencyCriticalMs:       8000,
		FillCoverageWarnPct:     75.0,
		FillCoverageCriticalPct: 50.0,
		AutoRemediationEnabled:  false,
		WarningAction:           "none",
		CriticalAction:          "pause_autonomous",
		CooldownMinutes:         20,
		MaxActionsPerHour:       2,
	}
}

// ConservativePreset 是 apply_conservative 补救动作写回租户配置的固定预设。
func ConservativePreset() map[string]any {
	return map[string]any{
		"delta_threshold":    0.1,
		"max_size":           5,
		"max_loss":           2500.0,
		"max_open_positions": 10,

		"execution_alert_slippage_warn_bps":          10.0,
		"execution_alert_slippage_critical_bps":      20.0,
		"execution_alert_latency_warn_ms":            2000,
		"execution_alert_latency_critical_ms":        5000,
		"execution_alert_fill_coverage_warn_pct":     85.0,
		"execution_alert_fill_coverage_critical_pct": 70.0,
	}
}

var remediationActions = map[string]struct{}{
	"none":               {},
	"pause_autonomous":   {},
	"apply_conservative": {},
}

// MergeParameters merges raw tenant config over Defaults. It never fails:
// unusable values coerce to the default and are reported as warnings so the
// caller can log what was ignored. Critical thresholds are clamped to be at
// least their warn counterpart.
func MergeParameters(raw map[string]any) (Parameters, []Warning) {
	p := Defaults()
	if raw == nil {
		return p, nil
	}
	var warnings []Warning

	mFloat := func(key string, dst *float64) {
		v, ok := raw[key]
		if !ok {
			return
		}
		f, err := coerceFloat(v)
		if err != nil {
			warnings = append(warnings, Warning{Key: key, Value: v, Fallback: *dst})
			return
		}
		*dst = f
	}
	mInt := func(key string, dst *int) {
		v, ok := raw[key]
		if !ok {
			return
		}
		n, err := coerceInt(v)
		if err != nil {
			warnings = append(warnings, Warning{Key: key, Value: v, Fallback: *dst})
			return
		}
		*dst = n
	}

	mFloat("delta_threshold", &p.DeltaThreshold)
	mInt("max_size", &p.MaxSize)
	mFloat("max_loss", &p.MaxLoss)
	mInt("max_open_positions", &p.MaxOpenPositions)
	mFloat("spread_ratio_limit", &p.SpreadRatioLimit)
	mFloat("execution_alert_slippage_warn_bps", &p.SlippageWarnBps)
	mFloat("execution_alert_slippage_critical_bps", &p.SlippageCriticalBps)
	mInt("execution_alert_latency_warn_ms", &p.LatencyWarnMs)
	mInt("execution_alert_latency_critical_ms", &p.LatencyCriticalMs)
	mFloat("execution_alert_fill_coverage_warn_pct", &p.FillCoverageWarnPct)
	mFloat("execution_alert_fill_coverage_critical_pct", &p.FillCoverageCriticalPct)
	mInt("auto_remediation_cooldown_minutes", &p.CooldownMinutes)
	mInt("auto_remediation_max_actions_per_hour", &p.MaxActionsPerHour)

	if v, ok := raw["auto_remediation_enabled"]; ok {
		b, err := coerceBool(v)
		if err != nil {
			warnings = append(warnings, Warning{Key: "auto_remediation_enabled", Value: v, Fallback: p.AutoRemediationEnabled})
		} else {
			p.AutoRemediationEnabled = b
		}
	}
	if v, ok := raw["auto_remediation_warning_action"]; ok {
		p.WarningAction = coerceAction(v, p.WarningAction, &warnings, "auto_remediation_warning_action")
	}
	if v, ok := raw["auto_remediation_critical_action"]; ok {
		p.CriticalAction = coerceAction(v, p.CriticalAction, &warnings, "auto_remediation_critical_action")
	}

	// Critical thresholds may never sit below warn. Slippage and latency
	// alarm upward, coverage alarms downward.
	if p.SlippageCriticalBps < p.SlippageWarnBps {
		p.SlippageCriticalBps = p.SlippageWarnBps
	}
	if p.LatencyCriticalMs < p.LatencyWarnMs {
		p.LatencyCriticalMs = p.LatencyWarnMs
	}
	if p.FillCoverageCriticalPct > p.FillCoverageWarnPct {
		p.FillCoverageCriticalPct = p.FillCoverageWarnPct
	}

	return p, warnings
}

func coerceAction(v any, fallback string, warnings *[]Warning, key string) string {
	s := strings.TrimSpace(fmt.Sprint(v))
	if _, ok := remediationActions[s]; ok {
		return s
	}
	*warnings = append(*warnings, Warning{Key: key, Value: v, Fallback: fallback})
	return fallback
}

func coerceFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(t), 64)
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

func coerceInt(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		return int(t), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(t))
	default:
		return 0, fmt.Errorf("not an integer: %T", v)
	}
}

func coerceBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes", "on":
			return true, nil
		case "0", "false", "no", "off":
			return false, nil
		}
		return false, fmt.Errorf("not a boolean: %q", t)
	case int:
		return t != 0, nil
	case float64:
		return t != 0, nil
	default:
		return false, fmt.Errorf("not a boolean: %T", v)
	}
}
