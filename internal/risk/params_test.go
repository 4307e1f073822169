package risk

import "testing"

func TestMergeParametersNilRaw(t *testing.T) {
	p, warnings := MergeParameters(nil)
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", warnings)
	}
	if p != Defaults() {
		t.Fatalf("nil raw should yield defaults, got %+v", p)
	}
}

func TestMergeParametersOverrides(t *testing.T) {
	raw := map[string]any{
		"delta_threshold":    0.3,
		"max_size":           "7", // 字符串数字也接受
		"max_loss":           2500,
		"max_open_positions": 5,
		"spread_ratio_limit": 0.25,

		"auto_remediation_enabled":          "yes",
		"auto_remediation_warning_action":   "apply_conservative",
		"auto_remediation_cooldown_minutes": 45,
	}
	p, warnings := MergeParameters(raw)
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", warnings)
	}
	if p.DeltaThreshold != 0.3 || p.MaxSize != 7 || p.MaxLoss != 2500 {
		t.Fatalf("core params not merged: %+v", p)
	}
	if p.MaxOpenPositions != 5 || p.SpreadRatioLimit != 0.25 {
		t.Fatalf("limits not merged: %+v", p)
	}
	if !p.AutoRemediationEnabled || p.WarningAction != "apply_conservative" || p.CooldownMinutes != 45 {
		t.Fatalf("remediation config not merged: %+v", p)
	}
	// 未覆盖的键保持默认
	if p.CriticalAction != "pause_autonomous" || p.MaxActionsPerHour != 2 {
		t.Fatalf("defaults lost: %+v", p)
	}
}

func TestMergeParametersBadValuesWarnAndFallBack(t *testing.T) {
	raw := map[string]any{
		"max_size":                         "plenty",
		"delta_threshold":                  []int{1},
		"auto_remediation_enabled":         "maybe",
		"auto_remediation_critical_action": "delete_everything",
	}
	p, warnings := MergeParameters(raw)
	if len(warnings) != 4 {
		t.Fatalf("expected 4 warnings, got %d: %v", len(warnings), warnings)
	}
	d := Defaults()
	if p.MaxSize != d.MaxSize || p.DeltaThreshold != d.DeltaThreshold {
		t.Fatalf("bad values must fall back to defaults: %+v", p)
	}
	if p.AutoRemediationEnabled || p.CriticalAction != d.CriticalAction {
		t.Fatalf("remediation fields must fall back: %+v", p)
	}
}

func TestMergeParametersClampsCriticalThresholds(t *testing.T) {
	// 滑点/延迟的 critical 不得低于 warn
	p, _ := MergeParameters(map[string]any{
		"execution_alert_slippage_warn_bps":     40.0,
		"execution_alert_slippage_critical_bps": 10.0,
		"execution_alert_latency_warn_ms":       9000,
		"execution_alert_latency_critical_ms":   4000,
	})
	if p.SlippageCriticalBps != 40.0 {
		t.Fatalf("slippage critical = %v, want clamped to 40", p.SlippageCriticalBps)
	}
	if p.LatencyCriticalMs != 9000 {
		t.Fatalf("latency critical = %v, want clamped to 9000", p.LatencyCriticalMs)
	}

	// 覆盖率反向报警,critical 不得高于 warn
	p, _ = MergeParameters(map[string]any{
		"execution_alert_fill_coverage_warn_pct":     60.0,
		"execution_alert_fill_coverage_critical_pct": 90.0,
	})
	if p.FillCoverageCriticalPct != 60.0 {
		t.Fatalf("coverage critical = %v, want clamped to 60", p.FillCoverageCriticalPct)
	}
}

func TestConservativePresetTightensLimits(t *testing.T) {
	p, warnings := MergeParameters(ConservativePreset())
	if len(warnings) != 0 {
		t.Fatalf("preset must merge cleanly, got %v", warnings)
	}
	d := Defaults()
	if p.MaxSize >= d.MaxSize || p.MaxLoss >= d.MaxLoss || p.DeltaThreshold >= d.DeltaThreshold {
		t.Fatalf("preset should be stricter than defaults: %+v", p)
	}
	if p.SlippageCriticalBps >= d.SlippageCriticalBps {
		t.Fatalf("preset alert thresholds should be tighter: %+v", p)
	}
}
