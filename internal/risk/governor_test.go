package risk

import (
	"testing"
	"time"
)

// 固定在交易时段内的时钟,避免规则 5 干扰其它用例。
var inHours = func() time.Time { return time.Date(2026, 2, 18, 15, 0, 0, 0, time.UTC) }

func testGovernor() *Governor {
	return NewGovernor().WithClock(inHours)
}

func cleanCheck() OrderCheck {
	return OrderCheck{
		Qty:      1,
		NetDelta: 0.05,
		DailyPnL: 0,
		OpenLegs: 2,
		Bid:      10.0,
		Ask:      10.5,
	}
}

func assertRule(t *testing.T, g *Governor, chk OrderCheck, params Parameters, wantRule string) {
	t.Helper()
	err := g.ValidateOrder(chk, params)
	if wantRule == "" {
		if err != nil {
			t.Fatalf("expected pass, got %s: %s", err.Rule, err.Message)
		}
		return
	}
	if err == nil {
		t.Fatalf("expected %s violation, order passed", wantRule)
	}
	if err.Rule != wantRule {
		t.Fatalf("rule = %s, want %s (msg: %s)", err.Rule, wantRule, err.Message)
	}
}

func TestValidateOrderClean(t *testing.T) {
	assertRule(t, testGovernor(), cleanCheck(), Defaults(), "")
}

func TestNetDeltaThreshold(t *testing.T) {
	g := testGovernor()
	params := Defaults()

	chk := cleanCheck()
	proj := 0.35
	chk.ProjectedDelta = &proj
	assertRule(t, g, chk, params, RuleMaxNetDelta)

	// 已越限的组合,减仓方向的单子放行
	chk = cleanCheck()
	chk.NetDelta = 0.40
	proj = 0.30
	chk.ProjectedDelta = &proj
	assertRule(t, g, chk, params, "")

	// 同样越限但继续加仓,拒绝
	chk.NetDelta = 0.40
	proj = 0.55
	chk.ProjectedDelta = &proj
	assertRule(t, g, chk, params, RuleMaxNetDelta)
}

func TestMaxOrderSize(t *testing.T) {
	g := testGovernor()
	params := Defaults()

	chk := cleanCheck()
	chk.Qty = params.MaxSize
	assertRule(t, g, chk, params, "")

	chk.Qty = params.MaxSize + 1
	assertRule(t, g, chk, params, RuleMaxOrderSize)
}

func TestMaxDailyLoss(t *testing.T) {
	g := testGovernor()
	params := Defaults()

	chk := cleanCheck()
	chk.DailyPnL = -params.MaxLoss + 1
	assertRule(t, g, chk, params, "")

	chk.DailyPnL = -params.MaxLoss
	assertRule(t, g, chk, params, RuleMaxDailyLoss)
}

func TestMaxOpenPositions(t *testing.T) {
	g := testGovernor()
	params := Defaults()

	chk := cleanCheck()
	chk.OpenLegs = params.MaxOpenPositions - 1
	assertRule(t, g, chk, params, "")

	chk.OpenLegs = params.MaxOpenPositions
	assertRule(t, g, chk, params, RuleMaxOpenPos)
}

func TestMarketHoursMaintenanceBreak(t *testing.T) {
	params := Defaults()

	during := NewGovernor().WithClock(func() time.Time {
		return time.Date(2026, 2, 18, 21, 30, 0, 0, time.UTC)
	})
	assertRule(t, during, cleanCheck(), params, RuleMarketHours)

	after := NewGovernor().WithClock(func() time.Time {
		return time.Date(2026, 2, 18, 22, 0, 0, 0, time.UTC)
	})
	assertRule(t, after, cleanCheck(), params, "")

	if during.InMarketHours() {
		t.Fatal("21:30 UTC should fall inside the maintenance break")
	}
	if !after.InMarketHours() {
		t.Fatal("22:00 UTC should reopen the session")
	}
}

func TestSpreadLimit(t *testing.T) {
	g := testGovernor()
	params := Defaults()

	// mid = 10, spread ratio = 0.2 > 0.15
	chk := cleanCheck()
	chk.Bid = 9.0
	chk.Ask = 11.0
	assertRule(t, g, chk, params, RuleSpreadLimit)

	// 单边报价跳过点差检查
	chk.Bid = 0
	assertRule(t, g, chk, params, "")
}

func TestCircuitBreaker(t *testing.T) {
	g := testGovernor()
	params := Defaults()

	chk := cleanCheck()
	chk.RecentTradePnLs = []float64{-600, -750, -501}
	assertRule(t, g, chk, params, RuleCircuitBreaker)

	// 其中一笔亏损未到阈值,不触发
	chk.RecentTradePnLs = []float64{-600, -499, -750}
	assertRule(t, g, chk, params, "")

	chk.RecentTradePnLs = []float64{-600, -750}
	assertRule(t, g, chk, params, "")
}
