package strategy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fopgate/fopgate/internal/broker"
	"github.com/fopgate/fopgate/internal/model"
	"github.com/fopgate/fopgate/internal/pkg/apperrors"
)

// 固定时钟:距 mock 券商默认到期日 2026-03-20 恰好 30 天。
func fixedClock() func() time.Time {
	return func() time.Time {
		return time.Date(2026, 2, 18, 15, 0, 0, 0, time.UTC)
	}
}

func ironFlyTemplate() *model.StrategyTemplate {
	return &model.StrategyTemplate{
		ID:                7,
		ClientID:          "client-1",
		Name:              "es-iron-fly",
		StrategyType:      model.StrategyIronFly,
		UnderlyingSymbol:  "ES",
		DTEMin:            20,
		DTEMax:            40,
		CenterDeltaTarget: 0.5,
		WingWidth:         100,
		MaxRiskPerTrade:   10000,
		SizingMethod:      model.SizingRiskBased,
		MaxContracts:      5,
	}
}

func TestResolveIronFly(t *testing.T) {
	r := NewResolver().WithClock(fixedClock())
	bk := broker.NewMockBroker()

	resolved, err := r.Resolve(context.Background(), ironFlyTemplate(), bk)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	if resolved.Expiry != "2026-03-20" || resolved.DTE != 30 {
		t.Fatalf("unexpected expiry selection: %s (%dd)", resolved.Expiry, resolved.DTE)
	}
	if resolved.CenterStrike != 5000 {
		t.Fatalf("expected center at delta 0.5 strike 5000, got %v", resolved.CenterStrike)
	}
	// 中心腿 call/put mid 均为 12,两翼(±100)为 8:权利金 24-16=8。
	if resolved.NetPremium != 8 {
		t.Fatalf("expected net premium 8, got %v", resolved.NetPremium)
	}
	// 每张最大亏损 (100-8)*50=4600,风险预算 10000 → 2 张。
	if resolved.Contracts != 2 {
		t.Fatalf("expected 2 contracts, got %d", resolved.Contracts)
	}
	if resolved.MaxRisk != 9200 {
		t.Fatalf("expected max risk 9200, got %v", resolved.MaxRisk)
	}
	if resolved.NetDelta != 0 {
		t.Fatalf("expected flat delta structure, got %v", resolved.NetDelta)
	}

	if len(resolved.Legs) != 4 {
		t.Fatalf("iron fly should have 4 legs, got %d", len(resolved.Legs))
	}
	wantLegs := []struct {
		action, right string
		strike        float64
	}{
		{"BUY", "P", 4900},
		{"SELL", "P", 5000},
		{"SELL", "C", 5000},
		{"BUY", "C", 5100},
	}
	for i, want := range wantLegs {
		leg := resolved.Legs[i]
		if leg.Action != want.action || leg.Right != want.right || *leg.Strike != want.strike {
			t.Fatalf("leg %d = %s %s %v, want %s %s %v",
				i, leg.Action, leg.Right, *leg.Strike, want.action, want.right, want.strike)
		}
	}

	// 到期曲线在中心点:payoff 0,PnL = premium*mult*contracts。
	if len(resolved.PnLCurve) != 5 {
		t.Fatalf("expected 5 curve points, got %d", len(resolved.PnLCurve))
	}
	center := resolved.PnLCurve[2]
	if center.Underlying != 5000 || center.PnL != 800 {
		t.Fatalf("expected (5000, 800) at the center point, got (%v, %v)", center.Underlying, center.PnL)
	}
}

func TestResolveButterflyFixedContracts(t *testing.T) {
	r := NewResolver().WithClock(fixedClock())
	bk := broker.NewMockBroker()

	tpl := ironFlyTemplate()
	tpl.StrategyType = model.StrategyButterfly
	tpl.SizingMethod = model.SizingFixedContracts
	tpl.MaxContracts = 3

	resolved, err := r.Resolve(context.Background(), tpl, bk)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolved.Contracts != 1 {
		t.Fatalf("fixed sizing should keep 1 contract, got %d", resolved.Contracts)
	}
	// 蝶式仅用 call:权利金 (8+8)-2*12 = -8(净收权利金的链数据)。
	if resolved.NetPremium != -8 {
		t.Fatalf("expected net premium -8, got %v", resolved.NetPremium)
	}
	if len(resolved.Legs) != 3 {
		t.Fatalf("butterfly should have 3 legs, got %d", len(resolved.Legs))
	}
	if resolved.Legs[1].Ratio != 2 || resolved.Legs[1].Action != "SELL" {
		t.Fatalf("middle leg should be SELL x2, got %s x%d", resolved.Legs[1].Action, resolved.Legs[1].Ratio)
	}
}

func TestResolveBrokenWingUpperTarget(t *testing.T) {
	r := NewResolver().WithClock(fixedClock())
	bk := broker.NewMockBroker()

	tpl := ironFlyTemplate()
	tpl.StrategyType = model.StrategyBrokenWingButterfly
	tpl.SizingMethod = model.SizingFixedContracts
	tpl.MaxRiskPerTrade = 20000

	resolved, err := r.Resolve(context.Background(), tpl, bk)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	// 上翼目标 = center + 1.5*100 = 5150,链上恰好有该行权价。
	if *resolved.Legs[0].Strike != 4900 || *resolved.Legs[2].Strike != 5150 {
		t.Fatalf("expected wings 4900/5150, got %v/%v", *resolved.Legs[0].Strike, *resolved.Legs[2].Strike)
	}
}

func TestResolveNoExpiryInRange(t *testing.T) {
	r := NewResolver().WithClock(fixedClock())
	bk := broker.NewMockBroker()

	tpl := ironFlyTemplate()
	tpl.DTEMin = 60
	tpl.DTEMax = 90

	_, err := r.Resolve(context.Background(), tpl, bk)
	if err == nil {
		t.Fatal("expected resolution failure for out-of-range DTE window")
	}
	appErr, ok := err.(*apperrors.AppError)
	if !ok || appErr.Type != apperrors.ErrResolution {
		t.Fatalf("expected resolution error, got %v", err)
	}
	if !strings.Contains(appErr.Message, "2026-03-20 (30d)") {
		t.Fatalf("error should list available expiries, got %q", appErr.Message)
	}
}

func TestResolveOneSidedStrikes(t *testing.T) {
	r := NewResolver().WithClock(fixedClock())
	bk := broker.NewMockBroker()

	delta05, delta04 := 0.5, 0.4
	pdelta := -0.5
	g, th, v := 0.01, -0.06, 0.12
	row := func(strike float64, callDelta *float64) broker.ChainRow {
		return broker.ChainRow{
			Symbol: "ES", Expiry: "2026-03-20", Strike: strike,
			CallMid: 10, PutMid: 10,
			CallDelta: callDelta, PutDelta: &pdelta,
			Gamma: &g, Theta: &th, Vega: &v,
			Multiplier: 50,
		}
	}
	// 中心之上没有任何行权价。
	bk.Chain = []broker.ChainRow{row(5000, &delta05), row(4900, &delta04)}

	_, err := r.Resolve(context.Background(), ironFlyTemplate(), bk)
	if err == nil {
		t.Fatal("expected wing construction failure")
	}
	if !strings.Contains(err.Error(), "Need strikes both below and above center") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestResolveMissingGreeks(t *testing.T) {
	r := NewResolver().WithClock(fixedClock())
	bk := broker.NewMockBroker()

	chain, _ := broker.NewMockBroker().GetOptionsChain(context.Background(), "ES", "")
	for i := range chain {
		chain[i].PutDelta = nil
	}
	bk.Chain = chain

	_, err := r.Resolve(context.Background(), ironFlyTemplate(), bk)
	if err == nil || !strings.Contains(err.Error(), "Greeks unavailable for selected contracts") {
		t.Fatalf("expected greeks failure, got %v", err)
	}
}

func TestResolveRiskExceedsBudget(t *testing.T) {
	r := NewResolver().WithClock(fixedClock())
	bk := broker.NewMockBroker()

	tpl := ironFlyTemplate()
	tpl.MaxRiskPerTrade = 1000 // 一张就要 4600

	_, err := r.Resolve(context.Background(), tpl, bk)
	if err == nil || !strings.Contains(err.Error(), "exceeds max_risk_per_trade") {
		t.Fatalf("expected risk budget failure, got %v", err)
	}
}

func TestParseExpiryDate(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"2026-03-20", "2026-03-20", true},
		{"2026/03/20", "2026-03-20", true},
		{"20260320", "2026-03-20", true},
		{"ES FOP 20260320 C5000", "2026-03-20", true},
		{"202603", "2026-03-31", true},
		{"garbage", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		got, ok := parseExpiryDate(c.in)
		if ok != c.ok {
			t.Fatalf("parseExpiryDate(%q) ok=%v want %v", c.in, ok, c.ok)
		}
		if ok && got.Format("2006-01-02") != c.want {
			t.Fatalf("parseExpiryDate(%q)=%s want %s", c.in, got.Format("2006-01-02"), c.want)
		}
	}
}
