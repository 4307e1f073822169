package strategy

import (
	"testing"

	"github.com/fopgate/fopgate/internal/model"
	"github.com/fopgate/fopgate/internal/pkg/apperrors"
	"github.com/fopgate/fopgate/internal/risk"
)

func TestValidateTradePayloadDefaultStrategy(t *testing.T) {
	reg := NewRegistry()
	intent := &model.TradeIntent{Action: "BUY", Symbol: "ES", Instrument: "FOP", Qty: 1}

	spec, appErr := reg.ValidateTradePayload(intent)
	if appErr != nil {
		t.Fatalf("expected pass, got %v", appErr)
	}
	if spec.StrategyID != "delta_rebalance_single" {
		t.Fatalf("expected default strategy, got %s", spec.StrategyID)
	}
}

func TestValidateTradePayloadUnknownStrategy(t *testing.T) {
	reg := NewRegistry()
	intent := &model.TradeIntent{Action: "BUY", Symbol: "ES", Qty: 1, StrategyID: "yolo_naked_calls"}

	_, appErr := reg.ValidateTradePayload(intent)
	if appErr == nil {
		t.Fatal("expected rejection for unknown strategy")
	}
	if appErr.Rule != risk.RuleStrategyPolicy {
		t.Fatalf("expected STRATEGY_POLICY rule, got %s", appErr.Rule)
	}
	if appErr.Type != apperrors.ErrRiskReject {
		t.Fatalf("expected risk reject type, got %s", appErr.Type)
	}
}

func TestValidateTradePayloadLegCount(t *testing.T) {
	reg := NewRegistry()
	leg := model.OrderLeg{Action: "BUY", Symbol: "ES", Instrument: "FOP"}
	intent := &model.TradeIntent{
		Action: "BUY", Symbol: "ES", Qty: 1, StrategyID: "vertical_spread",
		Legs: []model.OrderLeg{leg, leg, leg},
	}

	if _, appErr := reg.ValidateTradePayload(intent); appErr == nil {
		t.Fatal("expected rejection for three legs on a two-leg strategy")
	}
}

func TestValidateTradePayloadSymbolAndInstrument(t *testing.T) {
	reg := NewRegistry()

	intent := &model.TradeIntent{Action: "BUY", Symbol: "AAPL", Instrument: "FOP", Qty: 1}
	if _, appErr := reg.ValidateTradePayload(intent); appErr == nil {
		t.Fatal("expected rejection for non-futures symbol")
	}

	intent = &model.TradeIntent{
		Action: "BUY", Symbol: "ES", Qty: 1, StrategyID: "vertical_spread",
		Legs: []model.OrderLeg{
			{Action: "BUY", Symbol: "ES", Instrument: "FUT"},
			{Action: "SELL", Symbol: "ES", Instrument: "FOP"},
		},
	}
	if _, appErr := reg.ValidateTradePayload(intent); appErr == nil {
		t.Fatal("expected rejection for FUT leg on an options-only strategy")
	}
}

func TestValidateTradePayloadDefinedRisk(t *testing.T) {
	reg := NewRegistry()
	strike1, strike2 := 5000.0, 5100.0

	// 两腿同向(全卖)不算 defined risk。
	intent := &model.TradeIntent{
		Action: "SELL", Symbol: "ES", Qty: 1, StrategyID: "vertical_spread",
		Legs: []model.OrderLeg{
			{Action: "SELL", Symbol: "ES", Instrument: "FOP", Strike: &strike1, Right: "C"},
			{Action: "SELL", Symbol: "ES", Instrument: "FOP", Strike: &strike2, Right: "C"},
		},
	}
	if _, appErr := reg.ValidateTradePayload(intent); appErr == nil {
		t.Fatal("expected rejection: all-sell legs are not defined risk")
	}

	intent.Legs[1].Action = "BUY"
	if _, appErr := reg.ValidateTradePayload(intent); appErr != nil {
		t.Fatalf("expected buy+sell spread to pass, got %v", appErr)
	}
}

func TestValidateTradePayloadWithProfileTierAllowlist(t *testing.T) {
	reg := NewRegistry()
	profile := Profile{
		StrategyID:     "iron_condor",
		AllowedSymbols: []string{"ES"},
		TierAllowlist:  []string{"pro", "institutional"},
		MaxLegs:        4,
	}
	intent := &model.TradeIntent{Action: "BUY", Symbol: "ES", Instrument: "FOP", Qty: 1}

	if _, appErr := reg.ValidateTradePayloadWithProfile(intent, profile, "basic"); appErr == nil {
		t.Fatal("expected rejection for tier outside allowlist")
	}
	if _, appErr := reg.ValidateTradePayloadWithProfile(intent, profile, "PRO"); appErr != nil {
		t.Fatalf("tier match should be case-insensitive, got %v", appErr)
	}
}

func TestValidateTradePayloadWithProfileAssetClass(t *testing.T) {
	reg := NewRegistry()
	profile := Profile{
		StrategyID:          "delta_rebalance_single",
		AllowedSymbols:      []string{"ES", "NQ"},
		AllowedAssetClasses: []string{"fop"},
		MaxLegs:             1,
	}
	intent := &model.TradeIntent{Action: "BUY", Symbol: "ES", Instrument: "FUT", Qty: 1}

	if _, appErr := reg.ValidateTradePayloadWithProfile(intent, profile, ""); appErr == nil {
		t.Fatal("expected rejection: futures leg against fop-only profile")
	}

	intent.Instrument = "OPT"
	if _, appErr := reg.ValidateTradePayloadWithProfile(intent, profile, ""); appErr != nil {
		t.Fatalf("OPT should map to fop asset class, got %v", appErr)
	}
}

func TestInstrumentToAssetClass(t *testing.T) {
	cases := map[string]string{
		"FOP": "fop", "OPT": "fop", "option": "fop",
		"FUT": "future", "future": "future",
		"BAG": "unknown", "": "unknown",
	}
	for in, want := range cases {
		if got := instrumentToAssetClass(in); got != want {
			t.Fatalf("instrumentToAssetClass(%q)=%q want %q", in, got, want)
		}
	}
}
