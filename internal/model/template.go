package model

import (
	"time"
)

// Supported structure shapes for strategy templates.
const (
	StrategyButterfly           = "butterfly"
	StrategyIronFly             = "iron_fly"
	StrategyBrokenWingButterfly = "broken_wing_butterfly"

	SizingRiskBased      = "risk_based"
	SizingFixedContracts = "fixed_contracts"
)

// StrategyTemplate 租户持有的持久化策略模板。只读输入给 resolver；
// 解析结果永远不缓存，因为行情在两次调用之间会变。
type StrategyTemplate struct {
	ID                int64     `json:"id" db:"id"`
	ClientID          string    `json:"client_id" db:"client_id"`
	Name              string    `json:"name" db:"name"`
	StrategyType      string    `json:"strategy_type" db:"strategy_type"`
	UnderlyingSymbol  string    `json:"underlying_symbol" db:"underlying_symbol"`
	DTEMin            int       `json:"dte_min" db:"dte_min"`
	DTEMax            int       `json:"dte_max" db:"dte_max"`
	CenterDeltaTarget float64   `json:"center_delta_target" db:"center_delta_target"`
	WingWidth         float64   `json:"wing_width" db:"wing_width"`
	MaxRiskPerTrade   float64   `json:"max_risk_per_trade" db:"max_risk_per_trade"`
	SizingMethod      string    `json:"sizing_method" db:"sizing_method"`
	MaxContracts      int       `json:"max_contracts" db:"max_contracts"`
	HedgeEnabled      bool      `json:"hedge_enabled" db:"hedge_enabled"`
	AutoExecute       bool      `json:"auto_execute" db:"auto_execute"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// Greeks are quantity-weighted sensitivity sums across a structure.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
}

// PnLPoint 到期盈亏曲线上的一个采样点。
type PnLPoint struct {
	Underlying float64 `json:"underlying"`
	PnL        float64 `json:"pnl"`
}

// ResolvedStrategy 是 resolver 针对当前期权链得出的临时结果。
type ResolvedStrategy struct {
	TemplateID   int64      `json:"template_id"`
	StrategyType string     `json:"strategy_type"`
	Expiry       string     `json:"expiry"`
	DTE          int        `json:"dte"`
	CenterStrike float64    `json:"center_strike"`
	NetPremium   float64    `json:"estimated_net_premium"`
	MaxRisk      float64    `json:"estimated_max_risk"`
	NetDelta     float64    `json:"estimated_net_delta"`
	Contracts    int        `json:"contracts"`
	Greeks       Greeks     `json:"greeks"`
	PnLCurve     []PnLPoint `json:"pnl_curve"`
	Legs         []OrderLeg `json:"legs"`
}
