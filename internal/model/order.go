package model

// Order actions and instrument codes accepted on the wire.
const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"

	InstrumentFOP = "FOP"
	InstrumentFUT = "FUT"
	InstrumentBAG = "BAG" // combo order wrapping multiple legs
)

// OrderLeg 单条腿。多腿策略的 TradeIntent.Legs 为非空列表；
// 单腿下单则由 NormalizedLegs 把整个 intent 折算成一条腿。
type OrderLeg struct {
	Action       string   `json:"action"` // BUY or SELL
	Ratio        int      `json:"ratio,omitempty"`
	Symbol       string   `json:"symbol"`
	Instrument   string   `json:"instrument"`
	Qty          int      `json:"qty,omitempty"`
	Strike       *float64 `json:"strike,omitempty"`
	Expiry       string   `json:"expiry,omitempty"`
	Right        string   `json:"right,omitempty"` // C or P
	Exchange     string   `json:"exchange,omitempty"`
	TradingClass string   `json:"trading_class,omitempty"`
	Multiplier   string   `json:"multiplier,omitempty"`
	Delta        float64  `json:"delta,omitempty"`
	MidPrice     float64  `json:"mid_price,omitempty"`
}

// TradeIntent represents the incoming JSON body for a trade request.
// A single-leg intent is the degenerate case of an empty Legs list.
type TradeIntent struct {
	Action     string     `json:"action" binding:"required,oneof=BUY SELL"`
	Symbol     string     `json:"symbol" binding:"required"`
	Instrument string     `json:"instrument,omitempty"`
	Qty        int        `json:"qty" binding:"required"`
	OrderType  string     `json:"order_type,omitempty"` // MKT/LMT
	LimitPrice *float64   `json:"limit_price,omitempty"`
	Strike     *float64   `json:"strike,omitempty"`
	Expiry     string     `json:"expiry,omitempty"`
	Right      string     `json:"right,omitempty"`
	StrategyID string     `json:"strategy_id,omitempty"`
	// 单位合约的 delta 估计,用于预测下单后的净 delta。缺省按 0.5。
	DeltaEstimate *float64   `json:"delta_estimate,omitempty"`
	Legs          []OrderLeg `json:"legs,omitempty"`
	Reasoning     string     `json:"reasoning,omitempty"`
}

// NormalizedLegs 腿提取的唯一入口：显式 Legs 优先，否则整个 intent 算一条腿。
func (t *TradeIntent) NormalizedLegs() []OrderLeg {
	if len(t.Legs) > 0 {
		out := make([]OrderLeg, 0, len(t.Legs))
		for _, leg := range t.Legs {
			if leg.Symbol == "" {
				leg.Symbol = t.Symbol
			}
			if leg.Instrument == "" {
				leg.Instrument = t.defaultInstrument()
			}
			out = append(out, leg)
		}
		return out
	}
	return []OrderLeg{{
		Action:     t.Action,
		Symbol:     t.Symbol,
		Instrument: t.defaultInstrument(),
		Qty:        t.Qty,
		Strike:     t.Strike,
		Expiry:     t.Expiry,
		Right:      t.Right,
	}}
}

func (t *TradeIntent) defaultInstrument() string {
	if t.Instrument == "" {
		return InstrumentFOP
	}
	return t.Instrument
}
