// Package broker defines the opaque collaborator capability the execution
// core consumes. Wire protocols, auth and retry/backoff are the adapter's
// concern; the pipeline itself never retries.
package broker

import (
	"context"
	"time"

	"github.com/fopgate/fopgate/internal/model"
)

// Position 券商侧的一条持仓腿。
type Position struct {
	Symbol     string   `json:"symbol"`
	Instrument string   `json:"instrument_type"`
	Strike     *float64 `json:"strike,omitempty"`
	Expiry     string   `json:"expiry,omitempty"`
	Qty        int      `json:"qty"`
	Delta      float64  `json:"delta"`
	Gamma      float64  `json:"gamma"`
	Theta      float64  `json:"theta"`
	Vega       float64  `json:"vega"`
	AvgPrice   float64  `json:"avg_price"`
}

// MarketData is the quote snapshot for an underlying.
type MarketData struct {
	UnderlyingPrice float64 `json:"underlying_price"`
	Bid             float64 `json:"bid"`
	Ask             float64 `json:"ask"`
	IVRank          float64 `json:"iv_rank"`
	IVPercentile    float64 `json:"iv_percentile"`
}

// ChainRow 期权链里一个 (expiry, strike) 的快照。可空的希腊值用指针表达,
// resolver 依赖 nil 与 0 的区别来判断数据是否缺失。
type ChainRow struct {
	Symbol       string   `json:"symbol"`
	Expiry       string   `json:"expiry"`
	Strike       float64  `json:"strike"`
	CallBid      float64  `json:"call_bid"`
	CallAsk      float64  `json:"call_ask"`
	CallMid      float64  `json:"call_mid"`
	PutBid       float64  `json:"put_bid"`
	PutAsk       float64  `json:"put_ask"`
	PutMid       float64  `json:"put_mid"`
	CallDelta    *float64 `json:"call_delta"`
	PutDelta     *float64 `json:"put_delta"`
	Gamma        *float64 `json:"gamma"`
	Theta        *float64 `json:"theta"`
	Vega         *float64 `json:"vega"`
	Multiplier   float64  `json:"multiplier,omitempty"`
	Exchange     string   `json:"exchange,omitempty"`
	TradingClass string   `json:"trading_class,omitempty"`
}

// Mid 按 mid > (bid+ask)/2 > 0 的顺序取一侧的中间价。
func (r ChainRow) Mid(right string) float64 {
	var bid, ask, mid float64
	if right == "P" {
		bid, ask, mid = r.PutBid, r.PutAsk, r.PutMid
	} else {
		bid, ask, mid = r.CallBid, r.CallAsk, r.CallMid
	}
	if mid > 0 {
		return mid
	}
	if bid > 0 && ask > 0 {
		return (bid + ask) / 2
	}
	return 0
}

// OrderRequest identifies a single contract to trade.
type OrderRequest struct {
	Symbol     string
	Instrument string
	Strike     *float64
	Expiry     string
	Right      string
	Action     string
	Qty        int
	OrderType  string
	LimitPrice *float64
}

// OrderResult 券商对一次提交的应答。FillPrice 为 nil 表示尚未成交。
type OrderResult struct {
	OrderID       string         `json:"order_id"`
	Status        string         `json:"status"`
	FillPrice     *float64       `json:"fill_price,omitempty"`
	ExpectedPrice *float64       `json:"expected_price,omitempty"`
	BrokerFillID  *string        `json:"broker_fill_id,omitempty"`
	RealizedPnL   *float64       `json:"realized_pnl,omitempty"`
	Fees          float64        `json:"fees,omitempty"`
	FillTimestamp *time.Time     `json:"fill_timestamp,omitempty"`
	Raw           map[string]any `json:"raw_payload,omitempty"`
}

// Broker is the capability surface the pipeline depends on.
type Broker interface {
	GetPositions(ctx context.Context) ([]Position, error)
	GetOptionsChain(ctx context.Context, symbol, expiry string) ([]ChainRow, error)
	GetMarketData(ctx context.Context, symbol string) (*MarketData, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	SubmitComboOrder(ctx context.Context, symbol string, legs []model.OrderLeg, qty int, orderType string, limitPrice *float64, action string) (*OrderResult, error)
}
