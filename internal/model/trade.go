package model

import (
	"time"
)

// Trade statuses as reported by the broker / ledger.
const (
	TradeStatusSubmitted       = "submitted"
	TradeStatusFilled          = "filled"
	TradeStatusPartiallyFilled = "partially_filled"
	TradeStatusCompleted       = "completed"
	TradeStatusRejected        = "rejected"
)

// Trade 每次提交的订单对应一条 Trade 记录。
// 不变量: FillPrice 永远等于已记录 fills 的数量加权平均价。
type Trade struct {
	ID         int64     `json:"id" db:"id"`
	ClientID   string    `json:"client_id" db:"client_id"`
	Timestamp  time.Time `json:"timestamp" db:"timestamp"`
	Action     string    `json:"action" db:"action"`
	Symbol     string    `json:"symbol" db:"symbol"`
	Instrument string    `json:"instrument" db:"instrument"`
	Qty        int       `json:"qty" db:"qty"`
	FillPrice  *float64  `json:"fill_price" db:"fill_price"`
	OrderID    *string   `json:"order_id" db:"order_id"`
	Reasoning  string    `json:"reasoning" db:"reasoning"`
	Mode       string    `json:"mode" db:"mode"`
	Status     string    `json:"status" db:"status"`
	PnL        float64   `json:"pnl" db:"pnl"`
}

/// TradeFill 一次部分/全部成交事件。幂等键:
// (client_id, trade_id, ingest_idempotency_key) 和
// (client_id, trade_id, broker_fill_id) 各自唯一。
type TradeFill struct {
	ID             int64          `json:"id" db:"id"`
	ClientID       string         `json:"client_id" db:"client_id"`
	TradeID        int64          `json:"trade_id" db:"trade_id"`
	OrderID        *string        `json:"order_id" db:"order_id"`
	BrokerFillID   *string        `json:"broker_fill_id" db:"broker_fill_id"`
	IdempotencyKey *string        `json:"ingest_idempotency_key" db:"ingest_idempotency_key"`
	Status         string         `json:"status" db:"status"`
	Qty            int            `json:"qty" db:"qty"`
	FillPrice      float64        `json:"fill_price" db:"fill_price"`
	ExpectedPrice  *float64       `json:"expected_price" db:"expected_price"`
	SlippageBps    *float64       `json:"slippage_bps" db:"slippage_bps"`
	Fees           float64        `json:"fees" db:"fees"`
	RealizedPnL    *float64       `json:"realized_pnl" db:"realized_pnl"`
	FillTimestamp  time.Time      `json:"fill_timestamp" db:"fill_timestamp"`
	RawPayload     map[string]any `json:"raw_payload" db:"-"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
}
