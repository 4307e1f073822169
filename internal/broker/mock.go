package broker

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/fopgate/fopgate/internal/model"
)

// MockBroker 本地开发与测试用的确定性券商。
// 成交价优先用限价，否则用固定的 10.25。
type MockBroker struct {
	mu        sync.Mutex
	positions []Position
	nextOrder int
	nextFill  int

	// Overridable for tests. When set they replace the built-in data.
	Chain      []ChainRow
	Market     *MarketData
	DefaultExp string
}

func NewMockBroker() *MockBroker {
	return &MockBroker{nextOrder: 1000, DefaultExp: "2026-03-20"}
}

func (m *MockBroker) GetPositions(ctx context.Context) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, len(m.positions))
	copy(out, m.positions)
	return out, nil
}

func (m *MockBroker) GetOptionsChain(ctx context.Context, symbol, expiry string) ([]ChainRow, error) {
	if m.Chain != nil {
		return m.Chain, nil
	}
	base := 5000.0
	if symbol != "ES" {
		base = 18000.0
	}
	exp := expiry
	if exp == "" {
		exp = m.DefaultExp
	}
	chain := make([]ChainRow, 0, 9)
	for offset := -4; offset <= 4; offset++ {
		strike := base + float64(offset)*50
		callDelta := round3(0.5 - float64(offset)*0.05)
		putDelta := round3(-0.5 - float64(offset)*0.05)
		gamma, theta, vega := 0.01, -0.06, 0.12
		mid := math.Max(2.0, 12.0-math.Abs(float64(offset))*2.0)
		chain = append(chain, ChainRow{
			Symbol:     symbol,
			Expiry:     exp,
			Strike:     strike,
			CallMid:    mid,
			PutMid:     mid,
			CallDelta:  &callDelta,
			PutDelta:   &putDelta,
			Gamma:      &gamma,
			Theta:      &theta,
			Vega:       &vega,
			Multiplier: 50,
			Exchange:   "CME",
		})
	}
	return chain, nil
}

func (m *MockBroker) GetMarketData(ctx context.Context, symbol string) (*MarketData, error) {
	if m.Market != nil {
		return m.Market, nil
	}
	underlying := 5000.0
	if symbol != "ES" {
		underlying = 18000.0
	}
	return &MarketData{
		UnderlyingPrice: underlying,
		Bid:             10.0,
		Ask:             10.5,
		IVRank:          45.0,
		IVPercentile:    58.0,
	}, nil
}

func (m *MockBroker) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextOrder++
	m.nextFill++

	fill := 10.25
	if req.LimitPrice != nil && *req.LimitPrice > 0 {
		fill = *req.LimitPrice
	}
	qty := req.Qty
	if req.Action == model.ActionSell {
		qty = -qty
	}
	m.positions = append(m.positions, Position{
		Symbol:     req.Symbol,
		Instrument: req.Instrument,
		Strike:     req.Strike,
		Expiry:     req.Expiry,
		Qty:        qty,
		AvgPrice:   fill,
	})

	now := time.Now().UTC()
	fillID := fmt.Sprintf("mock-fill-%d", m.nextFill)
	return &OrderResult{
		OrderID:       strconv.Itoa(m.nextOrder),
		Status:        model.TradeStatusFilled,
		FillPrice:     &fill,
		BrokerFillID:  &fillID,
		FillTimestamp: &now,
		Raw:           map[string]any{"source": "mock"},
	}, nil
}

func (m *MockBroker) SubmitComboOrder(ctx context.Context, symbol string, legs []model.OrderLeg, qty int, orderType string, limitPrice *float64, action string) (*OrderResult, error) {
	m.mu.Lock()
	m.nextOrder++
	m.nextFill++
	orderID := strconv.Itoa(m.nextOrder)
	fillID := fmt.Sprintf("mock-fill-%d", m.nextFill)
	m.mu.Unlock()

	fill := 0.0
	if limitPrice != nil {
		fill = *limitPrice
	}
	now := time.Now().UTC()
	return &OrderResult{
		OrderID:       orderID,
		Status:        model.TradeStatusFilled,
		FillPrice:     &fill,
		BrokerFillID:  &fillID,
		FillTimestamp: &now,
		Raw:           map[string]any{"source": "mock", "legs": len(legs), "qty": qty},
	}, nil
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
