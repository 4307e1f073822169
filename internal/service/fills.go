package service

import (
	"context"
	"strings"
	"time"

	"github.com/fopgate/fopgate/internal/broker"
	"github.com/fopgate/fopgate/internal/model"
	"github.com/fopgate/fopgate/internal/pkg/apperrors"
	"github.com/fopgate/fopgate/internal/pkg/metrics"
	"github.com/fopgate/fopgate/internal/repository"
	"github.com/shopspring/decimal"
)

// TradeStore 是成交账本的持久化面。Postgres 实现在 repository 包,
// 测试用内存 fake。
type TradeStore interface {
	InsertTrade(ctx context.Context, t *model.Trade) error
	GetTrade(ctx context.Context, clientID string, tradeID int64) (*model.Trade, error)
	ListTrades(ctx context.Context, clientID string, limit int) ([]*model.Trade, error)
	ListTradesWindow(ctx context.Context, clientID string, from, to *time.Time, limit int) ([]*model.Trade, error)
	UpdateTradeAfterFill(ctx context.Context, clientID string, tradeID int64, status string, fillPrice float64, pnl *float64) error
	InsertFill(ctx context.Context, f *model.TradeFill) error
	FindFill(ctx context.Context, clientID string, tradeID int64, idempotencyKey, brokerFillID *string) (*model.TradeFill, error)
	ListFills(ctx context.Context, clientID string, tradeID int64, limit int) ([]*model.TradeFill, error)
	ListFillsForTrades(ctx context.Context, clientID string, tradeIDs []int64, from, to *time.Time) ([]*model.TradeFill, error)
}

// FillIngestRequest 成交回报的入账请求体。
type FillIngestRequest struct {
	Status         string         `json:"status" binding:"required"`
	Qty            int            `json:"qty" binding:"required"`
	FillPrice      float64        `json:"fill_price" binding:"required"`
	ExpectedPrice  *float64       `json:"expected_price,omitempty"`
	Fees           float64        `json:"fees,omitempty"`
	RealizedPnL    *float64       `json:"realized_pnl,omitempty"`
	FillTimestamp  *time.Time     `json:"fill_timestamp,omitempty"`
	BrokerFillID   *string        `json:"broker_fill_id,omitempty"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	RawPayload     map[string]any `json:"raw_payload,omitempty"`
}

// FillService 负责成交回报入账与账本一致性。
type FillService struct {
	store TradeStore
	audit *AuditService
}

func NewFillService(store TradeStore, audit *AuditService) *FillService {
	return &FillService{store: store, audit: audit}
}

// IngestFill 幂等入账一条成交。重复投递(同幂等键或同券商成交号)
// 返回已存在的记录,绝不落第二行。
func (s *FillService) IngestFill(ctx context.Context, clientID string, tradeID int64, req *FillIngestRequest, headerIdempotencyKey string) (*model.TradeFill, error) {
	trade, err := s.store.GetTrade(ctx, clientID, tradeID)
	if err != nil {
		if err == repository.ErrTradeNotFound {
			return nil, apperrors.NewNotFound("Trade not found")
		}
		return nil, err
	}

	idemKey := normalizeOptionalText(firstNonEmpty(headerIdempotencyKey, derefString(req.IdempotencyKey)))
	brokerFillID := normalizeOptionalText(derefString(req.BrokerFillID))

	if existing, err := s.store.FindFill(ctx, clientID, tradeID, idemKey, brokerFillID); err != nil {
		return nil, err
	} else if existing != nil {
		metrics.FillsIngested.WithLabelValues("duplicate").Inc()
		return existing, nil
	}

	existingFills, err := s.store.ListFills(ctx, clientID, tradeID, 1000)
	if err != nil {
		return nil, err
	}

	expectedPrice := req.ExpectedPrice
	if expectedPrice == nil {
		expectedPrice = trade.FillPrice
	}
	slippage := ComputeSlippageBps(trade.Action, req.FillPrice, expectedPrice)

	fillTS := time.Now().UTC()
	if req.FillTimestamp != nil {
		fillTS = req.FillTimestamp.UTC()
	}

	fill := &model.TradeFill{
		ClientID:       clientID,
		TradeID:        tradeID,
		OrderID:        trade.OrderID,
		BrokerFillID:   brokerFillID,
		IdempotencyKey: idemKey,
		Status:         req.Status,
		Qty:            req.Qty,
		FillPrice:      req.FillPrice,
		ExpectedPrice:  expectedPrice,
		SlippageBps:    slippage,
		Fees:           req.Fees,
		RealizedPnL:    req.RealizedPnL,
		FillTimestamp:  fillTS,
		RawPayload:     req.RawPayload,
	}

	if err := s.store.InsertFill(ctx, fill); err != nil {
		if err == repository.ErrDuplicateFill {
			// 并发投递输给了唯一索引,把赢家查出来返回
			existing, ferr := s.store.FindFill(ctx, clientID, tradeID, idemKey, brokerFillID)
			if ferr == nil && existing != nil {
				metrics.FillsIngested.WithLabelValues("duplicate").Inc()
				return existing, nil
			}
			return nil, apperrors.New(apperrors.ErrConflict, "Duplicate fill ingest conflict", err)
		}
		return nil, err
	}

	avgPrice := WeightedAvgFillPrice(existingFills, fill)
	if err := s.store.UpdateTradeAfterFill(ctx, clientID, tradeID, req.Status, avgPrice, req.RealizedPnL); err != nil {
		return nil, err
	}

	metrics.FillsIngested.WithLabelValues("ingested").Inc()
	s.audit.Emit(clientID, model.EventFillIngested, "", map[string]any{
		"trade_id":        tradeID,
		"order_id":        derefString(trade.OrderID),
		"status":          req.Status,
		"qty":             req.Qty,
		"fill_price":      req.FillPrice,
		"slippage_bps":    derefFloat(slippage),
		"broker_fill_id":  derefString(brokerFillID),
		"idempotency_key": derefString(idemKey),
	})
	return fill, nil
}

func (s *FillService) ListFills(ctx context.Context, clientID string, tradeID int64, limit int) ([]*model.TradeFill, error) {
	if _, err := s.store.GetTrade(ctx, clientID, tradeID); err != nil {
		if err == repository.ErrTradeNotFound {
			return nil, apperrors.NewNotFound("Trade not found")
		}
		return nil, err
	}
	return s.store.ListFills(ctx, clientID, tradeID, limit)
}

/// ComputeSlippageBps 符号约定:正值永远意味着对我们不利。
// BUY 成交价高于预期为正,SELL 成交价低于预期为正。
func ComputeSlippageBps(action string, fillPrice float64, expectedPrice *float64) *float64 {
	if expectedPrice == nil || *expectedPrice <= 0 {
		return nil
	}
	fill := decimal.NewFromFloat(fillPrice)
	expected := decimal.NewFromFloat(*expectedPrice)
	raw, _ := fill.Sub(expected).Div(expected).Mul(decimal.NewFromInt(10000)).Float64()
	if strings.ToUpper(action) == model.ActionSell {
		raw = -raw
	}
	return &raw
}

// EstimateExpectedPrice 限价 > 盘口中间价 > 单边报价 > 兜底价。
func EstimateExpectedPrice(action string, bid, ask float64, limitPrice, fallbackPrice *float64) *float64 {
	if limitPrice != nil && *limitPrice > 0 {
		v := *limitPrice
		return &v
	}
	if bid > 0 && ask > 0 {
		v := (bid + ask) / 2.0
		return &v
	}
	upper := strings.ToUpper(action)
	if upper == model.ActionBuy && ask > 0 {
		v := ask
		return &v
	}
	if upper == model.ActionSell && bid > 0 {
		v := bid
		return &v
	}
	if fallbackPrice != nil && *fallbackPrice > 0 {
		v := *fallbackPrice
		return &v
	}
	return nil
}

// BuildFillFromOrder 从券商下单应答直接构造一条成交。未成交的应答
// (FillPrice 缺失或非正)返回 nil。
func BuildFillFromOrder(clientID string, tradeID int64, orderID *string, action string, qty int, result *broker.OrderResult, expectedPrice *float64) *model.TradeFill {
	if result == nil || result.FillPrice == nil || *result.FillPrice <= 0 {
		return nil
	}
	if expectedPrice == nil {
		expectedPrice = result.ExpectedPrice
	}
	slippage := ComputeSlippageBps(action, *result.FillPrice, expectedPrice)

	status := result.Status
	if status == "" {
		status = model.TradeStatusFilled
	}
	fillQty := qty
	if fillQty < 0 {
		fillQty = -fillQty
	}
	if fillQty == 0 {
		fillQty = 1
	}
	fillTS := time.Now().UTC()
	if result.FillTimestamp != nil {
		fillTS = result.FillTimestamp.UTC()
	}
	raw := result.Raw
	if raw == nil {
		raw = map[string]any{
			"order_id":   result.OrderID,
			"status":     result.Status,
			"fill_price": *result.FillPrice,
		}
	}
	return &model.TradeFill{
		ClientID:      clientID,
		TradeID:       tradeID,
		OrderID:       orderID,
		BrokerFillID:  result.BrokerFillID,
		Status:        status,
		Qty:           fillQty,
		FillPrice:     *result.FillPrice,
		ExpectedPrice: expectedPrice,
		SlippageBps:   slippage,
		Fees:          result.Fees,
		RealizedPnL:   result.RealizedPnL,
		FillTimestamp: fillTS,
		RawPayload:    raw,
	}
}

// WeightedAvgFillPrice 已有 fills 加上新 fill 的数量加权均价。
func WeightedAvgFillPrice(existing []*model.TradeFill, latest *model.TradeFill) float64 {
	totalQty := latest.Qty
	totalNotional := latest.FillPrice * float64(latest.Qty)
	for _, f := range existing {
		totalQty += f.Qty
		totalNotional += f.FillPrice * float64(f.Qty)
	}
	if totalQty <= 0 {
		return latest.FillPrice
	}
	return totalNotional / float64(totalQty)
}

func normalizeOptionalText(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
