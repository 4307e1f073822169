package service

import (
	"context"
	"testing"
	"time"

	"github.com/fopgate/fopgate/internal/model"
	"github.com/fopgate/fopgate/internal/pkg/apperrors"
	"github.com/fopgate/fopgate/internal/repository"
	"github.com/stretchr/testify/require"
)

func newTestAudit(t *testing.T) *AuditService {
	t.Helper()
	audit, err := NewAuditService(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(audit.Close)
	return audit
}

func seedTrade(t *testing.T, store *repository.MemoryTradeStore, action string) *model.Trade {
	t.Helper()
	orderID := "1001"
	trade := &model.Trade{
		ClientID:   "tenant-1",
		Timestamp:  time.Now().UTC().Add(-time.Minute),
		Action:     action,
		Symbol:     "ES",
		Instrument: "FOP",
		Qty:        2,
		OrderID:    &orderID,
		Mode:       model.ModeConfirmation,
		Status:     model.TradeStatusSubmitted,
	}
	require.NoError(t, store.InsertTrade(context.Background(), trade))
	return trade
}

func TestIngestFillComputesSlippageAndUpdatesTrade(t *testing.T) {
	store := repository.NewMemoryTradeStore()
	svc := NewFillService(store, newTestAudit(t))
	trade := seedTrade(t, store, model.ActionBuy)

	expected := 10.0
	req := &FillIngestRequest{
		Status:        model.TradeStatusFilled,
		Qty:           2,
		FillPrice:     10.5,
		ExpectedPrice: &expected,
	}
	fill, err := svc.IngestFill(context.Background(), "tenant-1", trade.ID, req, "idem-1")
	require.NoError(t, err)

	// BUY paying above expected is adverse, so positive bps.
	require.NotNil(t, fill.SlippageBps)
	require.InDelta(t, 500.0, *fill.SlippageBps, 1e-9)

	updated, err := store.GetTrade(context.Background(), "tenant-1", trade.ID)
	require.NoError(t, err)
	require.Equal(t, model.TradeStatusFilled, updated.Status)
	require.NotNil(t, updated.FillPrice)
	require.InDelta(t, 10.5, *updated.FillPrice, 1e-9)
}

func TestIngestFillSellSlippageSign(t *testing.T) {
	store := repository.NewMemoryTradeStore()
	svc := NewFillService(store, newTestAudit(t))
	trade := seedTrade(t, store, model.ActionSell)

	expected := 10.0
	req := &FillIngestRequest{
		Status:        model.TradeStatusFilled,
		Qty:           2,
		FillPrice:     9.5,
		ExpectedPrice: &expected,
	}
	fill, err := svc.IngestFill(context.Background(), "tenant-1", trade.ID, req, "")
	require.NoError(t, err)

	// SELL below expected is adverse too.
	require.NotNil(t, fill.SlippageBps)
	require.InDelta(t, 500.0, *fill.SlippageBps, 1e-9)
}

func TestIngestFillIdempotentReplay(t *testing.T) {
	store := repository.NewMemoryTradeStore()
	svc := NewFillService(store, newTestAudit(t))
	trade := seedTrade(t, store, model.ActionBuy)

	req := &FillIngestRequest{Status: model.TradeStatusFilled, Qty: 2, FillPrice: 10.25}
	first, err := svc.IngestFill(context.Background(), "tenant-1", trade.ID, req, "dup-key")
	require.NoError(t, err)

	second, err := svc.IngestFill(context.Background(), "tenant-1", trade.ID, req, "dup-key")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	fills, err := svc.ListFills(context.Background(), "tenant-1", trade.ID, 100)
	require.NoError(t, err)
	require.Len(t, fills, 1)
}

func TestIngestFillBrokerFillIDDeduplicates(t *testing.T) {
	store := repository.NewMemoryTradeStore()
	svc := NewFillService(store, newTestAudit(t))
	trade := seedTrade(t, store, model.ActionBuy)

	brokerID := "bf-42"
	req := &FillIngestRequest{Status: model.TradeStatusFilled, Qty: 2, FillPrice: 10.25, BrokerFillID: &brokerID}

	first, err := svc.IngestFill(context.Background(), "tenant-1", trade.ID, req, "key-a")
	require.NoError(t, err)
	// 不同幂等键但同一个券商成交号,仍是同一条
	second, err := svc.IngestFill(context.Background(), "tenant-1", trade.ID, req, "key-b")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestIngestFillWeightedAverage(t *testing.T) {
	store := repository.NewMemoryTradeStore()
	svc := NewFillService(store, newTestAudit(t))
	trade := seedTrade(t, store, model.ActionBuy)

	_, err := svc.IngestFill(context.Background(), "tenant-1", trade.ID,
		&FillIngestRequest{Status: model.TradeStatusPartiallyFilled, Qty: 1, FillPrice: 10.0}, "k1")
	require.NoError(t, err)
	_, err = svc.IngestFill(context.Background(), "tenant-1", trade.ID,
		&FillIngestRequest{Status: model.TradeStatusFilled, Qty: 1, FillPrice: 12.0}, "k2")
	require.NoError(t, err)

	updated, err := store.GetTrade(context.Background(), "tenant-1", trade.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.FillPrice)
	require.InDelta(t, 11.0, *updated.FillPrice, 1e-9)
}

func TestIngestFillUnknownTrade(t *testing.T) {
	store := repository.NewMemoryTradeStore()
	svc := NewFillService(store, newTestAudit(t))

	_, err := svc.IngestFill(context.Background(), "tenant-1", 99,
		&FillIngestRequest{Status: model.TradeStatusFilled, Qty: 1, FillPrice: 10}, "")
	require.Error(t, err)
	appErr, ok := err.(*apperrors.AppError)
	require.True(t, ok)
	require.Equal(t, apperrors.ErrNotFound, appErr.Type)
}

func TestComputeSlippageBpsNilExpected(t *testing.T) {
	require.Nil(t, ComputeSlippageBps(model.ActionBuy, 10.5, nil))
	zero := 0.0
	require.Nil(t, ComputeSlippageBps(model.ActionBuy, 10.5, &zero))
}

func TestEstimateExpectedPricePrecedence(t *testing.T) {
	limit := 9.75
	fallback := 8.0

	got := EstimateExpectedPrice(model.ActionBuy, 10, 10.5, &limit, &fallback)
	require.NotNil(t, got)
	require.InDelta(t, 9.75, *got, 1e-9)

	got = EstimateExpectedPrice(model.ActionBuy, 10, 10.5, nil, &fallback)
	require.NotNil(t, got)
	require.InDelta(t, 10.25, *got, 1e-9)

	got = EstimateExpectedPrice(model.ActionBuy, 0, 10.5, nil, &fallback)
	require.NotNil(t, got)
	require.InDelta(t, 10.5, *got, 1e-9)

	got = EstimateExpectedPrice(model.ActionSell, 10, 0, nil, &fallback)
	require.NotNil(t, got)
	require.InDelta(t, 10.0, *got, 1e-9)

	got = EstimateExpectedPrice(model.ActionBuy, 0, 0, nil, &fallback)
	require.NotNil(t, got)
	require.InDelta(t, 8.0, *got, 1e-9)
}
