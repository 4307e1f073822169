// Package market consumes the broker-side market/user data feeds.
// Only the fill channel is wired in; quote channels stay with the
// broker adapter itself.
package market

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fopgate/fopgate/internal/pkg/logger"
	"github.com/fopgate/fopgate/internal/service"
	"github.com/gorilla/websocket"
)

// FillStream 订阅券商成交推送并回放进账本。入账走和 REST 相同的
// 幂等路径,所以推送与 HTTP 重复投递同一笔成交也只会落一行。
type FillStream struct {
	url   string
	fills *service.FillService
	stop  chan struct{}
}

type fillEvent struct {
	EventType     string     `json:"event_type"`
	ClientID      string     `json:"client_id"`
	TradeID       int64      `json:"trade_id"`
	BrokerFillID  string     `json:"broker_fill_id"`
	Status        string     `json:"status"`
	Qty           int        `json:"qty"`
	FillPrice     float64    `json:"fill_price"`
	ExpectedPrice *float64   `json:"expected_price"`
	Fees          float64    `json:"fees"`
	RealizedPnL   *float64   `json:"realized_pnl"`
	FillTimestamp *time.Time `json:"fill_timestamp"`
}

func NewFillStream(url string, fills *service.FillService) *FillStream {
	return &FillStream{url: url, fills: fills, stop: make(chan struct{})}
}

func (s *FillStream) Start() {
	go s.run()
}

func (s *FillStream) Close() {
	close(s.stop)
}

func (s *FillStream) run() {
	backoff := time.Second
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		if err := s.connectAndRead(); err != nil {
			logger.Warn("fill stream disconnected", "url", s.url, "error", err.Error())
		}

		select {
		case <-s.stop:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func (s *FillStream) connectAndRead() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := map[string]any{
		"type":    "subscribe",
		"channel": "fills",
	}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	logger.Info("fill stream connected", "url", s.url)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.stop:
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(msg)
	}
}

func (s *FillStream) handleMessage(raw []byte) {
	var ev fillEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		logger.Warn("dropping malformed fill event", "error", err.Error())
		return
	}
	if ev.EventType != "fill" || ev.TradeID == 0 || ev.ClientID == "" {
		return
	}

	req := &service.FillIngestRequest{
		Status:        ev.Status,
		Qty:           ev.Qty,
		FillPrice:     ev.FillPrice,
		ExpectedPrice: ev.ExpectedPrice,
		Fees:          ev.Fees,
		RealizedPnL:   ev.RealizedPnL,
		FillTimestamp: ev.FillTimestamp,
	}
	if ev.BrokerFillID != "" {
		id := ev.BrokerFillID
		req.BrokerFillID = &id
		req.IdempotencyKey = &id
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.fills.IngestFill(ctx, ev.ClientID, ev.TradeID, req, ""); err != nil {
		logger.Error("fill stream ingest failed",
			"client_id", ev.ClientID, "trade_id", ev.TradeID, "error", err.Error())
	}
}
