package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fopgate/fopgate/internal/model"
)

// MemoryTradeStore 无 Postgres 时的进程内账本。语义与
// PostgresTradeRepo 对齐,包括成交的两个唯一键。重启即清空,
// 只用于本地开发和测试。
type MemoryTradeStore struct {
	mu          sync.RWMutex
	trades      []*model.Trade
	fills       []*model.TradeFill
	nextTradeID int64
	nextFillID  int64
}

func NewMemoryTradeStore() *MemoryTradeStore {
	return &MemoryTradeStore{}
}

func (m *MemoryTradeStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTradeID++
	t.ID = m.nextTradeID
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	cp := *t
	m.trades = append(m.trades, &cp)
	return nil
}

func (m *MemoryTradeStore) GetTrade(ctx context.Context, clientID string, tradeID int64) (*model.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.trades {
		if t.ID == tradeID && t.ClientID == clientID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrTradeNotFound
}

func (m *MemoryTradeStore) ListTrades(ctx context.Context, clientID string, limit int) ([]*model.Trade, error) {
	return m.ListTradesWindow(ctx, clientID, nil, nil, limit)
}

func (m *MemoryTradeStore) ListTradesWindow(ctx context.Context, clientID string, from, to *time.Time, limit int) ([]*model.Trade, error) {
	if limit <= 0 || limit > 5000 {
		limit = 5000
	}
	m.mu.RLock()
	out := make([]*model.Trade, 0, len(m.trades))
	for _, t := range m.trades {
		if t.ClientID != clientID {
			continue
		}
		if from != nil && t.Timestamp.Before(*from) {
			continue
		}
		if to != nil && t.Timestamp.After(*to) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryTradeStore) UpdateTradeAfterFill(ctx context.Context, clientID string, tradeID int64, status string, fillPrice float64, pnl *float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.trades {
		if t.ID == tradeID && t.ClientID == clientID {
			t.Status = status
			t.FillPrice = &fillPrice
			if pnl != nil {
				t.PnL = *pnl
			}
			return nil
		}
	}
	return ErrTradeNotFound
}

func (m *MemoryTradeStore) InsertFill(ctx context.Context, f *model.TradeFill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.fills {
		if existing.ClientID != f.ClientID || existing.TradeID != f.TradeID {
			continue
		}
		if f.IdempotencyKey != nil && existing.IdempotencyKey != nil && *existing.IdempotencyKey == *f.IdempotencyKey {
			return ErrDuplicateFill
		}
		if f.BrokerFillID != nil && existing.BrokerFillID != nil && *existing.BrokerFillID == *f.BrokerFillID {
			return ErrDuplicateFill
		}
	}
	m.nextFillID++
	f.ID = m.nextFillID
	if f.FillTimestamp.IsZero() {
		f.FillTimestamp = time.Now().UTC()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	cp := *f
	m.fills = append(m.fills, &cp)
	return nil
}

func (m *MemoryTradeStore) FindFill(ctx context.Context, clientID string, tradeID int64, idempotencyKey, brokerFillID *string) (*model.TradeFill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if idempotencyKey != nil {
		for _, f := range m.fills {
			if f.ClientID == clientID && f.TradeID == tradeID && f.IdempotencyKey != nil && *f.IdempotencyKey == *idempotencyKey {
				cp := *f
				return &cp, nil
			}
		}
	}
	if brokerFillID != nil {
		for _, f := range m.fills {
			if f.ClientID == clientID && f.TradeID == tradeID && f.BrokerFillID != nil && *f.BrokerFillID == *brokerFillID {
				cp := *f
				return &cp, nil
			}
		}
	}
	return nil, nil
}

func (m *MemoryTradeStore) ListFills(ctx context.Context, clientID string, tradeID int64, limit int) ([]*model.TradeFill, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	m.mu.RLock()
	out := make([]*model.TradeFill, 0, 8)
	for _, f := range m.fills {
		if f.ClientID == clientID && f.TradeID == tradeID {
			cp := *f
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].FillTimestamp.Equal(out[j].FillTimestamp) {
			return out[i].FillTimestamp.After(out[j].FillTimestamp)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryTradeStore) ListFillsForTrades(ctx context.Context, clientID string, tradeIDs []int64, from, to *time.Time) ([]*model.TradeFill, error) {
	wanted := make(map[int64]struct{}, len(tradeIDs))
	for _, id := range tradeIDs {
		wanted[id] = struct{}{}
	}

	m.mu.RLock()
	out := make([]*model.TradeFill, 0, len(m.fills))
	for _, f := range m.fills {
		if f.ClientID != clientID {
			continue
		}
		if _, ok := wanted[f.TradeID]; !ok {
			continue
		}
		if from != nil && f.FillTimestamp.Before(*from) {
			continue
		}
		if to != nil && f.FillTimestamp.After(*to) {
			continue
		}
		cp := *f
		out = append(out, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].FillTimestamp.Equal(out[j].FillTimestamp) {
			return out[i].FillTimestamp.Before(out[j].FillTimestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// MemoryTemplateStore 进程内的模板存储,语义对齐 PostgresTemplateRepo。
type MemoryTemplateStore struct {
	mu        sync.RWMutex
	templates []*model.StrategyTemplate
	nextID    int64
}

func NewMemoryTemplateStore() *MemoryTemplateStore {
	return &MemoryTemplateStore{}
}

func (m *MemoryTemplateStore) Create(ctx context.Context, t *model.StrategyTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t.ID = m.nextID
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	cp := *t
	m.templates = append(m.templates, &cp)
	return nil
}

func (m *MemoryTemplateStore) Get(ctx context.Context, clientID string, templateID int64) (*model.StrategyTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.templates {
		if t.ID == templateID && t.ClientID == clientID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrTemplateNotFound
}

func (m *MemoryTemplateStore) List(ctx context.Context, clientID string, limit int) ([]*model.StrategyTemplate, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	out := make([]*model.StrategyTemplate, 0, len(m.templates))
	for _, t := range m.templates {
		if t.ClientID == clientID {
			cp := *t
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryTemplateStore) Update(ctx context.Context, t *model.StrategyTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.templates {
		if existing.ID == t.ID && existing.ClientID == t.ClientID {
			t.CreatedAt = existing.CreatedAt
			t.UpdatedAt = time.Now().UTC()
			cp := *t
			m.templates[i] = &cp
			return nil
		}
	}
	return ErrTemplateNotFound
}

func (m *MemoryTemplateStore) Delete(ctx context.Context, clientID string, templateID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.templates {
		if t.ID == templateID && t.ClientID == clientID {
			m.templates = append(m.templates[:i], m.templates[i+1:]...)
			return nil
		}
	}
	return ErrTemplateNotFound
}
