package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fopgate/fopgate/internal/model"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

var (
	ErrTradeNotFound = errors.New("trade not found")
	// ErrDuplicateFill 表示 (client, trade, idempotency_key) 或
	// (client, trade, broker_fill_id) 撞到了唯一索引。
	ErrDuplicateFill = errors.New("duplicate trade fill")
)

type PostgresTradeRepo struct {
	db *sqlx.DB
}

func NewPostgresTradeRepo(db *sqlx.DB) *PostgresTradeRepo {
	repo := &PostgresTradeRepo{db: db}
	_ = repo.ensureSchema(context.Background())
	return repo
}

func (r *PostgresTradeRepo) InsertTrade(ctx context.Context, t *model.Trade) error {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	return r.db.QueryRowxContext(ctx, `
		INSERT INTO trades (client_id, timestamp, action, symbol, instrument, qty,
			fill_price, order_id, reasoning, mode, status, pnl)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING id
	`, t.ClientID, t.Timestamp, t.Action, t.Symbol, t.Instrument, t.Qty,
		t.FillPrice, t.OrderID, t.Reasoning, t.Mode, t.Status, t.PnL).Scan(&t.ID)
}

func (r *PostgresTradeRepo) GetTrade(ctx context.Context, clientID string, tradeID int64) (*model.Trade, error) {
	var t model.Trade
	err := r.db.GetContext(ctx, &t, `
		SELECT id, client_id, timestamp, action, symbol, instrument, qty,
			fill_price, order_id, reasoning, mode, status, pnl
		FROM trades WHERE id = $1 AND client_id = $2 LIMIT 1
	`, tradeID, clientID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTradeNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (r *PostgresTradeRepo) ListTrades(ctx context.Context, clientID string, limit int) ([]*model.Trade, error) {
	return r.listTrades(ctx, clientID, nil, nil, limit)
}

// ListTradesWindow 按 [from, to] 过滤,任一端为 nil 表示开区间。
func (r *PostgresTradeRepo) ListTradesWindow(ctx context.Context, clientID string, from, to *time.Time, limit int) ([]*model.Trade, error) {
	return r.listTrades(ctx, clientID, from, to, limit)
}

func (r *PostgresTradeRepo) listTrades(ctx context.Context, clientID string, from, to *time.Time, limit int) ([]*model.Trade, error) {
	if limit <= 0 || limit > 5000 {
		limit = 100
	}
	query := `SELECT id, client_id, timestamp, action, symbol, instrument, qty,
		fill_price, order_id, reasoning, mode, status, pnl
		FROM trades WHERE client_id = $1`
	args := []interface{}{clientID}
	idx := 2
	if from != nil {
		query += fmt.Sprintf(" AND timestamp >= $%d", idx)
		args = append(args, *from)
		idx++
	}
	if to != nil {
		query += fmt.Sprintf(" AND timestamp <= $%d", idx)
		args = append(args, *to)
		idx++
	}
	query += fmt.Sprintf(" ORDER BY timestamp DESC, id DESC LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*model.Trade, 0, limit)
	for rows.Next() {
		var t model.Trade
		if err := rows.StructScan(&t); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, nil
}

// UpdateTradeAfterFill 成交回报落账后刷新 Trade 的状态与均价。
// 均价由调用方按数量加权算好传入,这里只写。
func (r *PostgresTradeRepo) UpdateTradeAfterFill(ctx context.Context, clientID string, tradeID int64, status string, fillPrice float64, pnl *float64) error {
	if pnl != nil {
		_, err := r.db.ExecContext(ctx, `
			UPDATE trades SET status = $3, fill_price = $4, pnl = $5
			WHERE id = $1 AND client_id = $2
		`, tradeID, clientID, status, fillPrice, *pnl)
		return err
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE trades SET status = $3, fill_price = $4
		WHERE id = $1 AND client_id = $2
	`, tradeID, clientID, status, fillPrice)
	return err
}

func (r *PostgresTradeRepo) InsertFill(ctx context.Context, f *model.TradeFill) error {
	if f.FillTimestamp.IsZero() {
		f.FillTimestamp = time.Now().UTC()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	rawJSON, _ := json.Marshal(f.RawPayload)
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO trade_fills (client_id, trade_id, order_id, broker_fill_id,
			ingest_idempotency_key, status, qty, fill_price, expected_price,
			slippage_bps, fees, realized_pnl, fill_timestamp, raw_payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING id
	`, f.ClientID, f.TradeID, f.OrderID, f.BrokerFillID,
		f.IdempotencyKey, f.Status, f.Qty, f.FillPrice, f.ExpectedPrice,
		f.SlippageBps, f.Fees, f.RealizedPnL, f.FillTimestamp, rawJSON, f.CreatedAt).Scan(&f.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateFill
		}
		return err
	}
	return nil
}

// FindFill 按幂等键查已有成交,再按券商成交号兜底。都没有返回 (nil, nil)。
func (r *PostgresTradeRepo) FindFill(ctx context.Context, clientID string, tradeID int64, idempotencyKey, brokerFillID *string) (*model.TradeFill, error) {
	if idempotencyKey != nil {
		fill, err := r.findFillBy(ctx, clientID, tradeID, "ingest_idempotency_key", *idempotencyKey)
		if err != nil || fill != nil {
			return fill, err
		}
	}
	if brokerFillID != nil {
		return r.findFillBy(ctx, clientID, tradeID, "broker_fill_id", *brokerFillID)
	}
	return nil, nil
}

func (r *PostgresTradeRepo) findFillBy(ctx context.Context, clientID string, tradeID int64, column, value string) (*model.TradeFill, error) {
	var fd fillDB
	err := r.db.GetContext(ctx, &fd, `
		SELECT `+fillColumns+` FROM trade_fills
		WHERE client_id = $1 AND trade_id = $2 AND `+column+` = $3
		ORDER BY id DESC LIMIT 1
	`, clientID, tradeID, value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return fd.toDomain(), nil
}

func (r *PostgresTradeRepo) ListFills(ctx context.Context, clientID string, tradeID int64, limit int) ([]*model.TradeFill, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := r.db.QueryxContext(ctx, `
		SELECT `+fillColumns+` FROM trade_fills
		WHERE client_id = $1 AND trade_id = $2
		ORDER BY fill_timestamp DESC, id DESC LIMIT $3
	`, clientID, tradeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFills(rows)
}

// ListFillsForTrades 质量聚合用,按时间升序,first-fill 逻辑依赖这个顺序。
func (r *PostgresTradeRepo) ListFillsForTrades(ctx context.Context, clientID string, tradeIDs []int64, from, to *time.Time) ([]*model.TradeFill, error) {
	if len(tradeIDs) == 0 {
		return nil, nil
	}
	query := `SELECT ` + fillColumns + ` FROM trade_fills
		WHERE client_id = ? AND trade_id IN (?)`
	args := []interface{}{clientID, tradeIDs}
	if from != nil {
		query += " AND fill_timestamp >= ?"
		args = append(args, *from)
	}
	if to != nil {
		query += " AND fill_timestamp <= ?"
		args = append(args, *to)
	}
	query += " ORDER BY fill_timestamp ASC, id ASC"

	query, inArgs, err := sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryxContext(ctx, r.db.Rebind(query), inArgs...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFills(rows)
}

const fillColumns = `id, client_id, trade_id, order_id, broker_fill_id,
	ingest_idempotency_key, status, qty, fill_price, expected_price,
	slippage_bps, fees, realized_pnl, fill_timestamp, raw_payload, created_at`

type fillDB struct {
	ID             int64     `db:"id"`
	ClientID       string    `db:"client_id"`
	TradeID        int64     `db:"trade_id"`
	OrderID        *string   `db:"order_id"`
	BrokerFillID   *string   `db:"broker_fill_id"`
	IdempotencyKey *string   `db:"ingest_idempotency_key"`
	Status         string    `db:"status"`
	Qty            int       `db:"qty"`
	FillPrice      float64   `db:"fill_price"`
	ExpectedPrice  *float64  `db:"expected_price"`
	SlippageBps    *float64  `db:"slippage_bps"`
	Fees           float64   `db:"fees"`
	RealizedPnL    *float64  `db:"realized_pnl"`
	FillTimestamp  time.Time `db:"fill_timestamp"`
	RawJSON        []byte    `db:"raw_payload"`
	CreatedAt      time.Time `db:"created_at"`
}

func (fd *fillDB) toDomain() *model.TradeFill {
	f := &model.TradeFill{
		ID:             fd.ID,
		ClientID:       fd.ClientID,
		TradeID:        fd.TradeID,
		OrderID:        fd.OrderID,
		BrokerFillID:   fd.BrokerFillID,
		IdempotencyKey: fd.IdempotencyKey,
		Status:         fd.Status,
		Qty:            fd.Qty,
		FillPrice:      fd.FillPrice,
		ExpectedPrice:  fd.ExpectedPrice,
		SlippageBps:    fd.SlippageBps,
		Fees:           fd.Fees,
		RealizedPnL:    fd.RealizedPnL,
		FillTimestamp:  fd.FillTimestamp,
		CreatedAt:      fd.CreatedAt,
	}
	if len(fd.RawJSON) > 0 {
		_ = json.Unmarshal(fd.RawJSON, &f.RawPayload)
	}
	return f
}

func scanFills(rows *sqlx.Rows) ([]*model.TradeFill, error) {
	out := make([]*model.TradeFill, 0, 16)
	for rows.Next() {
		var fd fillDB
		if err := rows.StructScan(&fd); err != nil {
			return nil, err
		}
		out = append(out, fd.toDomain())
	}
	return out, nil
}

func (r *PostgresTradeRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS trades (
			id BIGSERIAL PRIMARY KEY,
			client_id TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			action TEXT NOT NULL,
			symbol TEXT NOT NULL,
			instrument TEXT,
			qty INTEGER NOT NULL,
			fill_price DOUBLE PRECISION,
			order_id TEXT,
			reasoning TEXT,
			mode TEXT,
			status TEXT,
			pnl DOUBLE PRECISION NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return err
	}
	_, _ = r.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_trades_client_ts ON trades(client_id, timestamp DESC)`)

	_, err = r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS trade_fills (
			id BIGSERIAL PRIMARY KEY,
			client_id TEXT NOT NULL,
			trade_id BIGINT NOT NULL REFERENCES trades(id) ON DELETE CASCADE,
			order_id TEXT,
			broker_fill_id TEXT,
			ingest_idempotency_key TEXT,
			status TEXT NOT NULL,
			qty INTEGER NOT NULL,
			fill_price DOUBLE PRECISION NOT NULL,
			expected_price DOUBLE PRECISION,
			slippage_bps DOUBLE PRECISION,
			fees DOUBLE PRECISION NOT NULL DEFAULT 0,
			realized_pnl DOUBLE PRECISION,
			fill_timestamp TIMESTAMPTZ NOT NULL,
			raw_payload JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return err
	}
	_, _ = r.db.ExecContext(ctx, strings.TrimSpace(`
		CREATE UNIQUE INDEX IF NOT EXISTS uq_trade_fills_idem
		ON trade_fills(client_id, trade_id, ingest_idempotency_key)
		WHERE ingest_idempotency_key IS NOT NULL
	`))
	_, _ = r.db.ExecContext(ctx, strings.TrimSpace(`
		CREATE UNIQUE INDEX IF NOT EXISTS uq_trade_fills_broker
		ON trade_fills(client_id, trade_id, broker_fill_id)
		WHERE broker_fill_id IS NOT NULL
	`))
	_, _ = r.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_trade_fills_client_ts ON trade_fills(client_id, fill_timestamp)`)
	return nil
}
