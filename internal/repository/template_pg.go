package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/fopgate/fopgate/internal/model"
	"github.com/jmoiron/sqlx"
)

var ErrTemplateNotFound = errors.New("strategy template not found")

type PostgresTemplateRepo struct {
	db *sqlx.DB
}

func NewPostgresTemplateRepo(db *sqlx.DB) *PostgresTemplateRepo {
	repo := &PostgresTemplateRepo{db: db}
	_ = repo.ensureSchema(context.Background())
	return repo
}

const templateColumns = `id, client_id, name, strategy_type, underlying_symbol,
	dte_min, dte_max, center_delta_target, wing_width, max_risk_per_trade,
	sizing_method, max_contracts, hedge_enabled, auto_execute, created_at, updated_at`

func (r *PostgresTemplateRepo) Create(ctx context.Context, t *model.StrategyTemplate) error {
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	return r.db.QueryRowxContext(ctx, `
		INSERT INTO strategy_templates (client_id, name, strategy_type, underlying_symbol,
			dte_min, dte_max, center_delta_target, wing_width, max_risk_per_trade,
			sizing_method, max_contracts, hedge_enabled, auto_execute, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING id
	`, t.ClientID, t.Name, t.StrategyType, t.UnderlyingSymbol,
		t.DTEMin, t.DTEMax, t.CenterDeltaTarget, t.WingWidth, t.MaxRiskPerTrade,
		t.SizingMethod, t.MaxContracts, t.HedgeEnabled, t.AutoExecute, t.CreatedAt, t.UpdatedAt).Scan(&t.ID)
}

func (r *PostgresTemplateRepo) Get(ctx context.Context, clientID string, templateID int64) (*model.StrategyTemplate, error) {
	var t model.StrategyTemplate
	err := r.db.GetContext(ctx, &t, `
		SELECT `+templateColumns+` FROM strategy_templates
		WHERE id = $1 AND client_id = $2 LIMIT 1
	`, templateID, clientID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTemplateNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (r *PostgresTemplateRepo) List(ctx context.Context, clientID string, limit int) ([]*model.StrategyTemplate, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryxContext(ctx, `
		SELECT `+templateColumns+` FROM strategy_templates
		WHERE client_id = $1 ORDER BY updated_at DESC LIMIT $2
	`, clientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*model.StrategyTemplate, 0, limit)
	for rows.Next() {
		var t model.StrategyTemplate
		if err := rows.StructScan(&t); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, nil
}

func (r *PostgresTemplateRepo) Update(ctx context.Context, t *model.StrategyTemplate) error {
	t.UpdatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE strategy_templates
		SET name = $3, strategy_type = $4, underlying_symbol = $5,
			dte_min = $6, dte_max = $7, center_delta_target = $8, wing_width = $9,
			max_risk_per_trade = $10, sizing_method = $11, max_contracts = $12,
			hedge_enabled = $13, auto_execute = $14, updated_at = $15
		WHERE id = $1 AND client_id = $2
	`, t.ID, t.ClientID, t.Name, t.StrategyType, t.UnderlyingSymbol,
		t.DTEMin, t.DTEMax, t.CenterDeltaTarget, t.WingWidth,
		t.MaxRiskPerTrade, t.SizingMethod, t.MaxContracts,
		t.HedgeEnabled, t.AutoExecute, t.UpdatedAt)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTemplateNotFound
	}
	return nil
}

func (r *PostgresTemplateRepo) Delete(ctx context.Context, clientID string, templateID int64) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM strategy_templates WHERE id = $1 AND client_id = $2`, templateID, clientID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTemplateNotFound
	}
	return nil
}

func (r *PostgresTemplateRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS strategy_templates (
			id BIGSERIAL PRIMARY KEY,
			client_id TEXT NOT NULL,
			name TEXT NOT NULL,
			strategy_type TEXT NOT NULL,
			underlying_symbol TEXT NOT NULL,
			dte_min INTEGER NOT NULL,
			dte_max INTEGER NOT NULL,
			center_delta_target DOUBLE PRECISION NOT NULL,
			wing_width DOUBLE PRECISION NOT NULL,
			max_risk_per_trade DOUBLE PRECISION NOT NULL,
			sizing_method TEXT NOT NULL,
			max_contracts INTEGER NOT NULL,
			hedge_enabled BOOLEAN NOT NULL DEFAULT false,
			auto_execute BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return err
	}
	_, _ = r.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_strategy_templates_client ON strategy_templates(client_id, updated_at DESC)`)
	return nil
}
