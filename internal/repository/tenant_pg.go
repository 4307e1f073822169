package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/fopgate/fopgate/internal/model"
	"github.com/jmoiron/sqlx"
)

var ErrTenantNotFound = errors.New("tenant not found")

type PostgresTenantRepo struct {
	db *sqlx.DB
}

func NewPostgresTenantRepo(db *sqlx.DB) *PostgresTenantRepo {
	repo := &PostgresTenantRepo{db: db}
	_ = repo.ensureSchema(context.Background())
	return repo
}

// DB model 用于处理 JSONB 序列化
type tenantDB struct {
	ID             string    `db:"id"`
	Name           string    `db:"name"`
	ApiKey         string    `db:"api_key"`
	Tier           string    `db:"tier"`
	Mode           string    `db:"mode"`
	RiskParamsJSON []byte    `db:"risk_params"`
	RateLimitJSON  []byte    `db:"rate_limit_config"`
	CreatedAt      time.Time `db:"created_at"`
}

const tenantColumns = `id, name, api_key, tier, mode, risk_params, rate_limit_config, created_at`

func (r *PostgresTenantRepo) GetByApiKey(ctx context.Context, apiKey string) (*model.Tenant, error) {
	var td tenantDB
	err := r.db.GetContext(ctx, &td,
		`SELECT `+tenantColumns+` FROM tenants WHERE api_key = $1 LIMIT 1`, apiKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTenantNotFound
		}
		return nil, err
	}
	return r.toDomain(&td)
}

func (r *PostgresTenantRepo) GetByID(ctx context.Context, id string) (*model.Tenant, error) {
	var td tenantDB
	err := r.db.GetContext(ctx, &td,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1 LIMIT 1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTenantNotFound
		}
		return nil, err
	}
	return r.toDomain(&td)
}

func (r *PostgresTenantRepo) List(ctx context.Context, limit, offset int) ([]*model.Tenant, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryxContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := make([]*model.Tenant, 0, limit)
	for rows.Next() {
		var td tenantDB
		if err := rows.StructScan(&td); err != nil {
			return nil, err
		}
		tenant, err := r.toDomain(&td)
		if err != nil {
			return nil, err
		}
		results = append(results, tenant)
	}
	return results, nil
}

// Create 用于初始化数据
func (r *PostgresTenantRepo) Create(ctx context.Context, t *model.Tenant) error {
	riskJSON, _ := json.Marshal(t.RiskParams)
	rateJSON, _ := json.Marshal(t.Rate)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, api_key, tier, mode, risk_params, rate_limit_config, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.ID, t.Name, t.ApiKey, t.Tier, t.Mode, riskJSON, rateJSON, time.Now().UTC())
	return err
}

func (r *PostgresTenantRepo) Update(ctx context.Context, t *model.Tenant) error {
	riskJSON, _ := json.Marshal(t.RiskParams)
	rateJSON, _ := json.Marshal(t.Rate)
	_, err := r.db.ExecContext(ctx, `
		UPDATE tenants
		SET name = $2, api_key = $3, tier = $4, mode = $5, risk_params = $6, rate_limit_config = $7, updated_at = $8
		WHERE id = $1
	`, t.ID, t.Name, t.ApiKey, t.Tier, t.Mode, riskJSON, rateJSON, time.Now().UTC())
	return err
}

// UpdateRiskParams 只落 risk_params 与 mode,自动整改走这条窄路径,
// 避免覆盖并发修改的其他租户字段。
func (r *PostgresTenantRepo) UpdateRiskParams(ctx context.Context, id string, mode string, riskParams map[string]any) error {
	riskJSON, _ := json.Marshal(riskParams)
	res, err := r.db.ExecContext(ctx, `
		UPDATE tenants SET mode = $2, risk_params = $3, updated_at = $4 WHERE id = $1
	`, id, mode, riskJSON, time.Now().UTC())
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTenantNotFound
	}
	return nil
}

func (r *PostgresTenantRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	return err
}

func (r *PostgresTenantRepo) toDomain(td *tenantDB) (*model.Tenant, error) {
	t := &model.Tenant{
		ID:        td.ID,
		Name:      td.Name,
		ApiKey:    td.ApiKey,
		Tier:      td.Tier,
		Mode:      td.Mode,
		CreatedAt: td.CreatedAt,
	}
	if len(td.RiskParamsJSON) > 0 {
		if err := json.Unmarshal(td.RiskParamsJSON, &t.RiskParams); err != nil {
			return nil, err
		}
	}
	if t.RiskParams == nil {
		t.RiskParams = map[string]any{}
	}
	if len(td.RateLimitJSON) > 0 {
		if err := json.Unmarshal(td.RateLimitJSON, &t.Rate); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (r *PostgresTenantRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			name TEXT,
			api_key TEXT UNIQUE,
			tier TEXT,
			mode TEXT,
			risk_params JSONB,
			rate_limit_config JSONB,
			created_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ
		)
	`)
	if err != nil {
		return err
	}
	_, _ = r.db.ExecContext(ctx, `ALTER TABLE tenants ADD COLUMN IF NOT EXISTS tier TEXT`)
	_, _ = r.db.ExecContext(ctx, `ALTER TABLE tenants ADD COLUMN IF NOT EXISTS mode TEXT`)
	_, _ = r.db.ExecContext(ctx, `ALTER TABLE tenants ADD COLUMN IF NOT EXISTS updated_at TIMESTAMPTZ`)
	return nil
}
