package service

import (
	"context"
	"sync"

	"github.com/fopgate/fopgate/internal/config"
	"github.com/fopgate/fopgate/internal/model"
	"golang.org/x/time/rate"
)

// TenantManager 管理租户信息与限流器。路径上的热数据(按 api key 的
// 租户表)常驻内存,miss 时回源到 DB 并缓存。
type TenantManager struct {
	mu            sync.RWMutex
	tenants       map[string]*model.Tenant // Key: Gateway ApiKey
	limiters      map[string]*rate.Limiter // Key: TenantID
	config        *config.Config
	defaultTenant *model.Tenant
	repo          TenantRepo
}

type TenantRepo interface {
	GetByApiKey(ctx context.Context, apiKey string) (*model.Tenant, error)
	UpdateRiskParams(ctx context.Context, id string, mode string, riskParams map[string]any) error
}

func NewTenantManager(cfg *config.Config, repo TenantRepo) *TenantManager {
	tm := &TenantManager{
		tenants:  make(map[string]*model.Tenant),
		limiters: make(map[string]*rate.Limiter),
		config:   cfg,
		repo:     repo,
	}

	// 配置化租户 (优先)
	if len(cfg.Tenants) > 0 {
		for _, tenantCfg := range cfg.Tenants {
			mode := tenantCfg.Mode
			if mode == "" {
				mode = model.ModeConfirmation
			}
			tenant := &model.Tenant{
				ID:         tenantCfg.ID,
				Name:       tenantCfg.Name,
				ApiKey:     tenantCfg.APIKey,
				Tier:       tenantCfg.Tier,
				Mode:       mode,
				RiskParams: tenantCfg.Risk,
				Rate: model.RateLimitConfig{
					QPS:   10,
					Burst: 20,
				},
			}
			if tenant.RiskParams == nil {
				tenant.RiskParams = map[string]any{}
			}
			tm.RegisterTenant(tenant)
		}
		return tm
	}

	// 默认租户(兼容单租户模式)
	apiKey := cfg.Auth.APIKey
	if apiKey == "" {
		apiKey = "sk-default-12345"
	}
	defaultTenant := &model.Tenant{
		ID:         "default-tenant",
		Name:       "Default User",
		ApiKey:     apiKey,
		Tier:       "basic",
		Mode:       model.ModeConfirmation,
		RiskParams: map[string]any{},
		Rate: model.RateLimitConfig{
			QPS:   10, // 默认 10 QPS
			Burst: 20,
		},
	}
	tm.RegisterTenant(defaultTenant)
	tm.defaultTenant = defaultTenant

	return tm
}

func (tm *TenantManager) RegisterTenant(t *model.Tenant) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if t == nil {
		return
	}
	tm.tenants[t.ApiKey] = t

	limit := rate.Limit(t.Rate.QPS)
	if limit == 0 {
		limit = rate.Inf
	}
	burst := t.Rate.Burst
	if burst == 0 {
		burst = 1
	}
	tm.limiters[t.ID] = rate.NewLimiter(limit, burst)
}

func (tm *TenantManager) ReplaceTenant(t *model.Tenant) {
	tm.RemoveTenantByID(t.ID)
	tm.RegisterTenant(t)
}

func (tm *TenantManager) RemoveTenantByID(id string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for key, tenant := range tm.tenants {
		if tenant != nil && tenant.ID == id {
			delete(tm.tenants, key)
			delete(tm.limiters, tenant.ID)
		}
	}
}

func (tm *TenantManager) GetTenantByID(id string) (*model.Tenant, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	for _, tenant := range tm.tenants {
		if tenant != nil && tenant.ID == id {
			return tenant, true
		}
	}
	return nil, false
}

func (tm *TenantManager) ListTenants() []*model.Tenant {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	results := make([]*model.Tenant, 0, len(tm.tenants))
	seen := make(map[string]struct{})
	for _, tenant := range tm.tenants {
		if tenant == nil {
			continue
		}
		if _, ok := seen[tenant.ID]; ok {
			continue
		}
		seen[tenant.ID] = struct{}{}
		results = append(results, tenant)
	}
	return results
}

func (tm *TenantManager) GetTenantByApiKey(apiKey string) (*model.Tenant, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	t, ok := tm.tenants[apiKey]
	return t, ok
}

func (tm *TenantManager) GetTenantByApiKeyWithFallback(ctx context.Context, apiKey string) (*model.Tenant, bool) {
	if t, ok := tm.GetTenantByApiKey(apiKey); ok {
		return t, true
	}
	if tm.repo == nil {
		return nil, false
	}
	t, err := tm.repo.GetByApiKey(ctx, apiKey)
	if err != nil || t == nil {
		return nil, false
	}
	tm.RegisterTenant(t)
	return t, true
}

func (tm *TenantManager) DefaultTenant() *model.Tenant {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.defaultTenant
}

// GetLimiterForTenant 获取租户的限流器
func (tm *TenantManager) GetLimiterForTenant(tenantID string) *rate.Limiter {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.limiters[tenantID]
}

// UpdateRiskParams 更新租户风控参数与执行模式,内存与 DB 同步。
// 自动整改(降级为保守参数、暂停自主执行)走这个入口。
func (tm *TenantManager) UpdateRiskParams(ctx context.Context, tenantID, mode string, riskParams map[string]any) error {
	tm.mu.Lock()
	for _, tenant := range tm.tenants {
		if tenant != nil && tenant.ID == tenantID {
			tenant.Mode = mode
			tenant.RiskParams = riskParams
		}
	}
	tm.mu.Unlock()

	if tm.repo == nil {
		return nil
	}
	return tm.repo.UpdateRiskParams(ctx, tenantID, mode, riskParams)
}
