package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/fopgate/fopgate/internal/model"
	"github.com/fopgate/fopgate/internal/pkg/apperrors"
	"github.com/fopgate/fopgate/internal/repository"
)

var validStrategyTypes = map[string]struct{}{
	model.StrategyButterfly:           {},
	model.StrategyIronFly:             {},
	model.StrategyBrokenWingButterfly: {},
}

var validSizingMethods = map[string]struct{}{
	model.SizingRiskBased:      {},
	model.SizingFixedContracts: {},
}

// TemplateUpsertRequest 创建与整体更新共用同一个请求体。
type TemplateUpsertRequest struct {
	Name              string  `json:"name" binding:"required"`
	StrategyType      string  `json:"strategy_type" binding:"required"`
	UnderlyingSymbol  string  `json:"underlying_symbol" binding:"required"`
	DTEMin            int     `json:"dte_min"`
	DTEMax            int     `json:"dte_max"`
	CenterDeltaTarget float64 `json:"center_delta_target"`
	WingWidth         float64 `json:"wing_width"`
	MaxRiskPerTrade   float64 `json:"max_risk_per_trade"`
	SizingMethod      string  `json:"sizing_method"`
	MaxContracts      int     `json:"max_contracts"`
	HedgeEnabled      bool    `json:"hedge_enabled"`
	AutoExecute       bool    `json:"auto_execute"`
}

// TemplateService 策略模板的 CRUD,全部操作按租户隔离。
type TemplateService struct {
	store TemplateStore
	audit *AuditService
}

func NewTemplateService(store TemplateStore, audit *AuditService) *TemplateService {
	return &TemplateService{store: store, audit: audit}
}

func (s *TemplateService) Create(ctx context.Context, clientID string, req *TemplateUpsertRequest) (*model.StrategyTemplate, error) {
	tpl, err := buildTemplate(clientID, req)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, tpl); err != nil {
		return nil, err
	}
	s.audit.Emit(clientID, model.EventTemplateCreated, "", map[string]any{
		"template_id": tpl.ID,
		"name":        tpl.Name,
	})
	return tpl, nil
}

func (s *TemplateService) Get(ctx context.Context, clientID string, templateID int64) (*model.StrategyTemplate, error) {
	tpl, err := s.store.Get(ctx, clientID, templateID)
	if err != nil {
		if err == repository.ErrTemplateNotFound {
			return nil, apperrors.NewNotFound("Strategy template not found")
		}
		return nil, err
	}
	return tpl, nil
}

func (s *TemplateService) List(ctx context.Context, clientID string, limit int) ([]*model.StrategyTemplate, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.List(ctx, clientID, limit)
}

func (s *TemplateService) Update(ctx context.Context, clientID string, templateID int64, req *TemplateUpsertRequest) (*model.StrategyTemplate, error) {
	existing, err := s.Get(ctx, clientID, templateID)
	if err != nil {
		return nil, err
	}
	updated, err := buildTemplate(clientID, req)
	if err != nil {
		return nil, err
	}
	updated.ID = existing.ID
	updated.CreatedAt = existing.CreatedAt
	if err := s.store.Update(ctx, updated); err != nil {
		if err == repository.ErrTemplateNotFound {
			return nil, apperrors.NewNotFound("Strategy template not found")
		}
		return nil, err
	}
	s.audit.Emit(clientID, model.EventTemplateUpdated, "", map[string]any{
		"template_id": templateID,
	})
	return updated, nil
}

func (s *TemplateService) Delete(ctx context.Context, clientID string, templateID int64) error {
	if err := s.store.Delete(ctx, clientID, templateID); err != nil {
		if err == repository.ErrTemplateNotFound {
			return apperrors.NewNotFound("Strategy template not found")
		}
		return err
	}
	s.audit.Emit(clientID, model.EventTemplateDeleted, "", map[string]any{
		"template_id": templateID,
	})
	return nil
}

func buildTemplate(clientID string, req *TemplateUpsertRequest) (*model.StrategyTemplate, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperrors.NewInvalidRequest("name must not be empty")
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.UnderlyingSymbol))
	if symbol == "" {
		return nil, apperrors.NewInvalidRequest("underlying_symbol must not be empty")
	}
	if _, ok := validStrategyTypes[req.StrategyType]; !ok {
		return nil, apperrors.NewInvalidRequest(fmt.Sprintf("unsupported strategy_type %q", req.StrategyType))
	}
	if req.DTEMax < req.DTEMin {
		return nil, apperrors.NewInvalidRequest("dte_max must be greater than or equal to dte_min")
	}
	if req.DTEMin < 0 {
		return nil, apperrors.NewInvalidRequest("dte_min must not be negative")
	}
	if req.WingWidth <= 0 {
		return nil, apperrors.NewInvalidRequest("wing_width must be positive")
	}
	sizing := req.SizingMethod
	if sizing == "" {
		sizing = model.SizingRiskBased
	}
	if _, ok := validSizingMethods[sizing]; !ok {
		return nil, apperrors.NewInvalidRequest(fmt.Sprintf("unsupported sizing_method %q", sizing))
	}
	maxContracts := req.MaxContracts
	if maxContracts <= 0 {
		maxContracts = 1
	}
	return &model.StrategyTemplate{
		ClientID:          clientID,
		Name:              name,
		StrategyType:      req.StrategyType,
		UnderlyingSymbol:  symbol,
		DTEMin:            req.DTEMin,
		DTEMax:            req.DTEMax,
		CenterDeltaTarget: req.CenterDeltaTarget,
		WingWidth:         req.WingWidth,
		MaxRiskPerTrade:   req.MaxRiskPerTrade,
		SizingMethod:      sizing,
		MaxContracts:      maxContracts,
		HedgeEnabled:      req.HedgeEnabled,
		AutoExecute:       req.AutoExecute,
	}, nil
}
