package service

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/fopgate/fopgate/internal/broker"
	"github.com/fopgate/fopgate/internal/model"
	"github.com/fopgate/fopgate/internal/pkg/apperrors"
	"github.com/fopgate/fopgate/internal/pkg/logger"
	"github.com/fopgate/fopgate/internal/pkg/metrics"
	"github.com/fopgate/fopgate/internal/repository"
	"github.com/fopgate/fopgate/internal/risk"
	"github.com/fopgate/fopgate/internal/safety"
	"github.com/fopgate/fopgate/internal/strategy"
)

// TemplateStore 策略模板的持久化接口。
type TemplateStore interface {
	Create(ctx context.Context, t *model.StrategyTemplate) error
	Get(ctx context.Context, clientID string, templateID int64) (*model.StrategyTemplate, error)
	List(ctx context.Context, clientID string, limit int) ([]*model.StrategyTemplate, error)
	Update(ctx context.Context, t *model.StrategyTemplate) error
	Delete(ctx context.Context, clientID string, templateID int64) error
}

// ExecutionResult 一次执行的完整产出,Fill 在券商立即回报成交时非空。
type ExecutionResult struct {
	Trade *model.Trade        `json:"trade"`
	Order *broker.OrderResult `json:"order"`
	Fill  *model.TradeFill    `json:"fill,omitempty"`
}

// ExecutionService 串起整条执行管道:急停闸门、策略校验、风控评估、
// 券商提交与账本落库。同一租户的执行严格串行,不同租户互不阻塞。
type ExecutionService struct {
	registry  *strategy.Registry
	resolver  *strategy.Resolver
	governor  *risk.Governor
	halt      *safety.Controller
	broker    broker.Broker
	trades    TradeStore
	templates TemplateStore
	audit     *AuditService
	profiles  map[string]strategy.Profile
	locks     sync.Map // tenantID -> *sync.Mutex
	now       func() time.Time
}

func NewExecutionService(
	registry *strategy.Registry,
	resolver *strategy.Resolver,
	governor *risk.Governor,
	halt *safety.Controller,
	bk broker.Broker,
	trades TradeStore,
	templates TemplateStore,
	audit *AuditService,
) *ExecutionService {
	return &ExecutionService{
		registry:  registry,
		resolver:  resolver,
		governor:  governor,
		halt:      halt,
		broker:    bk,
		trades:    trades,
		templates: templates,
		audit:     audit,
		now:       time.Now,
	}
}

// WithProfiles 注册按 strategy_id 覆盖内置允许表的策略档案。
func (s *ExecutionService) WithProfiles(profiles map[string]strategy.Profile) *ExecutionService {
	s.profiles = profiles
	return s
}

// WithClock 测试用固定时钟。
func (s *ExecutionService) WithClock(now func() time.Time) *ExecutionService {
	s.now = now
	return s
}

func (s *ExecutionService) tenantLock(tenantID string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(tenantID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// checkHalt 急停闸门。必须是锁内的第一个检查,走到券商之前拦下。
func (s *ExecutionService) checkHalt(ctx context.Context, tenantID string, order any) error {
	state := s.halt.Get(ctx)
	if !state.Halted {
		return nil
	}
	metrics.HaltBlocks.Inc()
	s.audit.Emit(tenantID, model.EventHaltBlocked, "", map[string]any{
		"reason": state.Reason,
		"order":  order,
	})
	return apperrors.NewHalted(state.Reason)
}

// ExecuteTrade 执行一条交易意图。校验或风控失败时不触碰券商。
func (s *ExecutionService) ExecuteTrade(ctx context.Context, tenant *model.Tenant, intent *model.TradeIntent) (*ExecutionResult, error) {
	mu := s.tenantLock(tenant.ID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.checkHalt(ctx, tenant.ID, intent); err != nil {
		return nil, err
	}

	params, warnings := risk.MergeParameters(tenant.RiskParams)
	for _, w := range warnings {
		logger.Warn("ignoring unusable risk param", "tenant", tenant.ID, "detail", w.String())
	}

	spec, appErr := s.validatePayload(intent, tenant.Tier)
	if appErr != nil {
		s.rejectOrder(tenant.ID, appErr, intent)
		return nil, appErr
	}

	positions, err := s.broker.GetPositions(ctx)
	if err != nil {
		return nil, apperrors.NewUpstream("failed to fetch positions", err)
	}
	netDelta, openLegs := portfolioSnapshot(positions)

	market, err := s.broker.GetMarketData(ctx, intent.Symbol)
	if err != nil {
		return nil, apperrors.NewUpstream("failed to fetch market data", err)
	}

	dailyPnL, recentPnLs, err := s.dayPnL(ctx, tenant.ID)
	if err != nil {
		return nil, err
	}

	deltaEst := 0.5
	if intent.DeltaEstimate != nil {
		deltaEst = *intent.DeltaEstimate
	}
	direction := 1.0
	if strings.ToUpper(intent.Action) == model.ActionSell {
		direction = -1.0
	}
	projected := netDelta + direction*float64(intent.Qty)*deltaEst

	chk := risk.OrderCheck{
		Qty:             intent.Qty,
		NetDelta:        netDelta,
		ProjectedDelta:  &projected,
		DailyPnL:        dailyPnL,
		RecentTradePnLs: recentPnLs,
		OpenLegs:        openLegs,
		Bid:             market.Bid,
		Ask:             market.Ask,
	}
	if appErr := s.governor.ValidateOrder(chk, params); appErr != nil {
		s.rejectOrder(tenant.ID, appErr, intent)
		return nil, appErr
	}

	orderType := intent.OrderType
	if orderType == "" {
		orderType = "MKT"
	}
	result, err := s.broker.SubmitOrder(ctx, broker.OrderRequest{
		Symbol:     intent.Symbol,
		Instrument: instrumentOrDefault(intent.Instrument),
		Strike:     intent.Strike,
		Expiry:     intent.Expiry,
		Right:      intent.Right,
		Action:     intent.Action,
		Qty:        intent.Qty,
		OrderType:  orderType,
		LimitPrice: intent.LimitPrice,
	})
	if err != nil {
		metrics.OrdersTotal.WithLabelValues("error", intent.Action).Inc()
		return nil, apperrors.NewUpstream("broker order submission failed", err)
	}

	trade := &model.Trade{
		ClientID:   tenant.ID,
		Timestamp:  s.now().UTC(),
		Action:     intent.Action,
		Symbol:     intent.Symbol,
		Instrument: instrumentOrDefault(intent.Instrument),
		Qty:        intent.Qty,
		FillPrice:  result.FillPrice,
		OrderID:    normalizeOptionalText(result.OrderID),
		Reasoning:  intent.Reasoning,
		Mode:       tenant.Mode,
		Status:     statusOrSubmitted(result.Status),
	}
	if err := s.trades.InsertTrade(ctx, trade); err != nil {
		return nil, err
	}

	expected := EstimateExpectedPrice(intent.Action, market.Bid, market.Ask, intent.LimitPrice, result.ExpectedPrice)
	fill := s.recordImmediateFill(ctx, trade, result, expected)

	metrics.OrdersTotal.WithLabelValues(trade.Status, trade.Action).Inc()
	s.audit.Emit(tenant.ID, model.EventTradeExecuted, "", map[string]any{
		"trade_id":    trade.ID,
		"order_id":    result.OrderID,
		"status":      trade.Status,
		"strategy_id": spec.StrategyID,
		"reasoning":   intent.Reasoning,
	})

	return &ExecutionResult{Trade: trade, Order: result, Fill: fill}, nil
}

// ResolveStrategyTemplate 对当前行情解析模板,不提交任何订单。
func (s *ExecutionService) ResolveStrategyTemplate(ctx context.Context, tenant *model.Tenant, templateID int64) (*model.ResolvedStrategy, error) {
	tpl, err := s.getTemplate(ctx, tenant.ID, templateID)
	if err != nil {
		return nil, err
	}
	return s.resolver.Resolve(ctx, tpl, s.broker)
}

// ExecuteStrategyTemplate 解析并以 BAG 组合单提交一个模板。
func (s *ExecutionService) ExecuteStrategyTemplate(ctx context.Context, tenant *model.Tenant, templateID int64) (*ExecutionResult, error) {
	mu := s.tenantLock(tenant.ID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.checkHalt(ctx, tenant.ID, map[string]any{"template_id": templateID}); err != nil {
		return nil, err
	}

	tpl, err := s.getTemplate(ctx, tenant.ID, templateID)
	if err != nil {
		return nil, err
	}
	resolved, err := s.resolver.Resolve(ctx, tpl, s.broker)
	if err != nil {
		return nil, err
	}

	params, warnings := risk.MergeParameters(tenant.RiskParams)
	for _, w := range warnings {
		logger.Warn("ignoring unusable risk param", "tenant", tenant.ID, "detail", w.String())
	}
	if appErr := s.enforceTemplateRisk(ctx, tenant, tpl, resolved.Contracts, params); appErr != nil {
		s.rejectOrder(tenant.ID, appErr, map[string]any{"template_id": templateID, "contracts": resolved.Contracts})
		return nil, appErr
	}

	limitPrice := resolved.NetPremium
	result, err := s.broker.SubmitComboOrder(ctx, tpl.UnderlyingSymbol, resolved.Legs, resolved.Contracts, "LMT", &limitPrice, model.ActionBuy)
	if err != nil {
		metrics.OrdersTotal.WithLabelValues("error", model.ActionBuy).Inc()
		return nil, apperrors.NewUpstream("broker combo submission failed", err)
	}

	trade := &model.Trade{
		ClientID:   tenant.ID,
		Timestamp:  s.now().UTC(),
		Action:     model.ActionBuy,
		Symbol:     tpl.UnderlyingSymbol,
		Instrument: model.InstrumentBAG,
		Qty:        resolved.Contracts,
		FillPrice:  result.FillPrice,
		OrderID:    normalizeOptionalText(result.OrderID),
		Reasoning:  fmt.Sprintf("Strategy template execution: %s", tpl.Name),
		Mode:       tenant.Mode,
		Status:     statusOrSubmitted(result.Status),
		PnL:        derefFloat(result.RealizedPnL),
	}
	if err := s.trades.InsertTrade(ctx, trade); err != nil {
		return nil, err
	}

	expected := EstimateExpectedPrice(trade.Action, 0, 0, &limitPrice, result.ExpectedPrice)
	fill := s.recordImmediateFill(ctx, trade, result, expected)

	metrics.OrdersTotal.WithLabelValues(trade.Status, trade.Action).Inc()
	s.audit.Emit(tenant.ID, model.EventTemplateExecuted, "", map[string]any{
		"template_id": templateID,
		"trade_id":    trade.ID,
		"order_id":    result.OrderID,
		"status":      trade.Status,
		"contracts":   resolved.Contracts,
	})

	return &ExecutionResult{Trade: trade, Order: result, Fill: fill}, nil
}

func (s *ExecutionService) validatePayload(intent *model.TradeIntent, tier string) (*strategy.Spec, *apperrors.AppError) {
	strategyID := strings.TrimSpace(intent.StrategyID)
	if profile, ok := s.profiles[strategyID]; ok {
		return s.registry.ValidateTradePayloadWithProfile(intent, profile, tier)
	}
	return s.registry.ValidateTradePayload(intent)
}

func (s *ExecutionService) getTemplate(ctx context.Context, clientID string, templateID int64) (*model.StrategyTemplate, error) {
	tpl, err := s.templates.Get(ctx, clientID, templateID)
	if err != nil {
		if err == repository.ErrTemplateNotFound {
			return nil, apperrors.NewNotFound("Strategy template not found")
		}
		return nil, err
	}
	return tpl, nil
}

// enforceTemplateRisk 模板执行前的独立风控检查。组合单没有单腿盘口,
// 所以不走 spread 规则;其余规则与普通下单共享同一套参数。
func (s *ExecutionService) enforceTemplateRisk(ctx context.Context, tenant *model.Tenant, tpl *model.StrategyTemplate, contracts int, params risk.Parameters) *apperrors.AppError {
	if !s.governor.InMarketHours() {
		return apperrors.NewRiskViolation(risk.RuleMarketHours, "order attempted outside configured market hours")
	}

	dailyPnL, recentPnLs, err := s.dayPnL(ctx, tenant.ID)
	if err != nil {
		return apperrors.New(apperrors.ErrInternal, "failed to load trade history", err)
	}
	if dailyPnL <= -math.Abs(params.MaxLoss) {
		return apperrors.NewRiskViolation(risk.RuleMaxDailyLoss,
			fmt.Sprintf("daily loss limit breached: %.2f <= -%.2f", dailyPnL, math.Abs(params.MaxLoss)))
	}
	if len(recentPnLs) >= 3 && recentPnLs[0] <= -500 && recentPnLs[1] <= -500 && recentPnLs[2] <= -500 {
		return apperrors.NewRiskViolation(risk.RuleCircuitBreaker, "3 consecutive losses > $500 triggered halt")
	}

	positions, posErr := s.broker.GetPositions(ctx)
	if posErr != nil {
		return apperrors.NewUpstream("failed to fetch positions", posErr)
	}
	_, openLegs := portfolioSnapshot(positions)
	if openLegs >= params.MaxOpenPositions {
		return apperrors.NewRiskViolation(risk.RuleMaxOpenPos,
			fmt.Sprintf("max open positions reached: %d/%d", openLegs, params.MaxOpenPositions))
	}

	if contracts > tpl.MaxContracts {
		return apperrors.NewRiskViolation(risk.RuleMaxOrderSize,
			fmt.Sprintf("resolved contracts %d exceed template max %d", contracts, tpl.MaxContracts))
	}
	if contracts > params.MaxSize {
		return apperrors.NewRiskViolation(risk.RuleMaxOrderSize,
			fmt.Sprintf("resolved contracts %d exceed client max_size %d", contracts, params.MaxSize))
	}
	return nil
}

// dayPnL 返回 UTC 当日的累计 PnL 和最近三笔的 PnL (新在前)。
func (s *ExecutionService) dayPnL(ctx context.Context, clientID string) (float64, []float64, error) {
	now := s.now().UTC()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	trades, err := s.trades.ListTradesWindow(ctx, clientID, &startOfDay, nil, 500)
	if err != nil {
		return 0, nil, err
	}
	total := 0.0
	recent := make([]float64, 0, 3)
	for _, t := range trades {
		total += t.PnL
		if len(recent) < 3 {
			recent = append(recent, t.PnL)
		}
	}
	return total, recent, nil
}

// recordImmediateFill 把券商同步回报的成交落进账本。失败只记日志,
// 成交流后续还会以幂等方式补投同一条。
func (s *ExecutionService) recordImmediateFill(ctx context.Context, trade *model.Trade, result *broker.OrderResult, expected *float64) *model.TradeFill {
	fill := BuildFillFromOrder(trade.ClientID, trade.ID, trade.OrderID, trade.Action, trade.Qty, result, expected)
	if fill == nil {
		return nil
	}
	if err := s.trades.InsertFill(ctx, fill); err != nil {
		if err != repository.ErrDuplicateFill {
			logger.Error("failed to record immediate fill", "trade_id", trade.ID, "error", err.Error())
		}
		return nil
	}
	pnl := trade.PnL
	if err := s.trades.UpdateTradeAfterFill(ctx, trade.ClientID, trade.ID, trade.Status, fill.FillPrice, &pnl); err != nil {
		logger.Error("failed to sync trade after fill", "trade_id", trade.ID, "error", err.Error())
	}
	metrics.FillsIngested.WithLabelValues("ingested").Inc()
	return fill
}

func (s *ExecutionService) rejectOrder(tenantID string, appErr *apperrors.AppError, order any) {
	metrics.RiskRejects.WithLabelValues(appErr.Rule).Inc()
	s.audit.Emit(tenantID, model.EventRiskRejected, appErr.Rule, map[string]any{
		"reason": appErr.Message,
		"order":  order,
	})
}

func portfolioSnapshot(positions []broker.Position) (netDelta float64, openLegs int) {
	for _, p := range positions {
		netDelta += p.Delta * float64(p.Qty)
		if p.Qty < 0 {
			openLegs += -p.Qty
		} else {
			openLegs += p.Qty
		}
	}
	return netDelta, openLegs
}

func instrumentOrDefault(instrument string) string {
	if instrument == "" {
		return model.InstrumentFOP
	}
	return instrument
}

func statusOrSubmitted(status string) string {
	if status == "" {
		return model.TradeStatusSubmitted
	}
	return status
}
