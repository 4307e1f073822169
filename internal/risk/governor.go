package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/fopgate/fopgate/internal/pkg/apperrors"
	"github.com/shopspring/decimal"
)

// Stable rule codes carried on every rejection.
const (
	RuleMaxNetDelta    = "MAX_NET_DELTA"
	RuleMaxOrderSize   = "MAX_SINGLE_ORDER_SIZE"
	RuleMaxDailyLoss   = "MAX_DAILY_LOSS"
	RuleMaxOpenPos     = "MAX_OPEN_POSITIONS"
	RuleMarketHours    = "MARKET_HOURS"
	RuleSpreadLimit    = "SPREAD_LIMIT"
	RuleCircuitBreaker = "CIRCUIT_BREAKER"
	RuleStrategyPolicy = "STRATEGY_POLICY"
)

// circuitBreakerLossFloor is the per-trade loss that counts toward the
// three-strikes circuit breaker.
const circuitBreakerLossFloor = -500.0

// OrderCheck 下单前风控评估的输入快照。
// RecentTradePnLs 由调用方提供（最近 N 笔，按时间倒序在前），
// governor 本身不持有任何交易历史。
type OrderCheck struct {
	Qty             int
	NetDelta        float64
	ProjectedDelta  *float64
	DailyPnL        float64
	RecentTradePnLs []float64
	OpenLegs        int
	Bid             float64
	Ask             float64
}

// Governor is a stateless rule evaluator over an order plus a
// portfolio/market snapshot. The clock and market-hours predicate are
// injectable so tests can pin them.
type Governor struct {
	now         func() time.Time
	marketHours func(time.Time) bool
}

func NewGovernor() *Governor {
	return &Governor{
		now:         time.Now,
		marketHours: defaultMarketHours,
	}
}

// WithClock returns a copy of the governor evaluating at a fixed clock.
func (g *Governor) WithClock(now func() time.Time) *Governor {
	clone := *g
	clone.now = now
	return &clone
}

// WithMarketHours overrides the trading-window predicate.
func (g *Governor) WithMarketHours(pred func(time.Time) bool) *Governor {
	clone := *g
	clone.marketHours = pred
	return &clone
}

// InMarketHours reports whether the governor's clock currently falls inside
// the configured trading window.
func (g *Governor) InMarketHours() bool {
	return g.marketHours(g.now().UTC())
}

// ValidateOrder 按固定顺序评估所有规则，第一条违规即返回。
// 无副作用；违规的审计落盘由调用方负责。
func (g *Governor) ValidateOrder(chk OrderCheck, params Parameters) *apperrors.AppError {
	// 1. MAX_NET_DELTA: reject unless the order strictly reduces an
	// already-breached net delta.
	effective := chk.NetDelta
	if chk.ProjectedDelta != nil {
		effective = *chk.ProjectedDelta
	}
	if math.Abs(effective) > params.DeltaThreshold {
		reducing := math.Abs(chk.NetDelta) > params.DeltaThreshold && math.Abs(effective) < math.Abs(chk.NetDelta)
		if !reducing {
			return apperrors.NewRiskViolation(RuleMaxNetDelta,
				fmt.Sprintf("net_delta=%.4f projected_delta=%.4f threshold=%.4f", chk.NetDelta, effective, params.DeltaThreshold))
		}
	}

	// 2. Order size. qty == max passes.
	if chk.Qty > params.MaxSize {
		return apperrors.NewRiskViolation(RuleMaxOrderSize,
			fmt.Sprintf("qty=%d max=%d", chk.Qty, params.MaxSize))
	}

	// 3. Daily loss.
	if chk.DailyPnL <= -math.Abs(params.MaxLoss) {
		return apperrors.NewRiskViolation(RuleMaxDailyLoss,
			fmt.Sprintf("daily_pnl=%.2f max_loss=%.2f", chk.DailyPnL, params.MaxLoss))
	}

	// 4. Open positions.
	if chk.OpenLegs >= params.MaxOpenPositions {
		return apperrors.NewRiskViolation(RuleMaxOpenPos,
			fmt.Sprintf("open_legs=%d max=%d", chk.OpenLegs, params.MaxOpenPositions))
	}

	// 5. Market hours (UTC time-of-day window).
	if !g.marketHours(g.now().UTC()) {
		return apperrors.NewRiskViolation(RuleMarketHours,
			"order attempted outside configured market hours")
	}

	// 6. Spread limit, only when both sides are quoted.
	if chk.Bid > 0 && chk.Ask > 0 {
		bid := decimal.NewFromFloat(chk.Bid)
		ask := decimal.NewFromFloat(chk.Ask)
		mid := bid.Add(ask).Div(decimal.NewFromInt(2))
		if mid.IsPositive() {
			ratio := ask.Sub(bid).Div(mid)
			if ratio.GreaterThan(decimal.NewFromFloat(params.SpreadRatioLimit)) {
				return apperrors.NewRiskViolation(RuleSpreadLimit,
					fmt.Sprintf("spread_ratio=%s > %.2f", ratio.StringFixed(4), params.SpreadRatioLimit))
			}
		}
	}

	// 7. Circuit breaker: the last three recorded trade P&Ls each at or
	// below the loss floor.
	if tripsCircuitBreaker(chk.RecentTradePnLs) {
		return apperrors.NewRiskViolation(RuleCircuitBreaker,
			"3 consecutive losses > $500 triggered halt")
	}

	return nil
}

func tripsCircuitBreaker(recent []float64) bool {
	if len(recent) < 3 {
		return false
	}
	for _, pnl := range recent[:3] {
		if pnl > circuitBreakerLossFloor {
			return false
		}
	}
	return true
}

// defaultMarketHours approximates RTH + ETH for CME index futures options.
// The daily maintenance break is 21:00-22:00 UTC.
func defaultMarketHours(now time.Time) bool {
	minutes := now.Hour()*60 + now.Minute()
	return minutes >= 22*60 || minutes <= 21*60
}
