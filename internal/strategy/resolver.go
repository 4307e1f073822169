package strategy

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/fopgate/fopgate/internal/broker"
	"github.com/fopgate/fopgate/internal/model"
	"github.com/fopgate/fopgate/internal/pkg/apperrors"
)

// Resolver 把策略模板在当前期权链上落成具体的腿。结果一次性使用,
// 行情变了就要重算,所以这里没有任何缓存。
type Resolver struct {
	now func() time.Time
}

func NewResolver() *Resolver {
	return &Resolver{now: time.Now}
}

// WithClock 固定时钟,DTE 计算在测试里才可复现。
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

var (
	eightDigitRe = regexp.MustCompile(`(\d{8})`)
	sixDigitRe   = regexp.MustCompile(`(\d{6})`)
)

// Resolve 按模板从期权链选出到期日、中心行权价与两翼,并估算
// 权利金、最大风险、净希腊值与到期盈亏曲线。
func (r *Resolver) Resolve(ctx context.Context, tpl *model.StrategyTemplate, bk broker.Broker) (*model.ResolvedStrategy, error) {
	chain, err := bk.GetOptionsChain(ctx, tpl.UnderlyingSymbol, "")
	if err != nil {
		return nil, apperrors.NewUpstream(fmt.Sprintf("options chain fetch failed for %s", tpl.UnderlyingSymbol), err)
	}
	if len(chain) == 0 {
		return nil, resolutionFailure("No options chain data returned for %s", tpl.UnderlyingSymbol)
	}

	validRows := make([]broker.ChainRow, 0, len(chain))
	for _, row := range chain {
		if strings.TrimSpace(row.Expiry) != "" {
			validRows = append(validRows, row)
		}
	}
	if len(validRows) == 0 {
		return nil, resolutionFailure("No expiry data in options chain")
	}

	selectedExpiry, selectedDTE, err := r.selectExpiry(validRows, tpl.DTEMin, tpl.DTEMax)
	if err != nil {
		return nil, err
	}
	expiryRows := make([]broker.ChainRow, 0, len(validRows))
	for _, row := range validRows {
		if row.Expiry == selectedExpiry {
			expiryRows = append(expiryRows, row)
		}
	}
	if len(expiryRows) == 0 {
		return nil, resolutionFailure("No rows found for selected expiry %s", selectedExpiry)
	}

	center := expiryRows[0]
	for _, row := range expiryRows[1:] {
		if deltaDistance(row, tpl.CenterDeltaTarget) < deltaDistance(center, tpl.CenterDeltaTarget) {
			center = row
		}
	}
	centerStrike := center.Strike

	strikeSet := make(map[float64]struct{}, len(expiryRows))
	for _, row := range expiryRows {
		strikeSet[row.Strike] = struct{}{}
	}
	strikes := make([]float64, 0, len(strikeSet))
	for s := range strikeSet {
		strikes = append(strikes, s)
	}
	sort.Float64s(strikes)

	upperWidth := tpl.WingWidth
	if tpl.StrategyType == model.StrategyBrokenWingButterfly {
		upperWidth = tpl.WingWidth * 1.5
	}
	lowerStrike, upperStrike, err := selectWingStrikes(strikes, centerStrike, tpl.WingWidth, upperWidth)
	if err != nil {
		return nil, err
	}

	lowerRow, okLower := rowForStrike(expiryRows, lowerStrike)
	upperRow, okUpper := rowForStrike(expiryRows, upperStrike)
	if !okLower || !okUpper {
		return nil, resolutionFailure("Missing required wing contracts in options chain")
	}

	ironFly := tpl.StrategyType == model.StrategyIronFly
	for _, row := range []broker.ChainRow{lowerRow, center, upperRow} {
		if row.CallDelta == nil || (ironFly && row.PutDelta == nil) {
			return nil, resolutionFailure("Greeks unavailable for selected contracts")
		}
	}

	market, err := bk.GetMarketData(ctx, tpl.UnderlyingSymbol)
	if err != nil {
		return nil, apperrors.NewUpstream(fmt.Sprintf("market data fetch failed for %s", tpl.UnderlyingSymbol), err)
	}
	underlying := market.UnderlyingPrice
	if underlying <= 0 {
		underlying = centerStrike
	}

	lowerCallMid := lowerRow.Mid("C")
	centerCallMid := center.Mid("C")
	upperCallMid := upperRow.Mid("C")
	lowerPutMid := lowerRow.Mid("P")
	centerPutMid := center.Mid("P")

	var netPremium float64
	if ironFly {
		// 卖 ATM 跨式、买两翼,收权利金。
		netPremium = (centerCallMid + centerPutMid) - (lowerPutMid + upperCallMid)
	} else {
		// 买入蝶式,付权利金。
		netPremium = (lowerCallMid + upperCallMid) - 2.0*centerCallMid
	}

	multiplier := center.Multiplier
	if multiplier == 0 {
		multiplier = 50.0
	}
	var maxLossPer1 float64
	if ironFly {
		maxWidth := math.Max(centerStrike-lowerStrike, upperStrike-centerStrike)
		maxLossPer1 = math.Max(maxWidth-math.Max(netPremium, 0), 0) * multiplier
	} else {
		maxLossPer1 = math.Max((centerStrike-lowerStrike)-math.Max(netPremium, 0), 0) * multiplier
	}

	contracts := 1
	if tpl.SizingMethod == model.SizingRiskBased {
		raw := int(tpl.MaxRiskPerTrade / math.Max(maxLossPer1, 1.0))
		if raw > contracts {
			contracts = raw
		}
	}
	if contracts > tpl.MaxContracts {
		contracts = tpl.MaxContracts
	}

	maxRisk := maxLossPer1 * float64(contracts)
	if maxRisk > tpl.MaxRiskPerTrade {
		return nil, resolutionFailure(
			"Resolved structure risk %.2f exceeds max_risk_per_trade %.2f", maxRisk, tpl.MaxRiskPerTrade)
	}

	var netDelta1, netGamma, netTheta, netVega float64
	var legs []model.OrderLeg
	if ironFly {
		netDelta1 = -deref(center.CallDelta) - deref(center.PutDelta) + deref(lowerRow.PutDelta) + deref(upperRow.CallDelta)
		netGamma = (-2.0*deref(center.Gamma) + deref(lowerRow.Gamma) + deref(upperRow.Gamma)) * float64(contracts)
		netTheta = (-2.0*deref(center.Theta) + deref(lowerRow.Theta) + deref(upperRow.Theta)) * float64(contracts)
		netVega = (-2.0*deref(center.Vega) + deref(lowerRow.Vega) + deref(upperRow.Vega)) * float64(contracts)
		legs = []model.OrderLeg{
			buildLeg(model.ActionBuy, 1, tpl, selectedExpiry, lowerStrike, lowerRow, "P"),
			buildLeg(model.ActionSell, 1, tpl, selectedExpiry, centerStrike, center, "P"),
			buildLeg(model.ActionSell, 1, tpl, selectedExpiry, centerStrike, center, "C"),
			buildLeg(model.ActionBuy, 1, tpl, selectedExpiry, upperStrike, upperRow, "C"),
		}
	} else {
		netDelta1 = deref(lowerRow.CallDelta) - 2.0*deref(center.CallDelta) + deref(upperRow.CallDelta)
		netGamma = (deref(lowerRow.Gamma) - 2.0*deref(center.Gamma) + deref(upperRow.Gamma)) * float64(contracts)
		netTheta = (deref(lowerRow.Theta) - 2.0*deref(center.Theta) + deref(upperRow.Theta)) * float64(contracts)
		netVega = (deref(lowerRow.Vega) - 2.0*deref(center.Vega) + deref(upperRow.Vega)) * float64(contracts)
		legs = []model.OrderLeg{
			buildLeg(model.ActionBuy, 1, tpl, selectedExpiry, lowerStrike, lowerRow, "C"),
			buildLeg(model.ActionSell, 2, tpl, selectedExpiry, centerStrike, center, "C"),
			buildLeg(model.ActionBuy, 1, tpl, selectedExpiry, upperStrike, upperRow, "C"),
		}
	}
	netDelta := netDelta1 * float64(contracts)

	curve := estimatePnLCurve(underlying, lowerStrike, centerStrike, upperStrike,
		netPremium, multiplier, contracts, tpl.StrategyType)

	return &model.ResolvedStrategy{
		TemplateID:   tpl.ID,
		StrategyType: tpl.StrategyType,
		Expiry:       selectedExpiry,
		DTE:          selectedDTE,
		CenterStrike: centerStrike,
		NetPremium:   round(netPremium, 4),
		MaxRisk:      round(maxRisk, 2),
		NetDelta:     round(netDelta, 4),
		Contracts:    contracts,
		Greeks: model.Greeks{
			Delta: round(netDelta, 4),
			Gamma: round(netGamma, 4),
			Theta: round(netTheta, 4),
			Vega:  round(netVega, 4),
		},
		PnLCurve: curve,
		Legs:     legs,
	}, nil
}

// selectExpiry 从链里所有可解析到期日中取 DTE 落在 [min,max] 且最接近区间
// 中点的那个。失败时在错误里列出最近的最多 8 个到期日供排查。
func (r *Resolver) selectExpiry(rows []broker.ChainRow, dteMin, dteMax int) (string, int, error) {
	today := r.now().UTC().Truncate(24 * time.Hour)
	expiryDTE := make(map[string]int)
	order := make([]string, 0, 8)
	for _, row := range rows {
		exp := strings.TrimSpace(row.Expiry)
		if _, seen := expiryDTE[exp]; seen {
			continue
		}
		expDate, ok := parseExpiryDate(exp)
		if !ok {
			continue
		}
		expiryDTE[exp] = int(expDate.Sub(today).Hours() / 24)
		order = append(order, exp)
	}
	if len(expiryDTE) == 0 {
		return "", 0, resolutionFailure("No parseable expiry values in options chain")
	}

	type candidate struct {
		expiry string
		dte    int
	}
	allowed := make([]candidate, 0, len(order))
	all := make([]candidate, 0, len(order))
	for _, exp := range order {
		dte := expiryDTE[exp]
		all = append(all, candidate{exp, dte})
		if dte >= dteMin && dte <= dteMax {
			allowed = append(allowed, candidate{exp, dte})
		}
	}
	if len(allowed) == 0 {
		sort.Slice(all, func(i, j int) bool { return all[i].dte < all[j].dte })
		if len(all) > 8 {
			all = all[:8]
		}
		parts := make([]string, 0, len(all))
		for _, c := range all {
			parts = append(parts, fmt.Sprintf("%s (%dd)", c.expiry, c.dte))
		}
		return "", 0, resolutionFailure(
			"No expiry matched configured DTE range %d-%d. Available expiries: %s",
			dteMin, dteMax, strings.Join(parts, ", "))
	}

	midpoint := float64(dteMin+dteMax) / 2
	best := allowed[0]
	for _, c := range allowed[1:] {
		if math.Abs(float64(c.dte)-midpoint) < math.Abs(float64(best.dte)-midpoint) {
			best = c
		}
	}
	return best.expiry, best.dte, nil
}

func selectWingStrikes(strikes []float64, center, lowerWidth, upperWidth float64) (float64, float64, error) {
	var lowerCandidates, upperCandidates []float64
	for _, s := range strikes {
		switch {
		case s < center:
			lowerCandidates = append(lowerCandidates, s)
		case s > center:
			upperCandidates = append(upperCandidates, s)
		}
	}
	if len(lowerCandidates) == 0 || len(upperCandidates) == 0 {
		low, high := center, center
		if len(strikes) > 0 {
			low, high = strikes[0], strikes[len(strikes)-1]
		}
		return 0, 0, resolutionFailure(
			"Unable to construct butterfly wings from current chain. Need strikes both below and above center %g, available range is %g-%g.",
			center, low, high)
	}
	lowerTarget := center - math.Max(lowerWidth, 0)
	upperTarget := center + math.Max(upperWidth, 0)
	return nearest(lowerCandidates, lowerTarget), nearest(upperCandidates, upperTarget), nil
}

// parseExpiryDate 兼容 IB 各种到期日写法:标准日期、YYYYMMDD、
// 仅到月的 YYYYMM(取当月最后一天),以及嵌在更长字符串中的数字片段。
func parseExpiryDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{"2006-01-02", "2006/01/02", "20060102"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	if m := eightDigitRe.FindString(raw); m != "" {
		if t, err := time.Parse("20060102", m); err == nil {
			return t, true
		}
	}
	if m := sixDigitRe.FindString(raw); m != "" {
		if t, err := time.Parse("200601", m); err == nil {
			// 月末:下月第一天减一天。
			return t.AddDate(0, 1, -1), true
		}
	}
	return time.Time{}, false
}

func estimatePnLCurve(underlying, lower, center, upper, premium, multiplier float64, contracts int, strategyType string) []model.PnLPoint {
	factors := []float64{0.90, 0.95, 1.00, 1.05, 1.10}
	out := make([]model.PnLPoint, 0, len(factors))
	for _, f := range factors {
		s := underlying * f
		var pnl float64
		if strategyType == model.StrategyIronFly {
			payoff := math.Max(lower-s, 0) - math.Max(center-s, 0) - math.Max(s-center, 0) + math.Max(s-upper, 0)
			pnl = (premium + payoff) * multiplier * float64(contracts)
		} else {
			payoff := math.Max(s-lower, 0) - 2.0*math.Max(s-center, 0) + math.Max(s-upper, 0)
			pnl = (payoff - premium) * multiplier * float64(contracts)
		}
		out = append(out, model.PnLPoint{Underlying: round(s, 2), PnL: round(pnl, 2)})
	}
	return out
}

func buildLeg(action string, ratio int, tpl *model.StrategyTemplate, expiry string, strike float64, row broker.ChainRow, right string) model.OrderLeg {
	exchange := row.Exchange
	if exchange == "" {
		exchange = "CME"
	}
	var multiplier string
	if row.Multiplier != 0 {
		multiplier = formatMultiplier(row.Multiplier)
	}
	var delta float64
	if right == "P" {
		delta = deref(row.PutDelta)
	} else {
		delta = deref(row.CallDelta)
	}
	strikeCopy := strike
	return model.OrderLeg{
		Action:       action,
		Ratio:        ratio,
		Symbol:       tpl.UnderlyingSymbol,
		Instrument:   model.InstrumentFOP,
		Expiry:       expiry,
		Strike:       &strikeCopy,
		Right:        right,
		Exchange:     exchange,
		TradingClass: row.TradingClass,
		Multiplier:   multiplier,
		Delta:        delta,
		MidPrice:     row.Mid(right),
	}
}

func formatMultiplier(m float64) string {
	if m == math.Trunc(m) {
		return fmt.Sprintf("%d", int64(m))
	}
	return fmt.Sprintf("%g", m)
}

func rowForStrike(rows []broker.ChainRow, strike float64) (broker.ChainRow, bool) {
	for _, row := range rows {
		if row.Strike == strike {
			return row, true
		}
	}
	return broker.ChainRow{}, false
}

func deltaDistance(row broker.ChainRow, target float64) float64 {
	return math.Abs(math.Abs(deref(row.CallDelta)) - target)
}

func nearest(values []float64, target float64) float64 {
	best := values[0]
	for _, v := range values[1:] {
		if math.Abs(v-target) < math.Abs(best-target) {
			best = v
		}
	}
	return best
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func round(v float64, places int) float64 {
	shift := math.Pow(10, float64(places))
	return math.Round(v*shift) / shift
}

func resolutionFailure(format string, args ...any) *apperrors.AppError {
	return apperrors.NewResolutionFailure(fmt.Sprintf(format, args...))
}
