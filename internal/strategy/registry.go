// Package strategy holds the allowlist policy over trade payloads and the
// template resolver that derives concrete option legs from live chain data.
package strategy

import (
	"fmt"
	"strings"

	"github.com/fopgate/fopgate/internal/model"
	"github.com/fopgate/fopgate/internal/pkg/apperrors"
	"github.com/fopgate/fopgate/internal/risk"
)

// Spec 解析后的策略限制描述；不落库，每次校验重新计算。
type Spec struct {
	StrategyID         string
	Name               string
	MaxLegs            int
	AllowedInstruments map[string]struct{}
	AllowedSymbols     map[string]struct{}
	RequireDefinedRisk bool
}

// Profile 租户/DB 来源的策略档案，字段为空时取保守默认。
type Profile struct {
	StrategyID          string   `json:"strategy_id"`
	Name                string   `json:"name"`
	AllowedSymbols      []string `json:"allowed_symbols"`
	AllowedAssetClasses []string `json:"allowed_asset_classes"`
	TierAllowlist       []string `json:"tier_allowlist"`
	MaxLegs             int      `json:"max_legs"`
	RequireDefinedRisk  bool     `json:"require_defined_risk"`
}

// Registry 内置五个具名策略的硬编码允许表。
type Registry struct {
	specs map[string]*Spec
}

const defaultStrategyID = "delta_rebalance_single"

var futuresSymbols = []string{"ES", "NQ", "SI", "GC", "CL"}

func NewRegistry() *Registry {
	build := func(id, name string, maxLegs int, instruments []string, definedRisk bool) *Spec {
		return &Spec{
			StrategyID:         id,
			Name:               name,
			MaxLegs:            maxLegs,
			AllowedInstruments: toSet(instruments),
			AllowedSymbols:     toSet(futuresSymbols),
			RequireDefinedRisk: definedRisk,
		}
	}
	return &Registry{specs: map[string]*Spec{
		"delta_rebalance_single": build("delta_rebalance_single", "Single-leg delta rebalance", 1, []string{"FOP", "FUT"}, false),
		"vertical_spread":        build("vertical_spread", "Defined-risk vertical spread", 2, []string{"FOP"}, true),
		"iron_condor":            build("iron_condor", "Defined-risk iron condor", 4, []string{"FOP"}, true),
		"long_strangle":          build("long_strangle", "Long strangle", 2, []string{"FOP"}, false),
		"short_strangle_defined": build("short_strangle_defined", "Short strangle with wings", 4, []string{"FOP"}, true),
	}}
}

// ValidateTradePayload 用内置允许表校验一条交易意图。
func (r *Registry) ValidateTradePayload(intent *model.TradeIntent) (*Spec, *apperrors.AppError) {
	strategyID := strings.TrimSpace(intent.StrategyID)
	if strategyID == "" {
		strategyID = defaultStrategyID
	}
	spec, ok := r.specs[strategyID]
	if !ok {
		return nil, policyViolation("unknown strategy_id=%s", strategyID)
	}
	if err := validateLegs(intent, spec, strategyID); err != nil {
		return nil, err
	}
	return spec, nil
}

// ValidateTradePayloadWithProfile 用租户档案校验，并附加订阅级别允许表。
func (r *Registry) ValidateTradePayloadWithProfile(intent *model.TradeIntent, profile Profile, clientTier string) (*Spec, *apperrors.AppError) {
	strategyID := strings.TrimSpace(profile.StrategyID)
	if strategyID == "" {
		return nil, policyViolation("strategy profile missing strategy_id")
	}

	maxLegs := profile.MaxLegs
	if maxLegs <= 0 {
		maxLegs = 1
	}
	allowedSymbols := toSet(profile.AllowedSymbols)
	if len(allowedSymbols) == 0 {
		allowedSymbols = toSet([]string{"ES", "NQ"})
	}
	name := profile.Name
	if name == "" {
		name = strategyID
	}
	spec := &Spec{
		StrategyID:         strategyID,
		Name:               name,
		MaxLegs:            maxLegs,
		AllowedInstruments: toSet([]string{"FOP", "FUT", "OPT", "OPTION"}),
		AllowedSymbols:     allowedSymbols,
		RequireDefinedRisk: profile.RequireDefinedRisk,
	}

	legs := intent.NormalizedLegs()
	if len(legs) == 0 {
		return nil, policyViolation("trade payload has no executable legs")
	}
	if len(legs) > spec.MaxLegs {
		return nil, policyViolation("strategy %s max_legs=%d got=%d", strategyID, spec.MaxLegs, len(legs))
	}

	allowedClasses := toLowerSet(profile.AllowedAssetClasses)
	for _, leg := range legs {
		symbol := strings.ToUpper(leg.Symbol)
		if _, ok := spec.AllowedSymbols[symbol]; !ok {
			return nil, policyViolation("symbol %s not allowed for %s", symbol, strategyID)
		}
		if len(allowedClasses) > 0 {
			class := instrumentToAssetClass(leg.Instrument)
			if _, ok := allowedClasses[class]; !ok {
				return nil, policyViolation("asset class %s not allowed for %s", class, strategyID)
			}
		}
	}

	if len(profile.TierAllowlist) > 0 && clientTier != "" {
		tiers := toLowerSet(profile.TierAllowlist)
		if _, ok := tiers[strings.ToLower(clientTier)]; !ok {
			return nil, policyViolation("tier %s not allowed for %s", clientTier, strategyID)
		}
	}

	if spec.RequireDefinedRisk && !isDefinedRisk(legs) {
		return nil, policyViolation("strategy %s requires defined-risk structure", strategyID)
	}
	return spec, nil
}

func validateLegs(intent *model.TradeIntent, spec *Spec, strategyID string) *apperrors.AppError {
	legs := intent.NormalizedLegs()
	if len(legs) == 0 {
		return policyViolation("trade payload has no executable legs")
	}
	if len(legs) > spec.MaxLegs {
		return policyViolation("strategy %s max_legs=%d got=%d", strategyID, spec.MaxLegs, len(legs))
	}
	for _, leg := range legs {
		symbol := strings.ToUpper(leg.Symbol)
		instrument := strings.ToUpper(leg.Instrument)
		if _, ok := spec.AllowedSymbols[symbol]; !ok {
			return policyViolation("symbol %s not allowed for %s", symbol, strategyID)
		}
		if _, ok := spec.AllowedInstruments[instrument]; !ok {
			return policyViolation("instrument %s not allowed for %s", instrument, strategyID)
		}
	}
	if spec.RequireDefinedRisk && !isDefinedRisk(legs) {
		return policyViolation("strategy %s requires defined-risk structure", strategyID)
	}
	return nil
}

// isDefinedRisk 纯启发式：>=2 条腿且同时存在 BUY 和 SELL。
// 它不验证真实的有界收益结构，只看腿的组合。
func isDefinedRisk(legs []model.OrderLeg) bool {
	if len(legs) < 2 {
		return false
	}
	var hasBuy, hasSell bool
	for _, leg := range legs {
		switch strings.ToUpper(leg.Action) {
		case model.ActionBuy:
			hasBuy = true
		case model.ActionSell:
			hasSell = true
		}
	}
	return hasBuy && hasSell
}

func instrumentToAssetClass(instrument string) string {
	switch strings.ToUpper(instrument) {
	case "FOP", "OPT", "OPTION":
		return "fop"
	case "FUT", "FUTURE":
		return "future"
	default:
		return "unknown"
	}
}

func policyViolation(format string, args ...any) *apperrors.AppError {
	return apperrors.NewRiskViolation(risk.RuleStrategyPolicy, fmt.Sprintf(format, args...))
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[strings.ToUpper(strings.TrimSpace(v))] = struct{}{}
	}
	delete(out, "")
	return out
}

func toLowerSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}
	delete(out, "")
	return out
}
