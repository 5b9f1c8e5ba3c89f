package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/quantlab/regimeflow/internal/condition"
	"github.com/quantlab/regimeflow/internal/expr"
)

// MaxConditionDepth bounds condition-tree nesting. The document format has
// no way to express a cycle, so a depth guard at validation time is the
// whole protection.
const MaxConditionDepth = 16

const (
	minPriority = 0
	maxPriority = 100
)

const weightSumTolerance = 1e-6

var indicatorIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidationError aggregates every semantic finding of a validation pass so
// an author fixes the document in one round trip.
type ValidationError struct {
	Findings []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration invalid: %s", strings.Join(e.Findings, "; "))
}

type validator struct {
	cfg      *Configuration
	engine   *expr.Engine
	findings []string
}

func (v *validator) errf(format string, args ...any) {
	v.findings = append(v.findings, fmt.Sprintf(format, args...))
}

// Validate runs the semantic stage: id uniqueness and patterns, reference
// resolution, numeric ranges, tree depth, weight sums, and compilation of
// free-text expressions. On success the configuration's lookup indexes are
// built and it is ready to serve evaluation cycles.
func (c *Configuration) Validate(engine *expr.Engine) error {
	v := &validator{cfg: c, engine: engine}

	indicatorIDs := v.checkIndicators()
	regimeIDs := v.checkRegimes(indicatorIDs)
	strategyIDs := v.checkStrategies(indicatorIDs)
	setIDs := v.checkStrategySets(strategyIDs, indicatorIDs)
	v.checkRouting(setIDs, regimeIDs)

	if len(v.findings) > 0 {
		return &ValidationError{Findings: v.findings}
	}
	c.buildIndexes()
	return nil
}

func (v *validator) checkIndicators() map[string]bool {
	ids := make(map[string]bool, len(v.cfg.Indicators))
	for i, ind := range v.cfg.Indicators {
		switch {
		case ind.ID == "":
			v.errf("indicators[%d]: missing id", i)
		case !indicatorIDPattern.MatchString(ind.ID):
			v.errf("indicator %q: id must match %s", ind.ID, indicatorIDPattern)
		case ids[ind.ID]:
			v.errf("indicator %q: duplicate id", ind.ID)
		default:
			ids[ind.ID] = true
		}
		if ind.Type == "" {
			v.errf("indicator %q: missing type", ind.ID)
		}
		v.checkParams(fmt.Sprintf("indicator %q", ind.ID), ind.Params)
	}
	return ids
}

// checkParams validates scalar params plus optimization-range objects,
// which must carry step > 0 and weights within [0,1].
func (v *validator) checkParams(where string, params map[string]any) {
	for name, raw := range params {
		obj, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if step, ok := toFloat(obj["step"]); ok && step <= 0 {
			v.errf("%s: param %q range step must be > 0, got %v", where, name, step)
		}
		if weight, ok := toFloat(obj["weight"]); ok && (weight < 0 || weight > 1) {
			v.errf("%s: param %q weight must be within [0,1], got %v", where, name, weight)
		}
	}
}

func (v *validator) checkRegimes(indicatorIDs map[string]bool) map[string]bool {
	ids := make(map[string]bool, len(v.cfg.Regimes))
	for i, regime := range v.cfg.Regimes {
		switch {
		case regime.ID == "":
			v.errf("regimes[%d]: missing id", i)
		case ids[regime.ID]:
			v.errf("regime %q: duplicate id", regime.ID)
		default:
			ids[regime.ID] = true
		}
		if regime.Priority < minPriority || regime.Priority > maxPriority {
			v.errf("regime %q: priority must be within [%d,%d], got %d", regime.ID, minPriority, maxPriority, regime.Priority)
		}
		switch regime.Scope {
		case "", ScopeEntry, ScopeExit, ScopeInTrade:
		default:
			v.errf("regime %q: unknown scope %q", regime.ID, regime.Scope)
		}
		v.checkGroup(fmt.Sprintf("regime %q", regime.ID), &regime.Conditions, indicatorIDs, 1)
	}
	return ids
}

func (v *validator) checkStrategies(indicatorIDs map[string]bool) map[string]bool {
	ids := make(map[string]bool, len(v.cfg.Strategies))
	for i, strat := range v.cfg.Strategies {
		switch {
		case strat.ID == "":
			v.errf("strategies[%d]: missing id", i)
		case ids[strat.ID]:
			v.errf("strategy %q: duplicate id", strat.ID)
		default:
			ids[strat.ID] = true
		}
		if strat.Entry != nil {
			v.checkGroup(fmt.Sprintf("strategy %q entry", strat.ID), strat.Entry, indicatorIDs, 1)
		}
		if strat.Exit != nil {
			v.checkGroup(fmt.Sprintf("strategy %q exit", strat.ID), strat.Exit, indicatorIDs, 1)
		}
		v.checkExpr(fmt.Sprintf("strategy %q entry_expr", strat.ID), strat.EntryExpr)
		v.checkExpr(fmt.Sprintf("strategy %q exit_expr", strat.ID), strat.ExitExpr)
		v.checkRisk(fmt.Sprintf("strategy %q", strat.ID), strat.Risk)
	}
	return ids
}

func (v *validator) checkExpr(where, source string) {
	if source == "" || v.engine == nil {
		return
	}
	if err := v.engine.Validate(source); err != nil {
		v.errf("%s: %v", where, err)
	}
}

func (v *validator) checkRisk(where string, risk RiskSettings) {
	if risk.StopLossPct != nil && *risk.StopLossPct <= 0 {
		v.errf("%s: stop_loss_pct must be > 0", where)
	}
	if risk.TakeProfitPct != nil && *risk.TakeProfitPct <= 0 {
		v.errf("%s: take_profit_pct must be > 0", where)
	}
	if risk.PositionSize != nil && (*risk.PositionSize <= 0 || *risk.PositionSize > 1) {
		v.errf("%s: position_size must be within (0,1]", where)
	}
}

func (v *validator) checkStrategySets(strategyIDs, indicatorIDs map[string]bool) map[string]bool {
	ids := make(map[string]bool, len(v.cfg.StrategySets))
	for i, set := range v.cfg.StrategySets {
		switch {
		case set.ID == "":
			v.errf("strategy_sets[%d]: missing id", i)
		case ids[set.ID]:
			v.errf("strategy set %q: duplicate id", set.ID)
		default:
			ids[set.ID] = true
		}
		if len(set.Strategies) == 0 {
			v.errf("strategy set %q: references no strategies", set.ID)
		}
		for _, ref := range set.Strategies {
			if !strategyIDs[ref.StrategyID] {
				v.errf("strategy set %q: unknown strategy %q", set.ID, ref.StrategyID)
			}
			if ref.Overrides != nil {
				if ref.Overrides.Entry != nil {
					v.checkGroup(fmt.Sprintf("strategy set %q override entry", set.ID), ref.Overrides.Entry, indicatorIDs, 1)
				}
				if ref.Overrides.Exit != nil {
					v.checkGroup(fmt.Sprintf("strategy set %q override exit", set.ID), ref.Overrides.Exit, indicatorIDs, 1)
				}
				if ref.Overrides.Risk != nil {
					v.checkRisk(fmt.Sprintf("strategy set %q override", set.ID), *ref.Overrides.Risk)
				}
			}
		}
		for _, ov := range set.IndicatorOverrides {
			if !indicatorIDs[ov.IndicatorID] {
				v.errf("strategy set %q: indicator override references unknown indicator %q", set.ID, ov.IndicatorID)
			}
			if len(ov.Params) == 0 {
				v.errf("strategy set %q: indicator override for %q lists no params", set.ID, ov.IndicatorID)
			}
			v.checkParams(fmt.Sprintf("strategy set %q override for %q", set.ID, ov.IndicatorID), ov.Params)
		}
		v.checkWeights(set, strategyIDs)
	}
	return ids
}

func (v *validator) checkWeights(set StrategySet, strategyIDs map[string]bool) {
	if len(set.Weights) == 0 {
		return
	}
	sum := 0.0
	for id, w := range set.Weights {
		if !strategyIDs[id] {
			v.errf("strategy set %q: weight references unknown strategy %q", set.ID, id)
		}
		if w < 0 || w > 1 {
			v.errf("strategy set %q: weight for %q must be within [0,1], got %v", set.ID, id, w)
		}
		sum += w
	}
	if sum < 1-weightSumTolerance || sum > 1+weightSumTolerance {
		v.errf("strategy set %q: weights must sum to 1.0, got %v", set.ID, sum)
	}
}

func (v *validator) checkRouting(setIDs, regimeIDs map[string]bool) {
	for i, rule := range v.cfg.Routing {
		where := fmt.Sprintf("routing[%d]", i)
		if rule.StrategySetID == "" {
			v.errf("%s: missing strategy_set_id", where)
		} else if !setIDs[rule.StrategySetID] {
			v.errf("%s: unknown strategy set %q", where, rule.StrategySetID)
		}
		if len(rule.Match.AllOf) == 0 && len(rule.Match.AnyOf) == 0 && len(rule.Match.NoneOf) == 0 {
			v.errf("%s: match is empty, rule would shadow everything after it", where)
		}
		for _, list := range [][]string{rule.Match.AllOf, rule.Match.AnyOf, rule.Match.NoneOf} {
			for _, id := range list {
				if !regimeIDs[id] {
					v.errf("%s: unknown regime %q", where, id)
				}
			}
		}
	}
}

// checkGroup enforces the exactly-one-of-all/any shape, reference
// resolution in leaves, and the depth guard.
func (v *validator) checkGroup(where string, g *condition.Group, indicatorIDs map[string]bool, depth int) {
	if depth > MaxConditionDepth {
		v.errf("%s: condition tree exceeds max depth %d", where, MaxConditionDepth)
		return
	}
	if len(g.All) > 0 && len(g.Any) > 0 {
		v.errf("%s: group must populate exactly one of all/any, not both", where)
		return
	}
	children := g.All
	if len(children) == 0 {
		children = g.Any
	}
	for _, child := range children {
		if child.Group != nil {
			v.checkGroup(where, child.Group, indicatorIDs, depth+1)
			continue
		}
		v.checkCondition(where, child.Cond, indicatorIDs)
	}
}

func (v *validator) checkCondition(where string, c *condition.Condition, indicatorIDs map[string]bool) {
	if c == nil {
		v.errf("%s: empty condition node", where)
		return
	}
	switch c.Op {
	case condition.OpGT, condition.OpLT, condition.OpEQ:
		if c.Right.Range != nil {
			v.errf("%s: operator %q cannot take a min/max range operand", where, c.Op)
		}
	case condition.OpBetween:
		if c.Right.Range == nil {
			v.errf("%s: between needs a min/max range on the right", where)
		} else if c.Right.Range.Min > c.Right.Range.Max {
			v.errf("%s: between range min %v exceeds max %v", where, c.Right.Range.Min, c.Right.Range.Max)
		}
	default:
		v.errf("%s: unknown operator %q", where, c.Op)
	}
	for _, operand := range []*condition.IndicatorRef{c.Left.Ref, c.Right.Ref} {
		if operand != nil && !indicatorIDs[operand.IndicatorID] {
			v.errf("%s: condition references unknown indicator %q", where, operand.IndicatorID)
		}
	}
	if c.Left.Const == nil && c.Left.Ref == nil {
		v.errf("%s: left operand must be a constant or indicator reference", where)
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	}
	return 0, false
}
