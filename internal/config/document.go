// Package config defines the rule configuration document: indicators,
// regimes, strategies, strategy sets and routing rules, plus the two-stage
// loading and validation pipeline that turns a JSON file into an active
// Configuration.
package config

import (
	"github.com/quantlab/regimeflow/internal/condition"
)

// Scope restricts a regime to one phase of the trade lifecycle. The empty
// scope means global.
const (
	ScopeEntry   = "entry"
	ScopeExit    = "exit"
	ScopeInTrade = "in_trade"
)

// IndicatorDefinition declares one indicator instance computed upstream.
// Params are immutable except during a strategy-set override window, which
// must restore them byte-identical.
type IndicatorDefinition struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Params    map[string]any `json:"params"`
	Timeframe string         `json:"timeframe,omitempty"`
}

// RegimeDefinition is a named qualitative market-condition descriptor.
// Multiple regimes may be active simultaneously; Priority only orders the
// detector's output, it never suppresses lower-priority matches.
type RegimeDefinition struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Conditions condition.Group `json:"conditions"`
	Priority   int             `json:"priority"`
	Scope      string          `json:"scope,omitempty"`
}

// RiskSettings are all optional so that strategy-set overrides can merge
// per populated scalar.
type RiskSettings struct {
	StopLossPct        *float64 `json:"stop_loss_pct,omitempty"`
	TakeProfitPct      *float64 `json:"take_profit_pct,omitempty"`
	TrailingMode       *string  `json:"trailing_mode,omitempty"`
	TrailingMultiplier *float64 `json:"trailing_multiplier,omitempty"`
	PositionSize       *float64 `json:"position_size,omitempty"`
}

// Merge returns base risk settings with every populated field of override
// winning.
func (r RiskSettings) Merge(override *RiskSettings) RiskSettings {
	if override == nil {
		return r
	}
	out := r
	if override.StopLossPct != nil {
		out.StopLossPct = override.StopLossPct
	}
	if override.TakeProfitPct != nil {
		out.TakeProfitPct = override.TakeProfitPct
	}
	if override.TrailingMode != nil {
		out.TrailingMode = override.TrailingMode
	}
	if override.TrailingMultiplier != nil {
		out.TrailingMultiplier = override.TrailingMultiplier
	}
	if override.PositionSize != nil {
		out.PositionSize = override.PositionSize
	}
	return out
}

// StrategyDefinition carries either declarative entry/exit condition trees,
// free-text entry/exit expressions, or both. Expressions are compiled at
// load time so authoring mistakes surface immediately.
type StrategyDefinition struct {
	ID        string           `json:"id"`
	Entry     *condition.Group `json:"entry,omitempty"`
	Exit      *condition.Group `json:"exit,omitempty"`
	EntryExpr string           `json:"entry_expr,omitempty"`
	ExitExpr  string           `json:"exit_expr,omitempty"`
	Risk      RiskSettings     `json:"risk"`
}

// StrategyOverrides is the per-set override block. Entry/Exit replace the
// base tree wholesale when present; Risk merges per scalar.
type StrategyOverrides struct {
	Entry *condition.Group `json:"entry,omitempty"`
	Exit  *condition.Group `json:"exit,omitempty"`
	Risk  *RiskSettings    `json:"risk,omitempty"`
}

// StrategyRef points a strategy set at a base strategy, optionally with
// overrides. Sets reference definitions by id and never duplicate them.
type StrategyRef struct {
	StrategyID string             `json:"strategy_id"`
	Overrides  *StrategyOverrides `json:"strategy_overrides,omitempty"`
}

// IndicatorOverride temporarily replaces the listed param keys of one
// indicator while a strategy set is being resolved.
type IndicatorOverride struct {
	IndicatorID string         `json:"indicator_id"`
	Params      map[string]any `json:"params"`
}

// StrategySet is a routable bundle of strategy references. Weights, when
// present, are keyed by strategy id and must sum to 1 within 1e-6.
type StrategySet struct {
	ID                 string              `json:"id"`
	Strategies         []StrategyRef       `json:"strategies"`
	IndicatorOverrides []IndicatorOverride `json:"indicator_overrides,omitempty"`
	Weights            map[string]float64  `json:"weights,omitempty"`
}

// MatchSpec is the set-membership match of a routing rule against the
// active regime ids.
type MatchSpec struct {
	AllOf  []string `json:"all_of,omitempty"`
	AnyOf  []string `json:"any_of,omitempty"`
	NoneOf []string `json:"none_of,omitempty"`
}

// RoutingRule routes active regimes to a strategy set. Rules are evaluated
// in declared order; the first match wins.
type RoutingRule struct {
	StrategySetID string    `json:"strategy_set_id"`
	Match         MatchSpec `json:"match"`
}

// Configuration is the aggregate root. It is immutable after successful
// validation (indicator params excepted, see the executor's override
// window) and shared between the reloader and evaluation cycles.
type Configuration struct {
	SchemaVersion string                `json:"schema_version"`
	Indicators    []IndicatorDefinition `json:"indicators"`
	Regimes       []RegimeDefinition    `json:"regimes"`
	Strategies    []StrategyDefinition  `json:"strategies"`
	StrategySets  []StrategySet         `json:"strategy_sets"`
	Routing       []RoutingRule         `json:"routing"`

	indicatorIdx map[string]*IndicatorDefinition
	regimeIdx    map[string]*RegimeDefinition
	strategyIdx  map[string]*StrategyDefinition
	setIdx       map[string]*StrategySet
}

// Counts summarizes a configuration for reload notifications.
type Counts struct {
	Indicators   int `json:"indicators"`
	Regimes      int `json:"regimes"`
	Strategies   int `json:"strategies"`
	StrategySets int `json:"strategy_sets"`
	Routing      int `json:"routing"`
}

func (c *Configuration) Counts() Counts {
	return Counts{
		Indicators:   len(c.Indicators),
		Regimes:      len(c.Regimes),
		Strategies:   len(c.Strategies),
		StrategySets: len(c.StrategySets),
		Routing:      len(c.Routing),
	}
}

// buildIndexes wires the by-id lookup maps. Called at the end of
// validation, after uniqueness has been established.
func (c *Configuration) buildIndexes() {
	c.indicatorIdx = make(map[string]*IndicatorDefinition, len(c.Indicators))
	for i := range c.Indicators {
		c.indicatorIdx[c.Indicators[i].ID] = &c.Indicators[i]
	}
	c.regimeIdx = make(map[string]*RegimeDefinition, len(c.Regimes))
	for i := range c.Regimes {
		c.regimeIdx[c.Regimes[i].ID] = &c.Regimes[i]
	}
	c.strategyIdx = make(map[string]*StrategyDefinition, len(c.Strategies))
	for i := range c.Strategies {
		c.strategyIdx[c.Strategies[i].ID] = &c.Strategies[i]
	}
	c.setIdx = make(map[string]*StrategySet, len(c.StrategySets))
	for i := range c.StrategySets {
		c.setIdx[c.StrategySets[i].ID] = &c.StrategySets[i]
	}
}

func (c *Configuration) IndicatorByID(id string) (*IndicatorDefinition, bool) {
	def, ok := c.indicatorIdx[id]
	return def, ok
}

func (c *Configuration) RegimeByID(id string) (*RegimeDefinition, bool) {
	def, ok := c.regimeIdx[id]
	return def, ok
}

func (c *Configuration) StrategyByID(id string) (*StrategyDefinition, bool) {
	def, ok := c.strategyIdx[id]
	return def, ok
}

func (c *Configuration) StrategySetByID(id string) (*StrategySet, bool) {
	set, ok := c.setIdx[id]
	return set, ok
}
