// Package engine orchestrates one evaluation cycle per market update:
// snapshot build, regime detection, routing, strategy resolution and
// entry/exit signal gating, all against a single configuration snapshot.
package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantlab/regimeflow/internal/condition"
	"github.com/quantlab/regimeflow/internal/config"
	"github.com/quantlab/regimeflow/internal/expr"
	"github.com/quantlab/regimeflow/internal/metrics"
	"github.com/quantlab/regimeflow/internal/regime"
	"github.com/quantlab/regimeflow/internal/router"
	"github.com/quantlab/regimeflow/internal/strategy"
)

// ConfigSource yields the configuration a cycle runs against. The engine
// calls Current exactly once per cycle, at the start, so detection, routing
// and resolution never straddle a reload swap.
type ConfigSource interface {
	Current() *config.Configuration
}

// SignalKind tags a gating outcome.
const (
	SignalEntry = "entry"
	SignalExit  = "exit"
)

// Signal is the per-strategy boolean outcome handed to the execution layer
// together with the resolved risk settings. The engine never places orders.
type Signal struct {
	StrategyID string              `json:"strategy_id"`
	Kind       string              `json:"kind"`
	Risk       config.RiskSettings `json:"risk"`
	Weight     float64             `json:"weight,omitempty"`
}

// CycleResult is the read-only export of one evaluation cycle for the
// execution layer, UI and telemetry.
type CycleResult struct {
	CycleID       string          `json:"cycle_id"`
	At            time.Time       `json:"at"`
	SchemaVersion string          `json:"schema_version"`
	ActiveRegimes []regime.Active `json:"active_regimes"`
	StrategySetID string          `json:"strategy_set_id,omitempty"`
	Signals       []Signal        `json:"signals,omitempty"`
	Elapsed       time.Duration   `json:"elapsed"`
}

// Engine runs evaluation cycles. Stateless per-cycle components (detector,
// router) are rebuilt from the cycle's configuration snapshot; they are
// cheap wrappers, and rebuilding guarantees they can never mix generations.
// The executor is the exception: its mutex is what serializes override
// windows, so exactly one instance exists per configuration generation and
// every cycle running against that generation shares it.
type Engine struct {
	source    ConfigSource
	evaluator *condition.Evaluator
	exprs     *expr.Engine
	metrics   *metrics.Registry
	log       zerolog.Logger

	execMu   sync.Mutex
	execCfg  *config.Configuration
	executor *strategy.Executor

	mu   sync.RWMutex
	last *CycleResult
}

func New(source ConfigSource, exprs *expr.Engine, reg *metrics.Registry, log zerolog.Logger) *Engine {
	return &Engine{
		source:    source,
		evaluator: condition.NewEvaluator(log),
		exprs:     exprs,
		metrics:   reg,
		log:       log.With().Str("component", "engine").Logger(),
	}
}

// EvaluateBar runs one full cycle against the per-bar indicator fields.
// extra carries caller-supplied expression context (trading status, last
// closed candle, chart window); the engine overlays the flattened snapshot
// and the active regime ids before gating expressions run.
func (e *Engine) EvaluateBar(fields map[string]map[string]float64, extra expr.Context) (*CycleResult, error) {
	started := time.Now()
	cfg := e.source.Current()

	snap := condition.SnapshotFromFields(fields)
	misses := condition.NewMissSet()

	detector := regime.NewDetector(cfg, e.evaluator, e.log)
	active := detector.DetectActive(snap, misses)

	result := &CycleResult{
		CycleID:       uuid.NewString(),
		At:            started,
		SchemaVersion: cfg.SchemaVersion,
		ActiveRegimes: active,
	}

	set := router.New(cfg, e.log).Route(regime.IDs(active))
	if set != nil {
		result.StrategySetID = set.ID
		resolved, err := e.executorFor(cfg).Resolve(set)
		if err != nil {
			e.observe(result, misses, started, "error")
			return nil, err
		}
		result.Signals = e.gate(resolved, snap, misses, e.exprContext(fields, active, extra))
	}

	result.Elapsed = time.Since(started)
	e.observe(result, misses, started, "ok")

	e.mu.Lock()
	e.last = result
	e.mu.Unlock()
	return result, nil
}

// executorFor returns the executor bound to cfg, building one the first
// time each configuration generation is seen. Sharing the instance shares
// its mutex, so concurrent cycles on the same generation serialize their
// override windows instead of interleaving checkout/checkin against the
// same indicator params.
func (e *Engine) executorFor(cfg *config.Configuration) *strategy.Executor {
	e.execMu.Lock()
	defer e.execMu.Unlock()
	if e.execCfg != cfg {
		e.executor = strategy.NewExecutor(cfg, e.exprs, e.log)
		e.execCfg = cfg
	}
	return e.executor
}

// Last returns the most recent cycle result for display surfaces, or nil
// before the first cycle.
func (e *Engine) Last() *CycleResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last
}

// gate evaluates every resolved strategy's entry and exit conditions. When
// a strategy carries both a declarative tree and a free-text expression for
// the same side, both must hold.
func (e *Engine) gate(resolved []strategy.Resolved, snap condition.Snapshot, misses condition.MissSet, exprCtx expr.Context) []Signal {
	var signals []Signal
	for _, r := range resolved {
		if e.sideHolds(r.Entry, r.EntryExpr, snap, misses, exprCtx) {
			signals = append(signals, Signal{StrategyID: r.StrategyID, Kind: SignalEntry, Risk: r.Risk, Weight: r.Weight})
		}
		if e.sideHolds(r.Exit, r.ExitExpr, snap, misses, exprCtx) {
			signals = append(signals, Signal{StrategyID: r.StrategyID, Kind: SignalExit, Risk: r.Risk, Weight: r.Weight})
		}
	}
	return signals
}

// sideHolds is false when neither a tree nor an expression is declared for
// the side: no rule, no signal.
func (e *Engine) sideHolds(tree *condition.Group, compiled *expr.Compiled, snap condition.Snapshot, misses condition.MissSet, exprCtx expr.Context) bool {
	if tree == nil && compiled == nil {
		return false
	}
	if tree != nil && !e.evaluator.EvaluateGroup(tree, snap, misses) {
		return false
	}
	if compiled != nil && !e.exprs.EvalBool(compiled, exprCtx) {
		return false
	}
	return true
}

// exprContext overlays the indicator snapshot and active regime ids onto
// the caller-supplied context. Indicator fields are exposed both nested
// (rsi14.value) and via the caller's own keys.
func (e *Engine) exprContext(fields map[string]map[string]float64, active []regime.Active, extra expr.Context) expr.Context {
	ctx := make(expr.Context, len(fields)+len(extra)+1)
	for key, val := range extra {
		ctx[key] = val
	}
	for id, fieldVals := range fields {
		m := make(map[string]any, len(fieldVals))
		for field, val := range fieldVals {
			m[field] = val
		}
		ctx[id] = m
	}
	regimeIDs := make([]any, len(active))
	for i, a := range active {
		regimeIDs[i] = a.RegimeID
	}
	ctx["active_regimes"] = regimeIDs
	return ctx
}

func (e *Engine) observe(result *CycleResult, misses condition.MissSet, started time.Time, outcome string) {
	if e.metrics == nil {
		return
	}
	e.metrics.CyclesTotal.Inc()
	e.metrics.CycleDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
	e.metrics.ActiveRegimes.Set(float64(len(result.ActiveRegimes)))
	e.metrics.MissingKeys.Add(float64(len(misses)))
	for _, a := range result.ActiveRegimes {
		e.metrics.RegimeMatches.WithLabelValues(a.RegimeID).Inc()
	}
	if result.StrategySetID != "" {
		e.metrics.RoutedSets.WithLabelValues(result.StrategySetID).Inc()
	} else {
		e.metrics.RoutingMisses.Inc()
	}
	for _, s := range result.Signals {
		e.metrics.SignalsTotal.WithLabelValues(s.StrategyID, s.Kind).Inc()
	}
}
