// Package strategy resolves routed strategy sets into concrete, executable
// strategy definitions by applying per-set indicator and strategy overrides.
package strategy

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/quantlab/regimeflow/internal/condition"
	"github.com/quantlab/regimeflow/internal/config"
	"github.com/quantlab/regimeflow/internal/expr"
)

// Resolved is one concrete strategy after all set-level overrides have been
// applied. Entry/exit expressions arrive pre-compiled so evaluation never
// pays parse cost per bar.
type Resolved struct {
	StrategyID string
	Entry      *condition.Group
	Exit       *condition.Group
	EntryExpr  *expr.Compiled
	ExitExpr   *expr.Compiled
	Risk       config.RiskSettings
	Weight     float64
}

// Executor resolves strategy sets. Indicator params are the one piece of
// genuinely mutable shared state in the system: step 2 of resolution
// mutates them in place, so overlapping Resolve calls are serialized by mu
// and the override window closes before Resolve returns. Concurrent
// resolution of two different sets therefore never observes the other's
// temporary params.
type Executor struct {
	mu     sync.Mutex
	cfg    *config.Configuration
	engine *expr.Engine
	log    zerolog.Logger
}

func NewExecutor(cfg *config.Configuration, engine *expr.Engine, log zerolog.Logger) *Executor {
	return &Executor{
		cfg:    cfg,
		engine: engine,
		log:    log.With().Str("component", "strategy").Logger(),
	}
}

// Resolve applies the set's indicator overrides, builds the resolved
// strategy list with strategy-level overrides deep-merged, and restores the
// original indicator params before returning. The restore runs on every
// path out, including errors, via the lease's deferred release.
func (ex *Executor) Resolve(set *config.StrategySet) ([]Resolved, error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	lease, err := ex.checkout(set.IndicatorOverrides)
	if err != nil {
		return nil, err
	}
	defer lease.release()

	resolved := make([]Resolved, 0, len(set.Strategies))
	for _, ref := range set.Strategies {
		base, ok := ex.cfg.StrategyByID(ref.StrategyID)
		if !ok {
			return nil, fmt.Errorf("strategy set %q references unknown strategy %q", set.ID, ref.StrategyID)
		}
		r, err := ex.resolveOne(base, ref.Overrides)
		if err != nil {
			return nil, err
		}
		r.Weight = set.Weights[r.StrategyID]
		resolved = append(resolved, r)
	}
	return resolved, nil
}

// resolveOne deep-merges overrides onto the base definition. Entry/exit
// condition trees replace wholesale when overridden; risk merges per
// populated scalar.
func (ex *Executor) resolveOne(base *config.StrategyDefinition, ov *config.StrategyOverrides) (Resolved, error) {
	r := Resolved{
		StrategyID: base.ID,
		Entry:      base.Entry,
		Exit:       base.Exit,
		Risk:       base.Risk,
	}
	if ov != nil {
		if ov.Entry != nil {
			r.Entry = ov.Entry
		}
		if ov.Exit != nil {
			r.Exit = ov.Exit
		}
		r.Risk = base.Risk.Merge(ov.Risk)
	}

	var err error
	if base.EntryExpr != "" {
		if r.EntryExpr, err = ex.engine.Compile(base.EntryExpr); err != nil {
			return Resolved{}, fmt.Errorf("strategy %q entry expression: %w", base.ID, err)
		}
	}
	if base.ExitExpr != "" {
		if r.ExitExpr, err = ex.engine.Compile(base.ExitExpr); err != nil {
			return Resolved{}, fmt.Errorf("strategy %q exit expression: %w", base.ID, err)
		}
	}
	return r, nil
}

// overrideLease owns the original-params snapshot for one override window
// and performs the checkin. release is idempotent.
type overrideLease struct {
	ex        *Executor
	originals map[string]map[string]any
	released  bool
}

// checkout snapshots the original params of every overridden indicator and
// applies the override merge: only listed keys change.
func (ex *Executor) checkout(overrides []config.IndicatorOverride) (*overrideLease, error) {
	lease := &overrideLease{ex: ex, originals: make(map[string]map[string]any, len(overrides))}
	for _, ov := range overrides {
		def, ok := ex.cfg.IndicatorByID(ov.IndicatorID)
		if !ok {
			lease.release()
			return nil, fmt.Errorf("indicator override references unknown indicator %q", ov.IndicatorID)
		}
		if _, seen := lease.originals[ov.IndicatorID]; !seen {
			lease.originals[ov.IndicatorID] = deepCopyParams(def.Params)
		}
		if def.Params == nil {
			def.Params = make(map[string]any, len(ov.Params))
		}
		for key, val := range ov.Params {
			def.Params[key] = val
		}
	}
	return lease, nil
}

// release restores every checked-out indicator to its pre-window params.
func (l *overrideLease) release() {
	if l.released {
		return
	}
	l.released = true
	for id, params := range l.originals {
		def, ok := l.ex.cfg.IndicatorByID(id)
		if !ok {
			continue
		}
		def.Params = params
	}
}

func deepCopyParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if nested, ok := v.(map[string]any); ok {
			out[k] = deepCopyParams(nested)
			continue
		}
		out[k] = v
	}
	return out
}
