// Package router matches the active-regime id set against the document's
// ordered routing rules to pick one strategy set.
package router

import (
	"github.com/rs/zerolog"

	"github.com/quantlab/regimeflow/internal/config"
)

// Router performs a linear ordered-rule scan. Rule order is user-authored
// priority and is preserved exactly as declared; this is deliberately not a
// constraint solver.
type Router struct {
	cfg *config.Configuration
	log zerolog.Logger
}

func New(cfg *config.Configuration, log zerolog.Logger) *Router {
	return &Router{cfg: cfg, log: log.With().Str("component", "router").Logger()}
}

// Route returns the strategy set of the first rule matched by the active
// regime ids, or nil when no rule matches. Fallback policy on nil is the
// caller's concern.
func (r *Router) Route(activeRegimeIDs []string) *config.StrategySet {
	active := make(map[string]bool, len(activeRegimeIDs))
	for _, id := range activeRegimeIDs {
		active[id] = true
	}

	for i := range r.cfg.Routing {
		rule := &r.cfg.Routing[i]
		if !matches(rule.Match, active) {
			continue
		}
		set, ok := r.cfg.StrategySetByID(rule.StrategySetID)
		if !ok {
			// Validation guarantees resolution; this guards a configuration
			// constructed without it.
			r.log.Error().Str("strategy_set", rule.StrategySetID).Msg("routing rule references unknown strategy set, skipping")
			continue
		}
		return set
	}
	return nil
}

// matches applies the rule semantics: every all_of id present, at least one
// any_of id present when any_of is declared, and no none_of id present.
func matches(m config.MatchSpec, active map[string]bool) bool {
	for _, id := range m.AllOf {
		if !active[id] {
			return false
		}
	}
	if len(m.AnyOf) > 0 {
		found := false
		for _, id := range m.AnyOf {
			if active[id] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, id := range m.NoneOf {
		if active[id] {
			return false
		}
	}
	return true
}
