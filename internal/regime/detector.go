// Package regime classifies market conditions by evaluating every regime
// definition's condition tree against the current indicator snapshot.
//
// Regimes are not mutually exclusive states of a classical FSM: "strong
// trend", "bullish" and "exhaustion warning" can all hold at once, and the
// router downstream decides how the combination is acted on. The detector
// therefore always evaluates every definition and reports all matches.
package regime

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/quantlab/regimeflow/internal/condition"
	"github.com/quantlab/regimeflow/internal/config"
)

// Active is one detection result, ephemeral to the evaluation cycle that
// produced it.
type Active struct {
	RegimeID string `json:"regime_id"`
	Name     string `json:"name"`
	Priority int    `json:"priority"`
	Scope    string `json:"scope,omitempty"`

	// order is the declaration index, kept for the stable tie-break.
	order int
}

// Detector evaluates regime definitions. It holds no per-cycle state and
// is safe to share across cycles of one configuration generation.
type Detector struct {
	regimes   []config.RegimeDefinition
	evaluator *condition.Evaluator
	log       zerolog.Logger
}

func NewDetector(cfg *config.Configuration, evaluator *condition.Evaluator, log zerolog.Logger) *Detector {
	return &Detector{
		regimes:   cfg.Regimes,
		evaluator: evaluator,
		log:       log.With().Str("component", "regime").Logger(),
	}
}

// DetectActive returns every regime whose conditions hold against the
// snapshot, sorted by descending priority with declaration order breaking
// ties. Each regime's own tree short-circuits internally, but detection
// never early-exits across regimes, and a fault in one regime only marks
// that regime inactive.
func (d *Detector) DetectActive(snap condition.Snapshot, misses condition.MissSet) []Active {
	var active []Active
	for i := range d.regimes {
		def := &d.regimes[i]
		matched := d.evaluateSafely(def, snap, misses)
		if matched {
			active = append(active, Active{
				RegimeID: def.ID,
				Name:     def.Name,
				Priority: def.Priority,
				Scope:    def.Scope,
				order:    i,
			})
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority > active[j].Priority
		}
		return active[i].order < active[j].order
	})
	return active
}

// evaluateSafely isolates per-regime faults, including panics from
// malformed trees, so the remaining regimes still get evaluated.
func (d *Detector) evaluateSafely(def *config.RegimeDefinition, snap condition.Snapshot, misses condition.MissSet) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("regime", def.ID).Interface("panic", r).Msg("regime evaluation panicked, marking inactive")
			matched = false
		}
	}()
	return d.evaluator.EvaluateGroup(&def.Conditions, snap, misses)
}

// ByScope filters to regimes whose scope equals the requested one or is
// unset (global), preserving order.
func ByScope(active []Active, scope string) []Active {
	out := make([]Active, 0, len(active))
	for _, a := range active {
		if a.Scope == "" || a.Scope == scope {
			out = append(out, a)
		}
	}
	return out
}

// IDs projects the active list to the id set consumed by the router.
func IDs(active []Active) []string {
	ids := make([]string, len(active))
	for i, a := range active {
		ids[i] = a.RegimeID
	}
	return ids
}
