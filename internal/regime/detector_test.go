package regime

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantlab/regimeflow/internal/condition"
	"github.com/quantlab/regimeflow/internal/config"
)

func gtNode(id string, threshold float64) condition.Node {
	return condition.Node{Cond: &condition.Condition{
		Left:  condition.Operand{Ref: &condition.IndicatorRef{IndicatorID: id, Field: "value"}},
		Op:    condition.OpGT,
		Right: condition.Operand{Const: &threshold},
	}}
}

func newDetector(regimes []config.RegimeDefinition) *Detector {
	cfg := &config.Configuration{Regimes: regimes}
	return NewDetector(cfg, condition.NewEvaluator(zerolog.Nop()), zerolog.Nop())
}

func TestDetectActive_AllMatchesSortedByPriority(t *testing.T) {
	det := newDetector([]config.RegimeDefinition{
		{ID: "TF", Name: "Trending", Priority: 85,
			Conditions: condition.Group{All: []condition.Node{gtNode("adx14", 25)}}},
		{ID: "STRONG_BULL", Name: "Strong bull", Priority: 95,
			Conditions: condition.Group{All: []condition.Node{gtNode("adx14", 25), gtNode("rsi14", 55)}}},
		{ID: "EXHAUSTED", Name: "Exhaustion", Priority: 99,
			Conditions: condition.Group{All: []condition.Node{gtNode("rsi14", 80)}}},
	})

	snap := condition.Snapshot{"adx14.value": 32, "rsi14.value": 58}
	active := det.DetectActive(snap, condition.NewMissSet())

	// Both satisfied regimes, highest priority first, EXHAUSTED absent.
	require.Len(t, active, 2)
	assert.Equal(t, "STRONG_BULL", active[0].RegimeID)
	assert.Equal(t, 95, active[0].Priority)
	assert.Equal(t, "TF", active[1].RegimeID)
	assert.Equal(t, 85, active[1].Priority)
}

func TestDetectActive_NoEarlyExitAcrossRegimes(t *testing.T) {
	// A top-priority match must not stop evaluation of the rest.
	det := newDetector([]config.RegimeDefinition{
		{ID: "A", Priority: 100, Conditions: condition.Group{All: []condition.Node{gtNode("x", 0)}}},
		{ID: "B", Priority: 1, Conditions: condition.Group{All: []condition.Node{gtNode("x", 0)}}},
		{ID: "C", Priority: 50, Conditions: condition.Group{All: []condition.Node{gtNode("x", 0)}}},
	})

	active := det.DetectActive(condition.Snapshot{"x.value": 1}, condition.NewMissSet())
	assert.Equal(t, []string{"A", "C", "B"}, IDs(active))
}

func TestDetectActive_StableTieBreakByDeclarationOrder(t *testing.T) {
	det := newDetector([]config.RegimeDefinition{
		{ID: "first", Priority: 50, Conditions: condition.Group{}},
		{ID: "second", Priority: 50, Conditions: condition.Group{}},
		{ID: "third", Priority: 50, Conditions: condition.Group{}},
	})

	active := det.DetectActive(condition.Snapshot{}, condition.NewMissSet())
	assert.Equal(t, []string{"first", "second", "third"}, IDs(active))
}

func TestDetectActive_FaultInOneRegimeDoesNotAbortPass(t *testing.T) {
	det := newDetector([]config.RegimeDefinition{
		{ID: "broken", Priority: 90,
			Conditions: condition.Group{All: []condition.Node{gtNode("missing_ind", 0)}}},
		{ID: "healthy", Priority: 10,
			Conditions: condition.Group{All: []condition.Node{gtNode("adx14", 25)}}},
	})

	active := det.DetectActive(condition.Snapshot{"adx14.value": 30}, condition.NewMissSet())
	assert.Equal(t, []string{"healthy"}, IDs(active))
}

func TestDetectActive_EmptyConditionsAlwaysActive(t *testing.T) {
	det := newDetector([]config.RegimeDefinition{
		{ID: "always", Priority: 5, Conditions: condition.Group{}},
	})
	active := det.DetectActive(condition.Snapshot{}, condition.NewMissSet())
	assert.Equal(t, []string{"always"}, IDs(active))
}

func TestDetectActive_Idempotent(t *testing.T) {
	det := newDetector([]config.RegimeDefinition{
		{ID: "TF", Priority: 85, Conditions: condition.Group{All: []condition.Node{gtNode("adx14", 25)}}},
		{ID: "CALM", Priority: 20, Conditions: condition.Group{All: []condition.Node{gtNode("rsi14", 40)}}},
	})
	snap := condition.Snapshot{"adx14.value": 30, "rsi14.value": 45}

	first := det.DetectActive(snap, condition.NewMissSet())
	second := det.DetectActive(snap, condition.NewMissSet())
	assert.Equal(t, first, second)
}

func TestByScope(t *testing.T) {
	active := []Active{
		{RegimeID: "global", Scope: ""},
		{RegimeID: "entry_only", Scope: config.ScopeEntry},
		{RegimeID: "exit_only", Scope: config.ScopeExit},
	}

	entry := ByScope(active, config.ScopeEntry)
	assert.Equal(t, []string{"global", "entry_only"}, IDs(entry))

	exit := ByScope(active, config.ScopeExit)
	assert.Equal(t, []string{"global", "exit_only"}, IDs(exit))
}
