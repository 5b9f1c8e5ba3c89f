package config

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// breakDoc parses sampleDoc into a Configuration-shaped map, lets the test
// corrupt one section, and re-parses.
func breakDoc(t *testing.T, mutate func(map[string]any)) error {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(sampleDoc), &doc))
	mutate(doc)
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	_, parseErr := Parse(raw, testEngine())
	return parseErr
}

func requireFinding(t *testing.T, err error, fragment string) {
	t.Helper()
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, strings.Join(ve.Findings, "\n"), fragment)
}

func TestValidate_UnresolvedReferences(t *testing.T) {
	t.Run("routing to unknown set", func(t *testing.T) {
		err := breakDoc(t, func(doc map[string]any) {
			doc["routing"] = []any{map[string]any{
				"strategy_set_id": "ghost_set",
				"match":           map[string]any{"all_of": []any{"TF"}},
			}}
		})
		requireFinding(t, err, `unknown strategy set "ghost_set"`)
	})

	t.Run("routing on unknown regime", func(t *testing.T) {
		err := breakDoc(t, func(doc map[string]any) {
			doc["routing"] = []any{map[string]any{
				"strategy_set_id": "bull_set",
				"match":           map[string]any{"none_of": []any{"GHOST"}},
			}}
		})
		requireFinding(t, err, `unknown regime "GHOST"`)
	})

	t.Run("set referencing unknown strategy", func(t *testing.T) {
		err := breakDoc(t, func(doc map[string]any) {
			sets := doc["strategy_sets"].([]any)
			sets[0].(map[string]any)["strategies"] = []any{map[string]any{"strategy_id": "ghost"}}
		})
		requireFinding(t, err, `unknown strategy "ghost"`)
	})

	t.Run("override on unknown indicator", func(t *testing.T) {
		err := breakDoc(t, func(doc map[string]any) {
			sets := doc["strategy_sets"].([]any)
			sets[0].(map[string]any)["indicator_overrides"] = []any{
				map[string]any{"indicator_id": "ghost", "params": map[string]any{"period": 5}},
			}
		})
		requireFinding(t, err, `unknown indicator "ghost"`)
	})

	t.Run("condition referencing unknown indicator", func(t *testing.T) {
		err := breakDoc(t, func(doc map[string]any) {
			regimes := doc["regimes"].([]any)
			regimes[1].(map[string]any)["conditions"] = map[string]any{"all": []any{
				map[string]any{
					"left": map[string]any{"indicator_id": "ghost", "field": "value"},
					"op":   "gt", "right": 0,
				},
			}}
		})
		requireFinding(t, err, `unknown indicator "ghost"`)
	})
}

func TestValidate_Ranges(t *testing.T) {
	t.Run("priority out of range", func(t *testing.T) {
		err := breakDoc(t, func(doc map[string]any) {
			doc["regimes"].([]any)[0].(map[string]any)["priority"] = 101
		})
		requireFinding(t, err, "priority must be within [0,100]")
	})

	t.Run("range step must be positive", func(t *testing.T) {
		err := breakDoc(t, func(doc map[string]any) {
			inds := doc["indicators"].([]any)
			inds[0].(map[string]any)["params"] = map[string]any{
				"period": map[string]any{"min": 5, "max": 30, "step": 0},
			}
		})
		requireFinding(t, err, "step must be > 0")
	})

	t.Run("weights must sum to one", func(t *testing.T) {
		err := breakDoc(t, func(doc map[string]any) {
			sets := doc["strategy_sets"].([]any)
			sets[0].(map[string]any)["weights"] = map[string]any{"trend_rider": 0.7}
		})
		requireFinding(t, err, "weights must sum to 1.0")
	})

	t.Run("weight outside unit interval", func(t *testing.T) {
		err := breakDoc(t, func(doc map[string]any) {
			sets := doc["strategy_sets"].([]any)
			sets[0].(map[string]any)["weights"] = map[string]any{"trend_rider": 1.5}
		})
		requireFinding(t, err, "within [0,1]")
	})
}

func TestValidate_Shape(t *testing.T) {
	t.Run("duplicate regime id", func(t *testing.T) {
		err := breakDoc(t, func(doc map[string]any) {
			regimes := doc["regimes"].([]any)
			clone := map[string]any{"id": "TF", "name": "dup", "priority": 10,
				"conditions": map[string]any{}}
			doc["regimes"] = append(regimes, clone)
		})
		requireFinding(t, err, "duplicate id")
	})

	t.Run("indicator id pattern", func(t *testing.T) {
		err := breakDoc(t, func(doc map[string]any) {
			doc["indicators"].([]any)[0].(map[string]any)["id"] = "ADX-14"
		})
		requireFinding(t, err, "id must match")
	})

	t.Run("group with both all and any", func(t *testing.T) {
		err := breakDoc(t, func(doc map[string]any) {
			cond := map[string]any{
				"left": map[string]any{"indicator_id": "adx14", "field": "value"},
				"op":   "gt", "right": 0,
			}
			doc["regimes"].([]any)[0].(map[string]any)["conditions"] = map[string]any{
				"all": []any{cond}, "any": []any{cond},
			}
		})
		requireFinding(t, err, "exactly one of all/any")
	})

	t.Run("unknown scope", func(t *testing.T) {
		err := breakDoc(t, func(doc map[string]any) {
			doc["regimes"].([]any)[0].(map[string]any)["scope"] = "sideways"
		})
		requireFinding(t, err, "unknown scope")
	})

	t.Run("depth guard", func(t *testing.T) {
		leaf := map[string]any{
			"left": map[string]any{"indicator_id": "adx14", "field": "value"},
			"op":   "gt", "right": 0,
		}
		nested := map[string]any{"all": []any{leaf}}
		for i := 0; i < MaxConditionDepth+1; i++ {
			nested = map[string]any{"all": []any{nested}}
		}
		err := breakDoc(t, func(doc map[string]any) {
			doc["regimes"].([]any)[0].(map[string]any)["conditions"] = nested
		})
		requireFinding(t, err, "exceeds max depth")
	})

	t.Run("bad expression surfaces at load", func(t *testing.T) {
		err := breakDoc(t, func(doc map[string]any) {
			doc["strategies"].([]any)[0].(map[string]any)["entry_expr"] = "rsi14.value >"
		})
		requireFinding(t, err, "entry_expr")
	})

	t.Run("between range inverted", func(t *testing.T) {
		err := breakDoc(t, func(doc map[string]any) {
			strats := doc["strategies"].([]any)
			strats[0].(map[string]any)["entry"] = map[string]any{"all": []any{
				map[string]any{
					"left":  map[string]any{"indicator_id": "rsi14", "field": "value"},
					"op":    "between",
					"right": map[string]any{"min": 70, "max": 30},
				},
			}}
		})
		requireFinding(t, err, "exceeds max")
	})
}

func TestRiskSettings_Merge(t *testing.T) {
	sl, tp, ps := 2.0, 6.0, 0.25
	base := RiskSettings{StopLossPct: &sl, TakeProfitPct: &tp, PositionSize: &ps}

	newSL, mode := 1.0, "atr"
	merged := base.Merge(&RiskSettings{StopLossPct: &newSL, TrailingMode: &mode})

	assert.Equal(t, 1.0, *merged.StopLossPct, "override wins for populated field")
	assert.Equal(t, 6.0, *merged.TakeProfitPct, "base survives for unset field")
	assert.Equal(t, "atr", *merged.TrailingMode)
	assert.Equal(t, 0.25, *merged.PositionSize)

	assert.Equal(t, base, base.Merge(nil))
}
