package condition

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(f float64) *float64 { return &f }

func ref(id, field string) Operand {
	return Operand{Ref: &IndicatorRef{IndicatorID: id, Field: field}}
}

func constant(f float64) Operand { return Operand{Const: floatPtr(f)} }

func TestEvaluate_Operators(t *testing.T) {
	ev := NewEvaluator(zerolog.Nop())
	snap := Snapshot{"rsi14.value": 55.0, "adx14.value": 30.0}

	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"gt true", Condition{Left: ref("adx14", "value"), Op: OpGT, Right: constant(25)}, true},
		{"gt strict", Condition{Left: ref("adx14", "value"), Op: OpGT, Right: constant(30)}, false},
		{"lt true", Condition{Left: ref("rsi14", "value"), Op: OpLT, Right: constant(70)}, true},
		{"eq epsilon", Condition{Left: ref("rsi14", "value"), Op: OpEQ, Right: constant(55.0000004)}, true},
		{"eq outside epsilon", Condition{Left: ref("rsi14", "value"), Op: OpEQ, Right: constant(55.001)}, false},
		{"ref vs ref", Condition{Left: ref("rsi14", "value"), Op: OpGT, Right: ref("adx14", "value")}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ev.Evaluate(&tc.cond, snap)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvaluate_BetweenInclusive(t *testing.T) {
	ev := NewEvaluator(zerolog.Nop())
	between := Condition{
		Left:  ref("rsi14", "value"),
		Op:    OpBetween,
		Right: Operand{Range: &Range{Min: 30, Max: 70}},
	}

	got, err := ev.Evaluate(&between, Snapshot{"rsi14.value": 30.0})
	require.NoError(t, err)
	assert.True(t, got, "lower bound is inclusive")

	got, err = ev.Evaluate(&between, Snapshot{"rsi14.value": 29.999999})
	require.NoError(t, err)
	assert.False(t, got)

	got, err = ev.Evaluate(&between, Snapshot{"rsi14.value": 70.0})
	require.NoError(t, err)
	assert.True(t, got, "upper bound is inclusive")
}

func TestEvaluate_MissingIndicator(t *testing.T) {
	ev := NewEvaluator(zerolog.Nop())
	cond := Condition{Left: ref("ema200", "value"), Op: OpGT, Right: constant(0)}

	_, err := ev.Evaluate(&cond, Snapshot{})
	var missing *MissingIndicatorError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "ema200.value", missing.Key)
}

func TestEvaluateGroup_Semantics(t *testing.T) {
	ev := NewEvaluator(zerolog.Nop())
	snap := Snapshot{"rsi14.value": 55.0, "adx14.value": 30.0}

	gtCond := func(id string, threshold float64) Node {
		return Node{Cond: &Condition{Left: ref(id, "value"), Op: OpGT, Right: constant(threshold)}}
	}

	t.Run("all is AND", func(t *testing.T) {
		g := &Group{All: []Node{gtCond("adx14", 25), gtCond("rsi14", 50)}}
		assert.True(t, ev.EvaluateGroup(g, snap, NewMissSet()))

		g = &Group{All: []Node{gtCond("adx14", 25), gtCond("rsi14", 60)}}
		assert.False(t, ev.EvaluateGroup(g, snap, NewMissSet()))
	})

	t.Run("any is OR", func(t *testing.T) {
		g := &Group{Any: []Node{gtCond("adx14", 99), gtCond("rsi14", 50)}}
		assert.True(t, ev.EvaluateGroup(g, snap, NewMissSet()))

		g = &Group{Any: []Node{gtCond("adx14", 99), gtCond("rsi14", 99)}}
		assert.False(t, ev.EvaluateGroup(g, snap, NewMissSet()))
	})

	t.Run("empty group vacuously true", func(t *testing.T) {
		assert.True(t, ev.EvaluateGroup(&Group{}, snap, NewMissSet()))
	})

	t.Run("nested groups", func(t *testing.T) {
		inner := &Group{Any: []Node{gtCond("rsi14", 99), gtCond("adx14", 25)}}
		g := &Group{All: []Node{gtCond("rsi14", 50), {Group: inner}}}
		assert.True(t, ev.EvaluateGroup(g, snap, NewMissSet()))
	})

	t.Run("missing indicator fails closed", func(t *testing.T) {
		g := &Group{All: []Node{gtCond("ema200", 0)}}
		assert.False(t, ev.EvaluateGroup(g, snap, NewMissSet()))

		// Inside an any-group the other branch can still satisfy it.
		g = &Group{Any: []Node{gtCond("ema200", 0), gtCond("rsi14", 50)}}
		assert.True(t, ev.EvaluateGroup(g, snap, NewMissSet()))
	})
}

func TestMissSet_DeduplicatesWithinCycle(t *testing.T) {
	m := NewMissSet()
	assert.True(t, m.record("ema200.value"))
	assert.False(t, m.record("ema200.value"))
	assert.True(t, m.record("sma50.value"))
}

func TestConditionTree_JSONRoundTrip(t *testing.T) {
	raw := `{
		"all": [
			{"left": {"indicator_id": "adx14", "field": "value"}, "op": "gt", "right": 25},
			{"any": [
				{"left": {"indicator_id": "rsi14", "field": "value"}, "op": "between", "right": {"min": 30, "max": 70}},
				{"left": {"indicator_id": "rsi14", "field": "value"}, "op": "eq", "right": 50}
			]}
		]
	}`

	var g Group
	require.NoError(t, json.Unmarshal([]byte(raw), &g))
	require.Len(t, g.All, 2)
	require.NotNil(t, g.All[0].Cond)
	assert.Equal(t, "adx14", g.All[0].Cond.Left.Ref.IndicatorID)
	require.NotNil(t, g.All[1].Group)
	require.Len(t, g.All[1].Group.Any, 2)
	require.NotNil(t, g.All[1].Group.Any[0].Cond.Right.Range)
	assert.Equal(t, 30.0, g.All[1].Group.Any[0].Cond.Right.Range.Min)

	ev := NewEvaluator(zerolog.Nop())
	snap := SnapshotFromFields(map[string]map[string]float64{
		"adx14": {"value": 32},
		"rsi14": {"value": 58},
	})
	assert.True(t, ev.EvaluateGroup(&g, snap, NewMissSet()))
}

func TestOperand_RejectsMalformed(t *testing.T) {
	var o Operand
	assert.Error(t, json.Unmarshal([]byte(`{"indicator_id": "x"}`), &o), "missing field")
	assert.Error(t, json.Unmarshal([]byte(`{"foo": 1}`), &o))
	assert.Error(t, json.Unmarshal([]byte(`"str"`), &o))
}
