package router

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantlab/regimeflow/internal/config"
	"github.com/quantlab/regimeflow/internal/expr"
)

// buildConfig assembles a validated configuration with the given routing
// rules over sets named after their index.
func buildConfig(t *testing.T, rules []config.RoutingRule, setIDs ...string) *config.Configuration {
	t.Helper()
	cfg := &config.Configuration{
		SchemaVersion: "1",
		Indicators:    []config.IndicatorDefinition{{ID: "adx14", Type: "adx"}},
		Regimes: []config.RegimeDefinition{
			{ID: "A", Priority: 1}, {ID: "B", Priority: 1}, {ID: "C", Priority: 1},
		},
		Strategies: []config.StrategyDefinition{{ID: "s1"}},
		Routing:    rules,
	}
	for _, id := range setIDs {
		cfg.StrategySets = append(cfg.StrategySets, config.StrategySet{
			ID:         id,
			Strategies: []config.StrategyRef{{StrategyID: "s1"}},
		})
	}
	require.NoError(t, cfg.Validate(expr.NewEngine(zerolog.Nop())))
	return cfg
}

func TestRoute_FirstMatchWins(t *testing.T) {
	cfg := buildConfig(t, []config.RoutingRule{
		{StrategySetID: "set1", Match: config.MatchSpec{AllOf: []string{"A"}}},
		{StrategySetID: "set2", Match: config.MatchSpec{AllOf: []string{"A", "B"}}},
	}, "set1", "set2")
	r := New(cfg, zerolog.Nop())

	// Both rules would match {A,B}; the first declared must win.
	set := r.Route([]string{"A", "B"})
	require.NotNil(t, set)
	assert.Equal(t, "set1", set.ID)
}

func TestRoute_MatchSemantics(t *testing.T) {
	cfg := buildConfig(t, []config.RoutingRule{
		{StrategySetID: "set1", Match: config.MatchSpec{
			AllOf:  []string{"A"},
			NoneOf: []string{"B"},
		}},
	}, "set1")
	r := New(cfg, zerolog.Nop())

	assert.Nil(t, r.Route([]string{"A", "B"}), "none_of member present blocks the match")

	set := r.Route([]string{"A"})
	require.NotNil(t, set)
	assert.Equal(t, "set1", set.ID)
}

func TestRoute_AnyOfNeedsAtLeastOne(t *testing.T) {
	cfg := buildConfig(t, []config.RoutingRule{
		{StrategySetID: "set1", Match: config.MatchSpec{
			AllOf: []string{"A"},
			AnyOf: []string{"B", "C"},
		}},
	}, "set1")
	r := New(cfg, zerolog.Nop())

	assert.Nil(t, r.Route([]string{"A"}))
	require.NotNil(t, r.Route([]string{"A", "C"}))
	require.NotNil(t, r.Route([]string{"A", "B", "C"}))
}

func TestRoute_NoMatchReturnsNil(t *testing.T) {
	cfg := buildConfig(t, []config.RoutingRule{
		{StrategySetID: "set1", Match: config.MatchSpec{AllOf: []string{"A", "B", "C"}}},
	}, "set1")
	r := New(cfg, zerolog.Nop())

	assert.Nil(t, r.Route([]string{"A"}))
	assert.Nil(t, r.Route(nil))
}

func TestRoute_DeclaredOrderPreserved(t *testing.T) {
	// A later, more specific rule never preempts an earlier general one.
	cfg := buildConfig(t, []config.RoutingRule{
		{StrategySetID: "general", Match: config.MatchSpec{AnyOf: []string{"A", "B"}}},
		{StrategySetID: "specific", Match: config.MatchSpec{AllOf: []string{"A", "B"}}},
	}, "general", "specific")
	r := New(cfg, zerolog.Nop())

	set := r.Route([]string{"A", "B"})
	require.NotNil(t, set)
	assert.Equal(t, "general", set.ID)
}
