package expr

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine() *Engine {
	return NewEngine(zerolog.Nop())
}

func TestEngine_Arithmetic(t *testing.T) {
	e := newTestEngine()
	ctx := Context{"a": 10.0, "b": 4.0}

	cases := []struct {
		src  string
		want float64
	}{
		{"a + b", 14.0},
		{"a - b * 2", 2.0},          // multiplicative binds tighter
		{"(a - b) * 2", 12.0},
		{"a / b", 2.5},
		{"a % 3", 1.0},
		{"-b + a", 6.0},
		{"2 + 3 * 4 - 1", 13.0},
	}
	for _, tc := range cases {
		c, err := e.Compile(tc.src)
		require.NoError(t, err, tc.src)
		got, err := e.Evaluate(c, ctx)
		require.NoError(t, err, tc.src)
		assert.InDelta(t, tc.want, got.(float64), 1e-9, tc.src)
	}
}

func TestEngine_Precedence(t *testing.T) {
	e := newTestEngine()
	ctx := Context{"x": 5.0, "ids": []any{"a", "b"}}

	cases := []struct {
		src  string
		want bool
	}{
		{"x > 3 && x < 10", true},
		{"x > 3 && x > 10 || x == 5", true},     // AND binds tighter than OR
		{"!(x > 3) || x == 5", true},
		{"x + 1 > 5 == true", true},              // relational above equality
		{"\"a\" in ids && x > 1", true},          // membership above AND
		{"x > 10 ? false : x > 1", true},         // ternary lowest
	}
	for _, tc := range cases {
		c, err := e.Compile(tc.src)
		require.NoError(t, err, tc.src)
		got, err := e.Evaluate(c, ctx)
		require.NoError(t, err, tc.src)
		assert.Equal(t, tc.want, got, tc.src)
	}
}

func TestEngine_MemberAndIndexAccess(t *testing.T) {
	e := newTestEngine()
	ctx := Context{
		"rsi14":  map[string]any{"value": 55.0},
		"closes": []any{1.0, 2.0, 3.0},
	}

	c := MustCompile(e, "rsi14.value > 50")
	got, err := e.Evaluate(c, ctx)
	require.NoError(t, err)
	assert.Equal(t, true, got)

	c = MustCompile(e, "closes[-1] - closes[0]")
	val, err := e.Evaluate(c, ctx)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, val.(float64), 1e-9)
}

func TestEngine_CompileErrors(t *testing.T) {
	e := newTestEngine()

	for _, src := range []string{
		"1 +",
		"foo(",
		"no_such_fn(1)",
		"abs(1, 2)", // arity mismatch
		"a ? b",     // missing ':'
		"\"unterminated",
		"a @ b",
	} {
		_, err := e.Compile(src)
		require.Error(t, err, src)
		var ce *CompileError
		assert.ErrorAs(t, err, &ce, src)
	}
}

func TestEngine_EvalBoolFailSafe(t *testing.T) {
	e := newTestEngine()
	ctx := Context{"a": 1.0}

	// Missing variable, type mismatch, division by zero: all false, no panic.
	for _, src := range []string{
		"missing > 1",
		"a > \"str\"",
		"1 / 0 > 0",
		"a + 1", // non-boolean result
	} {
		c := MustCompile(e, src)
		assert.False(t, e.EvalBool(c, ctx), src)
	}

	// A failed evaluation must not corrupt subsequent ones.
	ok := MustCompile(e, "a == 1")
	assert.True(t, e.EvalBool(ok, ctx))
}

func TestEngine_CacheReusesCompiled(t *testing.T) {
	e := newTestEngine()

	first, err := e.Compile("a + b")
	require.NoError(t, err)
	second, err := e.Compile("a + b")
	require.NoError(t, err)
	assert.Same(t, first, second)

	stats := e.Stats()
	assert.Equal(t, 1, stats.CacheLen)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestEngine_Validate(t *testing.T) {
	e := newTestEngine()

	assert.NoError(t, e.Validate("abs(x) > avg(series) && in_trade()"))
	assert.Error(t, e.Validate("abs(x) >"))
	assert.Error(t, e.Validate("nope(x)"))
}

func TestBuiltins_ContextBacked(t *testing.T) {
	e := newTestEngine()

	// Absent trading status degrades to sentinels rather than erroring.
	bare := Context{}
	for src, want := range map[string]any{
		"in_trade()":              false,
		"position_side()":         Unknown,
		"bars_in_trade()":         0.0,
		"candle(\"close\")":       Unknown,
		"regime_active(\"BULL\")": false,
	} {
		got, err := e.Evaluate(MustCompile(e, src), bare)
		require.NoError(t, err, src)
		assert.Equal(t, want, got, src)
	}

	ctx := Context{
		"trading_status":     map[string]any{"in_trade": true, "side": "long", "bars_in_trade": 7},
		"last_closed_candle": map[string]any{"close": 101.5, "open": 100.0},
		"chart_window": []any{
			map[string]any{"high": 10.0, "low": 8.0},
			map[string]any{"high": 12.0, "low": 7.5},
			map[string]any{"high": 11.0, "low": 9.0},
		},
		"active_regimes": []any{"BULL", "TF"},
	}
	got, err := e.Evaluate(MustCompile(e, "in_trade() && position_side() == \"long\" && bars_in_trade() >= 7"), ctx)
	require.NoError(t, err)
	assert.Equal(t, true, got)

	high, err := e.Evaluate(MustCompile(e, "highest(\"high\", 2)"), ctx)
	require.NoError(t, err)
	assert.InDelta(t, 12.0, high.(float64), 1e-9)

	low, err := e.Evaluate(MustCompile(e, "lowest(\"low\", 3)"), ctx)
	require.NoError(t, err)
	assert.InDelta(t, 7.5, low.(float64), 1e-9)

	active, err := e.Evaluate(MustCompile(e, "regime_active(\"TF\")"), ctx)
	require.NoError(t, err)
	assert.Equal(t, true, active)
}

func TestBuiltins_Series(t *testing.T) {
	e := newTestEngine()
	ctx := Context{
		"fast": []any{1.0, 2.0, 3.0, 4.0},
		"slow": []any{2.5, 2.5, 3.5, 3.5},
	}

	cases := map[string]any{
		"sum(fast)":              10.0,
		"avg(fast)":              2.5,
		"first(fast)":            1.0,
		"last(fast)":             4.0,
		"count(fast)":            4.0,
		"nth(fast, 2)":           3.0,
		"rising(fast, 3)":        true,
		"falling(fast, 2)":       false,
		"crossover(fast, slow)":  true, // 3<=3.5 then 4>3.5
		"crossunder(fast, slow)": false,
		"min(fast)":              1.0,
		"max(3, 9, 4)":           9.0,
		"clamp(15, 0, 10)":       10.0,
	}
	for src, want := range cases {
		got, err := e.Evaluate(MustCompile(e, src), ctx)
		require.NoError(t, err, src)
		if f, ok := want.(float64); ok {
			assert.InDelta(t, f, got.(float64), 1e-9, src)
		} else {
			assert.Equal(t, want, got, src)
		}
	}

	_, err := e.Evaluate(MustCompile(e, "nth(fast, 9)"), ctx)
	assert.Error(t, err, "index past the end of the series")
}

func TestBuiltins_Time(t *testing.T) {
	e := newTestEngine()
	pinned := time.Date(2026, 3, 4, 14, 30, 0, 0, time.UTC) // a Wednesday
	ctx := Context{"now": pinned}

	hour, err := e.Evaluate(MustCompile(e, "hour()"), ctx)
	require.NoError(t, err)
	assert.Equal(t, 14.0, hour)

	wd, err := e.Evaluate(MustCompile(e, "weekday()"), ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(time.Wednesday), wd)

	mins, err := e.Evaluate(MustCompile(e, "minutes_since(ts)"), Context{
		"now": pinned,
		"ts":  float64(pinned.Add(-45 * time.Minute).Unix()),
	})
	require.NoError(t, err)
	assert.InDelta(t, 45.0, mins.(float64), 1e-6)
}

func TestEngine_StringsAndMembership(t *testing.T) {
	e := newTestEngine()
	ctx := Context{
		"symbol": "BTC-USD",
		"meta":   map[string]any{"venue": "kraken"},
	}

	cases := map[string]any{
		"upper(symbol)":                 "BTC-USD",
		"lower(\"AbC\")":                "abc",
		"contains(symbol, \"BTC\")":     true,
		"starts_with(symbol, \"BTC\")":  true,
		"len(symbol)":                   7.0,
		"\"venue\" in meta":             true,
		"\"USD\" in symbol":             true,
		"symbol == \"BTC-USD\" ? 1 : 0": 1.0,
	}
	for src, want := range cases {
		got, err := e.Evaluate(MustCompile(e, src), ctx)
		require.NoError(t, err, src)
		assert.Equal(t, want, got, src)
	}
}
