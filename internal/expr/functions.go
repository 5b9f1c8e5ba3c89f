package expr

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Unknown is the sentinel returned by context-backed builtins when the
// data they need was not supplied by the caller. Callers comparing against
// it get a clean false instead of an evaluation fault.
const Unknown = "UNKNOWN"

// Builtin is a pure function of its arguments and the read-only evaluation
// context. Arity < 0 means variadic; otherwise the parser enforces the
// exact argument count at compile time.
type Builtin struct {
	Arity int
	Call  func(args []any, ctx Context) (any, error)
}

// builtins is the static registry call expressions are resolved against at
// compile time. Extend it here; the parser and Validate pick changes up
// automatically.
var builtins = map[string]Builtin{
	// Math.
	"abs":   unaryMath(math.Abs),
	"sqrt":  unaryMath(math.Sqrt),
	"floor": unaryMath(math.Floor),
	"ceil":  unaryMath(math.Ceil),
	"round": unaryMath(math.Round),
	"pow": {Arity: 2, Call: func(args []any, _ Context) (any, error) {
		base, exp, err := twoNumbers(args)
		if err != nil {
			return nil, err
		}
		return math.Pow(base, exp), nil
	}},
	"min": {Arity: -1, Call: func(args []any, _ Context) (any, error) {
		return fold(args, math.Inf(1), math.Min)
	}},
	"max": {Arity: -1, Call: func(args []any, _ Context) (any, error) {
		return fold(args, math.Inf(-1), math.Max)
	}},
	"clamp": {Arity: 3, Call: func(args []any, _ Context) (any, error) {
		nums, err := numbers(args)
		if err != nil {
			return nil, err
		}
		return math.Max(nums[1], math.Min(nums[2], nums[0])), nil
	}},

	// Strings.
	"upper": {Arity: 1, Call: func(args []any, _ Context) (any, error) {
		s, err := oneString(args)
		if err != nil {
			return nil, err
		}
		return strings.ToUpper(s), nil
	}},
	"lower": {Arity: 1, Call: func(args []any, _ Context) (any, error) {
		s, err := oneString(args)
		if err != nil {
			return nil, err
		}
		return strings.ToLower(s), nil
	}},
	"contains": {Arity: 2, Call: func(args []any, _ Context) (any, error) {
		return membership(args[1], args[0])
	}},
	"starts_with": {Arity: 2, Call: func(args []any, _ Context) (any, error) {
		s, ok1 := args[0].(string)
		prefix, ok2 := args[1].(string)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("needs two strings")
		}
		return len(s) >= len(prefix) && s[:len(prefix)] == prefix, nil
	}},
	"len": {Arity: 1, Call: func(args []any, _ Context) (any, error) {
		switch t := args[0].(type) {
		case string:
			return float64(len(t)), nil
		case []any:
			return float64(len(t)), nil
		case map[string]any:
			return float64(len(t)), nil
		default:
			return nil, fmt.Errorf("len needs a string, list or map, got %s", kindOf(args[0]))
		}
	}},

	// Series / arrays.
	"sum": {Arity: 1, Call: func(args []any, _ Context) (any, error) {
		series, err := oneSeries(args)
		if err != nil {
			return nil, err
		}
		total := 0.0
		for _, v := range series {
			total += v
		}
		return total, nil
	}},
	"avg": {Arity: 1, Call: func(args []any, _ Context) (any, error) {
		series, err := oneSeries(args)
		if err != nil {
			return nil, err
		}
		if len(series) == 0 {
			return nil, fmt.Errorf("avg of empty series")
		}
		total := 0.0
		for _, v := range series {
			total += v
		}
		return total / float64(len(series)), nil
	}},
	"first": {Arity: 1, Call: seriesPick(func(s []float64) float64 { return s[0] })},
	"last":  {Arity: 1, Call: seriesPick(func(s []float64) float64 { return s[len(s)-1] })},
	"count": {Arity: 1, Call: func(args []any, _ Context) (any, error) {
		list, ok := args[0].([]any)
		if !ok {
			return nil, fmt.Errorf("count needs a list, got %s", kindOf(args[0]))
		}
		return float64(len(list)), nil
	}},
	"nth": {Arity: 2, Call: func(args []any, _ Context) (any, error) {
		series, err := asSeries(args[0])
		if err != nil {
			return nil, err
		}
		idx, ok := args[1].(float64)
		if !ok {
			return nil, fmt.Errorf("nth index must be numeric, got %s", kindOf(args[1]))
		}
		i := int(idx)
		if i < 0 || i >= len(series) {
			return nil, fmt.Errorf("nth index %d out of range [0,%d)", i, len(series))
		}
		return series[i], nil
	}},
	"rising":     {Arity: 2, Call: monotonic(func(prev, cur float64) bool { return cur > prev })},
	"falling":    {Arity: 2, Call: monotonic(func(prev, cur float64) bool { return cur < prev })},
	"crossover":  {Arity: 2, Call: crossing(true)},
	"crossunder": {Arity: 2, Call: crossing(false)},

	// Time. Reads the optional "now" context key (time.Time) so backtests
	// can pin the clock; live callers omit it.
	"hour": {Arity: 0, Call: func(_ []any, ctx Context) (any, error) {
		return float64(ctxNow(ctx).Hour()), nil
	}},
	"weekday": {Arity: 0, Call: func(_ []any, ctx Context) (any, error) {
		return float64(ctxNow(ctx).Weekday()), nil
	}},
	"minutes_since": {Arity: 1, Call: func(args []any, ctx Context) (any, error) {
		epoch, ok := args[0].(float64)
		if !ok {
			return nil, fmt.Errorf("needs a unix timestamp in seconds")
		}
		return ctxNow(ctx).Sub(time.Unix(int64(epoch), 0)).Minutes(), nil
	}},

	// Trading status, fed through the trading_status context key. Missing
	// data degrades to the documented sentinels.
	"in_trade": {Arity: 0, Call: func(_ []any, ctx Context) (any, error) {
		status, ok := ctx["trading_status"].(map[string]any)
		if !ok {
			return false, nil
		}
		inTrade, _ := status["in_trade"].(bool)
		return inTrade, nil
	}},
	"position_side": {Arity: 0, Call: func(_ []any, ctx Context) (any, error) {
		status, ok := ctx["trading_status"].(map[string]any)
		if !ok {
			return Unknown, nil
		}
		side, ok := status["side"].(string)
		if !ok {
			return Unknown, nil
		}
		return side, nil
	}},
	"bars_in_trade": {Arity: 0, Call: func(_ []any, ctx Context) (any, error) {
		status, ok := ctx["trading_status"].(map[string]any)
		if !ok {
			return 0.0, nil
		}
		bars, ok := normalize(status["bars_in_trade"]).(float64)
		if !ok {
			return 0.0, nil
		}
		return bars, nil
	}},

	// Candle and chart-window helpers, fed through last_closed_candle and
	// chart_window context keys.
	"candle": {Arity: 1, Call: func(args []any, ctx Context) (any, error) {
		field, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("needs a field name")
		}
		c, ok := ctx["last_closed_candle"].(map[string]any)
		if !ok {
			return Unknown, nil
		}
		val, ok := c[field]
		if !ok {
			return Unknown, nil
		}
		return val, nil
	}},
	"highest": {Arity: 2, Call: windowExtreme(math.Max, math.Inf(-1))},
	"lowest":  {Arity: 2, Call: windowExtreme(math.Min, math.Inf(1))},

	// Regime helper for expressions gated on the detector's output.
	"regime_active": {Arity: 1, Call: func(args []any, ctx Context) (any, error) {
		id, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("needs a regime id")
		}
		active, ok := ctx["active_regimes"].([]any)
		if !ok {
			return false, nil
		}
		for _, r := range active {
			if r == id {
				return true, nil
			}
		}
		return false, nil
	}},
}

func unaryMath(fn func(float64) float64) Builtin {
	return Builtin{Arity: 1, Call: func(args []any, _ Context) (any, error) {
		f, ok := args[0].(float64)
		if !ok {
			return nil, fmt.Errorf("needs a number, got %s", kindOf(args[0]))
		}
		return fn(f), nil
	}}
}

func seriesPick(pick func([]float64) float64) func([]any, Context) (any, error) {
	return func(args []any, _ Context) (any, error) {
		series, err := oneSeries(args)
		if err != nil {
			return nil, err
		}
		if len(series) == 0 {
			return nil, fmt.Errorf("empty series")
		}
		return pick(series), nil
	}
}

// monotonic checks the last n steps of a numeric series.
func monotonic(holds func(prev, cur float64) bool) func([]any, Context) (any, error) {
	return func(args []any, _ Context) (any, error) {
		series, err := asSeries(args[0])
		if err != nil {
			return nil, err
		}
		n, ok := args[1].(float64)
		if !ok || n < 1 {
			return nil, fmt.Errorf("step count must be a positive number")
		}
		steps := int(n)
		if len(series) < steps+1 {
			return false, nil
		}
		tail := series[len(series)-steps-1:]
		for i := 1; i < len(tail); i++ {
			if !holds(tail[i-1], tail[i]) {
				return false, nil
			}
		}
		return true, nil
	}
}

// crossing detects series a crossing over (or under) series b on the most
// recent step.
func crossing(over bool) func([]any, Context) (any, error) {
	return func(args []any, _ Context) (any, error) {
		a, err := asSeries(args[0])
		if err != nil {
			return nil, err
		}
		b, err := asSeries(args[1])
		if err != nil {
			return nil, err
		}
		if len(a) < 2 || len(b) < 2 {
			return false, nil
		}
		prevA, curA := a[len(a)-2], a[len(a)-1]
		prevB, curB := b[len(b)-2], b[len(b)-1]
		if over {
			return prevA <= prevB && curA > curB, nil
		}
		return prevA >= prevB && curA < curB, nil
	}
}

func windowExtreme(pick func(float64, float64) float64, seed float64) func([]any, Context) (any, error) {
	return func(args []any, ctx Context) (any, error) {
		field, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("needs a field name")
		}
		n, ok := args[1].(float64)
		if !ok || n < 1 {
			return nil, fmt.Errorf("window size must be a positive number")
		}
		window, ok := ctx["chart_window"].([]any)
		if !ok || len(window) == 0 {
			return Unknown, nil
		}
		start := len(window) - int(n)
		if start < 0 {
			start = 0
		}
		extreme := seed
		for _, raw := range window[start:] {
			candle, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("chart_window entries must be candle maps")
			}
			val, ok := normalize(candle[field]).(float64)
			if !ok {
				return nil, fmt.Errorf("candle field %q is not numeric", field)
			}
			extreme = pick(extreme, val)
		}
		return extreme, nil
	}
}

func ctxNow(ctx Context) time.Time {
	if now, ok := ctx["now"].(time.Time); ok {
		return now
	}
	return time.Now()
}

func oneString(args []any) (string, error) {
	s, ok := args[0].(string)
	if !ok {
		return "", fmt.Errorf("needs a string, got %s", kindOf(args[0]))
	}
	return s, nil
}

func twoNumbers(args []any) (float64, float64, error) {
	a, ok1 := args[0].(float64)
	b, ok2 := args[1].(float64)
	if !ok1 || !ok2 {
		return 0, 0, fmt.Errorf("needs two numbers")
	}
	return a, b, nil
}

func numbers(args []any) ([]float64, error) {
	out := make([]float64, len(args))
	for i, a := range args {
		f, ok := a.(float64)
		if !ok {
			return nil, fmt.Errorf("argument %d must be a number, got %s", i+1, kindOf(a))
		}
		out[i] = f
	}
	return out, nil
}

func fold(args []any, seed float64, pick func(float64, float64) float64) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("needs at least one argument")
	}
	// A single list argument folds over the list.
	if len(args) == 1 {
		if _, ok := args[0].([]any); ok {
			series, err := asSeries(args[0])
			if err != nil {
				return nil, err
			}
			if len(series) == 0 {
				return nil, fmt.Errorf("empty series")
			}
			acc := seed
			for _, v := range series {
				acc = pick(acc, v)
			}
			return acc, nil
		}
	}
	nums, err := numbers(args)
	if err != nil {
		return nil, err
	}
	acc := seed
	for _, v := range nums {
		acc = pick(acc, v)
	}
	return acc, nil
}

func oneSeries(args []any) ([]float64, error) {
	return asSeries(args[0])
}

func asSeries(v any) ([]float64, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("needs a numeric list, got %s", kindOf(v))
	}
	out := make([]float64, len(list))
	for i, el := range list {
		f, ok := normalize(el).(float64)
		if !ok {
			return nil, fmt.Errorf("list element %d is not numeric", i)
		}
		out[i] = f
	}
	return out, nil
}
