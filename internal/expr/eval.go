package expr

import (
	"fmt"
	"math"
	"strings"
)

// Context carries the variables an expression is evaluated against. The
// engine never mutates it. Well-known keys supplied by callers:
//
//	last_closed_candle  map with open/high/low/close/volume/timestamp
//	chart_window        list of candle maps, oldest first
//	trading_status      map with in_trade/side/bars_in_trade
//	active_regimes      list of active regime ids
//
// Absence of any of these degrades gracefully inside the builtins that
// consume them; it is never an evaluation error.
type Context map[string]any

// EvalError reports a runtime fault: a missing variable, a type mismatch,
// division by zero. EvalBool converts it into a false outcome.
type EvalError struct {
	Expr   string
	Reason string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("expression eval failed: %s", e.Reason)
}

func evalErrf(format string, args ...any) error {
	return &EvalError{Reason: fmt.Sprintf(format, args...)}
}

func (n *numberNode) eval(Context) (any, error) { return n.val, nil }
func (n *stringNode) eval(Context) (any, error) { return n.val, nil }
func (n *boolNode) eval(Context) (any, error)   { return n.val, nil }

func (n *identNode) eval(ctx Context) (any, error) {
	val, ok := ctx[n.name]
	if !ok {
		return nil, evalErrf("undefined variable %q", n.name)
	}
	return normalize(val), nil
}

func (n *listNode) eval(ctx Context) (any, error) {
	out := make([]any, len(n.elems))
	for i, el := range n.elems {
		v, err := el.eval(ctx)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (n *memberNode) eval(ctx Context) (any, error) {
	target, err := n.target.eval(ctx)
	if err != nil {
		return nil, err
	}
	m, ok := target.(map[string]any)
	if !ok {
		return nil, evalErrf("cannot access field %q on %s", n.field, kindOf(target))
	}
	val, ok := m[n.field]
	if !ok {
		return nil, evalErrf("field %q not present", n.field)
	}
	return normalize(val), nil
}

func (n *indexNode) eval(ctx Context) (any, error) {
	target, err := n.target.eval(ctx)
	if err != nil {
		return nil, err
	}
	idx, err := n.index.eval(ctx)
	if err != nil {
		return nil, err
	}
	switch t := target.(type) {
	case []any:
		f, ok := idx.(float64)
		if !ok {
			return nil, evalErrf("list index must be numeric, got %s", kindOf(idx))
		}
		i := int(f)
		if i < 0 {
			i += len(t) // negative indexes count from the end
		}
		if i < 0 || i >= len(t) {
			return nil, evalErrf("list index %d out of range (len %d)", int(f), len(t))
		}
		return normalize(t[i]), nil
	case map[string]any:
		key, ok := idx.(string)
		if !ok {
			return nil, evalErrf("map key must be a string, got %s", kindOf(idx))
		}
		val, ok := t[key]
		if !ok {
			return nil, evalErrf("map key %q not present", key)
		}
		return normalize(val), nil
	default:
		return nil, evalErrf("cannot index %s", kindOf(target))
	}
}

func (n *unaryNode) eval(ctx Context) (any, error) {
	val, err := n.operand.eval(ctx)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "!":
		b, ok := val.(bool)
		if !ok {
			return nil, evalErrf("'!' needs a boolean, got %s", kindOf(val))
		}
		return !b, nil
	case "-":
		f, ok := val.(float64)
		if !ok {
			return nil, evalErrf("unary '-' needs a number, got %s", kindOf(val))
		}
		return -f, nil
	}
	return nil, evalErrf("unknown unary operator %q", n.op)
}

func (n *binaryNode) eval(ctx Context) (any, error) {
	// Logical operators short-circuit and demand booleans on both sides.
	if n.op == "&&" || n.op == "||" {
		lb, err := evalBoolOperand(n.left, ctx, n.op)
		if err != nil {
			return nil, err
		}
		if n.op == "&&" && !lb {
			return false, nil
		}
		if n.op == "||" && lb {
			return true, nil
		}
		return evalBoolOperand(n.right, ctx, n.op)
	}

	left, err := n.left.eval(ctx)
	if err != nil {
		return nil, err
	}
	right, err := n.right.eval(ctx)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "+":
		if ls, ok := left.(string); ok {
			rs, ok := right.(string)
			if !ok {
				return nil, evalErrf("cannot concatenate string and %s", kindOf(right))
			}
			return ls + rs, nil
		}
		return arith(left, right, n.op)
	case "-", "*", "/", "%":
		return arith(left, right, n.op)
	case "<", "<=", ">", ">=":
		return compare(left, right, n.op)
	case "==":
		return valuesEqual(left, right), nil
	case "!=":
		return !valuesEqual(left, right), nil
	case "in":
		return membership(left, right)
	}
	return nil, evalErrf("unknown operator %q", n.op)
}

func (n *ternaryNode) eval(ctx Context) (any, error) {
	cond, err := n.cond.eval(ctx)
	if err != nil {
		return nil, err
	}
	b, ok := cond.(bool)
	if !ok {
		return nil, evalErrf("ternary condition must be boolean, got %s", kindOf(cond))
	}
	if b {
		return n.then.eval(ctx)
	}
	return n.alt.eval(ctx)
}

func (n *callNode) eval(ctx Context) (any, error) {
	args := make([]any, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(ctx)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	out, err := n.fn.Call(args, ctx)
	if err != nil {
		return nil, evalErrf("%s(): %v", n.name, err)
	}
	return normalize(out), nil
}

func evalBoolOperand(n node, ctx Context, op string) (bool, error) {
	v, err := n.eval(ctx)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, evalErrf("%q needs boolean operands, got %s", op, kindOf(v))
	}
	return b, nil
}

func arith(left, right any, op string) (any, error) {
	lf, lok := left.(float64)
	rf, rok := right.(float64)
	if !lok || !rok {
		return nil, evalErrf("%q needs numeric operands, got %s and %s", op, kindOf(left), kindOf(right))
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, evalErrf("division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, evalErrf("modulo by zero")
		}
		return math.Mod(lf, rf), nil
	}
	return nil, evalErrf("unknown arithmetic operator %q", op)
}

func compare(left, right any, op string) (any, error) {
	if ls, ok := left.(string); ok {
		rs, ok := right.(string)
		if !ok {
			return nil, evalErrf("cannot compare string with %s", kindOf(right))
		}
		switch op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}
	lf, lok := left.(float64)
	rf, rok := right.(float64)
	if !lok || !rok {
		return nil, evalErrf("%q needs numeric operands, got %s and %s", op, kindOf(left), kindOf(right))
	}
	switch op {
	case "<":
		return lf < rf, nil
	case "<=":
		return lf <= rf, nil
	case ">":
		return lf > rf, nil
	case ">=":
		return lf >= rf, nil
	}
	return nil, evalErrf("unknown comparison %q", op)
}

func valuesEqual(left, right any) bool {
	switch l := left.(type) {
	case float64:
		r, ok := right.(float64)
		return ok && l == r
	case string:
		r, ok := right.(string)
		return ok && l == r
	case bool:
		r, ok := right.(bool)
		return ok && l == r
	case []any:
		r, ok := right.([]any)
		if !ok || len(l) != len(r) {
			return false
		}
		for i := range l {
			if !valuesEqual(normalize(l[i]), normalize(r[i])) {
				return false
			}
		}
		return true
	case nil:
		return right == nil
	}
	return false
}

// membership implements "x in y": element in list, key in map, substring
// in string.
func membership(left, right any) (any, error) {
	switch r := right.(type) {
	case []any:
		for _, el := range r {
			if valuesEqual(left, normalize(el)) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		key, ok := left.(string)
		if !ok {
			return nil, evalErrf("'in' on a map needs a string key, got %s", kindOf(left))
		}
		_, present := r[key]
		return present, nil
	case string:
		sub, ok := left.(string)
		if !ok {
			return nil, evalErrf("'in' on a string needs a string, got %s", kindOf(left))
		}
		return strings.Contains(r, sub), nil
	default:
		return nil, evalErrf("'in' needs a list, map or string on the right, got %s", kindOf(right))
	}
}

// normalize widens Go numeric kinds to float64 so that values injected by
// callers (ints from JSON decoding paths, counters) compare cleanly.
func normalize(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

func kindOf(v any) string {
	switch v.(type) {
	case float64:
		return "number"
	case string:
		return "string"
	case bool:
		return "bool"
	case []any:
		return "list"
	case map[string]any:
		return "map"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}
