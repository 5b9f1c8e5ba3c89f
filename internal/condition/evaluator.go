package condition

import (
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"
)

// EqualityEpsilon is the tolerance for eq comparisons; indicator values
// round-trip through float64 and exact equality would produce spurious
// misses.
const EqualityEpsilon = 1e-6

// MissingIndicatorError reports a condition referencing an indicator field
// absent from the current snapshot. It fails that one condition closed; it
// never aborts a detection pass.
type MissingIndicatorError struct {
	Key string
}

func (e *MissingIndicatorError) Error() string {
	return fmt.Sprintf("indicator %q not present in snapshot", e.Key)
}

// MissSet deduplicates missing-indicator log lines within one evaluation
// cycle. Create one per cycle and share it across all group evaluations of
// that cycle.
type MissSet map[string]struct{}

func NewMissSet() MissSet { return make(MissSet) }

// record returns true the first time a key is seen this cycle.
func (m MissSet) record(key string) bool {
	if _, seen := m[key]; seen {
		return false
	}
	m[key] = struct{}{}
	return true
}

// Evaluator evaluates condition trees against snapshots. It is stateless
// beyond its logger and safe for concurrent use with independent snapshots.
type Evaluator struct {
	log zerolog.Logger
}

func NewEvaluator(log zerolog.Logger) *Evaluator {
	return &Evaluator{log: log.With().Str("component", "condition").Logger()}
}

// Evaluate resolves both operands against the snapshot and applies the
// operator. A reference missing from the snapshot surfaces as
// *MissingIndicatorError.
func (ev *Evaluator) Evaluate(c *Condition, snap Snapshot) (bool, error) {
	left, err := resolveScalar(c.Left, snap)
	if err != nil {
		return false, err
	}

	switch c.Op {
	case OpGT, OpLT, OpEQ:
		right, err := resolveScalar(c.Right, snap)
		if err != nil {
			return false, err
		}
		switch c.Op {
		case OpGT:
			return left > right, nil
		case OpLT:
			return left < right, nil
		default:
			return math.Abs(left-right) <= EqualityEpsilon, nil
		}
	case OpBetween:
		if c.Right.Range == nil {
			return false, fmt.Errorf("between condition needs a min/max range operand")
		}
		// Inclusive on both bounds.
		return left >= c.Right.Range.Min && left <= c.Right.Range.Max, nil
	default:
		return false, fmt.Errorf("unknown condition operator %q", c.Op)
	}
}

// EvaluateGroup applies AND semantics over All children and OR semantics
// over Any children, short-circuiting in both directions. An empty group is
// vacuously true. Missing-indicator faults inside a child are treated as
// "condition not satisfied" and logged once per unique key per cycle via
// misses.
func (ev *Evaluator) EvaluateGroup(g *Group, snap Snapshot, misses MissSet) bool {
	if g.IsEmpty() {
		return true
	}
	if len(g.All) > 0 {
		for i := range g.All {
			if !ev.evaluateNode(&g.All[i], snap, misses) {
				return false
			}
		}
		return true
	}
	for i := range g.Any {
		if ev.evaluateNode(&g.Any[i], snap, misses) {
			return true
		}
	}
	return false
}

func (ev *Evaluator) evaluateNode(n *Node, snap Snapshot, misses MissSet) bool {
	if n.Group != nil {
		return ev.EvaluateGroup(n.Group, snap, misses)
	}
	ok, err := ev.Evaluate(n.Cond, snap)
	if err != nil {
		var missing *MissingIndicatorError
		if errors.As(err, &missing) {
			if misses == nil || misses.record(missing.Key) {
				ev.log.Warn().Str("key", missing.Key).Msg("condition references indicator missing from snapshot, treating as unsatisfied")
			}
		} else {
			ev.log.Warn().Err(err).Msg("condition evaluation failed, treating as unsatisfied")
		}
		return false
	}
	return ok
}

func resolveScalar(o Operand, snap Snapshot) (float64, error) {
	switch {
	case o.Const != nil:
		return *o.Const, nil
	case o.Ref != nil:
		val, ok := snap.Lookup(*o.Ref)
		if !ok {
			return 0, &MissingIndicatorError{Key: o.Ref.Key()}
		}
		return val, nil
	default:
		return 0, fmt.Errorf("operand is not a scalar")
	}
}
