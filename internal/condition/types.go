// Package condition implements the declarative condition trees that regime
// and strategy definitions are written in: leaf comparisons against a flat
// indicator-value snapshot, nested under AND/OR groups.
package condition

import (
	"encoding/json"
	"fmt"
)

// Comparison operators supported by leaf conditions.
const (
	OpGT      = "gt"
	OpLT      = "lt"
	OpEQ      = "eq"
	OpBetween = "between"
)

// IndicatorRef addresses one field of one indicator in the snapshot.
type IndicatorRef struct {
	IndicatorID string `json:"indicator_id"`
	Field       string `json:"field"`
}

func (r IndicatorRef) Key() string { return r.IndicatorID + "." + r.Field }

// Range is the inclusive bounds operand of a between condition.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Operand is one side of a condition: a numeric constant, an indicator
// reference, or (on the right of between) a min/max range. Exactly one of
// the fields is set after decoding.
type Operand struct {
	Const *float64
	Ref   *IndicatorRef
	Range *Range
}

// UnmarshalJSON accepts a bare number, an {indicator_id, field} object, or
// a {min, max} object.
func (o *Operand) UnmarshalJSON(data []byte) error {
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		o.Const = &num
		return nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("operand must be a number or an object: %w", err)
	}
	if _, ok := probe["indicator_id"]; ok {
		var ref IndicatorRef
		if err := json.Unmarshal(data, &ref); err != nil {
			return err
		}
		if ref.IndicatorID == "" || ref.Field == "" {
			return fmt.Errorf("indicator reference needs both indicator_id and field")
		}
		o.Ref = &ref
		return nil
	}
	if _, ok := probe["min"]; ok {
		var rng Range
		if err := json.Unmarshal(data, &rng); err != nil {
			return err
		}
		o.Range = &rng
		return nil
	}
	return fmt.Errorf("operand object must be an indicator reference or a min/max range")
}

func (o Operand) MarshalJSON() ([]byte, error) {
	switch {
	case o.Const != nil:
		return json.Marshal(*o.Const)
	case o.Ref != nil:
		return json.Marshal(*o.Ref)
	case o.Range != nil:
		return json.Marshal(*o.Range)
	}
	return nil, fmt.Errorf("empty operand")
}

// Condition is a single leaf comparison.
type Condition struct {
	Left  Operand `json:"left"`
	Op    string  `json:"op"`
	Right Operand `json:"right"`
}

// Group is an AND/OR node. Exactly one of All/Any is populated; an empty
// group is vacuously true. Groups nest as trees, never graphs: each node is
// freshly decoded from the document, so a depth guard at validation time is
// all the cycle protection needed.
type Group struct {
	All []Node `json:"all,omitempty"`
	Any []Node `json:"any,omitempty"`
}

func (g *Group) IsEmpty() bool {
	return g == nil || (len(g.All) == 0 && len(g.Any) == 0)
}

// Node is one child of a group: either a leaf condition or a nested group,
// distinguished in JSON by the presence of an "op" key.
type Node struct {
	Cond  *Condition
	Group *Group
}

func (n *Node) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("condition node must be an object: %w", err)
	}
	if _, ok := probe["op"]; ok {
		var c Condition
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		n.Cond = &c
		return nil
	}
	var g Group
	if err := json.Unmarshal(data, &g); err != nil {
		return err
	}
	n.Group = &g
	return nil
}

func (n Node) MarshalJSON() ([]byte, error) {
	if n.Cond != nil {
		return json.Marshal(n.Cond)
	}
	return json.Marshal(n.Group)
}

// Snapshot is the flat indicator_id.field -> value map one evaluation cycle
// runs against. Immutable for the lifetime of the cycle.
type Snapshot map[string]float64

// SnapshotFromFields flattens the nested per-indicator field maps delivered
// by the market-data feed.
func SnapshotFromFields(fields map[string]map[string]float64) Snapshot {
	snap := make(Snapshot, len(fields))
	for id, fieldVals := range fields {
		for field, val := range fieldVals {
			snap[id+"."+field] = val
		}
	}
	return snap
}

func (s Snapshot) Lookup(ref IndicatorRef) (float64, bool) {
	v, ok := s[ref.Key()]
	return v, ok
}
