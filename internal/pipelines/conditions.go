package pipelines

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Condition is a small discriminated-union predicate AST evaluated against an
// entity's attribute snapshot. Leaf ops compare a named field to a value;
// composite ops combine children. It deliberately is not an expression
// language: no arbitrary code, just structural comparison.
type Condition struct {
	Op       string      `json:"op" yaml:"op"`
	Field    string      `json:"field,omitempty" yaml:"field,omitempty"`
	Value    any         `json:"value,omitempty" yaml:"value,omitempty"`
	Children []Condition `json:"children,omitempty" yaml:"children,omitempty"`
}

const (
	OpEq  = "eq"
	OpNe  = "ne"
	OpLt  = "lt"
	OpLte = "lte"
	OpGt  = "gt"
	OpGte = "gte"
	OpIn  = "in"
	OpAnd = "and"
	OpOr  = "or"
	OpNot = "not"
)

// ParseCondition decodes a stored guard_conditions blob. Empty input yields a
// nil condition, which always evaluates true.
func ParseCondition(raw json.RawMessage) (*Condition, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var cond Condition
	if err := json.Unmarshal(raw, &cond); err != nil {
		return nil, fmt.Errorf("failed to parse guard conditions: %w", err)
	}
	if cond.Op == "" {
		return nil, nil
	}
	if err := cond.Validate(); err != nil {
		return nil, err
	}
	return &cond, nil
}

// Validate checks the AST shape: known ops, fields on leaves, children on
// composites.
func (c Condition) Validate() error {
	switch c.Op {
	case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte, OpIn:
		if c.Field == "" {
			return fmt.Errorf("condition op %q requires a field", c.Op)
		}
		if c.Op == OpIn {
			if _, ok := c.Value.([]any); !ok {
				return fmt.Errorf("condition op \"in\" requires a list value for field %q", c.Field)
			}
		}
		return nil
	case OpAnd, OpOr:
		if len(c.Children) == 0 {
			return fmt.Errorf("condition op %q requires children", c.Op)
		}
	case OpNot:
		if len(c.Children) != 1 {
			return fmt.Errorf("condition op \"not\" requires exactly one child")
		}
	default:
		return fmt.Errorf("unknown condition op %q", c.Op)
	}

	for _, child := range c.Children {
		if err := child.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Evaluate runs the predicate against an attribute snapshot. Missing fields
// fail leaf comparisons rather than erroring; a guard over an absent
// attribute simply does not hold.
func (c Condition) Evaluate(attrs map[string]any) bool {
	switch c.Op {
	case OpAnd:
		for _, child := range c.Children {
			if !child.Evaluate(attrs) {
				return false
			}
		}
		return true
	case OpOr:
		for _, child := range c.Children {
			if child.Evaluate(attrs) {
				return true
			}
		}
		return false
	case OpNot:
		return !c.Children[0].Evaluate(attrs)
	}

	actual, exists := attrs[c.Field]
	if !exists {
		return false
	}

	switch c.Op {
	case OpEq:
		return compareValues(actual, c.Value) == 0 || looseEqual(actual, c.Value)
	case OpNe:
		return !(compareValues(actual, c.Value) == 0 || looseEqual(actual, c.Value))
	case OpLt:
		return comparableNumbers(actual, c.Value) && compareValues(actual, c.Value) < 0
	case OpLte:
		return comparableNumbers(actual, c.Value) && compareValues(actual, c.Value) <= 0
	case OpGt:
		return comparableNumbers(actual, c.Value) && compareValues(actual, c.Value) > 0
	case OpGte:
		return comparableNumbers(actual, c.Value) && compareValues(actual, c.Value) >= 0
	case OpIn:
		list, ok := c.Value.([]any)
		if !ok {
			return false
		}
		for _, candidate := range list {
			if compareValues(actual, candidate) == 0 || looseEqual(actual, candidate) {
				return true
			}
		}
		return false
	}
	return false
}

// Describe renders the predicate as a short human-readable clause, used in
// rejection reasons.
func (c Condition) Describe() string {
	switch c.Op {
	case OpAnd, OpOr:
		parts := make([]string, len(c.Children))
		for i, child := range c.Children {
			parts[i] = child.Describe()
		}
		return "(" + strings.Join(parts, " "+c.Op+" ") + ")"
	case OpNot:
		return "not " + c.Children[0].Describe()
	case OpIn:
		return fmt.Sprintf("%s in %v", c.Field, c.Value)
	default:
		return fmt.Sprintf("%s %s %v", c.Field, c.Op, c.Value)
	}
}

// FailedClauses collects the leaf clauses that do not hold, for rejection
// reason reporting. Composite short-circuiting is ignored on purpose: the UI
// wants every unmet clause, not the first one.
func (c Condition) FailedClauses(attrs map[string]any) []string {
	switch c.Op {
	case OpAnd, OpOr:
		var failed []string
		for _, child := range c.Children {
			failed = append(failed, child.FailedClauses(attrs)...)
		}
		return failed
	case OpNot:
		if !c.Evaluate(attrs) {
			return []string{c.Describe()}
		}
		return nil
	default:
		if !c.Evaluate(attrs) {
			return []string{c.Describe()}
		}
		return nil
	}
}

func looseEqual(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func comparableNumbers(a, b any) bool {
	_, aok := toFloat(a)
	_, bok := toFloat(b)
	return aok && bok
}

// compareValues orders two values numerically when both are numbers,
// lexically when both are strings. Non-comparable pairs report as unequal.
func compareValues(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}

	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs)
	}
	return -2
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
