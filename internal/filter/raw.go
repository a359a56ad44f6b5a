package filter

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// RawExpr is the YAML-decodable shape of an expression node before it is
// compiled into an Expr. A node is either a field condition (has "field")
// or a logical composition (has "op": and|or|not with "conditions"/
// "condition").
type RawExpr struct {
	Field      string    `yaml:"field,omitempty"`
	Op         Op        `yaml:"op,omitempty"`
	Value      any       `yaml:"value,omitempty"`
	Conditions []RawExpr `yaml:"conditions,omitempty"`
	Condition  *RawExpr  `yaml:"condition,omitempty"`
}

// UnmarshalYAML lets RawExpr accept either a field-condition node or a
// logical node under a single "op" key shared between both shapes (the
// field condition's op is one of the field operators; the logical node's
// op is and/or/not).
func (r *RawExpr) UnmarshalYAML(value *yaml.Node) error {
	type plain RawExpr
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*r = RawExpr(p)
	return nil
}

// toExpr compiles a RawExpr tree into a node-kind-tagged Expr, recursing
// into logical children. It does not pre-compile regex/glob/CIDR matchers;
// that happens in compile.go.
func (r RawExpr) toExpr() (Expr, error) {
	switch LogicalOp(r.Op) {
	case LogicalAnd:
		if len(r.Conditions) == 0 {
			return Expr{}, fmt.Errorf("and requires at least one condition")
		}
		children, err := toExprSlice(r.Conditions)
		if err != nil {
			return Expr{}, err
		}
		return Expr{Kind: ExprAnd, Conditions: children}, nil
	case LogicalOr:
		if len(r.Conditions) == 0 {
			return Expr{}, fmt.Errorf("or requires at least one condition")
		}
		children, err := toExprSlice(r.Conditions)
		if err != nil {
			return Expr{}, err
		}
		return Expr{Kind: ExprOr, Conditions: children}, nil
	case LogicalNot:
		if r.Condition == nil {
			return Expr{}, fmt.Errorf("not requires a condition")
		}
		child, err := r.Condition.toExpr()
		if err != nil {
			return Expr{}, err
		}
		return Expr{Kind: ExprNot, Condition: &child}, nil
	default:
		if r.Field == "" {
			return Expr{}, fmt.Errorf("expression node requires field or a logical op")
		}
		return Expr{Kind: ExprField, Field: &FieldCond{Field: r.Field, Op: r.Op, Value: r.Value}}, nil
	}
}

func toExprSlice(raws []RawExpr) ([]Expr, error) {
	out := make([]Expr, 0, len(raws))
	for _, rr := range raws {
		e, err := rr.toExpr()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
