package filter

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Result is the outcome of evaluating one rule against one alert.
type Result struct {
	RuleName string
	Matched  bool
	Reason   string
}

// resolveField walks a dot-path through a nested map[string]any. An
// intermediate nil/missing key yields (nil, false): an "undefined leaf",
// which every operator except empty/not_empty treats as false.
func resolveField(fields map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = fields
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// evalField evaluates a single compiled field condition, returning a match
// flag and a human-readable reason string.
func evalField(cf *compiledField, fields map[string]any) (bool, string) {
	v, present := resolveField(fields, cf.fc.Field)

	switch cf.fc.Op {
	case OpEmpty:
		return isEmptyValue(v, present), fmt.Sprintf("%s is empty", cf.fc.Field)
	case OpNotEmpty:
		return !isEmptyValue(v, present), fmt.Sprintf("%s is not empty", cf.fc.Field)
	}

	if !present || v == nil {
		return false, fmt.Sprintf("%s is undefined", cf.fc.Field)
	}

	switch cf.fc.Op {
	case OpEq:
		return looseEqual(v, cf.fc.Value), fmt.Sprintf("%s == %v", cf.fc.Field, cf.fc.Value)
	case OpNe:
		return !looseEqual(v, cf.fc.Value), fmt.Sprintf("%s != %v", cf.fc.Field, cf.fc.Value)
	case OpGt, OpGte, OpLt, OpLte:
		return evalNumericCompare(cf.fc.Op, v, cf.fc.Value), fmt.Sprintf("%s %s %v", cf.fc.Field, cf.fc.Op, cf.fc.Value)
	case OpIn:
		return memberOf(v, cf.fc.Value), fmt.Sprintf("%s in %v", cf.fc.Field, cf.fc.Value)
	case OpNotIn:
		return !memberOf(v, cf.fc.Value), fmt.Sprintf("%s not in %v", cf.fc.Field, cf.fc.Value)
	case OpContains:
		return containsValue(v, cf.fc.Value), fmt.Sprintf("%s contains %v", cf.fc.Field, cf.fc.Value)
	case OpNotContains:
		return !containsValue(v, cf.fc.Value), fmt.Sprintf("%s not contains %v", cf.fc.Field, cf.fc.Value)
	case OpStartsWith:
		s, ok := v.(string)
		return ok && strings.HasPrefix(s, fmt.Sprint(cf.fc.Value)), fmt.Sprintf("%s starts_with %v", cf.fc.Field, cf.fc.Value)
	case OpEndsWith:
		s, ok := v.(string)
		return ok && strings.HasSuffix(s, fmt.Sprint(cf.fc.Value)), fmt.Sprintf("%s ends_with %v", cf.fc.Field, cf.fc.Value)
	case OpGlob:
		if cf.neverMatches {
			return false, fmt.Sprintf("%s glob invalid", cf.fc.Field)
		}
		s, ok := v.(string)
		if !ok {
			return false, fmt.Sprintf("%s not a string", cf.fc.Field)
		}
		for _, g := range cf.globs {
			if g.Match(s) {
				return true, fmt.Sprintf("%s matches glob", cf.fc.Field)
			}
		}
		return false, fmt.Sprintf("%s matches no glob", cf.fc.Field)
	case OpRegex:
		if cf.neverMatches && len(cf.regexes) == 0 {
			return false, fmt.Sprintf("%s regex invalid", cf.fc.Field)
		}
		s, ok := v.(string)
		if !ok {
			return false, fmt.Sprintf("%s not a string", cf.fc.Field)
		}
		for _, re := range cf.regexes {
			if re.MatchString(s) {
				return true, fmt.Sprintf("%s matches regex", cf.fc.Field)
			}
		}
		return false, fmt.Sprintf("%s matches no regex", cf.fc.Field)
	case OpCIDR:
		if cf.neverMatches && len(cf.prefixes) == 0 {
			return false, fmt.Sprintf("%s cidr invalid", cf.fc.Field)
		}
		s, ok := v.(string)
		if !ok {
			return false, fmt.Sprintf("%s not a string", cf.fc.Field)
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return false, fmt.Sprintf("%s not an IP", cf.fc.Field)
		}
		for _, p := range cf.prefixes {
			if p.Addr().Is4() == addr.Is4() && p.Contains(addr) {
				return true, fmt.Sprintf("%s inside cidr", cf.fc.Field)
			}
		}
		return false, fmt.Sprintf("%s outside all cidrs", cf.fc.Field)
	default:
		return false, fmt.Sprintf("unknown operator %q", cf.fc.Op)
	}
}

func isEmptyValue(v any, present bool) bool {
	if !present || v == nil {
		return true
	}
	switch vv := v.(type) {
	case string:
		return vv == ""
	case []any:
		return len(vv) == 0
	default:
		return false
	}
}

func looseEqual(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func memberOf(v, list any) bool {
	for _, s := range stringsOf(list) {
		if fmt.Sprint(v) == s {
			return true
		}
	}
	return false
}

func containsValue(v, needle any) bool {
	switch vv := v.(type) {
	case string:
		return strings.Contains(vv, fmt.Sprint(needle))
	case []any:
		for _, e := range vv {
			if fmt.Sprint(e) == fmt.Sprint(needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func evalNumericCompare(op Op, v, target any) bool {
	vf, ok1 := toFloat(v)
	tf, ok2 := toFloat(target)
	if !ok1 || !ok2 {
		return false
	}
	switch op {
	case OpGt:
		return vf > tf
	case OpGte:
		return vf >= tf
	case OpLt:
		return vf < tf
	case OpLte:
		return vf <= tf
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch vv := v.(type) {
	case float64:
		return vv, true
	case float32:
		return float64(vv), true
	case int:
		return float64(vv), true
	case int64:
		return float64(vv), true
	case string:
		f, err := strconv.ParseFloat(vv, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// evalExpr recursively evaluates a compiled expression with short-circuit
// semantics: and stops at the first false, or stops at the first true.
// Reasons accumulate: and joins with " AND "; or returns the winning
// branch's reason alone.
func evalExpr(c *compiledExpr, fields map[string]any) (bool, string) {
	switch c.kind {
	case ExprField:
		return evalField(c.field, fields)
	case ExprAnd:
		var reasons []string
		for _, child := range c.conditions {
			ok, reason := evalExpr(child, fields)
			reasons = append(reasons, reason)
			if !ok {
				return false, strings.Join(reasons, " AND ")
			}
		}
		return true, strings.Join(reasons, " AND ")
	case ExprOr:
		for _, child := range c.conditions {
			ok, reason := evalExpr(child, fields)
			if ok {
				return true, reason
			}
		}
		return false, "no branch matched"
	case ExprNot:
		ok, reason := evalExpr(c.condition, fields)
		return !ok, "not(" + reason + ")"
	default:
		return false, "unknown expression kind"
	}
}

// Evaluate runs rule against fields. An evaluation panic inside a single
// rule is recovered and treated as "no match" for that rule only, so one
// bad rule can never take down evaluation of the others.
func (r *Rule) Evaluate(fields map[string]any) (matched bool, reason string) {
	if r.compiled == nil || !r.Enabled {
		return false, ""
	}
	defer func() {
		if rec := recover(); rec != nil {
			matched, reason = false, ""
		}
	}()
	return evalExpr(r.compiled, fields)
}
