package filter

import (
	"strings"
	"testing"
)

func fieldRule(name string, enabled bool, field string, op Op, value any) Rule {
	return Rule{
		Name:    name,
		Enabled: enabled,
		Filter:  RawExpr{Field: field, Op: op, Value: value},
	}
}

func TestEngine_BlockMode_AnyMatchFilters(t *testing.T) {
	rules := []Rule{fieldRule("scanner", true, "scenario", OpEq, "port-scan")}
	e, errs := New(ModeBlock, rules)
	if len(errs) != 0 {
		t.Fatalf("unexpected compile errors: %v", errs)
	}

	out := e.Evaluate(map[string]any{"scenario": "port-scan"})
	if !out.Filtered {
		t.Error("expected match to be filtered in block mode")
	}

	out = e.Evaluate(map[string]any{"scenario": "ssh-brute-force"})
	if out.Filtered {
		t.Error("expected non-match to pass through in block mode")
	}
}

func TestEngine_AllowMode_NoMatchFilters(t *testing.T) {
	rules := []Rule{fieldRule("known-good", true, "scenario", OpEq, "ssh-brute-force")}
	e, _ := New(ModeAllow, rules)

	out := e.Evaluate(map[string]any{"scenario": "ssh-brute-force"})
	if out.Filtered {
		t.Error("expected match to pass through in allow mode")
	}

	out = e.Evaluate(map[string]any{"scenario": "port-scan"})
	if !out.Filtered {
		t.Error("expected non-match to be filtered in allow mode")
	}
}

func TestEngine_DisabledRuleNeverMatches(t *testing.T) {
	rules := []Rule{fieldRule("disabled", false, "scenario", OpEq, "port-scan")}
	e, _ := New(ModeBlock, rules)

	out := e.Evaluate(map[string]any{"scenario": "port-scan"})
	if out.Filtered {
		t.Error("disabled rule should never match")
	}
}

func TestEngine_CompileErrorsCollectedPerRule(t *testing.T) {
	rules := []Rule{
		fieldRule("ok", true, "scenario", OpEq, "x"),
		{Name: "bad", Enabled: true, Filter: RawExpr{Op: "and"}}, // and requires conditions
	}
	e, errs := New(ModeBlock, rules)
	if len(errs) != 1 {
		t.Fatalf("expected exactly one compile error, got %d: %v", len(errs), errs)
	}
	if !strings.Contains(errs[0].Error(), "bad") {
		t.Errorf("error should name the failing rule: %v", errs[0])
	}
	// the good rule should still be usable
	out := e.Evaluate(map[string]any{"scenario": "x"})
	if !out.Filtered {
		t.Error("surviving rule should still evaluate")
	}
}

func TestEngine_AndShortCircuit(t *testing.T) {
	rule := Rule{
		Name:    "and-rule",
		Enabled: true,
		Filter: RawExpr{
			Op: "and",
			Conditions: []RawExpr{
				{Field: "scenario", Op: OpEq, Value: "port-scan"},
				{Field: "country", Op: OpEq, Value: "US"},
			},
		},
	}
	e, errs := New(ModeBlock, []Rule{rule})
	if len(errs) != 0 {
		t.Fatalf("unexpected compile errors: %v", errs)
	}

	out := e.Evaluate(map[string]any{"scenario": "port-scan", "country": "US"})
	if !out.Filtered {
		t.Error("both conditions true should match")
	}

	out = e.Evaluate(map[string]any{"scenario": "port-scan", "country": "CA"})
	if out.Filtered {
		t.Error("one false condition should stop the and")
	}
}

func TestEngine_OrShortCircuit(t *testing.T) {
	rule := Rule{
		Name:    "or-rule",
		Enabled: true,
		Filter: RawExpr{
			Op: "or",
			Conditions: []RawExpr{
				{Field: "scenario", Op: OpEq, Value: "port-scan"},
				{Field: "scenario", Op: OpEq, Value: "ssh-brute-force"},
			},
		},
	}
	e, _ := New(ModeBlock, []Rule{rule})

	out := e.Evaluate(map[string]any{"scenario": "ssh-brute-force"})
	if !out.Filtered {
		t.Error("second branch should match")
	}

	out = e.Evaluate(map[string]any{"scenario": "other"})
	if out.Filtered {
		t.Error("neither branch should match")
	}
}

func TestEngine_Not(t *testing.T) {
	rule := Rule{
		Name:    "not-rule",
		Enabled: true,
		Filter: RawExpr{
			Op:        "not",
			Condition: &RawExpr{Field: "scenario", Op: OpEq, Value: "port-scan"},
		},
	}
	e, _ := New(ModeBlock, []Rule{rule})

	out := e.Evaluate(map[string]any{"scenario": "port-scan"})
	if out.Filtered {
		t.Error("not should invert a true match to false")
	}
	out = e.Evaluate(map[string]any{"scenario": "other"})
	if !out.Filtered {
		t.Error("not should invert a false match to true")
	}
}

func TestEngine_UndefinedLeafIsFalse(t *testing.T) {
	rule := fieldRule("missing", true, "nested.missing", OpEq, "x")
	e, _ := New(ModeBlock, []Rule{rule})
	out := e.Evaluate(map[string]any{"scenario": "x"})
	if out.Filtered {
		t.Error("undefined field should never match eq")
	}
}

func TestEngine_EmptyAndNotEmptyHandleUndefinedLeaf(t *testing.T) {
	empty := fieldRule("empty", true, "missing", OpEmpty, nil)
	e, _ := New(ModeBlock, []Rule{empty})
	out := e.Evaluate(map[string]any{})
	if !out.Filtered {
		t.Error("missing field should count as empty")
	}

	notEmpty := fieldRule("not-empty", true, "missing", OpNotEmpty, nil)
	e2, _ := New(ModeBlock, []Rule{notEmpty})
	out2 := e2.Evaluate(map[string]any{})
	if out2.Filtered {
		t.Error("missing field should never satisfy not_empty")
	}
}

func TestEngine_RegexOversizeNeverMatches(t *testing.T) {
	huge := strings.Repeat("a", maxRegexLen+1)
	rule := fieldRule("oversize", true, "value", OpRegex, huge)
	e, errs := New(ModeBlock, []Rule{rule})
	if len(errs) != 0 {
		t.Fatalf("oversized regex should compile as never-matching, not error: %v", errs)
	}
	out := e.Evaluate(map[string]any{"value": huge})
	if out.Filtered {
		t.Error("oversized regex pattern must never match, even against itself")
	}
}

func TestEngine_InvalidRegexNeverMatches(t *testing.T) {
	rule := fieldRule("bad-regex", true, "value", OpRegex, "(unterminated")
	e, _ := New(ModeBlock, []Rule{rule})
	out := e.Evaluate(map[string]any{"value": "(unterminated"})
	if out.Filtered {
		t.Error("invalid regex must never match")
	}
}

func TestEngine_CIDR_IPv4AndIPv6(t *testing.T) {
	rule := fieldRule("cidr", true, "ip", OpCIDR, []string{"10.0.0.0/8", "2001:db8::/32"})
	e, errs := New(ModeBlock, []Rule{rule})
	if len(errs) != 0 {
		t.Fatalf("unexpected compile errors: %v", errs)
	}

	cases := []struct {
		ip      string
		matches bool
	}{
		{"10.1.2.3", true},
		{"192.168.1.1", false},
		{"2001:db8::1", true},
		{"2001:db9::1", false},
	}
	for _, c := range cases {
		out := e.Evaluate(map[string]any{"ip": c.ip})
		if out.Filtered != c.matches {
			t.Errorf("ip %s: expected matches=%v, got filtered=%v", c.ip, c.matches, out.Filtered)
		}
	}
}

func TestEngine_InvalidCIDRNeverMatches(t *testing.T) {
	rule := fieldRule("bad-cidr", true, "ip", OpCIDR, "not-a-cidr")
	e, _ := New(ModeBlock, []Rule{rule})
	out := e.Evaluate(map[string]any{"ip": "10.0.0.1"})
	if out.Filtered {
		t.Error("invalid CIDR must never match")
	}
}

func TestEngine_EvaluationPanicIsSwallowed(t *testing.T) {
	// A field condition is always safe by construction, but Evaluate's
	// recover() must still absorb any future panic without failing the
	// whole rule set; force one with a field node whose compiled field is
	// nil, so evalField dereferences a nil pointer.
	r := Rule{Name: "broken", Enabled: true, compiled: &compiledExpr{kind: ExprField}}
	matched, reason := r.Evaluate(map[string]any{})
	if matched || reason != "" {
		t.Error("a rule whose evaluation panics should evaluate to no-match")
	}
}
