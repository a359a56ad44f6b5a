package filter

import (
	"net/netip"
	"regexp"

	"github.com/gobwas/glob"
)

const maxRegexLen = 500

// compiledExpr mirrors Expr but with every leaf's glob/regex/CIDR patterns
// pre-compiled once at load time, the same discipline CirtusX's engine
// package uses for its rule matchers.
type compiledExpr struct {
	kind       ExprKind
	field      *compiledField
	conditions []*compiledExpr
	condition  *compiledExpr
}

type compiledField struct {
	fc       FieldCond
	globs    []glob.Glob
	regexes  []*regexp.Regexp
	prefixes []netip.Prefix
	// neverMatches is set when a pattern failed to compile (invalid glob,
	// invalid regex, invalid CIDR, or a regex exceeding the 500-char safety
	// clause); nothing errors. For glob the field then always evaluates to
	// false; for regex and cidr only the failed patterns are dropped, and
	// the field always evaluates to false when none of them compiled.
	neverMatches bool
}

// Compile turns a Rule's RawExpr into a compiled, ready-to-evaluate form.
func (r *Rule) Compile() error {
	e, err := r.Filter.toExpr()
	if err != nil {
		return err
	}
	c, err := compileExpr(e)
	if err != nil {
		return err
	}
	r.compiled = c
	return nil
}

func compileExpr(e Expr) (*compiledExpr, error) {
	switch e.Kind {
	case ExprAnd, ExprOr:
		children := make([]*compiledExpr, 0, len(e.Conditions))
		for _, c := range e.Conditions {
			cc, err := compileExpr(c)
			if err != nil {
				return nil, err
			}
			children = append(children, cc)
		}
		return &compiledExpr{kind: e.Kind, conditions: children}, nil
	case ExprNot:
		cc, err := compileExpr(*e.Condition)
		if err != nil {
			return nil, err
		}
		return &compiledExpr{kind: e.Kind, condition: cc}, nil
	default:
		return &compiledExpr{kind: ExprField, field: compileField(*e.Field)}, nil
	}
}

func compileField(fc FieldCond) *compiledField {
	cf := &compiledField{fc: fc}

	switch fc.Op {
	case OpGlob:
		for _, pat := range stringsOf(fc.Value) {
			g, err := glob.Compile(pat)
			if err != nil {
				cf.neverMatches = true
				continue
			}
			cf.globs = append(cf.globs, g)
		}
	case OpRegex:
		for _, pat := range stringsOf(fc.Value) {
			if len(pat) > maxRegexLen {
				// Safety clause: oversized patterns are rejected at compile
				// time as "invalid" — the pattern never matches.
				cf.neverMatches = true
				continue
			}
			re, err := regexp.Compile(pat)
			if err != nil {
				cf.neverMatches = true
				continue
			}
			cf.regexes = append(cf.regexes, re)
		}
	case OpCIDR:
		for _, pat := range stringsOf(fc.Value) {
			p, err := parseCIDROrIP(pat)
			if err != nil {
				cf.neverMatches = true
				continue
			}
			cf.prefixes = append(cf.prefixes, p)
		}
	}
	return cf
}

// parseCIDROrIP accepts both a bare CIDR and a bare IP, the latter
// treated as a single-address prefix.
func parseCIDROrIP(s string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return p, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func stringsOf(v any) []string {
	switch vv := v.(type) {
	case string:
		return []string{vv}
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
