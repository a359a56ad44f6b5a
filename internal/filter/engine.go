package filter

import (
	"fmt"
	"sync"
)

// Mode selects block/allow semantics for the rule set as a whole.
type Mode string

const (
	ModeBlock Mode = "block"
	ModeAllow Mode = "allow"
)

// Engine holds a compiled, mutex-guarded rule set, the same guarded-rebuild
// shape CirtusX's engine package uses for its own rule set.
type Engine struct {
	mu    sync.RWMutex
	mode  Mode
	rules []Rule
}

// New compiles rules under mode and returns a ready Engine. Per-rule
// compile failures are collected (not fatal to the others) and returned
// alongside the Engine so the caller can log them.
func New(mode Mode, rules []Rule) (*Engine, []error) {
	e := &Engine{mode: mode}
	var errs []error
	compiled := make([]Rule, 0, len(rules))
	for _, r := range rules {
		rc := r
		if err := rc.Compile(); err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", r.Name, err))
			continue
		}
		compiled = append(compiled, rc)
	}
	e.rules = compiled
	return e, errs
}

// Outcome is the per-alert verdict: whether it was filtered, and which
// rules matched (with reasons), for the persisted match-reasons JSON blob.
type Outcome struct {
	Filtered bool
	Matches  []Result
}

// Evaluate runs every enabled rule against fields and applies mode
// semantics: block mode filters on any match; allow mode filters on no
// match.
func (e *Engine) Evaluate(fields map[string]any) Outcome {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var matches []Result
	anyMatch := false
	for i := range e.rules {
		r := &e.rules[i]
		if !r.Enabled {
			continue
		}
		ok, reason := r.Evaluate(fields)
		if ok {
			anyMatch = true
			matches = append(matches, Result{RuleName: r.Name, Matched: true, Reason: reason})
		}
	}

	var filtered bool
	switch e.mode {
	case ModeAllow:
		filtered = !anyMatch
	default: // ModeBlock
		filtered = anyMatch
	}
	return Outcome{Filtered: filtered, Matches: matches}
}
