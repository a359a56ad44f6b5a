package analyzer

import (
	"sort"
	"time"

	"github.com/crowdsieve/crowdsieve/internal/ipmatch"
)

// Finding is one group that crossed its detection threshold.
type Finding struct {
	Key           string // groupby value, typically a source IP
	Count         int
	DistinctCount int
	FirstSeen     time.Time
	LastSeen      time.Time
}

type groupAccum struct {
	count     int
	distinct  map[string]struct{}
	firstSeen time.Time
	lastSeen  time.Time
}

// groupAndThreshold groups entries by the groupby field, tracks
// count/first-seen/last-seen (and a distinct-value set when configured),
// then emits a Finding for every group whose compare_value crosses
// threshold under operator.
func groupAndThreshold(entries []LogEntry, det Detection) []Finding {
	groups := make(map[string]*groupAccum)

	for _, e := range entries {
		key, ok := stringField(e.Fields, det.GroupBy)
		if !ok {
			continue
		}
		g, ok := groups[key]
		if !ok {
			g = &groupAccum{firstSeen: e.Timestamp, lastSeen: e.Timestamp}
			if det.Distinct != "" {
				g.distinct = make(map[string]struct{})
			}
			groups[key] = g
		}
		g.count++
		if e.Timestamp.Before(g.firstSeen) {
			g.firstSeen = e.Timestamp
		}
		if e.Timestamp.After(g.lastSeen) {
			g.lastSeen = e.Timestamp
		}
		if det.Distinct != "" {
			if dv, ok := stringField(e.Fields, det.Distinct); ok {
				g.distinct[dv] = struct{}{}
			}
		}
	}

	var out []Finding
	for key, g := range groups {
		compareValue := float64(g.count)
		distinctCount := 0
		if det.Distinct != "" {
			distinctCount = len(g.distinct)
			compareValue = float64(distinctCount)
		}
		if !crossesThreshold(compareValue, det.Operator, det.Threshold) {
			continue
		}
		out = append(out, Finding{
			Key:           key,
			Count:         g.count,
			DistinctCount: distinctCount,
			FirstSeen:     g.firstSeen,
			LastSeen:      g.lastSeen,
		})
	}

	// Sorted by distinct count descending before push, ties broken by raw
	// count descending (so count-mode groups, whose distinct count is 0,
	// still come out in a defined order).
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistinctCount != out[j].DistinctCount {
			return out[i].DistinctCount > out[j].DistinctCount
		}
		return out[i].Count > out[j].Count
	})
	return out
}

func crossesThreshold(value float64, op string, threshold float64) bool {
	switch op {
	case "gt":
		return value > threshold
	case "gte":
		return value >= threshold
	case "lt":
		return value < threshold
	case "lte":
		return value <= threshold
	case "eq":
		return value == threshold
	default:
		return false
	}
}

// applyWhitelist partitions findings into survivors and a count of
// suppressed groups. Whitelisted groups never reach the push step but
// are still accounted for in the run's metrics.
func applyWhitelist(findings []Finding, wl *ipmatch.Whitelist) (survivors []Finding, whitelistedCount int) {
	for _, f := range findings {
		if wl.Contains(f.Key) {
			whitelistedCount++
			continue
		}
		survivors = append(survivors, f)
	}
	return survivors, whitelistedCount
}
