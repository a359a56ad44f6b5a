package analyzer

import (
	"testing"
	"time"

	"github.com/crowdsieve/crowdsieve/internal/ipmatch"
)

func entry(ip string, t time.Time, extra map[string]any) LogEntry {
	fields := map[string]any{"ip": ip}
	for k, v := range extra {
		fields[k] = v
	}
	return LogEntry{Timestamp: t, Fields: fields}
}

func TestGroupAndThreshold_CountMode(t *testing.T) {
	now := time.Now()
	entries := []LogEntry{
		entry("1.1.1.1", now, nil),
		entry("1.1.1.1", now.Add(time.Second), nil),
		entry("1.1.1.1", now.Add(2*time.Second), nil),
		entry("2.2.2.2", now, nil),
	}
	det := Detection{GroupBy: "ip", Threshold: 2, Operator: "gte"}
	findings := groupAndThreshold(entries, det)
	if len(findings) != 1 {
		t.Fatalf("expected exactly one group to cross the threshold, got %d", len(findings))
	}
	if findings[0].Key != "1.1.1.1" || findings[0].Count != 3 {
		t.Errorf("unexpected finding: %+v", findings[0])
	}
}

func TestGroupAndThreshold_DistinctMode(t *testing.T) {
	now := time.Now()
	entries := []LogEntry{
		entry("1.1.1.1", now, map[string]any{"path": "/a"}),
		entry("1.1.1.1", now, map[string]any{"path": "/a"}), // duplicate path, not a new distinct value
		entry("1.1.1.1", now, map[string]any{"path": "/b"}),
		entry("1.1.1.1", now, map[string]any{"path": "/c"}),
	}
	det := Detection{GroupBy: "ip", Distinct: "path", Threshold: 3, Operator: "gte"}
	findings := groupAndThreshold(entries, det)
	if len(findings) != 1 {
		t.Fatalf("expected one finding, got %d", len(findings))
	}
	if findings[0].DistinctCount != 3 {
		t.Errorf("expected distinct count 3, got %d", findings[0].DistinctCount)
	}
	if findings[0].Count != 4 {
		t.Errorf("raw count should still track every entry, got %d", findings[0].Count)
	}
}

func TestGroupAndThreshold_BelowThresholdExcluded(t *testing.T) {
	now := time.Now()
	entries := []LogEntry{entry("1.1.1.1", now, nil)}
	det := Detection{GroupBy: "ip", Threshold: 5, Operator: "gte"}
	findings := groupAndThreshold(entries, det)
	if len(findings) != 0 {
		t.Errorf("expected no findings below threshold, got %d", len(findings))
	}
}

func TestGroupAndThreshold_MissingGroupByFieldSkipsEntry(t *testing.T) {
	now := time.Now()
	entries := []LogEntry{{Timestamp: now, Fields: map[string]any{"other": "x"}}}
	det := Detection{GroupBy: "ip", Threshold: 0, Operator: "gte"}
	findings := groupAndThreshold(entries, det)
	if len(findings) != 0 {
		t.Errorf("entries without the groupby field should never form a group, got %d findings", len(findings))
	}
}

func TestGroupAndThreshold_SortedByDistinctCountDescending(t *testing.T) {
	now := time.Now()
	entries := []LogEntry{
		entry("low", now, nil),
		entry("high", now, nil),
		entry("high", now, nil),
		entry("high", now, nil),
		entry("mid", now, nil),
		entry("mid", now, nil),
	}
	det := Detection{GroupBy: "ip", Threshold: 1, Operator: "gte"}
	findings := groupAndThreshold(entries, det)
	if len(findings) != 3 {
		t.Fatalf("expected 3 findings, got %d", len(findings))
	}
	if findings[0].Key != "high" || findings[1].Key != "mid" || findings[2].Key != "low" {
		t.Errorf("expected descending order by count, got %v, %v, %v", findings[0].Key, findings[1].Key, findings[2].Key)
	}
}

func TestCrossesThreshold_AllOperators(t *testing.T) {
	cases := []struct {
		op     string
		value  float64
		thresh float64
		want   bool
	}{
		{"gt", 5, 4, true}, {"gt", 4, 4, false},
		{"gte", 4, 4, true}, {"gte", 3, 4, false},
		{"lt", 3, 4, true}, {"lt", 4, 4, false},
		{"lte", 4, 4, true}, {"lte", 5, 4, false},
		{"eq", 4, 4, true}, {"eq", 5, 4, false},
		{"unknown", 4, 4, false},
	}
	for _, c := range cases {
		got := crossesThreshold(c.value, c.op, c.thresh)
		if got != c.want {
			t.Errorf("%s(%v,%v) = %v, want %v", c.op, c.value, c.thresh, got, c.want)
		}
	}
}

func TestApplyWhitelist_SuppressesMatches(t *testing.T) {
	wl := ipmatch.Parse([]string{"10.0.0.0/8"})
	findings := []Finding{{Key: "10.0.0.1"}, {Key: "1.2.3.4"}}
	survivors, suppressed := applyWhitelist(findings, wl)
	if suppressed != 1 {
		t.Errorf("expected 1 suppressed, got %d", suppressed)
	}
	if len(survivors) != 1 || survivors[0].Key != "1.2.3.4" {
		t.Errorf("unexpected survivors: %+v", survivors)
	}
}

func TestApplyWhitelist_NilWhitelistSuppressesNothing(t *testing.T) {
	findings := []Finding{{Key: "1.2.3.4"}}
	survivors, suppressed := applyWhitelist(findings, nil)
	if suppressed != 0 || len(survivors) != 1 {
		t.Errorf("nil whitelist should suppress nothing: survivors=%+v suppressed=%d", survivors, suppressed)
	}
}
