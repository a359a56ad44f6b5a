package pipeline

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/crowdsieve/crowdsieve/internal/filter"
	"github.com/crowdsieve/crowdsieve/internal/models"
)

// alertFromFields builds a models.Alert from one decoded signal's generic
// JSON fields plus its raw bytes and filter verdict. Every lookup is
// defensive: the CrowdSec wire shape is not strictly enforced upstream of
// this proxy, so a missing or mistyped field degrades to a zero value
// rather than aborting the conversion.
func alertFromFields(raw []byte, fields map[string]any, outcome filter.Outcome, receivedAt time.Time) models.Alert {
	source, _ := fields["source"].(map[string]any)

	a := models.Alert{
		UUID:            getString(fields, "uuid"),
		MachineID:       getString(fields, "machine_id"),
		ScenarioName:    getString(fields, "scenario"),
		ScenarioHash:    getString(fields, "scenario_hash"),
		ScenarioVersion: getString(fields, "scenario_version"),
		Message:         getString(fields, "message"),
		EventCount:      int(getFloat(fields, "events_count")),
		StartAt:         parseTimeOr(getString(fields, "start_at"), receivedAt),
		StopAt:          parseTimeOr(getString(fields, "stop_at"), receivedAt),
		ReceivedAt:      receivedAt,
		Simulated:       getBool(fields, "simulated"),
		Filtered:        outcome.Filtered,
		ForwardedToCAPI: false,
		RawJSON:         string(raw),
	}

	if source != nil {
		a.SourceScope = getString(source, "scope")
		a.SourceValue = getString(source, "value")
		a.SourceIPv4 = getString(source, "ip")
		a.SourceIPv6 = getString(source, "ip_v6")
		a.SourceASName = getString(source, "as_name")
		a.SourceCountry = getString(source, "cn")
		a.GeoCountryCode = getString(source, "cn")
		a.GeoLat = getFloat(source, "latitude")
		a.GeoLon = getFloat(source, "longitude")
		if asn := getString(source, "as_number"); asn != "" {
			a.SourceASN = int(getFloat(source, "as_number"))
		}
	}

	if reasons, err := json.Marshal(outcome.Matches); err == nil {
		a.MatchReasonsJSON = string(reasons)
	}

	if rawDecisions, ok := fields["decisions"].([]any); ok {
		for _, rd := range rawDecisions {
			dm, ok := rd.(map[string]any)
			if !ok {
				continue
			}
			a.Decisions = append(a.Decisions, models.Decision{
				UUID:      getString(dm, "uuid"),
				Origin:    getString(dm, "origin"),
				Type:      getString(dm, "type"),
				Scope:     getString(dm, "scope"),
				Value:     getString(dm, "value"),
				Duration:  getString(dm, "duration"),
				Scenario:  getString(dm, "scenario"),
				Simulated: getBool(dm, "simulated"),
				Until:     parseTimeOr(getString(dm, "until"), time.Time{}),
			})
		}
	}
	a.HasDecisions = len(a.Decisions) > 0

	if rawEvents, ok := fields["events"].([]any); ok {
		for _, re := range rawEvents {
			em, ok := re.(map[string]any)
			if !ok {
				continue
			}
			metaJSON, _ := json.Marshal(em["meta"])
			a.Events = append(a.Events, models.Event{
				Timestamp:    parseTimeOr(getString(em, "timestamp"), receivedAt),
				MetadataJSON: string(metaJSON),
			})
		}
	}

	return a
}

func getString(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func getFloat(m map[string]any, key string) float64 {
	v, ok := m[key]
	if !ok {
		return 0
	}
	switch vv := v.(type) {
	case float64:
		return vv
	case string:
		if f, err := strconv.ParseFloat(vv, 64); err == nil {
			return f
		}
	}
	return 0
}

func getBool(m map[string]any, key string) bool {
	v, ok := m[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func parseTimeOr(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return fallback
}
