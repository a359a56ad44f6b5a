// Package models defines the core persisted data records: alerts with
// their embedded decisions and events, and the analyzer run history.
package models

import "time"

// Alert is an immutable record of one detection, created on ingest and
// never updated except its forwarding fields.
type Alert struct {
	ID        int64
	UUID      string
	MachineID string

	ScenarioName    string
	ScenarioHash    string
	ScenarioVersion string

	Message    string
	EventCount int

	StartAt      time.Time
	StopAt       time.Time
	ReceivedAt   time.Time
	ForwardedAt  *time.Time

	SourceScope   string // ip|range
	SourceValue   string
	SourceIPv4    string
	SourceIPv6    string
	SourceASN     int
	SourceASName  string
	SourceCountry string

	GeoCountryCode string
	GeoCountryName string
	GeoCity        string
	GeoRegion      string
	GeoLat         float64
	GeoLon         float64
	GeoTimezone    string
	GeoISP         string
	GeoOrg         string

	Simulated       bool
	Filtered        bool
	ForwardedToCAPI bool
	HasDecisions    bool

	MatchReasonsJSON string
	RawJSON          string

	Decisions []Decision
	Events    []Event
}

// Decision is a remediation embedded in an alert, lifetime coterminous with
// it (cascade delete).
type Decision struct {
	ID        int64
	AlertID   int64
	UUID      string
	Origin    string
	Type      string
	Scope     string
	Value     string
	Duration  string
	Scenario  string
	Simulated bool
	Until     time.Time
}

// Event is supporting evidence attached to an alert.
type Event struct {
	ID          int64
	AlertID     int64
	Timestamp   time.Time
	MetadataJSON string
}

// ValidatedClient caches proof a LAPI's bearer token was accepted by CAPI.
type ValidatedClient struct {
	ID             int64
	TokenHash      string
	MachineID      *string
	ValidatedAt    time.Time
	ExpiresAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int64
}

// AnalyzerRun records one scheduled or manual execution of an analyzer.
type AnalyzerRun struct {
	ID         int64
	AnalyzerID string
	StartedAt  time.Time
	EndedAt    *time.Time
	Status     string // success|error
	LogsFetched      int
	AlertsGenerated  int
	DecisionsPushed  int
	ErrorMessage     string
	DetectionsJSON   string
	PushOutcomesJSON string
}

// AnalyzerResult is one emitted detection from an AnalyzerRun.
type AnalyzerResult struct {
	ID             int64
	RunID          int64
	SourceIP       string
	DistinctCount  int
	TotalCount     int
	FirstSeen      time.Time
	LastSeen       time.Time
	DecisionPushed bool
}
