package operator

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseBoundQuery_Defaults(t *testing.T) {
	r := httptest.NewRequest("GET", "/alerts", nil)
	bq, err := parseBoundQuery(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bq.Limit != 100 || bq.Offset != 0 {
		t.Errorf("unexpected defaults: %+v", bq)
	}
}

func TestParseBoundQuery_LimitOutOfRangeRejected(t *testing.T) {
	r := httptest.NewRequest("GET", "/alerts?limit=1001", nil)
	if _, err := parseBoundQuery(r); err == nil {
		t.Error("expected error for limit > 1000")
	}
	r = httptest.NewRequest("GET", "/alerts?limit=0", nil)
	if _, err := parseBoundQuery(r); err == nil {
		t.Error("expected error for limit < 1")
	}
}

func TestParseBoundQuery_NegativeOffsetRejected(t *testing.T) {
	r := httptest.NewRequest("GET", "/alerts?offset=-1", nil)
	if _, err := parseBoundQuery(r); err == nil {
		t.Error("expected error for negative offset")
	}
}

func TestParseBoundQuery_ScenarioTooLongRejected(t *testing.T) {
	long := make([]byte, 201)
	for i := range long {
		long[i] = 'a'
	}
	r := httptest.NewRequest("GET", "/alerts?scenario="+string(long), nil)
	if _, err := parseBoundQuery(r); err == nil {
		t.Error("expected error for scenario over 200 chars")
	}
}

func TestParseBoundQuery_CountryMustBeTwoLetterUppercase(t *testing.T) {
	r := httptest.NewRequest("GET", "/alerts?country=us", nil)
	if _, err := parseBoundQuery(r); err == nil {
		t.Error("expected error for lowercase country code")
	}
	r = httptest.NewRequest("GET", "/alerts?country=US", nil)
	if _, err := parseBoundQuery(r); err != nil {
		t.Errorf("unexpected error for valid country code: %v", err)
	}
}

func TestParseBoundQuery_DateOutOfRangeRejected(t *testing.T) {
	r := httptest.NewRequest("GET", "/alerts?since=2019-01-01T00:00:00Z", nil)
	if _, err := parseBoundQuery(r); err == nil {
		t.Error("expected error for a date before 2020-01-01")
	}

	tooFar := time.Now().UTC().Add(48 * time.Hour).Format(time.RFC3339)
	r = httptest.NewRequest("GET", "/alerts?until="+tooFar, nil)
	if _, err := parseBoundQuery(r); err == nil {
		t.Error("expected error for a date beyond now+24h")
	}
}

func TestParseBoundQuery_ValidDateAccepted(t *testing.T) {
	r := httptest.NewRequest("GET", "/alerts?since=2024-01-01T00:00:00Z", nil)
	bq, err := parseBoundQuery(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bq.Since == nil || !bq.Since.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected since: %v", bq.Since)
	}
}
