package operator

import (
	"fmt"
	"net/http"
	"regexp"
	"time"
)

var countryRe = regexp.MustCompile(`^[A-Z]{2}$`)

var minAllowedDate = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// parseBoundQuery applies the alert listing's input bounds: limit in
// [1,1000] (default 100), offset >= 0, scenario <= 200 chars, country
// ^[A-Z]{2}$, dates within [2020-01-01, now+24h].
func parseBoundQuery(r *http.Request) (boundQuery, error) {
	q := r.URL.Query()
	bq := boundQuery{Limit: 100}

	if v := q.Get("limit"); v != "" {
		n, err := parseIntParam(v)
		if err != nil || n < 1 || n > 1000 {
			return bq, fmt.Errorf("limit must be an integer in [1,1000]")
		}
		bq.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := parseIntParam(v)
		if err != nil || n < 0 {
			return bq, fmt.Errorf("offset must be a non-negative integer")
		}
		bq.Offset = n
	}
	if v := q.Get("scenario"); v != "" {
		if len(v) > 200 {
			return bq, fmt.Errorf("scenario must be <= 200 chars")
		}
		bq.Scenario = v
	}
	if v := q.Get("country"); v != "" {
		if !countryRe.MatchString(v) {
			return bq, fmt.Errorf("country must match ^[A-Z]{2}$")
		}
		bq.Country = v
	}
	maxDate := time.Now().UTC().Add(24 * time.Hour)
	if v := q.Get("since"); v != "" {
		t, err := parseBoundedDate(v, maxDate)
		if err != nil {
			return bq, err
		}
		bq.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := parseBoundedDate(v, maxDate)
		if err != nil {
			return bq, err
		}
		bq.Until = &t
	}
	return bq, nil
}

func parseBoundedDate(v string, maxDate time.Time) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: must be ISO-8601", v)
	}
	if t.Before(minAllowedDate) || t.After(maxDate) {
		return time.Time{}, fmt.Errorf("date %q out of range [2020-01-01, now+24h]", v)
	}
	return t, nil
}

func parseIntParam(v string) (int, error) {
	var n int
	_, err := fmt.Sscanf(v, "%d", &n)
	return n, err
}
