package storage

import (
	"database/sql"
	"fmt"

	"github.com/crowdsieve/crowdsieve/internal/models"
)

// scanner abstracts over *sql.Row and *sql.Rows, both of which expose Scan
// with this signature, so the alert column list is defined exactly once.
type scanner interface {
	Scan(dest ...any) error
}

func scanAlertInto(s scanner, a *models.Alert) error {
	var uuid, machineID, scenarioHash, scenarioVersion sql.NullString
	var forwardedAt sql.NullTime
	err := s.Scan(
		&a.ID, &uuid, &machineID, &a.ScenarioName, &scenarioHash, &scenarioVersion,
		&a.Message, &a.EventCount, &a.StartAt, &a.StopAt, &a.ReceivedAt, &forwardedAt,
		&a.SourceScope, &a.SourceValue, &a.SourceIPv4, &a.SourceIPv6, &a.SourceASN, &a.SourceASName, &a.SourceCountry,
		&a.GeoCountryCode, &a.GeoCountryName, &a.GeoCity, &a.GeoRegion, &a.GeoLat, &a.GeoLon, &a.GeoTimezone, &a.GeoISP, &a.GeoOrg,
		&a.Simulated, &a.Filtered, &a.ForwardedToCAPI, &a.HasDecisions, &a.MatchReasonsJSON, &a.RawJSON,
	)
	if err != nil {
		return err
	}
	a.UUID = uuid.String
	a.MachineID = machineID.String
	a.ScenarioHash = scenarioHash.String
	a.ScenarioVersion = scenarioVersion.String
	if forwardedAt.Valid {
		t := forwardedAt.Time
		a.ForwardedAt = &t
	}
	return nil
}

func scanAlert(row *sql.Row) (*models.Alert, error) {
	a := &models.Alert{}
	if err := scanAlertInto(row, a); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}

func scanAlertRows(rows *sql.Rows) (*models.Alert, error) {
	a := &models.Alert{}
	if err := scanAlertInto(rows, a); err != nil {
		return nil, err
	}
	return a, nil
}

// appendAlertFilters appends WHERE clauses for f onto query/args using the
// given placeholder style ("?" for sqlite, "$" for postgres, numbered from
// len(args)+1 by nextPH).
func appendAlertFilters(query string, args []any, f AlertFilter, ph string) (string, []any) {
	if f.Scenario != "" {
		query += fmt.Sprintf(" AND scenario_name = %s", nextPH(ph, len(args)+1))
		args = append(args, f.Scenario)
	}
	if f.Country != "" {
		query += fmt.Sprintf(" AND geo_country_code = %s", nextPH(ph, len(args)+1))
		args = append(args, f.Country)
	}
	if f.Since != nil {
		query += fmt.Sprintf(" AND received_at >= %s", nextPH(ph, len(args)+1))
		args = append(args, *f.Since)
	}
	if f.Until != nil {
		query += fmt.Sprintf(" AND received_at <= %s", nextPH(ph, len(args)+1))
		args = append(args, *f.Until)
	}
	if f.Filtered != nil {
		query += fmt.Sprintf(" AND filtered = %s", nextPH(ph, len(args)+1))
		args = append(args, *f.Filtered)
	}
	if f.Forwarded != nil {
		query += fmt.Sprintf(" AND forwarded_to_capi = %s", nextPH(ph, len(args)+1))
		args = append(args, *f.Forwarded)
	}
	return query, args
}

func nextPH(ph string, n int) string {
	if ph == "?" {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

func normalizeLimitOffset(f AlertFilter) (int, int) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
