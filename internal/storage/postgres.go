package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/crowdsieve/crowdsieve/internal/models"
	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS alerts (
	id BIGSERIAL PRIMARY KEY,
	uuid TEXT,
	machine_id TEXT,
	scenario_name TEXT,
	scenario_hash TEXT,
	scenario_version TEXT,
	message TEXT,
	event_count INTEGER,
	start_at TIMESTAMPTZ,
	stop_at TIMESTAMPTZ,
	received_at TIMESTAMPTZ,
	forwarded_at TIMESTAMPTZ,
	source_scope TEXT,
	source_value TEXT,
	source_ipv4 TEXT,
	source_ipv6 TEXT,
	source_asn INTEGER,
	source_as_name TEXT,
	source_country TEXT,
	geo_country_code TEXT,
	geo_country_name TEXT,
	geo_city TEXT,
	geo_region TEXT,
	geo_lat DOUBLE PRECISION,
	geo_lon DOUBLE PRECISION,
	geo_timezone TEXT,
	geo_isp TEXT,
	geo_org TEXT,
	simulated BOOLEAN,
	filtered BOOLEAN,
	forwarded_to_capi BOOLEAN,
	has_decisions BOOLEAN,
	match_reasons_json TEXT,
	raw_json TEXT
);
CREATE INDEX IF NOT EXISTS idx_alerts_scenario ON alerts(scenario_name);
CREATE INDEX IF NOT EXISTS idx_alerts_source_ip ON alerts(source_value);
CREATE INDEX IF NOT EXISTS idx_alerts_received_at ON alerts(received_at);
CREATE INDEX IF NOT EXISTS idx_alerts_geo_country ON alerts(geo_country_code);
CREATE INDEX IF NOT EXISTS idx_alerts_filtered ON alerts(filtered);
CREATE INDEX IF NOT EXISTS idx_alerts_machine_id ON alerts(machine_id);

CREATE TABLE IF NOT EXISTS decisions (
	id BIGSERIAL PRIMARY KEY,
	alert_id BIGINT NOT NULL REFERENCES alerts(id) ON DELETE CASCADE,
	uuid TEXT,
	origin TEXT,
	type TEXT,
	scope TEXT,
	value TEXT,
	duration TEXT,
	scenario TEXT,
	simulated BOOLEAN,
	until TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_decisions_alert_id ON decisions(alert_id);
CREATE INDEX IF NOT EXISTS idx_decisions_value ON decisions(value);
CREATE INDEX IF NOT EXISTS idx_decisions_type ON decisions(type);

CREATE TABLE IF NOT EXISTS events (
	id BIGSERIAL PRIMARY KEY,
	alert_id BIGINT NOT NULL REFERENCES alerts(id) ON DELETE CASCADE,
	timestamp TIMESTAMPTZ,
	metadata_json TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_alert_id ON events(alert_id);

CREATE TABLE IF NOT EXISTS validated_clients (
	id BIGSERIAL PRIMARY KEY,
	token_hash TEXT NOT NULL UNIQUE,
	machine_id TEXT,
	validated_at TIMESTAMPTZ,
	expires_at TIMESTAMPTZ,
	last_accessed_at TIMESTAMPTZ,
	access_count BIGINT
);
CREATE INDEX IF NOT EXISTS idx_validated_clients_expires_at ON validated_clients(expires_at);

CREATE TABLE IF NOT EXISTS analyzer_runs (
	id BIGSERIAL PRIMARY KEY,
	analyzer_id TEXT NOT NULL,
	started_at TIMESTAMPTZ,
	ended_at TIMESTAMPTZ,
	status TEXT,
	logs_fetched INTEGER,
	alerts_generated INTEGER,
	decisions_pushed INTEGER,
	error_message TEXT,
	detections_json TEXT,
	push_outcomes_json TEXT
);
CREATE INDEX IF NOT EXISTS idx_analyzer_runs_analyzer_id ON analyzer_runs(analyzer_id);
CREATE INDEX IF NOT EXISTS idx_analyzer_runs_started_at ON analyzer_runs(started_at);

CREATE TABLE IF NOT EXISTS analyzer_results (
	id BIGSERIAL PRIMARY KEY,
	run_id BIGINT NOT NULL REFERENCES analyzer_runs(id) ON DELETE CASCADE,
	source_ip TEXT,
	distinct_count INTEGER,
	total_count INTEGER,
	first_seen TIMESTAMPTZ,
	last_seen TIMESTAMPTZ,
	decision_pushed BOOLEAN
);
CREATE INDEX IF NOT EXISTS idx_analyzer_results_run_id ON analyzer_results(run_id);
CREATE INDEX IF NOT EXISTS idx_analyzer_results_source_ip ON analyzer_results(source_ip);
`

// postgresStore implements Store over database/sql + lib/pq. Transaction
// discipline (begin, defer rollback, commit once) follows etalazz-vsa's
// PostgresPersister.CommitBatch.
type postgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens dsn, applies the schema, and configures the pool
// per storage.max_open_conns / max_idle_conns.
func NewPostgresStore(dsn string, maxOpen, maxIdle int) (Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &postgresStore{db: db}, nil
}

func (s *postgresStore) InsertAlert(ctx context.Context, a *models.Alert) (int64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `INSERT INTO alerts (
		uuid, machine_id, scenario_name, scenario_hash, scenario_version, message, event_count,
		start_at, stop_at, received_at, forwarded_at,
		source_scope, source_value, source_ipv4, source_ipv6, source_asn, source_as_name, source_country,
		geo_country_code, geo_country_name, geo_city, geo_region, geo_lat, geo_lon, geo_timezone, geo_isp, geo_org,
		simulated, filtered, forwarded_to_capi, has_decisions, match_reasons_json, raw_json
	) VALUES ($1,$2,$3,$4,$5,$6,$7, $8,$9,$10,$11, $12,$13,$14,$15,$16,$17,$18, $19,$20,$21,$22,$23,$24,$25,$26,$27, $28,$29,$30,$31,$32,$33)
	RETURNING id`,
		a.UUID, a.MachineID, a.ScenarioName, a.ScenarioHash, a.ScenarioVersion, a.Message, a.EventCount,
		a.StartAt, a.StopAt, a.ReceivedAt, a.ForwardedAt,
		a.SourceScope, a.SourceValue, a.SourceIPv4, a.SourceIPv6, a.SourceASN, a.SourceASName, a.SourceCountry,
		a.GeoCountryCode, a.GeoCountryName, a.GeoCity, a.GeoRegion, a.GeoLat, a.GeoLon, a.GeoTimezone, a.GeoISP, a.GeoOrg,
		a.Simulated, a.Filtered, a.ForwardedToCAPI, a.HasDecisions, a.MatchReasonsJSON, a.RawJSON,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert alert: %w", err)
	}

	for _, d := range a.Decisions {
		if _, err := tx.ExecContext(ctx, `INSERT INTO decisions (
			alert_id, uuid, origin, type, scope, value, duration, scenario, simulated, until
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			id, d.UUID, d.Origin, d.Type, d.Scope, d.Value, d.Duration, d.Scenario, d.Simulated, d.Until); err != nil {
			return 0, fmt.Errorf("insert decision: %w", err)
		}
	}
	for _, e := range a.Events {
		if _, err := tx.ExecContext(ctx, `INSERT INTO events (alert_id, timestamp, metadata_json) VALUES ($1,$2,$3)`,
			id, e.Timestamp, e.MetadataJSON); err != nil {
			return 0, fmt.Errorf("insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *postgresStore) MarkForwarded(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE alerts SET forwarded_to_capi = true, forwarded_at = $1 WHERE id = $2`, at, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *postgresStore) GetAlert(ctx context.Context, id int64) (*models.Alert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, uuid, machine_id, scenario_name, scenario_hash, scenario_version,
		message, event_count, start_at, stop_at, received_at, forwarded_at,
		source_scope, source_value, source_ipv4, source_ipv6, source_asn, source_as_name, source_country,
		geo_country_code, geo_country_name, geo_city, geo_region, geo_lat, geo_lon, geo_timezone, geo_isp, geo_org,
		simulated, filtered, forwarded_to_capi, has_decisions, match_reasons_json, raw_json
		FROM alerts WHERE id = $1`, id)
	return scanAlert(row)
}

func (s *postgresStore) ListAlerts(ctx context.Context, f AlertFilter) ([]models.Alert, error) {
	limit, offset := normalizeLimitOffset(f)
	query := `SELECT id, uuid, machine_id, scenario_name, scenario_hash, scenario_version,
		message, event_count, start_at, stop_at, received_at, forwarded_at,
		source_scope, source_value, source_ipv4, source_ipv6, source_asn, source_as_name, source_country,
		geo_country_code, geo_country_name, geo_city, geo_region, geo_lat, geo_lon, geo_timezone, geo_isp, geo_org,
		simulated, filtered, forwarded_to_capi, has_decisions, match_reasons_json, raw_json
		FROM alerts WHERE 1=1`
	args := []any{}
	query, args = appendAlertFilters(query, args, f, "$")
	query += fmt.Sprintf(" ORDER BY received_at DESC LIMIT %s OFFSET %s", nextPH("$", len(args)+1), nextPH("$", len(args)+2))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Alert
	for rows.Next() {
		a, err := scanAlertRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *postgresStore) CountAlerts(ctx context.Context, f AlertFilter) (int64, error) {
	query := `SELECT COUNT(*) FROM alerts WHERE 1=1`
	args := []any{}
	query, args = appendAlertFilters(query, args, f, "$")
	var n int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func (s *postgresStore) GetValidatedClient(ctx context.Context, tokenHash string) (*models.ValidatedClient, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, token_hash, machine_id, validated_at, expires_at, last_accessed_at, access_count
		FROM validated_clients WHERE token_hash = $1`, tokenHash)
	vc := &models.ValidatedClient{}
	var machineID sql.NullString
	if err := row.Scan(&vc.ID, &vc.TokenHash, &machineID, &vc.ValidatedAt, &vc.ExpiresAt, &vc.LastAccessedAt, &vc.AccessCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if machineID.Valid {
		vc.MachineID = &machineID.String
	}
	return vc, nil
}

func (s *postgresStore) PutValidatedClient(ctx context.Context, vc *models.ValidatedClient) error {
	var machineID any
	if vc.MachineID != nil {
		machineID = *vc.MachineID
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO validated_clients (token_hash, machine_id, validated_at, expires_at, last_accessed_at, access_count)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (token_hash) DO UPDATE SET machine_id=excluded.machine_id, validated_at=excluded.validated_at,
			expires_at=excluded.expires_at, last_accessed_at=excluded.last_accessed_at, access_count=excluded.access_count`,
		vc.TokenHash, machineID, vc.ValidatedAt, vc.ExpiresAt, vc.LastAccessedAt, vc.AccessCount)
	return err
}

func (s *postgresStore) TouchValidatedClient(ctx context.Context, tokenHash string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE validated_clients SET last_accessed_at = $1, access_count = access_count + 1 WHERE token_hash = $2`, at, tokenHash)
	return err
}

func (s *postgresStore) PruneExpiredValidatedClients(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM validated_clients WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *postgresStore) InsertAnalyzerRun(ctx context.Context, r *models.AnalyzerRun) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `INSERT INTO analyzer_runs (
		analyzer_id, started_at, ended_at, status, logs_fetched, alerts_generated, decisions_pushed,
		error_message, detections_json, push_outcomes_json
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`,
		r.AnalyzerID, r.StartedAt, r.EndedAt, r.Status, r.LogsFetched, r.AlertsGenerated, r.DecisionsPushed,
		r.ErrorMessage, r.DetectionsJSON, r.PushOutcomesJSON).Scan(&id)
	return id, err
}

func (s *postgresStore) InsertAnalyzerResults(ctx context.Context, runID int64, results []models.AnalyzerResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, r := range results {
		if _, err := tx.ExecContext(ctx, `INSERT INTO analyzer_results (
			run_id, source_ip, distinct_count, total_count, first_seen, last_seen, decision_pushed
		) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			runID, r.SourceIP, r.DistinctCount, r.TotalCount, r.FirstSeen, r.LastSeen, r.DecisionPushed); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *postgresStore) ListAnalyzerRuns(ctx context.Context, analyzerID string, limit int) ([]models.AnalyzerRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, analyzer_id, started_at, ended_at, status, logs_fetched,
		alerts_generated, decisions_pushed, error_message, detections_json, push_outcomes_json
		FROM analyzer_runs WHERE analyzer_id = $1 ORDER BY started_at DESC LIMIT $2`, analyzerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AnalyzerRun
	for rows.Next() {
		var r models.AnalyzerRun
		if err := rows.Scan(&r.ID, &r.AnalyzerID, &r.StartedAt, &r.EndedAt, &r.Status, &r.LogsFetched,
			&r.AlertsGenerated, &r.DecisionsPushed, &r.ErrorMessage, &r.DetectionsJSON, &r.PushOutcomesJSON); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *postgresStore) PruneExpiredAlerts(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alerts WHERE received_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SizeBytes has no single-file notion on a networked relational backend.
func (s *postgresStore) SizeBytes(ctx context.Context) (int64, error) {
	return 0, nil
}

func (s *postgresStore) Close() error {
	return s.db.Close()
}
