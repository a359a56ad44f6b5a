package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/crowdsieve/crowdsieve/internal/models"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS alerts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT,
	machine_id TEXT,
	scenario_name TEXT,
	scenario_hash TEXT,
	scenario_version TEXT,
	message TEXT,
	event_count INTEGER,
	start_at DATETIME,
	stop_at DATETIME,
	received_at DATETIME,
	forwarded_at DATETIME,
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
	geo_lat REAL,
	geo_lon REAL,
	geo_timezone TEXT,
	geo_isp TEXT,
	geo_org TEXT,
	simulated INTEGER,
	filtered INTEGER,
	forwarded_to_capi INTEGER,
	has_decisions INTEGER,
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
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	alert_id INTEGER NOT NULL REFERENCES alerts(id) ON DELETE CASCADE,
	uuid TEXT,
	origin TEXT,
	type TEXT,
	scope TEXT,
	value TEXT,
	duration TEXT,
	scenario TEXT,
	simulated INTEGER,
	until DATETIME
);
CREATE INDEX IF NOT EXISTS idx_decisions_alert_id ON decisions(alert_id);
CREATE INDEX IF NOT EXISTS idx_decisions_value ON decisions(value);
CREATE INDEX IF NOT EXISTS idx_decisions_type ON decisions(type);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	alert_id INTEGER NOT NULL REFERENCES alerts(id) ON DELETE CASCADE,
	timestamp DATETIME,
	metadata_json TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_alert_id ON events(alert_id);

CREATE TABLE IF NOT EXISTS validated_clients (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	token_hash TEXT NOT NULL UNIQUE,
	machine_id TEXT,
	validated_at DATETIME,
	expires_at DATETIME,
	last_accessed_at DATETIME,
	access_count INTEGER
);
CREATE INDEX IF NOT EXISTS idx_validated_clients_expires_at ON validated_clients(expires_at);

CREATE TABLE IF NOT EXISTS analyzer_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	analyzer_id TEXT NOT NULL,
	started_at DATETIME,
	ended_at DATETIME,
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
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id INTEGER NOT NULL REFERENCES analyzer_runs(id) ON DELETE CASCADE,
	source_ip TEXT,
	distinct_count INTEGER,
	total_count INTEGER,
	first_seen DATETIME,
	last_seen DATETIME,
	decision_pushed INTEGER
);
CREATE INDEX IF NOT EXISTS idx_analyzer_results_run_id ON analyzer_results(run_id);
CREATE INDEX IF NOT EXISTS idx_analyzer_results_source_ip ON analyzer_results(source_ip);
`

// sqliteStore implements Store over modernc.org/sqlite, the pure-Go
// driver chosen to keep the build CGo-free. WAL mode, foreign_keys=ON,
// and a busy timeout are always enabled; file permissions are locked
// down (0600 file, 0700 dir).
type sqliteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (creating if necessary) the embedded database at
// path, applying the pragmas and restrictive file permissions.
func NewSQLiteStore(path string) (Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single writer avoids SQLITE_BUSY under WAL

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if err := os.Chmod(path, 0600); err != nil && !os.IsNotExist(err) {
		db.Close()
		return nil, fmt.Errorf("chmod data file: %w", err)
	}

	return &sqliteStore{db: db, path: path}, nil
}

func (s *sqliteStore) InsertAlert(ctx context.Context, a *models.Alert) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO alerts (
		uuid, machine_id, scenario_name, scenario_hash, scenario_version, message, event_count,
		start_at, stop_at, received_at, forwarded_at,
		source_scope, source_value, source_ipv4, source_ipv6, source_asn, source_as_name, source_country,
		geo_country_code, geo_country_name, geo_city, geo_region, geo_lat, geo_lon, geo_timezone, geo_isp, geo_org,
		simulated, filtered, forwarded_to_capi, has_decisions, match_reasons_json, raw_json
	) VALUES (?,?,?,?,?,?,?, ?,?,?,?, ?,?,?,?,?,?,?, ?,?,?,?,?,?,?,?,?, ?,?,?,?,?,?)`,
		a.UUID, a.MachineID, a.ScenarioName, a.ScenarioHash, a.ScenarioVersion, a.Message, a.EventCount,
		a.StartAt, a.StopAt, a.ReceivedAt, a.ForwardedAt,
		a.SourceScope, a.SourceValue, a.SourceIPv4, a.SourceIPv6, a.SourceASN, a.SourceASName, a.SourceCountry,
		a.GeoCountryCode, a.GeoCountryName, a.GeoCity, a.GeoRegion, a.GeoLat, a.GeoLon, a.GeoTimezone, a.GeoISP, a.GeoOrg,
		a.Simulated, a.Filtered, a.ForwardedToCAPI, a.HasDecisions, a.MatchReasonsJSON, a.RawJSON)
	if err != nil {
		return 0, fmt.Errorf("insert alert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, d := range a.Decisions {
		if _, err := tx.ExecContext(ctx, `INSERT INTO decisions (
			alert_id, uuid, origin, type, scope, value, duration, scenario, simulated, until
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
			id, d.UUID, d.Origin, d.Type, d.Scope, d.Value, d.Duration, d.Scenario, d.Simulated, d.Until); err != nil {
			return 0, fmt.Errorf("insert decision: %w", err)
		}
	}
	for _, e := range a.Events {
		if _, err := tx.ExecContext(ctx, `INSERT INTO events (alert_id, timestamp, metadata_json) VALUES (?,?,?)`,
			id, e.Timestamp, e.MetadataJSON); err != nil {
			return 0, fmt.Errorf("insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *sqliteStore) MarkForwarded(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE alerts SET forwarded_to_capi = 1, forwarded_at = ? WHERE id = ?`, at, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) GetAlert(ctx context.Context, id int64) (*models.Alert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, uuid, machine_id, scenario_name, scenario_hash, scenario_version,
		message, event_count, start_at, stop_at, received_at, forwarded_at,
		source_scope, source_value, source_ipv4, source_ipv6, source_asn, source_as_name, source_country,
		geo_country_code, geo_country_name, geo_city, geo_region, geo_lat, geo_lon, geo_timezone, geo_isp, geo_org,
		simulated, filtered, forwarded_to_capi, has_decisions, match_reasons_json, raw_json
		FROM alerts WHERE id = ?`, id)
	a, err := scanAlert(row)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *sqliteStore) ListAlerts(ctx context.Context, f AlertFilter) ([]models.Alert, error) {
	limit, offset := normalizeLimitOffset(f)
	query := `SELECT id, uuid, machine_id, scenario_name, scenario_hash, scenario_version,
		message, event_count, start_at, stop_at, received_at, forwarded_at,
		source_scope, source_value, source_ipv4, source_ipv6, source_asn, source_as_name, source_country,
		geo_country_code, geo_country_name, geo_city, geo_region, geo_lat, geo_lon, geo_timezone, geo_isp, geo_org,
		simulated, filtered, forwarded_to_capi, has_decisions, match_reasons_json, raw_json
		FROM alerts WHERE 1=1`
	args := []any{}
	query, args = appendAlertFilters(query, args, f, "?")
	query += ` ORDER BY received_at DESC LIMIT ? OFFSET ?`
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

func (s *sqliteStore) CountAlerts(ctx context.Context, f AlertFilter) (int64, error) {
	query := `SELECT COUNT(*) FROM alerts WHERE 1=1`
	args := []any{}
	query, args = appendAlertFilters(query, args, f, "?")
	var n int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func (s *sqliteStore) GetValidatedClient(ctx context.Context, tokenHash string) (*models.ValidatedClient, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, token_hash, machine_id, validated_at, expires_at, last_accessed_at, access_count
		FROM validated_clients WHERE token_hash = ?`, tokenHash)
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

func (s *sqliteStore) PutValidatedClient(ctx context.Context, vc *models.ValidatedClient) error {
	var machineID any
	if vc.MachineID != nil {
		machineID = *vc.MachineID
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO validated_clients (token_hash, machine_id, validated_at, expires_at, last_accessed_at, access_count)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(token_hash) DO UPDATE SET machine_id=excluded.machine_id, validated_at=excluded.validated_at,
			expires_at=excluded.expires_at, last_accessed_at=excluded.last_accessed_at, access_count=excluded.access_count`,
		vc.TokenHash, machineID, vc.ValidatedAt, vc.ExpiresAt, vc.LastAccessedAt, vc.AccessCount)
	return err
}

func (s *sqliteStore) TouchValidatedClient(ctx context.Context, tokenHash string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE validated_clients SET last_accessed_at = ?, access_count = access_count + 1 WHERE token_hash = ?`, at, tokenHash)
	return err
}

func (s *sqliteStore) PruneExpiredValidatedClients(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM validated_clients WHERE expires_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) InsertAnalyzerRun(ctx context.Context, r *models.AnalyzerRun) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO analyzer_runs (
		analyzer_id, started_at, ended_at, status, logs_fetched, alerts_generated, decisions_pushed,
		error_message, detections_json, push_outcomes_json
	) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		r.AnalyzerID, r.StartedAt, r.EndedAt, r.Status, r.LogsFetched, r.AlertsGenerated, r.DecisionsPushed,
		r.ErrorMessage, r.DetectionsJSON, r.PushOutcomesJSON)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) InsertAnalyzerResults(ctx context.Context, runID int64, results []models.AnalyzerResult) error {
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
		) VALUES (?,?,?,?,?,?,?)`,
			runID, r.SourceIP, r.DistinctCount, r.TotalCount, r.FirstSeen, r.LastSeen, r.DecisionPushed); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) ListAnalyzerRuns(ctx context.Context, analyzerID string, limit int) ([]models.AnalyzerRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, analyzer_id, started_at, ended_at, status, logs_fetched,
		alerts_generated, decisions_pushed, error_message, detections_json, push_outcomes_json
		FROM analyzer_runs WHERE analyzer_id = ? ORDER BY started_at DESC LIMIT ?`, analyzerID, limit)
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

func (s *sqliteStore) PruneExpiredAlerts(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alerts WHERE received_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) SizeBytes(ctx context.Context) (int64, error) {
	fi, err := os.Stat(s.path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
