package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/crowdsieve/crowdsieve/internal/models"
)

func newTestSQLiteStore(t *testing.T) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crowdsieve.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testAlert(scenario, ip string) *models.Alert {
	now := time.Now().UTC()
	return &models.Alert{
		ScenarioName:  scenario,
		Message:       "test alert",
		EventCount:    1,
		StartAt:       now,
		StopAt:        now,
		ReceivedAt:    now,
		SourceScope:   "ip",
		SourceValue:   ip,
		SourceIPv4:    ip,
		GeoCountryCode: "US",
		Filtered:      false,
		Decisions: []models.Decision{
			{Type: "ban", Scope: "ip", Value: ip, Duration: "4h", Scenario: scenario, Origin: "crowdsieve"},
		},
	}
}

func TestSQLiteStore_InsertAndGetAlertRoundTrips(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	a := testAlert("ssh-brute-force", "1.2.3.4")
	id, err := store.InsertAlert(ctx, a)
	if err != nil {
		t.Fatalf("InsertAlert: %v", err)
	}

	got, err := store.GetAlert(ctx, id)
	if err != nil {
		t.Fatalf("GetAlert: %v", err)
	}
	if got == nil || got.ScenarioName != "ssh-brute-force" || got.SourceValue != "1.2.3.4" {
		t.Errorf("unexpected alert: %+v", got)
	}
}

func TestSQLiteStore_GetAlert_UnknownIDReturnsNil(t *testing.T) {
	store := newTestSQLiteStore(t)
	got, err := store.GetAlert(context.Background(), 99999)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for an unknown id, got %+v", got)
	}
}

func TestSQLiteStore_MarkForwardedFlagsAlerts(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	id, err := store.InsertAlert(ctx, testAlert("x", "1.1.1.1"))
	if err != nil {
		t.Fatalf("InsertAlert: %v", err)
	}

	if err := store.MarkForwarded(ctx, []int64{id}, time.Now().UTC()); err != nil {
		t.Fatalf("MarkForwarded: %v", err)
	}

	got, err := store.GetAlert(ctx, id)
	if err != nil {
		t.Fatalf("GetAlert: %v", err)
	}
	if !got.ForwardedToCAPI || got.ForwardedAt == nil {
		t.Errorf("expected alert to be marked forwarded, got %+v", got)
	}
}

func TestSQLiteStore_ListAndCountAlertsFilterByScenario(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	store.InsertAlert(ctx, testAlert("ssh-brute-force", "1.1.1.1"))
	store.InsertAlert(ctx, testAlert("http-probing", "2.2.2.2"))
	store.InsertAlert(ctx, testAlert("ssh-brute-force", "3.3.3.3"))

	list, err := store.ListAlerts(ctx, AlertFilter{Scenario: "ssh-brute-force", Limit: 10})
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 matching alerts, got %d", len(list))
	}

	count, err := store.CountAlerts(ctx, AlertFilter{Scenario: "ssh-brute-force"})
	if err != nil {
		t.Fatalf("CountAlerts: %v", err)
	}
	if count != 2 {
		t.Errorf("expected count 2, got %d", count)
	}
}

func TestSQLiteStore_ValidatedClientCacheRoundTrips(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	machineID := "m-1"
	vc := &models.ValidatedClient{
		TokenHash:      "hash1",
		MachineID:      &machineID,
		ValidatedAt:    now,
		ExpiresAt:      now.Add(time.Hour),
		LastAccessedAt: now,
		AccessCount:    1,
	}
	if err := store.PutValidatedClient(ctx, vc); err != nil {
		t.Fatalf("PutValidatedClient: %v", err)
	}

	got, err := store.GetValidatedClient(ctx, "hash1")
	if err != nil {
		t.Fatalf("GetValidatedClient: %v", err)
	}
	if got == nil || got.MachineID == nil || *got.MachineID != "m-1" {
		t.Fatalf("unexpected validated client: %+v", got)
	}

	if err := store.TouchValidatedClient(ctx, "hash1", now.Add(time.Minute)); err != nil {
		t.Fatalf("TouchValidatedClient: %v", err)
	}
	got, _ = store.GetValidatedClient(ctx, "hash1")
	if got.AccessCount != 2 {
		t.Errorf("expected access_count to increment to 2, got %d", got.AccessCount)
	}
}

func TestSQLiteStore_PruneExpiredValidatedClients(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	expired := &models.ValidatedClient{TokenHash: "old", ValidatedAt: now, ExpiresAt: now.Add(-time.Hour), LastAccessedAt: now}
	fresh := &models.ValidatedClient{TokenHash: "new", ValidatedAt: now, ExpiresAt: now.Add(time.Hour), LastAccessedAt: now}
	store.PutValidatedClient(ctx, expired)
	store.PutValidatedClient(ctx, fresh)

	n, err := store.PruneExpiredValidatedClients(ctx, now)
	if err != nil {
		t.Fatalf("PruneExpiredValidatedClients: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned entry, got %d", n)
	}

	got, _ := store.GetValidatedClient(ctx, "old")
	if got != nil {
		t.Error("expected the expired entry to be gone")
	}
	got, _ = store.GetValidatedClient(ctx, "new")
	if got == nil {
		t.Error("expected the fresh entry to survive")
	}
}

func TestSQLiteStore_AnalyzerRunAndResultsRoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	run := &models.AnalyzerRun{AnalyzerID: "ssh-brute-force", StartedAt: now, Status: "success", LogsFetched: 10, AlertsGenerated: 1}
	id, err := store.InsertAnalyzerRun(ctx, run)
	if err != nil {
		t.Fatalf("InsertAnalyzerRun: %v", err)
	}

	results := []models.AnalyzerResult{{SourceIP: "1.2.3.4", DistinctCount: 3, TotalCount: 10, FirstSeen: now, LastSeen: now}}
	if err := store.InsertAnalyzerResults(ctx, id, results); err != nil {
		t.Fatalf("InsertAnalyzerResults: %v", err)
	}

	runs, err := store.ListAnalyzerRuns(ctx, "ssh-brute-force", 10)
	if err != nil {
		t.Fatalf("ListAnalyzerRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].LogsFetched != 10 {
		t.Errorf("unexpected runs: %+v", runs)
	}
}

func TestSQLiteStore_PruneExpiredAlerts(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	old := testAlert("x", "1.1.1.1")
	old.ReceivedAt = time.Now().UTC().Add(-48 * time.Hour)
	store.InsertAlert(ctx, old)

	fresh := testAlert("x", "2.2.2.2")
	fresh.ReceivedAt = time.Now().UTC()
	store.InsertAlert(ctx, fresh)

	n, err := store.PruneExpiredAlerts(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneExpiredAlerts: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned alert, got %d", n)
	}

	count, _ := store.CountAlerts(ctx, AlertFilter{})
	if count != 1 {
		t.Errorf("expected 1 remaining alert, got %d", count)
	}
}

func TestSQLiteStore_SizeBytesReflectsFileOnDisk(t *testing.T) {
	store := newTestSQLiteStore(t)
	store.InsertAlert(context.Background(), testAlert("x", "1.1.1.1"))
	size, err := store.SizeBytes(context.Background())
	if err != nil {
		t.Fatalf("SizeBytes: %v", err)
	}
	if size <= 0 {
		t.Errorf("expected a positive file size, got %d", size)
	}
}
