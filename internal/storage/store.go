// Package storage defines the uniform Store contract implemented by both
// the embedded (SQLite) and relational (Postgres) backends, so the two
// share identical behavior and schema semantics regardless of which one
// is configured.
package storage

import (
	"context"
	"time"

	"github.com/crowdsieve/crowdsieve/internal/models"
)

// AlertFilter bounds an alert listing query.
type AlertFilter struct {
	Limit     int
	Offset    int
	Scenario  string
	Country   string
	Since     *time.Time
	Until     *time.Time
	Filtered  *bool
	Forwarded *bool
}

// Store is the contract both backends satisfy. Every method takes a
// context so no call can outlive its logical request, and no method spans
// more than one logical operation — no long-held transactions are exposed
// to callers.
type Store interface {
	// InsertAlert persists alert along with its embedded decisions/events
	// in one transaction and returns the assigned id.
	InsertAlert(ctx context.Context, a *models.Alert) (int64, error)

	// MarkForwarded flags the given alert ids as forwarded_to_capi=true,
	// forwarded_at=at. Callers pass the exact ids captured at insert time,
	// never a process-global list.
	MarkForwarded(ctx context.Context, ids []int64, at time.Time) error

	GetAlert(ctx context.Context, id int64) (*models.Alert, error)
	ListAlerts(ctx context.Context, f AlertFilter) ([]models.Alert, error)
	CountAlerts(ctx context.Context, f AlertFilter) (int64, error)

	// ValidatedClient cache (persistent tier).
	GetValidatedClient(ctx context.Context, tokenHash string) (*models.ValidatedClient, error)
	PutValidatedClient(ctx context.Context, vc *models.ValidatedClient) error
	TouchValidatedClient(ctx context.Context, tokenHash string, at time.Time) error
	PruneExpiredValidatedClients(ctx context.Context, before time.Time) (int64, error)

	// Analyzer runs/results.
	InsertAnalyzerRun(ctx context.Context, r *models.AnalyzerRun) (int64, error)
	InsertAnalyzerResults(ctx context.Context, runID int64, results []models.AnalyzerResult) error
	ListAnalyzerRuns(ctx context.Context, analyzerID string, limit int) ([]models.AnalyzerRun, error)

	// PruneExpiredAlerts enforces storage.retention_days.
	PruneExpiredAlerts(ctx context.Context, before time.Time) (int64, error)

	// SizeBytes reports on-disk size; relational backends that have no
	// single-file notion of size return 0, nil.
	SizeBytes(ctx context.Context) (int64, error)

	Close() error
}
