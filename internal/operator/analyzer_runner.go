package operator

import (
	"context"
	"time"

	"github.com/crowdsieve/crowdsieve/internal/models"
)

// AnalyzerSummary describes one configured analyzer for the dashboard's
// analyzer listing, including when it last ran and when it runs next.
type AnalyzerSummary struct {
	ID              string
	Name            string
	Enabled         bool
	IntervalSeconds int
	Running         bool
	LastRun         *models.AnalyzerRun
	NextRunAt       time.Time
}

// AnalyzerRunner is the subset of the scheduler's behavior the Operator API
// needs: list configured analyzers with their schedule state, and trigger
// an out-of-band run. Defined here rather than imported from the scheduler
// package so operator never depends on analyzer, keeping the dependency
// edge one-directional.
type AnalyzerRunner interface {
	ListAnalyzers() []AnalyzerSummary
	RunNow(ctx context.Context, id string) (*models.AnalyzerRun, error)
}
