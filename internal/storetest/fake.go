// Package storetest provides an in-memory fake implementing
// storage.Store: mutex-guarded maps plus an injectable per-method error
// map, in the same shape as this module's other test mocks.
package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/crowdsieve/crowdsieve/internal/models"
	"github.com/crowdsieve/crowdsieve/internal/storage"
)

// Fake implements storage.Store with in-memory state. Safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	alerts     map[int64]models.Alert
	nextID     int64
	validated  map[string]models.ValidatedClient
	runs       map[int64]models.AnalyzerRun
	results    map[int64][]models.AnalyzerResult
	nextRunID  int64
	sizeBytes  int64

	// errors injects a failure for the next call to the named method.
	errors map[string]error
}

// New returns a zero-state Fake ready for use.
func New() *Fake {
	return &Fake{
		alerts:    make(map[int64]models.Alert),
		validated: make(map[string]models.ValidatedClient),
		runs:      make(map[int64]models.AnalyzerRun),
		results:   make(map[int64][]models.AnalyzerResult),
		errors:    make(map[string]error),
	}
}

// SetError injects an error to be returned on the next call to method.
func (f *Fake) SetError(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors[method] = err
}

func (f *Fake) popError(method string) error {
	err := f.errors[method]
	delete(f.errors, method)
	return err
}

func (f *Fake) InsertAlert(ctx context.Context, a *models.Alert) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popError("InsertAlert"); err != nil {
		return 0, err
	}
	f.nextID++
	id := f.nextID
	cp := *a
	cp.ID = id
	f.alerts[id] = cp
	return id, nil
}

func (f *Fake) MarkForwarded(ctx context.Context, ids []int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popError("MarkForwarded"); err != nil {
		return err
	}
	for _, id := range ids {
		a, ok := f.alerts[id]
		if !ok {
			continue
		}
		a.ForwardedToCAPI = true
		t := at
		a.ForwardedAt = &t
		f.alerts[id] = a
	}
	return nil
}

func (f *Fake) GetAlert(ctx context.Context, id int64) (*models.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popError("GetAlert"); err != nil {
		return nil, err
	}
	a, ok := f.alerts[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (f *Fake) ListAlerts(ctx context.Context, flt storage.AlertFilter) ([]models.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popError("ListAlerts"); err != nil {
		return nil, err
	}
	var out []models.Alert
	for _, a := range f.alerts {
		if flt.Scenario != "" && a.ScenarioName != flt.Scenario {
			continue
		}
		if flt.Country != "" && a.GeoCountryCode != flt.Country {
			continue
		}
		if flt.Since != nil && a.ReceivedAt.Before(*flt.Since) {
			continue
		}
		if flt.Until != nil && a.ReceivedAt.After(*flt.Until) {
			continue
		}
		if flt.Filtered != nil && a.Filtered != *flt.Filtered {
			continue
		}
		if flt.Forwarded != nil && a.ForwardedToCAPI != *flt.Forwarded {
			continue
		}
		out = append(out, a)
	}
	limit := flt.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset := flt.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(out) {
		return nil, nil
	}
	end := offset + limit
	if end > len(out) {
		end = len(out)
	}
	return out[offset:end], nil
}

func (f *Fake) CountAlerts(ctx context.Context, flt storage.AlertFilter) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popError("CountAlerts"); err != nil {
		return 0, err
	}
	var n int64
	for _, a := range f.alerts {
		if flt.Scenario != "" && a.ScenarioName != flt.Scenario {
			continue
		}
		if flt.Country != "" && a.GeoCountryCode != flt.Country {
			continue
		}
		if flt.Since != nil && a.ReceivedAt.Before(*flt.Since) {
			continue
		}
		if flt.Until != nil && a.ReceivedAt.After(*flt.Until) {
			continue
		}
		if flt.Filtered != nil && a.Filtered != *flt.Filtered {
			continue
		}
		if flt.Forwarded != nil && a.ForwardedToCAPI != *flt.Forwarded {
			continue
		}
		n++
	}
	return n, nil
}

func (f *Fake) GetValidatedClient(ctx context.Context, tokenHash string) (*models.ValidatedClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popError("GetValidatedClient"); err != nil {
		return nil, err
	}
	vc, ok := f.validated[tokenHash]
	if !ok {
		return nil, nil
	}
	return &vc, nil
}

func (f *Fake) PutValidatedClient(ctx context.Context, vc *models.ValidatedClient) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popError("PutValidatedClient"); err != nil {
		return err
	}
	f.validated[vc.TokenHash] = *vc
	return nil
}

func (f *Fake) TouchValidatedClient(ctx context.Context, tokenHash string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popError("TouchValidatedClient"); err != nil {
		return err
	}
	vc, ok := f.validated[tokenHash]
	if !ok {
		return nil
	}
	vc.LastAccessedAt = at
	vc.AccessCount++
	f.validated[tokenHash] = vc
	return nil
}

func (f *Fake) PruneExpiredValidatedClients(ctx context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popError("PruneExpiredValidatedClients"); err != nil {
		return 0, err
	}
	var n int64
	for k, vc := range f.validated {
		if vc.ExpiresAt.Before(before) {
			delete(f.validated, k)
			n++
		}
	}
	return n, nil
}

func (f *Fake) InsertAnalyzerRun(ctx context.Context, r *models.AnalyzerRun) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popError("InsertAnalyzerRun"); err != nil {
		return 0, err
	}
	f.nextRunID++
	id := f.nextRunID
	cp := *r
	cp.ID = id
	f.runs[id] = cp
	return id, nil
}

func (f *Fake) InsertAnalyzerResults(ctx context.Context, runID int64, results []models.AnalyzerResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popError("InsertAnalyzerResults"); err != nil {
		return err
	}
	f.results[runID] = append(f.results[runID], results...)
	return nil
}

func (f *Fake) ListAnalyzerRuns(ctx context.Context, analyzerID string, limit int) ([]models.AnalyzerRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popError("ListAnalyzerRuns"); err != nil {
		return nil, err
	}
	var out []models.AnalyzerRun
	for _, r := range f.runs {
		if r.AnalyzerID == analyzerID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *Fake) PruneExpiredAlerts(ctx context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popError("PruneExpiredAlerts"); err != nil {
		return 0, err
	}
	var n int64
	for id, a := range f.alerts {
		if a.ReceivedAt.Before(before) {
			delete(f.alerts, id)
			n++
		}
	}
	return n, nil
}

func (f *Fake) SizeBytes(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popError("SizeBytes"); err != nil {
		return 0, err
	}
	return f.sizeBytes, nil
}

func (f *Fake) Close() error { return nil }

// Alerts returns a snapshot of every stored alert, for test assertions.
func (f *Fake) Alerts() []models.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Alert, 0, len(f.alerts))
	for _, a := range f.alerts {
		out = append(out, a)
	}
	return out
}

// Runs returns a snapshot of every persisted analyzer run, for test
// assertions.
func (f *Fake) Runs() []models.AnalyzerRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.AnalyzerRun, 0, len(f.runs))
	for _, r := range f.runs {
		out = append(out, r)
	}
	return out
}

var _ storage.Store = (*Fake)(nil)
