package operator

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/crowdsieve/crowdsieve/internal/apperr"
	"github.com/crowdsieve/crowdsieve/internal/lapiclient"
	"github.com/crowdsieve/crowdsieve/internal/models"
	"github.com/crowdsieve/crowdsieve/internal/storetest"
)

type fakeRunner struct {
	summaries []AnalyzerSummary
	runResult *models.AnalyzerRun
	runErr    error
	lastID    string
}

func (f *fakeRunner) ListAnalyzers() []AnalyzerSummary { return f.summaries }

func (f *fakeRunner) RunNow(ctx context.Context, id string) (*models.AnalyzerRun, error) {
	f.lastID = id
	return f.runResult, f.runErr
}

func newTestHandler(apiKey string, runner AnalyzerRunner, servers []lapiclient.Server) *Handler {
	return New(Config{DashboardAPIKey: apiKey}, storetest.New(), lapiclient.New(0), servers, runner, nil, zerolog.Nop())
}

func TestAuthenticate_MissingKeyRejected(t *testing.T) {
	h := newTestHandler("secret", nil, nil)
	r := httptest.NewRequest("GET", "/alerts", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != 401 {
		t.Errorf("expected 401 for missing key, got %d", w.Code)
	}
}

func TestAuthenticate_WrongKeyRejected(t *testing.T) {
	h := newTestHandler("secret", nil, nil)
	r := httptest.NewRequest("GET", "/alerts", nil)
	r.Header.Set("X-API-Key", "wrong")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != 401 {
		t.Errorf("expected 401 for wrong key, got %d", w.Code)
	}
}

func TestAuthenticate_CorrectKeyAdmitted(t *testing.T) {
	h := newTestHandler("secret", nil, nil)
	r := httptest.NewRequest("GET", "/alerts", nil)
	r.Header.Set("X-API-Key", "secret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code == 401 {
		t.Error("correct key should not be rejected")
	}
}

func TestAuthenticate_UnconfiguredKeyAlwaysRejects(t *testing.T) {
	h := newTestHandler("", nil, nil)
	r := httptest.NewRequest("GET", "/alerts", nil)
	r.Header.Set("X-API-Key", "")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != 401 {
		t.Errorf("an empty configured key must never admit any request, got %d", w.Code)
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !constantTimeEqual("abc", "abc") {
		t.Error("expected equal strings to match")
	}
	if constantTimeEqual("abc", "abd") {
		t.Error("expected different strings to not match")
	}
	if constantTimeEqual("abc", "abcd") {
		t.Error("expected different-length strings to not match")
	}
}

func TestListAnalyzers_NilRunnerReturnsEmptyList(t *testing.T) {
	h := newTestHandler("secret", nil, nil)
	r := httptest.NewRequest("GET", "/analyzers", nil)
	r.Header.Set("X-API-Key", "secret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != `{"analyzers":[]}`+"\n" {
		t.Errorf("unexpected body: %s", w.Body.String())
	}
}

func TestRunAnalyzer_NilRunnerIs404(t *testing.T) {
	h := newTestHandler("secret", nil, nil)
	r := httptest.NewRequest("POST", "/analyzers/ssh/run", nil)
	r.Header.Set("X-API-Key", "secret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != 404 {
		t.Errorf("expected 404 when the analyzer engine is disabled, got %d", w.Code)
	}
}

func TestRunAnalyzer_DelegatesToRunner(t *testing.T) {
	runner := &fakeRunner{runResult: &models.AnalyzerRun{AnalyzerID: "ssh-brute-force", Status: "success"}}
	h := newTestHandler("secret", runner, nil)
	r := httptest.NewRequest("POST", "/analyzers/ssh-brute-force/run", nil)
	r.Header.Set("X-API-Key", "secret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if runner.lastID != "ssh-brute-force" {
		t.Errorf("expected the path id to be forwarded to RunNow, got %q", runner.lastID)
	}
}

func TestRunAnalyzer_AppErrorMapsToItsStatus(t *testing.T) {
	runner := &fakeRunner{runErr: apperr.New(apperr.InvalidInput, "unknown analyzer id")}
	h := newTestHandler("secret", runner, nil)
	r := httptest.NewRequest("POST", "/analyzers/missing/run", nil)
	r.Header.Set("X-API-Key", "secret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != apperr.StatusFor(apperr.InvalidInput) {
		t.Errorf("expected status %d for InvalidInput, got %d", apperr.StatusFor(apperr.InvalidInput), w.Code)
	}
}

func TestRunAnalyzer_GenericErrorIs500(t *testing.T) {
	runner := &fakeRunner{runErr: context.DeadlineExceeded}
	h := newTestHandler("secret", runner, nil)
	r := httptest.NewRequest("POST", "/analyzers/ssh/run", nil)
	r.Header.Set("X-API-Key", "secret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != 500 {
		t.Errorf("expected 500 for a non-apperr error, got %d", w.Code)
	}
}
