package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/crowdsieve/crowdsieve/internal/capi"
	"github.com/crowdsieve/crowdsieve/internal/filter"
	"github.com/crowdsieve/crowdsieve/internal/storetest"
)

func blockEngine(t *testing.T, field, value string) *filter.Engine {
	t.Helper()
	rule := filter.Rule{
		Name:    "block",
		Enabled: true,
		Filter:  filter.RawExpr{Field: field, Op: filter.OpEq, Value: value},
	}
	e, errs := filter.New(filter.ModeBlock, []filter.Rule{rule})
	if len(errs) != 0 {
		t.Fatalf("unexpected compile errors: %v", errs)
	}
	return e
}

func passthroughEngine(t *testing.T) *filter.Engine {
	t.Helper()
	e, errs := filter.New(filter.ModeBlock, nil)
	if len(errs) != 0 {
		t.Fatalf("unexpected compile errors: %v", errs)
	}
	return e
}

func TestProcess_EmptyBatchReturnsOK(t *testing.T) {
	store := storetest.New()
	pl := New(passthroughEngine(t), store, capi.New("http://unused", 0), true, zerolog.Nop())

	res, err := pl.Process(context.Background(), "v2", "", "", []byte(`[]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.StatusCode != 200 {
		t.Errorf("expected 200, got %d", res.StatusCode)
	}
}

func TestProcess_NotAJSONArrayIsInvalidInput(t *testing.T) {
	store := storetest.New()
	pl := New(passthroughEngine(t), store, capi.New("http://unused", 0), true, zerolog.Nop())

	_, err := pl.Process(context.Background(), "v2", "", "", []byte(`{"not":"an array"}`))
	if err == nil {
		t.Fatal("expected an error for a non-array body")
	}
}

func TestProcess_BatchExceedsMaxIsRejected(t *testing.T) {
	store := storetest.New()
	pl := New(passthroughEngine(t), store, capi.New("http://unused", 0), true, zerolog.Nop())

	batch := "[" + strings.Repeat(`{"scenario":"x"},`, MaxAlertsPerBatch) + `{"scenario":"x"}]`
	_, err := pl.Process(context.Background(), "v2", "", "", []byte(batch))
	if err == nil {
		t.Fatal("expected an error for an over-sized batch")
	}
}

func TestProcess_FilteredAlertsAreStoredButNotForwarded(t *testing.T) {
	var forwardCalled bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		forwardCalled = true
		w.WriteHeader(200)
	}))
	defer upstream.Close()

	store := storetest.New()
	engine := blockEngine(t, "scenario", "port-scan")
	pl := New(engine, store, capi.New(upstream.URL, 0), true, zerolog.Nop())

	_, err := pl.Process(context.Background(), "v2", "Bearer token", "", []byte(`[{"scenario":"port-scan"}]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if forwardCalled {
		t.Error("a fully-filtered batch must never reach CAPI")
	}
	alerts := store.Alerts()
	if len(alerts) != 1 {
		t.Fatalf("expected the filtered alert to still be persisted, got %d", len(alerts))
	}
	if !alerts[0].Filtered {
		t.Error("persisted alert should be marked filtered")
	}
	if alerts[0].ForwardedToCAPI {
		t.Error("filtered alert should never be marked forwarded")
	}
}

func TestProcess_SurvivorsForwardedAndMarked(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		w.Write([]byte(`{"message":"OK"}`))
	}))
	defer upstream.Close()

	store := storetest.New()
	pl := New(passthroughEngine(t), store, capi.New(upstream.URL, 0), true, zerolog.Nop())

	res, err := pl.Process(context.Background(), "v2", "Bearer token", "ua", []byte(`[{"scenario":"ssh-brute-force"}]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.StatusCode != 200 {
		t.Errorf("expected 200, got %d", res.StatusCode)
	}

	alerts := store.Alerts()
	if len(alerts) != 1 {
		t.Fatalf("expected one persisted alert, got %d", len(alerts))
	}
	if !alerts[0].ForwardedToCAPI {
		t.Error("survivor forwarded with a 2xx response should be marked forwarded")
	}
}

func TestProcess_ForwardDisabledNeverCallsCAPI(t *testing.T) {
	var called bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(200)
	}))
	defer upstream.Close()

	store := storetest.New()
	pl := New(passthroughEngine(t), store, capi.New(upstream.URL, 0), false, zerolog.Nop())

	res, err := pl.Process(context.Background(), "v2", "", "", []byte(`[{"scenario":"x"}]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Error("forwarding disabled means CAPI must never be called")
	}
	if res.StatusCode != 200 {
		t.Errorf("expected 200, got %d", res.StatusCode)
	}
}

func TestProcess_StorageFailureDoesNotBlockForwarding(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer upstream.Close()

	store := storetest.New()
	store.SetError("InsertAlert", context.DeadlineExceeded)
	pl := New(passthroughEngine(t), store, capi.New(upstream.URL, 0), true, zerolog.Nop())

	res, err := pl.Process(context.Background(), "v2", "", "", []byte(`[{"scenario":"x"}]`))
	if err != nil {
		t.Fatalf("a storage failure must not fail Process (storage is best-effort): %v", err)
	}
	if res.StatusCode != 200 {
		t.Errorf("expected forwarding to still succeed, got status %d", res.StatusCode)
	}
}

func TestProcess_ForwardFailureIsAuthoritative(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(502)
	}))
	defer upstream.Close()

	store := storetest.New()
	pl := New(passthroughEngine(t), store, capi.New(upstream.URL, 0), true, zerolog.Nop())

	res, err := pl.Process(context.Background(), "v2", "", "", []byte(`[{"scenario":"x"}]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.StatusCode != 502 {
		t.Errorf("forward's status must be relayed authoritatively, got %d", res.StatusCode)
	}
	alerts := store.Alerts()
	if len(alerts) != 1 || alerts[0].ForwardedToCAPI {
		t.Error("a non-2xx forward response must not be marked forwarded")
	}
}

func TestProcess_MalformedElementStoredAndDroppedNotFatal(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer upstream.Close()

	store := storetest.New()
	pl := New(passthroughEngine(t), store, capi.New(upstream.URL, 0), true, zerolog.Nop())

	res, err := pl.Process(context.Background(), "v2", "", "", []byte(`["not-an-object"]`))
	if err != nil {
		t.Fatalf("a malformed element should degrade gracefully, not fail the batch: %v", err)
	}
	if res.StatusCode != 200 {
		t.Errorf("expected 200, got %d", res.StatusCode)
	}
}
