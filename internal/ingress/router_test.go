package ingress

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/crowdsieve/crowdsieve/internal/capi"
	"github.com/crowdsieve/crowdsieve/internal/filter"
	"github.com/crowdsieve/crowdsieve/internal/pipeline"
	"github.com/crowdsieve/crowdsieve/internal/storetest"
)

func passthroughEngine(t *testing.T) *filter.Engine {
	t.Helper()
	e, errs := filter.New(filter.ModeBlock, nil)
	if len(errs) != 0 {
		t.Fatalf("unexpected compile errors: %v", errs)
	}
	return e
}

func newTestRouter(t *testing.T, upstreamURL string) *Router {
	t.Helper()
	engine := passthroughEngine(t)
	store := storetest.New()
	capiClient := capi.New(upstreamURL, time.Second)
	pl := pipeline.New(engine, store, capiClient, true, zerolog.Nop())
	operatorHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	})
	return New(Config{AllowedOrigins: []string{"*"}}, pl, capiClient, nil, operatorHandler, zerolog.Nop())
}

func TestHealth_ReturnsOK(t *testing.T) {
	r := newTestRouter(t, "http://127.0.0.1:1")
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestSecurityHeaders_AlwaysSet(t *testing.T) {
	r := newTestRouter(t, "http://127.0.0.1:1")
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	for _, h := range []string{"Content-Security-Policy", "X-Content-Type-Options", "X-Frame-Options", "Referrer-Policy"} {
		if w.Header().Get(h) == "" {
			t.Errorf("expected header %s to be set", h)
		}
	}
	if w.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS should not be set outside production")
	}
}

func TestBodyLimit_RejectsOversizedSignalsBody(t *testing.T) {
	r := newTestRouter(t, "http://127.0.0.1:1")
	oversized := strings.Repeat("a", MaxBodyBytes+1)
	req := httptest.NewRequest("POST", "/v2/signals", strings.NewReader(oversized))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 400 {
		t.Errorf("expected 400 for an oversized body, got %d", w.Code)
	}
}

func TestSignals_EmptyBatchForwardedOK(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte(`[]`))
	}))
	defer upstream.Close()

	r := newTestRouter(t, upstream.URL)
	req := httptest.NewRequest("POST", "/v2/signals", strings.NewReader(`[]`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Errorf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPassthrough_ForwardsArbitraryRouteToCAPI(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(204)
	}))
	defer upstream.Close()

	r := newTestRouter(t, upstream.URL)
	req := httptest.NewRequest("GET", "/v2/decisions/stream", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 204 {
		t.Errorf("expected the upstream's status to be relayed, got %d", w.Code)
	}
	if gotPath != "/v2/decisions/stream" {
		t.Errorf("expected the passthrough path to be preserved, got %q", gotPath)
	}
}

func TestAPIMount_RateLimitExemptForLocalhost(t *testing.T) {
	r := newTestRouter(t, "http://127.0.0.1:1")
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest("GET", "/api/alerts", nil)
		req.RemoteAddr = "127.0.0.1:5000"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			t.Fatalf("localhost should be exempt from the api rate limit outside production, got 429 on request %d", i)
		}
	}
}

func TestAPIMount_RateLimitAppliesToRemoteClients(t *testing.T) {
	r := newTestRouter(t, "http://127.0.0.1:1")
	var limited bool
	for i := 0; i < 30; i++ {
		req := httptest.NewRequest("GET", "/api/alerts", nil)
		req.RemoteAddr = "9.9.9.9:5000"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("expected a remote client to eventually be rate limited")
	}
}
