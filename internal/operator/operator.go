// Package operator implements the operator API: read-only alert/stat
// queries, decision search fan-out across LAPIs, and manual ban
// submission, all behind constant-time dashboard API-key auth. Route
// registration follows the same chi sub-router shape the ingress
// package uses for its own mounts; the per-LAPI fan-out uses
// internal/fanout's bounded-concurrency helper rather than a persistent
// worker pool, since this fan-out is request-scoped.
package operator

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/crowdsieve/crowdsieve/internal/lapiclient"
	"github.com/crowdsieve/crowdsieve/internal/storage"
)

// Config configures the operator surface.
type Config struct {
	DashboardAPIKey string
}

// Handler serves /api/* behind API-key auth.
type Handler struct {
	mux *chi.Mux

	store     storage.Store
	lapi      *lapiclient.Client
	servers   []lapiclient.Server
	analyzers AnalyzerRunner
	ipInfo    IPInfoProvider
	apiKey    string
	log       zerolog.Logger
}

// New builds the operator Handler. analyzers may be nil if the analyzer
// engine is disabled; ipInfo may be nil to use a no-op provider.
func New(cfg Config, store storage.Store, lapi *lapiclient.Client, servers []lapiclient.Server, analyzers AnalyzerRunner, ipInfo IPInfoProvider, log zerolog.Logger) *Handler {
	if ipInfo == nil {
		ipInfo = noopIPInfo{}
	}
	h := &Handler{
		store:     store,
		lapi:      lapi,
		servers:   servers,
		analyzers: analyzers,
		ipInfo:    ipInfo,
		apiKey:    cfg.DashboardAPIKey,
		log:       log.With().Str("component", "operator").Logger(),
	}

	r := chi.NewRouter()
	r.Use(h.authenticate)
	r.Get("/alerts", h.listAlerts)
	r.Get("/alerts/{id}", h.getAlert)
	r.Get("/stats", h.stats)
	r.Get("/stats/distribution", h.statsDistribution)
	r.Get("/ip-info/{ip}", h.ipInfoHandler)
	r.Get("/lapi-servers", h.listServers)
	r.Get("/decisions", h.searchDecisions)
	r.Delete("/decisions/{id}", h.deleteDecision)
	r.Post("/decisions/ban", h.manualBan)
	r.Get("/analyzers", h.listAnalyzers)
	r.Post("/analyzers/{id}/run", h.runAnalyzer)
	h.mux = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// authenticate enforces a constant-time X-API-Key check. A missing
// configured key is treated as fatal at startup (config.validate already
// requires proxy.dashboard_api_key in production); at request time a
// missing or mismatched key is a 401.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		given := r.Header.Get("X-API-Key")
		if h.apiKey == "" || given == "" || !constantTimeEqual(given, h.apiKey) {
			writeError(w, http.StatusUnauthorized, "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// constantTimeEqual compares a and b in time independent of their length
// or contents by comparing fixed-size digests rather than the raw bytes.
func constantTimeEqual(a, b string) bool {
	ah := sha256.Sum256([]byte(a))
	bh := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ah[:], bh[:]) == 1
}

// boundQuery holds the validated input bounds for a listing query.
type boundQuery struct {
	Limit    int
	Offset   int
	Scenario string
	Country  string
	Since    *time.Time
	Until    *time.Time
}
