// Package ingress implements the ingress router: the single HTTP
// surface exposing the filtered signals routes, a transparent
// passthrough for everything else under /v2 and /v3, a liveness probe,
// and the operator API mount. Router construction builds one
// http.Handler tree at startup and injects every dependency rather than
// reaching for package-level state, using chi as the router for a
// multi-route proxy surface.
package ingress

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/crowdsieve/crowdsieve/internal/apperr"
	"github.com/crowdsieve/crowdsieve/internal/capi"
	"github.com/crowdsieve/crowdsieve/internal/pipeline"
	"github.com/crowdsieve/crowdsieve/internal/validator"
)

// MaxBodyBytes is the request-body ceiling enforced on every route.
const MaxBodyBytes = 1 << 20

// Config configures the router's security posture.
type Config struct {
	AllowedOrigins  []string
	Production      bool
	DashboardAPIKey string
	UpstreamTimeout time.Duration
}

// Router builds and holds the ingress http.Handler.
type Router struct {
	mux *chi.Mux
}

// New builds the ingress router. operatorHandler is mounted at /api/*;
// v is nil when client validation is disabled.
func New(cfg Config, pl *pipeline.Pipeline, capiClient *capi.Client, v *validator.Validator, operatorHandler http.Handler, log zerolog.Logger) *Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders(cfg.Production))
	r.Use(corsMiddleware(cfg.AllowedOrigins))
	r.Use(bodyLimit)

	rl := newRateLimiter(5, 10)
	apiGate := apiRateLimit(rl, cfg)

	h := &handlers{
		pipeline:        pl,
		capi:            capiClient,
		validator:       v,
		upstreamTimeout: timeoutOrDefault(cfg.UpstreamTimeout),
		log:             log.With().Str("component", "ingress").Logger(),
	}

	r.Get("/health", h.health)

	r.Route("/v2", func(r chi.Router) {
		r.Post("/signals", h.signals("v2"))
		r.HandleFunc("/*", h.passthrough)
	})
	r.Route("/v3", func(r chi.Router) {
		r.Post("/signals", h.signals("v3"))
		r.HandleFunc("/*", h.passthrough)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(apiGate)
		r.Mount("/", operatorHandler)
	})

	return &Router{mux: r}
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

type handlers struct {
	pipeline        *pipeline.Pipeline
	capi            *capi.Client
	validator       *validator.Validator
	upstreamTimeout time.Duration
	log             zerolog.Logger
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *handlers) signals(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		authHeader := r.Header.Get("Authorization")

		if h.validator != nil {
			token := strings.TrimPrefix(authHeader, "Bearer ")
			ok, err := h.validator.Validate(ctx, token, version)
			if err != nil {
				writeError(w, err)
				return
			}
			if !ok {
				writeError(w, apperr.New(apperr.Unauthorized, "client validation failed"))
				return
			}
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			if isBodyTooLarge(err) {
				writeError(w, apperr.New(apperr.InvalidInput, "request body exceeds 1 MiB"))
				return
			}
			writeError(w, apperr.Wrap(apperr.InvalidInput, "read request body", err))
			return
		}

		timeoutCtx, cancel := context.WithTimeout(ctx, h.upstreamTimeout)
		defer cancel()

		ua := r.Header.Get("User-Agent")
		result, err := h.pipeline.Process(timeoutCtx, version, authHeader, ua, body)
		if err != nil {
			writeError(w, err)
			return
		}

		if result.ContentType != "" {
			w.Header().Set("Content-Type", result.ContentType)
		}
		w.WriteHeader(result.StatusCode)
		_, _ = w.Write(result.Body)
	}
}

// timeoutOrDefault returns cfg's configured proxy.timeout_ms as a Duration,
// falling back to 30s when it is unset.
func timeoutOrDefault(configured time.Duration) time.Duration {
	if configured <= 0 {
		return 30 * time.Second
	}
	return configured
}

func (h *handlers) passthrough(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isBodyTooLarge(err) {
			writeError(w, apperr.New(apperr.InvalidInput, "request body exceeds 1 MiB"))
			return
		}
		writeError(w, apperr.Wrap(apperr.InvalidInput, "read request body", err))
		return
	}

	resp, err := h.capi.Passthrough(r.Context(), r.Method, r.URL.Path+queryString(r), r.Header, body)
	if err != nil {
		writeError(w, err)
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func queryString(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return ""
	}
	return "?" + r.URL.RawQuery
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func bodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

func securityHeaders(production bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")
			if production {
				w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = writeJSONBody(w, v)
}

func writeError(w http.ResponseWriter, err error) {
	status := apperr.StatusFor(apperr.KindOf(err))
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
