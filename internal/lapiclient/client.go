// Package lapiclient implements the southbound client to LAPI instances:
// machine-credential login with a refresh-ahead token cache, alert push,
// and decision query/delete. The token cache's mutex-guarded
// refresh-ahead shape mirrors a session manager's EnsureAuth idiom.
package lapiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/crowdsieve/crowdsieve/internal/apperr"
	"github.com/crowdsieve/crowdsieve/internal/metrics"
)

// Server names one LAPI target with its credentials, mirroring
// config.LAPIServer.
type Server struct {
	Name      string
	URL       string
	APIKey    string // bouncer key, for decisions read/delete
	MachineID string // machine credentials, for alert push
	Password  string
}

// HasMachineCreds reports whether Server carries machine_id/password
// credentials needed to push alerts.
func (s Server) HasMachineCreds() bool {
	return s.MachineID != "" && s.Password != ""
}

// Decision mirrors the CrowdSec decision wire shape used on push and
// returned on GET /v1/decisions.
type Decision struct {
	Type     string `json:"type"`
	Scope    string `json:"scope"`
	Value    string `json:"value"`
	Duration string `json:"duration"`
	Scenario string `json:"scenario"`
	Origin   string `json:"origin"`
	ID       int64  `json:"id,omitempty"`
}

// Source mirrors the CrowdSec alert source sub-object.
type Source struct {
	Scope string `json:"scope"`
	Value string `json:"value"`
	IP    string `json:"ip,omitempty"`
}

// Alert is the CrowdSec-shaped alert payload pushed to POST /v1/alerts.
type Alert struct {
	Scenario   string     `json:"scenario"`
	Message    string     `json:"message"`
	EventCount int        `json:"events_count"`
	StartAt    string     `json:"start_at"`
	StopAt     string     `json:"stop_at"`
	Source     Source     `json:"source"`
	Decisions  []Decision `json:"decisions"`
	Simulated  bool       `json:"simulated"`
}

type loginRequest struct {
	MachineID string `json:"machine_id"`
	Password  string `json:"password"`
}

type loginResponse struct {
	Token  string `json:"token"`
	Expire string `json:"expire"`
}

type tokenEntry struct {
	token     string
	expiresAt time.Time
	mu        sync.Mutex // serializes refresh for this one server
}

// Client talks to any number of LAPI servers, caching one machine token
// per server name until 10s before its reported expiry.
type Client struct {
	http *http.Client

	tokensMu sync.Mutex
	tokens   map[string]*tokenEntry
}

// New builds a Client with the given per-call timeout.
func New(timeout time.Duration) *Client {
	return &Client{
		http:   &http.Client{Timeout: timeout},
		tokens: make(map[string]*tokenEntry),
	}
}

const tokenRefreshSlack = 10 * time.Second

func (c *Client) entryFor(name string) *tokenEntry {
	c.tokensMu.Lock()
	defer c.tokensMu.Unlock()
	e, ok := c.tokens[name]
	if !ok {
		e = &tokenEntry{}
		c.tokens[name] = e
	}
	return e
}

// token returns a valid machine bearer token for srv, logging in (or
// refreshing) only when the cached one is absent or within
// tokenRefreshSlack of expiry. Per-server locking means concurrent pushes
// to the same LAPI wait for one login rather than stampeding it.
func (c *Client) token(ctx context.Context, srv Server) (string, error) {
	e := c.entryFor(srv.Name)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.token != "" && time.Until(e.expiresAt) > tokenRefreshSlack {
		return e.token, nil
	}

	body, err := json.Marshal(loginRequest{MachineID: srv.MachineID, Password: srv.Password})
	if err != nil {
		return "", apperr.Wrap(apperr.InternalError, "marshal watcher login body", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/v1/watchers/login", bytes.NewReader(body))
	if err != nil {
		return "", apperr.Wrap(apperr.InternalError, "build watcher login request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		metrics.UpstreamCallDuration.WithLabelValues("lapi_login", "error").Observe(elapsed.Seconds())
		return "", apperr.Wrap(apperr.UpstreamError, fmt.Sprintf("login to lapi %s", srv.Name), err)
	}
	defer resp.Body.Close()
	metrics.UpstreamCallDuration.WithLabelValues("lapi_login", fmt.Sprintf("%dxx", resp.StatusCode/100)).Observe(elapsed.Seconds())

	if resp.StatusCode != http.StatusOK {
		return "", apperr.New(apperr.UpstreamError, fmt.Sprintf("lapi %s login returned %d", srv.Name, resp.StatusCode))
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", apperr.Wrap(apperr.UpstreamError, "decode watcher login response", err)
	}

	expiry, err := time.Parse(time.RFC3339, lr.Expire)
	if err != nil {
		expiry = time.Now().Add(time.Hour) // conservative fallback
	}
	e.token = lr.Token
	e.expiresAt = expiry
	return e.token, nil
}

// PushAlerts POSTs alerts to srv's /v1/alerts with the cached machine
// bearer token.
func (c *Client) PushAlerts(ctx context.Context, srv Server, alerts []Alert) error {
	tok, err := c.token(ctx, srv)
	if err != nil {
		return err
	}

	body, err := json.Marshal(alerts)
	if err != nil {
		return apperr.Wrap(apperr.InternalError, "marshal lapi alerts", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/v1/alerts", bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap(apperr.InternalError, "build lapi alerts request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		outcome := "error"
		kind := apperr.UpstreamError
		if ctx.Err() != nil {
			outcome = "timeout"
			kind = apperr.UpstreamTimeout
		}
		metrics.UpstreamCallDuration.WithLabelValues("lapi_alerts", outcome).Observe(elapsed.Seconds())
		return apperr.Wrap(kind, fmt.Sprintf("push alerts to lapi %s", srv.Name), err)
	}
	defer resp.Body.Close()
	metrics.UpstreamCallDuration.WithLabelValues("lapi_alerts", fmt.Sprintf("%dxx", resp.StatusCode/100)).Observe(elapsed.Seconds())

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return apperr.New(apperr.UpstreamError, fmt.Sprintf("lapi %s alerts push returned %d: %s", srv.Name, resp.StatusCode, string(b)))
	}
	return nil
}

// GetDecisions queries srv's /v1/decisions?ip=<ip> using the bouncer key.
func (c *Client) GetDecisions(ctx context.Context, srv Server, ip string) ([]Decision, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/decisions?ip="+ip, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "build lapi decisions request", err)
	}
	req.Header.Set("X-Api-Key", srv.APIKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		outcome := "error"
		kind := apperr.UpstreamError
		if ctx.Err() != nil {
			outcome = "timeout"
			kind = apperr.UpstreamTimeout
		}
		metrics.UpstreamCallDuration.WithLabelValues("lapi_decisions_get", outcome).Observe(elapsed.Seconds())
		return nil, apperr.Wrap(kind, fmt.Sprintf("query decisions on lapi %s", srv.Name), err)
	}
	defer resp.Body.Close()
	metrics.UpstreamCallDuration.WithLabelValues("lapi_decisions_get", fmt.Sprintf("%dxx", resp.StatusCode/100)).Observe(elapsed.Seconds())

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode >= 300 {
		return nil, apperr.New(apperr.UpstreamError, fmt.Sprintf("lapi %s decisions query returned %d", srv.Name, resp.StatusCode))
	}

	var decisions []Decision
	if err := json.NewDecoder(resp.Body).Decode(&decisions); err != nil {
		return nil, apperr.Wrap(apperr.UpstreamError, "decode lapi decisions response", err)
	}
	return decisions, nil
}

// DeleteDecision issues DELETE /v1/decisions/<id> using the bouncer key.
func (c *Client) DeleteDecision(ctx context.Context, srv Server, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, srv.URL+"/v1/decisions/"+id, nil)
	if err != nil {
		return apperr.Wrap(apperr.InternalError, "build lapi delete decision request", err)
	}
	req.Header.Set("X-Api-Key", srv.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.UpstreamError, fmt.Sprintf("delete decision on lapi %s", srv.Name), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return apperr.New(apperr.NotFound, fmt.Sprintf("decision %s not found on lapi %s", id, srv.Name))
	}
	if resp.StatusCode >= 300 {
		return apperr.New(apperr.UpstreamError, fmt.Sprintf("lapi %s delete decision returned %d", srv.Name, resp.StatusCode))
	}
	return nil
}

// PushBanDecision is a convenience wrapper for the operator manual-ban
// endpoint: builds and pushes a single crowdsieve-origin alert carrying
// one ban decision.
func (c *Client) PushBanDecision(ctx context.Context, srv Server, ip, duration, reason string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	alert := Alert{
		Scenario:   "crowdsieve/manual",
		Message:    reason,
		EventCount: 1,
		StartAt:    now,
		StopAt:     now,
		Source:     Source{Scope: "ip", Value: ip, IP: ip},
		Decisions: []Decision{{
			Type:     "ban",
			Scope:    "ip",
			Value:    ip,
			Duration: duration,
			Scenario: "crowdsieve/manual",
			Origin:   "crowdsieve",
		}},
	}
	return c.PushAlerts(ctx, srv, []Alert{alert})
}
