// Package capi implements the southbound client to the Central API: the
// signals-forward call used by the ingest pipeline, and the verbatim
// passthrough call used by the ingress router for every other /v2|/v3
// route. Request/response handling wraps metrics and timing around a
// single http.Client.Do, without a session manager, since CAPI calls
// simply relay the caller's own Authorization header rather than
// authenticating as this process.
package capi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/crowdsieve/crowdsieve/internal/apperr"
	"github.com/crowdsieve/crowdsieve/internal/metrics"
)

// passthroughHeaders are the request headers copied verbatim on a
// transparent proxy call.
var passthroughHeaders = []string{"Authorization", "Content-Type", "Content-Encoding", "User-Agent", "Accept"}

// Client forwards signal batches and passthrough requests to CAPI.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client with the given base URL and per-call timeout.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

// ForwardResult is the outcome of a signals-forward call.
type ForwardResult struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// ForwardSignals POSTs body (the filtered batch) to {capi_url}/{version}/signals,
// carrying the caller's Authorization and User-Agent (falling back to a
// default UA). A network error or timeout is reported as an
// UpstreamTimeout/UpstreamError apperr, never a bare error.
func (c *Client) ForwardSignals(ctx context.Context, version, authHeader, userAgent string, body []byte) (*ForwardResult, error) {
	if userAgent == "" {
		userAgent = "crowdsieve/1.0"
	}
	url := fmt.Sprintf("%s/%s/signals", c.baseURL, version)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "build capi forward request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	req.Header.Set("User-Agent", userAgent)

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
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			outcome = "timeout"
			kind = apperr.UpstreamTimeout
		}
		metrics.UpstreamCallDuration.WithLabelValues("capi_forward", outcome).Observe(elapsed.Seconds())
		return nil, apperr.Wrap(kind, "forward signals to capi", err)
	}
	defer resp.Body.Close()
	metrics.UpstreamCallDuration.WithLabelValues("capi_forward", fmt.Sprintf("%dxx", resp.StatusCode/100)).Observe(elapsed.Seconds())

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamError, "read capi forward response", err)
	}
	return &ForwardResult{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        respBody,
	}, nil
}

// Passthrough relays method/path/body to CAPI verbatim, copying only the
// allowlisted request headers, and returns the raw response for the
// ingress router to mirror byte-for-byte.
func (c *Client) Passthrough(ctx context.Context, method, path string, headers http.Header, body []byte) (*http.Response, error) {
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "build capi passthrough request", err)
	}
	for _, h := range passthroughHeaders {
		if v := headers.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}

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
		metrics.UpstreamCallDuration.WithLabelValues("capi_passthrough", outcome).Observe(elapsed.Seconds())
		return nil, apperr.Wrap(kind, "passthrough to capi", err)
	}
	metrics.UpstreamCallDuration.WithLabelValues("capi_passthrough", fmt.Sprintf("%dxx", resp.StatusCode/100)).Observe(elapsed.Seconds())
	return resp, nil
}

// ValidateToken checks the given bearer token against CAPI, used by the
// client validator. CAPI has no dedicated introspection endpoint in
// the public API, so validation piggybacks on a lightweight signals OPTIONS
// probe: a 2xx/4xx response is a definitive answer (accepted/rejected); a
// network error or 5xx is treated as upstream-unreachable so the caller's
// fail-open/fail-closed policy applies.
func (c *Client) ValidateToken(ctx context.Context, version, authHeader string) (bool, error) {
	url := fmt.Sprintf("%s/%s/signals", c.baseURL, version)
	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, url, nil)
	if err != nil {
		return false, apperr.Wrap(apperr.InternalError, "build capi validation request", err)
	}
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

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
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			outcome = "timeout"
			kind = apperr.UpstreamTimeout
		}
		metrics.UpstreamCallDuration.WithLabelValues("capi_validate", outcome).Observe(elapsed.Seconds())
		return false, apperr.Wrap(kind, "validate token against capi", err)
	}
	defer resp.Body.Close()
	metrics.UpstreamCallDuration.WithLabelValues("capi_validate", fmt.Sprintf("%dxx", resp.StatusCode/100)).Observe(elapsed.Seconds())

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return false, nil
	}
	if resp.StatusCode >= 500 {
		return false, apperr.New(apperr.UpstreamError, fmt.Sprintf("capi validation returned %d", resp.StatusCode))
	}
	return true, nil
}
