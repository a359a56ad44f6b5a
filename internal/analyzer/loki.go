package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/crowdsieve/crowdsieve/internal/apperr"
	"github.com/crowdsieve/crowdsieve/internal/config"
	"github.com/crowdsieve/crowdsieve/internal/metrics"
)

// LogEntry is one fetched log line, its timestamp, and its JSON-extracted
// field projection.
type LogEntry struct {
	Raw       string
	Timestamp time.Time
	Fields    map[string]any
}

// LogSource fetches a bounded window of logs for one analyzer tick.
// Loki is the only backend implemented; the interface exists so a
// future source type never touches the scheduler.
type LogSource interface {
	Fetch(ctx context.Context, query string, lookback time.Duration, maxLines int) ([]LogEntry, error)
}

// lokiSource queries Loki through a Grafana datasource proxy using a plain
// http.Client call rather than a dedicated Loki client library.
type lokiSource struct {
	http          *http.Client
	grafanaURL    string
	token         string
	datasourceUID string
}

func newLokiSource(cfg config.SourceConfig, timeout time.Duration) *lokiSource {
	return &lokiSource{
		http:          &http.Client{Timeout: timeout},
		grafanaURL:    cfg.GrafanaURL,
		token:         cfg.Token,
		datasourceUID: cfg.DatasourceUID,
	}
}

// lokiQueryResponse mirrors the subset of Loki's /loki/api/v1/query_range
// response shape this fetch cares about: streams of [timestampNs, line].
type lokiQueryResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Stream map[string]string `json:"stream"`
			Values [][2]string        `json:"values"`
		} `json:"result"`
	} `json:"data"`
}

// Fetch queries Loki for query over [now-lookback, now], bounded to
// maxLines entries, extracting each line's JSON body into Fields.
func (s *lokiSource) Fetch(ctx context.Context, query string, lookback time.Duration, maxLines int) ([]LogEntry, error) {
	end := time.Now().UTC()
	start := end.Add(-lookback)

	q := url.Values{}
	q.Set("query", query)
	q.Set("start", strconv.FormatInt(start.UnixNano(), 10))
	q.Set("end", strconv.FormatInt(end.UnixNano(), 10))
	if maxLines > 0 {
		q.Set("limit", strconv.Itoa(maxLines))
	}

	reqURL := fmt.Sprintf("%s/api/datasources/proxy/uid/%s/loki/api/v1/query_range?%s",
		s.grafanaURL, s.datasourceUID, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "build loki query request", err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	start2 := time.Now()
	resp, err := s.http.Do(req)
	elapsed := time.Since(start2)
	if err != nil {
		outcome := "error"
		kind := apperr.UpstreamError
		if ctx.Err() != nil {
			outcome = "timeout"
			kind = apperr.UpstreamTimeout
		}
		metrics.UpstreamCallDuration.WithLabelValues("loki_query", outcome).Observe(elapsed.Seconds())
		return nil, apperr.Wrap(kind, "query loki", err)
	}
	defer resp.Body.Close()
	metrics.UpstreamCallDuration.WithLabelValues("loki_query", fmt.Sprintf("%dxx", resp.StatusCode/100)).Observe(elapsed.Seconds())

	if resp.StatusCode >= 300 {
		return nil, apperr.New(apperr.UpstreamError, fmt.Sprintf("loki query returned %d", resp.StatusCode))
	}

	var parsed lokiQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, apperr.Wrap(apperr.UpstreamError, "decode loki response", err)
	}

	var entries []LogEntry
	for _, result := range parsed.Data.Result {
		for _, pair := range result.Values {
			nanos, err := strconv.ParseInt(pair[0], 10, 64)
			if err != nil {
				continue
			}
			line := pair[1]
			var fields map[string]any
			_ = json.Unmarshal([]byte(line), &fields) // non-JSON lines simply extract no fields
			entries = append(entries, LogEntry{
				Raw:       line,
				Timestamp: time.Unix(0, nanos).UTC(),
				Fields:    fields,
			})
			if maxLines > 0 && len(entries) >= maxLines {
				return entries, nil
			}
		}
	}
	return entries, nil
}
