// Package pipeline implements the per-batch signal pipeline: validate →
// filter → persist → forward → relay. Storage is best-effort; forwarding
// to CAPI is authoritative for the response returned to the caller. The
// ids carried from the persist step into the forward step are local to
// one call to Process, never a process-global list, so concurrent
// batches can never cross-contaminate each other's forwarded-id set.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/crowdsieve/crowdsieve/internal/apperr"
	"github.com/crowdsieve/crowdsieve/internal/capi"
	"github.com/crowdsieve/crowdsieve/internal/filter"
	"github.com/crowdsieve/crowdsieve/internal/metrics"
	"github.com/crowdsieve/crowdsieve/internal/storage"
)

// MaxAlertsPerBatch is the hard ceiling on alerts accepted in one batch.
const MaxAlertsPerBatch = 1000

// Result is the HTTP-facing outcome of Process: status code, content
// type, and body to relay to the calling LAPI.
type Result struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Pipeline wires the filter engine, storage, and CAPI client together.
type Pipeline struct {
	engine         *filter.Engine
	store          storage.Store
	capi           *capi.Client
	forwardEnabled bool
	log            zerolog.Logger
}

// New builds a Pipeline.
func New(engine *filter.Engine, store storage.Store, capiClient *capi.Client, forwardEnabled bool, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		engine:         engine,
		store:          store,
		capi:           capiClient,
		forwardEnabled: forwardEnabled,
		log:            log.With().Str("component", "pipeline").Logger(),
	}
}

var okBody = []byte(`{"message":"OK"}`)
var okForwardDisabledBody = []byte(`{"message":"OK (forwarding disabled)"}`)

// Process runs one signal batch through the pipeline. version is "v2" or
// "v3", used to pick the CAPI forward path and echoed on the reason label.
func (p *Pipeline) Process(ctx context.Context, version, authHeader, userAgent string, body []byte) (*Result, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, apperr.Wrap(apperr.InvalidInput, "signals body must be a JSON array", err)
	}
	if len(raws) > MaxAlertsPerBatch {
		return nil, apperr.New(apperr.InvalidInput, "batch exceeds MAX_ALERTS_PER_BATCH")
	}
	metrics.AlertsIngested.WithLabelValues(version).Add(float64(len(raws)))

	if len(raws) == 0 {
		return &Result{StatusCode: 200, ContentType: "application/json", Body: okBody}, nil
	}

	now := time.Now().UTC()
	var survivors []json.RawMessage
	var insertedIDs []int64 // per-batch local state; never process-global

	for _, raw := range raws {
		var fields map[string]any
		malformed := false
		if err := json.Unmarshal(raw, &fields); err != nil {
			// A single malformed element does not abort the batch; it is
			// stored as a filtered, unparseable alert and dropped from
			// forwarding.
			fields = map[string]any{}
			malformed = true
		}
		outcome := p.engine.Evaluate(fields)
		if malformed {
			outcome.Filtered = true
		}
		if outcome.Filtered {
			for _, m := range outcome.Matches {
				metrics.AlertsFiltered.WithLabelValues(m.RuleName).Inc()
			}
		}

		alert := alertFromFields(raw, fields, outcome, now)
		id, err := p.store.InsertAlert(ctx, &alert)
		if err != nil {
			// Storage is secondary to forwarding: log and continue.
			p.log.Warn().Err(err).Msg("persist alert failed")
			metrics.StorageErrors.WithLabelValues("insert_alert").Inc()
		} else if !outcome.Filtered {
			insertedIDs = append(insertedIDs, id)
		}

		if !outcome.Filtered {
			survivors = append(survivors, raw)
		}
	}

	if len(survivors) == 0 {
		return &Result{StatusCode: 200, ContentType: "application/json", Body: okBody}, nil
	}
	if !p.forwardEnabled {
		return &Result{StatusCode: 200, ContentType: "application/json", Body: okForwardDisabledBody}, nil
	}

	survivorsJSON, err := json.Marshal(survivors)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "marshal survivor batch", err)
	}

	fwd, err := p.capi.ForwardSignals(ctx, version, authHeader, userAgent, survivorsJSON)
	if err != nil {
		metrics.AlertsForwarded.WithLabelValues(version, "error").Inc()
		return nil, err
	}

	if fwd.StatusCode >= 200 && fwd.StatusCode < 300 {
		if err := p.store.MarkForwarded(ctx, insertedIDs, now); err != nil {
			p.log.Warn().Err(err).Msg("mark forwarded failed")
			metrics.StorageErrors.WithLabelValues("mark_forwarded").Inc()
		}
		metrics.AlertsForwarded.WithLabelValues(version, "success").Inc()
	} else {
		metrics.AlertsForwarded.WithLabelValues(version, "rejected").Inc()
	}

	return &Result{StatusCode: fwd.StatusCode, ContentType: fwd.ContentType, Body: fwd.Body}, nil
}
