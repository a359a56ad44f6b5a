package operator

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/crowdsieve/crowdsieve/internal/apperr"
)

func (h *Handler) listAnalyzers(w http.ResponseWriter, r *http.Request) {
	if h.analyzers == nil {
		writeJSON(w, http.StatusOK, map[string]any{"analyzers": []AnalyzerSummary{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"analyzers": h.analyzers.ListAnalyzers()})
}

// runAnalyzer triggers an out-of-band run of one analyzer. The scheduler's
// overlap guard still applies: a run already in flight for this analyzer
// yields an error rather than a second concurrent run.
func (h *Handler) runAnalyzer(w http.ResponseWriter, r *http.Request) {
	if h.analyzers == nil {
		writeError(w, http.StatusNotFound, "analyzer engine is disabled")
		return
	}
	id := chi.URLParam(r, "id")
	run, err := h.analyzers.RunNow(r.Context(), id)
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			writeError(w, apperr.StatusFor(ae.Kind), ae.Msg)
			return
		}
		writeError(w, http.StatusInternalServerError, "analyzer run failed")
		return
	}
	writeJSON(w, http.StatusOK, run)
}
