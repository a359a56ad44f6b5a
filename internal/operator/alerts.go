package operator

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/crowdsieve/crowdsieve/internal/storage"
)

func boundToFilter(bq boundQuery) storage.AlertFilter {
	return storage.AlertFilter{
		Limit:    bq.Limit,
		Offset:   bq.Offset,
		Scenario: bq.Scenario,
		Country:  bq.Country,
		Since:    bq.Since,
		Until:    bq.Until,
	}
}

func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	bq, err := parseBoundQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flt := boundToFilter(bq)

	alerts, err := h.store.ListAlerts(r.Context(), flt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	total, err := h.store.CountAlerts(r.Context(), flt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count alerts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"total":  total,
		"limit":  flt.Limit,
		"offset": flt.Offset,
	})
}

func (h *Handler) getAlert(w http.ResponseWriter, r *http.Request) {
	id, err := parseIntParam(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid alert id")
		return
	}
	a, err := h.store.GetAlert(r.Context(), int64(id))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load alert")
		return
	}
	if a == nil {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}
