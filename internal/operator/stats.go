package operator

import (
	"net/http"
)

// maxDistributionScan bounds how many alerts statsDistribution will page
// through when aggregating scenario counts, so a busy deployment can't turn
// one dashboard request into an unbounded table scan.
const maxDistributionScan = 10000

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	bq, err := parseBoundQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	base := boundToFilter(bq)
	base.Limit = 1
	base.Offset = 0

	total, err := h.store.CountAlerts(r.Context(), base)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count alerts")
		return
	}
	filtered := true
	filteredFlt := base
	filteredFlt.Filtered = &filtered
	filteredCount, err := h.store.CountAlerts(r.Context(), filteredFlt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count filtered alerts")
		return
	}
	forwarded := true
	forwardedFlt := base
	forwardedFlt.Forwarded = &forwarded
	forwardedCount, err := h.store.CountAlerts(r.Context(), forwardedFlt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count forwarded alerts")
		return
	}

	sizeBytes, err := h.store.SizeBytes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read storage size")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_alerts":     total,
		"filtered_alerts":  filteredCount,
		"forwarded_alerts": forwardedCount,
		"storage_bytes":    sizeBytes,
	})
}

func (h *Handler) statsDistribution(w http.ResponseWriter, r *http.Request) {
	bq, err := parseBoundQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flt := boundToFilter(bq)
	flt.Limit = 1000

	byScenario := map[string]int{}
	byCountry := map[string]int{}
	scanned := 0
	for offset := 0; ; offset += flt.Limit {
		flt.Offset = offset
		page, err := h.store.ListAlerts(r.Context(), flt)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list alerts")
			return
		}
		if len(page) == 0 {
			break
		}
		for _, a := range page {
			byScenario[a.ScenarioName]++
			if a.GeoCountryCode != "" {
				byCountry[a.GeoCountryCode]++
			}
		}
		scanned += len(page)
		if len(page) < flt.Limit || scanned >= maxDistributionScan {
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"by_scenario": byScenario,
		"by_country":  byCountry,
		"scanned":     scanned,
		"truncated":   scanned >= maxDistributionScan,
	})
}
