package operator

import (
	"errors"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/crowdsieve/crowdsieve/internal/apperr"
)

func (h *Handler) ipInfoHandler(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if net.ParseIP(ip) == nil {
		writeError(w, http.StatusBadRequest, "invalid IP address")
		return
	}
	info, err := h.ipInfo.Lookup(r.Context(), ip)
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			writeError(w, apperr.StatusFor(ae.Kind), ae.Msg)
			return
		}
		writeError(w, http.StatusInternalServerError, "ip-info lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) listServers(w http.ResponseWriter, r *http.Request) {
	type serverView struct {
		Name          string `json:"name"`
		URL           string `json:"url"`
		HasMachineAuth bool  `json:"has_machine_auth"`
	}
	out := make([]serverView, 0, len(h.servers))
	for _, s := range h.servers {
		out = append(out, serverView{Name: s.Name, URL: s.URL, HasMachineAuth: s.HasMachineCreds()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": out})
}
