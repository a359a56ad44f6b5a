package operator

import (
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/crowdsieve/crowdsieve/internal/fanout"
	"github.com/crowdsieve/crowdsieve/internal/lapiclient"
)

// maxDecisionFanout bounds how many LAPIs are queried concurrently per
// dashboard request.
const maxDecisionFanout = 8

// sharedOrigins lists the origin substrings (case-insensitive) that mark a
// decision as coming from the shared CrowdSec community/lists feed rather
// than a LAPI's own local detections.
var sharedOrigins = []string{"capi", "lists", "crowdsec"}

func (h *Handler) serverByName(name string) (lapiclient.Server, bool) {
	for _, s := range h.servers {
		if s.Name == name {
			return s, true
		}
	}
	return lapiclient.Server{}, false
}

func (h *Handler) allServerNames() []string {
	names := make([]string, len(h.servers))
	for i, s := range h.servers {
		names[i] = s.Name
	}
	return names
}

type decisionKey struct {
	Scenario string
	Type     string
	Value    string
}

// searchDecisions fans a decision lookup out to every configured LAPI in
// parallel and partitions the merged result into decisions shared by every
// healthy server (origin traced to the community feed) and decisions local
// to one server.
func (h *Handler) searchDecisions(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("ip")
	if net.ParseIP(ip) == nil {
		writeError(w, http.StatusBadRequest, "ip query parameter must be a valid IP address")
		return
	}

	targets := h.allServerNames()
	if len(targets) == 0 {
		writeError(w, http.StatusBadRequest, "no LAPI servers configured")
		return
	}

	results := fanout.RunAll(targets, maxDecisionFanout, func(name string) ([]lapiclient.Decision, error) {
		srv, _ := h.serverByName(name)
		return h.lapi.GetDecisions(r.Context(), srv, ip)
	})

	byServer := map[string][]lapiclient.Decision{}
	presence := map[decisionKey]map[string]bool{}
	var errs []string
	healthy := 0
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, res.Key+": "+res.Err.Error())
			continue
		}
		healthy++
		byServer[res.Key] = res.Value
		for _, d := range res.Value {
			if !isSharedOrigin(d.Origin) {
				continue
			}
			k := decisionKey{Scenario: d.Scenario, Type: d.Type, Value: d.Value}
			if presence[k] == nil {
				presence[k] = map[string]bool{}
			}
			presence[k][res.Key] = true
		}
	}

	sharedKeys := map[decisionKey]bool{}
	var shared []lapiclient.Decision
	for k, servers := range presence {
		if len(servers) != healthy || healthy == 0 {
			continue
		}
		sharedKeys[k] = true
		for _, d := range byServer[anyKey(servers)] {
			if d.Scenario == k.Scenario && d.Type == k.Type && d.Value == k.Value {
				shared = append(shared, d)
				break
			}
		}
	}

	local := make(map[string][]lapiclient.Decision, len(byServer))
	for server, decisions := range byServer {
		var remaining []lapiclient.Decision
		for _, d := range decisions {
			k := decisionKey{Scenario: d.Scenario, Type: d.Type, Value: d.Value}
			if sharedKeys[k] {
				continue
			}
			remaining = append(remaining, d)
		}
		local[server] = remaining
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"shared": shared,
		"local":  local,
		"errors": errs,
	})
}

func isSharedOrigin(origin string) bool {
	lo := strings.ToLower(origin)
	for _, o := range sharedOrigins {
		if strings.Contains(lo, o) {
			return true
		}
	}
	return false
}

func anyKey(m map[string]bool) string {
	for k := range m {
		return k
	}
	return ""
}

// deleteDecision requires a server query parameter since decision ids are
// only unique within one LAPI's namespace.
func (h *Handler) deleteDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	serverName := r.URL.Query().Get("server")
	if serverName == "" {
		writeError(w, http.StatusBadRequest, "server query parameter is required")
		return
	}
	srv, ok := h.serverByName(serverName)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown LAPI server")
		return
	}
	if err := h.lapi.DeleteDecision(r.Context(), srv, id); err != nil {
		writeError(w, http.StatusBadGateway, "failed to delete decision: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

var (
	banDurationRe = regexp.MustCompile(`^\d+[smh]$`)
	banServerRe   = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

type banRequest struct {
	Server   string `json:"server"`
	IP       string `json:"ip"`
	Duration string `json:"duration"`
	Reason   string `json:"reason"`
}

// manualBan validates and pushes a single operator-initiated ban decision
// to the named LAPI.
func (h *Handler) manualBan(w http.ResponseWriter, r *http.Request) {
	var req banRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if net.ParseIP(req.IP) == nil {
		writeError(w, http.StatusBadRequest, "ip must be a valid IP address")
		return
	}
	if !banDurationRe.MatchString(req.Duration) {
		writeError(w, http.StatusBadRequest, "duration must match ^\\d+[smh]$")
		return
	}
	if !banServerRe.MatchString(req.Server) {
		writeError(w, http.StatusBadRequest, "server must match ^[a-zA-Z0-9_-]+$")
		return
	}
	if len(req.Reason) > 500 {
		writeError(w, http.StatusBadRequest, "reason must be <= 500 chars")
		return
	}
	srv, ok := h.serverByName(req.Server)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown LAPI server")
		return
	}

	if err := h.lapi.PushBanDecision(r.Context(), srv, req.IP, req.Duration, req.Reason); err != nil {
		writeError(w, http.StatusBadGateway, "failed to push ban decision: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
