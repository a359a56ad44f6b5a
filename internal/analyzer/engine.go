// Package analyzer's Engine ties the per-analyzer pieces (config, log
// fetch, group/threshold detection, whitelist suppression, LAPI push,
// run/result persistence) into a fire-now-then-every-interval scheduler.
// The ticker shape mirrors a standard background-janitor Run loop; the
// overlap guard composes that ticker with a mutex-guarded "skip if
// already running" idiom borrowed from session-manager-style code
// elsewhere in this module.
package analyzer

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/crowdsieve/crowdsieve/internal/apperr"
	"github.com/crowdsieve/crowdsieve/internal/config"
	"github.com/crowdsieve/crowdsieve/internal/fanout"
	"github.com/crowdsieve/crowdsieve/internal/ipmatch"
	"github.com/crowdsieve/crowdsieve/internal/lapiclient"
	"github.com/crowdsieve/crowdsieve/internal/metrics"
	"github.com/crowdsieve/crowdsieve/internal/models"
	"github.com/crowdsieve/crowdsieve/internal/operator"
	"github.com/crowdsieve/crowdsieve/internal/storage"
)

// maxPushFanout bounds how many LAPIs one analyzer run pushes to
// concurrently.
const maxPushFanout = 8

// analyzerState is the scheduler's per-analyzer bookkeeping: the
// overlap guard (at most one run active at a time) and the stable
// next_run_at the operator API surfaces.
type analyzerState struct {
	def *Def

	mu        sync.Mutex
	running   bool
	nextRunAt time.Time
	lastRun   *models.AnalyzerRun
}

// Engine schedules and runs every enabled analyzer definition, pushing
// detections to LAPIs and persisting run/result rows. It implements
// operator.AnalyzerRunner so the Operator API can list analyzers and
// trigger ad-hoc runs without importing this package's internals.
type Engine struct {
	store   storage.Store
	lapi    *lapiclient.Client
	servers []lapiclient.Server
	sources map[string]config.SourceConfig
	wl      *ipmatch.Whitelist
	timeout time.Duration
	log     zerolog.Logger

	mu    sync.RWMutex
	state map[string]*analyzerState
}

// New builds an Engine from the loaded analyzer defs. timeout bounds
// every Loki fetch and LAPI push call, derived from proxy.timeout_ms.
func New(defs []*Def, ac config.AnalyzersConfig, store storage.Store, lapi *lapiclient.Client, servers []lapiclient.Server, timeout time.Duration, log zerolog.Logger) *Engine {
	e := &Engine{
		store:   store,
		lapi:    lapi,
		servers: servers,
		sources: ac.Sources,
		wl:      ipmatch.Parse(ac.Whitelist),
		timeout: timeout,
		log:     log.With().Str("component", "analyzer").Logger(),
		state:   make(map[string]*analyzerState),
	}
	for _, d := range defs {
		e.state[d.ID] = &analyzerState{def: d}
	}
	return e
}

// Run starts a fire-now-then-every-interval timer for every enabled
// analyzer and blocks until ctx is cancelled, at which point every timer
// is stopped. Each analyzer's timer runs independently — there is no
// global barrier.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, st := range e.sortedStates() {
		if !st.def.Enabled {
			continue
		}
		wg.Add(1)
		go func(st *analyzerState) {
			defer wg.Done()
			e.runLoop(ctx, st)
		}(st)
	}
	wg.Wait()
	return nil
}

func (e *Engine) sortedStates() []*analyzerState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*analyzerState, 0, len(e.state))
	for _, st := range e.state {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].def.ID < out[j].def.ID })
	return out
}

// runLoop fires immediately then on every interval tick, skipping (not
// queueing) a tick if the previous run for this analyzer is still
// executing. next_run_at is recorded when the timer is armed regardless
// of skip outcome, so the operator API can display a stable ETA.
func (e *Engine) runLoop(ctx context.Context, st *analyzerState) {
	interval := st.def.Interval()
	if interval <= 0 {
		// A 0-duration schedule parses but must never arm a zero-interval
		// timer.
		e.log.Warn().Str("analyzer", st.def.ID).Msg("zero-length interval; analyzer will not be scheduled")
		return
	}

	e.tick(ctx, st)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx, st)
		}
	}
}

func (e *Engine) tick(ctx context.Context, st *analyzerState) {
	st.mu.Lock()
	if st.running {
		st.nextRunAt = time.Now().Add(st.def.Interval())
		st.mu.Unlock()
		metrics.AnalyzerRunsSkipped.WithLabelValues(st.def.ID).Inc()
		e.log.Debug().Str("analyzer", st.def.ID).Msg("skipping tick: previous run still in flight")
		return
	}
	st.running = true
	st.nextRunAt = time.Now().Add(st.def.Interval())
	st.mu.Unlock()

	defer func() {
		st.mu.Lock()
		st.running = false
		st.mu.Unlock()
	}()

	run := e.execute(ctx, st.def)

	st.mu.Lock()
	st.lastRun = run
	st.mu.Unlock()
}

// execute runs one full detection pass for def: fetch, extract, group and
// threshold, whitelist, push, persist. It fails fast on any step but
// always persists a run row so every outcome is accounted for.
func (e *Engine) execute(ctx context.Context, def *Def) *models.AnalyzerRun {
	startedAt := time.Now().UTC()
	run := &models.AnalyzerRun{AnalyzerID: def.ID, StartedAt: startedAt}

	fail := func(err error) *models.AnalyzerRun {
		ended := time.Now().UTC()
		run.EndedAt = &ended
		run.Status = "error"
		run.ErrorMessage = err.Error()
		metrics.AnalyzerRuns.WithLabelValues(def.ID, "error").Inc()
		e.persistRun(ctx, run, nil)
		return run
	}

	srcCfg, ok := e.sources[def.Source.Ref]
	if !ok {
		return fail(apperr.New(apperr.InvalidConfig, "unknown source ref "+def.Source.Ref))
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	source := newLokiSource(srcCfg, e.timeout)
	entries, err := source.Fetch(fetchCtx, def.Source.Query, def.Lookback(), def.Source.MaxLines)
	if err != nil {
		return fail(err)
	}
	run.LogsFetched = len(entries)

	extractFields(entries, def.Extraction.Fields)
	findings := groupAndThreshold(entries, def.Detection)
	survivors, whitelisted := applyWhitelist(findings, e.wl)
	metrics.AnalyzerDetections.WithLabelValues(def.ID).Add(float64(len(survivors)))
	metrics.AnalyzerWhitelisted.WithLabelValues(def.ID).Add(float64(whitelisted))

	targets := e.resolveTargets(def)
	pushOutcomes := e.pushFindings(ctx, def, survivors, targets)

	run.AlertsGenerated = len(survivors)
	for _, pushed := range pushOutcomes {
		if pushed {
			run.DecisionsPushed++
		}
	}

	if detJSON, err := json.Marshal(survivors); err == nil {
		run.DetectionsJSON = string(detJSON)
	}
	if poJSON, err := json.Marshal(pushOutcomes); err == nil {
		run.PushOutcomesJSON = string(poJSON)
	}

	ended := time.Now().UTC()
	run.EndedAt = &ended
	run.Status = "success"
	metrics.AnalyzerRuns.WithLabelValues(def.ID, "success").Inc()

	results := make([]models.AnalyzerResult, 0, len(survivors))
	for _, f := range survivors {
		results = append(results, models.AnalyzerResult{
			SourceIP:       f.Key,
			DistinctCount:  f.DistinctCount,
			TotalCount:     f.Count,
			FirstSeen:      f.FirstSeen,
			LastSeen:       f.LastSeen,
			DecisionPushed: pushOutcomes[f.Key],
		})
	}
	e.persistRun(ctx, run, results)
	return run
}

// resolveTargets resolves def.Targets to the subset of configured LAPIs
// that carry machine credentials.
func (e *Engine) resolveTargets(def *Def) []lapiclient.Server {
	var names map[string]bool
	if !def.TargetsAll() {
		names = make(map[string]bool)
		for _, n := range def.TargetNames() {
			names[n] = true
		}
	}
	var out []lapiclient.Server
	for _, s := range e.servers {
		if !s.HasMachineCreds() {
			continue
		}
		if names != nil && !names[s.Name] {
			continue
		}
		out = append(out, s)
	}
	return out
}

// pushFindings POSTs one alert per finding to every target LAPI in
// parallel, using the same bounded fan-out helper the Operator API uses
// for its decision search. The return maps a finding's key to whether at
// least one server accepted it.
func (e *Engine) pushFindings(ctx context.Context, def *Def, findings []Finding, targets []lapiclient.Server) map[string]bool {
	pushed := make(map[string]bool, len(findings))
	if len(findings) == 0 || len(targets) == 0 {
		return pushed
	}

	alerts := make([]lapiclient.Alert, 0, len(findings))
	for _, f := range findings {
		alerts = append(alerts, buildAlert(def, f))
	}

	names := make([]string, len(targets))
	byName := make(map[string]lapiclient.Server, len(targets))
	for i, s := range targets {
		names[i] = s.Name
		byName[s.Name] = s
	}

	results := fanout.RunAll(names, maxPushFanout, func(name string) (struct{}, error) {
		pushCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		return struct{}{}, e.lapi.PushAlerts(pushCtx, byName[name], alerts)
	})

	for _, res := range results {
		if res.Err != nil {
			e.log.Warn().Err(res.Err).Str("analyzer", def.ID).Str("lapi", res.Key).Msg("analyzer push failed")
			continue
		}
		for _, f := range findings {
			pushed[f.Key] = true
		}
	}
	return pushed
}

// buildAlert translates one detected Finding into the CrowdSec-shaped
// alert described by the analyzer's decision template.
func buildAlert(def *Def, f Finding) lapiclient.Alert {
	return lapiclient.Alert{
		Scenario:   def.Decision.Scenario,
		Message:    def.Decision.Reason,
		EventCount: f.Count,
		StartAt:    f.FirstSeen.UTC().Format(time.RFC3339),
		StopAt:     f.LastSeen.UTC().Format(time.RFC3339),
		Source:     lapiclient.Source{Scope: def.Decision.Scope, Value: f.Key, IP: f.Key},
		Decisions: []lapiclient.Decision{{
			Type:     def.Decision.Type,
			Scope:    def.Decision.Scope,
			Value:    f.Key,
			Duration: def.Decision.Duration,
			Scenario: def.Decision.Scenario,
			Origin:   "crowdsieve",
		}},
	}
}

func (e *Engine) persistRun(ctx context.Context, run *models.AnalyzerRun, results []models.AnalyzerResult) {
	id, err := e.store.InsertAnalyzerRun(ctx, run)
	if err != nil {
		e.log.Warn().Err(err).Str("analyzer", run.AnalyzerID).Msg("persist analyzer run failed")
		metrics.StorageErrors.WithLabelValues("insert_analyzer_run").Inc()
		return
	}
	run.ID = id
	if len(results) == 0 {
		return
	}
	if err := e.store.InsertAnalyzerResults(ctx, id, results); err != nil {
		e.log.Warn().Err(err).Str("analyzer", run.AnalyzerID).Msg("persist analyzer results failed")
		metrics.StorageErrors.WithLabelValues("insert_analyzer_results").Inc()
	}
}

// ListAnalyzers implements operator.AnalyzerRunner.
func (e *Engine) ListAnalyzers() []operator.AnalyzerSummary {
	states := e.sortedStates()
	out := make([]operator.AnalyzerSummary, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, operator.AnalyzerSummary{
			ID:              st.def.ID,
			Name:            st.def.Name,
			Enabled:         st.def.Enabled,
			IntervalSeconds: int(st.def.Interval().Seconds()),
			Running:         st.running,
			LastRun:         st.lastRun,
			NextRunAt:       st.nextRunAt,
		})
		st.mu.Unlock()
	}
	return out
}

// RunNow implements operator.AnalyzerRunner: triggers an ad-hoc run of
// one analyzer, obeying the same overlap rule as the scheduled ticks.
func (e *Engine) RunNow(ctx context.Context, id string) (*models.AnalyzerRun, error) {
	e.mu.RLock()
	st, ok := e.state[id]
	e.mu.RUnlock()
	if !ok {
		return nil, apperr.New(apperr.NotFound, "unknown analyzer "+id)
	}

	st.mu.Lock()
	if st.running {
		st.mu.Unlock()
		return nil, apperr.New(apperr.InvalidInput, "analyzer "+id+" is already running")
	}
	st.running = true
	st.mu.Unlock()

	defer func() {
		st.mu.Lock()
		st.running = false
		st.mu.Unlock()
	}()

	run := e.execute(ctx, st.def)
	st.mu.Lock()
	st.lastRun = run
	st.mu.Unlock()
	return run, nil
}

var _ operator.AnalyzerRunner = (*Engine)(nil)
