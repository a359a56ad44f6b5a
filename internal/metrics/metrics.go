// Package metrics defines the prometheus instrumentation surface shared by
// every component. Metrics are constructed once here via promauto and
// injected nowhere — components call the package-level vars directly, the
// same convention the rest of this service's lineage uses.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const ns = "crowdsieve"

var (
	AlertsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "alerts_ingested_total",
		Help:      "Alerts received on the signals endpoints.",
	}, []string{"version"})

	AlertsFiltered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "alerts_filtered_total",
		Help:      "Alerts dropped by the filter engine.",
	}, []string{"rule"})

	AlertsForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "alerts_forwarded_total",
		Help:      "Alerts forwarded to CAPI.",
	}, []string{"version", "status"})

	UpstreamCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "upstream_call_duration_seconds",
		Help:      "Duration of outbound CAPI/LAPI/Loki calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"target", "outcome"})

	StorageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "storage_errors_total",
		Help:      "Storage operations that returned an error.",
	}, []string{"op"})

	AnalyzerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "analyzer_runs_total",
		Help:      "Analyzer run outcomes.",
	}, []string{"analyzer", "status"})

	AnalyzerRunsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "analyzer_runs_skipped_total",
		Help:      "Analyzer ticks skipped because a run was already in flight.",
	}, []string{"analyzer"})

	AnalyzerDetections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "analyzer_detections_total",
		Help:      "Detections emitted by an analyzer run.",
	}, []string{"analyzer"})

	AnalyzerWhitelisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "analyzer_whitelisted_total",
		Help:      "Detections suppressed by the analyzer whitelist.",
	}, []string{"analyzer"})

	ValidatorCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "validator_cache_result_total",
		Help:      "Client validator cache outcomes.",
	}, []string{"tier", "result"})

	StorageSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "storage_size_bytes",
		Help:      "Size of the embedded storage backend on disk.",
	})
)
