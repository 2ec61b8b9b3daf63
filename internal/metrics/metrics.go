// Package metrics exposes per-stage counters and latency histograms over
// Prometheus (SPEC_FULL.md §2B), in the style of the wider pack's CDC-sink
// lineage stage metrics: one vector per counter, labeled by sync_def_id and
// stage, served over a small chi mux alongside /healthz.
package metrics

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// stageLabels tags every counter/histogram by which engine produced it and
// which definition it ran against, mirroring stage-level metrics keyed by
// table name in the wider pack.
var stageLabels = []string{"stage", "sync_def_id"}

var latencyBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

var (
	rowsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arcore_rows_processed_total",
		Help: "rows processed by a sync run, by outcome",
	}, append(stageLabels, "outcome"))

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arcore_stage_duration_seconds",
		Help:    "wall-clock duration of one push/ingress run",
		Buckets: latencyBuckets,
	}, stageLabels)

	cdcQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arcore_cdc_queue_depth",
		Help: "observed durable-queue depth at the last backpressure check",
	}, []string{"instance_id"})
)

// Outcome mirrors the per-row classification push/ingress/CDC consumer
// already track in their Result counters.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
	OutcomeConflict  Outcome = "conflict_skipped"
)

// ObserveRow increments the per-stage, per-outcome row counter.
func ObserveRow(stage, syncDefID string, outcome Outcome) {
	rowsProcessed.WithLabelValues(stage, syncDefID, string(outcome)).Inc()
}

// ObserveRunDuration records one run's wall-clock duration.
func ObserveRunDuration(stage, syncDefID string, seconds float64) {
	stageDuration.WithLabelValues(stage, syncDefID).Observe(seconds)
}

// ObserveQueueDepth records a CDC ingestion worker's last-seen queue depth.
func ObserveQueueDepth(instanceID string, depth int64) {
	cdcQueueDepth.WithLabelValues(instanceID).Set(float64(depth))
}

// Mux builds the ambient observability surface: /metrics (Prometheus text
// exposition) and /healthz (liveness), served separately from the
// out-of-scope control-plane API (SPEC_FULL.md §2B).
func Mux() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}
