// Package metrics exposes the prometheus collectors shared by the
// Metadata Server and Worker Agent.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

var (
	NodesTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spearctl_nodes_total",
		Help: "Number of registered nodes by status.",
	}, []string{"status"})

	TasksTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spearctl_tasks_total",
		Help: "Number of registered tasks.",
	}, []string{"status"})

	InstancesTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spearctl_instances_total",
		Help: "Number of known instances by status.",
	}, []string{"status"})

	EventsAppendedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spearctl_events_appended_total",
		Help: "Envelopes appended to the event bus, per stream class.",
	}, []string{"stream_class"})

	EventsPrunedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spearctl_events_pruned_total",
		Help: "Envelopes pruned by retention, per stream class.",
	}, []string{"stream_class"})

	EventPublishDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "spearctl_event_publish_duration_seconds",
		Help: "Time to append one envelope across its target streams.",
	})

	ProjectionCheckpoint = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spearctl_projection_checkpoint",
		Help: "Last applied event sequence per projection.",
	}, []string{"projection"})

	ProjectionApplyErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spearctl_projection_apply_errors_total",
		Help: "Undecodable or rejected envelopes observed by a projection.",
	}, []string{"projection"})

	PlacementCandidatesReturned = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "spearctl_placement_candidates_returned",
		Help: "Number of candidates returned per placement request.",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
	})

	PlacementSpillbacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spearctl_placement_spillbacks_total",
		Help: "Spillback attempts, labeled by outcome class.",
	}, []string{"outcome"})

	PlacementLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "spearctl_placement_latency_seconds",
		Help: "Time to score and rank candidates for one placement request.",
	})

	ExecutionLogAppendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spearctl_execution_log_appends_total",
		Help: "Accepted execution log line appends, by result.",
	}, []string{"result"})

	ExecutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spearctl_executions_total",
		Help: "Executions submitted by the worker agent, by terminal status.",
	}, []string{"status"})

	RuntimeOperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "spearctl_runtime_operation_duration_seconds",
		Help: "Duration of runtime operations, by runtime variant and op.",
	}, []string{"runtime", "op"})

	WorkerHeartbeatsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spearctl_worker_heartbeats_total",
		Help: "Heartbeats sent by worker agents, by result.",
	}, []string{"result"})

	WorkerReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spearctl_worker_reconnects_total",
		Help: "Number of times a worker agent reconnected to the metadata server.",
	})
)

func init() {
	prometheus.MustRegister(
		NodesTotal,
		TasksTotal,
		InstancesTotal,
		EventsAppendedTotal,
		EventsPrunedTotal,
		EventPublishDuration,
		ProjectionCheckpoint,
		ProjectionApplyErrors,
		PlacementCandidatesReturned,
		PlacementSpillbacksTotal,
		PlacementLatency,
		ExecutionLogAppendsTotal,
		ExecutionsTotal,
		RuntimeOperationDuration,
		WorkerHeartbeatsTotal,
		WorkerReconnectsTotal,
	)
}

// Handler exposes the prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's wall-clock duration.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time against a histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time against a histogram vec.
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time without recording it.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
