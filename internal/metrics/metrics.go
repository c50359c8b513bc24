package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the pipeline's prometheus collectors. One instance per
// process, registered against its own registry so tests can construct
// isolated copies.
type Metrics struct {
	Registry *prometheus.Registry

	TicksIngested    *prometheus.CounterVec
	MalformedFrames  *prometheus.CounterVec
	Reconnects       *prometheus.CounterVec
	FeedExhausted    *prometheus.CounterVec
	Evaluations      prometheus.Counter
	EvaluationErrors prometheus.Counter
	AlertsFired      *prometheus.CounterVec
	DispatchFailures *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
}

// New builds a Metrics set backed by a fresh registry.
func New(prefix string) *Metrics {
	if prefix == "" {
		prefix = "tickwatcher"
	}

	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,
		TicksIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: prefix,
			Name:      "ticks_ingested_total",
			Help:      "Normalized ticks appended to the history store.",
		}, []string{"symbol"}),
		MalformedFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: prefix,
			Name:      "malformed_frames_total",
			Help:      "Feed frames dropped because they could not be normalized.",
		}, []string{"key"}),
		Reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: prefix,
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled after abnormal closes.",
		}, []string{"key"}),
		FeedExhausted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: prefix,
			Name:      "feed_exhausted_total",
			Help:      "Connections that gave up after exceeding max attempts.",
		}, []string{"key"}),
		Evaluations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: prefix,
			Name:      "rule_evaluations_total",
			Help:      "Rule evaluations performed.",
		}),
		EvaluationErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: prefix,
			Name:      "rule_evaluation_errors_total",
			Help:      "Rule evaluations that failed and were skipped.",
		}),
		AlertsFired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: prefix,
			Name:      "alerts_fired_total",
			Help:      "Alerts admitted past the dedup gate and dispatched.",
		}, []string{"symbol", "condition"}),
		DispatchFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: prefix,
			Name:      "dispatch_failures_total",
			Help:      "Per-channel notification delivery failures.",
		}, []string{"channel"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: prefix,
			Name:      "evaluation_queue_depth",
			Help:      "Evaluation jobs waiting for a worker.",
		}),
	}
}
