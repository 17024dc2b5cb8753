package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the lifecycle engine. A nil
// *Metrics, or one built with Enabled false, is a safe no-op.
type Metrics struct {
	config MetricsConfig

	// Sweep metrics
	sweepsCompleted prometheus.Counter
	sweepDuration   prometheus.Histogram

	// State machine metrics
	transitions     *prometheus.CounterVec
	packagesInState *prometheus.GaugeVec

	// Validation metrics
	validationFailures *prometheus.CounterVec

	// Handoff metrics
	submissions *prometheus.CounterVec

	// Manifest metrics
	manifestOutcomes *prometheus.CounterVec

	// Failure metrics
	failureClasses *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.SweepDurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		sweepsCompleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweeps_completed_total",
				Help:      "Total number of officer sweeps completed",
			},
		),
		sweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sweep_duration_seconds",
				Help:      "Duration of officer sweeps in seconds",
				Buckets:   buckets,
			},
		),

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "package_transitions_total",
				Help:      "Total number of package state transitions",
			},
			[]string{"from", "to"},
		),
		packagesInState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "packages_in_state",
				Help:      "Current number of packages per lifecycle state",
			},
			[]string{"state"},
		),

		validationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validation_failures_total",
				Help:      "Total number of validation gate failures by level",
			},
			[]string{"level"},
		),

		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handoff_submissions_total",
				Help:      "Total number of handoff submission attempts by outcome",
			},
			[]string{"outcome"},
		),

		manifestOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "manifest_entries_total",
				Help:      "Total number of manifest entries created by status",
			},
			[]string{"status"},
		),

		failureClasses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failures_classified_total",
				Help:      "Total number of failures resolved by recovery, by class",
			},
			[]string{"class"},
		),
	}

	registry.MustRegister(
		m.sweepsCompleted,
		m.sweepDuration,
		m.transitions,
		m.packagesInState,
		m.validationFailures,
		m.submissions,
		m.manifestOutcomes,
		m.failureClasses,
	)

	return m, nil
}

// ObserveSweep records a completed sweep and its duration.
func (m *Metrics) ObserveSweep(duration time.Duration) {
	if m == nil || m.sweepsCompleted == nil {
		return
	}
	m.sweepsCompleted.Inc()
	m.sweepDuration.Observe(duration.Seconds())
}

// ObserveTransition increments the transition counter for a state pair.
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// SetPackagesInState sets the package population gauge for a state.
func (m *Metrics) SetPackagesInState(state string, count int) {
	if m == nil || m.packagesInState == nil {
		return
	}
	m.packagesInState.WithLabelValues(state).Set(float64(count))
}

// ObserveValidationFailure increments the validation failure counter.
func (m *Metrics) ObserveValidationFailure(level string) {
	if m == nil || m.validationFailures == nil {
		return
	}
	m.validationFailures.WithLabelValues(level).Inc()
}

// ObserveSubmission records a handoff submission attempt outcome
// ("submitted", "denied", "error").
func (m *Metrics) ObserveSubmission(outcome string) {
	if m == nil || m.submissions == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

// ObserveManifestOutcome records one manifest entry by its status.
func (m *Metrics) ObserveManifestOutcome(status string) {
	if m == nil || m.manifestOutcomes == nil {
		return
	}
	m.manifestOutcomes.WithLabelValues(status).Inc()
}

// ObserveFailureClass records a recovery classification.
func (m *Metrics) ObserveFailureClass(class string) {
	if m == nil || m.failureClasses == nil {
		return
	}
	m.failureClasses.WithLabelValues(class).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
