package metrics

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	// regOK opens the helpers once any registerer holds the collectors.
	regOK atomic.Bool

	regMu      sync.Mutex
	registered = map[prometheus.Registerer]bool{}

	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "couchctl",
			Name:      "operation_total",
			Help:      "Lifecycle operations by component, operation and outcome.",
		}, []string{"component", "operation", "outcome"},
	)
	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "couchctl",
			Name:      "operation_duration_seconds",
			Help:      "Wall time of lifecycle operations.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"component", "operation"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "couchctl",
			Subsystem: "managed",
			Name:      "state_transitions_total",
			Help:      "State transitions of the managed database server.",
		}, []string{"from", "to"},
	)
	managedRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "couchctl",
			Subsystem: "managed",
			Name:      "running",
			Help:      "1 while the managed database server is running.",
		},
	)
)

// Register registers all metrics with the provided registerer. Every
// registerer gets the same collectors; repeated calls for one are no-ops.
func Register(r prometheus.Registerer) error {
	regMu.Lock()
	defer regMu.Unlock()
	if registered[r] {
		return nil
	}
	cs := []prometheus.Collector{operations, operationDuration, stateTransitions, managedRunning}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	registered[r] = true
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer (tests, embedded registries).
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// The helpers below no-op until Register has been called.

// ObserveOperation counts one finished operation and records its duration.
func ObserveOperation(component, operation string, success bool, elapsed time.Duration) {
	if !regOK.Load() {
		return
	}
	outcome := OutcomeFailure
	if success {
		outcome = OutcomeSuccess
	}
	operations.WithLabelValues(component, operation, outcome).Inc()
	operationDuration.WithLabelValues(component, operation).Observe(elapsed.Seconds())
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func SetManagedRunning(running bool) {
	if regOK.Load() {
		v := 0.0
		if running {
			v = 1
		}
		managedRunning.Set(v)
	}
}
