package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "condsched",
			Subsystem: "task",
			Name:      "launches_total",
			Help:      "Number of task instances launched.",
		}, []string{"task", "mode"},
	)
	outcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "condsched",
			Subsystem: "task",
			Name:      "outcomes_total",
			Help:      "Number of finished task instances by recorded action.",
		}, []string{"task", "action"},
	)
	terminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "condsched",
			Subsystem: "task",
			Name:      "termination_requests_total",
			Help:      "Number of termination requests issued.",
		}, []string{"task"},
	)
	liveInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "condsched",
			Subsystem: "task",
			Name:      "live_instances",
			Help:      "Current live instances per task.",
		}, []string{"task"},
	)
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "condsched",
			Subsystem: "task",
			Name:      "run_duration_seconds",
			Help:      "Observed time between launch and observed death.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"},
	)
	cycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "condsched",
			Subsystem: "scheduler",
			Name:      "cycles_total",
			Help:      "Number of scheduler cycles executed.",
		},
	)
	admissionRefusals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "condsched",
			Subsystem: "scheduler",
			Name:      "admission_refusals_total",
			Help:      "Number of launches skipped because the pool was full.",
		}, []string{"task", "mode"},
	)
	freeProcessSlots = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "condsched",
			Subsystem: "scheduler",
			Name:      "free_process_slots",
			Help:      "Process slots left before max_process_count is reached.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{launches, outcomes, terminations, liveInstances, runDuration, cycles, admissionRefusals, freeProcessSlots}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by the scheduler to record metrics.
// They no-op if Register hasn't been called.

func IncLaunch(task, mode string) {
	if regOK.Load() {
		launches.WithLabelValues(task, mode).Inc()
	}
}

func IncOutcome(task, action string) {
	if regOK.Load() {
		outcomes.WithLabelValues(task, action).Inc()
	}
}

func IncTerminationRequest(task string) {
	if regOK.Load() {
		terminations.WithLabelValues(task).Inc()
	}
}

func SetLiveInstances(task string, n int) {
	if regOK.Load() {
		liveInstances.WithLabelValues(task).Set(float64(n))
	}
}

func ObserveRunDuration(task string, seconds float64) {
	if regOK.Load() {
		runDuration.WithLabelValues(task).Observe(seconds)
	}
}

func IncCycle() {
	if regOK.Load() {
		cycles.Inc()
	}
}

func IncAdmissionRefusal(task, mode string) {
	if regOK.Load() {
		admissionRefusals.WithLabelValues(task, mode).Inc()
	}
}

func SetFreeProcessSlots(n int) {
	if regOK.Load() {
		freeProcessSlots.Set(float64(n))
	}
}
