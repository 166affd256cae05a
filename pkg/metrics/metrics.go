// Package metrics exposes prometheus instrumentation for the provisioning core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "metalprov"

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	commandDuration  *prometheus.SummaryVec
	commandErrors    *prometheus.CounterVec
	powerTransitions *prometheus.CounterVec
	powerPolls       *prometheus.HistogramVec
	deployments      *prometheus.CounterVec
	deployDuration   *prometheus.HistogramVec
	lockWait         *prometheus.HistogramVec
	lockContention   *prometheus.CounterVec
	remoteCalls      *prometheus.CounterVec
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commandDuration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Namespace:  namespace,
			Subsystem:  "process",
			Name:       "command_duration_seconds",
			Help:       "How long in seconds external command execution takes.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, []string{"command"}),
		commandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "command_errors_total",
			Help:      "External commands that exited with an unexpected code after all attempts.",
		}, []string{"command"}),
		powerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "power",
			Name:      "transitions_total",
			Help:      "Power state transitions by target state and result.",
		}, []string{"target", "result"}),
		powerPolls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "power",
			Name:      "polls",
			Help:      "Status polls needed before a power transition converged or gave up.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}, []string{"target"}),
		deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deploy",
			Name:      "total",
			Help:      "Deploy attempts by result.",
		}, []string{"result"}),
		deployDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "deploy",
			Name:      "duration_seconds",
			Help:      "Duration of a deploy attempt in seconds.",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 8), // 10s to ~21min
		}, []string{"result"}),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a node lock.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"mode"}),
		lockContention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "contention_total",
			Help:      "Lock acquisitions refused because the node was held.",
		}, []string{"mode"}),
		remoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "calls_total",
			Help:      "Remote API calls by method and result.",
		}, []string{"method", "result"}),
	}

	m.registry.MustRegister(
		m.commandDuration,
		m.commandErrors,
		m.powerTransitions,
		m.powerPolls,
		m.deployments,
		m.deployDuration,
		m.lockWait,
		m.lockContention,
		m.remoteCalls,
	)
	return m
}

// Registry returns the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveCommand(command string, elapsed time.Duration, failed bool) {
	if m == nil {
		return
	}
	command = strings.ToLower(command)
	m.commandDuration.WithLabelValues(command).Observe(elapsed.Seconds())
	if failed {
		m.commandErrors.WithLabelValues(command).Inc()
	}
}

func (m *Metrics) ObservePowerTransition(target string, polls int, converged bool) {
	if m == nil {
		return
	}
	m.powerTransitions.WithLabelValues(target, result(converged)).Inc()
	m.powerPolls.WithLabelValues(target).Observe(float64(polls))
}

func (m *Metrics) ObserveDeploy(elapsed time.Duration, succeeded bool) {
	if m == nil {
		return
	}
	r := result(succeeded)
	m.deployments.WithLabelValues(r).Inc()
	m.deployDuration.WithLabelValues(r).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveLockWait(mode string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.WithLabelValues(mode).Observe(elapsed.Seconds())
}

func (m *Metrics) IncLockContention(mode string) {
	if m == nil {
		return
	}
	m.lockContention.WithLabelValues(mode).Inc()
}

func (m *Metrics) ObserveRemoteCall(method string, succeeded bool) {
	if m == nil {
		return
	}
	m.remoteCalls.WithLabelValues(method, result(succeeded)).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
