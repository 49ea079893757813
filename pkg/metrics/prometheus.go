package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector using Prometheus metrics
type PrometheusCollector struct {
	stateTransitions *prometheus.CounterVec
	launchDuration   *prometheus.HistogramVec
	instancesLive    prometheus.Gauge
	allocationErrors *prometheus.CounterVec
	connectRetries   prometheus.Counter
	handshakeBusy    prometheus.Counter
	stepDuration     *prometheus.HistogramVec
	reapedProcesses  prometheus.Counter
	reapSurvivors    prometheus.Counter

	registry *prometheus.Registry
}

// NewPrometheusCollector creates a collector registered on its own registry
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	if namespace == "" {
		namespace = "simbridge"
	}

	pc := &PrometheusCollector{
		registry: prometheus.NewRegistry(),
	}

	pc.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_state_transitions_total",
			Help:      "Total number of engine instance state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	// Engines take minutes to boot, so the buckets are coarse
	pc.launchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "instance_launch_duration_seconds",
			Help:      "Time from process start to readiness marker",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)

	pc.instancesLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_instances",
			Help:      "Number of engine instances registered in the pool",
		},
	)

	pc.allocationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_allocation_errors_total",
			Help:      "Failed instance allocations by error code",
		},
		[]string{"code"},
	)

	pc.connectRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_connect_retries_total",
			Help:      "Retried connection attempts to engine instances",
		},
	)

	pc.handshakeBusy = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_handshake_busy_total",
			Help:      "Busy replies received during mission handshake",
		},
	)

	pc.stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bridge_step_duration_seconds",
			Help:      "Round-trip duration of a step",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		},
		[]string{"status"},
	)

	pc.reapedProcesses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reap_processes_total",
			Help:      "Processes signalled by the reap algorithm",
		},
	)

	pc.reapSurvivors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reap_survivors_total",
			Help:      "Processes still alive after forceful termination",
		},
	)

	pc.registry.MustRegister(
		pc.stateTransitions,
		pc.launchDuration,
		pc.instancesLive,
		pc.allocationErrors,
		pc.connectRetries,
		pc.handshakeBusy,
		pc.stepDuration,
		pc.reapedProcesses,
		pc.reapSurvivors,
	)

	return pc
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// StateTransition records a state transition
func (pc *PrometheusCollector) StateTransition(from, to string) {
	pc.stateTransitions.WithLabelValues(from, to).Inc()
}

// LaunchDuration records engine boot time
func (pc *PrometheusCollector) LaunchDuration(duration time.Duration, err error) {
	pc.launchDuration.WithLabelValues(status(err == nil)).Observe(duration.Seconds())
}

// InstancesLive sets the pool size gauge
func (pc *PrometheusCollector) InstancesLive(n int) {
	pc.instancesLive.Set(float64(n))
}

// AllocationError counts a failed allocation
func (pc *PrometheusCollector) AllocationError(code string) {
	pc.allocationErrors.WithLabelValues(code).Inc()
}

// ConnectRetry counts a retried connection
func (pc *PrometheusCollector) ConnectRetry() {
	pc.connectRetries.Inc()
}

// HandshakeBusy counts a busy handshake reply
func (pc *PrometheusCollector) HandshakeBusy() {
	pc.handshakeBusy.Inc()
}

// StepDuration records a step round trip
func (pc *PrometheusCollector) StepDuration(duration time.Duration, success bool) {
	pc.stepDuration.WithLabelValues(status(success)).Observe(duration.Seconds())
}

// Reap records reap outcomes
func (pc *PrometheusCollector) Reap(processes int, survivors int) {
	pc.reapedProcesses.Add(float64(processes))
	pc.reapSurvivors.Add(float64(survivors))
}

// Registry returns the Prometheus registry for HTTP handler setup
func (pc *PrometheusCollector) Registry() *prometheus.Registry {
	return pc.registry
}

// Compile-time interface compliance check
var _ Collector = (*PrometheusCollector)(nil)
