// Package metrics implements the metrics sink: monotonic counters and a
// bounded failure-reason breakdown, all safe under concurrent writers,
// backed by github.com/prometheus/client_golang.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the process-wide metrics surface. It is constructed once by the
// orchestrator root and passed into every component that records metrics.
type Sink struct {
	devicesConnected    prometheus.Counter
	devicesDisconnected prometheus.Counter
	sessionsStarted     prometheus.Counter
	sessionsStopped     prometheus.Counter
	sessionsFailed      prometheus.Counter
	portAllocFailures   prometheus.Counter

	sessionFailureReasons *prometheus.CounterVec
	pluginUnhealthy       *prometheus.CounterVec
	pluginRestarts        *prometheus.CounterVec

	// atomic counters mirror the Prometheus counters so Snapshot() can be
	// read without touching the Prometheus registry's internal collect
	// path, and so the derived success-rate calculation never observes a
	// partial update.
	devicesConnectedN    uint64
	devicesDisconnectedN uint64
	started              int64
	stopped              uint64
	failed               int64
	portAllocFailuresN   uint64

	mu               sync.Mutex
	failureReasons   map[string]uint64
	pluginUnhealthyN map[string]uint64
	pluginRestartN   map[string]uint64
}

// Snapshot is an external, independent copy of the sink's current values.
// Mutating a Snapshot never affects the Sink.
type Snapshot struct {
	DevicesConnectedTotal    uint64
	DevicesDisconnectedTotal uint64
	SessionsStartedTotal     uint64
	SessionsStoppedTotal     uint64
	SessionsFailedTotal      uint64
	PortAllocationFailures   uint64
	SessionFailureReasons    map[string]uint64
	PluginUnhealthyTotal     map[string]uint64
	PluginRestartTotal       map[string]uint64
	SessionStartSuccessRate  float64
}

// New registers the sink's vectors on reg (typically
// prometheus.NewRegistry(), wired into the admin HTTP server).
func New(reg prometheus.Registerer) *Sink {
	s := &Sink{
		devicesConnected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicefarmd_devices_connected_total",
			Help: "Total number of device-connected events observed.",
		}),
		devicesDisconnected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicefarmd_devices_disconnected_total",
			Help: "Total number of device-disconnected events observed.",
		}),
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicefarmd_sessions_started_total",
			Help: "Total number of sessions started successfully.",
		}),
		sessionsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicefarmd_sessions_stopped_total",
			Help: "Total number of sessions stopped.",
		}),
		sessionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicefarmd_sessions_failed_total",
			Help: "Total number of sessions that failed to start.",
		}),
		portAllocFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicefarmd_port_allocation_failures_total",
			Help: "Total number of port allocation failures.",
		}),
		sessionFailureReasons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicefarmd_session_failure_reasons_total",
			Help: "Session failures by reason.",
		}, []string{"reason"}),
		pluginUnhealthy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicefarmd_plugin_unhealthy_total",
			Help: "Plugin health-check failures by plugin instance.",
		}, []string{"plugin"}),
		pluginRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicefarmd_plugin_restart_total",
			Help: "Plugin restarts by plugin instance.",
		}, []string{"plugin"}),
		failureReasons:   make(map[string]uint64),
		pluginUnhealthyN: make(map[string]uint64),
		pluginRestartN:   make(map[string]uint64),
	}

	if reg != nil {
		reg.MustRegister(
			s.devicesConnected, s.devicesDisconnected,
			s.sessionsStarted, s.sessionsStopped, s.sessionsFailed,
			s.portAllocFailures, s.sessionFailureReasons,
			s.pluginUnhealthy, s.pluginRestarts,
		)
	}

	return s
}

func (s *Sink) RecordDeviceConnected() {
	s.devicesConnected.Inc()
	atomic.AddUint64(&s.devicesConnectedN, 1)
}

func (s *Sink) RecordDeviceDisconnected() {
	s.devicesDisconnected.Inc()
	atomic.AddUint64(&s.devicesDisconnectedN, 1)
}

func (s *Sink) RecordSessionStarted() {
	s.sessionsStarted.Inc()
	atomic.AddInt64(&s.started, 1)
}

func (s *Sink) RecordSessionStopped() {
	s.sessionsStopped.Inc()
	atomic.AddUint64(&s.stopped, 1)
}

// RecordSessionFailed records a session start failure under the given
// reason (e.g. "NoPortsAvailable", "LaunchFailed"). platform is accepted
// but not recorded.
func (s *Sink) RecordSessionFailed(platform, reason string) {
	s.sessionsFailed.Inc()
	atomic.AddInt64(&s.failed, 1)
	s.sessionFailureReasons.WithLabelValues(reason).Inc()

	s.mu.Lock()
	s.failureReasons[reason]++
	s.mu.Unlock()
	_ = platform // not recorded: the only label is the reason
}

func (s *Sink) RecordPortAllocationFailure() {
	s.portAllocFailures.Inc()
	atomic.AddUint64(&s.portAllocFailuresN, 1)
}

// RecordPluginUnhealthy increments the unhealthy counter for a plugin
// instance key (pluginId or pluginId:deviceId).
func (s *Sink) RecordPluginUnhealthy(instanceKey string) {
	s.pluginUnhealthy.WithLabelValues(instanceKey).Inc()
	s.mu.Lock()
	s.pluginUnhealthyN[instanceKey]++
	s.mu.Unlock()
}

// RecordPluginRestart increments the restart counter for a plugin instance.
func (s *Sink) RecordPluginRestart(instanceKey string) {
	s.pluginRestarts.WithLabelValues(instanceKey).Inc()
	s.mu.Lock()
	s.pluginRestartN[instanceKey]++
	s.mu.Unlock()
}

// Snapshot returns an independent copy of the sink's current values.
// Returns 100% for SessionStartSuccessRate when started+failed == 0.
func (s *Sink) Snapshot() Snapshot {
	started := atomic.LoadInt64(&s.started)
	failed := atomic.LoadInt64(&s.failed)

	rate := 100.0
	if total := started + failed; total > 0 {
		rate = 100.0 * float64(started) / float64(total)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		DevicesConnectedTotal:    atomic.LoadUint64(&s.devicesConnectedN),
		DevicesDisconnectedTotal: atomic.LoadUint64(&s.devicesDisconnectedN),
		SessionsStartedTotal:     uint64(started),
		SessionsStoppedTotal:     atomic.LoadUint64(&s.stopped),
		SessionsFailedTotal:      uint64(failed),
		PortAllocationFailures:   atomic.LoadUint64(&s.portAllocFailuresN),
		SessionFailureReasons:    copyMap(s.failureReasons),
		PluginUnhealthyTotal:     copyMap(s.pluginUnhealthyN),
		PluginRestartTotal:       copyMap(s.pluginRestartN),
		SessionStartSuccessRate:  rate,
	}
}

func copyMap(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
