// Package metrics exposes the daemon's Prometheus registry. Served from
// /metrics on the loopback listener.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all daemon metrics.
type Registry struct {
	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	ActionsTotal      *prometheus.CounterVec
	FramesDropped     prometheus.Counter

	// Session metrics
	SessionsActive prometheus.Gauge
	SessionsOpened prometheus.Counter
	FailuresTotal  *prometheus.CounterVec

	// Workflow metrics
	RequestsTotal     *prometheus.CounterVec
	InstallsTotal     *prometheus.CounterVec
	InteractionsTotal *prometheus.CounterVec
	ThrottleBlocks    prometheus.Counter

	// Monitor metrics
	APIProbesTotal  *prometheus.CounterVec
	APIStateChanges *prometheus.CounterVec
	MonitorTicks    prometheus.Counter
	KeystoreRefresh *prometheus.CounterVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webapi_connections_active",
		Help: "Number of live WebSocket connections",
	})
	r.ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webapi_connections_total",
		Help: "Total WebSocket connections accepted",
	})
	r.ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webapi_actions_total",
		Help: "Inbound actions by name",
	}, []string{"action"})
	r.FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webapi_frames_dropped_total",
		Help: "Outbound frames dropped because the client stopped reading",
	})

	r.SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webapi_sessions_active",
		Help: "Sessions registered in the core",
	})
	r.SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webapi_sessions_opened_total",
		Help: "Successful session opens",
	})
	r.FailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webapi_failures_total",
		Help: "Workflow failures by wire code",
	}, []string{"code"})

	r.RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webapi_session_requests_total",
		Help: "requestSession workflows by outcome",
	}, []string{"outcome"})
	r.InstallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webapi_installer_runs_total",
		Help: "Installer workflows by outcome",
	}, []string{"outcome"})
	r.InteractionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webapi_interactions_total",
		Help: "User interaction prompts by kind",
	}, []string{"kind"})
	r.ThrottleBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webapi_throttle_blocks_total",
		Help: "Connections latched shut by the denial throttle",
	})

	r.APIProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webapi_api_probes_total",
		Help: "In-guest API probes by result",
	}, []string{"result"})
	r.APIStateChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webapi_api_state_changes_total",
		Help: "apiStateChanged events by direction",
	}, []string{"online"})
	r.MonitorTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webapi_monitor_ticks_total",
		Help: "Session monitor ticks executed",
	})
	r.KeystoreRefresh = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webapi_keystore_refresh_total",
		Help: "Keystore refresh attempts by result",
	}, []string{"result"})

	return r
}
