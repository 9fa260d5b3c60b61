package daemon

import (
	"sync"
	"sync/atomic"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/cernvm/cernvm-webapi/internal/hypervisor"
	"github.com/cernvm/cernvm-webapi/internal/logging"
	"github.com/cernvm/cernvm-webapi/internal/metrics"
)

// Probe timeouts in seconds: the short probe runs while the API is
// believed offline, the long probe re-checks an online API every
// longEvery ticks.
const (
	shortProbeTimeout = 1
	longProbeTimeout  = 10
)

// Monitor is the per-session background loop: it syncs driver state and
// tracks in-guest API reachability with hysteresis, emitting
// apiStateChanged transitions to the owning connection.
type Monitor struct {
	rec *SessionRecord
	log *logging.Logger

	interval    time.Duration
	longEvery   int
	downRetries int

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}

	// Single-holder guard: at most one tick runs at a time.
	running atomic.Bool

	mu             sync.Mutex
	apiOnline      bool
	apiCounter     int
	apiDownCounter int
}

func newMonitor(rec *SessionRecord, core *Core) *Monitor {
	return &Monitor{
		rec:         rec,
		log:         core.log.WithComponent("monitor"),
		interval:    core.monitorInterval,
		longEvery:   core.cfg.Monitor.LongProbeEvery,
		downRetries: core.cfg.Monitor.APIDownRetries,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the tick loop. Idempotent.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		go m.loop()
	})
}

// Stop terminates the tick loop. Idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Tick()
		}
	}
}

// Tick runs one monitor iteration. Exported so tests can drive the
// monitor without waiting on the ticker.
func (m *Monitor) Tick() {
	if !m.rec.acceptPeriodic.Load() || m.rec.aborting.Load() {
		return
	}
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	defer m.running.Store(false)

	metrics.Get().MonitorTicks.Inc()

	sess := m.rec.Session()
	if err := sess.Update(false); err != nil {
		m.log.Debug("driver state sync failed", "uuid", m.rec.UUID(), "error", err)
		return
	}

	state := hypervisor.State(sess.Local().GetNum(hypervisor.LocalState, 0))
	apiURL := apiURLOf(sess)

	if state != hypervisor.StateRunning {
		m.setOffline(apiURL)
		return
	}

	m.mu.Lock()
	online := m.apiOnline
	m.mu.Unlock()

	if !online {
		if !m.guestReachable(sess) {
			return
		}
		if sess.IsAPIAlive(hypervisor.ProbeHTTP, shortProbeTimeout) {
			metrics.Get().APIProbesTotal.WithLabelValues("hit").Inc()
			m.mu.Lock()
			m.apiOnline = true
			m.apiCounter = 0
			m.apiDownCounter = 0
			m.mu.Unlock()
			m.emitAPIState(true, apiURL)
		} else {
			metrics.Get().APIProbesTotal.WithLabelValues("miss").Inc()
		}
		return
	}

	// Online: re-check with the long probe every longEvery ticks, and
	// only declare the API dead after downRetries consecutive misses.
	m.mu.Lock()
	m.apiCounter++
	due := m.apiCounter >= m.longEvery
	if due {
		m.apiCounter = 0
	}
	m.mu.Unlock()
	if !due {
		return
	}

	if sess.IsAPIAlive(hypervisor.ProbeHTTP, longProbeTimeout) {
		metrics.Get().APIProbesTotal.WithLabelValues("hit").Inc()
		m.mu.Lock()
		m.apiDownCounter = 0
		m.mu.Unlock()
		return
	}

	metrics.Get().APIProbesTotal.WithLabelValues("miss").Inc()
	m.mu.Lock()
	m.apiDownCounter++
	dead := m.apiDownCounter >= m.downRetries
	if dead {
		m.apiOnline = false
		m.apiDownCounter = 0
	}
	m.mu.Unlock()
	if dead {
		m.emitAPIState(false, apiURL)
	}
}

// HandleStateChange forces the API offline when the session leaves
// RUNNING, so apiStateChanged(false) follows the stateChanged event
// immediately instead of waiting for the next tick.
func (m *Monitor) HandleStateChange(state hypervisor.State) {
	if state == hypervisor.StateRunning {
		return
	}
	m.setOffline(apiURLOf(m.rec.Session()))
}

// APIOnline reports the current belief about the in-guest API.
func (m *Monitor) APIOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apiOnline
}

func (m *Monitor) setOffline(apiURL string) {
	m.mu.Lock()
	wasOnline := m.apiOnline
	m.apiOnline = false
	m.apiCounter = 0
	m.apiDownCounter = 0
	m.mu.Unlock()
	if wasOnline {
		m.emitAPIState(false, apiURL)
	}
}

func (m *Monitor) emitAPIState(online bool, apiURL string) {
	if online {
		metrics.Get().APIStateChanges.WithLabelValues("true").Inc()
	} else {
		metrics.Get().APIStateChanges.WithLabelValues("false").Inc()
	}
	m.rec.sendEvent("apiStateChanged", []any{online, apiURL})
}

// guestReachable pings the guest IP once before the first HTTP probe.
// Sessions without a known IP skip the check.
func (m *Monitor) guestReachable(sess hypervisor.Session) bool {
	ip := sess.Parameters().Get("ip", "")
	if ip == "" {
		return true
	}

	pinger, err := probing.NewPinger(ip)
	if err != nil {
		return true
	}
	pinger.Count = 1
	pinger.Timeout = time.Second
	pinger.SetPrivileged(false)
	if err := pinger.Run(); err != nil {
		return true
	}
	return pinger.Statistics().PacketsRecv > 0
}
