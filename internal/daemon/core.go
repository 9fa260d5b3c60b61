// Package daemon implements the connection-and-session orchestration
// core: the process-wide registry, the per-WebSocket connection actor,
// the requestSession workflow with its installer gate, and the
// per-session monitor loop.
package daemon

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cernvm/cernvm-webapi/internal/clock"
	"github.com/cernvm/cernvm-webapi/internal/config"
	"github.com/cernvm/cernvm-webapi/internal/downloader"
	"github.com/cernvm/cernvm-webapi/internal/host"
	"github.com/cernvm/cernvm-webapi/internal/hypervisor"
	"github.com/cernvm/cernvm-webapi/internal/keystore"
	"github.com/cernvm/cernvm-webapi/internal/logging"
	"github.com/cernvm/cernvm-webapi/internal/metrics"
)

// Core is the process-wide registry shared by all connections: the
// hypervisor handle, the keystore, the download provider and the session
// map. It is handed to every Connection at construction time.
type Core struct {
	cfg       *config.Config
	log       *logging.Logger
	clk       clock.Clock
	ks        keystore.Keystore
	dl        downloader.Downloader
	installer Installer
	store     *hypervisor.Store
	machineID string

	hvMu sync.RWMutex
	hv   hypervisor.Driver

	mu       sync.Mutex
	sessions map[int]*SessionRecord
	nextID   int

	installInProgress atomic.Bool
	running           atomic.Bool
	shutdownOnce      sync.Once
	shutdownCh        chan struct{}

	minHVVersion     hypervisor.Version
	throttleTimespan time.Duration
	throttleTries    int
	monitorInterval  time.Duration
}

// CoreOptions carries the collaborators of a Core.
type CoreOptions struct {
	Config     *config.Config
	Logger     *logging.Logger
	Clock      clock.Clock
	Keystore   keystore.Keystore
	Downloader downloader.Downloader
	Hypervisor hypervisor.Driver
	Store      *hypervisor.Store
	Installer  Installer
	MachineID  string
}

// NewCore creates the process registry.
func NewCore(opts CoreOptions) *Core {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = &clock.RealClock{}
	}
	machineID := opts.MachineID
	if machineID == "" {
		machineID = host.MachineID()
	}

	throttleTimespan, _ := cfg.ThrottleTimespan()
	monitorInterval, _ := cfg.MonitorInterval()

	c := &Core{
		cfg:              cfg,
		log:              log.WithComponent("core"),
		clk:              clk,
		ks:               opts.Keystore,
		dl:               opts.Downloader,
		installer:        opts.Installer,
		store:            opts.Store,
		machineID:        machineID,
		hv:               opts.Hypervisor,
		sessions:         make(map[int]*SessionRecord),
		nextID:           1,
		shutdownCh:       make(chan struct{}),
		minHVVersion:     hypervisor.ParseVersion(cfg.Hypervisor.MinVersion),
		throttleTimespan: throttleTimespan,
		throttleTries:    cfg.Throttle.Tries,
		monitorInterval:  monitorInterval,
	}
	c.running.Store(true)
	return c
}

// Config returns the daemon configuration.
func (c *Core) Config() *config.Config { return c.cfg }

// Clock returns the time source.
func (c *Core) Clock() clock.Clock { return c.clk }

// Keystore returns the trust store.
func (c *Core) Keystore() keystore.Keystore { return c.ks }

// Downloader returns the download provider.
func (c *Core) Downloader() downloader.Downloader { return c.dl }

// Installer returns the hypervisor installer, or nil.
func (c *Core) Installer() Installer { return c.installer }

// Hypervisor returns the current hypervisor handle, or nil.
func (c *Core) Hypervisor() hypervisor.Driver {
	c.hvMu.RLock()
	defer c.hvMu.RUnlock()
	return c.hv
}

// SetHypervisor replaces the hypervisor handle.
func (c *Core) SetHypervisor(d hypervisor.Driver) {
	c.hvMu.Lock()
	c.hv = d
	c.hvMu.Unlock()
}

// SyncHypervisor re-probes for a hypervisor when none is attached.
func (c *Core) SyncHypervisor() {
	if c.Hypervisor() != nil {
		return
	}
	c.Redetect()
}

// Redetect probes the driver registry and loads persisted sessions on a
// hit. Returns the new handle, or nil.
func (c *Core) Redetect() hypervisor.Driver {
	drv := hypervisor.Detect(hypervisor.DetectOptions{Store: c.store})
	if drv != nil {
		if err := drv.LoadSessions(); err != nil {
			c.log.Warn("failed to load persisted sessions", "error", err)
		}
	}
	c.SetHypervisor(drv)
	return drv
}

// HypervisorUsable reports whether an installed hypervisor satisfies the
// minimum version gate.
func (c *Core) HypervisorUsable() bool {
	hv := c.Hypervisor()
	return hv != nil && hv.Version().AtLeast(c.minHVVersion)
}

// HostID derives the opaque per-domain host identifier.
func (c *Core) HostID(domain string) string {
	return host.ID(c.machineID, domain)
}

// BeginInstall claims the global installer slot. Only one installer runs
// process-wide.
func (c *Core) BeginInstall() bool {
	return c.installInProgress.CompareAndSwap(false, true)
}

// EndInstall releases the installer slot.
func (c *Core) EndInstall() {
	c.installInProgress.Store(false)
}

// InstallInProgress reports whether an installer workflow is running.
func (c *Core) InstallInProgress() bool {
	return c.installInProgress.Load()
}

// StoreSession registers an opened session under a fresh numeric id and
// hands ownership to the connection. Reopening a registered uuid re-owns
// the existing record instead of duplicating it.
func (c *Core) StoreSession(conn *Connection, s hypervisor.Session) *SessionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, rec := range c.sessions {
		if rec.UUID() == s.UUID() {
			rec.setOwner(conn)
			return rec
		}
	}

	id := c.nextID
	c.nextID++
	rec := newSessionRecord(id, s, conn, c)
	c.sessions[id] = rec
	metrics.Get().SessionsActive.Set(float64(len(c.sessions)))
	metrics.Get().SessionsOpened.Inc()
	return rec
}

// SessionByID returns the record with the given numeric id, or nil.
func (c *Core) SessionByID(id int) *SessionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[id]
}

// SessionRecords returns a snapshot of all records.
func (c *Core) SessionRecords() []*SessionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*SessionRecord, 0, len(c.sessions))
	for _, rec := range c.sessions {
		out = append(out, rec)
	}
	return out
}

// ReleaseConnectionSessions detaches every session owned by the
// connection. Sessions persist in the hypervisor; the core only forgets
// the owning-connection pointer and silences their monitors.
func (c *Core) ReleaseConnectionSessions(conn *Connection) {
	c.mu.Lock()
	var owned []*SessionRecord
	for _, rec := range c.sessions {
		if rec.Owner() == conn {
			owned = append(owned, rec)
		}
	}
	c.mu.Unlock()

	for _, rec := range owned {
		rec.release()
	}
}

// Shutdown flips the running flag and wakes the serve loop.
func (c *Core) Shutdown() {
	c.running.Store(false)
	c.shutdownOnce.Do(func() {
		close(c.shutdownCh)
	})
}

// ShutdownRequested returns a channel closed on shutdown.
func (c *Core) ShutdownRequested() <-chan struct{} {
	return c.shutdownCh
}

// Running reports whether the daemon should keep serving.
func (c *Core) Running() bool {
	return c.running.Load()
}
