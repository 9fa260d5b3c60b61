package daemon

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cernvm/cernvm-webapi/internal/brand"
	"github.com/cernvm/cernvm-webapi/internal/interaction"
	"github.com/cernvm/cernvm-webapi/internal/logging"
	"github.com/cernvm/cernvm-webapi/internal/metrics"
	"github.com/cernvm/cernvm-webapi/internal/protocol"
	"github.com/cernvm/cernvm-webapi/internal/throttle"
	"github.com/cernvm/cernvm-webapi/internal/workpool"
)

// Sender delivers raw outbound frames to the page. The WebSocket layer
// implements it; tests substitute a recorder.
type Sender interface {
	Send(frame []byte) error
}

// Connection is the per-WebSocket orchestrator: it routes actions,
// gates privileged commands, accounts consent denials, and owns the
// workers its workflows spawn.
type Connection struct {
	core   *Core
	log    *logging.Logger
	domain string
	sender Sender

	alive      atomic.Bool
	privileged atomic.Bool

	ui   *interaction.UserInteraction
	pool *workpool.Pool
	gate *throttle.Gate

	pendingMu    sync.Mutex
	pendingReply func(interaction.Result)

	installInProgress atomic.Bool
}

// NewConnection creates the actor for one WebSocket identified by its
// page origin domain.
func NewConnection(core *Core, domain string, sender Sender) *Connection {
	c := &Connection{
		core:   core,
		log:    core.log.WithComponent("connection").WithFields(map[string]any{"domain": domain}),
		domain: domain,
		sender: sender,
		pool:   workpool.New(),
		gate:   throttle.New(core.clk, core.throttleTimespan, core.throttleTries),
	}
	c.ui = interaction.New(c.dispatchPrompt)
	c.alive.Store(true)
	metrics.Get().ConnectionsTotal.Inc()
	metrics.Get().ConnectionsActive.Inc()
	return c
}

// Domain returns the page origin this connection belongs to.
func (c *Connection) Domain() string { return c.domain }

// Privileged reports whether the handshake presented a valid auth key.
func (c *Connection) Privileged() bool { return c.privileged.Load() }

// Alive reports whether the connection is still attached to a socket.
func (c *Connection) Alive() bool { return c.alive.Load() }

// HandleFrame parses and dispatches one inbound WebSocket message.
func (c *Connection) HandleFrame(raw []byte) {
	frame, err := protocol.ParseFrame(raw)
	if err != nil {
		c.SendError("", "Malformed request")
		return
	}
	if frame.Type != protocol.TypeAction {
		c.SendError(frame.ID, "Unexpected frame type")
		return
	}
	action, err := protocol.ParseAction(frame)
	if err != nil {
		c.SendError(frame.ID, "Malformed request")
		return
	}
	c.HandleAction(action)
}

// HandleAction routes one typed action.
func (c *Connection) HandleAction(a *protocol.Action) {
	metrics.Get().ActionsTotal.WithLabelValues(a.Name).Inc()

	switch a.Kind {
	case protocol.ActionHandshake:
		c.handleHandshake(a)

	case protocol.ActionInteractionCallback:
		if !a.Params.Contains("result") {
			c.SendError(a.ID, "Missing 'result' parameter")
			return
		}
		c.resolvePending(interaction.Result(a.Params.GetInt("result", 0)))

	case protocol.ActionRequestSession:
		c.handleRequestSession(a)

	case protocol.ActionSessionScoped:
		c.handleSessionAction(a)

	case protocol.ActionStopService, protocol.ActionEnumSessions, protocol.ActionControlSession:
		if !c.privileged.Load() {
			// Unprivileged power commands are ignored like unknown
			// actions, for wire compatibility.
			return
		}
		c.handlePrivileged(a)

	case protocol.ActionUnknown:
		// Silently ignored for wire compatibility.
		c.log.Debug("ignoring unknown action", "action", a.Name)
	}
}

func (c *Connection) handleHandshake(a *protocol.Action) {
	c.Reply(a.ID, map[string]any{"version": brand.Version})

	if a.Params.Contains("auth") {
		c.privileged.Store(c.core.Keystore().AuthKeyValid(a.Params.Get("auth", "")))
	}
	c.SendEvent("privileged", []any{c.privileged.Load()}, "")
}

func (c *Connection) handleRequestSession(a *protocol.Action) {
	if !a.Params.Contains("vmcp") {
		c.SendError(a.ID, "Missing 'vmcp' parameter")
		return
	}
	vmcpURL := a.Params.Get("vmcp", "")
	cb := newCallback(c, a.ID)

	if c.gate.Blocked() {
		cb.Failed("Request denied by throttle protection", protocol.CodeAccessDenied)
		return
	}

	// Re-check the hypervisor if it went missing since startup.
	c.core.SyncHypervisor()

	if c.core.HypervisorUsable() {
		c.pool.Spawn(func(ctx context.Context) {
			c.requestSessionWorker(ctx, a.ID, vmcpURL)
		})
		return
	}

	// No usable hypervisor: take the installer path. Only one install
	// may run process-wide; other connections fail fast.
	if !c.core.BeginInstall() {
		cb.Failed("A hypervisor installation is in progress please wait until it's finished and try again.", protocol.CodeUsageError)
		return
	}
	c.installInProgress.Store(true)
	id := c.pool.Spawn(func(ctx context.Context) {
		c.installAndRequestSession(ctx, a.ID, vmcpURL)
	})
	if id == "" {
		// The pool is already draining; the worker never ran.
		if c.installInProgress.Swap(false) {
			c.core.EndInstall()
		}
	}
}

func (c *Connection) handleSessionAction(a *protocol.Action) {
	id := a.Params.GetInt("session_id", -1)
	a.Params.Delete("session_id")

	rec := c.core.SessionByID(id)
	if rec == nil {
		c.SendError(a.ID, "Unable to find a session with the specified session id!")
		return
	}

	cb := newCallback(c, a.ID)
	c.pool.Spawn(func(ctx context.Context) {
		rec.HandleAction(cb, a.Name, a.Params)
	})
}

func (c *Connection) handlePrivileged(a *protocol.Action) {
	switch a.Kind {
	case protocol.ActionStopService:
		c.log.Info("stopService received, shutting down")
		c.core.Shutdown()

	case protocol.ActionEnumSessions:
		hv := c.core.Hypervisor()
		sessions := []map[string]any{}
		if hv != nil {
			for uuid, s := range hv.Sessions() {
				sessions = append(sessions, map[string]any{
					"uuid":   uuid,
					"config": StateVariables(s),
				})
			}
		}
		c.Reply(a.ID, map[string]any{"sessions": sessions})

	case protocol.ActionControlSession:
		if !a.Params.Contains("session") {
			c.SendError(a.ID, "Missing 'session' parameter")
			return
		}
		if !a.Params.Contains("action") {
			c.SendError(a.ID, "Missing 'action' parameter")
			return
		}
		// Recognized but without a contract yet; reply a no-op.
		c.Reply(a.ID, map[string]any{})
	}
}

// dispatchPrompt turns a blocking interaction request into an outgoing
// interact event and parks the reply slot until interactionCallback.
func (c *Connection) dispatchPrompt(kind, title, body string, reply func(interaction.Result)) {
	c.pendingMu.Lock()
	c.pendingReply = reply
	c.pendingMu.Unlock()

	metrics.Get().InteractionsTotal.WithLabelValues(kind).Inc()
	c.SendEvent("interact", []any{kind, title, body}, "")
}

// resolvePending completes the in-flight prompt, if any.
func (c *Connection) resolvePending(r interaction.Result) {
	c.pendingMu.Lock()
	reply := c.pendingReply
	c.pendingReply = nil
	c.pendingMu.Unlock()

	if reply == nil {
		c.log.Debug("interactionCallback with no pending prompt")
		return
	}
	reply(r)
}

// Reply sends a reply frame. No-op once the connection died.
func (c *Connection) Reply(id string, data any) {
	if !c.alive.Load() {
		return
	}
	frame, err := protocol.ReplyFrame(id, data)
	if err != nil {
		c.log.Warn("failed to encode reply", "error", err)
		return
	}
	c.send(frame)
}

// SendEvent sends an event frame. The tag rides in the frame id: a
// session uuid for session events, the correlation id for workflow
// events, empty for connection-wide events.
func (c *Connection) SendEvent(name string, args []any, tag string) {
	if !c.alive.Load() {
		return
	}
	frame, err := protocol.EventFrame(name, args, tag)
	if err != nil {
		c.log.Warn("failed to encode event", "event", name, "error", err)
		return
	}
	c.send(frame)
}

// SendEventObject sends an event whose payload is an object rather than
// an argument list (stateVariables).
func (c *Connection) SendEventObject(name string, data any, tag string) {
	if !c.alive.Load() {
		return
	}
	frame, err := protocol.EventObjectFrame(name, data, tag)
	if err != nil {
		c.log.Warn("failed to encode event", "event", name, "error", err)
		return
	}
	c.send(frame)
}

// SendError sends an error frame.
func (c *Connection) SendError(id, message string) {
	if !c.alive.Load() {
		return
	}
	frame, err := protocol.ErrorFrame(id, message)
	if err != nil {
		return
	}
	c.send(frame)
}

func (c *Connection) send(frame []byte) {
	if err := c.sender.Send(frame); err != nil {
		metrics.Get().FramesDropped.Inc()
		c.log.Debug("failed to send frame", "error", err)
	}
}

// Cleanup tears the connection down: abort the in-flight prompt, cancel
// and drain all workers, clear the installer claim, release owned
// sessions. After Cleanup returns no worker of this connection is left.
func (c *Connection) Cleanup() {
	if !c.alive.CompareAndSwap(true, false) {
		return
	}
	metrics.Get().ConnectionsActive.Dec()

	c.ui.Abort()

	c.pendingMu.Lock()
	c.pendingReply = nil
	c.pendingMu.Unlock()

	c.pool.DrainAll()

	if c.installInProgress.Swap(false) {
		c.core.EndInstall()
	}

	c.core.ReleaseConnectionSessions(c)
}
