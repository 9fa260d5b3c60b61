package daemon

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cernvm/cernvm-webapi/internal/hypervisor"
	"github.com/cernvm/cernvm-webapi/internal/protocol"
)

// SessionRecord is the daemon's bookkeeping around one hypervisor
// session: the stable numeric id handed to pages, the owning connection,
// the command dispatcher, and the background monitor.
type SessionRecord struct {
	id      int
	uuid    string
	session hypervisor.Session
	core    *Core
	monitor *Monitor

	mu    sync.Mutex
	owner *Connection

	acceptPeriodic atomic.Bool
	aborting       atomic.Bool
}

func newSessionRecord(id int, s hypervisor.Session, owner *Connection, core *Core) *SessionRecord {
	rec := &SessionRecord{
		id:      id,
		uuid:    s.UUID(),
		session: s,
		core:    core,
		owner:   owner,
	}
	rec.monitor = newMonitor(rec, core)

	s.OnFailure(rec.onFailure)
	s.OnStateChanged(rec.onStateChanged)
	s.OnResolutionChanged(rec.onResolutionChanged)
	return rec
}

// ID returns the numeric session id.
func (r *SessionRecord) ID() int { return r.id }

// UUID returns the stable session uuid.
func (r *SessionRecord) UUID() string { return r.uuid }

// Session returns the underlying hypervisor session.
func (r *SessionRecord) Session() hypervisor.Session { return r.session }

// Monitor returns the background monitor.
func (r *SessionRecord) Monitor() *Monitor { return r.monitor }

// Owner returns the owning connection, or nil after release.
func (r *SessionRecord) Owner() *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owner
}

func (r *SessionRecord) setOwner(c *Connection) {
	r.mu.Lock()
	r.owner = c
	r.mu.Unlock()
	r.aborting.Store(false)
}

// release forgets the owner and silences the monitor. The hypervisor
// session itself persists.
func (r *SessionRecord) release() {
	r.acceptPeriodic.Store(false)
	r.monitor.Stop()
	r.mu.Lock()
	r.owner = nil
	r.mu.Unlock()
}

// sendEvent forwards a session-tagged event to the owning connection.
func (r *SessionRecord) sendEvent(name string, args []any) {
	if owner := r.Owner(); owner != nil {
		owner.SendEvent(name, args, r.uuid)
	}
}

// SendStateVariables pushes the full state blob to the page.
func (r *SessionRecord) SendStateVariables() {
	if r.aborting.Load() {
		return
	}
	if owner := r.Owner(); owner != nil {
		owner.SendEventObject("stateVariables", StateVariables(r.session), r.uuid)
	}
}

// EnablePeriodic starts or silences the monitor loop.
func (r *SessionRecord) EnablePeriodic(enable bool) {
	if r.aborting.Load() {
		return
	}
	r.acceptPeriodic.Store(enable)
	if enable {
		r.monitor.Start()
	}
}

// Abort stops all session activity ahead of teardown.
func (r *SessionRecord) Abort() {
	r.aborting.Store(true)
	r.monitor.Stop()
}

// verbMessages maps lifecycle verbs to their reply texts.
var verbMessages = map[string]struct {
	done      string
	scheduled string
	failed    string
}{
	protocol.VerbStart:     {"Session started successfully", "Session will start promptly", "Unable to start session"},
	protocol.VerbStop:      {"Session stopped successfully", "Session will stop promptly", "Unable to stop session"},
	protocol.VerbPause:     {"Session paused successfully", "Session will pause promptly", "Unable to pause session"},
	protocol.VerbResume:    {"Session resumed successfully", "Session will resume promptly", "Unable to resume session"},
	protocol.VerbHibernate: {"Session hibernated successfully", "Session will hibernate promptly", "Unable to hibernate session"},
	protocol.VerbReset:     {"Session reset successfully", "Session will reset promptly", "Unable to reset session"},
	protocol.VerbClose:     {"Session closed successfully", "Session will close promptly", "Unable to close session"},
}

// HandleAction dispatches one session-scoped action. Exactly one
// terminal event is emitted per action, except when aborting.
func (r *SessionRecord) HandleAction(cb *Callback, action string, params protocol.Params) {
	if r.aborting.Load() {
		return
	}

	switch action {
	case protocol.VerbStart, protocol.VerbStop, protocol.VerbPause, protocol.VerbResume,
		protocol.VerbHibernate, protocol.VerbReset, protocol.VerbClose:
		r.lifecycle(cb, action, params)

	case protocol.VerbSync:
		r.SendStateVariables()

	case protocol.VerbGet:
		cb.Succeed(r.getKey(params.Get("key", "")))

	case protocol.VerbSet:
		r.setKey(params.Get("key", ""), params.Get("value", ""))
		cb.Succeed(1)

	case protocol.VerbSetProperty:
		r.session.SetProperty(params.Get("key", ""), params.Get("value", ""))
		cb.Succeed(1)
	}
}

func (r *SessionRecord) lifecycle(cb *Callback, verb string, params protocol.Params) {
	var code protocol.Code
	switch verb {
	case protocol.VerbStart:
		code = r.session.Start(params)
	case protocol.VerbStop:
		code = r.session.Stop()
	case protocol.VerbPause:
		code = r.session.Pause()
	case protocol.VerbResume:
		code = r.session.Resume()
	case protocol.VerbHibernate:
		code = r.session.Hibernate()
	case protocol.VerbReset:
		code = r.session.Reset()
	case protocol.VerbClose:
		code = r.session.Close()
	}

	msgs := verbMessages[verb]
	switch code {
	case protocol.CodeOK:
		cb.Succeed(msgs.done)
	case protocol.CodeScheduled:
		cb.Succeed(msgs.scheduled)
	default:
		cb.Failed(msgs.failed, code)
	}

	// The hypervisor may have mutated state variables.
	r.SendStateVariables()
}

// getKey reads one of the exposed session keys.
func (r *SessionRecord) getKey(key string) string {
	s := r.session
	switch key {
	case "apiURL":
		return apiURLOf(s)
	case "rdpURL":
		return s.RDPAddress() + "@" + s.ExtraInfo(hypervisor.ExtraVideoMode)
	case "ip":
		return s.Parameters().Get("ip", "")
	case "cpus":
		return s.Parameters().Get("cpus", "1")
	case "disk":
		return s.Parameters().Get("disk", "1024")
	case "memory":
		return s.Parameters().Get("memory", "512")
	case "cernvmVersion":
		return s.Parameters().Get("cernvmVersion", "1.17-11")
	case "cernvmFlavor":
		return s.Parameters().Get("cernvmFlavor", "prod")
	case "executionCap":
		return s.Parameters().Get("executionCap", "100")
	case "flags":
		return s.Parameters().Get("flags", "0")
	}
	return ""
}

// setKey writes one of the writable session keys.
func (r *SessionRecord) setKey(key, value string) {
	switch key {
	case "cpus", "disk", "memory", "cernvmVersion", "cernvmFlavor", "flags":
		r.session.Parameters().Set(key, value)
	case "executionCap":
		r.session.Parameters().Set(key, value)
		// Apply right away; a running VM picks it up live.
		if pct := r.session.Parameters().GetNum("executionCap", -1); pct >= 0 {
			r.session.SetExecutionCap(pct)
		}
	}
}

// onFailure relays hypervisor failures to the page and powers off the VM
// when hardware virtualization vanished.
func (r *SessionRecord) onFailure(flags int) {
	if r.aborting.Load() {
		return
	}
	r.sendEvent("failure", []any{flags})
	if (flags & protocol.FlagNoVirtualization) != 0 {
		r.session.Stop()
	}
}

// onStateChanged pushes the refreshed state blob before the stateChanged
// event; the page relies on that order. Leaving RUNNING forces the API
// port offline.
func (r *SessionRecord) onStateChanged(state hypervisor.State) {
	if r.aborting.Load() {
		return
	}
	r.SendStateVariables()
	r.sendEvent("stateChanged", []any{int(state)})
	r.monitor.HandleStateChange(state)
}

func (r *SessionRecord) onResolutionChanged(w, h, bpp int) {
	if r.aborting.Load() {
		return
	}
	r.sendEvent("resolutionChanged", []any{w, h, bpp})
}

// apiURLOf composes the in-guest API URL from the session's local map.
func apiURLOf(s hypervisor.Session) string {
	hostname := s.Local().Get(hypervisor.LocalAPIHost, "127.0.0.1")
	port := s.Local().Get(hypervisor.LocalAPIPort, "80")
	return fmt.Sprintf("http://%s:%s/", hostname, port)
}

// StateVariables serializes the full state blob of a session.
func StateVariables(s hypervisor.Session) map[string]any {
	params := s.Parameters()
	return map[string]any{
		"uuid":          s.UUID(),
		"name":          params.Get("name", ""),
		"state":         s.Local().GetNum(hypervisor.LocalState, 0),
		"apiURL":        apiURLOf(s),
		"rdpURL":        s.RDPAddress() + "@" + s.ExtraInfo(hypervisor.ExtraVideoMode),
		"resolution":    s.ExtraInfo(hypervisor.ExtraVideoMode),
		"ip":            params.Get("ip", ""),
		"cpus":          params.GetNum("cpus", 1),
		"memory":        params.GetNum("memory", 512),
		"disk":          params.GetNum("disk", 1024),
		"cernvmVersion": params.Get("cernvmVersion", "1.17-11"),
		"cernvmFlavor":  params.Get("cernvmFlavor", "prod"),
		"executionCap":  params.GetNum("executionCap", 100),
		"flags":         params.GetNum("flags", 0),
		"properties":    params.Subgroup("properties").Snapshot(),
	}
}
