package hypervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/cernvm/cernvm-webapi/internal/interaction"
	"github.com/cernvm/cernvm-webapi/internal/keystore"
	"github.com/cernvm/cernvm-webapi/internal/progress"
	"github.com/cernvm/cernvm-webapi/internal/protocol"
)

// MockDriver is a scriptable in-memory Driver used by tests and by the
// development mode of the daemon. Session uuids are derived
// deterministically from the manifest name and secret so that reopening
// the same manifest resumes the same session.
type MockDriver struct {
	mu       sync.Mutex
	name     string
	version  Version
	store    *Store
	sessions map[string]*MockSession

	// Scripting knobs
	ReadyErr         error
	ReadyPrompt      bool // ask the user during WaitTillReady
	RefuseOpen       bool
	ValidateOverride *int
	DaemonChecks     int
}

// NewMockDriver creates a mock hypervisor reporting the given version.
// The store is optional; with one, sessions persist across LoadSessions.
func NewMockDriver(version string, st *Store) *MockDriver {
	return &MockDriver{
		name:     "MockVisor",
		version:  ParseVersion(version),
		store:    st,
		sessions: make(map[string]*MockSession),
	}
}

// Name implements Driver.
func (d *MockDriver) Name() string { return d.name }

// Version implements Driver.
func (d *MockDriver) Version() Version { return d.version }

// WaitTillReady implements Driver.
func (d *MockDriver) WaitTillReady(ctx context.Context, ks keystore.Keystore, task *progress.Task, ui *interaction.UserInteraction) error {
	if task != nil {
		task.Doing("Initializing hypervisor")
	}
	if d.ReadyPrompt && ui != nil {
		ui.Confirm("Hypervisor setup", "Additional components are required. Continue?")
	}
	if d.ReadyErr != nil {
		return d.ReadyErr
	}
	if task != nil {
		task.Done("Hypervisor ready")
	}
	return nil
}

// SessionUUID returns the deterministic uuid for a manifest.
func SessionUUID(name, secret string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name+"|"+secret)).String()
}

// SessionValidate implements Driver.
func (d *MockDriver) SessionValidate(vmcp map[string]any) int {
	if d.ValidateOverride != nil {
		return *d.ValidateOverride
	}
	name, _ := vmcp["name"].(string)
	secret, _ := vmcp["secret"].(string)

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.sessions {
		if s.Parameters().Get("name", "") == name {
			if s.secret == secret {
				return ValidateExists
			}
			return ValidatePasswordMismatch
		}
	}
	return ValidateNew
}

// SessionOpen implements Driver.
func (d *MockDriver) SessionOpen(vmcp map[string]any, task *progress.Task) (Session, error) {
	if d.RefuseOpen {
		return nil, nil
	}
	name, _ := vmcp["name"].(string)
	secret, _ := vmcp["secret"].(string)
	id := SessionUUID(name, secret)

	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sessions[id]; ok {
		return s, nil
	}

	s := newMockSession(id, secret, d.store)
	for k, v := range vmcp {
		if k == "signature" || k == "secret" {
			continue
		}
		s.Parameters().Set(k, fmt.Sprintf("%v", v))
	}
	s.Parameters().SetDefault("cpus", "1")
	s.Parameters().SetDefault("memory", "512")
	s.Parameters().SetDefault("disk", "1024")
	s.Parameters().SetDefault("flags", "0")

	if d.store != nil {
		if err := d.store.RegisterSession(id, name); err != nil {
			return nil, err
		}
	}
	d.sessions[id] = s

	if task != nil {
		task.Complete("Session open")
	}
	return s, nil
}

// CheckDaemonNeed implements Driver.
func (d *MockDriver) CheckDaemonNeed() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DaemonChecks++
}

// Sessions implements Driver.
func (d *MockDriver) Sessions() map[string]Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]Session, len(d.sessions))
	for id, s := range d.sessions {
		out[id] = s
	}
	return out
}

// LoadSessions implements Driver: rebuilds sessions from the store.
func (d *MockDriver) LoadSessions() error {
	if d.store == nil {
		return nil
	}
	uuids, err := d.store.ListSessions()
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range uuids {
		if _, ok := d.sessions[id]; ok {
			continue
		}
		params, err := d.store.LoadParams(id)
		if err != nil {
			return err
		}
		s := newMockSession(id, "", d.store)
		for k, v := range params {
			s.params.Set(k, v)
		}
		d.sessions[id] = s
	}
	return nil
}

// Remove drops a session from the driver (test helper).
func (d *MockDriver) Remove(uuid string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, uuid)
}

// MockSession is the scriptable Session of MockDriver.
type MockSession struct {
	mu     sync.Mutex
	uuid   string
	secret string
	params *ParameterMap
	local  *ParameterMap

	// Scripting knobs
	APIAlive   bool
	VerbCodes  map[string]protocol.Code // per-verb override, default OK
	rdpAddress string
	extraInfo  map[string]string

	onFailure     func(flags int)
	onState       func(state State)
	onResolution  func(w, h, bpp int)
	updates       int
	aliveRequests int
}

func newMockSession(id, secret string, st *Store) *MockSession {
	s := &MockSession{
		uuid:       id,
		secret:     secret,
		params:     NewParameterMap(),
		local:      NewParameterMap(),
		VerbCodes:  make(map[string]protocol.Code),
		rdpAddress: "127.0.0.1:3389",
		extraInfo:  map[string]string{ExtraVideoMode: "1024x768x32"},
	}
	if st != nil {
		s.params.OnSet(func(key, value string) {
			st.SaveParam(id, key, value)
		})
	}
	s.local.SetNum(LocalState, int(StatePowerOff))
	s.local.Set(LocalAPIHost, "127.0.0.1")
	s.local.Set(LocalAPIPort, "8080")
	return s
}

// UUID implements Session.
func (s *MockSession) UUID() string { return s.uuid }

func (s *MockSession) verb(name string, next State) protocol.Code {
	s.mu.Lock()
	code, ok := s.VerbCodes[name]
	s.mu.Unlock()
	if !ok {
		code = protocol.CodeOK
	}
	if !code.IsError() {
		s.local.SetNum(LocalState, int(next))
	}
	return code
}

// Start implements Session.
func (s *MockSession) Start(params map[string]any) protocol.Code {
	return s.verb(protocol.VerbStart, StateRunning)
}

// Stop implements Session.
func (s *MockSession) Stop() protocol.Code { return s.verb(protocol.VerbStop, StatePowerOff) }

// Pause implements Session.
func (s *MockSession) Pause() protocol.Code { return s.verb(protocol.VerbPause, StatePaused) }

// Resume implements Session.
func (s *MockSession) Resume() protocol.Code { return s.verb(protocol.VerbResume, StateRunning) }

// Hibernate implements Session.
func (s *MockSession) Hibernate() protocol.Code { return s.verb(protocol.VerbHibernate, StateSaved) }

// Reset implements Session.
func (s *MockSession) Reset() protocol.Code { return s.verb(protocol.VerbReset, StateRunning) }

// Close implements Session.
func (s *MockSession) Close() protocol.Code { return s.verb(protocol.VerbClose, StatePowerOff) }

// Update implements Session.
func (s *MockSession) Update(force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	return nil
}

// Updates returns how many times Update ran (test helper).
func (s *MockSession) Updates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

// Wait implements Session. The mock FSM settles immediately.
func (s *MockSession) Wait() {}

// IsAPIAlive implements Session.
func (s *MockSession) IsAPIAlive(kind ProbeKind, timeoutSec int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliveRequests++
	return s.APIAlive
}

// SetAPIAlive scripts the probe result.
func (s *MockSession) SetAPIAlive(alive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.APIAlive = alive
}

// RDPAddress implements Session.
func (s *MockSession) RDPAddress() string { return s.rdpAddress }

// ExtraInfo implements Session.
func (s *MockSession) ExtraInfo(key string) string { return s.extraInfo[key] }

// SetExecutionCap implements Session.
func (s *MockSession) SetExecutionCap(cap int) {
	s.local.SetNum("executionCap", cap)
}

// SetProperty implements Session.
func (s *MockSession) SetProperty(key, value string) {
	s.params.Subgroup("properties").Set(key, value)
}

// Parameters implements Session.
func (s *MockSession) Parameters() *ParameterMap { return s.params }

// Local implements Session.
func (s *MockSession) Local() *ParameterMap { return s.local }

// OnFailure implements Session.
func (s *MockSession) OnFailure(fn func(flags int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFailure = fn
}

// OnStateChanged implements Session.
func (s *MockSession) OnStateChanged(fn func(state State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = fn
}

// OnResolutionChanged implements Session.
func (s *MockSession) OnResolutionChanged(fn func(w, h, bpp int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onResolution = fn
}

// FireFailure invokes the failure callback (test helper).
func (s *MockSession) FireFailure(flags int) {
	s.mu.Lock()
	fn := s.onFailure
	s.mu.Unlock()
	if fn != nil {
		fn(flags)
	}
}

// FireStateChanged updates local state and invokes the callback.
func (s *MockSession) FireStateChanged(state State) {
	s.local.SetNum(LocalState, int(state))
	s.mu.Lock()
	fn := s.onState
	s.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// FireResolutionChanged invokes the resolution callback (test helper).
func (s *MockSession) FireResolutionChanged(w, h, bpp int) {
	s.mu.Lock()
	fn := s.onResolution
	s.mu.Unlock()
	if fn != nil {
		fn(w, h, bpp)
	}
}
