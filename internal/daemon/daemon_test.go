package daemon

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/cernvm/cernvm-webapi/internal/clock"
	"github.com/cernvm/cernvm-webapi/internal/config"
	"github.com/cernvm/cernvm-webapi/internal/hypervisor"
	"github.com/cernvm/cernvm-webapi/internal/logging"
	"github.com/cernvm/cernvm-webapi/internal/protocol"
	"github.com/cernvm/cernvm-webapi/internal/testutil"
)

const testDomain = "example.test"

// recordedFrame is one decoded outbound frame.
type recordedFrame struct {
	Type string
	Name string
	ID   string
	Data json.RawMessage
}

// Args decodes the event argument list.
func (f recordedFrame) Args(t *testing.T) []any {
	t.Helper()
	var args []any
	if err := json.Unmarshal(f.Data, &args); err != nil {
		t.Fatalf("frame %s/%s data is not an argument list: %v", f.Type, f.Name, err)
	}
	return args
}

// Object decodes the frame payload as an object.
func (f recordedFrame) Object(t *testing.T) map[string]any {
	t.Helper()
	var obj map[string]any
	if err := json.Unmarshal(f.Data, &obj); err != nil {
		t.Fatalf("frame %s/%s data is not an object: %v", f.Type, f.Name, err)
	}
	return obj
}

// recorder captures outbound frames for assertions.
type recorder struct {
	mu     sync.Mutex
	frames []recordedFrame
}

func (r *recorder) Send(raw []byte) error {
	var f recordedFrame
	var wire struct {
		Type string          `json:"type"`
		Name string          `json:"name"`
		ID   string          `json:"id"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	f = recordedFrame(wire)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *recorder) snapshot() []recordedFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordedFrame, len(r.frames))
	copy(out, r.frames)
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// waitFor polls until a frame matches pred.
func (r *recorder) waitFor(t *testing.T, desc string, pred func(recordedFrame) bool) recordedFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, f := range r.snapshot() {
			if pred(f) {
				return f
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; frames: %+v", desc, r.snapshot())
	return recordedFrame{}
}

// waitForEvent waits for an event with the given name.
func (r *recorder) waitForEvent(t *testing.T, name string) recordedFrame {
	t.Helper()
	return r.waitFor(t, "event "+name, func(f recordedFrame) bool {
		return f.Type == protocol.TypeEvent && f.Name == name
	})
}

// hasEvent reports whether an event with the name was emitted.
func (r *recorder) hasEvent(name string) bool {
	for _, f := range r.snapshot() {
		if f.Type == protocol.TypeEvent && f.Name == name {
			return true
		}
	}
	return false
}

// env bundles a core wired with mock collaborators.
type env struct {
	core *Core
	fix  *testutil.TrustFixture
	drv  *hypervisor.MockDriver
	dl   *testutil.StubDownloader
	clk  *clock.MockClock
	cfg  *config.Config
}

type envOption func(*env)

// withoutHypervisor starts the env with no hypervisor attached.
func withoutHypervisor() envOption {
	return func(e *env) { e.drv = nil }
}

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Throttle.Timespan = "5s"
	cfg.Throttle.Tries = 3
	// Keep the background ticker quiet; tests drive Tick directly.
	cfg.Monitor.Interval = "1h"

	e := &env{
		fix: testutil.NewTrustFixture(t, testDomain),
		drv: hypervisor.NewMockDriver("5.2.0", nil),
		dl:  &testutil.StubDownloader{},
		clk: clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		cfg: cfg,
	}
	for _, opt := range opts {
		opt(e)
	}

	coreOpts := CoreOptions{
		Config:     cfg,
		Logger:     logging.New(logging.Config{Level: logging.LevelError}),
		Clock:      e.clk,
		Keystore:   e.fix.Store,
		Downloader: e.dl,
		MachineID:  "test-machine",
	}
	if e.drv != nil {
		coreOpts.Hypervisor = e.drv
	}
	e.core = NewCore(coreOpts)
	return e
}

// newConn creates a connection for the trusted domain.
func (e *env) newConn() (*Connection, *recorder) {
	rec := &recorder{}
	return NewConnection(e.core, testDomain, rec), rec
}

// serveVMCP scripts the downloader to serve a manifest validly signed
// for whatever salt the workflow generates.
func (e *env) serveVMCP(t *testing.T, vmcp map[string]any) {
	t.Helper()
	e.dl.Handler = func(rawURL string) (string, error) {
		u, err := url.Parse(rawURL)
		if err != nil {
			return "", err
		}
		salt := u.Query().Get("cvm_salt")
		signed := e.fix.SignVMCP(salt, vmcp)
		body, err := json.Marshal(signed)
		if err != nil {
			return "", err
		}
		return string(body), nil
	}
}

// action builds an inbound action.
func action(name, id string, params map[string]any) *protocol.Action {
	data, _ := json.Marshal(params)
	frame := &protocol.Frame{Type: protocol.TypeAction, Name: name, ID: id, Data: data}
	a, err := protocol.ParseAction(frame)
	if err != nil {
		panic(fmt.Sprintf("bad test action: %v", err))
	}
	return a
}

// requestSession fires a requestSession action with the standard URL.
func requestSession(conn *Connection, id string) {
	conn.HandleAction(action("requestSession", id, map[string]any{
		"vmcp": "https://example.test/vmcp",
	}))
}

// answerPrompt replies to the in-flight interact prompt.
func answerPrompt(conn *Connection, result int) {
	conn.HandleAction(action("interactionCallback", "", map[string]any{
		"result": result,
	}))
}
