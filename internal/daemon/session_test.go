package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cernvm/cernvm-webapi/internal/hypervisor"
	"github.com/cernvm/cernvm-webapi/internal/protocol"
)

// openSession opens a session on the mock driver and registers it with
// the core, owned by conn.
func openSession(t *testing.T, e *env, conn *Connection) (*SessionRecord, *hypervisor.MockSession) {
	t.Helper()
	s, err := e.drv.SessionOpen(map[string]any{"name": "vm1", "secret": "s1"}, nil)
	require.NoError(t, err)
	rec := e.core.StoreSession(conn, s)
	return rec, s.(*hypervisor.MockSession)
}

// sessionAction dispatches a session-scoped action. The action runs on a
// pool worker, so the call returns at once and callers wait for its reply.
func sessionAction(t *testing.T, conn *Connection, rec *recorder, sess *SessionRecord, id, name string, params map[string]any) {
	t.Helper()
	if params == nil {
		params = map[string]any{}
	}
	params["session_id"] = sess.ID()
	conn.HandleAction(action(name, id, params))
}

func TestLifecycleVerbs(t *testing.T) {
	e := newEnv(t)
	conn, rec := e.newConn()
	sr, ms := openSession(t, e, conn)

	t.Run("start ok", func(t *testing.T) {
		sessionAction(t, conn, rec, sr, "a1", "start", nil)
		succeed := rec.waitFor(t, "start success", func(f recordedFrame) bool {
			return f.Type == protocol.TypeEvent && f.Name == "succeed" && f.ID == "a1"
		})
		assert.Equal(t, []any{"Session started successfully"}, succeed.Args(t))
		assert.Equal(t, int(hypervisor.StateRunning), ms.Local().GetNum("state", -1))

		// Lifecycle verbs push refreshed state variables.
		rec.waitForEvent(t, "stateVariables")
	})

	t.Run("stop scheduled", func(t *testing.T) {
		ms.VerbCodes[protocol.VerbStop] = protocol.CodeScheduled
		sessionAction(t, conn, rec, sr, "a2", "stop", nil)
		succeed := rec.waitFor(t, "stop scheduled", func(f recordedFrame) bool {
			return f.Type == protocol.TypeEvent && f.Name == "succeed" && f.ID == "a2"
		})
		assert.Equal(t, []any{"Session will stop promptly"}, succeed.Args(t))
	})

	t.Run("pause failure", func(t *testing.T) {
		ms.VerbCodes[protocol.VerbPause] = protocol.CodeControlError
		sessionAction(t, conn, rec, sr, "a3", "pause", nil)
		failed := rec.waitFor(t, "pause failure", func(f recordedFrame) bool {
			return f.Type == protocol.TypeEvent && f.Name == "failed" && f.ID == "a3"
		})
		args := failed.Args(t)
		assert.Equal(t, "Unable to pause session", args[0])
		assert.Equal(t, float64(protocol.CodeControlError), args[1])
	})
}

func TestGetSetRoundTrip(t *testing.T) {
	e := newEnv(t)
	conn, rec := e.newConn()
	sr, _ := openSession(t, e, conn)

	writable := map[string]string{
		"cpus":          "4",
		"disk":          "2048",
		"memory":        "1024",
		"cernvmVersion": "2.0-1",
		"cernvmFlavor":  "devel",
		"executionCap":  "50",
		"flags":         "3",
	}

	i := 0
	for key, value := range writable {
		i++
		setID := "set-" + key
		sessionAction(t, conn, rec, sr, setID, "set", map[string]any{"key": key, "value": value})
		rec.waitFor(t, "set reply "+key, func(f recordedFrame) bool {
			return f.Type == protocol.TypeEvent && f.Name == "succeed" && f.ID == setID
		})

		getID := "get-" + key
		sessionAction(t, conn, rec, sr, getID, "get", map[string]any{"key": key})
		got := rec.waitFor(t, "get reply "+key, func(f recordedFrame) bool {
			return f.Type == protocol.TypeEvent && f.Name == "succeed" && f.ID == getID
		})
		assert.Equal(t, []any{value}, got.Args(t), "get(%s) must return the last set value", key)
	}
}

func TestGetComposedKeys(t *testing.T) {
	e := newEnv(t)
	conn, rec := e.newConn()
	sr, ms := openSession(t, e, conn)
	ms.Local().Set("apiHost", "127.0.0.1")
	ms.Local().Set("apiPort", "8080")

	sessionAction(t, conn, rec, sr, "g1", "get", map[string]any{"key": "apiURL"})
	got := rec.waitFor(t, "apiURL", func(f recordedFrame) bool {
		return f.Type == protocol.TypeEvent && f.Name == "succeed" && f.ID == "g1"
	})
	assert.Equal(t, []any{"http://127.0.0.1:8080/"}, got.Args(t))

	sessionAction(t, conn, rec, sr, "g2", "get", map[string]any{"key": "rdpURL"})
	got = rec.waitFor(t, "rdpURL", func(f recordedFrame) bool {
		return f.Type == protocol.TypeEvent && f.Name == "succeed" && f.ID == "g2"
	})
	assert.Equal(t, []any{"127.0.0.1:3389@1024x768x32"}, got.Args(t))
}

func TestExecutionCapAppliedLive(t *testing.T) {
	e := newEnv(t)
	conn, rec := e.newConn()
	sr, ms := openSession(t, e, conn)

	sessionAction(t, conn, rec, sr, "s1", "set", map[string]any{"key": "executionCap", "value": "40"})
	rec.waitFor(t, "set reply", func(f recordedFrame) bool {
		return f.Type == protocol.TypeEvent && f.Name == "succeed" && f.ID == "s1"
	})
	assert.Equal(t, 40, ms.Local().GetNum("executionCap", -1))
}

func TestSetProperty(t *testing.T) {
	e := newEnv(t)
	conn, rec := e.newConn()
	sr, ms := openSession(t, e, conn)

	sessionAction(t, conn, rec, sr, "p1", "setProperty", map[string]any{"key": "agentVersion", "value": "7"})
	rec.waitFor(t, "setProperty reply", func(f recordedFrame) bool {
		return f.Type == protocol.TypeEvent && f.Name == "succeed" && f.ID == "p1"
	})
	assert.Equal(t, "7", ms.Parameters().Subgroup("properties").Get("agentVersion", ""))
}

func TestSyncIdempotent(t *testing.T) {
	e := newEnv(t)
	conn, rec := e.newConn()
	sr, ms := openSession(t, e, conn)

	stateBefore := ms.Local().GetNum("state", -1)
	for i := 0; i < 3; i++ {
		sessionAction(t, conn, rec, sr, "sync", "sync", nil)
		waitEventCount(t, rec, "stateVariables", i+1)
	}
	assert.Equal(t, 3, countEvents(rec, "stateVariables"), "one stateVariables per sync")
	assert.Equal(t, stateBefore, ms.Local().GetNum("state", -1), "sync must not change state")
}

func TestStateVariablesBlob(t *testing.T) {
	e := newEnv(t)
	conn, rec := e.newConn()
	sr, ms := openSession(t, e, conn)
	ms.Parameters().Set("cpus", "2")

	sessionAction(t, conn, rec, sr, "sync", "sync", nil)
	vars := rec.waitForEvent(t, "stateVariables")
	assert.Equal(t, sr.UUID(), vars.ID, "stateVariables carries the session uuid")

	obj := vars.Object(t)
	assert.Equal(t, "vm1", obj["name"])
	assert.Equal(t, float64(2), obj["cpus"])
	assert.Contains(t, obj, "apiURL")
	assert.Contains(t, obj, "rdpURL")
	assert.Contains(t, obj, "properties")
}

func TestFailureRelayAndPoweroff(t *testing.T) {
	e := newEnv(t)
	conn, rec := e.newConn()
	sr, ms := openSession(t, e, conn)
	require.Equal(t, protocol.CodeOK, ms.Start(nil))

	// A failure without the no-virtualization bit: relayed, no poweroff.
	ms.FireFailure(0x10)
	failure := rec.waitForEvent(t, "failure")
	assert.Equal(t, sr.UUID(), failure.ID)
	assert.Equal(t, []any{float64(0x10)}, failure.Args(t))
	assert.Equal(t, int(hypervisor.StateRunning), ms.Local().GetNum("state", -1))

	// With the bit set the VM is powered off.
	ms.FireFailure(protocol.FlagNoVirtualization | 0x10)
	waitForCondition(t, func() bool {
		return ms.Local().GetNum("state", -1) == int(hypervisor.StatePowerOff)
	})
}

func TestResolutionChangedRelay(t *testing.T) {
	e := newEnv(t)
	conn, rec := e.newConn()
	sr, ms := openSession(t, e, conn)

	ms.FireResolutionChanged(1280, 720, 32)
	ev := rec.waitForEvent(t, "resolutionChanged")
	assert.Equal(t, sr.UUID(), ev.ID)
	assert.Equal(t, []any{float64(1280), float64(720), float64(32)}, ev.Args(t))
}

func TestStateChangedPushesVariablesFirst(t *testing.T) {
	e := newEnv(t)
	conn, rec := e.newConn()
	_, ms := openSession(t, e, conn)

	ms.FireStateChanged(hypervisor.StateRunning)

	rec.waitForEvent(t, "stateChanged")
	frames := rec.snapshot()
	varsIdx, changedIdx := -1, -1
	for i, f := range frames {
		if f.Type != protocol.TypeEvent {
			continue
		}
		if f.Name == "stateVariables" && varsIdx == -1 {
			varsIdx = i
		}
		if f.Name == "stateChanged" && changedIdx == -1 {
			changedIdx = i
		}
	}
	require.NotEqual(t, -1, varsIdx)
	assert.Less(t, varsIdx, changedIdx)
}

func TestAbortingSilencesHandlers(t *testing.T) {
	e := newEnv(t)
	conn, rec := e.newConn()
	sr, ms := openSession(t, e, conn)

	sr.Abort()
	before := rec.count()

	sr.HandleAction(newCallback(conn, "x"), "start", protocol.Params{})
	ms.FireStateChanged(hypervisor.StateRunning)
	ms.FireFailure(1)
	ms.FireResolutionChanged(1, 2, 3)

	assert.Equal(t, before, rec.count(), "aborting session must emit nothing")
}

func TestReleaseKeepsHypervisorSession(t *testing.T) {
	e := newEnv(t)
	conn, _ := e.newConn()
	sr, _ := openSession(t, e, conn)
	uuid := sr.UUID()

	conn.Cleanup()

	assert.Nil(t, sr.Owner(), "release must forget the owning connection")
	assert.Contains(t, e.drv.Sessions(), uuid, "the VM persists in the hypervisor")
	require.NotNil(t, e.core.SessionByID(sr.ID()), "the record stays in the core")
}

func TestReopenReownsRecord(t *testing.T) {
	e := newEnv(t)
	conn1, _ := e.newConn()
	sr, _ := openSession(t, e, conn1)
	conn1.Cleanup()

	conn2, _ := e.newConn()
	s := e.drv.Sessions()[sr.UUID()]
	rec2 := e.core.StoreSession(conn2, s)

	assert.Same(t, sr, rec2, "reopening a uuid must re-own the existing record")
	assert.Equal(t, conn2, rec2.Owner())
}
