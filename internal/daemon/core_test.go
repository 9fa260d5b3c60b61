package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSessionAssignsIDs(t *testing.T) {
	e := newEnv(t)
	conn, _ := e.newConn()

	s1, err := e.drv.SessionOpen(map[string]any{"name": "vm1", "secret": "s1"}, nil)
	require.NoError(t, err)
	s2, err := e.drv.SessionOpen(map[string]any{"name": "vm2", "secret": "s2"}, nil)
	require.NoError(t, err)

	r1 := e.core.StoreSession(conn, s1)
	r2 := e.core.StoreSession(conn, s2)

	assert.NotEqual(t, r1.ID(), r2.ID())
	assert.Same(t, r1, e.core.SessionByID(r1.ID()))
	assert.Same(t, r2, e.core.SessionByID(r2.ID()))
	assert.Nil(t, e.core.SessionByID(9999))

	// Core registry mirrors the hypervisor session map.
	for _, rec := range e.core.SessionRecords() {
		assert.Contains(t, e.drv.Sessions(), rec.UUID())
	}
}

func TestStoreSessionDeduplicatesUUID(t *testing.T) {
	e := newEnv(t)
	conn, _ := e.newConn()

	s, err := e.drv.SessionOpen(map[string]any{"name": "vm1", "secret": "s1"}, nil)
	require.NoError(t, err)

	r1 := e.core.StoreSession(conn, s)
	r2 := e.core.StoreSession(conn, s)
	assert.Same(t, r1, r2)
	assert.Len(t, e.core.SessionRecords(), 1)
}

func TestHostIDDerivation(t *testing.T) {
	e := newEnv(t)

	a := e.core.HostID("example.test")
	b := e.core.HostID("example.test")
	c := e.core.HostID("other.test")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEmpty(t, a)
}

func TestInstallClaim(t *testing.T) {
	e := newEnv(t)

	assert.True(t, e.core.BeginInstall())
	assert.False(t, e.core.BeginInstall(), "only one installer may run process-wide")
	assert.True(t, e.core.InstallInProgress())

	e.core.EndInstall()
	assert.False(t, e.core.InstallInProgress())
	assert.True(t, e.core.BeginInstall())
}

func TestShutdownIdempotent(t *testing.T) {
	e := newEnv(t)
	require.True(t, e.core.Running())

	e.core.Shutdown()
	e.core.Shutdown()

	assert.False(t, e.core.Running())
	select {
	case <-e.core.ShutdownRequested():
	default:
		t.Fatal("shutdown channel must be closed")
	}
}

func TestReleaseConnectionSessionsOnlyOwn(t *testing.T) {
	e := newEnv(t)
	conn1, _ := e.newConn()
	conn2, _ := e.newConn()

	s1, err := e.drv.SessionOpen(map[string]any{"name": "vm1", "secret": "s1"}, nil)
	require.NoError(t, err)
	s2, err := e.drv.SessionOpen(map[string]any{"name": "vm2", "secret": "s2"}, nil)
	require.NoError(t, err)

	r1 := e.core.StoreSession(conn1, s1)
	r2 := e.core.StoreSession(conn2, s2)

	e.core.ReleaseConnectionSessions(conn1)

	assert.Nil(t, r1.Owner())
	assert.Equal(t, conn2, r2.Owner(), "other connections keep their sessions")
}
