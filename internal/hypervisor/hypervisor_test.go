package hypervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cernvm/cernvm-webapi/internal/protocol"
)

func TestVersionCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"4.3.0", "4.3.0", 0},
		{"4.3", "4.3.0", 0},
		{"4.2.9", "4.3.0", -1},
		{"5.0.1", "4.3.0", 1},
		{"4.10.0", "4.9.0", 1},
		{"5.2.44r139111", "5.2.44", 0},
	}
	for _, tt := range tests {
		got := ParseVersion(tt.a).Compare(ParseVersion(tt.b))
		assert.Equal(t, tt.want, got, "%s vs %s", tt.a, tt.b)
	}

	assert.True(t, ParseVersion("5.0").AtLeast(ParseVersion("4.3.0")))
	assert.False(t, ParseVersion("4.2").AtLeast(ParseVersion("4.3.0")))
}

func TestMockDriverOpenResumes(t *testing.T) {
	d := NewMockDriver("5.2.0", nil)

	vmcp := map[string]any{"name": "vm1", "secret": "s1"}
	assert.Equal(t, ValidateNew, d.SessionValidate(vmcp))

	s1, err := d.SessionOpen(vmcp, nil)
	require.NoError(t, err)
	require.NotNil(t, s1)

	assert.Equal(t, ValidateExists, d.SessionValidate(vmcp))

	s2, err := d.SessionOpen(vmcp, nil)
	require.NoError(t, err)
	assert.Same(t, s1, s2, "same manifest must resume the same session")

	assert.Equal(t, ValidatePasswordMismatch,
		d.SessionValidate(map[string]any{"name": "vm1", "secret": "wrong"}))
}

func TestMockDriverPersistence(t *testing.T) {
	st, err := OpenStore(":memory:")
	require.NoError(t, err)
	defer st.Close()

	d := NewMockDriver("5.2.0", st)
	s, err := d.SessionOpen(map[string]any{"name": "vm1", "secret": "s1", "cpus": float64(2)}, nil)
	require.NoError(t, err)
	s.Parameters().Set("memory", "2048")

	// A fresh driver over the same store sees the session again.
	d2 := NewMockDriver("5.2.0", st)
	require.NoError(t, d2.LoadSessions())

	sessions := d2.Sessions()
	require.Len(t, sessions, 1)
	restored := sessions[s.UUID()]
	require.NotNil(t, restored)
	assert.Equal(t, "2048", restored.Parameters().Get("memory", ""))
	assert.Equal(t, "vm1", restored.Parameters().Get("name", ""))
}

func TestMockSessionVerbs(t *testing.T) {
	d := NewMockDriver("5.2.0", nil)
	s, err := d.SessionOpen(map[string]any{"name": "vm1", "secret": "s1"}, nil)
	require.NoError(t, err)
	ms := s.(*MockSession)

	assert.Equal(t, protocol.CodeOK, ms.Start(nil))
	assert.Equal(t, int(StateRunning), ms.Local().GetNum(LocalState, -1))

	assert.Equal(t, protocol.CodeOK, ms.Pause())
	assert.Equal(t, int(StatePaused), ms.Local().GetNum(LocalState, -1))

	ms.VerbCodes[protocol.VerbStop] = protocol.CodeControlError
	assert.Equal(t, protocol.CodeControlError, ms.Stop())
	assert.Equal(t, int(StatePaused), ms.Local().GetNum(LocalState, -1), "failed verb must not change state")
}

func TestDetectRegistry(t *testing.T) {
	drv := NewMockDriver("5.2.0", nil)
	RegisterDriver(func(opts DetectOptions) (Driver, error) {
		return drv, nil
	})
	found := Detect(DetectOptions{})
	assert.Same(t, Driver(drv), found)
}
