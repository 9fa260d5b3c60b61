package throttle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cernvm/cernvm-webapi/internal/clock"
)

func TestBlocksAfterTriesWithinWindow(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	g := New(clk, 5*time.Second, 3)

	g.Deny()
	assert.False(t, g.Blocked())
	clk.Advance(time.Second)
	g.Deny()
	assert.False(t, g.Blocked())
	clk.Advance(time.Second)
	g.Deny()
	assert.True(t, g.Blocked())
}

func TestWindowExpiryRestartsCount(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	g := New(clk, 5*time.Second, 3)

	g.Deny()
	g.Deny()
	assert.Equal(t, 2, g.Denies())

	clk.Advance(10 * time.Second)
	g.Deny()
	assert.Equal(t, 1, g.Denies())
	assert.False(t, g.Blocked())
}

func TestAcceptResets(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	g := New(clk, 5*time.Second, 3)

	g.Deny()
	g.Deny()
	g.Accept()
	assert.Equal(t, 0, g.Denies())

	g.Deny()
	g.Deny()
	assert.False(t, g.Blocked())
}

func TestAcceptDoesNotUnlatch(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	g := New(clk, 5*time.Second, 2)

	g.Deny()
	g.Deny()
	assert.True(t, g.Blocked())

	g.Accept()
	assert.True(t, g.Blocked(), "blocked gate must persist until the connection closes")
}
