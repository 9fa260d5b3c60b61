// Package throttle rate-limits session-creation attempts that the user
// has denied. Unlike a token bucket, the gate counts consecutive denials
// inside a window that opens at the first denial and latches shut once
// the limit is reached;
// only closing the connection (dropping the gate) unblocks the page.
package throttle

import (
	"sync"
	"time"

	"github.com/cernvm/cernvm-webapi/internal/clock"
)

// Gate tracks consent denials for one connection.
type Gate struct {
	clk      clock.Clock
	timespan time.Duration
	tries    int

	mu        sync.Mutex
	timestamp time.Time
	denies    int
	blocked   bool
}

// New creates a gate that blocks after tries denials within timespan.
func New(clk clock.Clock, timespan time.Duration, tries int) *Gate {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	return &Gate{clk: clk, timespan: timespan, tries: tries}
}

// Blocked reports whether the gate has latched shut.
func (g *Gate) Blocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocked
}

// Deny records a user denial. Denials inside the window accumulate;
// reaching the limit latches the gate. A denial outside the window
// restarts the count.
func (g *Gate) Deny() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clk.Now()
	if !g.timestamp.IsZero() && now.Sub(g.timestamp) <= g.timespan {
		g.denies++
		if g.denies >= g.tries {
			g.blocked = true
		}
		return
	}
	g.denies = 1
	g.timestamp = now
}

// Accept resets the denial count. It does not unlatch a blocked gate.
func (g *Gate) Accept() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.denies = 0
	g.timestamp = time.Time{}
}

// Denies returns the current denial count, for tests and logging.
func (g *Gate) Denies() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.denies
}
