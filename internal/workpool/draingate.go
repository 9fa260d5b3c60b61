package workpool

import "sync"

// DrainGate lets many workers hold non-exclusive slots while giving one
// caller a barrier that waits for all of them to leave. After Drain
// passes, new Use callers block until the drain holder releases.
type DrainGate struct {
	mu       sync.Mutex
	cond     *sync.Cond
	active   int
	draining bool
}

// NewDrainGate creates a gate.
func NewDrainGate() *DrainGate {
	g := &DrainGate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Use acquires a non-exclusive slot, blocking while a drain is in
// progress or held. The returned function releases the slot.
func (g *DrainGate) Use() func() {
	g.mu.Lock()
	for g.draining {
		g.cond.Wait()
	}
	g.active++
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.active--
			g.cond.Broadcast()
			g.mu.Unlock()
		})
	}
}

// Drain waits for all outstanding Use slots to release, then passes
// exclusively. The returned function ends the drain.
func (g *DrainGate) Drain() func() {
	g.mu.Lock()
	for g.draining {
		g.cond.Wait()
	}
	g.draining = true
	for g.active > 0 {
		g.cond.Wait()
	}
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.draining = false
			g.cond.Broadcast()
			g.mu.Unlock()
		})
	}
}
