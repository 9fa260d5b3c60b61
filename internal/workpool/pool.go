// Package workpool tracks the background workers a connection spawns and
// coordinates the two-phase drain used during teardown: stop admitting,
// cancel everything, wait for the stragglers.
package workpool

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Pool is a registry of cancellable workers keyed by stable ids.
type Pool struct {
	gate *DrainGate

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
}

type worker struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an empty pool.
func New() *Pool {
	return &Pool{
		gate:    NewDrainGate(),
		workers: make(map[string]*worker),
	}
}

// Spawn runs fn on a new worker and returns its id. The context is
// cancelled by Cancel, DrainAll, or pool closure. Spawning on a closed
// pool returns the empty string and does not run fn.
func (p *Pool) Spawn(fn func(ctx context.Context)) string {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ""
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		id:     uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.workers[w.id] = w
	p.mu.Unlock()

	go func() {
		release := p.gate.Use()
		defer func() {
			p.remove(w.id)
			close(w.done)
			release()
		}()
		fn(ctx)
	}()

	return w.id
}

// Cancel cancels the worker with the given id, if it is still running.
func (p *Pool) Cancel(id string) {
	p.mu.Lock()
	w, ok := p.workers[id]
	p.mu.Unlock()
	if ok {
		w.cancel()
	}
}

// CancelAll cancels every running worker without waiting.
func (p *Pool) CancelAll() {
	p.mu.Lock()
	workers := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	for _, w := range workers {
		w.cancel()
	}
}

// DrainAll closes the pool: no new workers are admitted, every running
// worker is cancelled, and the call blocks until all have returned.
func (p *Pool) DrainAll() {
	p.mu.Lock()
	p.closed = true
	workers := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	for _, w := range workers {
		w.cancel()
	}

	release := p.gate.Drain()
	release()

	for _, w := range workers {
		<-w.done
	}
}

// Len returns the number of live workers.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

func (p *Pool) remove(id string) {
	p.mu.Lock()
	delete(p.workers, id)
	p.mu.Unlock()
}
