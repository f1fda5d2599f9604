package collection

import (
	"sync"
	"time"
)

// gcState owns a collection's garbage-collection timer and ready signal
// (§3 lifecycle): a collection with zero subscribers and zero active
// transactions starts a gcTime countdown; any new subscriber or transaction
// cancels it, and the first subscribe after a cleanup resurrects the
// collection by restarting sync.
type gcState struct {
	c      *Collection
	gcTime time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	readyCh chan struct{}
	ready   bool
	stopped bool
}

func newGCState(c *Collection, gcTime time.Duration) *gcState {
	return &gcState{c: c, gcTime: gcTime, readyCh: make(chan struct{})}
}

// arm (re)starts the countdown to Cleanup.
func (g *gcState) arm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return
	}
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(g.gcTime, g.c.Cleanup)
}

// cancel stops a pending countdown without marking gc permanently stopped.
func (g *gcState) cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

// stop cancels the countdown and prevents future arming until resurrect is
// called (§3 "cleaned-up" lifecycle state).
func (g *gcState) stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.stopped = true
}

// resurrect reverses stop: called when a new subscriber arrives on a
// cleaned-up collection, restarting its sync lifecycle from scratch (§3
// "first new subscribe resurrects").
func (g *gcState) resurrect() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = false
	g.ready = false
	g.readyCh = make(chan struct{})
}

func (g *gcState) isStopped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopped
}

func (g *gcState) markReady() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.ready {
		g.ready = true
		close(g.readyCh)
	}
}

func (g *gcState) readySignal() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.readyCh
}
