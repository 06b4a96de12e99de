package scraper

import (
	"sync"
)

// Controller holds the lifecycle flags of a run. Pausing blocks workers
// between items on a condition variable; stopping is permanent.
type Controller struct {
	mu      sync.Mutex
	cond    *sync.Cond
	paused  bool
	stopped bool
	done    chan struct{}
}

// NewController returns a running controller.
func NewController() *Controller {
	c := &Controller{done: make(chan struct{})}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Pause makes Wait block until Resume or Stop.
func (c *Controller) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume releases paused workers.
func (c *Controller) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Toggle flips the pause state and returns whether the run is now paused.
func (c *Controller) Toggle() bool {
	c.mu.Lock()
	c.paused = !c.paused
	paused := c.paused
	c.mu.Unlock()
	if !paused {
		c.cond.Broadcast()
	}
	return paused
}

// Stop ends the run. It is safe to call more than once.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.stopped {
		c.stopped = true
		close(c.done)
	}
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Paused reports the pause flag.
func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Stopped reports whether Stop was called.
func (c *Controller) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Done is closed by Stop.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Wait blocks while paused. It returns false once the run is stopped.
func (c *Controller) Wait() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.paused && !c.stopped {
		c.cond.Wait()
	}
	return !c.stopped
}
