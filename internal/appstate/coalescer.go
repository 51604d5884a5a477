package appstate

import (
	"sync"
	"time"

	"github.com/HsiangNianian/nativebridge/internal/clock"
)

// DefaultNotifyWindow is how long state notifications are held back so
// that bursts of merges collapse into one.
const DefaultNotifyWindow = 40 * time.Millisecond

// Coalescer runs fn at most once per window, on the trailing edge only.
// The first Trigger arms the window; later Triggers inside it fold into
// the pending run, which observes whatever state exists when it fires.
type Coalescer struct {
	clock  clock.Clock
	window time.Duration
	fn     func()

	mu     sync.Mutex
	timer  clock.Timer
	closed bool
}

func NewCoalescer(c clock.Clock, window time.Duration, fn func()) *Coalescer {
	return &Coalescer{clock: c, window: window, fn: fn}
}

// Trigger schedules fn unless a run is already pending.
func (c *Coalescer) Trigger() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.timer != nil {
		return
	}
	c.timer = c.clock.AfterFunc(c.window, c.fire)
}

func (c *Coalescer) fire() {
	c.mu.Lock()
	c.timer = nil
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		c.fn()
	}
}

// Close cancels a pending run. Later Triggers are ignored.
func (c *Coalescer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
