// Package sim is a deterministic stand-in for the hardware: a virtual tick
// counter whose interrupts fire only when the test advances time, a radio
// that transmits and receives through a shared simulated air, and a bench
// bundling the three.
package sim

import (
	"sort"
	"sync"
	"time"

	"github.com/srg/blell/internal/hal"
)

type pending struct {
	at       hal.Tick
	seq      uint64
	fn       func()
	deadline bool
}

// Clock is a virtual hal.Timer. Callbacks scheduled for the same tick run in
// scheduling order, and before the deadline interrupt of that tick.
type Clock struct {
	mu       sync.Mutex
	now      hal.Tick
	res      time.Duration
	seq      uint64
	queue    []*pending
	deadline *pending
	handler  func()
}

// NewClock returns a clock at tick 0.
func NewClock(res time.Duration) *Clock {
	if res <= 0 {
		res = time.Microsecond
	}
	return &Clock{res: res}
}

// Now implements hal.Timer.
func (c *Clock) Now() hal.Tick {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Resolution implements hal.Timer.
func (c *Clock) Resolution() time.Duration { return c.res }

// SetDeadlineHandler implements hal.Timer.
func (c *Clock) SetDeadlineHandler(fn func()) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

// ArmDeadline implements hal.Timer. A deadline in the past fires at the
// current tick.
func (c *Clock) ArmDeadline(at hal.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if at < c.now {
		at = c.now
	}
	c.seq++
	c.deadline = &pending{at: at, seq: c.seq, deadline: true}
}

// DisarmDeadline implements hal.Timer.
func (c *Clock) DisarmDeadline() {
	c.mu.Lock()
	c.deadline = nil
	c.mu.Unlock()
}

// Deadline returns the armed deadline.
func (c *Clock) Deadline() (hal.Tick, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deadline == nil {
		return 0, false
	}
	return c.deadline.at, true
}

// After runs fn at tick at, in interrupt context. The returned function
// cancels it.
func (c *Clock) After(at hal.Tick, fn func()) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if at < c.now {
		at = c.now
	}
	c.seq++
	p := &pending{at: at, seq: c.seq, fn: fn}
	i := sort.Search(len(c.queue), func(i int) bool {
		q := c.queue[i]
		return q.at > at
	})
	c.queue = append(c.queue, nil)
	copy(c.queue[i+1:], c.queue[i:])
	c.queue[i] = p

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, q := range c.queue {
			if q == p {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				return
			}
		}
	}
}

// Next returns the tick of the next interrupt.
func (c *Clock) Next() (hal.Tick, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.peek()
	if p == nil {
		return 0, false
	}
	return p.at, true
}

func (c *Clock) peek() *pending {
	var p *pending
	if len(c.queue) > 0 {
		p = c.queue[0]
	}
	if d := c.deadline; d != nil && (p == nil || d.at < p.at) {
		p = d
	}
	return p
}

// Step advances to the next interrupt and runs it. It reports false when
// nothing is scheduled.
func (c *Clock) Step() bool {
	return c.StepUntil(^hal.Tick(0))
}

// StepUntil runs the next interrupt if it is due no later than limit.
func (c *Clock) StepUntil(limit hal.Tick) bool {
	c.mu.Lock()
	p := c.peek()
	if p == nil || p.at > limit {
		c.mu.Unlock()
		return false
	}
	c.now = p.at
	fn := p.fn
	if p.deadline {
		c.deadline = nil
		fn = c.handler
	} else {
		c.queue = c.queue[1:]
	}
	c.mu.Unlock()

	if fn != nil {
		fn()
	}
	return true
}

// AdvanceTo runs every interrupt due up to and including at, in time order,
// and leaves the clock at at.
func (c *Clock) AdvanceTo(at hal.Tick) {
	for c.StepUntil(at) {
	}
	c.mu.Lock()
	if c.now < at {
		c.now = at
	}
	c.mu.Unlock()
}

// Advance moves the clock forward by d ticks.
func (c *Clock) Advance(d hal.Tick) {
	c.AdvanceTo(c.Now() + d)
}

// Run steps until nothing is scheduled or limit steps ran. It returns the
// number of steps.
func (c *Clock) Run(limit int) int {
	n := 0
	for n < limit && c.Step() {
		n++
	}
	return n
}
