// Package host is a hal.Timer on the host monotonic clock. Deadline and
// scheduled callbacks are delivered through one irq.Line, so they never run
// concurrently with each other.
package host

import (
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blell/internal/hal"
	"github.com/srg/blell/internal/irq"
)

// deadlineRetry is how long a deadline lost to a saturated line waits before
// it is raised again.
const deadlineRetry = 50 * time.Microsecond

// Clock counts ticks of res since it was created.
type Clock struct {
	mu      sync.Mutex
	res     time.Duration
	epoch   uint64
	line    *irq.Line
	logger  *logrus.Logger
	handler func()

	deadline *time.Timer
	gen      uint64
}

// NewClock starts a clock at tick 0. Interrupts are posted to line.
func NewClock(line *irq.Line, res time.Duration, logger *logrus.Logger) *Clock {
	if res <= 0 {
		res = time.Microsecond
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Clock{
		res:    res,
		epoch:  nanotime(),
		line:   line,
		logger: logger,
	}
}

// Now implements hal.Timer.
func (c *Clock) Now() hal.Tick {
	return hal.Tick((nanotime() - c.epoch) / uint64(c.res))
}

// Resolution implements hal.Timer.
func (c *Clock) Resolution() time.Duration { return c.res }

// Ticks converts microseconds to clock ticks.
func (c *Clock) Ticks(us uint32) hal.Tick {
	return hal.USToTicks(us, c.res)
}

// SetDeadlineHandler implements hal.Timer.
func (c *Clock) SetDeadlineHandler(fn func()) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

// ArmDeadline implements hal.Timer. It replaces any armed deadline; one in
// the past fires at once.
func (c *Clock) ArmDeadline(at hal.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.deadline != nil {
		c.deadline.Stop()
	}
	c.gen++
	gen := c.gen
	c.deadline = time.AfterFunc(c.until(at), func() { c.raise(gen) })
}

// raise posts the deadline interrupt of generation gen. A deadline lost to a
// saturated line is raised again until it is delivered or replaced.
func (c *Clock) raise(gen uint64) {
	if c.line.Post(func() { c.fire(gen) }) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.logger.WithField("now", c.Now()).Warn("Deadline interrupt lost, raising again")
	c.deadline = time.AfterFunc(deadlineRetry, func() { c.raise(gen) })
}

// DisarmDeadline implements hal.Timer.
func (c *Clock) DisarmDeadline() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	if c.deadline != nil {
		c.deadline.Stop()
		c.deadline = nil
	}
}

func (c *Clock) fire(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.deadline = nil
	fn := c.handler
	c.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// After runs fn at tick at on the interrupt line. The returned function
// cancels it if it has not been posted yet.
func (c *Clock) After(at hal.Tick, fn func()) (cancel func()) {
	var (
		mu        sync.Mutex
		cancelled bool
	)
	t := time.AfterFunc(c.until(at), func() {
		c.post(func() {
			mu.Lock()
			stop := cancelled
			mu.Unlock()
			if !stop {
				fn()
			}
		})
	})
	return func() {
		mu.Lock()
		cancelled = true
		mu.Unlock()
		t.Stop()
	}
}

func (c *Clock) until(at hal.Tick) time.Duration {
	now := c.Now()
	if at <= now {
		return 0
	}
	return hal.TicksToDuration(at-now, c.res)
}

func (c *Clock) post(fn func()) {
	if !c.line.Post(fn) {
		c.logger.WithField("now", c.Now()).Warn("Clock interrupt lost")
	}
}
