package controller

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/srg/blell/internal/hal/host"
	"github.com/srg/blell/internal/hal/sim"
	"github.com/srg/blell/internal/irq"
	"github.com/srg/blell/pkg/config"
)

// lineDepth bounds the interrupts waiting on the host interrupt line.
const lineDepth = 64

// Realtime is a controller on the host monotonic clock with a radio on the
// simulated air. Deadline and radio interrupts share one interrupt line.
type Realtime struct {
	*Controller
	Clock *host.Clock
	Air   *sim.Air
	Radio *sim.Radio
	line  *irq.Line
}

// NewRealtime starts the interrupt line and builds the controller. The line
// stops when ctx is done or Close is called.
func NewRealtime(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*Realtime, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	line := irq.NewLine(ctx, "radio-isr", lineDepth, logger)
	clock := host.NewClock(line, cfg.Timing.TickResolution, logger)
	air := sim.NewAir()
	radio := sim.NewRadio(clock, air, clock.Ticks(cfg.Timing.IFSUS))

	c, err := New(cfg, clock, radio, logger)
	if err != nil {
		line.Close()
		return nil, err
	}
	return &Realtime{Controller: c, Clock: clock, Air: air, Radio: radio, line: line}, nil
}

// Overruns returns the number of interrupts lost on the line.
func (r *Realtime) Overruns() uint64 { return r.line.Overruns() }

// Close stops the interrupt line.
func (r *Realtime) Close() { r.line.Close() }
