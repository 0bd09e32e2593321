package sim

import (
	"time"

	"github.com/srg/blell/internal/hal"
)

// Bench bundles a clock, an air and a radio sharing them.
type Bench struct {
	Clock *Clock
	Air   *Air
	Radio *Radio
}

// NewBench returns a bench at tick 0. ifsUS is the responder turnaround.
func NewBench(res time.Duration, ifsUS uint32) *Bench {
	clock := NewClock(res)
	air := NewAir()
	return &Bench{
		Clock: clock,
		Air:   air,
		Radio: NewRadio(clock, air, hal.USToTicks(ifsUS, clock.Resolution())),
	}
}

// Ticks converts microseconds to bench ticks.
func (b *Bench) Ticks(us uint32) hal.Tick {
	return hal.USToTicks(us, b.Clock.Resolution())
}

var (
	_ hal.Timer = (*Clock)(nil)
	_ hal.Radio = (*Radio)(nil)
	_ Scheduler = (*Clock)(nil)
)
