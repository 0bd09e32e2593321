package controller

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blell/internal/hal"
	"github.com/srg/blell/internal/hal/sim"
	"github.com/srg/blell/pkg/config"
)

// Simulator is a controller on the deterministic bench. Time only moves
// when RunUntil or RunFor is called.
type Simulator struct {
	*Controller
	Bench *sim.Bench
}

// NewSimulator builds a controller on a fresh bench at tick 0.
func NewSimulator(cfg *config.Config, logger *logrus.Logger) (*Simulator, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	bench := sim.NewBench(cfg.Timing.TickResolution, cfg.Timing.IFSUS)
	c, err := New(cfg, bench.Clock, bench.Radio, logger)
	if err != nil {
		return nil, err
	}
	return &Simulator{Controller: c, Bench: bench}, nil
}

// RunUntil runs every interrupt due up to limit and processes the
// completions each one produced before the next runs.
func (s *Simulator) RunUntil(limit hal.Tick) {
	for s.Bench.Clock.StepUntil(limit) {
		s.Process()
	}
	s.Bench.Clock.AdvanceTo(limit)
	s.Process()
}

// RunFor advances the bench by d.
func (s *Simulator) RunFor(d time.Duration) {
	res := s.Bench.Clock.Resolution()
	s.RunUntil(s.Bench.Clock.Now() + hal.Tick((d+res-1)/res))
}
