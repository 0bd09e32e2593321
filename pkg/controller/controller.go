// Package controller wires a tick service and a radio to the event
// timetable, the radio event executor and the role manager, and drives the
// completion path.
package controller

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/srg/blell/internal/evt"
	"github.com/srg/blell/internal/hal"
	"github.com/srg/blell/internal/lll"
	"github.com/srg/blell/internal/ticker"
	"github.com/srg/blell/internal/ull"
	"github.com/srg/blell/pkg/config"
)

// Controller is a link-layer core running on one timer and one radio.
type Controller struct {
	cfg    *config.Config
	logger *logrus.Logger
	timer  hal.Timer
	radio  hal.Radio

	tt    *ticker.Timetable
	exec  *lll.Executor
	roles *ull.Manager
	wake  chan struct{}
}

// New builds a controller on timer and radio. It installs the timer's
// deadline handler and the radio's completion handler.
func New(cfg *config.Config, timer hal.Timer, radio hal.Radio, logger *logrus.Logger) (*Controller, error) {
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

	res := timer.Resolution()
	t := cfg.Timing
	tt := ticker.New(timer, hal.USToTicks(t.PrepareMarginUS, res), logger)
	exec := lll.New(radio, timer, tt, nil, lll.Config{
		Resolution:             res,
		IFSUS:                  t.IFSUS,
		MinAfterEventSpacingUS: t.MinAfterEventSpacingUS,
		JitterUS:               t.EventJitterUS,
		RampUpUS:               t.RadioRampUpUS,
	}, logger)

	roles, err := ull.New(tt, timer, exec, ull.Config{
		Resolution:        res,
		IFSUS:             t.IFSUS,
		JitterUS:          t.EventJitterUS,
		Priority:          cfg.PriorityMap(),
		Tolerance:         cfg.ToleranceMap(),
		Advertisers:       cfg.Pools.Advertisers,
		Scanners:          cfg.Pools.Scanners,
		MaxConnections:    cfg.Pools.MaxConnections,
		AuxScanPool:       cfg.Pools.AuxScan,
		NotificationDepth: cfg.Pools.NotificationDepth,
		Seed:              cfg.Seed,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create role manager: %w", err)
	}
	exec.SetNotifier(roles)

	c := &Controller{
		cfg:    cfg,
		logger: logger,
		timer:  timer,
		radio:  radio,
		tt:     tt,
		exec:   exec,
		roles:  roles,
		wake:   make(chan struct{}, 1),
	}
	roles.SetWake(c.signal)

	logger.WithFields(logrus.Fields{
		"resolution": res,
		"margin_us":  t.PrepareMarginUS,
		"spacing_us": t.MinAfterEventSpacingUS,
	}).Debug("Controller ready")
	return c, nil
}

// signal runs in interrupt context.
func (c *Controller) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run processes completions whenever the executor reports one, until ctx is
// done. It returns ctx.Err().
func (c *Controller) Run(ctx context.Context) error {
	c.roles.Process()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wake:
			c.roles.Process()
		}
	}
}

// Process drains the completion FIFO once. It returns the number of results
// handled.
func (c *Controller) Process() int { return c.roles.Process() }

// Create allocates a role of kind. It stays idle until Enable.
func (c *Controller) Create(kind evt.Kind, cfg ull.RoleConfig) (ull.RoleID, error) {
	return c.roles.Create(kind, cfg)
}

// Enable schedules the first event of a role.
func (c *Controller) Enable(id ull.RoleID) error { return c.roles.Enable(id) }

// Disable stops a role and releases it once its event in flight, if any,
// has completed.
func (c *Controller) Disable(id ull.RoleID) error { return c.roles.Disable(id) }

// Send queues data on a connection role.
func (c *Controller) Send(id ull.RoleID, data []byte) error { return c.roles.Send(id, data) }

// Role returns a snapshot of one role.
func (c *Controller) Role(id ull.RoleID) (ull.RoleInfo, error) { return c.roles.Role(id) }

// Roles returns snapshots of every live role ordered by id.
func (c *Controller) Roles() []ull.RoleInfo { return c.roles.Roles() }

// Notifications returns the notification queue.
func (c *Controller) Notifications() *ull.Queue { return c.roles.Notifications() }

// Timetable returns a snapshot of the scheduled events.
func (c *Controller) Timetable() []ticker.Snapshot { return c.tt.Events() }

// Now returns the current tick.
func (c *Controller) Now() hal.Tick { return c.timer.Now() }

// Config returns the configuration the controller was built with.
func (c *Controller) Config() *config.Config { return c.cfg }
