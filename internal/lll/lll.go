// Package lll is the lower link layer: the per-event radio logic the
// timetable calls at prepare and start time, and the radio completion path
// that finalizes an event and hands its result to the role owner.
//
// Everything here runs in interrupt context.
package lll

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blell/internal/evt"
	"github.com/srg/blell/internal/hal"
	"github.com/srg/blell/internal/handle"
	"github.com/srg/blell/internal/ticker"
)

// Notifier receives completion records. OnEventComplete is called from
// interrupt context and must not block.
type Notifier interface {
	OnEventComplete(h handle.Handle, res evt.Result)
}

// Config holds the protocol timing the executor needs, in microseconds.
type Config struct {
	Resolution             time.Duration
	IFSUS                  uint32
	MinAfterEventSpacingUS uint32
	JitterUS               uint32
	RampUpUS               uint32
}

// Instance is the interrupt-context state of one scheduled occurrence of a
// role. The role manager fills the parameters before submitting; the
// executor owns it until the completion record is delivered.
type Instance struct {
	Kind evt.Kind
	PHY  hal.PHY

	// Channel is the RF channel of a receive event or connection event.
	Channel uint8
	// ChannelMap selects the primary advertising channels 37, 38, 39 as
	// bits 0, 1, 2.
	ChannelMap uint8
	// PDU is transmitted by advertiser and connection events.
	PDU []byte
	// WindowUS is the receive window: the scan window, the auxiliary
	// window, or the connection response window.
	WindowUS uint32

	pending uint8
	channel uint8
	res     evt.Result
}

// Executor errors
var (
	ErrNoInstance = errors.New("event carries no radio instance")
	ErrNoChannel  = errors.New("empty channel map")
)

// Executor implements ticker.Handler for every role kind.
type Executor struct {
	radio    hal.Radio
	timer    hal.Timer
	tt       *ticker.Timetable
	notifier Notifier
	cfg      Config
	logger   *logrus.Logger

	cur        *ticker.Event
	configured *Instance
}

// New creates an executor and installs its radio completion handler.
func New(radio hal.Radio, timer hal.Timer, tt *ticker.Timetable, notifier Notifier, cfg Config, logger *logrus.Logger) *Executor {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	if cfg.Resolution <= 0 {
		cfg.Resolution = timer.Resolution()
	}
	e := &Executor{
		radio:    radio,
		timer:    timer,
		tt:       tt,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
	}
	radio.SetCompletionHandler(e.onRadioDone)
	return e
}

// SetNotifier replaces the completion receiver.
func (e *Executor) SetNotifier(n Notifier) { e.notifier = n }

func (e *Executor) ticks(us uint32) hal.Tick {
	return hal.USToTicks(us, e.cfg.Resolution)
}

func instance(ev *ticker.Event) (*Instance, error) {
	inst, ok := ev.Context.(*Instance)
	if !ok || inst == nil {
		return nil, fmt.Errorf("event %s: %w", ev.Handle, ErrNoInstance)
	}
	return inst, nil
}

func (inst *Instance) mode() hal.Mode {
	switch inst.Kind {
	case evt.KindAdvertiser, evt.KindConnection:
		return hal.ModeTx
	default:
		return hal.ModeRx
	}
}

// Prepare selects the first channel and configures the radio without keying
// it. While another event still owns the radio the configuration is left to
// Execute.
func (e *Executor) Prepare(ev *ticker.Event) error {
	inst, err := instance(ev)
	if err != nil {
		return err
	}

	inst.res = evt.Result{Handle: ev.Handle, Kind: inst.Kind, Start: ev.Start}
	if inst.Kind == evt.KindAdvertiser {
		inst.pending = inst.ChannelMap & advChannelMask
		ch, ok := popChannel(&inst.pending)
		if !ok {
			return ErrNoChannel
		}
		inst.channel = ch
	} else {
		inst.channel = inst.Channel
	}

	if e.cur != nil {
		return nil
	}
	if err := e.radio.Configure(inst.channel, inst.PHY, inst.mode()); err != nil {
		return fmt.Errorf("prepare %s: %w", ev.Handle, err)
	}
	e.configured = inst

	e.logger.WithFields(logrus.Fields{
		"handle":  ev.Handle,
		"kind":    inst.Kind,
		"channel": inst.channel,
	}).Trace("Radio prepared")
	return nil
}

// Execute arms the radio and returns; the event continues in onRadioDone.
func (e *Executor) Execute(ev *ticker.Event) error {
	inst, err := instance(ev)
	if err != nil {
		return err
	}

	if e.configured != inst {
		if err := e.radio.Configure(inst.channel, inst.PHY, inst.mode()); err != nil {
			return fmt.Errorf("execute %s: %w", ev.Handle, err)
		}
	}
	e.configured = nil

	if err := e.arm(inst); err != nil {
		return fmt.Errorf("execute %s: %w", ev.Handle, err)
	}
	e.cur = ev
	return nil
}

func (e *Executor) arm(inst *Instance) error {
	if inst.mode() == hal.ModeTx {
		return e.radio.Arm(hal.Op{Mode: hal.ModeTx, PDU: inst.PDU})
	}
	return e.radio.Arm(hal.Op{Mode: hal.ModeRx, Window: e.ticks(inst.WindowUS)})
}

// Abort runs the hardware abort sequence of the active event. The radio
// reports the aborted operation synchronously, which finalizes the event.
func (e *Executor) Abort(ev *ticker.Event) {
	e.radio.Disable()
	if e.cur == ev {
		inst, _ := instance(ev)
		e.finish(ev, inst, evt.Aborted, e.timer.Now())
	}
}

// Resolve reports an event that never executed.
func (e *Executor) Resolve(ev *ticker.Event, status evt.Status) {
	inst, _ := instance(ev)
	if inst != nil && e.configured == inst {
		e.radio.Disable()
		e.configured = nil
	}

	res := evt.Result{Handle: ev.Handle, Status: status, Start: ev.Start, Timestamp: e.timer.Now()}
	if inst != nil {
		res.Kind = inst.Kind
	}
	e.logger.WithFields(logrus.Fields{
		"handle": ev.Handle,
		"status": status,
	}).Debug("Radio event resolved without executing")
	e.notify(ev.Handle, res)
}

// onRadioDone is the radio completion interrupt.
func (e *Executor) onRadioDone(c hal.Completion) {
	ev := e.cur
	if ev == nil {
		e.logger.WithField("status", c.Status).Trace("Radio completion without active event")
		return
	}
	inst, err := instance(ev)
	if err != nil {
		e.finish(ev, nil, evt.Aborted, c.End)
		return
	}
	if c.Status == hal.RadioAborted {
		e.finish(ev, inst, evt.Aborted, c.End)
		return
	}

	switch inst.Kind {
	case evt.KindAdvertiser:
		e.advDone(ev, inst, c)
	case evt.KindConnection:
		e.connDone(ev, inst, c)
	default:
		e.scanDone(ev, inst, c)
	}
}

// next keys the radio again within the same event; on failure the event ends
// with status.
func (e *Executor) next(ev *ticker.Event, inst *Instance, channel uint8, mode hal.Mode, op hal.Op, failed evt.Status, at hal.Tick) {
	err := e.radio.Configure(channel, inst.PHY, mode)
	if err == nil {
		err = e.radio.Arm(op)
	}
	if err != nil {
		e.logger.WithError(err).WithField("handle", ev.Handle).Debug("Radio re-arm failed")
		e.finish(ev, inst, failed, at)
	}
}

func (e *Executor) finish(ev *ticker.Event, inst *Instance, status evt.Status, at hal.Tick) {
	var res evt.Result
	if inst != nil {
		res = inst.res
	}
	res.Handle = ev.Handle
	res.Start = ev.Start
	res.Status = status
	res.Timestamp = at
	if inst != nil {
		res.Kind = inst.Kind
	}

	e.cur = nil
	e.tt.Complete(ev.Handle)

	e.logger.WithFields(logrus.Fields{
		"handle": ev.Handle,
		"status": status,
		"at":     at,
	}).Debug("Radio event done")
	e.notify(ev.Handle, res)
}

func (e *Executor) notify(h handle.Handle, res evt.Result) {
	if e.notifier != nil {
		e.notifier.OnEventComplete(h, res)
	}
}

var _ ticker.Handler = (*Executor)(nil)
