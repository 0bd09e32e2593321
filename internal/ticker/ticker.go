// Package ticker implements the event timetable: the ordered set of radio
// events sharing the one radio, their prepare and execute deadlines, and the
// overlap resolution between competing roles.
//
// Submit and Cancel may be called from thread or interrupt context; Tick and
// Complete run in interrupt context only. A single mutex guards the set and
// is never held while a Handler callback runs.
package ticker

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blell/internal/evt"
	"github.com/srg/blell/internal/hal"
	"github.com/srg/blell/internal/handle"
)

// Status is the scheduling state of a radio event.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusPending
	StatusPrepared
	StatusActive
	StatusDone
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusPrepared:
		return "prepared"
	case StatusActive:
		return "active"
	case StatusDone:
		return "done"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Handler is the per-event callback set, implemented by the radio event
// executor. Prepare and Execute run at the prepare deadline and at the start
// tick. Abort asks for the hardware abort of an active event; the handler
// must call Complete before Abort returns. Resolve reports an event that left
// the timetable without executing (Missed or Aborted).
type Handler interface {
	Prepare(ev *Event) error
	Execute(ev *Event) error
	Abort(ev *Event)
	Resolve(ev *Event, status evt.Status)
}

// Event is one radio event. The timetable owns it from Submit until it is
// resolved or completed.
type Event struct {
	Handle    handle.Handle
	Kind      evt.Kind
	Priority  uint8
	Start     hal.Tick
	Slot      hal.Tick
	Tolerance hal.Tick // maximum deferral from the requested start
	Handler   Handler
	Context   any

	requested hal.Tick
	seq       uint64
	status    Status
	cancel    bool
	aborting  bool
}

func (ev *Event) end() hal.Tick { return ev.Start + ev.Slot }

func (ev *Event) overlaps(start, end hal.Tick) bool {
	return ev.Start < end && start < ev.end()
}

// outranks reports whether ev wins an overlap against o: higher priority,
// then role kind, then earlier submission.
func (ev *Event) outranks(o *Event) bool {
	if ev.Priority != o.Priority {
		return ev.Priority > o.Priority
	}
	if ev.Kind != o.Kind {
		return ev.Kind < o.Kind
	}
	return ev.seq < o.seq
}

func (ev *Event) before(o *Event) bool {
	if ev.Start != o.Start {
		return ev.Start < o.Start
	}
	return ev.outranks(o)
}

// Timetable errors
var (
	ErrScheduleConflict = errors.New("schedule conflict")
	ErrDuplicate        = errors.New("event already scheduled")
	ErrInvalidEvent     = errors.New("invalid event")
)

// ConflictError reports the higher-ranked event a submission could not be
// placed around.
type ConflictError struct {
	Handle handle.Handle
	With   handle.Handle
	Start  hal.Tick
	Needed hal.Tick // earliest start free of higher-ranked events
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("event %s at %d conflicts with %s, earliest free start %d exceeds tolerance",
		e.Handle, e.Start, e.With, e.Needed)
}

// Is makes errors.Is(err, ErrScheduleConflict) match.
func (e *ConflictError) Is(target error) bool {
	return target == ErrScheduleConflict
}

// Timetable is the scheduler core.
type Timetable struct {
	mu     sync.Mutex
	timer  hal.Timer
	margin hal.Tick
	logger *logrus.Logger

	events *orderedmap.OrderedMap[handle.Handle, *Event]
	active *Event
	seq    uint64
}

// New creates a timetable driven by timer. margin is the prepare lead time.
// It installs itself as the timer's deadline handler.
func New(timer hal.Timer, margin hal.Tick, logger *logrus.Logger) *Timetable {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	t := &Timetable{
		timer:  timer,
		margin: margin,
		logger: logger,
		events: orderedmap.New[handle.Handle, *Event](),
	}
	timer.SetDeadlineHandler(func() {
		t.Tick(t.timer.Now())
	})
	return t
}

// Margin returns the prepare lead time.
func (t *Timetable) Margin() hal.Tick { return t.margin }

type call func()

func run(calls []call) {
	for _, c := range calls {
		c()
	}
}

func resolveCall(ev *Event, status evt.Status) call {
	return func() { ev.Handler.Resolve(ev, status) }
}

// Submit inserts ev ordered by start tick.
//
// A start in the past, or one that overlaps a higher-ranked event, is
// deferred by the smallest delta that fixes it; if that exceeds ev.Tolerance
// the submission fails with a *ConflictError. An event whose prepare
// deadline already passed is prepared at the next tick.
// Lower-ranked pending events overlapping ev are deferred in turn, and those
// that cannot be placed within their own tolerance are resolved as Missed.
func (t *Timetable) Submit(ev *Event) error {
	if ev == nil || ev.Handler == nil || ev.Handle == handle.Invalid || ev.Slot == 0 {
		return ErrInvalidEvent
	}

	t.mu.Lock()
	if _, exists := t.events.Get(ev.Handle); exists {
		t.mu.Unlock()
		return fmt.Errorf("submit %s: %w", ev.Handle, ErrDuplicate)
	}

	t.seq++
	ev.seq = t.seq
	ev.requested = ev.Start
	ev.status = StatusPending
	ev.cancel = false
	ev.aborting = false

	start, blocker := t.earliestFit(ev, max(ev.Start, t.timer.Now()))
	if start-ev.requested > ev.Tolerance {
		t.mu.Unlock()
		err := &ConflictError{Handle: ev.Handle, Start: ev.requested, Needed: start}
		if blocker != nil {
			err.With = blocker.Handle
		}
		t.logger.WithFields(logrus.Fields{
			"handle": ev.Handle,
			"kind":   ev.Kind,
			"start":  ev.requested,
			"needed": start,
		}).Debug("Submission rejected")
		return err
	}
	if start != ev.Start {
		t.logger.WithFields(logrus.Fields{
			"handle": ev.Handle,
			"from":   ev.Start,
			"to":     start,
		}).Debug("Submission deferred")
		ev.Start = start
	}

	t.insert(ev)
	calls := t.displace(ev)
	t.rearm()
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"handle":   ev.Handle,
		"kind":     ev.Kind,
		"start":    ev.Start,
		"slot":     ev.Slot,
		"priority": ev.Priority,
	}).Debug("Event submitted")

	run(calls)
	return nil
}

// earliestFit returns the first start >= from at which ev overlaps no event
// that outranks it, and the last event that pushed it.
func (t *Timetable) earliestFit(ev *Event, from hal.Tick) (hal.Tick, *Event) {
	start := from
	var blocker *Event
	for moved := true; moved; {
		moved = false
		for p := t.events.Oldest(); p != nil; p = p.Next() {
			o := p.Value
			if o == ev || !o.outranks(ev) {
				continue
			}
			if o.overlaps(start, start+ev.Slot) {
				start = o.end()
				blocker = o
				moved = true
			}
		}
	}
	return start, blocker
}

// insert places ev in start order. Caller holds mu.
func (t *Timetable) insert(ev *Event) {
	t.events.Set(ev.Handle, ev)
	for p := t.events.Oldest(); p != nil; p = p.Next() {
		if p.Value != ev && ev.before(p.Value) {
			_ = t.events.MoveBefore(ev.Handle, p.Key)
			return
		}
	}
}

func (t *Timetable) remove(ev *Event) {
	t.events.Delete(ev.Handle)
}

// displace re-places the lower-ranked pending events that overlap by,
// highest rank first, cascading to whatever they land on. Caller holds mu.
func (t *Timetable) displace(by *Event) []call {
	var calls []call
	work := t.overlappingPending(by)

	for len(work) > 0 {
		sort.SliceStable(work, func(i, j int) bool { return work[i].outranks(work[j]) })
		w := work[0]
		work = work[1:]
		if w.status != StatusPending {
			continue
		}
		if _, ok := t.events.Get(w.Handle); !ok {
			continue
		}

		start, _ := t.earliestFit(w, w.Start)
		if start == w.Start {
			continue
		}
		if start-w.requested > w.Tolerance {
			t.remove(w)
			w.status = StatusAborted
			t.logger.WithFields(logrus.Fields{
				"handle": w.Handle,
				"kind":   w.Kind,
				"start":  w.requested,
			}).Debug("Event displaced beyond tolerance")
			calls = append(calls, resolveCall(w, evt.Missed))
			continue
		}

		t.remove(w)
		w.Start = start
		t.insert(w)
		t.logger.WithFields(logrus.Fields{
			"handle": w.Handle,
			"start":  w.Start,
		}).Debug("Event deferred")
		work = append(work, t.overlappingPending(w)...)
	}
	return calls
}

func (t *Timetable) overlappingPending(by *Event) []*Event {
	var out []*Event
	for p := t.events.Oldest(); p != nil; p = p.Next() {
		o := p.Value
		if o != by && o.status == StatusPending && by.outranks(o) && o.overlaps(by.Start, by.end()) {
			out = append(out, o)
		}
	}
	return out
}

// Cancel removes the event identified by h. A pending event is removed at
// once and resolved Aborted without ever being prepared. A prepared or active
// event is aborted from interrupt context at the next tick, which is armed
// immediately. Unknown handles are ignored.
func (t *Timetable) Cancel(h handle.Handle) {
	t.mu.Lock()
	ev, ok := t.events.Get(h)
	if !ok {
		t.mu.Unlock()
		return
	}

	var calls []call
	switch ev.status {
	case StatusPending:
		t.remove(ev)
		ev.status = StatusAborted
		calls = append(calls, resolveCall(ev, evt.Aborted))
		t.rearm()
	default:
		ev.cancel = true
		t.timer.ArmDeadline(t.timer.Now())
	}
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"handle": h,
		"status": ev.status,
	}).Debug("Event cancelled")
	run(calls)
}

// Tick advances the timetable to now: cancellations, prepare deadlines with
// preemption of lower-ranked events, and starts.
func (t *Timetable) Tick(now hal.Tick) {
	for {
		calls, more := t.step(now)
		run(calls)
		if !more {
			break
		}
	}

	t.mu.Lock()
	t.rearm()
	t.mu.Unlock()
}

// step performs the first due action and returns the callbacks it produced.
func (t *Timetable) step(now hal.Tick) ([]call, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for p := t.events.Oldest(); p != nil; p = p.Next() {
		ev := p.Value

		if ev.cancel {
			switch ev.status {
			case StatusPrepared:
				t.remove(ev)
				ev.status = StatusAborted
				return []call{resolveCall(ev, evt.Aborted)}, true
			case StatusActive:
				if !ev.aborting {
					ev.aborting = true
					return []call{func() { ev.Handler.Abort(ev) }}, true
				}
			}
			continue
		}

		switch ev.status {
		case StatusPending:
			if now+t.margin < ev.Start {
				continue
			}
			if now > ev.Start {
				// the deadline interrupt arrived late; run it now if the
				// tolerance still allows
				if start, _ := t.earliestFit(ev, now); start-ev.requested <= ev.Tolerance {
					t.remove(ev)
					ev.Start = start
					t.insert(ev)
					t.logger.WithFields(logrus.Fields{
						"handle": ev.Handle,
						"start":  ev.Start,
					}).Debug("Late event deferred")
					return t.displace(ev), true
				}
				t.remove(ev)
				ev.status = StatusAborted
				t.logger.WithFields(logrus.Fields{
					"handle": ev.Handle,
					"start":  ev.Start,
					"now":    now,
				}).Debug("Prepare deadline missed")
				return []call{resolveCall(ev, evt.Missed)}, true
			}
			calls := t.preempt(ev)
			ev.status = StatusPrepared
			calls = append(calls, func() {
				if err := ev.Handler.Prepare(ev); err != nil {
					t.fail(ev, StatusPrepared, err)
				}
			})
			return calls, true

		case StatusPrepared:
			if now < ev.Start {
				continue
			}
			if a := t.active; a != nil {
				if a.aborting {
					t.logger.Panicf("event %s still active after abort, cannot start %s", a.Handle, ev.Handle)
				}
				a.aborting = true
				t.logger.WithFields(logrus.Fields{
					"handle":  a.Handle,
					"overrun": ev.Handle,
				}).Debug("Active event overran its slot")
				return []call{func() {
					a.Handler.Abort(a)
					t.mu.Lock()
					stuck := t.active == a
					t.mu.Unlock()
					if stuck {
						t.logger.Panicf("event %s still active after abort, cannot start %s", a.Handle, ev.Handle)
					}
				}}, true
			}
			ev.status = StatusActive
			t.active = ev
			return []call{func() {
				if err := ev.Handler.Execute(ev); err != nil {
					t.fail(ev, StatusActive, err)
				}
			}}, true
		}
	}
	return nil, false
}

// preempt aborts lower-ranked prepared or active events overlapping ev.
// Caller holds mu.
func (t *Timetable) preempt(ev *Event) []call {
	var calls []call
	for p := t.events.Oldest(); p != nil; p = p.Next() {
		o := p.Value
		if o == ev || !ev.outranks(o) || !o.overlaps(ev.Start, ev.end()) {
			continue
		}
		switch o.status {
		case StatusPrepared:
			t.remove(o)
			o.status = StatusAborted
			calls = append(calls, resolveCall(o, evt.Aborted))
		case StatusActive:
			if !o.aborting {
				o.aborting = true
				calls = append(calls, func() { o.Handler.Abort(o) })
			}
		default:
			continue
		}
		t.logger.WithFields(logrus.Fields{
			"handle": o.Handle,
			"by":     ev.Handle,
		}).Debug("Event preempted")
	}
	return calls
}

// fail drops an event whose Prepare or Execute callback failed.
func (t *Timetable) fail(ev *Event, in Status, err error) {
	t.mu.Lock()
	if ev.status != in {
		t.mu.Unlock()
		return
	}
	t.remove(ev)
	if t.active == ev {
		t.active = nil
	}
	ev.status = StatusAborted
	t.rearm()
	t.mu.Unlock()

	t.logger.WithError(err).WithField("handle", ev.Handle).Warn("Radio event callback failed")
	ev.Handler.Resolve(ev, evt.Missed)
}

// Complete marks the active event done. It is called by the executor when
// the radio event finished; completing any other event is an invariant
// violation.
func (t *Timetable) Complete(h handle.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active == nil || t.active.Handle != h {
		t.logger.Panicf("complete for non-active event %s", h)
	}
	ev := t.active
	t.active = nil
	t.remove(ev)
	if ev.aborting {
		ev.status = StatusAborted
	} else {
		ev.status = StatusDone
	}
	t.rearm()
}

// rearm programs the timer for the next deadline. Caller holds mu.
func (t *Timetable) rearm() {
	next, ok := t.next()
	if !ok {
		t.timer.DisarmDeadline()
		return
	}
	t.timer.ArmDeadline(next)
}

func (t *Timetable) next() (hal.Tick, bool) {
	var (
		next  hal.Tick
		found bool
	)
	for p := t.events.Oldest(); p != nil; p = p.Next() {
		ev := p.Value
		var at hal.Tick
		switch {
		case ev.cancel && !ev.aborting:
			at = t.timer.Now()
		case ev.status == StatusPending:
			if ev.Start > t.margin {
				at = ev.Start - t.margin
			}
		case ev.status == StatusPrepared:
			at = ev.Start
		default:
			continue
		}
		if !found || at < next {
			next, found = at, true
		}
	}
	return next, found
}

// Next returns the next deadline the timer is armed for.
func (t *Timetable) Next() (hal.Tick, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next()
}

// Status returns the scheduling state of h, or StatusUnknown once it left
// the timetable.
func (t *Timetable) Status(h handle.Handle) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ev, ok := t.events.Get(h); ok {
		return ev.status
	}
	return StatusUnknown
}

// Active returns the handle of the active event.
func (t *Timetable) Active() (handle.Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		return handle.Invalid, false
	}
	return t.active.Handle, true
}

// Len returns the number of scheduled events.
func (t *Timetable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events.Len()
}

// Snapshot is a read-only view of a scheduled event.
type Snapshot struct {
	Handle   handle.Handle
	Kind     evt.Kind
	Start    hal.Tick
	Slot     hal.Tick
	Priority uint8
	Status   Status
}

// Events returns the scheduled events in start order.
func (t *Timetable) Events() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Snapshot, 0, t.events.Len())
	for p := t.events.Oldest(); p != nil; p = p.Next() {
		ev := p.Value
		out = append(out, Snapshot{
			Handle:   ev.Handle,
			Kind:     ev.Kind,
			Start:    ev.Start,
			Slot:     ev.Slot,
			Priority: ev.Priority,
			Status:   ev.status,
		})
	}
	return out
}
