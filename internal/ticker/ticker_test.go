package ticker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blell/internal/evt"
	"github.com/srg/blell/internal/hal"
	"github.com/srg/blell/internal/hal/host"
	"github.com/srg/blell/internal/hal/sim"
	"github.com/srg/blell/internal/handle"
	"github.com/srg/blell/internal/irq"
)

const (
	prioLow  uint8 = 1
	prioHigh uint8 = 3
	margin         = hal.Tick(150)
)

// recorder is a Handler that occupies the radio for the whole slot.
type recorder struct {
	t     *testing.T
	tt    *Timetable
	clock *sim.Clock

	executing *Event
	prepared  map[handle.Handle]hal.Tick
	started   map[handle.Handle]hal.Tick
	done      map[handle.Handle]hal.Tick
	aborted   map[handle.Handle]hal.Tick
	resolved  map[handle.Handle]evt.Status
	order     []handle.Handle
	cancels   map[handle.Handle]func()
	failOn    map[handle.Handle]bool
}

func newRecorder(t *testing.T, clock *sim.Clock) *recorder {
	return &recorder{
		t:        t,
		clock:    clock,
		prepared: map[handle.Handle]hal.Tick{},
		started:  map[handle.Handle]hal.Tick{},
		done:     map[handle.Handle]hal.Tick{},
		aborted:  map[handle.Handle]hal.Tick{},
		resolved: map[handle.Handle]evt.Status{},
		cancels:  map[handle.Handle]func(){},
		failOn:   map[handle.Handle]bool{},
	}
}

func (r *recorder) Prepare(ev *Event) error {
	r.prepared[ev.Handle] = r.clock.Now()
	return nil
}

func (r *recorder) Execute(ev *Event) error {
	if r.failOn[ev.Handle] {
		return errors.New("radio refused")
	}
	require.Nil(r.t, r.executing, "two events MUST never be active at once")
	r.executing = ev
	r.started[ev.Handle] = r.clock.Now()
	r.order = append(r.order, ev.Handle)
	r.cancels[ev.Handle] = r.clock.After(ev.Start+ev.Slot, func() {
		r.executing = nil
		r.done[ev.Handle] = r.clock.Now()
		r.tt.Complete(ev.Handle)
	})
	return nil
}

func (r *recorder) Abort(ev *Event) {
	r.cancels[ev.Handle]()
	r.executing = nil
	r.aborted[ev.Handle] = r.clock.Now()
	r.tt.Complete(ev.Handle)
}

func (r *recorder) Resolve(ev *Event, status evt.Status) {
	r.resolved[ev.Handle] = status
}

type TimetableTestSuite struct {
	suite.Suite
	clock *sim.Clock
	rec   *recorder
	tt    *Timetable
}

func (s *TimetableTestSuite) SetupTest() {
	s.clock = sim.NewClock(time.Microsecond)
	s.rec = newRecorder(s.T(), s.clock)
	s.tt = New(s.clock, margin, nil)
	s.rec.tt = s.tt
}

func (s *TimetableTestSuite) event(h handle.Handle, kind evt.Kind, prio uint8, start, slot, tolerance hal.Tick) *Event {
	return &Event{
		Handle:    h,
		Kind:      kind,
		Priority:  prio,
		Start:     start,
		Slot:      slot,
		Tolerance: tolerance,
		Handler:   s.rec,
	}
}

func (s *TimetableTestSuite) TestSingleEventLifecycle() {
	ev := s.event(1, evt.KindScanner, prioLow, 1000, 200, 0)
	s.Require().NoError(s.tt.Submit(ev))
	s.Equal(StatusPending, s.tt.Status(1))

	next, ok := s.tt.Next()
	s.True(ok)
	s.Equal(hal.Tick(850), next, "first deadline MUST be the prepare deadline")

	s.clock.AdvanceTo(850)
	s.Equal(hal.Tick(850), s.rec.prepared[1])
	s.Equal(StatusPrepared, s.tt.Status(1))

	s.clock.AdvanceTo(1000)
	s.Equal(hal.Tick(1000), s.rec.started[1])
	s.Equal(StatusActive, s.tt.Status(1))
	active, ok := s.tt.Active()
	s.True(ok)
	s.Equal(handle.Handle(1), active)

	s.clock.AdvanceTo(1200)
	s.Equal(hal.Tick(1200), s.rec.done[1])
	s.Equal(StatusUnknown, s.tt.Status(1))
	s.Equal(0, s.tt.Len())
	_, armed := s.clock.Deadline()
	s.False(armed, "empty timetable MUST disarm the timer")
}

// A(start=1000, slot=200, low) then B(start=1050, slot=100, high).
func (s *TimetableTestSuite) TestLowerPriorityDroppedWhenNoTolerance() {
	s.Require().NoError(s.tt.Submit(s.event(0xA, evt.KindAdvertiser, prioLow, 1000, 200, 0)))
	s.Require().NoError(s.tt.Submit(s.event(0xB, evt.KindConnection, prioHigh, 1050, 100, 0)))

	s.Equal(evt.Missed, s.rec.resolved[0xA], "A MUST be dropped")
	s.clock.AdvanceTo(2000)

	s.Equal(hal.Tick(1050), s.rec.started[0xB], "B MUST execute unaffected")
	s.NotContains(s.rec.prepared, handle.Handle(0xA))
}

func (s *TimetableTestSuite) TestLowerPriorityDeferredWithinTolerance() {
	s.Require().NoError(s.tt.Submit(s.event(0xA, evt.KindAdvertiser, prioLow, 1000, 200, 500)))
	s.Require().NoError(s.tt.Submit(s.event(0xB, evt.KindConnection, prioHigh, 1050, 100, 0)))

	s.clock.AdvanceTo(2000)
	s.Equal(hal.Tick(1050), s.rec.started[0xB])
	s.Equal(hal.Tick(1150), s.rec.started[0xA], "A MUST be deferred by the smallest delta")
	s.Equal([]handle.Handle{0xB, 0xA}, s.rec.order)
}

func (s *TimetableTestSuite) TestSubmissionOrderDoesNotChangeLoser() {
	s.Require().NoError(s.tt.Submit(s.event(0xB, evt.KindConnection, prioHigh, 1050, 100, 0)))

	err := s.tt.Submit(s.event(0xA, evt.KindAdvertiser, prioLow, 1000, 200, 0))
	s.ErrorIs(err, ErrScheduleConflict)
	var conflict *ConflictError
	s.Require().ErrorAs(err, &conflict)
	s.Equal(handle.Handle(0xB), conflict.With)
	s.Equal(hal.Tick(1150), conflict.Needed)

	s.clock.AdvanceTo(2000)
	s.Equal(hal.Tick(1050), s.rec.started[0xB])
	s.NotContains(s.rec.started, handle.Handle(0xA))
}

func (s *TimetableTestSuite) TestEqualPriorityTieBreaks() {
	// kind first: scan_aux outranks scanner at equal priority
	s.Require().NoError(s.tt.Submit(s.event(1, evt.KindScanner, 2, 1000, 100, 0)))
	s.Require().NoError(s.tt.Submit(s.event(2, evt.KindScanAux, 2, 1000, 100, 0)))
	s.Equal(evt.Missed, s.rec.resolved[1])

	// then submission order: the earlier one keeps its slot
	s.Require().NoError(s.tt.Submit(s.event(3, evt.KindScanner, 2, 3000, 100, 0)))
	s.ErrorIs(s.tt.Submit(s.event(4, evt.KindScanner, 2, 3050, 100, 0)), ErrScheduleConflict)
}

func (s *TimetableTestSuite) TestCancelBeforePrepare() {
	s.Require().NoError(s.tt.Submit(s.event(1, evt.KindScanner, prioLow, 1000, 100, 0)))
	s.clock.AdvanceTo(500)

	s.tt.Cancel(1)
	s.Equal(evt.Aborted, s.rec.resolved[1])
	s.Equal(0, s.tt.Len())

	s.clock.AdvanceTo(2000)
	s.NotContains(s.rec.prepared, handle.Handle(1), "cancelled event MUST NOT be prepared")

	s.tt.Cancel(1)
	s.tt.Cancel(42)
}

func (s *TimetableTestSuite) TestCancelPrepared() {
	s.Require().NoError(s.tt.Submit(s.event(1, evt.KindScanner, prioLow, 1000, 100, 0)))
	s.clock.AdvanceTo(900)
	s.Require().Equal(StatusPrepared, s.tt.Status(1))

	s.tt.Cancel(1)
	s.NotContains(s.rec.resolved, handle.Handle(1), "prepared event is aborted from interrupt context")
	s.clock.AdvanceTo(901)
	s.Equal(evt.Aborted, s.rec.resolved[1])

	s.clock.AdvanceTo(2000)
	s.NotContains(s.rec.started, handle.Handle(1))
}

func (s *TimetableTestSuite) TestCancelActive() {
	s.Require().NoError(s.tt.Submit(s.event(1, evt.KindScanner, prioLow, 1000, 500, 0)))
	s.clock.AdvanceTo(1100)
	s.Require().Equal(StatusActive, s.tt.Status(1))

	s.tt.Cancel(1)
	s.clock.AdvanceTo(1100)
	s.Equal(hal.Tick(1100), s.rec.aborted[1])
	s.NotContains(s.rec.done, handle.Handle(1))

	_, active := s.tt.Active()
	s.False(active)
}

func (s *TimetableTestSuite) TestPreemptActiveAtPrepare() {
	s.Require().NoError(s.tt.Submit(s.event(0xA, evt.KindScanner, prioLow, 1000, 1000, 0)))
	s.clock.AdvanceTo(1100)
	s.Require().Equal(StatusActive, s.tt.Status(0xA))

	s.Require().NoError(s.tt.Submit(s.event(0xB, evt.KindConnection, prioHigh, 1500, 100, 0)))
	s.clock.AdvanceTo(3000)

	s.Equal(hal.Tick(1350), s.rec.aborted[0xA], "A MUST be aborted at B's prepare deadline")
	s.Equal(hal.Tick(1500), s.rec.started[0xB])
}

func (s *TimetableTestSuite) TestPreemptPreparedAtPrepare() {
	s.Require().NoError(s.tt.Submit(s.event(0xA, evt.KindScanner, prioLow, 1000, 200, 0)))
	s.clock.AdvanceTo(860)
	s.Require().Equal(StatusPrepared, s.tt.Status(0xA))

	// B lands inside A's prepare window: A cannot be deferred any more
	s.Require().NoError(s.tt.Submit(s.event(0xB, evt.KindConnection, prioHigh, 1010, 50, 0)))
	s.clock.AdvanceTo(2000)

	s.Equal(evt.Aborted, s.rec.resolved[0xA])
	s.Equal(hal.Tick(1010), s.rec.started[0xB])
	s.NotContains(s.rec.started, handle.Handle(0xA))
}

func (s *TimetableTestSuite) TestLateSubmission() {
	s.clock.AdvanceTo(1000)

	err := s.tt.Submit(s.event(1, evt.KindScanner, prioLow, 900, 100, 0))
	s.ErrorIs(err, ErrScheduleConflict, "start in the past MUST need tolerance")

	s.Require().NoError(s.tt.Submit(s.event(2, evt.KindScanner, prioLow, 900, 100, 200)))
	// inside the prepare margin: prepared at once, started on time
	s.Require().NoError(s.tt.Submit(s.event(3, evt.KindScanAux, prioLow, 1120, 50, 0)))
	s.clock.AdvanceTo(2000)

	s.Equal(hal.Tick(1000), s.rec.prepared[2])
	s.Equal(hal.Tick(1000), s.rec.started[2], "deferred to now")
	s.Equal(hal.Tick(1000), s.rec.prepared[3], "prepare deadline 970 already passed")
	s.Equal(hal.Tick(1120), s.rec.started[3])
}

func (s *TimetableTestSuite) TestLateDeadlineInterrupt() {
	s.Require().NoError(s.tt.Submit(s.event(1, evt.KindScanner, prioLow, 1000, 100, 200)))
	s.Require().NoError(s.tt.Submit(s.event(2, evt.KindScanner, prioLow, 3000, 100, 100)))

	// interrupt delivered after the start, inside the tolerance
	s.tt.Tick(1050)
	s.Equal(StatusActive, s.tt.Status(1), "a late event within tolerance MUST still run")
	s.Contains(s.rec.started, handle.Handle(1))
	s.NotContains(s.rec.resolved, handle.Handle(1))

	s.clock.AdvanceTo(1200)
	s.Equal(StatusUnknown, s.tt.Status(1))

	// past the tolerance
	s.tt.Tick(3200)
	s.Equal(evt.Missed, s.rec.resolved[2])
	s.NotContains(s.rec.started, handle.Handle(2))
	s.Equal(0, s.tt.Len())
}

func (s *TimetableTestSuite) TestCascadingDeferral() {
	s.Require().NoError(s.tt.Submit(s.event(1, evt.KindScanner, prioLow, 1000, 100, 1000)))
	s.Require().NoError(s.tt.Submit(s.event(2, evt.KindAdvertiser, 2, 1100, 100, 1000)))
	s.Require().NoError(s.tt.Submit(s.event(3, evt.KindConnection, prioHigh, 1000, 150, 0)))

	s.clock.AdvanceTo(3000)
	s.Equal(hal.Tick(1000), s.rec.started[3])
	s.Equal(hal.Tick(1150), s.rec.started[2], "2 deferred past 3")
	s.Equal(hal.Tick(1250), s.rec.started[1], "1 deferred past 3 and then past 2")
	s.Empty(s.rec.resolved)
}

func (s *TimetableTestSuite) TestExecuteFailureResolvesMissed() {
	s.rec.failOn[1] = true
	s.Require().NoError(s.tt.Submit(s.event(1, evt.KindScanner, prioLow, 1000, 100, 0)))
	s.clock.AdvanceTo(2000)

	s.Equal(evt.Missed, s.rec.resolved[1])
	_, active := s.tt.Active()
	s.False(active)
}

func (s *TimetableTestSuite) TestSubmitValidation() {
	s.ErrorIs(s.tt.Submit(nil), ErrInvalidEvent)
	s.ErrorIs(s.tt.Submit(s.event(handle.Invalid, evt.KindScanner, 1, 1000, 10, 0)), ErrInvalidEvent)
	s.ErrorIs(s.tt.Submit(s.event(1, evt.KindScanner, 1, 1000, 0, 0)), ErrInvalidEvent)

	s.Require().NoError(s.tt.Submit(s.event(1, evt.KindScanner, 1, 1000, 10, 0)))
	s.ErrorIs(s.tt.Submit(s.event(1, evt.KindScanner, 1, 5000, 10, 0)), ErrDuplicate)
}

func (s *TimetableTestSuite) TestCompleteNonActivePanics() {
	s.Panics(func() { s.tt.Complete(7) })
}

func (s *TimetableTestSuite) TestEventsSnapshotOrdered() {
	s.Require().NoError(s.tt.Submit(s.event(1, evt.KindScanner, 1, 3000, 10, 0)))
	s.Require().NoError(s.tt.Submit(s.event(2, evt.KindScanner, 1, 1000, 10, 0)))
	s.Require().NoError(s.tt.Submit(s.event(3, evt.KindScanner, 1, 2000, 10, 0)))

	var got []handle.Handle
	for _, e := range s.tt.Events() {
		got = append(got, e.Handle)
		s.Equal(StatusPending, e.Status)
	}
	s.Equal([]handle.Handle{2, 3, 1}, got)
}

func TestTimetableTestSuite(t *testing.T) {
	suite.Run(t, new(TimetableTestSuite))
}

// Random submissions and cancellations never produce two active events and
// always execute in non-decreasing start order.
func TestTimetable_RandomSubmissions(t *testing.T) {
	kinds := []evt.Kind{evt.KindConnection, evt.KindScanAux, evt.KindAdvertiser, evt.KindScanner}

	for seed := int64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		clock := sim.NewClock(time.Microsecond)
		rec := newRecorder(t, clock)
		tt := New(clock, margin, nil)
		rec.tt = tt

		starts := map[handle.Handle]hal.Tick{}
		var next handle.Handle
		for step := 0; step < 200; step++ {
			now := clock.Now()
			switch rng.Intn(4) {
			case 0, 1:
				next++
				ev := &Event{
					Handle:    next,
					Kind:      kinds[rng.Intn(len(kinds))],
					Priority:  uint8(rng.Intn(3)),
					Start:     now + margin + hal.Tick(rng.Intn(3000)),
					Slot:      hal.Tick(50 + rng.Intn(400)),
					Tolerance: hal.Tick(rng.Intn(600)),
					Handler:   rec,
				}
				if err := tt.Submit(ev); err != nil {
					require.ErrorIs(t, err, ErrScheduleConflict)
				}
			case 2:
				tt.Cancel(handle.Handle(rng.Intn(int(next) + 1)))
			case 3:
				clock.Advance(hal.Tick(rng.Intn(500)))
			}
			for h, at := range rec.started {
				starts[h] = at
			}
		}
		clock.Run(100000)

		var prev hal.Tick
		for _, h := range rec.order {
			assert.GreaterOrEqual(t, rec.started[h], prev, "seed %d: events MUST start in order", seed)
			prev = rec.started[h]
		}
		assert.Equal(t, 0, tt.Len(), "seed %d: everything MUST drain", seed)
	}
}

// hostHandler occupies the radio for the whole slot on the host clock.
type hostHandler struct {
	clock *host.Clock
	tt    *Timetable

	mu       sync.Mutex
	started  []handle.Handle
	resolved map[handle.Handle]evt.Status
	cancels  map[handle.Handle]func()
}

func (h *hostHandler) Prepare(*Event) error { return nil }

func (h *hostHandler) Execute(ev *Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, ev.Handle)
	h.cancels[ev.Handle] = h.clock.After(ev.Start+ev.Slot, func() { h.tt.Complete(ev.Handle) })
	return nil
}

func (h *hostHandler) Abort(ev *Event) {
	h.mu.Lock()
	cancel := h.cancels[ev.Handle]
	h.mu.Unlock()
	cancel()
	h.tt.Complete(ev.Handle)
}

func (h *hostHandler) Resolve(ev *Event, status evt.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resolved[ev.Handle] = status
}

func (h *hostHandler) snapshot() ([]handle.Handle, map[handle.Handle]evt.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	resolved := make(map[handle.Handle]evt.Status, len(h.resolved))
	for k, v := range h.resolved {
		resolved[k] = v
	}
	return append([]handle.Handle(nil), h.started...), resolved
}

// On a real clock the deadline interrupt of a late submission always arrives
// after the start it was deferred to.
func TestTimetable_LateSubmissionOnHostClock(t *testing.T) {
	line := irq.NewLine(context.Background(), "ticker-test", 16, nil)
	t.Cleanup(line.Close)
	clock := host.NewClock(line, time.Microsecond, nil)

	h := &hostHandler{
		clock:    clock,
		resolved: map[handle.Handle]evt.Status{},
		cancels:  map[handle.Handle]func(){},
	}
	tt := New(clock, margin, nil)
	h.tt = tt

	time.Sleep(time.Millisecond)
	now := clock.Now()
	require.NoError(t, tt.Submit(&Event{
		Handle:    1,
		Kind:      evt.KindScanner,
		Priority:  prioLow,
		Start:     now - 50,
		Slot:      500,
		Tolerance: 50_000,
		Handler:   h,
	}))

	require.Eventually(t, func() bool { return tt.Len() == 0 }, time.Second, time.Millisecond,
		"the event MUST run to completion")
	started, resolved := h.snapshot()
	assert.Equal(t, []handle.Handle{1}, started, "an accepted late event MUST run")
	assert.Empty(t, resolved, "an accepted late event MUST NOT be reported missed")
}
