// Package ull is the upper link layer: role contexts owned by the thread
// context, their state machines, and the completion path that turns radio
// event results into the next submissions.
package ull

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"

	"github.com/srg/blell/internal/evt"
	"github.com/srg/blell/internal/hal"
	"github.com/srg/blell/internal/handle"
	"github.com/srg/blell/internal/lll"
	"github.com/srg/blell/internal/ticker"
)

// maxSubmitTries bounds how many later occurrences a periodic role tries
// when its event conflicts with higher-ranked events.
const maxSubmitTries = 16

// Config holds what the role manager needs to size its arenas and build
// events.
type Config struct {
	Resolution time.Duration
	IFSUS      uint32
	JitterUS   uint32

	Priority  map[evt.Kind]uint8
	Tolerance map[evt.Kind]time.Duration

	Advertisers       int
	Scanners          int
	MaxConnections    int
	AuxScanPool       int
	NotificationDepth int
	Seed              int64
}

func (c *Config) setDefaults() {
	if c.Advertisers <= 0 {
		c.Advertisers = 1
	}
	if c.Scanners <= 0 {
		c.Scanners = 1
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 1
	}
	if c.AuxScanPool <= 0 {
		c.AuxScanPool = 1
	}
	if c.NotificationDepth <= 0 {
		c.NotificationDepth = 256
	}
	if c.IFSUS == 0 {
		c.IFSUS = 150
	}
}

// Manager is the role context manager.
//
// Create, Enable, Disable, Send and Process run in thread context and are
// serialized by the manager. OnEventComplete runs in interrupt context and
// only touches the handle registries and the done FIFO.
type Manager struct {
	mu      sync.Mutex
	tt      *ticker.Timetable
	timer   hal.Timer
	handler ticker.Handler
	cfg     Config
	logger  *logrus.Logger

	arenas [evt.KindScanner + 1]*arena
	roles  *hashmap.Map[RoleID, *Role]
	done   mpmc.RichOverlappedRingBuffer[evt.Result]
	notes  *Queue
	rng    *rand.Rand
	nextID RoleID
	wake   atomic.Pointer[func()]
}

// New creates a manager submitting to tt. handler is the executor that runs
// the events; its completion records must be delivered to OnEventComplete.
func New(tt *ticker.Timetable, timer hal.Timer, handler ticker.Handler, cfg Config, logger *logrus.Logger) (*Manager, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	cfg.setDefaults()
	if cfg.Resolution <= 0 {
		cfg.Resolution = timer.Resolution()
	}

	m := &Manager{
		tt:      tt,
		timer:   timer,
		handler: handler,
		cfg:     cfg,
		logger:  logger,
		roles:   hashmap.New[RoleID, *Role](),
		notes:   NewQueue(cfg.NotificationDepth),
		rng:     rand.New(rand.NewSource(cfg.Seed)),
	}

	sizes := map[evt.Kind]int{
		evt.KindConnection: cfg.MaxConnections,
		evt.KindScanAux:    cfg.AuxScanPool,
		evt.KindAdvertiser: cfg.Advertisers,
		evt.KindScanner:    cfg.Scanners,
	}
	total := 0
	for _, k := range evt.Kinds {
		a, err := newArena(k, sizes[k])
		if err != nil {
			return nil, err
		}
		m.arenas[k] = a
		total += sizes[k]
	}
	// every role has at most one event in flight; leave room for one
	// unprocessed result per role plus the ones cancelled while disabling
	m.done = mpmc.NewOverlappedRingBuffer[evt.Result](uint32(2 * total))
	return m, nil
}

// Notifications returns the notification queue.
func (m *Manager) Notifications() *Queue { return m.notes }

// SetWake installs a function called from interrupt context after a result
// is queued, to schedule Process.
func (m *Manager) SetWake(fn func()) {
	m.wake.Store(&fn)
}

func (m *Manager) ticks(d time.Duration) hal.Tick {
	if d <= 0 {
		return 0
	}
	res := m.cfg.Resolution
	return hal.Tick((d + res - 1) / res)
}

func (m *Manager) us(us uint32) hal.Tick {
	return hal.USToTicks(us, m.cfg.Resolution)
}

func (m *Manager) arena(kind evt.Kind) *arena {
	if kind == 0 || int(kind) >= len(m.arenas) {
		return nil
	}
	return m.arenas[kind]
}

// Create allocates and validates a role context. The role stays idle until
// Enable.
func (m *Manager) Create(kind evt.Kind, cfg RoleConfig) (RoleID, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(kind); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.alloc(kind, 0)
	if err != nil {
		return 0, err
	}
	switch kind {
	case evt.KindAdvertiser:
		err = m.initAdv(r, *cfg.Advertiser)
	case evt.KindScanner:
		m.initScan(r, *cfg.Scanner)
	case evt.KindConnection:
		m.initConn(r, *cfg.Connection)
	}
	if err != nil {
		m.release(r)
		return 0, err
	}

	m.logger.WithFields(logrus.Fields{
		"role": r.id,
		"kind": kind,
	}).Info("Role created")
	return r.id, nil
}

func (m *Manager) alloc(kind evt.Kind, parent RoleID) (*Role, error) {
	a := m.arena(kind)
	if a == nil {
		return nil, invalid(kind, "kind", "unsupported")
	}
	m.nextID++
	r, err := a.alloc(m.nextID)
	if err != nil {
		return nil, err
	}
	r.parent = parent
	m.roles.Set(r.id, r)
	return r, nil
}

func (m *Manager) release(r *Role) {
	m.roles.Del(r.id)
	m.arenas[r.kind].release(r)
}

func (m *Manager) lookup(id RoleID) (*Role, error) {
	r, ok := m.roles.Get(id)
	if !ok || r.disabling {
		return nil, fmt.Errorf("role %d: %w", id, ErrUnknownRole)
	}
	return r, nil
}

// Enable submits the first event of a role, one prepare margin from now.
func (m *Manager) Enable(id RoleID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.lookup(id)
	if err != nil {
		return err
	}
	if r.kind == evt.KindScanAux {
		return fmt.Errorf("role %d: %w", id, ErrWrongKind)
	}
	if r.enabled {
		return fmt.Errorf("role %d: %w", id, ErrAlreadyEnabled)
	}

	r.enabled = true
	r.next = m.timer.Now() + m.tt.Margin()
	if r.conn != nil {
		r.conn.lastRx = r.next
	}
	if err := m.submit(r); err != nil {
		r.enabled = false
		return fmt.Errorf("enable role %d: %w", id, err)
	}

	m.logger.WithFields(logrus.Fields{
		"role":  id,
		"kind":  r.kind,
		"start": r.next,
	}).Info("Role enabled")
	return nil
}

// Disable stops a role and destroys its context once no event references
// it. Disabling an unknown or already disabled role is a no-op.
func (m *Manager) Disable(id RoleID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.roles.Get(id)
	if !ok || r.disabling {
		return nil
	}
	m.disable(r)
	m.drain()
	return nil
}

func (m *Manager) disable(r *Role) {
	r.enabled = false
	r.disabling = true

	if r.kind == evt.KindScanner {
		for i := range m.arenas[evt.KindScanAux].roles {
			c := &m.arenas[evt.KindScanAux].roles[i]
			if c.inUse && c.parent == r.id && !c.disabling {
				m.disable(c)
			}
		}
	}

	if r.h == handle.Invalid {
		m.destroy(r)
		return
	}
	m.logger.WithFields(logrus.Fields{
		"role":   r.id,
		"handle": r.h,
	}).Debug("Cancelling in-flight event")
	m.tt.Cancel(r.h)
}

func (m *Manager) destroy(r *Role) {
	if r.kind == evt.KindScanAux {
		m.chainDone(r, NotifyChainIncomplete, evt.Aborted)
	}
	n := Notification{
		Type:   NotifyRoleDestroyed,
		Role:   r.id,
		Parent: r.parent,
		Kind:   r.kind,
		Status: r.last,
		At:     m.timer.Now(),
	}
	id, kind := r.id, r.kind
	m.release(r)
	if kind != evt.KindScanAux {
		m.emit(n)
	}
	m.logger.WithFields(logrus.Fields{
		"role": id,
		"kind": kind,
	}).Info("Role destroyed")
}

// submit registers a handle for the role's next event and hands it to the
// timetable. A periodic role that conflicts moves on to its next occurrence.
func (m *Manager) submit(r *Role) error {
	a := m.arenas[r.kind]
	var lastErr error
	for try := 0; try < maxSubmitTries; try++ {
		slot := m.arm(r)

		h, err := a.reg.Register(r)
		if err != nil {
			return fmt.Errorf("%s handle: %w", r.kind, errors.Join(ErrPoolExhausted, err))
		}
		if err := a.reg.Transfer(h, handle.Thread, handle.ISR); err != nil {
			_ = a.reg.Unregister(h)
			return err
		}
		r.h = h
		r.ev = ticker.Event{
			Handle:    h,
			Kind:      r.kind,
			Priority:  m.cfg.Priority[r.kind],
			Start:     r.next,
			Slot:      slot,
			Tolerance: m.ticks(m.cfg.Tolerance[r.kind]),
			Handler:   m.handler,
			Context:   &r.inst,
		}

		err = m.tt.Submit(&r.ev)
		if err == nil {
			return nil
		}

		if terr := a.reg.Transfer(h, handle.ISR, handle.Thread); terr == nil {
			_ = a.reg.Unregister(h)
		}
		r.h = handle.Invalid
		lastErr = err
		if !errors.Is(err, ticker.ErrScheduleConflict) {
			return err
		}

		r.counters.Conflicts++
		m.logger.WithError(err).WithField("role", r.id).Debug("Event conflicts, trying next occurrence")
		if !m.skip(r) {
			break
		}
	}
	return lastErr
}

// arm fills the role's instance for the event at r.next and returns its slot.
func (m *Manager) arm(r *Role) hal.Tick {
	switch r.kind {
	case evt.KindAdvertiser:
		return m.armAdv(r)
	case evt.KindScanner:
		return m.armScan(r)
	case evt.KindScanAux:
		return m.armAux(r)
	default:
		return m.armConn(r)
	}
}

// skip moves r.next to the following occurrence. It reports false for roles
// with a single fixed occurrence.
func (m *Manager) skip(r *Role) bool {
	switch r.kind {
	case evt.KindAdvertiser:
		m.advanceAdv(r)
	case evt.KindScanner:
		m.advanceScan(r)
	case evt.KindConnection:
		m.advanceConn(r)
	default:
		return false
	}
	return true
}

// OnEventComplete receives a completion record from the executor. It runs
// in interrupt context: stale handles are dropped, live ones are handed back
// to the thread context through the done FIFO.
func (m *Manager) OnEventComplete(h handle.Handle, res evt.Result) {
	a := m.arena(evt.Kind(h.Pool()))
	if a == nil {
		m.logger.WithField("handle", h).Debug("Completion for unknown handle pool")
		return
	}
	if _, ok := a.reg.Resolve(h); !ok {
		m.logger.WithField("handle", h).Debug("Completion for stale handle")
		return
	}
	if err := a.reg.Transfer(h, handle.ISR, handle.Thread); err != nil {
		m.logger.WithError(err).WithField("handle", h).Debug("Completion handoff failed")
		return
	}

	res.Handle = h
	overwrites, err := m.done.EnqueueM(res)
	if err != nil {
		m.logger.WithError(err).WithField("handle", h).Error("Done FIFO enqueue failed")
		return
	}
	if overwrites > 0 {
		m.logger.WithField("overwrites", overwrites).Error("Done FIFO overflow")
	}
	if wake := m.wake.Load(); wake != nil && *wake != nil {
		(*wake)()
	}
}

// Process handles every queued completion record and returns how many it
// handled. Roles resubmit from here.
func (m *Manager) Process() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drain()
}

func (m *Manager) drain() int {
	n := 0
	for !m.done.IsEmpty() {
		res, err := m.done.Dequeue()
		if err != nil {
			break
		}
		m.complete(res)
		n++
	}
	return n
}

func (m *Manager) complete(res evt.Result) {
	a := m.arena(evt.Kind(res.Handle.Pool()))
	if a == nil {
		return
	}
	r, ok := a.reg.Resolve(res.Handle)
	if !ok {
		return
	}
	if err := a.reg.Unregister(res.Handle); err != nil {
		m.logger.WithError(err).WithField("handle", res.Handle).Warn("Handle release failed")
	}
	if r.h == res.Handle {
		r.h = handle.Invalid
	}

	r.ran = true
	r.last = res.Status
	r.counters.count(res.Status)
	m.emit(Notification{
		Type:    NotifyEvent,
		Role:    r.id,
		Parent:  r.parent,
		Kind:    r.kind,
		Status:  res.Status,
		At:      res.Timestamp,
		Channel: res.Channel,
		RSSI:    res.RSSI,
	})

	if r.disabling {
		m.destroy(r)
		return
	}
	if !r.enabled {
		return
	}

	var again bool
	switch r.kind {
	case evt.KindAdvertiser:
		again = m.advDone(r, res)
	case evt.KindScanner:
		again = m.scanDone(r, res)
	case evt.KindScanAux:
		again = m.auxDone(r, res)
	case evt.KindConnection:
		again = m.connDone(r, res)
	}
	if !again {
		return
	}
	if err := m.submit(r); err != nil {
		m.resubmitFailed(r, err)
	}
}

func (m *Manager) resubmitFailed(r *Role, err error) {
	m.logger.WithError(err).WithFields(logrus.Fields{
		"role": r.id,
		"kind": r.kind,
	}).Warn("Role could not be rescheduled")
	if r.kind == evt.KindScanAux {
		m.chainDone(r, NotifyChainIncomplete, evt.Missed)
		m.release(r)
		return
	}
	r.enabled = false
}

func (m *Manager) emit(n Notification) {
	if m.notes.Send(n) {
		m.logger.WithField("type", n.Type).Debug("Notification queue full, dropped oldest")
	}
}

// Role returns a snapshot of a role.
func (m *Manager) Role(id RoleID) (RoleInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles.Get(id)
	if !ok {
		return RoleInfo{}, fmt.Errorf("role %d: %w", id, ErrUnknownRole)
	}
	return m.info(r), nil
}

// Roles returns snapshots of every live role ordered by ID.
func (m *Manager) Roles() []RoleInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RoleInfo, 0, m.roles.Len())
	m.roles.Range(func(_ RoleID, r *Role) bool {
		out = append(out, m.info(r))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) info(r *Role) RoleInfo {
	return RoleInfo{
		ID:       r.id,
		Kind:     r.kind,
		Parent:   r.parent,
		State:    m.state(r),
		Enabled:  r.enabled,
		Next:     r.next,
		Last:     r.last,
		Counters: r.counters,
	}
}

func (m *Manager) state(r *Role) State {
	if r.h != handle.Invalid {
		switch m.tt.Status(r.h) {
		case ticker.StatusPending:
			return StateScheduled
		case ticker.StatusPrepared:
			return StatePreparing
		case ticker.StatusActive:
			return StateActive
		}
	}
	if !r.ran || (!r.enabled && r.h == handle.Invalid) {
		return StateIdle
	}
	switch r.last {
	case evt.Missed:
		return StateMissed
	case evt.Aborted:
		return StateAborted
	default:
		return StateCompleted
	}
}

// InUse returns how many contexts of kind are allocated.
func (m *Manager) InUse(kind evt.Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a := m.arena(kind); a != nil {
		return a.inUse()
	}
	return 0
}

var _ lll.Notifier = (*Manager)(nil)
