package ull

import (
	"fmt"

	"github.com/smallnest/ringbuffer"

	"github.com/srg/blell/internal/evt"
	"github.com/srg/blell/internal/hal"
	"github.com/srg/blell/internal/handle"
	"github.com/srg/blell/internal/lll"
	"github.com/srg/blell/internal/ticker"
)

// RoleID identifies a role context to its owner. IDs are never reused.
type RoleID uint32

// State is the observable state of a role.
type State uint8

const (
	StateIdle State = iota
	StateScheduled
	StatePreparing
	StateActive
	StateCompleted
	StateMissed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StatePreparing:
		return "preparing"
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateMissed:
		return "missed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Counters accumulate event outcomes of a role.
type Counters struct {
	Events       uint64 `json:"events"`
	Success      uint64 `json:"success"`
	CRCErrors    uint64 `json:"crc_errors"`
	NoReception  uint64 `json:"no_reception"`
	Missed       uint64 `json:"missed"`
	Aborted      uint64 `json:"aborted"`
	ChainSkipped uint64 `json:"chain_skipped"`
	Conflicts    uint64 `json:"conflicts"`
}

func (c *Counters) count(s evt.Status) {
	c.Events++
	switch s {
	case evt.Success:
		c.Success++
	case evt.CRCError:
		c.CRCErrors++
	case evt.NoReception:
		c.NoReception++
	case evt.Missed:
		c.Missed++
	case evt.Aborted:
		c.Aborted++
	case evt.ChainSkipped:
		c.ChainSkipped++
	}
}

// RoleInfo is a read-only view of a role.
type RoleInfo struct {
	ID       RoleID     `json:"id"`
	Kind     evt.Kind   `json:"kind"`
	Parent   RoleID     `json:"parent,omitempty"`
	State    State      `json:"state"`
	Enabled  bool       `json:"enabled"`
	Next     hal.Tick   `json:"next"`
	Last     evt.Status `json:"last"`
	Counters Counters   `json:"counters"`
}

// Role is a role context. It lives in its kind's arena; the executor only
// ever reaches it through a handle.
type Role struct {
	id     RoleID
	kind   evt.Kind
	parent RoleID
	slot   int
	inUse  bool

	enabled   bool
	disabling bool
	ran       bool // at least one result was processed

	h    handle.Handle // in-flight event, or handle.Invalid
	ev   ticker.Event
	inst lll.Instance
	next hal.Tick

	last     evt.Status
	counters Counters

	adv  *advState
	scan *scanState
	aux  *auxState
	conn *connState
}

// arena is the fixed-capacity table of one role kind.
type arena struct {
	kind  evt.Kind
	roles []Role
	free  []int
	reg   *handle.Registry[Role]
}

func newArena(kind evt.Kind, capacity int) (*arena, error) {
	reg, err := handle.New[Role](uint16(kind), capacity)
	if err != nil {
		return nil, fmt.Errorf("%s arena: %w", kind, err)
	}
	a := &arena{
		kind:  kind,
		roles: make([]Role, capacity),
		free:  make([]int, 0, capacity),
		reg:   reg,
	}
	for i := capacity - 1; i >= 0; i-- {
		a.free = append(a.free, i)
	}
	return a, nil
}

func (a *arena) alloc(id RoleID) (*Role, error) {
	if len(a.free) == 0 {
		return nil, fmt.Errorf("%s: %w", a.kind, ErrPoolExhausted)
	}
	i := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	r := &a.roles[i]
	*r = Role{id: id, kind: a.kind, slot: i, inUse: true, h: handle.Invalid}
	return r, nil
}

func (a *arena) release(r *Role) {
	i := r.slot
	*r = Role{slot: i, h: handle.Invalid}
	a.free = append(a.free, i)
}

func (a *arena) inUse() int {
	return len(a.roles) - len(a.free)
}

// advState is the advertiser part of a role.
type advState struct {
	cfg  AdvertiserConfig
	pdu  []byte
	slot hal.Tick
}

// scanState is the scanner part of a role.
type scanState struct {
	cfg      ScannerConfig
	channels []uint8
	idx      int
}

// auxState follows one auxiliary chain for a scanner.
type auxState struct {
	follow  evt.FollowUp
	address string
	data    *ringbuffer.RingBuffer
	pdus    int
}

// connState is the central side of one connection.
type connState struct {
	cfg     ConnectionConfig
	csa     lll.CSA1
	counter uint16
	sn      bool
	nesn    bool
	queue   [][]byte
	lastRx  hal.Tick
	lost    bool
}
