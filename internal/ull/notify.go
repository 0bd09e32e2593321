package ull

import (
	"fmt"
	"sync/atomic"

	"github.com/srg/blell/internal/evt"
	"github.com/srg/blell/internal/hal"
)

// NotificationType classifies what a role owner is told.
type NotificationType uint8

const (
	// NotifyEvent reports the outcome of every radio event of a role.
	NotifyEvent NotificationType = iota + 1
	NotifyAdvReport
	NotifyChainComplete
	NotifyChainIncomplete
	NotifyDataReceived
	NotifyConnectionLost
	NotifyRoleDestroyed
)

func (t NotificationType) String() string {
	switch t {
	case NotifyEvent:
		return "event"
	case NotifyAdvReport:
		return "adv_report"
	case NotifyChainComplete:
		return "chain_complete"
	case NotifyChainIncomplete:
		return "chain_incomplete"
	case NotifyDataReceived:
		return "data_received"
	case NotifyConnectionLost:
		return "connection_lost"
	case NotifyRoleDestroyed:
		return "role_destroyed"
	default:
		return fmt.Sprintf("notification(%d)", uint8(t))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t NotificationType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Notification is one upward report to a role owner.
type Notification struct {
	Type    NotificationType `json:"type"`
	Role    RoleID           `json:"role"`
	Parent  RoleID           `json:"parent,omitempty"`
	Kind    evt.Kind         `json:"kind"`
	Status  evt.Status       `json:"status"`
	At      hal.Tick         `json:"at"`
	Channel uint8            `json:"channel,omitempty"`
	RSSI    int8             `json:"rssi,omitempty"`
	Address string           `json:"address,omitempty"`
	PDUType string           `json:"pdu_type,omitempty"`
	Data    []byte           `json:"data,omitempty"`
}

// Queue is a bounded notification buffer that discards the oldest entry when
// full, so the producer never blocks.
type Queue struct {
	ch      chan Notification
	written atomic.Int64
	dropped atomic.Int64
}

// NewQueue creates a queue holding up to depth notifications.
func NewQueue(depth int) *Queue {
	if depth <= 0 {
		panic("ull: notification queue depth must be > 0")
	}
	return &Queue{ch: make(chan Notification, depth)}
}

// C returns the receive side.
func (q *Queue) C() <-chan Notification {
	return q.ch
}

// Send enqueues n, discarding the oldest notification if the queue is full.
// It reports whether something was discarded.
func (q *Queue) Send(n Notification) bool {
	dropped := false
	for {
		select {
		case q.ch <- n:
			q.written.Add(1)
			return dropped
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
			dropped = true
		default:
		}
	}
}

// TryReceive returns the oldest notification without blocking.
func (q *Queue) TryReceive() (Notification, bool) {
	select {
	case n := <-q.ch:
		return n, true
	default:
		return Notification{}, false
	}
}

// Drain returns every buffered notification.
func (q *Queue) Drain() []Notification {
	var out []Notification
	for {
		n, ok := q.TryReceive()
		if !ok {
			return out
		}
		out = append(out, n)
	}
}

// Len returns the number of buffered notifications.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue depth.
func (q *Queue) Cap() int { return cap(q.ch) }

// Dropped returns how many notifications were discarded.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

// Written returns how many notifications were enqueued.
func (q *Queue) Written() int64 { return q.written.Load() }
