package ull

import (
	"bytes"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/blell/internal/evt"
	"github.com/srg/blell/internal/hal"
	"github.com/srg/blell/internal/lll"
)

func (m *Manager) initConn(r *Role, cfg ConnectionConfig) {
	r.conn = &connState{
		cfg: cfg,
		csa: lll.CSA1{Hop: cfg.Hop, Map: cfg.dataChannels()},
	}
}

// armConn builds the central's PDU for the next connection event: the head
// of the transmit queue, or an empty PDU to keep the connection alive.
func (m *Manager) armConn(r *Role) hal.Tick {
	st := r.conn
	var payload []byte
	llid := lll.LLIDContinuation
	if len(st.queue) > 0 {
		payload = st.queue[0]
		llid = lll.LLIDStart
	}
	tx := lll.DataPDU(llid, st.nesn, st.sn, len(st.queue) > 1, payload)

	window := m.cfg.IFSUS + 2*m.cfg.JitterUS
	r.inst = lll.Instance{
		Kind:     evt.KindConnection,
		PHY:      st.cfg.PHY,
		Channel:  st.csa.Next(),
		PDU:      tx,
		WindowUS: window,
	}
	return m.us(lll.ConnEventUS(len(payload), st.cfg.PHY, m.cfg.IFSUS, window, MaxDataPayload))
}

// advanceConn moves to the next connection event anchor.
func (m *Manager) advanceConn(r *Role) {
	r.next += m.ticks(r.conn.cfg.Interval)
	r.conn.counter++
}

func (m *Manager) connDone(r *Role, res evt.Result) bool {
	st := r.conn
	if res.Status == evt.Success && len(res.Payload) >= 2 {
		st.lastRx = res.Timestamp
		m.acknowledge(r, res)
	} else if res.Timestamp > st.lastRx && res.Timestamp-st.lastRx > m.ticks(st.cfg.Timeout) {
		st.lost = true
		m.logger.WithFields(logrus.Fields{
			"role":    r.id,
			"last_rx": st.lastRx,
		}).Warn("Connection supervision timeout")
		m.emit(Notification{
			Type:   NotifyConnectionLost,
			Role:   r.id,
			Kind:   r.kind,
			Status: res.Status,
			At:     res.Timestamp,
		})
		return false
	}
	m.advanceConn(r)
	return true
}

// acknowledge applies the peer's sequence bits: our PDU is acknowledged when
// the peer's NESN moved past our SN, and the peer's PDU is new when its SN
// equals our NESN.
func (m *Manager) acknowledge(r *Role, res evt.Result) {
	st := r.conn
	h := res.Payload[0]
	peerNESN := h&0x04 != 0
	peerSN := h&0x08 != 0
	n := int(res.Payload[1])
	if n > len(res.Payload)-2 {
		n = len(res.Payload) - 2
	}

	if peerNESN != st.sn {
		if len(st.queue) > 0 {
			st.queue = st.queue[1:]
		}
		st.sn = !st.sn
	}
	if peerSN == st.nesn {
		st.nesn = !st.nesn
		if n > 0 {
			m.emit(Notification{
				Type:    NotifyDataReceived,
				Role:    r.id,
				Kind:    r.kind,
				Status:  res.Status,
				At:      res.Timestamp,
				Channel: res.Channel,
				RSSI:    res.RSSI,
				Data:    bytes.Clone(res.Payload[2 : 2+n]),
			})
		}
	}
}

// Send queues data for the next events of a connection.
func (m *Manager) Send(id RoleID, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.lookup(id)
	if err != nil {
		return err
	}
	if r.kind != evt.KindConnection {
		return fmt.Errorf("send on %s role %d: %w", r.kind, id, ErrWrongKind)
	}
	st := r.conn
	switch {
	case st.lost:
		return fmt.Errorf("role %d: %w", id, ErrConnectionLost)
	case len(data) > MaxDataPayload:
		return fmt.Errorf("%d bytes, max %d: %w", len(data), MaxDataPayload, ErrPayloadTooLarge)
	case len(st.queue) >= MaxTxQueue:
		return fmt.Errorf("role %d: %w", id, ErrQueueFull)
	}
	st.queue = append(st.queue, bytes.Clone(data))
	return nil
}
