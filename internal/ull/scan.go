package ull

import (
	"bytes"
	"errors"
	"math/bits"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"

	"github.com/srg/blell/internal/evt"
	"github.com/srg/blell/internal/hal"
	"github.com/srg/blell/internal/lll"
	"github.com/srg/blell/internal/pdu"
)

// MaxChainData bounds the advertising data reassembled from one chain.
const MaxChainData = 1650

func (m *Manager) initScan(r *Role, cfg ScannerConfig) {
	st := &scanState{cfg: cfg}
	for ch := cfg.channels() & lll.AllAdvChannels; ch != 0; ch &= ch - 1 {
		st.channels = append(st.channels, lll.FirstAdvChannel+uint8(bits.TrailingZeros8(ch)))
	}
	r.scan = st
}

func (m *Manager) armScan(r *Role) hal.Tick {
	st := r.scan
	window := m.ticks(st.cfg.Window)
	r.inst = lll.Instance{
		Kind:     evt.KindScanner,
		PHY:      st.cfg.PHY,
		Channel:  st.channels[st.idx%len(st.channels)],
		WindowUS: hal.TicksToUS(window, m.cfg.Resolution),
	}
	return window
}

// advanceScan moves to the next scan interval and primary channel.
func (m *Manager) advanceScan(r *Role) {
	r.next += m.ticks(r.scan.cfg.Interval)
	r.scan.idx = (r.scan.idx + 1) % len(r.scan.channels)
}

func (m *Manager) scanDone(r *Role, res evt.Result) bool {
	if res.Status == evt.Success || res.Status == evt.ChainSkipped {
		m.report(r, res)
	}
	if res.FollowUp != nil {
		m.follow(r, res)
	}
	m.advanceScan(r)
	return true
}

// report emits an advertising report for a received PDU.
func (m *Manager) report(r *Role, res evt.Result) {
	p, err := pdu.Parse(res.Payload)
	if err != nil {
		return
	}
	n := Notification{
		Type:    NotifyAdvReport,
		Role:    r.id,
		Kind:    r.kind,
		Status:  res.Status,
		At:      res.Timestamp,
		Channel: res.Channel,
		RSSI:    res.RSSI,
		PDUType: p.Type.String(),
		Data:    bytes.Clone(p.AdvData),
	}
	if p.AdvA != nil {
		n.Address = p.AdvA.String()
	}
	m.emit(n)
}

// follow creates an auxiliary scan context for a feasible AuxPtr.
func (m *Manager) follow(r *Role, res evt.Result) {
	aux, err := m.alloc(evt.KindScanAux, r.id)
	if err != nil {
		m.logger.WithError(err).WithField("role", r.id).Warn("No auxiliary scan context available")
		m.emit(Notification{
			Type:   NotifyChainIncomplete,
			Role:   r.id,
			Kind:   r.kind,
			Status: evt.Missed,
			At:     res.Timestamp,
		})
		return
	}

	aux.aux = &auxState{
		follow: *res.FollowUp,
		data:   ringbuffer.New(MaxChainData),
	}
	if p, err := pdu.Parse(res.Payload); err == nil && p.AdvA != nil {
		aux.aux.address = p.AdvA.String()
	}
	aux.enabled = true
	aux.next = res.FollowUp.Start

	m.logger.WithFields(logrus.Fields{
		"role":    aux.id,
		"parent":  r.id,
		"start":   aux.next,
		"channel": res.FollowUp.Channel,
	}).Debug("Following auxiliary pointer")
	if err := m.submit(aux); err != nil {
		m.resubmitFailed(aux, err)
	}
}

func (m *Manager) armAux(r *Role) hal.Tick {
	fu := r.aux.follow
	r.inst = lll.Instance{
		Kind:     evt.KindScanAux,
		PHY:      fu.PHY,
		Channel:  fu.Channel,
		WindowUS: hal.TicksToUS(fu.Window, m.cfg.Resolution),
	}
	return fu.Window + m.us(hal.Airtime(pdu.MaxPayloadLen, fu.PHY))
}

func (m *Manager) auxDone(r *Role, res evt.Result) bool {
	st := r.aux
	if res.Status == evt.Success || res.Status == evt.ChainSkipped {
		if p, err := pdu.Parse(res.Payload); err == nil {
			if p.AdvA != nil {
				st.address = p.AdvA.String()
			}
			st.pdus++
			if n, err := st.data.Write(p.AdvData); err != nil && len(p.AdvData) > 0 {
				m.logger.WithFields(logrus.Fields{
					"role":    r.id,
					"written": n,
					"dropped": len(p.AdvData) - n,
				}).Warn("Chain data truncated")
			}
		}
	}

	if res.Status == evt.Success && res.FollowUp != nil {
		st.follow = *res.FollowUp
		r.next = res.FollowUp.Start
		return true
	}

	if res.Status == evt.Success {
		m.chainDone(r, NotifyChainComplete, res.Status)
	} else {
		m.chainDone(r, NotifyChainIncomplete, res.Status)
	}
	m.release(r)
	return false
}

// chainDone reports the data reassembled so far. Parent names the scanner
// that found the chain.
func (m *Manager) chainDone(r *Role, t NotificationType, status evt.Status) {
	st := r.aux
	if st == nil {
		return
	}
	data := make([]byte, st.data.Length())
	if _, err := st.data.Read(data); err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		m.logger.WithError(err).WithField("role", r.id).Debug("Chain buffer read failed")
	}
	st.data.Reset()
	r.aux = nil

	m.emit(Notification{
		Type:    t,
		Role:    r.id,
		Parent:  r.parent,
		Kind:    r.kind,
		Status:  status,
		At:      m.timer.Now(),
		Channel: st.follow.Channel,
		Address: st.address,
		Data:    data,
	})
}
