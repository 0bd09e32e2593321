package ull

import (
	"time"

	"github.com/go-ble/ble"

	"github.com/srg/blell/internal/evt"
	"github.com/srg/blell/internal/hal"
	"github.com/srg/blell/internal/lll"
	"github.com/srg/blell/internal/pdu"
)

// MaxAdvDelay bounds the pseudo-random delay added to every advertising
// interval.
const MaxAdvDelay = 10 * time.Millisecond

func (m *Manager) initAdv(r *Role, cfg AdvertiserConfig) error {
	data, err := pdu.NameData(cfg.Name)
	if err != nil {
		return invalid(evt.KindAdvertiser, "name", "%v", err)
	}
	t := pdu.AdvNonconnInd
	if cfg.Connectable {
		t = pdu.AdvInd
	}
	raw, err := pdu.Legacy(t, ble.NewAddr(cfg.Address), data)
	if err != nil {
		return invalid(evt.KindAdvertiser, "name", "%v", err)
	}
	r.adv = &advState{
		cfg:  cfg,
		pdu:  raw,
		slot: m.us(lll.AdvEventUS(cfg.channels(), len(raw)-pdu.HeaderLen, cfg.PHY)),
	}
	return nil
}

func (m *Manager) armAdv(r *Role) hal.Tick {
	r.inst = lll.Instance{
		Kind:       evt.KindAdvertiser,
		PHY:        r.adv.cfg.PHY,
		ChannelMap: r.adv.cfg.channels(),
		PDU:        r.adv.pdu,
	}
	return r.adv.slot
}

// advanceAdv moves to the next advertising event: one interval plus advDelay.
func (m *Manager) advanceAdv(r *Role) {
	delay := time.Duration(m.rng.Int63n(int64(MaxAdvDelay) + 1))
	r.next += m.ticks(r.adv.cfg.Interval + delay)
}

func (m *Manager) advDone(r *Role, _ evt.Result) bool {
	m.advanceAdv(r)
	return true
}
