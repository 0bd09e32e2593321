package lll

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/blell/internal/evt"
	"github.com/srg/blell/internal/hal"
	"github.com/srg/blell/internal/pdu"
	"github.com/srg/blell/internal/ticker"
)

// scanDone ends a primary or auxiliary receive window. The event ends on the
// first PDU; a PDU carrying an AuxPtr yields a follow-up window or, when the
// pointer cannot be followed in time, ChainSkipped.
func (e *Executor) scanDone(ev *ticker.Event, inst *Instance, c hal.Completion) {
	switch c.Status {
	case hal.RadioTimeout:
		e.finish(ev, inst, evt.NoReception, c.End)
		return
	case hal.RadioCRCError:
		inst.res.Channel = c.Channel
		e.finish(ev, inst, evt.CRCError, c.End)
		return
	}

	inst.res.Channel = c.Channel
	inst.res.RSSI = c.RSSI
	inst.res.Payload = c.PDU

	p, err := pdu.Parse(c.PDU)
	if err != nil {
		e.logger.WithError(err).WithField("handle", ev.Handle).Debug("Malformed advertising PDU")
		e.finish(ev, inst, evt.CRCError, c.End)
		return
	}
	if !p.Chained() {
		e.finish(ev, inst, evt.Success, c.End)
		return
	}

	fu, ok := e.followUp(p, inst.PHY, c.Start)
	if !ok {
		e.logger.WithFields(logrus.Fields{
			"handle": ev.Handle,
			"offset": p.Ext.AuxPtr.OffsetUS(),
		}).Debug("Auxiliary pointer cannot be followed")
		e.finish(ev, inst, evt.ChainSkipped, c.End)
		return
	}
	inst.res.FollowUp = fu
	e.finish(ev, inst, evt.Success, c.End)
}
