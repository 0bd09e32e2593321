package lll

import (
	"github.com/srg/blell/internal/evt"
	"github.com/srg/blell/internal/hal"
	"github.com/srg/blell/internal/pdu"
)

// Feasible reports whether an auxiliary PDU announced offsetUS after the
// start of a PDU lasting pduUS can be received with a window of windowUS,
// leaving spacingUS for the radio to turn around:
//
//	offset + window >= pdu + spacing
func Feasible(offsetUS, windowUS, pduUS, spacingUS uint32) bool {
	return uint64(offsetUS)+uint64(windowUS) >= uint64(pduUS)+uint64(spacingUS)
}

// AuxWindowUS returns the receive window for an auxiliary pointer: one
// offset unit, widened on both sides for clock drift and jitter, plus the
// radio ramp-up.
func AuxWindowUS(aux pdu.AuxPtr, jitterUS, rampUpUS uint32) uint32 {
	return aux.UnitUS() + 2*(aux.WindowWideningUS()+jitterUS) + rampUpUS
}

// followUp computes the window for the PDU an AuxPtr points to. The pointer
// offset counts from the start of the PDU that carries it.
func (e *Executor) followUp(p *pdu.PDU, phy hal.PHY, pduStart hal.Tick) (*evt.FollowUp, bool) {
	aux := *p.Ext.AuxPtr
	if !aux.Followable() {
		return nil, false
	}

	offset := aux.OffsetUS()
	window := AuxWindowUS(aux, e.cfg.JitterUS, e.cfg.RampUpUS)
	if !Feasible(offset, window, p.Airtime(phy), e.cfg.MinAfterEventSpacingUS) {
		return nil, false
	}

	early := aux.WindowWideningUS() + e.cfg.JitterUS + e.cfg.RampUpUS
	start := pduStart + e.ticks(offset)
	if lead := e.ticks(early); lead < start {
		start -= lead
	}
	return &evt.FollowUp{
		Start:   start,
		Window:  e.ticks(window),
		Channel: aux.Channel,
		PHY:     aux.PHY,
	}, true
}
