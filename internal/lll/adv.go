package lll

import (
	"math/bits"

	"github.com/srg/blell/internal/evt"
	"github.com/srg/blell/internal/hal"
	"github.com/srg/blell/internal/ticker"
)

const (
	// FirstAdvChannel is RF channel index 37; the map bits follow it.
	FirstAdvChannel = 37
	advChannelMask  = 0x07
	// AllAdvChannels selects channels 37, 38 and 39.
	AllAdvChannels uint8 = advChannelMask
)

// popChannel removes the lowest selected primary channel from m.
func popChannel(m *uint8) (uint8, bool) {
	if *m&advChannelMask == 0 {
		return 0, false
	}
	bit := bits.TrailingZeros8(*m)
	*m &^= 1 << bit
	return FirstAdvChannel + uint8(bit), true
}

// AdvEventUS returns the radio time of one advertising event transmitting a
// PDU of payloadLen bytes on every channel of channelMap back to back.
func AdvEventUS(channelMap uint8, payloadLen int, phy hal.PHY) uint32 {
	n := uint32(bits.OnesCount8(channelMap & advChannelMask))
	return n * hal.Airtime(payloadLen, phy)
}

// advDone moves to the next primary channel or ends the event.
func (e *Executor) advDone(ev *ticker.Event, inst *Instance, c hal.Completion) {
	ch, ok := popChannel(&inst.pending)
	if !ok {
		inst.res.Channel = c.Channel
		e.finish(ev, inst, evt.Success, c.End)
		return
	}
	inst.channel = ch
	e.next(ev, inst, ch, hal.ModeTx, hal.Op{Mode: hal.ModeTx, PDU: inst.PDU}, evt.Success, c.End)
}
