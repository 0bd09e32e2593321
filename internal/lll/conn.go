package lll

import (
	"github.com/srg/blell/internal/evt"
	"github.com/srg/blell/internal/hal"
	"github.com/srg/blell/internal/ticker"
)

// DataChannels is the number of data channels.
const DataChannels = 37

// CSA1 is channel selection algorithm #1.
type CSA1 struct {
	Hop     uint8  // 5..16
	Map     uint64 // used data channels, bit n = channel n
	last    uint8
	used    []uint8
	usedMap uint64
}

// Next returns the data channel of the next connection event.
func (c *CSA1) Next() uint8 {
	if c.usedMap != c.Map || c.used == nil {
		c.used = c.used[:0]
		for ch := uint8(0); ch < DataChannels; ch++ {
			if c.Map&(1<<ch) != 0 {
				c.used = append(c.used, ch)
			}
		}
		c.usedMap = c.Map
	}

	unmapped := (c.last + c.Hop) % DataChannels
	c.last = unmapped
	if c.Map&(1<<unmapped) != 0 || len(c.used) == 0 {
		return unmapped
	}
	return c.used[int(unmapped)%len(c.used)]
}

// LLID values of the data channel PDU header.
const (
	LLIDContinuation uint8 = 0x01 // also the empty PDU
	LLIDStart        uint8 = 0x02
	LLIDControl      uint8 = 0x03
)

// DataPDU encodes a data channel PDU.
func DataPDU(llid uint8, nesn, sn, md bool, payload []byte) []byte {
	b0 := llid & 0x03
	if nesn {
		b0 |= 0x04
	}
	if sn {
		b0 |= 0x08
	}
	if md {
		b0 |= 0x10
	}
	b := make([]byte, 0, 2+len(payload))
	b = append(b, b0, uint8(len(payload)))
	return append(b, payload...)
}

// ConnEventUS returns the radio time of one connection event exchanging a
// master PDU of txLen payload bytes and a response window.
func ConnEventUS(txLen int, phy hal.PHY, ifsUS, windowUS uint32, rxLen int) uint32 {
	return hal.Airtime(txLen, phy) + ifsUS + windowUS + hal.Airtime(rxLen, phy)
}

// connDone runs the central side of a connection event: transmit, then
// listen for the peripheral's answer T_IFS later.
func (e *Executor) connDone(ev *ticker.Event, inst *Instance, c hal.Completion) {
	inst.res.Channel = c.Channel
	if c.Mode == hal.ModeTx {
		op := hal.Op{Mode: hal.ModeRx, Window: e.ticks(inst.WindowUS)}
		e.next(ev, inst, inst.channel, hal.ModeRx, op, evt.NoReception, c.End)
		return
	}

	switch c.Status {
	case hal.RadioOK:
		inst.res.Payload = c.PDU
		inst.res.RSSI = c.RSSI
		e.finish(ev, inst, evt.Success, c.End)
	case hal.RadioCRCError:
		e.finish(ev, inst, evt.CRCError, c.End)
	default:
		e.finish(ev, inst, evt.NoReception, c.End)
	}
}
