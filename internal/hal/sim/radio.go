package sim

import (
	"sort"
	"sync"
	"time"

	"github.com/srg/blell/internal/hal"
)

// Packet is a PDU on the simulated air.
type Packet struct {
	Channel  uint8
	PHY      hal.PHY
	Start    hal.Tick
	PDU      []byte
	CRCError bool
	RSSI     int8
}

// End returns the tick at which the packet's last bit is on air.
func (p Packet) End(res time.Duration) hal.Tick {
	return p.Start + airtimeTicks(len(p.PDU), p.PHY, res)
}

func airtimeTicks(pduLen int, phy hal.PHY, res time.Duration) hal.Tick {
	payload := pduLen - 2
	if payload < 0 {
		payload = 0
	}
	return hal.USToTicks(hal.Airtime(payload, phy), res)
}

// Responder answers a transmitted PDU. A nil or false return means no answer.
type Responder func(channel uint8, pdu []byte) ([]byte, bool)

// Air holds the packets other devices put on the air.
type Air struct {
	mu        sync.Mutex
	packets   []Packet
	responder Responder
}

// NewAir returns an empty air.
func NewAir() *Air { return &Air{} }

// Inject puts p on the air.
func (a *Air) Inject(p Packet) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := sort.Search(len(a.packets), func(i int) bool { return a.packets[i].Start > p.Start })
	a.packets = append(a.packets, Packet{})
	copy(a.packets[i+1:], a.packets[i:])
	a.packets[i] = p
}

// SetResponder installs the peer that answers transmissions T_IFS later.
func (a *Air) SetResponder(fn Responder) {
	a.mu.Lock()
	a.responder = fn
	a.mu.Unlock()
}

// Len returns the number of injected packets.
func (a *Air) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.packets)
}

func (a *Air) find(channel uint8, phy hal.PHY, from, to hal.Tick) (Packet, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.packets {
		if p.Start < from {
			continue
		}
		if p.Start > to {
			break
		}
		if p.Channel == channel && p.PHY == phy {
			return p, true
		}
	}
	return Packet{}, false
}

func (a *Air) respond(channel uint8, pdu []byte) ([]byte, bool) {
	a.mu.Lock()
	fn := a.responder
	a.mu.Unlock()
	if fn == nil {
		return nil, false
	}
	return fn(channel, pdu)
}

// Transmission records one completed transmission.
type Transmission struct {
	Channel uint8
	PHY     hal.PHY
	Start   hal.Tick
	End     hal.Tick
	PDU     []byte
}

// Scheduler is the time base a Radio runs its operations on. Callbacks
// passed to After run in interrupt context.
type Scheduler interface {
	Now() hal.Tick
	Resolution() time.Duration
	After(at hal.Tick, fn func()) (cancel func())
}

// Radio is a simulated hal.Radio.
type Radio struct {
	mu         sync.Mutex
	clock      Scheduler
	air        *Air
	ifs        hal.Tick
	channel    uint8
	phy        hal.PHY
	mode       hal.Mode
	configured bool
	busy       bool
	cancel     func()
	handler    func(hal.Completion)
	sent       []Transmission
	arms       int
}

// NewRadio returns a radio on clock and air. ifs is the inter frame spacing
// a responder answers after.
func NewRadio(clock Scheduler, air *Air, ifs hal.Tick) *Radio {
	return &Radio{clock: clock, air: air, ifs: ifs}
}

// SetCompletionHandler implements hal.Radio.
func (r *Radio) SetCompletionHandler(fn func(hal.Completion)) {
	r.mu.Lock()
	r.handler = fn
	r.mu.Unlock()
}

// Configure implements hal.Radio.
func (r *Radio) Configure(channel uint8, phy hal.PHY, mode hal.Mode) error {
	if channel > hal.MaxChannel {
		return hal.ErrInvalidChannel
	}
	if !phy.Valid() {
		return hal.ErrInvalidPHY
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy {
		return hal.ErrRadioBusy
	}
	r.channel, r.phy, r.mode = channel, phy, mode
	r.configured = true
	return nil
}

// Arm implements hal.Radio.
func (r *Radio) Arm(op hal.Op) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.configured {
		return hal.ErrNotConfigured
	}
	if r.busy {
		return hal.ErrRadioBusy
	}
	if op.Mode != r.mode {
		return hal.ErrNotConfigured
	}

	now := r.clock.Now()
	channel, phy := r.channel, r.phy
	r.busy = true
	r.arms++

	switch op.Mode {
	case hal.ModeTx:
		pdu := append([]byte(nil), op.PDU...)
		end := now + airtimeTicks(len(pdu), phy, r.clock.Resolution())
		r.cancel = r.clock.After(end, func() {
			r.mu.Lock()
			r.sent = append(r.sent, Transmission{Channel: channel, PHY: phy, Start: now, End: end, PDU: pdu})
			r.mu.Unlock()
			if resp, ok := r.air.respond(channel, pdu); ok {
				r.air.Inject(Packet{Channel: channel, PHY: phy, Start: end + r.ifs, PDU: resp})
			}
			r.finish(hal.Completion{Status: hal.RadioOK, Mode: hal.ModeTx, Channel: channel, Start: now, End: end})
		})

	case hal.ModeRx:
		if p, ok := r.air.find(channel, phy, now, now+op.Window); ok {
			status := hal.RadioOK
			if p.CRCError {
				status = hal.RadioCRCError
			}
			end := p.End(r.clock.Resolution())
			c := hal.Completion{Status: status, Mode: hal.ModeRx, Channel: channel, Start: p.Start, End: end,
				PDU: append([]byte(nil), p.PDU...), RSSI: p.RSSI}
			r.cancel = r.clock.After(end, func() { r.finish(c) })
		} else {
			end := now + op.Window
			r.cancel = r.clock.After(end, func() {
				r.finish(hal.Completion{Status: hal.RadioTimeout, Mode: hal.ModeRx, Channel: channel, Start: now, End: end})
			})
		}

	default:
		r.busy = false
		return hal.ErrNotConfigured
	}
	return nil
}

func (r *Radio) finish(c hal.Completion) {
	r.mu.Lock()
	r.busy = false
	r.cancel = nil
	r.configured = false
	fn := r.handler
	r.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// Disable implements hal.Radio. An operation in flight completes with
// RadioAborted before Disable returns.
func (r *Radio) Disable() {
	r.mu.Lock()
	if !r.busy {
		r.configured = false
		r.mu.Unlock()
		return
	}
	r.cancel()
	c := hal.Completion{Status: hal.RadioAborted, Mode: r.mode, Channel: r.channel, Start: r.clock.Now(), End: r.clock.Now()}
	r.mu.Unlock()
	r.finish(c)
}

// Busy reports whether an operation is in flight.
func (r *Radio) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy
}

// Configured reports the pending configuration.
func (r *Radio) Configured() (channel uint8, phy hal.PHY, mode hal.Mode, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channel, r.phy, r.mode, r.configured
}

// Transmissions returns every completed transmission.
func (r *Radio) Transmissions() []Transmission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transmission(nil), r.sent...)
}

// Arms returns the number of armed operations.
func (r *Radio) Arms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.arms
}
