package scenario

import (
	"sync"

	"github.com/srg/blell/internal/lll"
)

// Peer is the peripheral end of every simulated connection. It answers each
// data PDU after T_IFS, tracking its own sequence bits, and sends Respond
// one entry at a time.
type Peer struct {
	Respond []string `yaml:"respond"`

	mu       sync.Mutex
	sn, nesn bool
	pending  [][]byte
	started  bool
	received []string
}

// Answer implements sim.Responder. Advertising channel PDUs are ignored.
func (p *Peer) Answer(channel uint8, raw []byte) ([]byte, bool) {
	if channel >= lll.FirstAdvChannel || len(raw) < 2 {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		for _, s := range p.Respond {
			p.pending = append(p.pending, []byte(s))
		}
		p.started = true
	}

	sn := raw[0]&0x08 != 0
	nesn := raw[0]&0x04 != 0
	if nesn != p.sn {
		if len(p.pending) > 0 {
			p.pending = p.pending[1:]
		}
		p.sn = !p.sn
	}
	if sn == p.nesn {
		if n := int(raw[1]); n > 0 && 2+n <= len(raw) {
			p.received = append(p.received, string(raw[2:2+n]))
		}
		p.nesn = !p.nesn
	}

	var payload []byte
	llid := lll.LLIDContinuation
	if len(p.pending) > 0 {
		payload = p.pending[0]
		llid = lll.LLIDStart
	}
	return lll.DataPDU(llid, p.nesn, p.sn, len(p.pending) > 1, payload), true
}

// Received returns the payloads the peer accepted, in order.
func (p *Peer) Received() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.received...)
}
