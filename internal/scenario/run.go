package scenario

import (
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blell/internal/hal"
	"github.com/srg/blell/internal/hal/sim"
	"github.com/srg/blell/internal/ull"
	"github.com/srg/blell/pkg/controller"
)

// drainEvery bounds how much simulated time passes between two drains of
// the notification queue.
const drainEvery = 10 * time.Millisecond

// Result is what a run produced.
type Result struct {
	Name          string                `json:"name,omitempty"`
	Until         hal.Tick              `json:"until"`
	Notifications []ull.Notification    `json:"notifications"`
	Roles         []ull.RoleInfo        `json:"roles"`
	RoleNames     map[ull.RoleID]string `json:"role_names"`
	PeerReceived  []string              `json:"peer_received,omitempty"`
	Transmissions int                   `json:"transmissions"`
	Dropped       int64                 `json:"dropped"`
}

type action struct {
	at   hal.Tick
	what string
	do   func() error
}

// Run executes the scenario on a fresh simulator.
func (sc *Scenario) Run(logger *logrus.Logger) (*Result, error) {
	s, err := controller.NewSimulator(sc.Settings(), logger)
	if err != nil {
		return nil, err
	}
	res := s.Bench.Clock.Resolution()
	ticks := func(d time.Duration) hal.Tick {
		return hal.Tick((d + res - 1) / res)
	}

	for i := range sc.Air {
		p := &sc.Air[i]
		raw, err := p.Encode()
		if err != nil {
			return nil, fmt.Errorf("air[%d]: %w", i, err)
		}
		s.Bench.Air.Inject(sim.Packet{
			Channel:  p.Channel,
			PHY:      p.PHY,
			Start:    ticks(p.At),
			PDU:      raw,
			CRCError: p.CRCError,
			RSSI:     p.RSSI,
		})
	}
	if sc.Peer != nil {
		s.Bench.Air.SetResponder(sc.Peer.Answer)
	}

	out := &Result{
		Name:      sc.Name,
		Until:     ticks(sc.Until),
		RoleNames: make(map[ull.RoleID]string, len(sc.Roles)),
	}

	var actions []action
	for _, r := range sc.Roles {
		id, err := s.Create(r.Kind, r.RoleConfig)
		if err != nil {
			return nil, fmt.Errorf("create %q: %w", r.Name, err)
		}
		out.RoleNames[id] = r.Name

		actions = append(actions, action{
			at:   ticks(r.EnableAt),
			what: "enable " + r.Name,
			do:   func() error { return s.Enable(id) },
		})
		for _, snd := range r.Send {
			data := []byte(snd.Data)
			actions = append(actions, action{
				at:   ticks(snd.At),
				what: "send on " + r.Name,
				do:   func() error { return s.Send(id, data) },
			})
		}
		if r.DisableAt > 0 {
			actions = append(actions, action{
				at:   ticks(r.DisableAt),
				what: "disable " + r.Name,
				do:   func() error { return s.Disable(id) },
			})
		}
	}
	sort.SliceStable(actions, func(i, j int) bool { return actions[i].at < actions[j].at })

	step := ticks(drainEvery)
	advance := func(limit hal.Tick) {
		for now := s.Now(); now < limit; now = s.Now() {
			s.RunUntil(min(now+step, limit))
			out.Notifications = append(out.Notifications, s.Notifications().Drain()...)
		}
	}

	for _, a := range actions {
		if a.at > out.Until {
			break
		}
		advance(a.at)
		if err := a.do(); err != nil {
			return nil, fmt.Errorf("%s at %s: %w", a.what, hal.TicksToDuration(a.at, res), err)
		}
	}
	advance(out.Until)
	s.Process()
	out.Notifications = append(out.Notifications, s.Notifications().Drain()...)

	out.Roles = s.Roles()
	out.Transmissions = len(s.Bench.Radio.Transmissions())
	out.Dropped = s.Notifications().Dropped()
	if sc.Peer != nil {
		out.PeerReceived = sc.Peer.Received()
	}
	return out, nil
}
