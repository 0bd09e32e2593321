package controller

import (
	"context"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blell/internal/evt"
	"github.com/srg/blell/internal/hal"
	"github.com/srg/blell/internal/hal/sim"
	"github.com/srg/blell/internal/pdu"
	"github.com/srg/blell/internal/ull"
	"github.com/srg/blell/pkg/config"
)

const peerAddr = "aa:bb:cc:dd:ee:02"

type SimulatorTestSuite struct {
	suite.Suite
	sim *Simulator
}

func (s *SimulatorTestSuite) SetupTest() {
	cfg := config.DefaultConfig()
	cfg.Pools.NotificationDepth = 4096
	var err error
	s.sim, err = NewSimulator(cfg, nil)
	s.Require().NoError(err)
}

func (s *SimulatorTestSuite) notes(t ull.NotificationType) []ull.Notification {
	var out []ull.Notification
	for _, n := range s.sim.Notifications().Drain() {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

func (s *SimulatorTestSuite) inject(channel uint8, at hal.Tick, raw []byte) {
	s.sim.Bench.Air.Inject(sim.Packet{Channel: channel, PHY: hal.PHY1M, Start: at, PDU: raw})
}

func (s *SimulatorTestSuite) TestAdvertiserTransmitsOnEveryPrimaryChannel() {
	id, err := s.sim.Create(evt.KindAdvertiser, ull.RoleConfig{Advertiser: &ull.AdvertiserConfig{Name: "blell"}})
	s.Require().NoError(err)
	s.Require().NoError(s.sim.Enable(id))

	s.sim.RunFor(time.Second)

	events := s.notes(ull.NotifyEvent)
	s.GreaterOrEqual(len(events), 9, "100ms interval plus advDelay MUST give at least 9 events per second")
	for _, n := range events {
		s.Equal(evt.Success, n.Status)
	}

	tx := s.sim.Bench.Radio.Transmissions()
	s.GreaterOrEqual(len(tx), 3*len(events), "every advertising event MUST send on 37, 38, 39")
	for i, want := range []uint8{37, 38, 39} {
		s.Equal(want, tx[i].Channel)
	}
	s.Equal("blell", pdu.LocalName(tx[0].PDU[8:]))

	info, err := s.sim.Role(id)
	s.Require().NoError(err)
	s.Equal(uint64(len(events)), info.Counters.Events)
}

func (s *SimulatorTestSuite) TestScannerFollowsAuxChain() {
	adv := ble.NewAddr(peerAddr)
	head, err := pdu.Ext{AuxPtr: &pdu.AuxPtr{Channel: 8, CA: true, Offset: 20, PHY: hal.PHY1M}}.Encode()
	s.Require().NoError(err)
	aux, err := pdu.Ext{
		AdvA:    adv,
		AuxPtr:  &pdu.AuxPtr{Channel: 9, CA: true, Offset: 30, PHY: hal.PHY1M},
		AdvData: []byte("hello "),
	}.Encode()
	s.Require().NoError(err)
	tail, err := pdu.Ext{AdvData: []byte("world")}.Encode()
	s.Require().NoError(err)

	s.inject(37, 1000, head)
	s.inject(8, 1600, aux)
	s.inject(9, 2500, tail)

	id, err := s.sim.Create(evt.KindScanner, ull.RoleConfig{Scanner: &ull.ScannerConfig{}})
	s.Require().NoError(err)
	s.Require().NoError(s.sim.Enable(id))
	s.sim.RunFor(20 * time.Millisecond)

	chains := s.notes(ull.NotifyChainComplete)
	s.Require().Len(chains, 1)
	s.Equal(id, chains[0].Parent)
	s.Equal(peerAddr, chains[0].Address)
	s.Equal("hello world", string(chains[0].Data))
	s.Zero(s.sim.Roles()[0].Counters.ChainSkipped)
}

func (s *SimulatorTestSuite) TestDisableReleasesRole() {
	id, err := s.sim.Create(evt.KindScanner, ull.RoleConfig{Scanner: &ull.ScannerConfig{}})
	s.Require().NoError(err)
	s.Require().NoError(s.sim.Enable(id))
	s.sim.RunFor(10 * time.Millisecond)

	s.Require().NoError(s.sim.Disable(id))
	s.sim.RunFor(100 * time.Millisecond)

	s.Empty(s.sim.Roles())
	s.Empty(s.sim.Timetable(), "no event MUST remain scheduled")
	s.Len(s.notes(ull.NotifyRoleDestroyed), 1)
}

func TestSimulatorTestSuite(t *testing.T) {
	suite.Run(t, new(SimulatorTestSuite))
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Pools.AuxScan = 0

	_, err := NewSimulator(cfg, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestRealtime_RunsAdvertiser(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cfg := config.DefaultConfig()
	cfg.Tolerance.Advertiser = 50 * time.Millisecond
	rt, err := NewRealtime(ctx, cfg, nil)
	require.NoError(t, err)
	defer rt.Close()

	id, err := rt.Create(evt.KindAdvertiser, ull.RoleConfig{Advertiser: &ull.AdvertiserConfig{Interval: 20 * time.Millisecond}})
	require.NoError(t, err)
	require.NoError(t, rt.Enable(id))

	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	var events int
	for events < 3 {
		select {
		case n := <-rt.Notifications().C():
			if n.Type == ull.NotifyEvent && n.Status == evt.Success {
				events++
			}
		case <-ctx.Done():
			t.Fatalf("only %d advertising events before timeout", events)
		}
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.NotEmpty(t, rt.Radio.Transmissions())
}
