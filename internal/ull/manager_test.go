package ull

import (
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blell/internal/evt"
	"github.com/srg/blell/internal/hal"
	"github.com/srg/blell/internal/hal/sim"
	"github.com/srg/blell/internal/lll"
	"github.com/srg/blell/internal/pdu"
	"github.com/srg/blell/internal/ticker"
)

const advAddr = "aa:bb:cc:dd:ee:01"

type ManagerTestSuite struct {
	suite.Suite
	bench *sim.Bench
	tt    *ticker.Timetable
	m     *Manager
	notes []Notification
}

func (s *ManagerTestSuite) SetupTest() {
	s.setup(Config{})
}

func (s *ManagerTestSuite) setup(cfg Config) {
	s.bench = sim.NewBench(time.Microsecond, 150)
	s.tt = ticker.New(s.bench.Clock, 150, nil)
	exec := lll.New(s.bench.Radio, s.bench.Clock, s.tt, nil, lll.Config{
		IFSUS:                  150,
		MinAfterEventSpacingUS: 150,
		JitterUS:               16,
		RampUpUS:               40,
	}, nil)

	cfg.IFSUS = 150
	cfg.JitterUS = 16
	cfg.NotificationDepth = 4096
	cfg.Priority = map[evt.Kind]uint8{
		evt.KindConnection: 3,
		evt.KindScanAux:    2,
		evt.KindAdvertiser: 1,
		evt.KindScanner:    1,
	}
	m, err := New(s.tt, s.bench.Clock, exec, cfg, nil)
	s.Require().NoError(err)
	exec.SetNotifier(m)
	s.m = m
	s.notes = nil
}

// run drives the bench up to until, processing completions after every
// interrupt the way the controller does.
func (s *ManagerTestSuite) run(until hal.Tick) {
	for s.bench.Clock.StepUntil(until) {
		s.m.Process()
	}
	s.bench.Clock.AdvanceTo(until)
	s.m.Process()
	s.notes = append(s.notes, s.m.Notifications().Drain()...)
}

func (s *ManagerTestSuite) of(t NotificationType) []Notification {
	var out []Notification
	for _, n := range s.notes {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

func (s *ManagerTestSuite) scanner(cfg ScannerConfig) RoleID {
	id, err := s.m.Create(evt.KindScanner, RoleConfig{Scanner: &cfg})
	s.Require().NoError(err)
	s.Require().NoError(s.m.Enable(id))
	return id
}

func (s *ManagerTestSuite) inject(channel uint8, at hal.Tick, raw []byte) {
	s.bench.Air.Inject(sim.Packet{Channel: channel, PHY: hal.PHY1M, Start: at, PDU: raw})
}

func (s *ManagerTestSuite) ext(e pdu.Ext) []byte {
	raw, err := e.Encode()
	s.Require().NoError(err)
	return raw
}

func (s *ManagerTestSuite) TestAdvertiserIntervalWithDelay() {
	id, err := s.m.Create(evt.KindAdvertiser, RoleConfig{Advertiser: &AdvertiserConfig{
		Interval: 20 * time.Millisecond,
		Address:  advAddr,
		Name:     "blell",
	}})
	s.Require().NoError(err)
	s.Require().NoError(s.m.Enable(id))
	s.run(200_000)

	var starts []hal.Tick
	for _, tx := range s.bench.Radio.Transmissions() {
		if tx.Channel == lll.FirstAdvChannel {
			starts = append(starts, tx.Start)
		}
	}
	s.Require().GreaterOrEqual(len(starts), 7)
	s.Equal(hal.Tick(150), starts[0], "first event one prepare margin after enable")
	for i := 1; i < len(starts); i++ {
		d := starts[i] - starts[i-1]
		s.GreaterOrEqual(d, hal.Tick(20_000), "interval MUST not shrink")
		s.LessOrEqual(d, hal.Tick(30_000), "advDelay MUST stay within 10ms")
	}

	p, err := pdu.Parse(s.bench.Radio.Transmissions()[0].PDU)
	s.Require().NoError(err)
	s.Equal(pdu.AdvNonconnInd, p.Type)
	s.Equal("blell", pdu.LocalName(p.AdvData))

	info, err := s.m.Role(id)
	s.Require().NoError(err)
	s.GreaterOrEqual(info.Counters.Success, uint64(len(starts)-1))
}

func (s *ManagerTestSuite) TestEnableTwice() {
	id := s.scanner(ScannerConfig{})
	s.ErrorIs(s.m.Enable(id), ErrAlreadyEnabled)
	s.ErrorIs(s.m.Enable(999), ErrUnknownRole)
}

func (s *ManagerTestSuite) TestRoleStateFollowsTimetable() {
	id, err := s.m.Create(evt.KindScanner, RoleConfig{Scanner: &ScannerConfig{}})
	s.Require().NoError(err)
	info, _ := s.m.Role(id)
	s.Equal(StateIdle, info.State)

	s.Require().NoError(s.m.Enable(id))
	info, _ = s.m.Role(id)
	s.Equal(StateScheduled, info.State)

	s.bench.Clock.Step()
	info, _ = s.m.Role(id)
	s.Equal(StatePreparing, info.State)

	s.bench.Clock.AdvanceTo(150)
	info, _ = s.m.Role(id)
	s.Equal(StateActive, info.State)

	s.run(150 + 50_000 + 1)
	info, _ = s.m.Role(id)
	s.Equal(StateScheduled, info.State, "scanner MUST reschedule itself")
	s.Equal(evt.NoReception, info.Last)
	s.Equal(uint64(1), info.Counters.NoReception)
	s.Equal(hal.Tick(100_150), info.Next)
}

func (s *ManagerTestSuite) TestDisableIsIdempotent() {
	id := s.scanner(ScannerConfig{})

	s.Require().NoError(s.m.Disable(id))
	s.Require().NoError(s.m.Disable(id), "second disable MUST be a no-op")
	s.run(1_000_000)

	s.Len(s.of(NotifyRoleDestroyed), 1)
	s.Zero(s.tt.Len())
	s.Zero(s.m.InUse(evt.KindScanner))
	_, err := s.m.Role(id)
	s.ErrorIs(err, ErrUnknownRole)
	s.ErrorIs(s.m.Enable(id), ErrUnknownRole)
}

func (s *ManagerTestSuite) TestDisableActiveWaitsForAbort() {
	id := s.scanner(ScannerConfig{})
	s.run(10_000)
	s.Require().True(s.bench.Radio.Busy())

	s.Require().NoError(s.m.Disable(id))
	_, err := s.m.Role(id)
	s.NoError(err, "context MUST live until the aborted event is reported")
	s.Require().NoError(s.m.Disable(id))

	s.run(20_000)
	s.False(s.bench.Radio.Busy())
	s.Len(s.of(NotifyRoleDestroyed), 1)
	_, err = s.m.Role(id)
	s.ErrorIs(err, ErrUnknownRole)

	events := s.of(NotifyEvent)
	s.Require().Len(events, 1)
	s.Equal(evt.Aborted, events[0].Status)
}

func (s *ManagerTestSuite) TestScannerReportsLegacyAdvertising() {
	data, err := pdu.NameData("beacon")
	s.Require().NoError(err)
	raw, err := pdu.Legacy(pdu.AdvInd, ble.NewAddr(advAddr), data)
	s.Require().NoError(err)
	s.inject(37, 1000, raw)

	id := s.scanner(ScannerConfig{})
	s.run(60_000)

	reports := s.of(NotifyAdvReport)
	s.Require().Len(reports, 1)
	s.Equal(id, reports[0].Role)
	s.Equal(advAddr, reports[0].Address)
	s.Equal("ADV_IND", reports[0].PDUType)
	s.Equal("beacon", pdu.LocalName(reports[0].Data))
	s.Equal(uint8(37), reports[0].Channel)
}

// chain puts ADV_EXT_IND -> AUX_ADV_IND -> AUX_CHAIN_IND on the air. The
// chain PDU is left out when complete is false.
func (s *ManagerTestSuite) chain(complete bool) {
	s.inject(37, 1000, s.ext(pdu.Ext{AuxPtr: &pdu.AuxPtr{Channel: 8, CA: true, Offset: 10, PHY: hal.PHY1M}}))
	s.inject(8, 1300, s.ext(pdu.Ext{
		Type:    pdu.AdvExtInd,
		AdvA:    ble.NewAddr(advAddr),
		AuxPtr:  &pdu.AuxPtr{Channel: 9, CA: true, Offset: 20, PHY: hal.PHY1M},
		AdvData: []byte("chain-part-1"),
	}))
	if complete {
		s.inject(9, 1900, s.ext(pdu.Ext{AdvData: []byte("part-2")}))
	}
}

func (s *ManagerTestSuite) TestAuxChainComplete() {
	s.chain(true)
	id := s.scanner(ScannerConfig{})
	s.run(60_000)

	done := s.of(NotifyChainComplete)
	s.Require().Len(done, 1)
	s.Equal(id, done[0].Parent)
	s.Equal(evt.KindScanAux, done[0].Kind)
	s.Equal(advAddr, done[0].Address)
	s.Equal([]byte("chain-part-1part-2"), done[0].Data)
	s.Empty(s.of(NotifyChainIncomplete))
	s.Zero(s.m.InUse(evt.KindScanAux), "aux context MUST be released")
}

func (s *ManagerTestSuite) TestAuxChainIncomplete() {
	s.chain(false)
	s.scanner(ScannerConfig{})
	s.run(60_000)

	partial := s.of(NotifyChainIncomplete)
	s.Require().Len(partial, 1)
	s.Equal(evt.NoReception, partial[0].Status)
	s.Equal([]byte("chain-part-1"), partial[0].Data)
	s.Zero(s.m.InUse(evt.KindScanAux))
}

func (s *ManagerTestSuite) TestAuxPointerTooCloseIsSkipped() {
	s.inject(37, 1000, s.ext(pdu.Ext{AuxPtr: &pdu.AuxPtr{Channel: 8, CA: true, Offset: 2, PHY: hal.PHY1M}}))
	id := s.scanner(ScannerConfig{})
	s.run(60_000)

	info, err := s.m.Role(id)
	s.Require().NoError(err)
	s.Equal(uint64(1), info.Counters.ChainSkipped)
	s.Equal(evt.ChainSkipped, info.Last)
	s.Zero(s.m.InUse(evt.KindScanAux))
	s.Empty(s.of(NotifyChainComplete))
}

// longChain points the AUX_ADV_IND 2.4s ahead so the aux context stays busy.
func (s *ManagerTestSuite) longChain() {
	s.inject(37, 1000, s.ext(pdu.Ext{AuxPtr: &pdu.AuxPtr{Channel: 8, CA: true, Offset: 10, PHY: hal.PHY1M}}))
	s.inject(8, 1300, s.ext(pdu.Ext{
		AdvA:    ble.NewAddr(advAddr),
		AuxPtr:  &pdu.AuxPtr{Channel: 9, CA: true, Units300: true, Offset: 8000, PHY: hal.PHY1M},
		AdvData: []byte("chain-part-1"),
	}))
	// second scan event listens on channel 38
	s.inject(38, 101_000, s.ext(pdu.Ext{AuxPtr: &pdu.AuxPtr{Channel: 10, CA: true, Offset: 10, PHY: hal.PHY1M}}))
}

func (s *ManagerTestSuite) TestAuxPoolExhausted() {
	s.setup(Config{AuxScanPool: 1})
	s.longChain()
	id := s.scanner(ScannerConfig{})
	s.run(200_000)

	missed := s.of(NotifyChainIncomplete)
	s.Require().Len(missed, 1)
	s.Equal(id, missed[0].Role)
	s.Equal(evt.Missed, missed[0].Status)
	s.Equal(1, s.m.InUse(evt.KindScanAux), "first chain MUST still be followed")
}

func (s *ManagerTestSuite) TestDisableScannerCancelsChains() {
	s.longChain()
	id := s.scanner(ScannerConfig{})
	s.run(50_000)
	s.Require().Equal(1, s.m.InUse(evt.KindScanAux))

	s.Require().NoError(s.m.Disable(id))
	s.run(50_001)

	partial := s.of(NotifyChainIncomplete)
	s.Require().Len(partial, 1)
	s.Equal(evt.Aborted, partial[0].Status)
	s.Equal([]byte("chain-part-1"), partial[0].Data)
	s.Len(s.of(NotifyRoleDestroyed), 1)
	s.Zero(s.m.InUse(evt.KindScanAux))
	s.Zero(s.m.InUse(evt.KindScanner))
	s.Zero(s.tt.Len())
}

// peer is the peripheral side of a connection with its own sequence bits.
type peer struct {
	sn, nesn bool
	rx       [][]byte
	tx       [][]byte
}

func (p *peer) respond(channel uint8, raw []byte) ([]byte, bool) {
	if channel >= lll.FirstAdvChannel || len(raw) < 2 {
		return nil, false
	}
	sn := raw[0]&0x08 != 0
	nesn := raw[0]&0x04 != 0
	if nesn != p.sn {
		if len(p.tx) > 0 {
			p.tx = p.tx[1:]
		}
		p.sn = !p.sn
	}
	if sn == p.nesn {
		if n := int(raw[1]); n > 0 {
			p.rx = append(p.rx, append([]byte(nil), raw[2:2+n]...))
		}
		p.nesn = !p.nesn
	}
	var payload []byte
	llid := lll.LLIDContinuation
	if len(p.tx) > 0 {
		payload = p.tx[0]
		llid = lll.LLIDStart
	}
	return lll.DataPDU(llid, p.nesn, p.sn, false, payload), true
}

func (s *ManagerTestSuite) TestConnectionExchangesData() {
	pr := &peer{tx: [][]byte{[]byte("pong")}}
	s.bench.Air.SetResponder(pr.respond)

	id, err := s.m.Create(evt.KindConnection, RoleConfig{Connection: &ConnectionConfig{Interval: 7500 * time.Microsecond}})
	s.Require().NoError(err)
	s.Require().NoError(s.m.Send(id, []byte("hello")))
	s.Require().NoError(s.m.Enable(id))
	s.run(100_000)

	s.Equal([][]byte{[]byte("hello")}, pr.rx, "peer MUST receive the data exactly once")
	got := s.of(NotifyDataReceived)
	s.Require().Len(got, 1)
	s.Equal([]byte("pong"), got[0].Data)
	s.Empty(s.of(NotifyConnectionLost))

	info, err := s.m.Role(id)
	s.Require().NoError(err)
	s.GreaterOrEqual(info.Counters.Success, uint64(10))
}

func (s *ManagerTestSuite) TestConnectionSupervisionTimeout() {
	id, err := s.m.Create(evt.KindConnection, RoleConfig{Connection: &ConnectionConfig{
		Interval: 7500 * time.Microsecond,
		Timeout:  100 * time.Millisecond,
	}})
	s.Require().NoError(err)
	s.Require().NoError(s.m.Enable(id))
	s.run(300_000)

	lost := s.of(NotifyConnectionLost)
	s.Require().Len(lost, 1)
	s.Greater(lost[0].At, hal.Tick(100_150))
	s.Zero(s.tt.Len(), "lost connection MUST stop scheduling")
	s.ErrorIs(s.m.Send(id, []byte("x")), ErrConnectionLost)
}

func (s *ManagerTestSuite) TestSendValidation() {
	scan := s.scanner(ScannerConfig{})
	s.ErrorIs(s.m.Send(scan, nil), ErrWrongKind)

	id, err := s.m.Create(evt.KindConnection, RoleConfig{Connection: &ConnectionConfig{}})
	s.Require().NoError(err)
	s.ErrorIs(s.m.Send(id, make([]byte, MaxDataPayload+1)), ErrPayloadTooLarge)
	for i := 0; i < MaxTxQueue; i++ {
		s.Require().NoError(s.m.Send(id, []byte{byte(i)}))
	}
	s.ErrorIs(s.m.Send(id, []byte{0}), ErrQueueFull)
}

func (s *ManagerTestSuite) TestConnectionOutranksScanner() {
	scan := s.scanner(ScannerConfig{Window: 5 * time.Millisecond})
	conn, err := s.m.Create(evt.KindConnection, RoleConfig{Connection: &ConnectionConfig{}})
	s.Require().NoError(err)
	s.Require().NoError(s.m.Enable(conn))
	s.run(1_000_000)

	ci, err := s.m.Role(conn)
	s.Require().NoError(err)
	si, err := s.m.Role(scan)
	s.Require().NoError(err)
	s.Zero(ci.Counters.Missed, "higher priority role MUST never be displaced")
	s.Zero(ci.Counters.Conflicts)
	s.GreaterOrEqual(si.Counters.Missed, uint64(1), "overlapping scan window MUST give way")
}

func (s *ManagerTestSuite) TestPoolExhausted() {
	_, err := s.m.Create(evt.KindAdvertiser, RoleConfig{Advertiser: &AdvertiserConfig{}})
	s.Require().NoError(err)
	_, err = s.m.Create(evt.KindAdvertiser, RoleConfig{Advertiser: &AdvertiserConfig{}})
	s.ErrorIs(err, ErrPoolExhausted)
}

func (s *ManagerTestSuite) TestRolesOrderedByID() {
	a, err := s.m.Create(evt.KindAdvertiser, RoleConfig{Advertiser: &AdvertiserConfig{}})
	s.Require().NoError(err)
	b, err := s.m.Create(evt.KindScanner, RoleConfig{Scanner: &ScannerConfig{}})
	s.Require().NoError(err)

	roles := s.m.Roles()
	s.Require().Len(roles, 2)
	s.Equal(a, roles[0].ID)
	s.Equal(b, roles[1].ID)
	s.Equal(evt.KindScanner, roles[1].Kind)
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}
