package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blell/internal/hal"
)

func TestClock_OrderAndDeadline(t *testing.T) {
	c := NewClock(time.Microsecond)
	var got []string

	c.SetDeadlineHandler(func() { got = append(got, "deadline") })
	c.After(100, func() { got = append(got, "a@100") })
	c.After(50, func() { got = append(got, "b@50") })
	c.After(100, func() { got = append(got, "c@100") })
	c.ArmDeadline(100)

	c.AdvanceTo(99)
	assert.Equal(t, []string{"b@50"}, got)
	assert.Equal(t, hal.Tick(99), c.Now())

	c.AdvanceTo(200)
	assert.Equal(t, []string{"b@50", "a@100", "c@100", "deadline"}, got,
		"same-tick callbacks MUST run in order and before the deadline")

	_, armed := c.Deadline()
	assert.False(t, armed, "deadline is one-shot")
}

func TestClock_CancelAndPastDeadline(t *testing.T) {
	c := NewClock(0)
	fired := false
	cancel := c.After(10, func() { fired = true })
	cancel()
	c.Advance(20)
	assert.False(t, fired)

	hits := 0
	c.SetDeadlineHandler(func() { hits++ })
	c.ArmDeadline(5)
	at, ok := c.Next()
	require.True(t, ok)
	assert.Equal(t, hal.Tick(20), at, "past deadline MUST fire now")
	assert.True(t, c.Step())
	assert.Equal(t, 1, hits)
	assert.False(t, c.Step())
}

func TestRadio_TxAndResponder(t *testing.T) {
	b := NewBench(time.Microsecond, 150)
	var done []hal.Completion
	b.Radio.SetCompletionHandler(func(c hal.Completion) { done = append(done, c) })
	b.Air.SetResponder(func(channel uint8, pdu []byte) ([]byte, bool) {
		return []byte{0x01, 0x00}, true
	})

	require.NoError(t, b.Radio.Configure(37, hal.PHY1M, hal.ModeTx))
	require.NoError(t, b.Radio.Arm(hal.Op{Mode: hal.ModeTx, PDU: make([]byte, 8)}))
	assert.ErrorIs(t, b.Radio.Configure(38, hal.PHY1M, hal.ModeTx), hal.ErrRadioBusy)

	b.Clock.Run(10)
	require.Len(t, done, 1)
	assert.Equal(t, hal.RadioOK, done[0].Status)
	assert.Equal(t, hal.Tick(128), done[0].End, "6 payload bytes on 1M take 128us")

	tx := b.Radio.Transmissions()
	require.Len(t, tx, 1)
	assert.Equal(t, uint8(37), tx[0].Channel)
	assert.Equal(t, 1, b.Air.Len(), "responder answer MUST be on air")

	require.NoError(t, b.Radio.Configure(37, hal.PHY1M, hal.ModeRx))
	require.NoError(t, b.Radio.Arm(hal.Op{Mode: hal.ModeRx, Window: 200}))
	b.Clock.Run(10)
	require.Len(t, done, 2)
	assert.Equal(t, hal.RadioOK, done[1].Status)
	assert.Equal(t, hal.Tick(278), done[1].Start)
}

func TestRadio_RxTimeoutAndDisable(t *testing.T) {
	b := NewBench(time.Microsecond, 150)
	var done []hal.Completion
	b.Radio.SetCompletionHandler(func(c hal.Completion) { done = append(done, c) })

	assert.ErrorIs(t, b.Radio.Arm(hal.Op{Mode: hal.ModeRx, Window: 10}), hal.ErrNotConfigured)
	assert.ErrorIs(t, b.Radio.Configure(40, hal.PHY1M, hal.ModeRx), hal.ErrInvalidChannel)

	require.NoError(t, b.Radio.Configure(12, hal.PHY2M, hal.ModeRx))
	require.NoError(t, b.Radio.Arm(hal.Op{Mode: hal.ModeRx, Window: 100}))
	b.Clock.Run(10)
	require.Len(t, done, 1)
	assert.Equal(t, hal.RadioTimeout, done[0].Status)
	assert.Equal(t, hal.Tick(100), done[0].End)

	require.NoError(t, b.Radio.Configure(12, hal.PHY2M, hal.ModeRx))
	require.NoError(t, b.Radio.Arm(hal.Op{Mode: hal.ModeRx, Window: 100}))
	b.Radio.Disable()
	require.Len(t, done, 2, "abort MUST be reported before Disable returns")
	assert.Equal(t, hal.RadioAborted, done[1].Status)
	assert.False(t, b.Radio.Busy())
	assert.Equal(t, 0, b.Clock.Run(10), "aborted operation MUST NOT complete later")
}

func TestRadio_RxMatchesChannelAndPHY(t *testing.T) {
	b := NewBench(time.Microsecond, 150)
	var done []hal.Completion
	b.Radio.SetCompletionHandler(func(c hal.Completion) { done = append(done, c) })

	b.Air.Inject(Packet{Channel: 5, PHY: hal.PHY1M, Start: 20, PDU: make([]byte, 4)})
	b.Air.Inject(Packet{Channel: 6, PHY: hal.PHY2M, Start: 30, PDU: make([]byte, 4)})
	b.Air.Inject(Packet{Channel: 6, PHY: hal.PHY1M, Start: 40, PDU: make([]byte, 4), CRCError: true})

	require.NoError(t, b.Radio.Configure(6, hal.PHY1M, hal.ModeRx))
	require.NoError(t, b.Radio.Arm(hal.Op{Mode: hal.ModeRx, Window: 100}))
	b.Clock.Run(10)

	require.Len(t, done, 1)
	assert.Equal(t, hal.RadioCRCError, done[0].Status)
	assert.Equal(t, hal.Tick(40), done[0].Start)
}
