// Package hal declares the hardware services the link-layer core consumes but
// does not implement: a monotonic tick counter with a one-shot deadline
// interrupt, and a radio peripheral with a completion interrupt.
//
// Implementations live in sub-packages (sim for the deterministic test bench,
// host for a real-time host clock) or in board glue outside this module.
package hal

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Tick is a unit of the monotonic hardware time base.
type Tick uint64

// Timer is the tick/timer service.
//
// The deadline handler runs in interrupt context: implementations must never
// run it concurrently with the radio completion handler.
type Timer interface {
	Now() Tick
	Resolution() time.Duration
	ArmDeadline(at Tick)
	DisarmDeadline()
	SetDeadlineHandler(fn func())
}

// PHY identifies the physical layer used for a radio operation.
type PHY uint8

const (
	PHY1M PHY = iota + 1
	PHY2M
	PHYCoded // coded, S=8
	PHYCodedS2
)

func (p PHY) String() string {
	switch p {
	case PHY1M:
		return "1m"
	case PHY2M:
		return "2m"
	case PHYCoded:
		return "coded"
	case PHYCodedS2:
		return "coded-s2"
	default:
		return fmt.Sprintf("phy(%d)", uint8(p))
	}
}

// Valid reports whether p names a supported PHY.
func (p PHY) Valid() bool {
	return p >= PHY1M && p <= PHYCodedS2
}

// ParsePHY parses the names produced by PHY.String.
func ParsePHY(s string) (PHY, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1m", "le1m":
		return PHY1M, nil
	case "2m", "le2m":
		return PHY2M, nil
	case "coded", "coded-s8", "s8":
		return PHYCoded, nil
	case "coded-s2", "s2":
		return PHYCodedS2, nil
	default:
		return 0, fmt.Errorf("unknown phy %q (must be 1m, 2m, coded or coded-s2)", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p PHY) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PHY) UnmarshalText(b []byte) error {
	v, err := ParsePHY(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Mode is the direction of a radio operation.
type Mode uint8

const (
	ModeTx Mode = iota + 1
	ModeRx
)

func (m Mode) String() string {
	switch m {
	case ModeTx:
		return "tx"
	case ModeRx:
		return "rx"
	default:
		return "idle"
	}
}

// Op is the buffer set handed to Radio.Arm: a PDU to transmit, or the length
// of a receive window.
type Op struct {
	Mode   Mode
	PDU    []byte
	Window Tick
}

// RadioStatus is the hardware outcome of one radio operation.
type RadioStatus uint8

const (
	RadioOK RadioStatus = iota
	RadioCRCError
	RadioTimeout
	RadioAborted
)

func (s RadioStatus) String() string {
	switch s {
	case RadioOK:
		return "ok"
	case RadioCRCError:
		return "crc_error"
	case RadioTimeout:
		return "timeout"
	case RadioAborted:
		return "aborted"
	default:
		return fmt.Sprintf("radio_status(%d)", uint8(s))
	}
}

// Completion is what the radio reports from its completion interrupt.
type Completion struct {
	Status  RadioStatus
	Mode    Mode
	Channel uint8
	Start   Tick // address match of the received PDU, or arm time
	End     Tick
	PDU     []byte
	RSSI    int8
}

// Radio is the radio control interface.
//
// Configure selects channel, PHY and direction without keying the radio;
// Arm starts the operation and returns immediately. The completion handler
// runs in interrupt context. Disable stops any operation in flight; if one
// was in flight its completion is reported with RadioAborted before Disable
// returns.
type Radio interface {
	Configure(channel uint8, phy PHY, mode Mode) error
	Arm(op Op) error
	Disable()
	SetCompletionHandler(fn func(Completion))
}

// Radio errors
var (
	ErrInvalidChannel = errors.New("invalid channel (valid range: 0-39)")
	ErrInvalidPHY     = errors.New("unsupported phy")
	ErrRadioBusy      = errors.New("radio busy")
	ErrNotConfigured  = errors.New("radio not configured")
)

// MaxChannel is the highest RF channel index (advertising channel 39).
const MaxChannel = 39

// USToTicks converts microseconds to ticks, rounding up.
func USToTicks(us uint32, res time.Duration) Tick {
	if res <= 0 {
		res = time.Microsecond
	}
	ns := uint64(us) * uint64(time.Microsecond)
	r := uint64(res)
	return Tick((ns + r - 1) / r)
}

// TicksToUS converts ticks to microseconds, rounding down.
func TicksToUS(t Tick, res time.Duration) uint32 {
	if res <= 0 {
		res = time.Microsecond
	}
	return uint32(uint64(t) * uint64(res) / uint64(time.Microsecond))
}

// TicksToDuration converts ticks to a wall-clock duration.
func TicksToDuration(t Tick, res time.Duration) time.Duration {
	return time.Duration(t) * res
}

// Airtime returns the on-air duration in microseconds of a PDU carrying
// payloadLen bytes after its 2-byte header.
func Airtime(payloadLen int, phy PHY) uint32 {
	n := uint32(payloadLen)
	switch phy {
	case PHY2M:
		return (n + 11) * 4
	case PHYCoded:
		return 720 + 64*n
	case PHYCodedS2:
		return 462 + 16*n
	default:
		return (n + 10) * 8
	}
}
