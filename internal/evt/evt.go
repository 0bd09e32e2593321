// Package evt holds the records exchanged between the interrupt-context
// executor and the thread-context role manager.
package evt

import (
	"fmt"
	"strings"

	"github.com/srg/blell/internal/hal"
	"github.com/srg/blell/internal/handle"
)

// Kind is a link-layer role kind. The declaration order is the tie-break
// order used when two events of equal priority overlap: earlier kinds win.
type Kind uint8

const (
	KindConnection Kind = iota + 1
	KindScanAux
	KindAdvertiser
	KindScanner
)

// Kinds lists every role kind in tie-break order.
var Kinds = []Kind{KindConnection, KindScanAux, KindAdvertiser, KindScanner}

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindScanAux:
		return "scan_aux"
	case KindAdvertiser:
		return "advertiser"
	case KindScanner:
		return "scanner"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind parses the names produced by Kind.String.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if strings.EqualFold(s, k.String()) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown role kind %q", s)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Status is the outcome of one radio event as reported to its owner.
type Status uint8

const (
	Success Status = iota
	CRCError
	NoReception
	Missed
	Aborted
	ChainSkipped
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case CRCError:
		return "crc_error"
	case NoReception:
		return "no_reception"
	case Missed:
		return "missed"
	case Aborted:
		return "aborted"
	case ChainSkipped:
		return "chain_skipped"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// FollowUp describes the receive window needed for the next PDU of an
// auxiliary chain.
type FollowUp struct {
	Start   hal.Tick // window opens
	Window  hal.Tick // window length
	Channel uint8
	PHY     hal.PHY
}

// Result is the completion record of one radio event.
type Result struct {
	Handle    handle.Handle
	Kind      Kind
	Status    Status
	Timestamp hal.Tick // completion of the last radio operation
	Start     hal.Tick // scheduled start of the event
	Channel   uint8
	RSSI      int8
	Payload   []byte
	FollowUp  *FollowUp
}
