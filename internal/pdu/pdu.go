// Package pdu decodes and encodes the over-the-air advertising channel PDUs
// the link layer consumes: the 2-byte header, legacy advertising payloads,
// and the common extended advertising payload format with its AuxPtr.
package pdu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/go-ble/ble"

	"github.com/srg/blell/internal/hal"
)

// Type is the 4-bit advertising PDU type.
type Type uint8

const (
	AdvInd        Type = 0x0
	AdvDirectInd  Type = 0x1
	AdvNonconnInd Type = 0x2
	ScanReq       Type = 0x3 // also AUX_SCAN_REQ
	ScanRsp       Type = 0x4
	ConnectInd    Type = 0x5 // also AUX_CONNECT_REQ
	AdvScanInd    Type = 0x6
	AdvExtInd     Type = 0x7 // also AUX_ADV_IND, AUX_SCAN_RSP, AUX_SYNC_IND, AUX_CHAIN_IND
	AuxConnectRsp Type = 0x8
)

func (t Type) String() string {
	switch t {
	case AdvInd:
		return "ADV_IND"
	case AdvDirectInd:
		return "ADV_DIRECT_IND"
	case AdvNonconnInd:
		return "ADV_NONCONN_IND"
	case ScanReq:
		return "SCAN_REQ"
	case ScanRsp:
		return "SCAN_RSP"
	case ConnectInd:
		return "CONNECT_IND"
	case AdvScanInd:
		return "ADV_SCAN_IND"
	case AdvExtInd:
		return "ADV_EXT_IND"
	case AuxConnectRsp:
		return "AUX_CONNECT_RSP"
	default:
		return fmt.Sprintf("PDU(0x%x)", uint8(t))
	}
}

// ParseType parses the names produced by Type.String, ignoring case.
func ParseType(s string) (Type, error) {
	for t := AdvInd; t <= AuxConnectRsp; t++ {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown pdu type %q", s)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

const (
	HeaderLen     = 2
	AddrLen       = 6
	MaxPayloadLen = 255
	// MaxLegacyPayloadLen bounds legacy advertising payloads.
	MaxLegacyPayloadLen = 37
	maxExtHeaderLen     = 63
)

// Decoding errors
var (
	ErrShort     = errors.New("pdu shorter than its header")
	ErrLength    = errors.New("pdu length field does not match")
	ErrExtHeader = errors.New("malformed extended header")
	ErrNotAdv    = errors.New("not an advertising pdu")
)

// Header is the advertising channel PDU header.
type Header struct {
	Type   Type
	ChSel  bool
	TxAdd  bool
	RxAdd  bool
	Length uint8
}

func parseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrShort
	}
	return Header{
		Type:   Type(b[0] & 0x0f),
		ChSel:  b[0]&0x20 != 0,
		TxAdd:  b[0]&0x40 != 0,
		RxAdd:  b[0]&0x80 != 0,
		Length: b[1],
	}, nil
}

func (h Header) encode() [2]byte {
	b0 := byte(h.Type) & 0x0f
	if h.ChSel {
		b0 |= 0x20
	}
	if h.TxAdd {
		b0 |= 0x40
	}
	if h.RxAdd {
		b0 |= 0x80
	}
	return [2]byte{b0, h.Length}
}

// AuxOffsetUnit values in microseconds.
const (
	OffsetUnit30  = 30
	OffsetUnit300 = 300
)

// AuxPtr points to the auxiliary PDU that follows.
type AuxPtr struct {
	Channel  uint8
	CA       bool // sleep clock accuracy of the advertiser is within 50 ppm
	Units300 bool
	Offset   uint16 // in offset units, 13 bits
	PHY      hal.PHY
	rawPHY   uint8
}

// UnitUS returns the offset unit in microseconds.
func (a AuxPtr) UnitUS() uint32 {
	if a.Units300 {
		return OffsetUnit300
	}
	return OffsetUnit30
}

// OffsetUS returns the offset to the start of the auxiliary packet.
func (a AuxPtr) OffsetUS() uint32 {
	return uint32(a.Offset) * a.UnitUS()
}

// WindowWideningUS returns the receive window widening the offset needs for
// the advertiser's clock accuracy: 50 ppm with CA set, 500 ppm otherwise.
func (a AuxPtr) WindowWideningUS() uint32 {
	ppm := uint64(500)
	if a.CA {
		ppm = 50
	}
	return uint32((uint64(a.OffsetUS())*ppm + 999999) / 1000000)
}

// Followable reports whether the pointer can be followed: a non-zero offset
// on a PHY the controller supports.
func (a AuxPtr) Followable() bool {
	return a.Offset != 0 && a.PHY.Valid() && a.Channel <= 36
}

func parseAuxPtr(b []byte) AuxPtr {
	v := binary.LittleEndian.Uint16(b[1:3])
	a := AuxPtr{
		Channel:  b[0] & 0x3f,
		CA:       b[0]&0x40 != 0,
		Units300: b[0]&0x80 != 0,
		Offset:   v & 0x1fff,
		rawPHY:   uint8(v >> 13),
	}
	switch a.rawPHY {
	case 0:
		a.PHY = hal.PHY1M
	case 1:
		a.PHY = hal.PHY2M
	case 2:
		a.PHY = hal.PHYCoded
	}
	return a
}

func (a AuxPtr) encode() []byte {
	b := make([]byte, 3)
	b[0] = a.Channel & 0x3f
	if a.CA {
		b[0] |= 0x40
	}
	if a.Units300 {
		b[0] |= 0x80
	}
	phy := a.rawPHY
	switch a.PHY {
	case hal.PHY1M:
		phy = 0
	case hal.PHY2M:
		phy = 1
	case hal.PHYCoded, hal.PHYCodedS2:
		phy = 2
	}
	binary.LittleEndian.PutUint16(b[1:], a.Offset&0x1fff|uint16(phy)<<13)
	return b
}

// NewAuxPtr builds a pointer for an offset in microseconds, picking the
// 30 µs unit when the offset fits in 13 bits of it.
func NewAuxPtr(channel uint8, offsetUS uint32, phy hal.PHY, ca bool) AuxPtr {
	a := AuxPtr{Channel: channel, CA: ca, PHY: phy}
	if offsetUS/OffsetUnit30 <= 0x1fff {
		a.Offset = uint16(offsetUS / OffsetUnit30)
	} else {
		a.Units300 = true
		a.Offset = uint16(min(offsetUS/OffsetUnit300, 0x1fff))
	}
	return a
}

// ADI is the advertising data info field.
type ADI struct {
	DID uint16
	SID uint8
}

// ExtHeader is the extended header of the common extended advertising
// payload format.
type ExtHeader struct {
	AdvMode  uint8
	AdvA     ble.Addr
	TargetA  ble.Addr
	CTEInfo  *uint8
	ADI      *ADI
	AuxPtr   *AuxPtr
	SyncInfo []byte
	TxPower  *int8
	ACAD     []byte
}

const (
	flagAdvA = 1 << iota
	flagTargetA
	flagCTEInfo
	flagADI
	flagAuxPtr
	flagSyncInfo
	flagTxPower
)

const syncInfoLen = 18

// PDU is a decoded advertising channel PDU.
type PDU struct {
	Header
	Payload []byte
	AdvA    ble.Addr
	Ext     *ExtHeader
	AdvData []byte
}

// Parse decodes b. The returned PDU aliases b.
func Parse(b []byte) (*PDU, error) {
	h, err := parseHeader(b)
	if err != nil {
		return nil, err
	}
	if len(b) != HeaderLen+int(h.Length) {
		return nil, fmt.Errorf("%w: header says %d, have %d", ErrLength, h.Length, len(b)-HeaderLen)
	}
	p := &PDU{Header: h, Payload: b[HeaderLen:]}

	switch h.Type {
	case AdvInd, AdvNonconnInd, AdvScanInd, ScanRsp, AdvDirectInd:
		if len(p.Payload) < AddrLen {
			return nil, fmt.Errorf("%s: %w", h.Type, ErrShort)
		}
		p.AdvA = addr(p.Payload[:AddrLen])
		if h.Type == AdvDirectInd {
			return p, nil
		}
		p.AdvData = p.Payload[AddrLen:]
	case AdvExtInd, AuxConnectRsp:
		ext, rest, err := parseExt(p.Payload)
		if err != nil {
			return nil, err
		}
		p.Ext = ext
		p.AdvA = ext.AdvA
		p.AdvData = rest
	default:
		return nil, fmt.Errorf("%s: %w", h.Type, ErrNotAdv)
	}
	return p, nil
}

func parseExt(b []byte) (*ExtHeader, []byte, error) {
	if len(b) < 1 {
		return nil, nil, fmt.Errorf("%w: missing length", ErrExtHeader)
	}
	hlen := int(b[0] & 0x3f)
	ext := &ExtHeader{AdvMode: b[0] >> 6}
	if len(b) < 1+hlen {
		return nil, nil, fmt.Errorf("%w: length %d exceeds payload", ErrExtHeader, hlen)
	}
	rest := b[1+hlen:]
	if hlen == 0 {
		return ext, rest, nil
	}

	h := b[1 : 1+hlen]
	flags := h[0]
	h = h[1:]

	take := func(n int) ([]byte, error) {
		if len(h) < n {
			return nil, fmt.Errorf("%w: flags 0x%02x need more than %d bytes", ErrExtHeader, flags, hlen)
		}
		f := h[:n]
		h = h[n:]
		return f, nil
	}

	if flags&flagAdvA != 0 {
		f, err := take(AddrLen)
		if err != nil {
			return nil, nil, err
		}
		ext.AdvA = addr(f)
	}
	if flags&flagTargetA != 0 {
		f, err := take(AddrLen)
		if err != nil {
			return nil, nil, err
		}
		ext.TargetA = addr(f)
	}
	if flags&flagCTEInfo != 0 {
		f, err := take(1)
		if err != nil {
			return nil, nil, err
		}
		v := f[0]
		ext.CTEInfo = &v
	}
	if flags&flagADI != 0 {
		f, err := take(2)
		if err != nil {
			return nil, nil, err
		}
		v := binary.LittleEndian.Uint16(f)
		ext.ADI = &ADI{DID: v & 0x0fff, SID: uint8(v >> 12)}
	}
	if flags&flagAuxPtr != 0 {
		f, err := take(3)
		if err != nil {
			return nil, nil, err
		}
		a := parseAuxPtr(f)
		ext.AuxPtr = &a
	}
	if flags&flagSyncInfo != 0 {
		f, err := take(syncInfoLen)
		if err != nil {
			return nil, nil, err
		}
		ext.SyncInfo = f
	}
	if flags&flagTxPower != 0 {
		f, err := take(1)
		if err != nil {
			return nil, nil, err
		}
		v := int8(f[0])
		ext.TxPower = &v
	}
	ext.ACAD = h
	return ext, rest, nil
}

// addr converts an over-the-air little-endian device address.
func addr(b []byte) ble.Addr {
	return ble.NewAddr(fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b[5], b[4], b[3], b[2], b[1], b[0]))
}

// AddrBytes converts a textual address to its over-the-air byte order.
func AddrBytes(a ble.Addr) ([AddrLen]byte, error) {
	var out [AddrLen]byte
	if a == nil {
		return out, nil
	}
	var v [AddrLen]byte
	if _, err := fmt.Sscanf(a.String(), "%02x:%02x:%02x:%02x:%02x:%02x",
		&v[0], &v[1], &v[2], &v[3], &v[4], &v[5]); err != nil {
		return out, fmt.Errorf("address %q: %w", a.String(), err)
	}
	for i := range v {
		out[i] = v[AddrLen-1-i]
	}
	return out, nil
}

// Airtime returns the on-air duration of the PDU in microseconds.
func (p *PDU) Airtime(phy hal.PHY) uint32 {
	return hal.Airtime(int(p.Length), phy)
}

// Chained reports whether the PDU points to a further auxiliary PDU.
func (p *PDU) Chained() bool {
	return p.Ext != nil && p.Ext.AuxPtr != nil
}
