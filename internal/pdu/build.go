package pdu

import (
	"encoding/binary"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux/adv"
)

// Legacy encodes a legacy advertising PDU carrying advA and data.
func Legacy(t Type, advA ble.Addr, data []byte) ([]byte, error) {
	if len(data)+AddrLen > MaxLegacyPayloadLen {
		return nil, fmt.Errorf("%s payload %d exceeds %d bytes", t, len(data)+AddrLen, MaxLegacyPayloadLen)
	}
	a, err := AddrBytes(advA)
	if err != nil {
		return nil, err
	}
	h := Header{Type: t, Length: uint8(AddrLen + len(data))}.encode()
	b := make([]byte, 0, HeaderLen+int(h[1]))
	b = append(b, h[:]...)
	b = append(b, a[:]...)
	return append(b, data...), nil
}

// Ext describes a PDU in the common extended advertising payload format.
type Ext struct {
	Type    Type
	AdvMode uint8
	AdvA    ble.Addr
	TargetA ble.Addr
	ADI     *ADI
	AuxPtr  *AuxPtr
	TxPower *int8
	AdvData []byte
}

// Encode builds the PDU bytes.
func (e Ext) Encode() ([]byte, error) {
	t := e.Type
	if t == 0 {
		t = AdvExtInd
	}

	var (
		flags byte
		hdr   []byte
	)
	if e.AdvA != nil {
		a, err := AddrBytes(e.AdvA)
		if err != nil {
			return nil, err
		}
		flags |= flagAdvA
		hdr = append(hdr, a[:]...)
	}
	if e.TargetA != nil {
		a, err := AddrBytes(e.TargetA)
		if err != nil {
			return nil, err
		}
		flags |= flagTargetA
		hdr = append(hdr, a[:]...)
	}
	if e.ADI != nil {
		flags |= flagADI
		hdr = binary.LittleEndian.AppendUint16(hdr, e.ADI.DID&0x0fff|uint16(e.ADI.SID&0x0f)<<12)
	}
	if e.AuxPtr != nil {
		flags |= flagAuxPtr
		hdr = append(hdr, e.AuxPtr.encode()...)
	}
	if e.TxPower != nil {
		flags |= flagTxPower
		hdr = append(hdr, byte(*e.TxPower))
	}

	hlen := 0
	if flags != 0 {
		hlen = 1 + len(hdr)
	}
	if hlen > maxExtHeaderLen {
		return nil, fmt.Errorf("%w: header length %d", ErrExtHeader, hlen)
	}
	payload := 1 + hlen + len(e.AdvData)
	if payload > MaxPayloadLen {
		return nil, fmt.Errorf("%s payload %d exceeds %d bytes", t, payload, MaxPayloadLen)
	}

	h := Header{Type: t, Length: uint8(payload)}.encode()
	b := make([]byte, 0, HeaderLen+payload)
	b = append(b, h[:]...)
	b = append(b, byte(hlen)|e.AdvMode<<6)
	if flags != 0 {
		b = append(b, flags)
		b = append(b, hdr...)
	}
	return append(b, e.AdvData...), nil
}

// NameData returns advertising data carrying the discoverable flags and a
// complete local name.
func NameData(name string) ([]byte, error) {
	p, err := adv.NewPacket(adv.Flags(adv.FlagGeneralDiscoverable|adv.FlagLEOnly), adv.CompleteName(name))
	if err != nil {
		return nil, fmt.Errorf("advertising data for %q: %w", name, err)
	}
	return p.Bytes(), nil
}

// LocalName returns the local name carried in advertising data, if any.
func LocalName(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	return adv.NewRawPacket(data).LocalName()
}
