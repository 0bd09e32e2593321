package ull

import (
	"math/bits"
	"time"

	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"

	"github.com/srg/blell/internal/evt"
	"github.com/srg/blell/internal/hal"
	"github.com/srg/blell/internal/lll"
	"github.com/srg/blell/internal/pdu"
)

// Protocol bounds for role timing parameters.
const (
	MinAdvInterval   = 20 * time.Millisecond
	MaxAdvInterval   = 10240 * time.Millisecond
	MinScanInterval  = 2500 * time.Microsecond
	MaxScanInterval  = 10240 * time.Millisecond
	MinConnInterval  = 7500 * time.Microsecond
	MaxConnInterval  = 4 * time.Second
	ConnIntervalStep = 1250 * time.Microsecond
	MaxConnLatency   = 499
	MinSupervision   = 100 * time.Millisecond
	MaxSupervision   = 32 * time.Second
	MinHop           = 5
	MaxHop           = 16

	// MaxLegacyAdvData bounds legacy advertising data.
	MaxLegacyAdvData = 31
	// MaxDataPayload bounds one data channel PDU payload.
	MaxDataPayload = 251
	// MaxTxQueue bounds the data waiting on one connection.
	MaxTxQueue = 16

	allDataChannels = uint64(1)<<lll.DataChannels - 1
)

// RoleConfig carries the parameters of one role. Only the section matching
// the created kind is read.
type RoleConfig struct {
	Advertiser *AdvertiserConfig `yaml:"advertiser,omitempty" json:"advertiser,omitempty"`
	Scanner    *ScannerConfig    `yaml:"scanner,omitempty" json:"scanner,omitempty"`
	Connection *ConnectionConfig `yaml:"connection,omitempty" json:"connection,omitempty"`
}

// PrimaryChannels returns a primary channel map for AdvertiserConfig and
// ScannerConfig. A nil map selects 37, 38 and 39; an explicit empty map is
// rejected.
func PrimaryChannels(m uint8) *uint8 { return &m }

func primaryMap(m *uint8) uint8 {
	if m == nil {
		return lll.AllAdvChannels
	}
	return *m
}

// AdvertiserConfig configures a legacy advertiser.
type AdvertiserConfig struct {
	Interval    time.Duration `yaml:"interval" json:"interval" default:"100ms"`
	ChannelMap  *uint8        `yaml:"channel_map,omitempty" json:"channel_map,omitempty"`
	Address     string        `yaml:"address" json:"address" default:"c0:de:00:00:00:01"`
	Name        string        `yaml:"name" json:"name"`
	Connectable bool          `yaml:"connectable" json:"connectable"`
	PHY         hal.PHY       `yaml:"phy" json:"phy" default:"1"`
}

// ScannerConfig configures a passive scanner.
type ScannerConfig struct {
	Interval   time.Duration `yaml:"interval" json:"interval" default:"100ms"`
	Window     time.Duration `yaml:"window" json:"window" default:"50ms"`
	ChannelMap *uint8        `yaml:"channel_map,omitempty" json:"channel_map,omitempty"`
	PHY        hal.PHY       `yaml:"phy" json:"phy" default:"1"`
}

// ConnectionConfig configures the central side of a connection. A zero
// ChannelMap selects all 37 data channels.
type ConnectionConfig struct {
	Peer       string        `yaml:"peer" json:"peer"`
	Interval   time.Duration `yaml:"interval" json:"interval" default:"30ms"`
	Latency    uint16        `yaml:"latency" json:"latency"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout" default:"4s"`
	ChannelMap uint64        `yaml:"channel_map" json:"channel_map"`
	Hop        uint8         `yaml:"hop" json:"hop" default:"7"`
	PHY        hal.PHY       `yaml:"phy" json:"phy" default:"1"`
}

// WithDefaults fills zero fields of every present section.
func (c RoleConfig) WithDefaults() RoleConfig {
	if c.Advertiser != nil {
		a := *c.Advertiser
		defaults.SetDefaults(&a)
		if a.ChannelMap == nil {
			a.ChannelMap = PrimaryChannels(lll.AllAdvChannels)
		}
		c.Advertiser = &a
	}
	if c.Scanner != nil {
		s := *c.Scanner
		defaults.SetDefaults(&s)
		if s.ChannelMap == nil {
			s.ChannelMap = PrimaryChannels(lll.AllAdvChannels)
		}
		c.Scanner = &s
	}
	if c.Connection != nil {
		cc := *c.Connection
		defaults.SetDefaults(&cc)
		c.Connection = &cc
	}
	return c
}

// Validate checks the section for kind against the protocol bounds.
func (c RoleConfig) Validate(kind evt.Kind) error {
	switch kind {
	case evt.KindAdvertiser:
		if c.Advertiser == nil {
			return invalid(kind, "advertiser", "section missing")
		}
		return c.Advertiser.validate()
	case evt.KindScanner:
		if c.Scanner == nil {
			return invalid(kind, "scanner", "section missing")
		}
		return c.Scanner.validate()
	case evt.KindConnection:
		if c.Connection == nil {
			return invalid(kind, "connection", "section missing")
		}
		return c.Connection.validate()
	case evt.KindScanAux:
		return invalid(kind, "kind", "auxiliary scan contexts are created by scanners")
	default:
		return invalid(kind, "kind", "unsupported")
	}
}

func (c *AdvertiserConfig) validate() error {
	const kind = evt.KindAdvertiser
	if c.Interval < MinAdvInterval || c.Interval > MaxAdvInterval {
		return invalid(kind, "interval", "%s outside [%s, %s]", c.Interval, MinAdvInterval, MaxAdvInterval)
	}
	if m := c.channels(); m == 0 || m&^lll.AllAdvChannels != 0 {
		return invalid(kind, "channel_map", "0x%02x must select channels from 0x07", m)
	}
	if c.PHY != hal.PHY1M && c.PHY != hal.PHYCoded {
		return invalid(kind, "phy", "%s not usable on primary channels", c.PHY)
	}
	if _, err := pdu.AddrBytes(ble.NewAddr(c.Address)); err != nil {
		return invalid(kind, "address", "%v", err)
	}
	data, err := pdu.NameData(c.Name)
	if err != nil {
		return invalid(kind, "name", "%v", err)
	}
	if len(data) > MaxLegacyAdvData {
		return invalid(kind, "name", "advertising data of %d bytes exceeds %d", len(data), MaxLegacyAdvData)
	}
	return nil
}

func (c *ScannerConfig) validate() error {
	const kind = evt.KindScanner
	if c.Interval < MinScanInterval || c.Interval > MaxScanInterval {
		return invalid(kind, "interval", "%s outside [%s, %s]", c.Interval, MinScanInterval, MaxScanInterval)
	}
	if c.Window < MinScanInterval || c.Window > c.Interval {
		return invalid(kind, "window", "%s outside [%s, %s]", c.Window, MinScanInterval, c.Interval)
	}
	if m := c.channels(); m == 0 || m&^lll.AllAdvChannels != 0 {
		return invalid(kind, "channel_map", "0x%02x must select channels from 0x07", m)
	}
	if c.PHY != hal.PHY1M && c.PHY != hal.PHYCoded {
		return invalid(kind, "phy", "%s not usable on primary channels", c.PHY)
	}
	return nil
}

func (c *ConnectionConfig) validate() error {
	const kind = evt.KindConnection
	if c.Interval < MinConnInterval || c.Interval > MaxConnInterval || c.Interval%ConnIntervalStep != 0 {
		return invalid(kind, "interval", "%s must be a multiple of %s in [%s, %s]",
			c.Interval, ConnIntervalStep, MinConnInterval, MaxConnInterval)
	}
	if c.Latency > MaxConnLatency {
		return invalid(kind, "latency", "%d exceeds %d", c.Latency, MaxConnLatency)
	}
	if c.Timeout < MinSupervision || c.Timeout > MaxSupervision {
		return invalid(kind, "timeout", "%s outside [%s, %s]", c.Timeout, MinSupervision, MaxSupervision)
	}
	if floor := time.Duration(1+int64(c.Latency)) * c.Interval * 2; c.Timeout <= floor {
		return invalid(kind, "timeout", "%s must exceed %s", c.Timeout, floor)
	}
	m := c.dataChannels()
	if m&^allDataChannels != 0 || bits.OnesCount64(m) < 2 {
		return invalid(kind, "channel_map", "0x%010x must select at least 2 of 37 data channels", c.ChannelMap)
	}
	if c.Hop < MinHop || c.Hop > MaxHop {
		return invalid(kind, "hop", "%d outside [%d, %d]", c.Hop, MinHop, MaxHop)
	}
	if !c.PHY.Valid() || c.PHY == hal.PHYCodedS2 {
		return invalid(kind, "phy", "%s not supported", c.PHY)
	}
	return nil
}

func (c *AdvertiserConfig) channels() uint8 { return primaryMap(c.ChannelMap) }

func (c *ScannerConfig) channels() uint8 { return primaryMap(c.ChannelMap) }

func (c *ConnectionConfig) dataChannels() uint64 {
	if c.ChannelMap == 0 {
		return allDataChannels
	}
	return c.ChannelMap
}
