// Package scenario loads YAML descriptions of a simulated radio environment
// (controller configuration, roles with their timed actions, packets on the
// air, a connection peer) and runs them on the simulator.
package scenario

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"

	"github.com/srg/blell/internal/evt"
	"github.com/srg/blell/internal/hal"
	"github.com/srg/blell/internal/pdu"
	"github.com/srg/blell/internal/ull"
	"github.com/srg/blell/pkg/config"
)

// ErrInvalid is returned for scenarios that cannot be run.
var ErrInvalid = errors.New("invalid scenario")

// Scenario is one simulation run.
type Scenario struct {
	Name   string        `yaml:"name"`
	Until  time.Duration `yaml:"until" default:"200ms"`
	Config yaml.Node     `yaml:"config"`
	Roles  []Role        `yaml:"roles"`
	Air    []Packet      `yaml:"air"`
	Peer   *Peer         `yaml:"peer"`

	cfg *config.Config
}

// Role is a role to create, with the times it is enabled and disabled and
// the data it sends.
type Role struct {
	Name      string        `yaml:"name"`
	Kind      evt.Kind      `yaml:"kind"`
	EnableAt  time.Duration `yaml:"enable_at"`
	DisableAt time.Duration `yaml:"disable_at"`
	Send      []Send        `yaml:"send"`

	ull.RoleConfig `yaml:",inline"`
}

// Send queues Data on a connection role at At.
type Send struct {
	At   time.Duration `yaml:"at"`
	Data string        `yaml:"data"`
}

// Packet is a PDU put on the air. Exactly one of Legacy, Ext and Raw is set.
type Packet struct {
	At       time.Duration `yaml:"at"`
	Channel  uint8         `yaml:"channel"`
	PHY      hal.PHY       `yaml:"phy" default:"1"`
	RSSI     int8          `yaml:"rssi" default:"-60"`
	CRCError bool          `yaml:"crc_error"`

	Legacy *Legacy `yaml:"legacy"`
	Ext    *Ext    `yaml:"ext"`
	Raw    string  `yaml:"raw"`
}

// Legacy is a legacy advertising PDU.
type Legacy struct {
	Type    pdu.Type `yaml:"type"`
	Address string   `yaml:"address" default:"c0:ff:ee:00:00:01"`
	Name    string   `yaml:"name"`
}

// Ext is a PDU in the extended advertising format.
type Ext struct {
	Address string `yaml:"address"`
	Data    string `yaml:"data"`
	Aux     *Aux   `yaml:"aux"`
}

// Aux points at the next PDU of a chain.
type Aux struct {
	Channel uint8         `yaml:"channel"`
	Offset  time.Duration `yaml:"offset"`
	PHY     hal.PHY       `yaml:"phy" default:"1"`
	CA      bool          `yaml:"ca"`
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scenario: %w", err)
	}
	defer f.Close()

	sc, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// Decode reads a scenario from r. Unknown keys are rejected.
func Decode(r io.Reader) (*Scenario, error) {
	sc := &Scenario{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(sc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	defaults.SetDefaults(sc)
	for i := range sc.Air {
		defaults.SetDefaults(&sc.Air[i])
		if l := sc.Air[i].Legacy; l != nil {
			defaults.SetDefaults(l)
		}
		if e := sc.Air[i].Ext; e != nil && e.Aux != nil {
			defaults.SetDefaults(e.Aux)
		}
	}

	cfg, err := sc.decodeConfig()
	if err != nil {
		return nil, err
	}
	sc.cfg = cfg

	if err := sc.validate(); err != nil {
		return nil, err
	}
	return sc, nil
}

// decodeConfig applies the config section over the defaults with the same
// strictness as a config file.
func (sc *Scenario) decodeConfig() (*config.Config, error) {
	if sc.Config.Kind == 0 {
		return config.DefaultConfig(), nil
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	if err := enc.Encode(&sc.Config); err != nil {
		return nil, fmt.Errorf("config section: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("config section: %w", err)
	}
	return config.Parse(buf.Bytes())
}

func (sc *Scenario) validate() error {
	if sc.Until <= 0 {
		return fmt.Errorf("%w: until must be > 0", ErrInvalid)
	}
	names := make(map[string]bool, len(sc.Roles))
	for i, r := range sc.Roles {
		if r.Name == "" {
			return fmt.Errorf("%w: roles[%d] has no name", ErrInvalid, i)
		}
		if names[r.Name] {
			return fmt.Errorf("%w: duplicate role %q", ErrInvalid, r.Name)
		}
		names[r.Name] = true
		if err := r.RoleConfig.WithDefaults().Validate(r.Kind); err != nil {
			return fmt.Errorf("%w: role %q: %w", ErrInvalid, r.Name, err)
		}
		if r.DisableAt != 0 && r.DisableAt < r.EnableAt {
			return fmt.Errorf("%w: role %q disabled before it is enabled", ErrInvalid, r.Name)
		}
		if len(r.Send) > 0 && r.Kind != evt.KindConnection {
			return fmt.Errorf("%w: role %q: only connections send data", ErrInvalid, r.Name)
		}
	}
	for i := range sc.Air {
		if _, err := sc.Air[i].Encode(); err != nil {
			return fmt.Errorf("%w: air[%d]: %w", ErrInvalid, i, err)
		}
	}
	return nil
}

// Settings returns the controller configuration of the scenario.
func (sc *Scenario) Settings() *config.Config {
	if sc.cfg == nil {
		return config.DefaultConfig()
	}
	return sc.cfg
}

// Encode builds the PDU bytes of the packet.
func (p *Packet) Encode() ([]byte, error) {
	set := 0
	for _, ok := range []bool{p.Legacy != nil, p.Ext != nil, p.Raw != ""} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return nil, errors.New("exactly one of legacy, ext and raw must be set")
	}
	if p.Channel > hal.MaxChannel {
		return nil, hal.ErrInvalidChannel
	}

	switch {
	case p.Legacy != nil:
		data, err := pdu.NameData(p.Legacy.Name)
		if err != nil {
			return nil, err
		}
		return pdu.Legacy(p.Legacy.Type, ble.NewAddr(p.Legacy.Address), data)

	case p.Ext != nil:
		e := pdu.Ext{AdvData: []byte(p.Ext.Data)}
		if p.Ext.Address != "" {
			e.AdvA = ble.NewAddr(p.Ext.Address)
		}
		if a := p.Ext.Aux; a != nil {
			ptr := pdu.NewAuxPtr(a.Channel, uint32(a.Offset/time.Microsecond), a.PHY, a.CA)
			e.AuxPtr = &ptr
		}
		return e.Encode()

	default:
		b, err := hex.DecodeString(p.Raw)
		if err != nil {
			return nil, fmt.Errorf("raw: %w", err)
		}
		if _, err := pdu.Parse(b); err != nil {
			return nil, fmt.Errorf("raw: %w", err)
		}
		return b, nil
	}
}
