package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/blell/internal/evt"
)

// ErrInvalid is returned for configuration that fails validation.
var ErrInvalid = errors.New("invalid configuration")

// Config holds controller configuration
type Config struct {
	LogLevel     logrus.Level `yaml:"log_level" json:"log_level"`
	OutputFormat string       `yaml:"output_format" json:"output_format" default:"table"`
	Seed         int64        `yaml:"seed" json:"seed" default:"1"`

	Timing    Timing    `yaml:"timing" json:"timing"`
	Priority  Priority  `yaml:"priority" json:"priority"`
	Tolerance Tolerance `yaml:"tolerance" json:"tolerance"`
	Pools     Pools     `yaml:"pools" json:"pools"`
}

// Timing holds the tick service and protocol timing constants.
type Timing struct {
	TickResolution         time.Duration `yaml:"tick_resolution" json:"tick_resolution" default:"1us"`
	PrepareMarginUS        uint32        `yaml:"prepare_margin_us" json:"prepare_margin_us" default:"150"`
	MinAfterEventSpacingUS uint32        `yaml:"min_after_event_spacing_us" json:"min_after_event_spacing_us" default:"300"`
	IFSUS                  uint32        `yaml:"ifs_us" json:"ifs_us" default:"150"`
	EventJitterUS          uint32        `yaml:"event_jitter_us" json:"event_jitter_us" default:"16"`
	RadioRampUpUS          uint32        `yaml:"radio_ramp_up_us" json:"radio_ramp_up_us" default:"40"`
}

// Priority is the static priority of each role kind. Higher wins; ties are
// broken by role kind, then submission order.
type Priority struct {
	Connection uint8 `yaml:"connection" json:"connection" default:"3"`
	ScanAux    uint8 `yaml:"scan_aux" json:"scan_aux" default:"2"`
	Advertiser uint8 `yaml:"advertiser" json:"advertiser" default:"1"`
	Scanner    uint8 `yaml:"scanner" json:"scanner" default:"1"`
}

// Tolerance is how far an event of each role kind may be deferred.
type Tolerance struct {
	Connection time.Duration `yaml:"connection" json:"connection"`
	ScanAux    time.Duration `yaml:"scan_aux" json:"scan_aux"`
	Advertiser time.Duration `yaml:"advertiser" json:"advertiser" default:"5ms"`
	Scanner    time.Duration `yaml:"scanner" json:"scanner" default:"10ms"`
}

// Pools sizes the per-kind role arenas.
type Pools struct {
	Advertisers       int `yaml:"advertisers" json:"advertisers" default:"1"`
	Scanners          int `yaml:"scanners" json:"scanners" default:"1"`
	MaxConnections    int `yaml:"max_connections" json:"max_connections" default:"4"`
	AuxScan           int `yaml:"aux_scan" json:"aux_scan" default:"4"`
	NotificationDepth int `yaml:"notification_depth" json:"notification_depth" default:"1024"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{LogLevel: logrus.InfoLevel}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the controller cannot run
// with.
func (c *Config) Validate() error {
	switch {
	case c.OutputFormat != "table" && c.OutputFormat != "json":
		return fmt.Errorf("%w: output_format %q (must be table or json)", ErrInvalid, c.OutputFormat)
	case c.Timing.TickResolution <= 0:
		return fmt.Errorf("%w: tick_resolution must be > 0", ErrInvalid)
	case c.Timing.PrepareMarginUS == 0:
		return fmt.Errorf("%w: prepare_margin_us must be > 0", ErrInvalid)
	case c.Timing.MinAfterEventSpacingUS == 0:
		return fmt.Errorf("%w: min_after_event_spacing_us must be > 0", ErrInvalid)
	case c.Timing.IFSUS == 0:
		return fmt.Errorf("%w: ifs_us must be > 0", ErrInvalid)
	}

	pools := map[string]int{
		"advertisers":        c.Pools.Advertisers,
		"scanners":           c.Pools.Scanners,
		"max_connections":    c.Pools.MaxConnections,
		"aux_scan":           c.Pools.AuxScan,
		"notification_depth": c.Pools.NotificationDepth,
	}
	for name, n := range pools {
		if n < 1 || n > 1<<16 {
			return fmt.Errorf("%w: pools.%s %d out of range [1, 65536]", ErrInvalid, name, n)
		}
	}

	for k, d := range c.ToleranceMap() {
		if d < 0 {
			return fmt.Errorf("%w: tolerance.%s must not be negative", ErrInvalid, k)
		}
	}
	return nil
}

// PriorityMap returns the priorities keyed by role kind.
func (c *Config) PriorityMap() map[evt.Kind]uint8 {
	return map[evt.Kind]uint8{
		evt.KindConnection: c.Priority.Connection,
		evt.KindScanAux:    c.Priority.ScanAux,
		evt.KindAdvertiser: c.Priority.Advertiser,
		evt.KindScanner:    c.Priority.Scanner,
	}
}

// ToleranceMap returns the tolerances keyed by role kind.
func (c *Config) ToleranceMap() map[evt.Kind]time.Duration {
	return map[evt.Kind]time.Duration{
		evt.KindConnection: c.Tolerance.Connection,
		evt.KindScanAux:    c.Tolerance.ScanAux,
		evt.KindAdvertiser: c.Tolerance.Advertiser,
		evt.KindScanner:    c.Tolerance.Scanner,
	}
}

// YAML renders the configuration as YAML.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
