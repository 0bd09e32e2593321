package ull

import (
	"errors"
	"fmt"

	"github.com/srg/blell/internal/evt"
)

// Role manager errors
var (
	ErrInvalidConfig   = errors.New("invalid role configuration")
	ErrUnknownRole     = errors.New("unknown role")
	ErrPoolExhausted   = errors.New("role pool exhausted")
	ErrAlreadyEnabled  = errors.New("role already enabled")
	ErrWrongKind       = errors.New("operation not supported by role kind")
	ErrConnectionLost  = errors.New("connection lost")
	ErrQueueFull       = errors.New("transmit queue full")
	ErrPayloadTooLarge = errors.New("payload too large")
)

// ConfigError describes the first configuration field that failed
// validation. It matches ErrInvalidConfig.
type ConfigError struct {
	Kind   evt.Kind
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s %s", e.Kind, e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrInvalidConfig) match.
func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

func invalid(kind evt.Kind, field, format string, args ...any) error {
	return &ConfigError{Kind: kind, Field: field, Reason: fmt.Sprintf(format, args...)}
}
