package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/srg/blell/internal/ull"
)

// Command-level errors
var (
	ErrInvalidFormat = errors.New("invalid format")
	// ErrInfeasible is returned by aux-check --strict when the pointer
	// cannot be followed.
	ErrInfeasible = errors.New("auxiliary pointer not feasible")
)

// FormatUserError turns an error chain into one line for the terminal,
// dropping wrapping context the user cannot act on.
func FormatUserError(err error) string {
	var cerr *ull.ConfigError
	switch {
	case errors.As(err, &cerr):
		return fmt.Sprintf("%s role: %s: %s", cerr.Kind, cerr.Field, cerr.Reason)
	case errors.Is(err, os.ErrNotExist):
		var perr *os.PathError
		if errors.As(err, &perr) {
			return fmt.Sprintf("file not found: %s", perr.Path)
		}
	case errors.Is(err, ull.ErrPoolExhausted):
		return fmt.Sprintf("%v (raise the pool size in the configuration)", err)
	}
	return err.Error()
}
