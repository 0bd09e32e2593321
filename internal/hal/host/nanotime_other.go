//go:build !linux

package host

import "github.com/aristanetworks/goarista/monotime"

func nanotime() uint64 {
	return monotime.Now()
}
