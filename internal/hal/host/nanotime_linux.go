//go:build linux

package host

import "golang.org/x/sys/unix"

// nanotime reads CLOCK_MONOTONIC_RAW, which NTP does not slew.
func nanotime() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC_RAW, &ts); err != nil {
		panic(err)
	}
	return uint64(ts.Nano())
}
