//go:build linux

package main

import "golang.org/x/sys/unix"

// raiseMemlockLimit lifts RLIMIT_MEMLOCK so perf rings beyond perf_event_mlock_kb can be
// mapped.
func raiseMemlockLimit() error {
	return unix.Setrlimit(unix.RLIMIT_MEMLOCK, &unix.Rlimit{
		Cur: unix.RLIM_INFINITY,
		Max: unix.RLIM_INFINITY,
	})
}
