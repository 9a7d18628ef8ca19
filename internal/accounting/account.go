// Package accounting attributes CPU cycles and run time to processes on two-way SMT
// hardware. A Handler is driven by scheduler switch and exit events; it keeps the
// topology table current, splits the cycles each outgoing process consumed into the part
// it ran alone on its core and the part it shared with the sibling hardware thread, and
// accumulates them into double-buffered per-process slots that a reader drains through
// Store.Snapshot.
package accounting

import (
	"smt_exporter/internal/topology"
	"smt_exporter/internal/window"
)

// NumSlots is the number of accumulator slots per account: one pair of buffers per
// socket group.
const NumSlots = window.SelectorDim * topology.MaxSocketGroups

// SlotIndex returns the accumulator slot for selector on socket.
func SlotIndex(selector, socket uint32) int {
	return int(selector + window.SelectorDim*socket)
}

// ProcessAccount holds the double-buffered accumulators of one process, or of the idle
// task of one logical CPU.
type ProcessAccount struct {
	PID  int32
	Comm string

	WeightedCycles [NumSlots]uint64
	TimeNS         [NumSlots]uint64
	// TS is the timestamp of the last write to each slot.
	TS [NumSlots]uint64

	// Selector is the buffer the account last wrote into.
	Selector uint32
}

func newAccount(pid int32, comm string, selector uint32, ts uint64) ProcessAccount {
	a := ProcessAccount{PID: pid, Comm: comm, Selector: selector}
	for i := range a.TS {
		a.TS[i] = ts
	}
	return a
}

// rotate switches the account to selector when it last wrote another buffer or its
// slot on socket has not been written for longer than step. Switching zeroes the new
// active buffer on every socket and leaves the other buffer untouched. It returns the
// slot to write.
func (a *ProcessAccount) rotate(selector uint32, step, ts uint64, socket uint32) int {
	last := a.TS[SlotIndex(a.Selector, socket)]
	if a.Selector != selector || last+step < ts {
		a.Selector = selector
		for i := int(selector); i < NumSlots; i += window.SelectorDim {
			a.WeightedCycles[i] = 0
			a.TimeNS[i] = 0
		}
	}
	return SlotIndex(selector, socket)
}

// addTime credits the interval (from, ts] to slot and stamps it. Intervals that ended
// before from are ignored.
func (a *ProcessAccount) addTime(slot int, from, ts uint64) {
	if ts > from {
		a.TimeNS[slot] += ts - from
	}
	if ts > a.TS[slot] {
		a.TS[slot] = ts
	}
}
