// Package tracer delivers scheduler context-switch and exit events to the accounting
// handler. On Linux the events come from the sched:sched_switch and
// sched:sched_process_exit tracepoints, both written into one perf ring per CPU so
// the kernel keeps them in order, with the CPU's cycle counters read into every sample.
package tracer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"smt_exporter/internal/accounting"
	"smt_exporter/internal/counters"
)

// ErrShortRecord is returned when a raw tracepoint payload is smaller than its layout.
var ErrShortRecord = errors.New("raw tracepoint record too short")

const commLen = 16

// Offsets into the raw tracepoint payloads. Every payload starts with the 8-byte common
// header (type, flags, preempt count, pid).
const (
	switchPrevComm = 8
	switchPrevPID  = switchPrevComm + commLen // 24
	switchNextComm = 40                       // after prev_prio and prev_state
	switchNextPID  = switchNextComm + commLen // 56
	switchSize     = switchNextPID + 8        // next_pid, next_prio

	exitComm = 8
	exitPID  = exitComm + commLen // 24
	exitSize = exitPID + 8        // pid, prio
)

// CommonType returns the tracepoint type id in the common header of raw.
func CommonType(raw []byte) (uint16, error) {
	if len(raw) < 2 {
		return 0, fmt.Errorf("%w: no common header", ErrShortRecord)
	}
	return binary.LittleEndian.Uint16(raw), nil
}

// Positions of the counters in a group read: the switch tracepoint leads, the exit
// tracepoint follows, then the counters in the order PerfGroups.Join opens them.
const (
	groupThread = 2
	groupCore   = 3
	groupSize   = groupThread + counters.GroupMembers
)

// groupSample extracts the cycle counters from the values of a group read. ok is
// false when the group holds no counters.
func groupSample(values []uint64) (counters.Sample, bool) {
	if len(values) < groupSize {
		return counters.Sample{}, false
	}
	return counters.Sample{Thread: values[groupThread], Core: values[groupCore]}, true
}

func comm(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func pid(b []byte) int32 {
	return int32(binary.LittleEndian.Uint32(b))
}

// DecodeSwitch decodes a sched_switch payload recorded on cpu at ts.
func DecodeSwitch(raw []byte, cpu uint32, ts uint64) (accounting.SwitchEvent, error) {
	if len(raw) < switchSize {
		return accounting.SwitchEvent{}, fmt.Errorf("sched_switch: %w: %d < %d bytes", ErrShortRecord, len(raw), switchSize)
	}
	return accounting.SwitchEvent{
		PrevPID:   pid(raw[switchPrevPID:]),
		PrevComm:  comm(raw[switchPrevComm : switchPrevComm+commLen]),
		NextPID:   pid(raw[switchNextPID:]),
		NextComm:  comm(raw[switchNextComm : switchNextComm+commLen]),
		CPU:       cpu,
		Timestamp: ts,
	}, nil
}

// DecodeExit decodes a sched_process_exit payload recorded on cpu at ts.
func DecodeExit(raw []byte, cpu uint32, ts uint64) (accounting.ExitEvent, error) {
	if len(raw) < exitSize {
		return accounting.ExitEvent{}, fmt.Errorf("sched_process_exit: %w: %d < %d bytes", ErrShortRecord, len(raw), exitSize)
	}
	return accounting.ExitEvent{
		PID:       pid(raw[exitPID:]),
		Comm:      comm(raw[exitComm : exitComm+commLen]),
		CPU:       cpu,
		Timestamp: ts,
	}, nil
}
