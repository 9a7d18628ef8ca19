//go:build !linux

package counters

import "errors"

// GroupMembers is the number of events a group of counters adds.
const GroupMembers = 2

// PerfGroups is only available on Linux.
type PerfGroups struct{}

// NewPerfGroups always fails outside Linux.
func NewPerfGroups(Config, []uint32) (*PerfGroups, error) {
	return nil, errors.New("perf counters are only supported on linux")
}

func (g *PerfGroups) Read(uint32) (Sample, error) { return Sample{}, ErrUnavailable }

func (g *PerfGroups) Close() error { return nil }
