// Package topology holds the per-logical-CPU state used by the accounting handler:
// which hardware thread is whose sibling, what each logical CPU is running, and the
// last counter readings observed on it.
package topology

import (
	"errors"
	"fmt"
	"sort"

	"smt_exporter/internal/maps"
)

const (
	// MaxCPUs bounds the logical CPU ids (and HTIDs) accepted by the table.
	MaxCPUs = 4096

	// MaxSocketGroups bounds the socket ids used to group accumulator slots.
	MaxSocketGroups = 8
)

// LogicalCPU is the topology record of one hardware thread.
type LogicalCPU struct {
	// Static identifiers, supplied by discovery or configuration.
	HTID      uint32
	SiblingID uint32
	CoreID    uint32
	SocketID  uint32

	// RunningPID is the process believed to run on this logical CPU (0 = idle).
	RunningPID int32

	// CyclesCore is the last core-shared counter reading taken on this CPU.
	CyclesCore uint64
	// CyclesCoreUpdated is the core counter value at the last overlap computation.
	CyclesCoreUpdated uint64
	// CyclesCoreDeltaSibling is the overlap owed since it was last consumed.
	CyclesCoreDeltaSibling uint64
	// CyclesThread is the last thread-exclusive counter reading.
	CyclesThread uint64
	// TS is the monotonic timestamp (ns) of the last update, 0 if never updated.
	TS uint64
}

// Static is the static part of a LogicalCPU, as supplied by a topology source.
type Static struct {
	CPU       uint32 `toml:"cpu"`
	SiblingID uint32 `toml:"sibling"`
	CoreID    uint32 `toml:"core"`
	SocketID  uint32 `toml:"socket"`
}

var (
	// ErrAsymmetricSibling is returned by Validate when a and b disagree on being siblings.
	ErrAsymmetricSibling = errors.New("sibling relation is not symmetric")
	// ErrOutOfBounds is returned for CPU or socket ids beyond the supported bounds.
	ErrOutOfBounds = errors.New("topology id out of bounds")
)

// Validate checks a static topology: ids in bounds, every sibling present, sibling
// relation symmetric and siblings on the same core and socket.
func Validate(cpus []Static) error {
	byID := make(map[uint32]Static, len(cpus))
	for _, c := range cpus {
		if c.CPU >= MaxCPUs || c.SiblingID >= MaxCPUs {
			return fmt.Errorf("cpu %d (sibling %d): %w", c.CPU, c.SiblingID, ErrOutOfBounds)
		}
		if c.SocketID >= MaxSocketGroups {
			return fmt.Errorf("cpu %d socket %d: %w", c.CPU, c.SocketID, ErrOutOfBounds)
		}
		if _, dup := byID[c.CPU]; dup {
			return fmt.Errorf("cpu %d listed twice", c.CPU)
		}
		byID[c.CPU] = c
	}
	for _, c := range cpus {
		sib, ok := byID[c.SiblingID]
		if !ok {
			return fmt.Errorf("cpu %d: sibling %d not in topology", c.CPU, c.SiblingID)
		}
		if sib.SiblingID != c.CPU {
			return fmt.Errorf("cpu %d -> %d -> %d: %w", c.CPU, c.SiblingID, sib.SiblingID, ErrAsymmetricSibling)
		}
		if sib.CoreID != c.CoreID || sib.SocketID != c.SocketID {
			return fmt.Errorf("cpu %d and sibling %d are on different cores", c.CPU, c.SiblingID)
		}
	}
	return nil
}

// Table is the Topology Store: one LogicalCPU per logical CPU id.
type Table struct {
	m maps.ConcurrentMap[uint32, LogicalCPU]
}

// NewTable creates an empty topology table on the given map backend.
func NewTable(backend string) (*Table, error) {
	m, err := maps.NewConcurrentMap[uint32, LogicalCPU](backend)
	if err != nil {
		return nil, err
	}
	return &Table{m: m}, nil
}

// Seed validates cpus and installs a fresh record for each of them. Dynamic fields
// start zeroed, so the first switch on each CPU establishes its baseline.
func (t *Table) Seed(cpus []Static) error {
	if err := Validate(cpus); err != nil {
		return err
	}
	for _, c := range cpus {
		t.m.Store(c.CPU, LogicalCPU{
			HTID:      c.CPU,
			SiblingID: c.SiblingID,
			CoreID:    c.CoreID,
			SocketID:  c.SocketID,
		})
	}
	return nil
}

// Load returns the record for cpu.
func (t *Table) Load(cpu uint32) (LogicalCPU, bool) {
	return t.m.Load(cpu)
}

// Store replaces the record for cpu.
func (t *Table) Store(cpu uint32, rec LogicalCPU) {
	t.m.Store(cpu, rec)
}

// Update atomically modifies the record for cpu. fn is not called when the record
// does not exist, and Update reports whether it did.
func (t *Table) Update(cpu uint32, fn func(rec *LogicalCPU)) bool {
	found := false
	t.m.Update(cpu, func(rec LogicalCPU, exists bool) (LogicalCPU, bool) {
		if !exists {
			return rec, false
		}
		found = true
		fn(&rec)
		return rec, true
	})
	return found
}

// Range calls f for every record until f returns false. Order is unspecified.
func (t *Table) Range(f func(cpu uint32, rec LogicalCPU) bool) {
	t.m.Range(f)
}

// Len returns the number of logical CPUs in the table.
func (t *Table) Len() int {
	return t.m.Len()
}

// Snapshot returns a copy of all records ordered by logical CPU id.
func (t *Table) Snapshot() []LogicalCPU {
	out := make([]LogicalCPU, 0, t.m.Len())
	t.m.Range(func(_ uint32, rec LogicalCPU) bool {
		out = append(out, rec)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].HTID < out[j].HTID })
	return out
}

// Sockets returns the distinct socket ids present in the table, sorted.
func (t *Table) Sockets() []uint32 {
	seen := make(map[uint32]struct{})
	t.m.Range(func(_ uint32, rec LogicalCPU) bool {
		seen[rec.SocketID] = struct{}{}
		return true
	})
	out := make([]uint32, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
