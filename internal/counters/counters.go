// Package counters provides the two hardware cycle counters the accounting core needs for
// a logical CPU: thread-exclusive cycles and core-shared cycles. With perf the counters
// are read by the kernel into every scheduler tracepoint sample; a Reader serves them on
// demand for events that arrive without values.
package counters

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Counter sources. An empty source means perf.
const (
	SourcePerf  = "perf"
	SourceClock = "clock"
)

// ErrUnavailable is returned when no counter is open for the requested CPU.
var ErrUnavailable = errors.New("cycle counter unavailable")

// Sample is one reading of both counters on one logical CPU.
type Sample struct {
	Thread uint64
	Core   uint64
}

// Reader returns the current counter values of a logical CPU. Implementations must be
// safe for concurrent use from one goroutine per CPU.
type Reader interface {
	Read(cpu uint32) (Sample, error)
}

// ReaderFunc adapts a function to the Reader interface.
type ReaderFunc func(cpu uint32) (Sample, error)

func (f ReaderFunc) Read(cpu uint32) (Sample, error) { return f(cpu) }

// Config selects and configures a counter source.
type Config struct {
	Source string
	// ThreadRawConfig selects a raw PMU event for the thread counter.
	// Zero uses the generic cpu-cycles hardware event.
	ThreadRawConfig uint64
	// CoreRawConfig is the raw PMU event counting cycles of the whole core.
	CoreRawConfig uint64
}

// DefaultCoreRawConfig is CPU_CLK_UNHALTED.THREAD_ANY on Intel: event 0x3c with the
// AnyThread bit set.
const DefaultCoreRawConfig = 0x3c | 1<<21

// ValidSource reports whether source names a counter source.
func ValidSource(source string) bool {
	switch source {
	case SourcePerf, SourceClock, "":
		return true
	}
	return false
}

// ClockReader stands in for hardware counters where the PMU is not accessible, such as
// in most virtual machines: both counters advance one cycle per nanosecond of monotonic
// time. Weighted cycles then degrade to SMT-weighted run time.
type ClockReader struct {
	start time.Time
	cpus  map[uint32]struct{}
}

// NewClockReader returns a ClockReader serving cpus.
func NewClockReader(cpus []uint32) *ClockReader {
	set := make(map[uint32]struct{}, len(cpus))
	for _, c := range cpus {
		set[c] = struct{}{}
	}
	return &ClockReader{start: time.Now(), cpus: set}
}

func (r *ClockReader) Read(cpu uint32) (Sample, error) {
	if _, ok := r.cpus[cpu]; !ok {
		return Sample{}, fmt.Errorf("cpu %d: %w", cpu, ErrUnavailable)
	}
	now := uint64(time.Since(r.start))
	return Sample{Thread: now, Core: now}, nil
}

var (
	clockOnce  sync.Once
	clockStart time.Time
)

// MonotonicNow returns nanoseconds of monotonic time since the first call, offset by
// one so that a valid timestamp is never zero.
func MonotonicNow() uint64 {
	clockOnce.Do(func() { clockStart = time.Now() })
	return uint64(time.Since(clockStart)) + 1
}
