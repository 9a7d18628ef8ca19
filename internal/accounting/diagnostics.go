package accounting

import (
	"errors"
	"strconv"

	"smt_exporter/internal/maps"
)

var (
	// ErrConfigurationInvalid aborts an event whose window configuration or topology
	// id is missing or out of range. Nothing is written for the event.
	ErrConfigurationInvalid = errors.New("configuration invalid")
	// ErrTopologyInconsistent aborts an event whose CPU has no sibling record.
	ErrTopologyInconsistent = errors.New("topology inconsistent")
	// ErrCounterUnavailable aborts an event whose counters could not be read.
	ErrCounterUnavailable = errors.New("counters unavailable")
	// ErrCounterOverflow is reported when the thread counter did not advance. The event
	// still completes: only its cycle contribution is dropped.
	ErrCounterOverflow = errors.New("thread counter did not advance")
)

// DiagnosticCode identifies a non-fatal condition met while handling an event.
type DiagnosticCode int32

const (
	CodeSelectorInvalid         DiagnosticCode = -1
	CodePreviousSelectorInvalid DiagnosticCode = -2
	CodeStepInvalid             DiagnosticCode = -3
	CodeTopologyInvalid         DiagnosticCode = -4
	CodeCounterUnavailable      DiagnosticCode = -5
	CodeCounterOverflow         DiagnosticCode = 1
	CodeSiblingMissing          DiagnosticCode = 3
)

func (c DiagnosticCode) String() string {
	switch c {
	case CodeSelectorInvalid:
		return "selector_invalid"
	case CodePreviousSelectorInvalid:
		return "previous_selector_invalid"
	case CodeStepInvalid:
		return "step_invalid"
	case CodeTopologyInvalid:
		return "topology_invalid"
	case CodeCounterUnavailable:
		return "counter_unavailable"
	case CodeCounterOverflow:
		return "counter_overflow"
	case CodeSiblingMissing:
		return "sibling_missing"
	default:
		return "code_" + strconv.Itoa(int(c))
	}
}

// Diagnostic describes one reported condition.
type Diagnostic struct {
	Code DiagnosticCode
	CPU  uint32
	// PID is the outgoing process for CodeCounterOverflow, 0 otherwise.
	PID int32
	Err error
}

// DiagnosticSink receives diagnostics. Report is called on the event path and must not
// block.
type DiagnosticSink interface {
	Report(d Diagnostic)
}

// SinkFunc adapts a function to DiagnosticSink.
type SinkFunc func(d Diagnostic)

func (f SinkFunc) Report(d Diagnostic) { f(d) }

// MultiSink fans a diagnostic out to several sinks.
type MultiSink []DiagnosticSink

func (m MultiSink) Report(d Diagnostic) {
	for _, s := range m {
		if s != nil {
			s.Report(d)
		}
	}
}

// DiagnosticCounts counts reported diagnostics per code.
type DiagnosticCounts struct {
	counts *maps.CounterMap[DiagnosticCode]
}

// NewDiagnosticCounts returns an empty counter set.
func NewDiagnosticCounts() *DiagnosticCounts {
	return &DiagnosticCounts{counts: maps.NewCounterMap[DiagnosticCode]()}
}

func (c *DiagnosticCounts) Report(d Diagnostic) {
	c.counts.Add(d.Code, 1)
}

// Get returns the number of diagnostics reported with code.
func (c *DiagnosticCounts) Get(code DiagnosticCode) uint64 {
	return c.counts.Get(code)
}

// Range calls f for every code reported at least once.
func (c *DiagnosticCounts) Range(f func(code DiagnosticCode, count uint64) bool) {
	c.counts.Range(f)
}
