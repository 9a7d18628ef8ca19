package tracer

import (
	"errors"
	"fmt"
	"strconv"

	"smt_exporter/internal/accounting"
	"smt_exporter/internal/counters"
	"smt_exporter/internal/logger"
	"smt_exporter/internal/maps"
)

// ErrUnknownType is returned for a record of a tracepoint no Kind is bound to.
var ErrUnknownType = errors.New("unknown tracepoint type")

// EventHandler consumes decoded scheduler events. *accounting.Handler implements it.
type EventHandler interface {
	OnSwitch(ev accounting.SwitchEvent) error
	OnExit(ev accounting.ExitEvent) error
}

// Kind identifies the tracepoint a raw record came from.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindSwitch
	KindExit
)

func (k Kind) String() string {
	switch k {
	case KindSwitch:
		return "sched_switch"
	case KindExit:
		return "sched_process_exit"
	default:
		return "unknown"
	}
}

// Record is one tracepoint sample read from the ring of CPU.
type Record struct {
	Raw  []byte
	CPU  uint32
	Time uint64

	// Counters were read by the kernel when the tracepoint fired. Sampled is false
	// when the record carries none.
	Counters counters.Sample
	Sampled  bool
}

// Stats holds per-CPU pipeline counters.
type Stats struct {
	Switches      *maps.CounterMap[uint32]
	Exits         *maps.CounterMap[uint32]
	Lost          *maps.CounterMap[uint32]
	DecodeErrors  *maps.CounterMap[uint32]
	HandlerErrors *maps.CounterMap[uint32]
}

// NewStats returns zeroed counters.
func NewStats() *Stats {
	return &Stats{
		Switches:      maps.NewCounterMap[uint32](),
		Exits:         maps.NewCounterMap[uint32](),
		Lost:          maps.NewCounterMap[uint32](),
		DecodeErrors:  maps.NewCounterMap[uint32](),
		HandlerErrors: maps.NewCounterMap[uint32](),
	}
}

// Dispatcher decodes raw records and calls the handler.
//
// Records of one CPU must be dispatched from a single goroutine in ring order: the
// handler relies on seeing a CPU's switches and exits as they happened.
type Dispatcher struct {
	handler EventHandler
	stats   *Stats
	log     *logger.SampledLogger

	// Written by Bind before the first Dispatch.
	kinds map[uint16]Kind
}

// NewDispatcher returns a Dispatcher feeding handler.
func NewDispatcher(handler EventHandler, stats *Stats) *Dispatcher {
	return &Dispatcher{
		handler: handler,
		stats:   stats,
		log:     logger.NewSampledLoggerCtx("tracer"),
		kinds:   make(map[uint16]Kind),
	}
}

// Stats returns the dispatcher's counters.
func (d *Dispatcher) Stats() *Stats { return d.stats }

// Bind routes records whose common type is typeID to kind.
func (d *Dispatcher) Bind(typeID uint16, kind Kind) {
	d.kinds[typeID] = kind
}

// Dispatch decodes rec and hands it to the handler.
func (d *Dispatcher) Dispatch(rec Record) {
	typeID, err := CommonType(rec.Raw)
	if err != nil {
		d.decodeFailed(KindUnknown, rec.CPU, err)
		return
	}
	kind := d.kinds[typeID]

	switch kind {
	case KindSwitch:
		ev, derr := DecodeSwitch(rec.Raw, rec.CPU, rec.Time)
		if derr != nil {
			d.decodeFailed(kind, rec.CPU, derr)
			return
		}
		ev.Counters, ev.Sampled = rec.Counters, rec.Sampled
		d.stats.Switches.Add(rec.CPU, 1)
		err = d.handler.OnSwitch(ev)
	case KindExit:
		ev, derr := DecodeExit(rec.Raw, rec.CPU, rec.Time)
		if derr != nil {
			d.decodeFailed(kind, rec.CPU, derr)
			return
		}
		ev.Counters, ev.Sampled = rec.Counters, rec.Sampled
		d.stats.Exits.Add(rec.CPU, 1)
		err = d.handler.OnExit(ev)
	default:
		d.decodeFailed(kind, rec.CPU, fmt.Errorf("%w %d", ErrUnknownType, typeID))
		return
	}
	if err != nil {
		d.stats.HandlerErrors.Add(rec.CPU, 1)
		d.log.Warn(kind.String()+"/"+strconv.FormatUint(uint64(rec.CPU), 10)).
			Err(err).
			Uint32("cpu", rec.CPU).
			Msg("Handler rejected event")
	}
}

// Lost records n dropped records on cpu.
func (d *Dispatcher) Lost(cpu uint32, n uint64) {
	d.stats.Lost.Add(cpu, n)
	d.log.Warn("lost/"+strconv.FormatUint(uint64(cpu), 10)).
		Uint32("cpu", cpu).
		Uint64("lost", n).
		Msg("Perf ring overflowed, records lost")
}

func (d *Dispatcher) decodeFailed(kind Kind, cpu uint32, err error) {
	d.stats.DecodeErrors.Add(cpu, 1)
	d.log.Error("decode/"+kind.String()).
		Err(err).
		Uint32("cpu", cpu).
		Msg("Failed to decode tracepoint record")
}
