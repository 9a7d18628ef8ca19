package accounting

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"smt_exporter/internal/counters"
	"smt_exporter/internal/topology"
	"smt_exporter/internal/window"
)

// Factor is a rational weight num/den applied to overlapping core cycles.
type Factor struct {
	Num uint64
	Den uint64
}

// DefaultHappyFactor credits each sibling with 11/20 of the cycles both threads spent
// busy on the core.
var DefaultHappyFactor = Factor{Num: 11, Den: 20}

// Valid reports whether f is a weight in [0, 1].
func (f Factor) Valid() bool {
	return f.Den > 0 && f.Num <= f.Den
}

// Apply returns x*num/den without intermediate overflow.
func (f Factor) Apply(x uint64) uint64 {
	hi, lo := bits.Mul64(x, f.Num)
	if hi >= f.Den {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, f.Den)
	return q
}

func (f Factor) String() string {
	return fmt.Sprintf("%d/%d", f.Num, f.Den)
}

// SwitchEvent is a scheduler context switch on CPU.
type SwitchEvent struct {
	PrevPID   int32
	PrevComm  string
	NextPID   int32
	NextComm  string
	CPU       uint32
	Timestamp uint64

	// Counters were read when the switch happened. Without them (Sampled unset) the
	// handler reads its counters.Reader instead.
	Counters counters.Sample
	Sampled  bool
}

// ExitEvent is a process exit observed on CPU.
type ExitEvent struct {
	PID       int32
	Comm      string
	CPU       uint32
	Timestamp uint64

	Counters counters.Sample
	Sampled  bool
}

// HandlerConfig holds the optional collaborators of a Handler.
type HandlerConfig struct {
	// HappyFactor weights overlapping cycles. The zero value means DefaultHappyFactor.
	HappyFactor Factor
	// Sink receives diagnostics. It may be nil.
	Sink DiagnosticSink
	// Clock stamps events that carry no timestamp. Defaults to counters.MonotonicNow.
	Clock func() uint64
	// CapOverlap bounds the overlapped cycles charged for an interval by the thread
	// cycles of that interval. Unset, the whole sibling delta is weighted and charged.
	CapOverlap bool
}

// Handler applies switch and exit events to the topology table and the accounting store.
// OnSwitch and OnExit may run concurrently for different CPUs but must be called in
// event order, one at a time, for any given CPU.
type Handler struct {
	topo     *topology.Table
	store    *Store
	window   *window.Controller
	counters counters.Reader
	factor   Factor
	sink     DiagnosticSink
	clock    func() uint64
	capped   bool
}

// NewHandler wires a handler over its tables.
func NewHandler(topo *topology.Table, store *Store, win *window.Controller, reader counters.Reader, cfg HandlerConfig) (*Handler, error) {
	if cfg.HappyFactor == (Factor{}) {
		cfg.HappyFactor = DefaultHappyFactor
	}
	if !cfg.HappyFactor.Valid() {
		return nil, fmt.Errorf("happy factor %s is not a weight in [0, 1]", cfg.HappyFactor)
	}
	if cfg.Clock == nil {
		cfg.Clock = counters.MonotonicNow
	}
	return &Handler{
		topo:     topo,
		store:    store,
		window:   win,
		counters: reader,
		factor:   cfg.HappyFactor,
		sink:     cfg.Sink,
		clock:    cfg.Clock,
		capped:   cfg.CapOverlap,
	}, nil
}

// Store returns the accounting store the handler writes.
func (h *Handler) Store() *Store { return h.store }

// Factor returns the weight applied to overlapped cycles.
func (h *Handler) Factor() Factor { return h.factor }

func (h *Handler) report(code DiagnosticCode, cpu uint32, pid int32, err error) {
	if h.sink != nil {
		h.sink.Report(Diagnostic{Code: code, CPU: cpu, PID: pid, Err: err})
	}
}

func (h *Handler) read(cpu uint32, sample counters.Sample, sampled bool) (counters.Sample, error) {
	if sampled {
		return sample, nil
	}
	return h.counters.Read(cpu)
}

func (h *Handler) abort(code DiagnosticCode, cpu uint32, sentinel, cause error) error {
	err := fmt.Errorf("cpu %d: %w: %w", cpu, sentinel, cause)
	h.report(code, cpu, 0, err)
	return err
}

// baseline is what the outgoing process is charged against.
type baseline struct {
	thread uint64
	time   uint64
	delta  uint64
	// fresh is set when the CPU had no previous reading.
	fresh bool
}

// OnSwitch accounts the interval the outgoing process just finished on ev.CPU, credits
// run time to whatever runs on the sibling CPU, and records the incoming process.
//
// Events failing validation return ErrConfigurationInvalid, ErrTopologyInconsistent or
// ErrCounterUnavailable and change nothing. ErrCounterOverflow is returned for an event
// that completed without a cycle contribution.
func (h *Handler) OnSwitch(ev SwitchEvent) error {
	cpu := ev.CPU

	st, err := h.window.Begin()
	if err != nil {
		return h.abort(windowCode(err), cpu, ErrConfigurationInvalid, err)
	}

	sample, err := h.read(cpu, ev.Counters, ev.Sampled)
	if err != nil {
		return h.abort(CodeCounterUnavailable, cpu, ErrCounterUnavailable, err)
	}
	ts := ev.Timestamp
	if ts == 0 {
		ts = h.clock()
	}

	own, ok := h.topo.Load(cpu)
	if !ok || own.HTID >= topology.MaxCPUs {
		return h.abort(CodeTopologyInvalid, cpu, ErrConfigurationInvalid,
			errors.New("no topology record"))
	}

	_, charge := h.store.Load(ev.PrevPID, cpu)
	sibling, sibOK := h.topo.Load(own.SiblingID)
	if charge && !sibOK {
		return h.abort(CodeSiblingMissing, cpu, ErrTopologyInconsistent,
			fmt.Errorf("sibling %d has no topology record", own.SiblingID))
	}
	// A CPU that is its own sibling has the core to itself.
	shared := sibOK && ev.PrevPID != 0 && own.SiblingID != own.HTID && sibling.RunningPID != 0

	// Capture the baseline and install the incoming process in one step, so a fold
	// from the sibling lands either before (and is charged now) or after (and is owed
	// to the incoming process). Counters may reset, so the core reading is stored as
	// read; timestamps are monotonic and only move forward.
	var base baseline
	h.topo.Update(cpu, func(rec *topology.LogicalCPU) {
		if rec.TS > 0 {
			base = baseline{thread: rec.CyclesThread, time: rec.TS, delta: rec.CyclesCoreDeltaSibling}
			if shared && sample.Core > rec.CyclesCoreUpdated {
				base.delta += sample.Core - rec.CyclesCoreUpdated
			}
		} else {
			base = baseline{thread: sample.Thread, time: ts, fresh: true}
		}
		rec.RunningPID = ev.NextPID
		rec.CyclesThread = sample.Thread
		rec.CyclesCore = sample.Core
		rec.CyclesCoreDeltaSibling = 0
		rec.CyclesCoreUpdated = sample.Core
		rec.TS = max(rec.TS, ts)
	})

	// Nothing of the sibling is touched when the outgoing process is untracked.
	var overflow error
	if charge {
		h.creditSibling(ev.PrevPID, own, st, sample.Core, ts)
		overflow = h.chargeOutgoing(ev, own.SocketID, st, sample.Thread, ts, base)
	}

	// comm is informational: a rename keeps the live window.
	h.store.upsert(ev.NextPID, cpu, func(a *ProcessAccount, exists bool) {
		if !exists {
			*a = newAccount(ev.NextPID, ev.NextComm, st.Selector, ts)
			return
		}
		if ev.NextPID != 0 && ev.NextComm != "" {
			a.Comm = ev.NextComm
		}
	})

	return overflow
}

// creditSibling folds the shared core advance into the sibling's topology record and
// credits the run time since the sibling was last stamped to the process it runs.
// A sibling that has not handled an event yet has no baseline and is left alone.
func (h *Handler) creditSibling(prevPID int32, own topology.LogicalCPU, st window.State, core, ts uint64) {
	if own.SiblingID == own.HTID {
		return
	}
	var (
		sibPID  int32
		sibFrom uint64
		sibSock uint32
	)
	found := h.topo.Update(own.SiblingID, func(rec *topology.LogicalCPU) {
		if rec.TS == 0 {
			return
		}
		sibPID, sibFrom, sibSock = rec.RunningPID, rec.TS, rec.SocketID
		if prevPID != 0 && rec.RunningPID != 0 && core > rec.CyclesCoreUpdated {
			rec.CyclesCoreDeltaSibling += core - rec.CyclesCoreUpdated
		}
		rec.CyclesCoreUpdated = core
		rec.TS = max(rec.TS, ts)
	})
	if !found || sibFrom == 0 {
		return
	}
	h.store.update(sibPID, own.SiblingID, func(a *ProcessAccount) {
		slot := a.rotate(st.Selector, st.Step, ts, sibSock)
		a.addTime(slot, sibFrom, ts)
	})
}

// chargeOutgoing adds the weighted cycles and run time of the finished interval to the
// outgoing process.
func (h *Handler) chargeOutgoing(ev SwitchEvent, socket uint32, st window.State, thread, ts uint64, base baseline) error {
	var overflow error
	h.store.update(ev.PrevPID, ev.CPU, func(a *ProcessAccount) {
		slot := a.rotate(st.Selector, st.Step, ts, socket)
		switch {
		case thread > base.thread:
			elapsed := thread - base.thread
			overlap := base.delta
			if h.capped {
				overlap = min(elapsed, overlap)
			}
			a.WeightedCycles[slot] += elapsed - min(elapsed, overlap) + h.factor.Apply(overlap)
		case !base.fresh:
			overflow = fmt.Errorf("cpu %d pid %d: %w (%d -> %d)", ev.CPU, ev.PrevPID, ErrCounterOverflow, base.thread, thread)
		}
		a.addTime(slot, base.time, ts)
	})
	if overflow != nil {
		h.report(CodeCounterOverflow, ev.CPU, ev.PrevPID, overflow)
	}
	return overflow
}

// OnExit drops the account of the exiting process and resets the CPU's baseline so the
// next process switched in is not charged for the dead one's last interval. A failed
// counter read keeps the previous readings.
func (h *Handler) OnExit(ev ExitEvent) error {
	ts := ev.Timestamp
	if ts == 0 {
		ts = h.clock()
	}
	h.store.Delete(ev.PID)

	sample, readErr := h.read(ev.CPU, ev.Counters, ev.Sampled)
	found := h.topo.Update(ev.CPU, func(rec *topology.LogicalCPU) {
		rec.RunningPID = 0
		if readErr == nil {
			rec.CyclesThread = sample.Thread
			rec.CyclesCore = sample.Core
			rec.CyclesCoreUpdated = sample.Core
		}
		rec.CyclesCoreDeltaSibling = 0
		if readErr == nil || rec.TS > 0 {
			rec.TS = max(rec.TS, ts)
		}
	})
	if !found {
		return h.abort(CodeTopologyInvalid, ev.CPU, ErrConfigurationInvalid,
			errors.New("no topology record"))
	}
	if readErr != nil {
		return h.abort(CodeCounterUnavailable, ev.CPU, ErrCounterUnavailable, readErr)
	}
	return nil
}

func windowCode(err error) DiagnosticCode {
	switch {
	case errors.Is(err, window.ErrSelectorInvalid):
		return CodeSelectorInvalid
	case errors.Is(err, window.ErrPreviousSelectorInvalid):
		return CodePreviousSelectorInvalid
	default:
		return CodeStepInvalid
	}
}
