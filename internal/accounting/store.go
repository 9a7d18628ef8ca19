package accounting

import (
	"sort"

	"smt_exporter/internal/maps"
	"smt_exporter/internal/window"
)

// Store is the process accounting store: accounts keyed by pid, plus one idle account
// per logical CPU standing in for pid 0.
type Store struct {
	procs maps.ConcurrentMap[int32, ProcessAccount]
	idles maps.ConcurrentMap[uint32, ProcessAccount]
}

// NewStore creates an empty store on the given map backend.
func NewStore(backend string) (*Store, error) {
	procs, err := maps.NewConcurrentMap[int32, ProcessAccount](backend)
	if err != nil {
		return nil, err
	}
	idles, err := maps.NewConcurrentMap[uint32, ProcessAccount](backend)
	if err != nil {
		return nil, err
	}
	return &Store{procs: procs, idles: idles}, nil
}

// Load returns the account of pid, or the idle account of cpu when pid is 0.
func (s *Store) Load(pid int32, cpu uint32) (ProcessAccount, bool) {
	if pid == 0 {
		return s.idles.Load(cpu)
	}
	return s.procs.Load(pid)
}

// update atomically modifies an existing account. It reports whether the account existed.
func (s *Store) update(pid int32, cpu uint32, fn func(a *ProcessAccount)) bool {
	found := false
	apply := func(a ProcessAccount, exists bool) (ProcessAccount, bool) {
		if !exists {
			return a, false
		}
		found = true
		fn(&a)
		return a, true
	}
	if pid == 0 {
		s.idles.Update(cpu, apply)
	} else {
		s.procs.Update(pid, apply)
	}
	return found
}

// upsert atomically creates or modifies an account. fn receives exists=false and a
// zero account when there is none.
func (s *Store) upsert(pid int32, cpu uint32, fn func(a *ProcessAccount, exists bool)) {
	apply := func(a ProcessAccount, exists bool) (ProcessAccount, bool) {
		fn(&a, exists)
		return a, true
	}
	if pid == 0 {
		s.idles.Update(cpu, apply)
	} else {
		s.procs.Update(pid, apply)
	}
}

// Delete removes the account of pid. Idle accounts are never deleted.
func (s *Store) Delete(pid int32) bool {
	if pid == 0 {
		return false
	}
	_, ok := s.procs.LoadAndDelete(pid)
	return ok
}

// Len returns the number of process accounts and idle accounts.
func (s *Store) Len() (procs, idles int) {
	return s.procs.Len(), s.idles.Len()
}

// SlotReading is a finished slot of one account.
type SlotReading struct {
	Socket         uint32
	WeightedCycles uint64
	TimeNS         uint64
	TS             uint64
}

// AccountReading is the finished window of one account.
type AccountReading struct {
	PID  int32
	Comm string
	// CPU is set for idle accounts only.
	CPU   uint32
	Idle  bool
	Slots []SlotReading
}

// WeightedCycles sums the account over all sockets.
func (r AccountReading) WeightedCycles() uint64 {
	var total uint64
	for _, s := range r.Slots {
		total += s.WeightedCycles
	}
	return total
}

// TimeNS sums the account over all sockets.
func (r AccountReading) TimeNS() uint64 {
	var total uint64
	for _, s := range r.Slots {
		total += s.TimeNS
	}
	return total
}

// Snapshot is the finished window read from every account.
type Snapshot struct {
	ReadSelector uint32
	Step         uint64
	// TSMax is the latest write observed in any read slot.
	TSMax               uint64
	Processes           []AccountReading
	Idle                []AccountReading
	TotalWeightedCycles uint64
	TotalTimeNS         uint64
}

// Snapshot reads the buffer selected by readSelector from every account. Only slots
// written within step of the most recent write in that buffer belong to the finished
// window; older slots hold data from an earlier window and are skipped. The caller must
// have rotated the selector away from readSelector first.
func (s *Store) Snapshot(readSelector uint32, step uint64) Snapshot {
	snap := Snapshot{ReadSelector: readSelector, Step: step}
	if readSelector >= window.SelectorDim {
		return snap
	}

	var procs, idles []ProcessAccount
	s.procs.Range(func(_ int32, a ProcessAccount) bool {
		procs = append(procs, a)
		return true
	})
	s.idles.Range(func(cpu uint32, a ProcessAccount) bool {
		a.PID = -1 - int32(cpu)
		idles = append(idles, a)
		return true
	})

	for _, set := range [][]ProcessAccount{procs, idles} {
		for i := range set {
			for slot := int(readSelector); slot < NumSlots; slot += window.SelectorDim {
				snap.TSMax = max(snap.TSMax, set[i].TS[slot])
			}
		}
	}

	read := func(a *ProcessAccount) []SlotReading {
		var slots []SlotReading
		for slot := int(readSelector); slot < NumSlots; slot += window.SelectorDim {
			if a.TS[slot]+step <= snap.TSMax {
				continue
			}
			if a.WeightedCycles[slot] == 0 && a.TimeNS[slot] == 0 {
				continue
			}
			slots = append(slots, SlotReading{
				Socket:         uint32(slot / window.SelectorDim),
				WeightedCycles: a.WeightedCycles[slot],
				TimeNS:         a.TimeNS[slot],
				TS:             a.TS[slot],
			})
			snap.TotalWeightedCycles += a.WeightedCycles[slot]
			snap.TotalTimeNS += a.TimeNS[slot]
		}
		return slots
	}

	for i := range procs {
		if slots := read(&procs[i]); len(slots) > 0 {
			snap.Processes = append(snap.Processes, AccountReading{
				PID: procs[i].PID, Comm: procs[i].Comm, Slots: slots,
			})
		}
	}
	for i := range idles {
		if slots := read(&idles[i]); len(slots) > 0 {
			cpu := uint32(-1 - idles[i].PID)
			snap.Idle = append(snap.Idle, AccountReading{
				PID: idles[i].PID, Comm: idles[i].Comm, CPU: cpu, Idle: true, Slots: slots,
			})
		}
	}
	sort.Slice(snap.Processes, func(i, j int) bool { return snap.Processes[i].PID < snap.Processes[j].PID })
	sort.Slice(snap.Idle, func(i, j int) bool { return snap.Idle[i].CPU < snap.Idle[j].CPU })
	return snap
}
