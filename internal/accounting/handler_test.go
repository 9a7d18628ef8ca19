package accounting

import (
	"errors"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smt_exporter/internal/counters"
	"smt_exporter/internal/maps"
	"smt_exporter/internal/topology"
	"smt_exporter/internal/window"
)

const (
	ms = uint64(1_000_000)
	t0 = uint64(1_000_000_000_000)
)

// fakeCounters serves counter values set by the test.
type fakeCounters struct {
	mu     sync.Mutex
	values map[uint32]counters.Sample
	fail   map[uint32]error
}

func newFakeCounters() *fakeCounters {
	return &fakeCounters{values: map[uint32]counters.Sample{}, fail: map[uint32]error{}}
}

func (f *fakeCounters) set(cpu uint32, thread, core uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[cpu] = counters.Sample{Thread: thread, Core: core}
}

func (f *fakeCounters) failOn(cpu uint32, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[cpu] = err
}

func (f *fakeCounters) Read(cpu uint32) (counters.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[cpu]; err != nil {
		return counters.Sample{}, err
	}
	return f.values[cpu], nil
}

type recordingSink struct {
	mu    sync.Mutex
	diags []Diagnostic
}

func (r *recordingSink) Report(d Diagnostic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diags = append(r.diags, d)
}

func (r *recordingSink) codes() []DiagnosticCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DiagnosticCode, 0, len(r.diags))
	for _, d := range r.diags {
		out = append(out, d.Code)
	}
	return out
}

type harness struct {
	topo     *topology.Table
	store    *Store
	win      *window.Controller
	counters *fakeCounters
	sink     *recordingSink
	h        *Handler
}

// testTopology is a single socket-0 core with two threads (0, 1), a socket-0 core with
// SMT off (2) and a socket-1 core with two threads (3, 4).
func testTopology() []topology.Static {
	return []topology.Static{
		{CPU: 0, SiblingID: 1, CoreID: 0, SocketID: 0},
		{CPU: 1, SiblingID: 0, CoreID: 0, SocketID: 0},
		{CPU: 2, SiblingID: 2, CoreID: 1, SocketID: 0},
		{CPU: 3, SiblingID: 4, CoreID: 2, SocketID: 1},
		{CPU: 4, SiblingID: 3, CoreID: 2, SocketID: 1},
	}
}

func newHarness(t testing.TB, factor Factor) *harness {
	t.Helper()
	topo, err := topology.NewTable(maps.DefaultBackend)
	require.NoError(t, err)
	require.NoError(t, topo.Seed(testTopology()))
	store, err := NewStore(maps.DefaultBackend)
	require.NoError(t, err)
	conf, err := window.NewConf(maps.DefaultBackend)
	require.NoError(t, err)
	require.NoError(t, conf.Seed(window.StepMin))
	win := window.NewController(conf)

	fc := newFakeCounters()
	sink := &recordingSink{}
	h, err := NewHandler(topo, store, win, fc, HandlerConfig{HappyFactor: factor, Sink: sink})
	require.NoError(t, err)
	return &harness{topo: topo, store: store, win: win, counters: fc, sink: sink, h: h}
}

func commOf(pid int32) string {
	if pid == 0 {
		return "swapper"
	}
	return "proc-" + strconv.Itoa(int(pid))
}

func (h *harness) switchOn(cpu uint32, ts uint64, prev, next int32) error {
	return h.h.OnSwitch(SwitchEvent{
		PrevPID: prev, PrevComm: commOf(prev),
		NextPID: next, NextComm: commOf(next),
		CPU: cpu, Timestamp: ts,
	})
}

func (h *harness) account(t *testing.T, pid int32, cpu uint32) ProcessAccount {
	t.Helper()
	a, ok := h.store.Load(pid, cpu)
	require.True(t, ok, "no account for pid %d cpu %d", pid, cpu)
	return a
}

// dump copies every account, idle accounts keyed by -1-cpu.
func (h *harness) dump() map[int32]ProcessAccount {
	out := map[int32]ProcessAccount{}
	h.store.procs.Range(func(pid int32, a ProcessAccount) bool {
		out[pid] = a
		return true
	})
	h.store.idles.Range(func(cpu uint32, a ProcessAccount) bool {
		out[-1-int32(cpu)] = a
		return true
	})
	return out
}

func TestFactorApply(t *testing.T) {
	assert.Equal(t, uint64(550), DefaultHappyFactor.Apply(1000))
	assert.Equal(t, uint64(0), Factor{Num: 0, Den: 1}.Apply(1000))
	assert.Equal(t, uint64(1000), Factor{Num: 1, Den: 1}.Apply(1000))
	// No intermediate overflow.
	big := uint64(20) << 58
	assert.Equal(t, uint64(11)<<58, DefaultHappyFactor.Apply(big))
	assert.Equal(t, uint64(math.MaxUint64/20*11), DefaultHappyFactor.Apply(math.MaxUint64/20*20))

	assert.True(t, DefaultHappyFactor.Valid())
	assert.False(t, Factor{Num: 3, Den: 2}.Valid())
	assert.False(t, Factor{Num: 1}.Valid())
}

func TestNewHandlerRejectsInvalidFactor(t *testing.T) {
	_, err := NewHandler(nil, nil, nil, nil, HandlerConfig{HappyFactor: Factor{Num: 21, Den: 20}})
	assert.Error(t, err)
}

func TestSingleProcessWithoutSiblingActivity(t *testing.T) {
	h := newHarness(t, DefaultHappyFactor)

	thread := uint64(1_000)
	h.counters.set(0, thread, thread)
	require.NoError(t, h.switchOn(0, t0, 0, 100))

	ts := t0
	for range 3 {
		ts += 10 * ms
		thread += 2 * 10 * ms
		h.counters.set(0, thread, thread)
		require.NoError(t, h.switchOn(0, ts, 100, 0))

		ts += 10 * ms
		thread += 1_000
		h.counters.set(0, thread, thread)
		require.NoError(t, h.switchOn(0, ts, 0, 100))
	}

	a := h.account(t, 100, 0)
	slot := SlotIndex(0, 0)
	assert.Equal(t, 3*2*10*ms, a.WeightedCycles[slot], "weight 1 without overlap")
	assert.Equal(t, 30*ms, a.TimeNS[slot])
	assert.Equal(t, "proc-100", a.Comm)

	idle := h.account(t, 0, 0)
	assert.Equal(t, uint64(3_000), idle.WeightedCycles[slot])
	assert.Equal(t, 30*ms, idle.TimeNS[slot])
	assert.Empty(t, h.sink.codes())

	rec, _ := h.topo.Load(0)
	assert.Equal(t, int32(100), rec.RunningPID)
	assert.Equal(t, thread, rec.CyclesThread)
	assert.Equal(t, ts, rec.TS)
}

func TestSiblingsBothBusy(t *testing.T) {
	tests := []struct {
		name   string
		factor Factor
	}{
		{"half", Factor{Num: 1, Den: 2}},
		{"default", DefaultHappyFactor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.factor)

			core := uint64(10_000)
			h.counters.set(0, 1_000, core)
			h.counters.set(1, 5_000, core)
			require.NoError(t, h.switchOn(0, t0, 0, 100))
			require.NoError(t, h.switchOn(1, t0, 0, 200))

			// Both threads busy for 10ms: each thread and the core advance alike.
			adv := 20 * ms
			core += adv
			h.counters.set(0, 1_000+adv, core)
			h.counters.set(1, 5_000+adv, core)
			require.NoError(t, h.switchOn(0, t0+10*ms, 100, 0))
			require.NoError(t, h.switchOn(1, t0+10*ms, 200, 0))

			slot := SlotIndex(0, 0)
			a := h.account(t, 100, 0)
			b := h.account(t, 200, 1)
			assert.Equal(t, tt.factor.Apply(adv), a.WeightedCycles[slot])
			assert.Equal(t, tt.factor.Apply(adv), b.WeightedCycles[slot])
			assert.Equal(t, 10*ms, a.TimeNS[slot])
			assert.Equal(t, 10*ms, b.TimeNS[slot], "credited by the sibling's switch")
			if tt.factor == (Factor{Num: 1, Den: 2}) {
				assert.Equal(t, adv, a.WeightedCycles[slot]+b.WeightedCycles[slot],
					"shared cycles split between both threads add up to the core advance")
			}
			assert.Empty(t, h.sink.codes())
		})
	}
}

func TestPartialOverlap(t *testing.T) {
	h := newHarness(t, DefaultHappyFactor)

	// cpu0 idles from t0-1ms; cpu1 runs 200 from t0; cpu0 runs 100 from t0+5ms.
	h.counters.set(0, 0, 1_000)
	require.NoError(t, h.switchOn(0, t0-ms, 50, 0))
	h.counters.set(1, 0, 1_000)
	require.NoError(t, h.switchOn(1, t0, 0, 200))
	h.counters.set(0, 50, 1_000+500)
	h.counters.set(1, 500, 1_000+500)
	require.NoError(t, h.switchOn(0, t0+5*ms, 0, 100))

	// 200 leaves after 300 more core cycles, all of them shared.
	h.counters.set(1, 800, 1_800)
	h.counters.set(0, 350, 1_800)
	require.NoError(t, h.switchOn(1, t0+8*ms, 200, 0))

	// 100 runs alone for another 400 cycles.
	h.counters.set(0, 750, 2_200)
	require.NoError(t, h.switchOn(0, t0+12*ms, 100, 0))

	slot := SlotIndex(0, 0)
	b := h.account(t, 200, 1)
	assert.Equal(t, uint64(500+DefaultHappyFactor.Apply(300)), b.WeightedCycles[slot])
	a := h.account(t, 100, 0)
	assert.Equal(t, uint64(400+DefaultHappyFactor.Apply(300)), a.WeightedCycles[slot])
	assert.Equal(t, 7*ms, a.TimeNS[slot])
	assert.Equal(t, 8*ms, b.TimeNS[slot])
	assert.Equal(t, uint64(50), h.account(t, 0, 0).WeightedCycles[slot])
}

func TestExitResetsBaseline(t *testing.T) {
	h := newHarness(t, DefaultHappyFactor)

	h.counters.set(0, 1_000, 1_000)
	require.NoError(t, h.switchOn(0, t0, 0, 100))
	h.counters.set(0, 5_000, 5_000)
	require.NoError(t, h.switchOn(0, t0+4*ms, 100, 100+1))
	h.counters.set(0, 9_000, 9_000)
	require.NoError(t, h.h.OnExit(ExitEvent{PID: 101, Comm: commOf(101), CPU: 0, Timestamp: t0 + 6*ms}))

	_, ok := h.store.Load(101, 0)
	assert.False(t, ok, "account removed on exit")
	rec, _ := h.topo.Load(0)
	assert.Equal(t, int32(0), rec.RunningPID)
	assert.Equal(t, uint64(9_000), rec.CyclesThread)
	assert.Equal(t, t0+6*ms, rec.TS)

	// The dead process switches out a little later: nothing is charged for it and the
	// incoming process starts from a fresh baseline.
	h.counters.set(0, 9_500, 9_500)
	require.NoError(t, h.switchOn(0, t0+7*ms, 101, 102))
	_, ok = h.store.Load(101, 0)
	assert.False(t, ok, "the dead process is not resurrected")

	h.counters.set(0, 10_500, 10_500)
	require.NoError(t, h.switchOn(0, t0+9*ms, 102, 0))
	c := h.account(t, 102, 0)
	slot := SlotIndex(0, 0)
	assert.Equal(t, uint64(1_000), c.WeightedCycles[slot])
	assert.Equal(t, 2*ms, c.TimeNS[slot])
	assert.Empty(t, h.sink.codes())
}

func TestExitErrors(t *testing.T) {
	h := newHarness(t, DefaultHappyFactor)

	err := h.h.OnExit(ExitEvent{PID: 5, CPU: 42, Timestamp: t0})
	assert.ErrorIs(t, err, ErrConfigurationInvalid)

	h.counters.set(0, 1_000, 2_000)
	require.NoError(t, h.switchOn(0, t0, 0, 100))
	h.counters.failOn(0, errors.New("pmu gone"))
	err = h.h.OnExit(ExitEvent{PID: 100, CPU: 0, Timestamp: t0 + ms})
	assert.ErrorIs(t, err, ErrCounterUnavailable)

	rec, _ := h.topo.Load(0)
	assert.Equal(t, int32(0), rec.RunningPID, "pid cleared even without counters")
	assert.Equal(t, uint64(1_000), rec.CyclesThread, "previous counters kept")
	assert.Equal(t, t0+ms, rec.TS)
	_, ok := h.store.Load(100, 0)
	assert.False(t, ok)
	assert.Equal(t, []DiagnosticCode{CodeTopologyInvalid, CodeCounterUnavailable}, h.sink.codes())
}

func TestSelectorFlipResetsActiveSlot(t *testing.T) {
	h := newHarness(t, DefaultHappyFactor)

	h.counters.set(0, 0, 0)
	require.NoError(t, h.switchOn(0, t0, 0, 100))
	h.counters.set(0, 100, 100)
	require.NoError(t, h.switchOn(0, t0+200*ms, 100, 0))
	h.counters.set(0, 110, 110)
	require.NoError(t, h.switchOn(0, t0+300*ms, 0, 100))

	rot, err := h.win.Rotate()
	require.NoError(t, err)
	require.Equal(t, uint32(0), rot.ReadSelector)

	h.counters.set(0, 1_110, 1_110)
	require.NoError(t, h.switchOn(0, t0+2500*ms, 100, 0))

	a := h.account(t, 100, 0)
	assert.Equal(t, uint32(1), a.Selector)
	assert.Equal(t, uint64(100), a.WeightedCycles[SlotIndex(0, 0)], "finished slot untouched")
	assert.Equal(t, 200*ms, a.TimeNS[SlotIndex(0, 0)])
	assert.Equal(t, uint64(1_000), a.WeightedCycles[SlotIndex(1, 0)])
	assert.Equal(t, 2200*ms, a.TimeNS[SlotIndex(1, 0)])
}

func TestExpiredSlotResetsWithoutSelectorChange(t *testing.T) {
	h := newHarness(t, DefaultHappyFactor)

	h.counters.set(0, 0, 0)
	require.NoError(t, h.switchOn(0, t0, 0, 100))
	h.counters.set(0, 100, 100)
	require.NoError(t, h.switchOn(0, t0+100*ms, 100, 0))

	// Two rotations bring the selector back to 0 while 100 sleeps.
	_, err := h.win.Rotate()
	require.NoError(t, err)
	_, err = h.win.Rotate()
	require.NoError(t, err)

	h.counters.set(0, 200, 200)
	require.NoError(t, h.switchOn(0, t0+3000*ms, 0, 100))
	h.counters.set(0, 250, 250)
	require.NoError(t, h.switchOn(0, t0+3010*ms, 100, 0))

	a := h.account(t, 100, 0)
	slot := SlotIndex(0, 0)
	assert.Equal(t, uint32(0), a.Selector)
	assert.Equal(t, uint64(50), a.WeightedCycles[slot], "stale totals from two windows ago are dropped")
	assert.Equal(t, 10*ms, a.TimeNS[slot])
}

func TestInvalidStepAbortsWithoutMutation(t *testing.T) {
	h := newHarness(t, DefaultHappyFactor)
	h.counters.set(0, 1_000, 1_000)
	require.NoError(t, h.switchOn(0, t0, 0, 100))

	topoBefore := h.topo.Snapshot()
	storeBefore := h.dump()
	countBefore, _ := h.win.Conf().Get(window.SwitchCountKey)

	for _, step := range []uint64{window.StepMin - 1, window.StepMax + 1} {
		h.win.Conf().Set(window.StepKey, step)
		h.counters.set(0, 2_000, 2_000)
		err := h.switchOn(0, t0+ms, 100, 200)
		assert.ErrorIs(t, err, ErrConfigurationInvalid)
	}

	assert.Equal(t, topoBefore, h.topo.Snapshot())
	assert.Equal(t, storeBefore, h.dump())
	countAfter, _ := h.win.Conf().Get(window.SwitchCountKey)
	assert.Equal(t, countBefore, countAfter)
	assert.Equal(t, []DiagnosticCode{CodeStepInvalid, CodeStepInvalid}, h.sink.codes())
}

func TestConfigurationErrors(t *testing.T) {
	t.Run("selector", func(t *testing.T) {
		h := newHarness(t, DefaultHappyFactor)
		h.win.Conf().Set(window.SelectorKey, 2)
		assert.ErrorIs(t, h.switchOn(0, t0, 0, 1), ErrConfigurationInvalid)
		assert.Equal(t, []DiagnosticCode{CodeSelectorInvalid}, h.sink.codes())
	})
	t.Run("previous selector", func(t *testing.T) {
		h := newHarness(t, DefaultHappyFactor)
		h.win.Conf().Delete(window.PreviousSelectorKey)
		assert.ErrorIs(t, h.switchOn(0, t0, 0, 1), ErrConfigurationInvalid)
		assert.Equal(t, []DiagnosticCode{CodePreviousSelectorInvalid}, h.sink.codes())
	})
	t.Run("unknown cpu", func(t *testing.T) {
		h := newHarness(t, DefaultHappyFactor)
		assert.ErrorIs(t, h.switchOn(17, t0, 0, 1), ErrConfigurationInvalid)
		assert.Equal(t, []DiagnosticCode{CodeTopologyInvalid}, h.sink.codes())
		_, ok := h.store.Load(1, 17)
		assert.False(t, ok)
	})
	t.Run("counters", func(t *testing.T) {
		h := newHarness(t, DefaultHappyFactor)
		h.counters.failOn(0, counters.ErrUnavailable)
		err := h.switchOn(0, t0, 0, 1)
		assert.ErrorIs(t, err, ErrCounterUnavailable)
		assert.ErrorIs(t, err, counters.ErrUnavailable)
		rec, _ := h.topo.Load(0)
		assert.Zero(t, rec.TS)
	})
}

func TestMissingSiblingAborts(t *testing.T) {
	h := newHarness(t, DefaultHappyFactor)
	// A record pointing at a sibling that was never seeded.
	h.topo.Store(7, topology.LogicalCPU{HTID: 7, SiblingID: 8, CoreID: 7})

	h.counters.set(7, 100, 100)
	require.NoError(t, h.switchOn(7, t0, 0, 100), "nothing to charge yet, so no sibling lookup")

	before := h.dump()
	h.counters.set(7, 200, 200)
	err := h.switchOn(7, t0+ms, 100, 0)
	assert.ErrorIs(t, err, ErrTopologyInconsistent)
	assert.Equal(t, before, h.dump())
	rec, _ := h.topo.Load(7)
	assert.Equal(t, int32(100), rec.RunningPID)
	assert.Equal(t, []DiagnosticCode{CodeSiblingMissing}, h.sink.codes())
}

func TestCounterNotAdvancing(t *testing.T) {
	for _, tc := range []struct {
		name  string
		after uint64
	}{
		{"equal", 5_000},
		{"backwards", 10},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, DefaultHappyFactor)
			h.counters.set(2, 5_000, 5_000)
			require.NoError(t, h.switchOn(2, t0, 0, 100))
			h.counters.set(2, tc.after, tc.after)
			err := h.switchOn(2, t0+3*ms, 100, 0)
			assert.ErrorIs(t, err, ErrCounterOverflow)

			a := h.account(t, 100, 2)
			slot := SlotIndex(0, 0)
			assert.Zero(t, a.WeightedCycles[slot])
			assert.Equal(t, 3*ms, a.TimeNS[slot], "time still accumulates")
			assert.Equal(t, t0+3*ms, a.TS[slot])

			require.Len(t, h.sink.diags, 1)
			assert.Equal(t, CodeCounterOverflow, h.sink.diags[0].Code)
			assert.Equal(t, int32(100), h.sink.diags[0].PID)

			// The event completed: the idle task now runs on cpu 2.
			rec, _ := h.topo.Load(2)
			assert.Equal(t, int32(0), rec.RunningPID)
			_, ok := h.store.Load(0, 2)
			assert.True(t, ok)
		})
	}
}

func TestUntrackedOutgoingLeavesSiblingAlone(t *testing.T) {
	h := newHarness(t, DefaultHappyFactor)

	// cpu1 runs 200 from t0. cpu0 sees its first event 10ms later with no idle account.
	h.counters.set(1, 0, 0)
	require.NoError(t, h.switchOn(1, t0, 0, 200))
	h.counters.set(0, 0, 500)
	require.NoError(t, h.switchOn(0, t0+10*ms, 0, 100))

	b := h.account(t, 200, 1)
	assert.Zero(t, b.TimeNS[SlotIndex(0, 0)], "no run time credited to the sibling")
	rec, _ := h.topo.Load(1)
	assert.Equal(t, t0, rec.TS)
	assert.Zero(t, rec.CyclesCoreUpdated)
	assert.Zero(t, rec.CyclesCoreDeltaSibling)
	assert.Empty(t, h.sink.codes())
}

func TestCoreCounterReset(t *testing.T) {
	h := newHarness(t, Factor{Num: 1, Den: 2})
	high := uint64(1) << 40

	h.counters.set(0, 0, high)
	h.counters.set(1, 0, high)
	require.NoError(t, h.switchOn(0, t0, 0, 100))
	require.NoError(t, h.switchOn(1, t0, 0, 200))

	// The core counter restarts: the interval across the reset gets no overlap.
	h.counters.set(0, 1_000, 10)
	h.counters.set(1, 1_000, 10)
	require.NoError(t, h.switchOn(0, t0+ms, 100, 101))

	// 1000 cycles fully shared after the reset are split again.
	h.counters.set(0, 2_000, 1_010)
	h.counters.set(1, 2_000, 1_010)
	require.NoError(t, h.switchOn(0, t0+2*ms, 101, 0))
	require.NoError(t, h.switchOn(1, t0+2*ms, 200, 0))

	slot := SlotIndex(0, 0)
	assert.Equal(t, uint64(1_000), h.account(t, 100, 0).WeightedCycles[slot])
	assert.Equal(t, uint64(500), h.account(t, 101, 0).WeightedCycles[slot])
	assert.Equal(t, uint64(1_000+500), h.account(t, 200, 1).WeightedCycles[slot])
	rec, _ := h.topo.Load(0)
	assert.Equal(t, uint64(1_010), rec.CyclesCoreUpdated)
	assert.Empty(t, h.sink.codes())
}

func TestOverlapBeyondThreadCycles(t *testing.T) {
	for _, tc := range []struct {
		name   string
		capped bool
		want   uint64
	}{
		{"whole delta weighted", false, 5_500},
		{"capped at thread cycles", true, 550},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, DefaultHappyFactor)
			h.h.capped = tc.capped

			h.counters.set(0, 0, 0)
			h.counters.set(1, 0, 0)
			require.NoError(t, h.switchOn(0, t0, 0, 100))
			require.NoError(t, h.switchOn(1, t0, 0, 200))

			// 1000 thread cycles against a core advance of 10000 with the sibling busy.
			h.counters.set(0, 1_000, 10_000)
			require.NoError(t, h.switchOn(0, t0+ms, 100, 0))
			assert.Equal(t, tc.want, h.account(t, 100, 0).WeightedCycles[SlotIndex(0, 0)])
		})
	}
}

func TestSampledCountersPreferred(t *testing.T) {
	h := newHarness(t, DefaultHappyFactor)
	h.counters.failOn(2, errors.New("reader must not be used"))

	sampled := func(thread uint64) counters.Sample { return counters.Sample{Thread: thread, Core: thread} }
	require.NoError(t, h.h.OnSwitch(SwitchEvent{
		PrevPID: 0, NextPID: 100, NextComm: commOf(100),
		CPU: 2, Timestamp: t0, Counters: sampled(1_000), Sampled: true,
	}))
	require.NoError(t, h.h.OnSwitch(SwitchEvent{
		PrevPID: 100, NextPID: 0, CPU: 2, Timestamp: t0 + ms,
		Counters: sampled(4_000), Sampled: true,
	}))
	assert.Equal(t, uint64(3_000), h.account(t, 100, 2).WeightedCycles[0])

	require.NoError(t, h.h.OnExit(ExitEvent{
		PID: 100, CPU: 2, Timestamp: t0 + 2*ms, Counters: sampled(4_500), Sampled: true,
	}))
	rec, _ := h.topo.Load(2)
	assert.Equal(t, uint64(4_500), rec.CyclesThread)

	// Unsampled events fall back to the reader.
	err := h.switchOn(2, t0+3*ms, 0, 101)
	assert.ErrorIs(t, err, ErrCounterUnavailable)
}

func TestOwnSiblingNeverOverlaps(t *testing.T) {
	h := newHarness(t, DefaultHappyFactor)
	h.counters.set(2, 0, 0)
	require.NoError(t, h.switchOn(2, t0, 0, 100))
	h.counters.set(2, 1_000, 1_000)
	require.NoError(t, h.switchOn(2, t0+ms, 100, 101))
	h.counters.set(2, 3_000, 3_000)
	require.NoError(t, h.switchOn(2, t0+2*ms, 101, 100))

	assert.Equal(t, uint64(1_000), h.account(t, 100, 2).WeightedCycles[0])
	assert.Equal(t, uint64(2_000), h.account(t, 101, 2).WeightedCycles[0])
}

func TestSecondSocketUsesItsSlots(t *testing.T) {
	h := newHarness(t, DefaultHappyFactor)
	h.counters.set(3, 0, 0)
	require.NoError(t, h.switchOn(3, t0, 0, 300))
	h.counters.set(3, 700, 700)
	require.NoError(t, h.switchOn(3, t0+ms, 300, 0))

	a := h.account(t, 300, 3)
	assert.Zero(t, a.WeightedCycles[SlotIndex(0, 0)])
	assert.Equal(t, uint64(700), a.WeightedCycles[SlotIndex(0, 1)])
	assert.Equal(t, ms, a.TimeNS[SlotIndex(0, 1)])
}

func TestPIDReuse(t *testing.T) {
	h := newHarness(t, DefaultHappyFactor)
	h.counters.set(0, 0, 0)
	require.NoError(t, h.switchOn(0, t0, 0, 100))
	h.counters.set(0, 1_000, 1_000)
	require.NoError(t, h.switchOn(0, t0+ms, 100, 0))
	require.Equal(t, uint64(1_000), h.account(t, 100, 0).WeightedCycles[0])

	t.Run("rename keeps the window", func(t *testing.T) {
		h.counters.set(0, 1_500, 1_500)
		require.NoError(t, h.h.OnSwitch(SwitchEvent{
			PrevPID: 0, PrevComm: "swapper", NextPID: 100, NextComm: "renamed",
			CPU: 0, Timestamp: t0 + 2*ms,
		}))
		a := h.account(t, 100, 0)
		assert.Equal(t, "renamed", a.Comm)
		assert.Equal(t, uint64(1_000), a.WeightedCycles[0])
		assert.Equal(t, ms, a.TimeNS[0])
	})

	t.Run("after exit", func(t *testing.T) {
		require.NoError(t, h.h.OnExit(ExitEvent{PID: 100, CPU: 0, Timestamp: t0 + 3*ms}))
		require.NoError(t, h.h.OnSwitch(SwitchEvent{
			PrevPID: 100, PrevComm: "renamed", NextPID: 0, NextComm: "swapper",
			CPU: 0, Timestamp: t0 + 3*ms,
		}))
		h.counters.set(0, 2_000, 2_000)
		require.NoError(t, h.h.OnSwitch(SwitchEvent{
			PrevPID: 0, PrevComm: "swapper", NextPID: 100, NextComm: "recycled",
			CPU: 0, Timestamp: t0 + 4*ms,
		}))
		a := h.account(t, 100, 0)
		assert.Zero(t, a.TimeNS[0])
		assert.Equal(t, t0+4*ms, a.TS[0])
	})
}

func TestMissingTimestampUsesClock(t *testing.T) {
	h := newHarness(t, DefaultHappyFactor)
	var now atomic.Uint64
	now.Store(t0)
	h.h.clock = now.Load

	h.counters.set(0, 0, 0)
	require.NoError(t, h.switchOn(0, 0, 0, 100))
	now.Store(t0 + 5*ms)
	h.counters.set(0, 10, 10)
	require.NoError(t, h.switchOn(0, 0, 100, 0))
	assert.Equal(t, 5*ms, h.account(t, 100, 0).TimeNS[0])
}

// pairSchedule drives cpus 0 and 1 for n ticks of 1ms and ends with both switching to
// idle. Busy threads advance 2000 cycles per tick, idle ones 100; the shared core counter
// advances 2000 when any thread is busy.
type pairSchedule struct {
	threadTotal uint64
	coreTotal   uint64
	coreBoth    uint64
	end         uint64
}

func runPairSchedule(t *testing.T, h *harness, n int) pairSchedule {
	t.Helper()
	rotation := [2][]int32{
		{100, 0, 101, 100, 0, 102},
		{200, 201, 0, 200, 0},
	}
	var (
		cur    [2]int32
		next   [2]int
		thread [2]uint64
		core   uint64
		res    pairSchedule
	)
	switchTo := func(cpu int, ts uint64, pid int32) {
		require.NoError(t, h.switchOn(uint32(cpu), ts, cur[cpu], pid))
		cur[cpu] = pid
	}
	advance := func() {
		busy := 0
		for cpu := range 2 {
			if cur[cpu] != 0 {
				thread[cpu] += 2_000
				res.threadTotal += 2_000
				busy++
			} else {
				thread[cpu] += 100
				res.threadTotal += 100
			}
		}
		switch busy {
		case 2:
			core += 2_000
			res.coreBoth += 2_000
		case 1:
			core += 2_000
		default:
			core += 100
		}
		res.coreTotal = core
		for cpu := range 2 {
			h.counters.set(uint32(cpu), thread[cpu], core)
		}
	}

	for cpu := range 2 {
		h.counters.set(uint32(cpu), 0, 0)
		switchTo(cpu, t0, rotation[cpu][0])
		next[cpu] = 1
	}
	for i := 1; i <= n; i++ {
		advance()
		ts := t0 + uint64(i)*ms
		for cpu, every := range []int{3, 5} {
			if i%every != 0 {
				continue
			}
			switchTo(cpu, ts, rotation[cpu][next[cpu]])
			next[cpu] = (next[cpu] + 1) % len(rotation[cpu])
		}
	}
	advance()
	res.end = t0 + uint64(n+1)*ms
	for cpu := range 2 {
		switchTo(cpu, res.end, 0)
	}
	return res
}

func sumSlot(accounts map[int32]ProcessAccount, field func(a ProcessAccount) uint64) uint64 {
	var total uint64
	for _, a := range accounts {
		total += field(a)
	}
	return total
}

func TestPairScheduleConservation(t *testing.T) {
	const ticks = 300
	weighted := func(a ProcessAccount) uint64 { return a.WeightedCycles[0] }

	full := newHarness(t, Factor{Num: 1, Den: 1})
	res := runPairSchedule(t, full, ticks)
	none := newHarness(t, Factor{Num: 0, Den: 1})
	runPairSchedule(t, none, ticks)
	half := newHarness(t, Factor{Num: 1, Den: 2})
	runPairSchedule(t, half, ticks)
	def := newHarness(t, DefaultHappyFactor)
	runPairSchedule(t, def, ticks)

	require.NotZero(t, res.coreBoth)
	for _, h := range []*harness{full, none, half, def} {
		assert.Empty(t, h.sink.codes())
	}

	wFull := sumSlot(full.dump(), weighted)
	wNone := sumSlot(none.dump(), weighted)
	wHalf := sumSlot(half.dump(), weighted)
	wDefault := sumSlot(def.dump(), weighted)

	assert.Equal(t, res.threadTotal, wFull, "every thread cycle is charged once")
	overlap := wFull - wNone
	assert.Equal(t, 2*res.coreBoth, overlap, "shared cycles are owed once to each sibling")
	assert.Equal(t, wFull-res.coreBoth, wHalf, "at 1/2 both siblings together are charged the joint core advance")

	// At 11/20 the two siblings' weighted overlap is 2*11/20 = 1.1 times the joint core
	// advance, and never more.
	weightedOverlap := wDefault - wNone
	// Each charge rounds its weighted overlap down by less than one cycle.
	assert.InDelta(t, float64(2*res.coreBoth*11/20), float64(weightedOverlap), 2*ticks)
	assert.LessOrEqual(t, weightedOverlap*10, res.coreBoth*11)

	// Every nanosecond of both CPUs is credited exactly once.
	timeNS := sumSlot(full.dump(), func(a ProcessAccount) uint64 { return a.TimeNS[0] })
	assert.Equal(t, 2*(res.end-t0), timeNS)
}

func TestPairScheduleIsDeterministic(t *testing.T) {
	a := newHarness(t, DefaultHappyFactor)
	runPairSchedule(t, a, 200)
	b := newHarness(t, DefaultHappyFactor)
	runPairSchedule(t, b, 200)

	assert.Equal(t, a.dump(), b.dump())
	assert.Equal(t, a.topo.Snapshot(), b.topo.Snapshot())
}

func TestConcurrentSiblings(t *testing.T) {
	h := newHarness(t, DefaultHappyFactor)
	var clock, cycles atomic.Uint64
	clock.Store(t0)

	h.h.counters = counters.ReaderFunc(func(uint32) (counters.Sample, error) {
		c := cycles.Add(10)
		return counters.Sample{Thread: c, Core: c}, nil
	})

	const events = 2000
	var wg sync.WaitGroup
	for cpu := range uint32(2) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pids := []int32{int32(100 + cpu*100), 0, int32(101 + cpu*100)}
			prev := int32(0)
			for i := range events {
				next := pids[i%len(pids)]
				if next == prev {
					continue
				}
				ts := clock.Add(1_000)
				if err := h.switchOn(cpu, ts, prev, next); err != nil && !errors.Is(err, ErrCounterOverflow) {
					t.Errorf("cpu %d: %v", cpu, err)
					return
				}
				prev = next
			}
		}()
	}
	wg.Wait()

	end := clock.Load()
	timeNS := sumSlot(h.dump(), func(a ProcessAccount) uint64 { return a.TimeNS[0] })
	assert.NotZero(t, timeNS)
	assert.LessOrEqual(t, timeNS, 2*(end-t0), "no interval is credited twice")
}
