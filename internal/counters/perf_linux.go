//go:build linux

package counters

import (
	"errors"
	"fmt"
	"slices"

	"github.com/elastic/go-perf"
)

// GroupMembers is the number of events Join adds to a group: the thread counter
// followed by the core counter.
const GroupMembers = 2

// PerfGroups owns the thread and core cycle counters of every CPU. Each pair is opened
// inside the event group of a leader event on the same CPU, so the kernel reads both
// whenever a group member is sampled.
type PerfGroups struct {
	threadAttr *perf.Attr
	coreAttr   *perf.Attr

	// Filled by Join before any Read.
	thread []*perf.Event
	core   []*perf.Event
}

func threadAttr(cfg Config) (*perf.Attr, error) {
	attr := new(perf.Attr)
	if cfg.ThreadRawConfig != 0 {
		attr.Type = perf.RawEvent
		attr.Config = cfg.ThreadRawConfig
	} else if err := perf.CPUCycles.Configure(attr); err != nil {
		return nil, fmt.Errorf("failed to configure cpu-cycles event: %w", err)
	}
	attr.Label = "thread_cycles"
	return attr, nil
}

func coreAttr(cfg Config) *perf.Attr {
	attr := new(perf.Attr)
	attr.Type = perf.RawEvent
	attr.Config = cfg.CoreRawConfig
	if attr.Config == 0 {
		attr.Config = DefaultCoreRawConfig
	}
	attr.Label = "core_cycles"
	return attr
}

// NewPerfGroups prepares counters for cpus. Nothing is opened until Join.
func NewPerfGroups(cfg Config, cpus []uint32) (*PerfGroups, error) {
	if len(cpus) == 0 {
		return nil, errors.New("no CPUs to open counters on")
	}
	tattr, err := threadAttr(cfg)
	if err != nil {
		return nil, err
	}
	size := int(slices.Max(cpus)) + 1
	return &PerfGroups{
		threadAttr: tattr,
		coreAttr:   coreAttr(cfg),
		thread:     make([]*perf.Event, size),
		core:       make([]*perf.Event, size),
	}, nil
}

// Join opens the counters of cpu as members of leader's group, thread counter first.
// They count while the leader is enabled.
func (g *PerfGroups) Join(cpu uint32, leader *perf.Event) error {
	if int(cpu) >= len(g.thread) {
		return fmt.Errorf("cpu %d: %w", cpu, ErrUnavailable)
	}
	if g.thread[cpu] != nil {
		return fmt.Errorf("counters of CPU %d already joined a group", cpu)
	}
	thread, err := perf.Open(g.threadAttr, perf.AllThreads, int(cpu), leader)
	if err != nil {
		return fmt.Errorf("failed to open thread counter on CPU %d: %w", cpu, err)
	}
	core, err := perf.Open(g.coreAttr, perf.AllThreads, int(cpu), leader)
	if err != nil {
		thread.Close()
		return fmt.Errorf("failed to open core counter on CPU %d: %w", cpu, err)
	}
	g.thread[cpu], g.core[cpu] = thread, core
	return nil
}

// Read returns the counters of cpu as of now. Events sampled by the kernel already
// carry their values; this serves the ones that do not.
func (g *PerfGroups) Read(cpu uint32) (Sample, error) {
	if int(cpu) >= len(g.thread) || g.thread[cpu] == nil || g.core[cpu] == nil {
		return Sample{}, fmt.Errorf("cpu %d: %w", cpu, ErrUnavailable)
	}
	thread, err := g.thread[cpu].ReadCount()
	if err != nil {
		return Sample{}, fmt.Errorf("cpu %d thread counter: %w: %w", cpu, ErrUnavailable, err)
	}
	core, err := g.core[cpu].ReadCount()
	if err != nil {
		return Sample{}, fmt.Errorf("cpu %d core counter: %w: %w", cpu, ErrUnavailable, err)
	}
	return Sample{Thread: thread.Value, Core: core.Value}, nil
}

// Close closes every joined counter. The group leaders belong to the caller.
func (g *PerfGroups) Close() error {
	var errs []error
	for _, set := range [][]*perf.Event{g.thread, g.core} {
		for i, ev := range set {
			if ev == nil {
				continue
			}
			if err := ev.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close CPU %d: %w", i, err))
			}
			set[i] = nil
		}
	}
	return errors.Join(errs...)
}
