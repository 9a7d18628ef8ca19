//go:build linux

package tracer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/elastic/go-perf"
	plog "github.com/phuslu/log"

	"smt_exporter/internal/logger"
)

// CounterGroup adds the cycle counters of a CPU to the event group led by that CPU's
// sched_switch event. *counters.PerfGroups implements it.
type CounterGroup interface {
	Join(cpu uint32, leader *perf.Event) error
}

// SourceConfig configures a Source.
type SourceConfig struct {
	CPUs []uint32
	// RingPages is the number of data pages of each ring, a power of two.
	RingPages int
	// Counters, if set, are read by the kernel into every record. Nil leaves records
	// without counter values.
	Counters CounterGroup
}

// ring is the sched_switch group leader of one CPU. The CPU's sched_process_exit event
// writes into the same ring.
type ring struct {
	cpu    uint32
	leader *perf.Event
}

// Source reads scheduler tracepoints through one perf ring per CPU and hands every
// record, in ring order, to a Dispatcher.
type Source struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	cfg        SourceConfig
	dispatcher *Dispatcher
	rings      []ring
	events     []*perf.Event
	log        plog.Logger

	running bool
}

// NewSource prepares a Source feeding dispatcher.
func NewSource(cfg SourceConfig, dispatcher *Dispatcher) (*Source, error) {
	if len(cfg.CPUs) == 0 {
		return nil, errors.New("no CPUs to trace")
	}
	return &Source{
		cfg:        cfg,
		dispatcher: dispatcher,
		log:        logger.NewLoggerWithContext("tracer"),
	}, nil
}

func tracepointAttr(event string, withCounters bool) (*perf.Attr, error) {
	attr := new(perf.Attr)
	if err := perf.Tracepoint("sched", event).Configure(attr); err != nil {
		return nil, fmt.Errorf("failed to configure sched:%s tracepoint: %w", event, err)
	}
	attr.Label = "sched:" + event
	attr.SetSamplePeriod(1)
	attr.SetWakeupEvents(1)
	// Rings are bound to one CPU, so the sample's CPU field is not needed. StreamID
	// lets the leader decode the exit records routed into its ring.
	attr.SampleFormat = perf.SampleFormat{
		Tid:      true,
		Time:     true,
		StreamID: true,
		Count:    withCounters,
		Raw:      true,
	}
	if withCounters {
		attr.CountFormat = perf.CountFormat{Group: true}
	}
	return attr, nil
}

// Start opens, on every CPU, a sched_switch event leading a group with the CPU's
// sched_process_exit event and cycle counters, maps the leader's ring and starts one
// reader goroutine per ring.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("tracer already running")
	}
	withCounters := s.cfg.Counters != nil
	s.log.Info().
		Int("cpus", len(s.cfg.CPUs)).
		Int("ring_pages", s.cfg.RingPages).
		Bool("sampled_counters", withCounters).
		Msg("Starting scheduler tracer...")

	switchAttr, err := tracepointAttr("sched_switch", withCounters)
	if err != nil {
		return err
	}
	exitAttr, err := tracepointAttr("sched_process_exit", withCounters)
	if err != nil {
		return err
	}
	// The whole group is switched on by its leader.
	switchAttr.Options.Disabled = true
	s.dispatcher.Bind(uint16(switchAttr.Config), KindSwitch)
	s.dispatcher.Bind(uint16(exitAttr.Config), KindExit)

	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, cpu := range s.cfg.CPUs {
		if err := s.openRing(cpu, switchAttr, exitAttr); err != nil {
			s.closeEvents()
			return err
		}
	}

	for _, r := range s.rings {
		if err := r.leader.Enable(); err != nil {
			s.closeEvents()
			return fmt.Errorf("failed to enable tracepoints on CPU %d: %w", r.cpu, err)
		}
	}

	for _, r := range s.rings {
		s.wg.Add(1)
		go s.readRing(r)
	}

	s.running = true
	s.log.Info().Msg("Scheduler tracer started")
	return nil
}

func (s *Source) openRing(cpu uint32, switchAttr, exitAttr *perf.Attr) error {
	leader, err := perf.Open(switchAttr, perf.AllThreads, int(cpu), nil)
	if err != nil {
		return fmt.Errorf("failed to open sched_switch on CPU %d: %w", cpu, err)
	}
	s.events = append(s.events, leader)
	if err := leader.MapRingNumPages(s.cfg.RingPages); err != nil {
		return fmt.Errorf("failed to map ring on CPU %d: %w", cpu, err)
	}

	exit, err := perf.Open(exitAttr, perf.AllThreads, int(cpu), leader)
	if err != nil {
		return fmt.Errorf("failed to open sched_process_exit on CPU %d: %w", cpu, err)
	}
	s.events = append(s.events, exit)
	if err := exit.SetOutput(leader); err != nil {
		return fmt.Errorf("failed to redirect sched_process_exit on CPU %d: %w", cpu, err)
	}

	if s.cfg.Counters != nil {
		if err := s.cfg.Counters.Join(cpu, leader); err != nil {
			return err
		}
	}
	s.rings = append(s.rings, ring{cpu: cpu, leader: leader})
	return nil
}

func (s *Source) readRing(r ring) {
	defer s.wg.Done()
	for {
		rec, err := r.leader.ReadRecord(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.dispatcher.log.Error("read/"+KindSwitch.String()).
				Err(err).
				Uint32("cpu", r.cpu).
				Msg("Failed to read perf record")
			continue
		}
		s.handle(r.cpu, rec)
	}
}

// handle passes one ring record on to the dispatcher.
func (s *Source) handle(cpu uint32, rec perf.Record) {
	switch r := rec.(type) {
	case *perf.SampleGroupRecord:
		values := make([]uint64, 0, groupSize)
		for _, v := range r.Count.Values {
			values = append(values, v.Value)
		}
		out := Record{Raw: r.Raw, CPU: cpu, Time: r.Time}
		out.Counters, out.Sampled = groupSample(values)
		s.dispatcher.Dispatch(out)
	case *perf.SampleRecord:
		s.dispatcher.Dispatch(Record{Raw: r.Raw, CPU: cpu, Time: r.Time})
	case *perf.LostRecord:
		s.dispatcher.Lost(cpu, r.Lost)
	}
}

// Stop cancels the readers, waits for them and releases every event.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.log.Info().Msg("Stopping scheduler tracer...")
	s.cancel()
	s.wg.Wait()
	err := s.closeEvents()
	s.running = false
	s.log.Info().Msg("Scheduler tracer stopped")
	return err
}

// Wait blocks until every reader goroutine has exited.
func (s *Source) Wait() {
	s.wg.Wait()
}

// IsRunning reports whether the tracer is started.
func (s *Source) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Source) closeEvents() error {
	var errs []error
	for _, r := range s.rings {
		if err := r.leader.Disable(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, ev := range s.events {
		if err := ev.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.rings, s.events = nil, nil
	if s.cancel != nil && !s.running {
		s.cancel()
	}
	return errors.Join(errs...)
}
