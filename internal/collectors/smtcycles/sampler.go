// Package smtcycles is the reader side of SMT cycle accounting: it closes sampling
// windows and exports the finished one to Prometheus.
package smtcycles

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"

	"smt_exporter/internal/accounting"
	"smt_exporter/internal/logger"
	"smt_exporter/internal/window"
)

// Sample is one finished window. Samples are immutable once published.
type Sample struct {
	Taken    time.Time
	Rotation window.Rotation
	accounting.Snapshot
}

// Sampler flips the window selector on a fixed interval and publishes the window that
// just finished.
type Sampler struct {
	win      *window.Controller
	store    *accounting.Store
	interval time.Duration
	now      func() time.Time

	last atomic.Pointer[Sample]
	log  log.Logger
}

// NewSampler returns a sampler closing a window every interval.
func NewSampler(win *window.Controller, store *accounting.Store, interval time.Duration) *Sampler {
	return &Sampler{
		win:      win,
		store:    store,
		interval: interval,
		now:      time.Now,
		log:      logger.NewLoggerWithContext("smt_sampler"),
	}
}

// Tick closes the current window, reads it and publishes it.
func (s *Sampler) Tick() (*Sample, error) {
	rot, err := s.win.Rotate()
	if err != nil {
		return nil, err
	}
	sample := &Sample{
		Taken:    s.now(),
		Rotation: rot,
		Snapshot: s.store.Snapshot(rot.ReadSelector, rot.Step),
	}
	s.last.Store(sample)
	return sample, nil
}

// Last returns the most recently published sample, or nil before the first Tick.
func (s *Sampler) Last() *Sample {
	return s.last.Load()
}

// Run ticks until ctx is done.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Msg("Sampler started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Sampler stopped")
			return
		case <-ticker.C:
			sample, err := s.Tick()
			if err != nil {
				s.log.Error().Err(err).Msg("Failed to rotate sampling window")
				continue
			}
			s.log.Debug().
				Uint32("selector", sample.Rotation.ReadSelector).
				Uint64("switch_count", sample.Rotation.SwitchCount).
				Int("processes", len(sample.Processes)).
				Uint64("weighted_cycles", sample.TotalWeightedCycles).
				Msg("Window closed")
		}
	}
}
