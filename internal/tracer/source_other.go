//go:build !linux

package tracer

import (
	"context"
	"errors"
)

// CounterGroup is only used on Linux.
type CounterGroup interface{}

// SourceConfig configures a Source.
type SourceConfig struct {
	CPUs      []uint32
	RingPages int
	Counters  CounterGroup
}

// Source is only available on Linux.
type Source struct{}

// NewSource always fails outside Linux.
func NewSource(SourceConfig, *Dispatcher) (*Source, error) {
	return nil, errors.New("scheduler tracepoints are only supported on linux")
}

func (s *Source) Start(context.Context) error { return errors.New("tracer not supported") }

func (s *Source) Stop() error { return nil }

func (s *Source) Wait() {}

func (s *Source) IsRunning() bool { return false }
