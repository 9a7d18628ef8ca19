// Package window implements the double-buffered sampling window: the selector that picks
// which accumulator slot handlers write, the previous selector and switch counter that let
// a reader observe a rotation, and the window length (step).
package window

import (
	"errors"
	"fmt"
	"sync"

	"smt_exporter/internal/maps"
)

// Keys of the configuration table.
const (
	SelectorKey         uint32 = 0
	PreviousSelectorKey uint32 = 1
	StepKey             uint32 = 2
	SwitchCountKey      uint32 = 3
)

// Bounds of the window length, in nanoseconds.
const (
	StepMin uint64 = 1_000_000_000
	StepMax uint64 = 4_000_000_000
)

// SelectorDim is the number of accumulator buffers selected by the selector bit.
const SelectorDim = 2

var (
	ErrSelectorInvalid         = errors.New("selector missing or out of range")
	ErrPreviousSelectorInvalid = errors.New("previous selector missing or out of range")
	ErrStepInvalid             = errors.New("step missing or out of range")
)

// Conf is the externally mutable configuration channel, an integer-keyed table of
// uint64 values. The accounting core only reads selector and step from it; it never
// initializes them.
type Conf struct {
	m maps.ConcurrentMap[uint32, uint64]
}

// NewConf creates an empty configuration table.
func NewConf(backend string) (*Conf, error) {
	m, err := maps.NewConcurrentMap[uint32, uint64](backend)
	if err != nil {
		return nil, err
	}
	return &Conf{m: m}, nil
}

func (c *Conf) Get(key uint32) (uint64, bool) { return c.m.Load(key) }

func (c *Conf) Set(key uint32, value uint64) { c.m.Store(key, value) }

func (c *Conf) Delete(key uint32) { c.m.Delete(key) }

// Seed installs an initial window: selector 0, previous selector 0, the given step and
// a zero switch count.
func (c *Conf) Seed(step uint64) error {
	if !ValidStep(step) {
		return fmt.Errorf("step %d: %w", step, ErrStepInvalid)
	}
	c.Set(SelectorKey, 0)
	c.Set(PreviousSelectorKey, 0)
	c.Set(StepKey, step)
	c.Set(SwitchCountKey, 0)
	return nil
}

// ValidStep reports whether step lies within [StepMin, StepMax].
func ValidStep(step uint64) bool {
	return step >= StepMin && step <= StepMax
}

// State is the window configuration observed at the start of one switch event.
type State struct {
	Selector    uint32
	Step        uint64
	SwitchCount uint64
}

// Rotation describes the window a reader just closed.
type Rotation struct {
	// ReadSelector is the selector of the finished buffer.
	ReadSelector uint32
	// ActiveSelector is the selector handlers write from now on.
	ActiveSelector uint32
	// Step is the window length that was in force while the finished buffer filled.
	Step uint64
	// SwitchCount is the number of switch events seen since the previous rotation.
	SwitchCount uint64
}

// Controller is the sampling window controller. Begin runs on the handler side for
// every event; Rotate and SetStep run on the reader side.
type Controller struct {
	conf *Conf

	// mu serializes the reader side.
	mu          sync.Mutex
	pendingStep uint64

	// countMu makes the previous-selector check and the switch count update one step
	// across CPUs, so a reset to 1 never overwrites increments made after it.
	countMu sync.Mutex
}

// NewController returns a controller over conf.
func NewController(conf *Conf) *Controller {
	return &Controller{conf: conf}
}

// Conf returns the configuration table the controller reads.
func (c *Controller) Conf() *Conf { return c.conf }

// Begin validates the window configuration and, only if it is valid, records the
// selector as the previous selector and advances the switch counter: reset to 1 when
// the selector changed since the last event, incremented otherwise.
func (c *Controller) Begin() (State, error) {
	selector, ok := c.conf.Get(SelectorKey)
	if !ok || selector >= SelectorDim {
		return State{}, ErrSelectorInvalid
	}

	c.countMu.Lock()
	defer c.countMu.Unlock()

	previous, ok := c.conf.Get(PreviousSelectorKey)
	if !ok || previous >= SelectorDim {
		return State{}, ErrPreviousSelectorInvalid
	}
	step, ok := c.conf.Get(StepKey)
	if !ok || !ValidStep(step) {
		return State{}, ErrStepInvalid
	}

	var count uint64
	if previous != selector {
		c.conf.Set(PreviousSelectorKey, selector)
		c.conf.m.Update(SwitchCountKey, func(uint64, bool) (uint64, bool) {
			count = 1
			return count, true
		})
	} else {
		c.conf.m.Update(SwitchCountKey, func(v uint64, _ bool) (uint64, bool) {
			count = v + 1
			return count, true
		})
	}

	return State{Selector: uint32(selector), Step: step, SwitchCount: count}, nil
}

// Rotate flips the selector and returns the finished window. A step shrink requested
// through SetStep takes effect here, after the finished window's step was captured.
func (c *Controller) Rotate() (Rotation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	selector, ok := c.conf.Get(SelectorKey)
	if !ok || selector >= SelectorDim {
		return Rotation{}, ErrSelectorInvalid
	}
	step, ok := c.conf.Get(StepKey)
	if !ok || !ValidStep(step) {
		return Rotation{}, ErrStepInvalid
	}
	count, _ := c.conf.Get(SwitchCountKey)

	active := 1 - selector
	c.conf.Set(SelectorKey, active)
	if c.pendingStep != 0 {
		c.conf.Set(StepKey, c.pendingStep)
		c.pendingStep = 0
	}

	return Rotation{
		ReadSelector:   uint32(selector),
		ActiveSelector: uint32(active),
		Step:           step,
		SwitchCount:    count,
	}, nil
}

// SetStep changes the window length. Growing applies immediately since it only discards
// data. Shrinking is deferred to the next Rotate so a window in flight is never judged
// against a smaller step than the one it was started under.
func (c *Controller) SetStep(step uint64) error {
	if !ValidStep(step) {
		return fmt.Errorf("step %d: %w", step, ErrStepInvalid)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.conf.Get(StepKey)
	if !ok || step >= current {
		c.conf.Set(StepKey, step)
		c.pendingStep = 0
		return nil
	}
	c.pendingStep = step
	return nil
}

// PendingStep returns a deferred step shrink, or 0 if none is pending.
func (c *Controller) PendingStep() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingStep
}
