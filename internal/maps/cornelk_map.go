package maps

import (
	"sync/atomic"

	"github.com/cornelk/hashmap"
)

// CounterMap is a lock-free map of monotonically increasing counters keyed by an integer,
// backed by cornelk/hashmap. Counters are created on first use and never removed, which
// is the access pattern cornelk/hashmap is fast at: GetOrInsert on a hot path and rare
// full iterations on scrape.
type CounterMap[K Integer] struct {
	m *hashmap.Map[K, *atomic.Uint64]
}

// NewCounterMap creates an empty CounterMap.
func NewCounterMap[K Integer]() *CounterMap[K] {
	return &CounterMap[K]{m: hashmap.New[K, *atomic.Uint64]()}
}

// Add increments the counter for key by delta and returns the new value.
func (c *CounterMap[K]) Add(key K, delta uint64) uint64 {
	counter, ok := c.m.Get(key)
	if !ok {
		counter, _ = c.m.GetOrInsert(key, new(atomic.Uint64))
	}
	return counter.Add(delta)
}

// Get returns the current value of the counter for key.
func (c *CounterMap[K]) Get(key K) uint64 {
	if counter, ok := c.m.Get(key); ok {
		return counter.Load()
	}
	return 0
}

// Range calls f for every counter until f returns false.
func (c *CounterMap[K]) Range(f func(key K, value uint64) bool) {
	c.m.Range(func(key K, counter *atomic.Uint64) bool {
		return f(key, counter.Load())
	})
}

// Len returns the number of counters.
func (c *CounterMap[K]) Len() int {
	return c.m.Len()
}
