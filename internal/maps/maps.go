package maps

import "fmt"

// Backend names accepted by NewConcurrentMap.
const (
	BackendXSync   = "xsync"
	BackendSharded = "sharded"
)

// DefaultBackend is used when no backend is configured.
const DefaultBackend = BackendXSync

// Integer is a constraint that permits any integer type.
// All integer types are comparable.
type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// ConcurrentMap defines a generic, thread-safe map interface for integer keys.
// Update must be atomic with respect to every other operation on the same key:
// the accounting tables rely on it for the cross-CPU sibling writes.
type ConcurrentMap[K Integer, V any] interface {
	Load(key K) (V, bool)
	Store(key K, value V)
	Delete(key K)
	LoadAndDelete(key K) (V, bool)
	LoadOrStore(key K, valueFactory func() V) (V, bool)
	Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool))
	Range(f func(key K, value V) bool)
	Len() int
}

// NewConcurrentMap returns the concurrent map implementation selected by backend.
// Only backends with an atomic Update are accepted.
func NewConcurrentMap[K Integer, V any](backend string) (ConcurrentMap[K, V], error) {
	switch backend {
	case BackendXSync, "":
		return NewXSyncMap[K, V](), nil
	case BackendSharded:
		return NewShardedMap[K, V](), nil
	default:
		return nil, fmt.Errorf("unknown map backend %q", backend)
	}
}

// MustNewConcurrentMap is like NewConcurrentMap but panics on an unknown backend.
func MustNewConcurrentMap[K Integer, V any](backend string) ConcurrentMap[K, V] {
	m, err := NewConcurrentMap[K, V](backend)
	if err != nil {
		panic(err)
	}
	return m
}

// ValidBackend reports whether backend can be passed to NewConcurrentMap.
func ValidBackend(backend string) bool {
	switch backend {
	case BackendXSync, BackendSharded, "":
		return true
	}
	return false
}
