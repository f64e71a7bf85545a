// Package registry provides a lock-free registry of live subscriptions,
// used by a Ctx to enumerate outstanding subscriptions during shutdown
// without contending with the async-publish tracker's mutex.
package registry

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// Registry is a concurrent-safe collection of values keyed by an
// auto-incrementing handle. It never blocks a writer on a reader and is
// safe for concurrent Add/Remove/Range from any goroutine.
type Registry[T any] struct {
	items *xsync.Map[uint64, T]
	next  atomic.Uint64
}

// New creates an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{items: xsync.NewMap[uint64, T]()}
}

// Add stores value and returns a handle that can later be passed to Remove.
func (r *Registry[T]) Add(value T) uint64 {
	handle := r.next.Add(1)
	r.items.Store(handle, value)

	return handle
}

// Remove deletes the entry for handle, if present.
func (r *Registry[T]) Remove(handle uint64) {
	r.items.Delete(handle)
}

// Range calls fn for every entry currently in the registry. Iteration order
// is unspecified. fn returning false stops iteration early.
func (r *Registry[T]) Range(fn func(handle uint64, value T) bool) {
	r.items.Range(fn)
}

// Len returns the current number of entries.
func (r *Registry[T]) Len() int {
	return r.items.Size()
}
