// Package pool provides fixed capacity object pools addressed by slot
// references.
package pool

import (
	"github.com/dudk/phonograph/internal/slot"
)

// Pool is a preallocated array of items. Items are addressed by slot
// references, so they can be linked into lock-free lists.
type Pool[T any] struct {
	slots *slot.Allocator
	items []T
}

// New returns a pool of capacity items.
func New[T any](capacity uint32) (*Pool[T], error) {
	slots, err := slot.New(capacity)
	if err != nil {
		return nil, err
	}
	return &Pool[T]{
		slots: slots,
		items: make([]T, capacity),
	}, nil
}

// Get allocates an item. The item keeps whatever state it had when it was
// put back.
func (p *Pool[T]) Get() (slot.Ref, *T, error) {
	ref, err := p.slots.Alloc()
	if err != nil {
		return slot.None, nil, err
	}
	return ref, &p.items[ref.Slot()], nil
}

// At returns item for the reference. Reference must point to a slot of
// this pool.
func (p *Pool[T]) At(ref slot.Ref) *T {
	return &p.items[ref.Slot()]
}

// Put returns the item to the pool. Stale references are ignored.
func (p *Pool[T]) Put(ref slot.Ref) bool {
	return p.slots.Free(ref)
}

// Len returns number of allocated items.
func (p *Pool[T]) Len() int {
	return int(p.slots.Count())
}

// Capacity returns total number of items.
func (p *Pool[T]) Capacity() int {
	return int(p.slots.Capacity())
}
