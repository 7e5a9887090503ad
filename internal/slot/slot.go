// Package slot implements a fixed capacity allocator of indices. Every
// allocated index is paired with a reference count, so a stale holder of an
// index cannot free it once it was reused.
package slot

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"runtime"
	"sync/atomic"
)

const groupSize = 32

// MaxCapacity is the biggest number of slots an allocator can hold.
const MaxCapacity = math.MaxUint32 - 1

var (
	// ErrOutOfSlots is returned when all slots are allocated.
	ErrOutOfSlots = errors.New("out of slots")
	// ErrInvalidCapacity is returned when allocator capacity is out of range.
	ErrInvalidCapacity = errors.New("invalid capacity")
)

// Ref is a slot index packed together with its reference count:
// refcount in high 32 bits and slot in low 32 bits.
type Ref uint64

// None is a reference that points to no slot.
const None = Ref(math.MaxUint64)

// NewRef packs slot and refcount.
func NewRef(slot, refcount uint32) Ref {
	return Ref(uint64(refcount)<<32 | uint64(slot))
}

// Slot returns slot index.
func (r Ref) Slot() uint32 {
	return uint32(r)
}

// Refcount returns reference count of the slot at the time of allocation.
func (r Ref) Refcount() uint32 {
	return uint32(r >> 32)
}

// IsNone reports whether the reference points to no slot.
func (r Ref) IsNone() bool {
	return r.Slot() == math.MaxUint32
}

func (r Ref) String() string {
	if r.IsNone() {
		return "none"
	}
	return fmt.Sprintf("%d:%d", r.Slot(), r.Refcount())
}

// Allocator hands out slot indices. It's safe for concurrent use.
type Allocator struct {
	groups   []atomic.Uint32
	refs     []atomic.Uint32
	capacity uint32
	count    atomic.Uint32
}

// New returns allocator with provided capacity.
func New(capacity uint32) (*Allocator, error) {
	if capacity == 0 || capacity > MaxCapacity {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	numGroups := (capacity + groupSize - 1) / groupSize
	a := Allocator{
		groups:   make([]atomic.Uint32, numGroups),
		refs:     make([]atomic.Uint32, capacity),
		capacity: capacity,
	}
	// bits beyond capacity are never handed out
	if tail := capacity % groupSize; tail != 0 {
		a.groups[numGroups-1].Store(^uint32(0) << tail)
	}
	return &a, nil
}

// Capacity returns total number of slots.
func (a *Allocator) Capacity() uint32 {
	return a.capacity
}

// Count returns number of allocated slots.
func (a *Allocator) Count() uint32 {
	return a.count.Load()
}

// Alloc returns a reference to a free slot.
func (a *Allocator) Alloc() (Ref, error) {
	for attempt := 0; attempt < 2; attempt++ {
		for i := range a.groups {
			group := &a.groups[i]
			for {
				old := group.Load()
				if old == math.MaxUint32 {
					break
				}
				bit := uint32(bits.TrailingZeros32(^old))
				if !group.CompareAndSwap(old, old|1<<bit) {
					continue
				}
				slot := uint32(i)*groupSize + bit
				a.count.Add(1)
				return NewRef(slot, a.refs[slot].Load()), nil
			}
		}
		// a slot might have been freed behind the scan position
		if a.count.Load() >= a.capacity {
			break
		}
		runtime.Gosched()
	}
	return None, ErrOutOfSlots
}

// Free returns the slot to the allocator. It's a no-op if the slot was
// already freed with this reference and returns false in that case.
func (a *Allocator) Free(r Ref) bool {
	slot := r.Slot()
	if slot >= a.capacity {
		return false
	}
	group := &a.groups[slot/groupSize]
	mask := uint32(1) << (slot % groupSize)
	if group.Load()&mask == 0 {
		return false
	}
	refcount := r.Refcount()
	if !a.refs[slot].CompareAndSwap(refcount, refcount+1) {
		return false
	}
	for {
		old := group.Load()
		if group.CompareAndSwap(old, old&^mask) {
			break
		}
	}
	a.count.Add(^uint32(0))
	return true
}
