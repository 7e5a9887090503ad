package graph

import (
	"math"
	"runtime"
	"sync/atomic"

	"github.com/dudk/phonograph/internal/spinlock"
	"github.com/dudk/phonograph/signal"
)

// InputBus mixes all output buses attached to it. Attached outputs form a
// list that is only iterated forward by the reader.
type InputBus struct {
	node     *Node
	channels int

	lock spinlock.Lock
	head atomic.Pointer[OutputBus]
}

// Channels returns number of channels of the bus.
func (b *InputBus) Channels() int {
	return b.channels
}

// Attached returns number of output buses attached to the bus.
func (b *InputBus) Attached() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	var count int
	for ob := b.head.Load(); ob != nil; ob = ob.next.Load() {
		count++
	}
	return count
}

// mix adds frames of all attached outputs to dst and returns max number of
// frames produced by them.
func (b *InputBus) mix(dst []float32, frames int, pass, time uint64) int {
	var produced int
	ob := b.head.Load()
	for ob != nil {
		ob.readers.Add(1)
		attached := ob.attached.Load()
		if attached != nil && attached != b {
			// moved to another bus, its next link leads there
			ob.readers.Add(-1)
			break
		}
		// detached outputs are skipped, their next link is kept
		if attached == b && ob.mixed != pass {
			ob.mixed = pass
			buf, n := ob.node.pull(ob.index, frames, pass, time)
			if n > 0 && ob.node.flags&SilentOutput == 0 {
				signal.Mix(dst[:n*b.channels], buf[:n*b.channels], ob.Volume())
				produced = max(produced, n)
			}
		}
		next := ob.next.Load()
		ob.readers.Add(-1)
		ob = next
	}
	return produced
}

// OutputBus is an output of the node that can be attached to a single
// input bus.
type OutputBus struct {
	node     *Node
	index    int
	channels int
	volume   atomic.Uint32

	lock     spinlock.Lock
	attached atomic.Pointer[InputBus]
	next     atomic.Pointer[OutputBus]
	// prev is guarded by the lock of the attached input bus
	prev    *OutputBus
	readers atomic.Int32
	// mixed is the last pass the bus was mixed in, used by the reader
	mixed uint64
}

// Channels returns number of channels of the bus.
func (b *OutputBus) Channels() int {
	return b.channels
}

// Volume returns the volume the bus is mixed with.
func (b *OutputBus) Volume() float32 {
	return math.Float32frombits(b.volume.Load())
}

// SetVolume sets the volume the bus is mixed with.
func (b *OutputBus) SetVolume(volume float32) {
	b.volume.Store(math.Float32bits(volume))
}

// IsAttached reports whether the bus is attached to an input bus.
func (b *OutputBus) IsAttached() bool {
	return b.attached.Load() != nil
}

// attach moves the bus to the input bus. The bus lock is held from
// unlinking until the bus is published at the head of the new list, so
// concurrent attaches of the same bus are serialized.
func (b *OutputBus) attach(ib *InputBus) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.unlink() {
		b.waitReaders()
	}
	ib.lock.Lock()
	head := ib.head.Load()
	b.prev = nil
	b.next.Store(head)
	if head != nil {
		head.prev = b
	}
	b.attached.Store(ib)
	ib.head.Store(b)
	ib.lock.Unlock()
}

// detach unlinks the bus and waits until nobody reads it. It reports
// whether the bus was attached.
func (b *OutputBus) detach() bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	if !b.unlink() {
		return false
	}
	b.waitReaders()
	return true
}

// unlink removes the bus from the list of its input bus. Next link is
// kept for the readers that are inside the bus. Caller holds the bus
// lock.
func (b *OutputBus) unlink() bool {
	ib := b.attached.Load()
	if ib == nil {
		return false
	}
	ib.lock.Lock()
	next := b.next.Load()
	if b.prev == nil {
		ib.head.Store(next)
	} else {
		b.prev.next.Store(next)
	}
	if next != nil {
		next.prev = b.prev
	}
	b.prev = nil
	b.attached.Store(nil)
	ib.lock.Unlock()
	return true
}

// waitReaders spins until the audio thread leaves the bus. Readers never
// take locks, so they can't be blocked by the caller.
func (b *OutputBus) waitReaders() {
	for b.readers.Load() > 0 {
		runtime.Gosched()
	}
}
