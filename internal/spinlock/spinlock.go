// Package spinlock provides a lock for critical sections that are held for
// a handful of instructions.
package spinlock

import (
	"runtime"
	"sync/atomic"
)

// spins is number of busy iterations before yielding the processor.
const spins = 64

// Lock is a spinning mutual exclusion lock. The zero value is unlocked.
// Lock must not be copied after first use.
type Lock struct {
	state atomic.Uint32
}

// Lock acquires the lock, spinning until it's available.
func (l *Lock) Lock() {
	for i := 0; ; i++ {
		if l.state.Load() == 0 && l.state.CompareAndSwap(0, 1) {
			return
		}
		if i >= spins {
			runtime.Gosched()
			i = 0
		}
	}
}

// TryLock acquires the lock if it's free and reports whether it succeeded.
func (l *Lock) TryLock() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Unlock releases the lock.
func (l *Lock) Unlock() {
	l.state.Store(0)
}
