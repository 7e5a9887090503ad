// Package fence provides primitives to wait for groups of asynchronous
// operations.
package fence

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
)

var (
	// ErrNotAcquired is returned when fence is released more times than
	// it was acquired.
	ErrNotAcquired = errors.New("fence not acquired")
	// ErrTooManyAcquires is returned when fence counter overflows.
	ErrTooManyAcquires = errors.New("too many fence acquires")
)

// Fence is a counter that can be waited for to reach zero. Acquire it
// before starting an asynchronous operation and release it when the
// operation is done. The zero value is ready to use.
type Fence struct {
	counter atomic.Uint32

	mu   sync.Mutex
	zero chan struct{}
}

// Acquire increments the counter.
func (f *Fence) Acquire() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.counter.Load()
	if c == math.MaxUint32 {
		return ErrTooManyAcquires
	}
	f.counter.Store(c + 1)
	return nil
}

// Release decrements the counter and wakes up waiters when it reaches
// zero.
func (f *Fence) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.counter.Load()
	if c == 0 {
		return ErrNotAcquired
	}
	f.counter.Store(c - 1)
	if c == 1 && f.zero != nil {
		close(f.zero)
		f.zero = nil
	}
	return nil
}

// Wait blocks until counter is zero or ctx is done.
func (f *Fence) Wait(ctx context.Context) error {
	f.mu.Lock()
	if f.counter.Load() == 0 {
		f.mu.Unlock()
		return nil
	}
	if f.zero == nil {
		f.zero = make(chan struct{})
	}
	zero := f.zero
	f.mu.Unlock()

	select {
	case <-zero:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Count returns current counter value.
func (f *Fence) Count() uint32 {
	return f.counter.Load()
}
