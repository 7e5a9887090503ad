package job

import (
	"runtime"
	"sync/atomic"
)

// maxRetired is the number of orders that can wait for retirement at the
// same time.
const maxRetired = 16

// Sequencer orders execution of jobs that belong to one owner. Next hands
// out order values, Ready reports if the order is allowed to execute and
// Advance moves execution to the next order.
//
// An order whose job could not be posted must be retired, otherwise jobs
// with greater orders never become ready.
type Sequencer struct {
	next    atomic.Uint32
	current atomic.Uint32
	// retired orders plus one, zero marks a free entry
	retired [maxRetired]atomic.Uint64
}

// Next allocates an order value for a new job.
func (s *Sequencer) Next() uint32 {
	return s.next.Add(1) - 1
}

// Ready reports whether the job with provided order can execute now.
func (s *Sequencer) Ready(order uint32) bool {
	return s.current.Load() == order
}

// Advance marks current job as executed.
func (s *Sequencer) Advance() {
	s.current.Add(1)
	s.skip()
}

// Retire gives up an order that never reached the queue. Execution skips
// it once all previous orders are executed.
func (s *Sequencer) Retire(order uint32) {
	v := uint64(order) + 1
	for {
		for i := range s.retired {
			if s.retired[i].CompareAndSwap(0, v) {
				s.skip()
				return
			}
		}
		// all entries wait for earlier orders
		runtime.Gosched()
	}
}

// skip advances over retired orders. Only the goroutine that clears the
// entry of the current order advances, because no job owns that order.
func (s *Sequencer) skip() {
	for {
		current := s.current.Load()
		v := uint64(current) + 1
		found := false
		for i := range s.retired {
			if s.retired[i].CompareAndSwap(v, 0) {
				found = true
				break
			}
		}
		if !found {
			return
		}
		s.current.Add(1)
	}
}

// Pending returns number of allocated orders that haven't executed yet.
func (s *Sequencer) Pending() uint32 {
	return s.next.Load() - s.current.Load()
}
