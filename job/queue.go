package job

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/dudk/phonograph/internal/pool"
	"github.com/dudk/phonograph/internal/slot"
	"github.com/dudk/phonograph/internal/spinlock"
)

// Flags configure the queue.
type Flags uint32

const (
	// NonBlocking makes Next return ErrNoDataAvailable instead of waiting
	// when queue is empty.
	NonBlocking Flags = 1 << iota
)

// Stats is a snapshot of queue counters.
type Stats struct {
	Posted   uint64
	Consumed uint64
	Reposted uint64
}

type entry struct {
	job  Job
	next atomic.Uint64
}

// Queue is a fixed capacity linked list of jobs. Entries are stored in a
// slot pool and linked by tagged slot references. One entry is always
// allocated as a list head sentinel.
type Queue struct {
	flags   Flags
	entries *pool.Pool[entry]
	// one token per posted job, nil in non-blocking mode
	wake chan struct{}
	lock spinlock.Lock

	_    cpu.CacheLinePad
	head atomic.Uint64
	_    cpu.CacheLinePad
	tail atomic.Uint64
	_    cpu.CacheLinePad

	posted   atomic.Uint64
	consumed atomic.Uint64
	reposted atomic.Uint64
}

// NewQueue returns a queue that can hold up to capacity jobs.
func NewQueue(capacity uint32, flags Flags) (*Queue, error) {
	if capacity == 0 || capacity >= slot.MaxCapacity {
		return nil, fmt.Errorf("%w: %d", slot.ErrInvalidCapacity, capacity)
	}
	entries, err := pool.New[entry](capacity + 1)
	if err != nil {
		return nil, err
	}
	ref, sentinel, err := entries.Get()
	if err != nil {
		return nil, err
	}
	sentinel.next.Store(uint64(slot.None))

	q := Queue{
		flags:   flags,
		entries: entries,
	}
	q.head.Store(uint64(ref))
	q.tail.Store(uint64(ref))
	if flags&NonBlocking == 0 {
		q.wake = make(chan struct{}, capacity+1)
	}
	return &q, nil
}

// signal hands one token to a waiting consumer. Tokens never outnumber
// the entries, so the send always finds room and never parks the caller.
func (q *Queue) signal() {
	if q.wake == nil {
		return
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Post copies the job into the queue. It never waits for consumers and
// is safe to call from the audio thread.
func (q *Queue) Post(j Job) error {
	ref, e, err := q.entries.Get()
	if err != nil {
		if errors.Is(err, slot.ErrOutOfSlots) {
			return ErrQueueFull
		}
		return err
	}
	e.job = j
	e.next.Store(uint64(slot.None))

	q.lock.Lock()
	prev := slot.Ref(q.tail.Swap(uint64(ref)))
	q.entries.At(prev).next.Store(uint64(ref))
	q.lock.Unlock()

	q.posted.Add(1)
	q.signal()
	return nil
}

// Next returns the job from the head of the queue. In blocking mode it
// waits until a job is posted or ctx is done. Quit job is never removed:
// every call that observes it returns ErrCancelled.
func (q *Queue) Next(ctx context.Context) (Job, error) {
	return q.next(ctx, q.wake != nil)
}

// next takes the head job. If wait is false, ErrNoDataAvailable is
// returned instead of waiting for a token.
func (q *Queue) next(ctx context.Context, wait bool) (Job, error) {
	if q.wake != nil {
		if wait {
			select {
			case <-q.wake:
			case <-ctx.Done():
				return Job{}, ctx.Err()
			}
		} else {
			select {
			case <-q.wake:
			default:
				return Job{}, ErrNoDataAvailable
			}
		}
	}

	q.lock.Lock()
	head := slot.Ref(q.head.Load())
	next := slot.Ref(q.entries.At(head).next.Load())
	if next.IsNone() {
		q.lock.Unlock()
		q.signal()
		return Job{}, ErrNoDataAvailable
	}
	j := q.entries.At(next).job
	if j.Code == Quit {
		q.lock.Unlock()
		// leave the token for the next consumer
		q.signal()
		return j, ErrCancelled
	}
	// next entry becomes the new sentinel
	q.head.Store(uint64(next))
	q.lock.Unlock()

	q.entries.At(head).job = Job{}
	q.entries.Put(head)
	q.consumed.Add(1)
	return j, nil
}

// Len returns number of jobs in the queue, including quit job.
func (q *Queue) Len() int {
	return q.entries.Len() - 1
}

// Capacity returns maximum number of jobs in the queue.
func (q *Queue) Capacity() int {
	return q.entries.Capacity() - 1
}

// Blocking reports whether Next waits for jobs.
func (q *Queue) Blocking() bool {
	return q.wake != nil
}

// Stats returns queue counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Posted:   q.posted.Load(),
		Consumed: q.consumed.Load(),
		Reposted: q.reposted.Load(),
	}
}
