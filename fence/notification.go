package fence

import (
	"context"
	"sync"
	"sync/atomic"
)

// Notification is signalled once an asynchronous operation reaches a
// stage. The error is the result of the operation at that stage, nil on
// success.
type Notification interface {
	Signal(err error)
}

// NotificationFunc is a function that implements Notification.
type NotificationFunc func(error)

// Signal calls fn(err).
func (fn NotificationFunc) Signal(err error) {
	fn(err)
}

// Poll is a notification that can be checked without blocking.
type Poll struct {
	signalled atomic.Bool
	mu        sync.Mutex
	err       error
}

// Signal marks the notification as signalled.
func (p *Poll) Signal(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	p.signalled.Store(true)
}

// Signalled reports whether Signal was called.
func (p *Poll) Signalled() bool {
	return p.signalled.Load()
}

// Result returns the signalled error and whether the signal happened.
func (p *Poll) Result() (bool, error) {
	if !p.signalled.Load() {
		return false, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return true, p.err
}

// Event is a notification that can be waited for. Only the first signal
// counts. Use NewEvent to create it.
type Event struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewEvent returns a new unsignalled event.
func NewEvent() *Event {
	return &Event{done: make(chan struct{})}
}

// Signal wakes up all waiters.
func (e *Event) Signal(err error) {
	e.once.Do(func() {
		e.err = err
		close(e.done)
	})
}

// Wait blocks until event is signalled or ctx is done. It returns the
// signalled error.
func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel that's closed when event is signalled.
func (e *Event) Done() <-chan struct{} {
	return e.done
}
