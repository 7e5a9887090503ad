package fence

import (
	"github.com/hashicorp/go-multierror"
)

// Stage pairs a notification with a fence. Both are optional.
type Stage struct {
	Notification Notification
	Fence        *Fence
}

// Acquire acquires the stage fence.
func (s Stage) Acquire() error {
	if s.Fence == nil {
		return nil
	}
	return s.Fence.Acquire()
}

// Complete signals the notification and releases the fence.
func (s Stage) Complete(err error) error {
	if s.Notification != nil {
		s.Notification.Signal(err)
	}
	if s.Fence == nil {
		return nil
	}
	return s.Fence.Release()
}

// Pipeline notifies about two stages of loading: Init when data can be
// read and Done when loading is finished.
type Pipeline struct {
	Init Stage
	Done Stage
}

// Acquire acquires fences of both stages. If the done fence cannot be
// acquired, init fence is released back.
func (p Pipeline) Acquire() error {
	if err := p.Init.Acquire(); err != nil {
		return err
	}
	if err := p.Done.Acquire(); err != nil {
		if p.Init.Fence != nil {
			p.Init.Fence.Release()
		}
		return err
	}
	return nil
}

// Release releases fences of both stages without signalling
// notifications. It's used when the operation never started.
func (p Pipeline) Release() error {
	var result *multierror.Error
	if p.Init.Fence != nil {
		result = multierror.Append(result, p.Init.Fence.Release())
	}
	if p.Done.Fence != nil {
		result = multierror.Append(result, p.Done.Fence.Release())
	}
	return result.ErrorOrNil()
}

// Complete completes both stages with the same result.
func (p Pipeline) Complete(err error) error {
	var result *multierror.Error
	result = multierror.Append(result, p.Init.Complete(err), p.Done.Complete(err))
	return result.ErrorOrNil()
}
