// Package job implements a multi-producer, multi-consumer queue of jobs.
//
// Jobs that belong to the same owner can be executed strictly in the order
// they were posted, even when many workers drain the queue. The owner
// keeps a Sequencer and every job carries an order value allocated from
// it. Process reposts a job that is not next in line instead of running it.
package job

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/hashicorp/go-multierror"
)

var (
	// ErrCancelled is returned by Next and Process when quit job is
	// observed.
	ErrCancelled = errors.New("job queue cancelled")
	// ErrNoDataAvailable is returned by Next in non-blocking mode when
	// queue is empty.
	ErrNoDataAvailable = errors.New("no jobs available")
	// ErrQueueFull is returned by Post when there are no free slots.
	ErrQueueFull = errors.New("job queue full")
	// ErrNoProcessor is returned when payload doesn't know how to execute.
	ErrNoProcessor = errors.New("job has no processor")
)

// Code identifies type of the job.
type Code uint16

// Job codes.
const (
	Quit Code = iota
	Custom
	LoadDataBufferNode
	FreeDataBufferNode
	PageDataBufferNode
	LoadDataBuffer
	FreeDataBuffer
	LoadDataStream
	FreeDataStream
	PageDataStream
	SeekDataStream
)

var codeNames = [...]string{
	Quit:               "quit",
	Custom:             "custom",
	LoadDataBufferNode: "load data buffer node",
	FreeDataBufferNode: "free data buffer node",
	PageDataBufferNode: "page data buffer node",
	LoadDataBuffer:     "load data buffer",
	FreeDataBuffer:     "free data buffer",
	LoadDataStream:     "load data stream",
	FreeDataStream:     "free data stream",
	PageDataStream:     "page data stream",
	SeekDataStream:     "seek data stream",
}

func (c Code) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("code(%d)", uint16(c))
}

// Payload is job type specific data. Every job code has its own payload
// type.
type Payload interface {
	Code() Code
}

// Processor is implemented by payloads that can execute themselves.
type Processor interface {
	Process(context.Context) error
}

// Ordered is implemented by payloads whose owner requires serial
// execution of its jobs.
type Ordered interface {
	Sequencer() *Sequencer
}

// Job is a fixed size record stored in the queue.
type Job struct {
	Code    Code
	Order   uint32
	Payload Payload
}

// New returns a job for the payload. Order is only used if payload is
// Ordered.
func New(p Payload, order uint32) Job {
	return Job{
		Code:    p.Code(),
		Order:   order,
		Payload: p,
	}
}

// QuitJob returns a job that cancels all consumers of the queue.
func QuitJob() Job {
	return Job{Code: Quit}
}

// Func is a custom job.
type Func func(context.Context) error

// Code returns Custom.
func (Func) Code() Code {
	return Custom
}

// Process calls fn(ctx).
func (fn Func) Process(ctx context.Context) error {
	return fn(ctx)
}

// Process executes the job. Jobs of an Ordered payload that are not next
// in line are posted back to q unchanged and nil is returned. If there is
// no room to post the job back, Process executes queued jobs until the job
// becomes ready, so an order is never lost. The owner's sequencer is
// advanced after execution even if the job failed.
func Process(ctx context.Context, q *Queue, j Job) error {
	if j.Code == Quit {
		return ErrCancelled
	}
	// errors of queued jobs executed in place of a repost
	var result *multierror.Error
	combine := func(err error) error {
		if result == nil {
			return err
		}
		return multierror.Append(result, err).ErrorOrNil()
	}
	if o, ok := j.Payload.(Ordered); ok {
		seq := o.Sequencer()
		for !seq.Ready(j.Order) {
			err := q.Post(j)
			if err == nil {
				q.reposted.Add(1)
				return combine(nil)
			}
			if !errors.Is(err, ErrQueueFull) {
				seq.Retire(j.Order)
				return combine(err)
			}
			queued, err := q.next(ctx, false)
			switch {
			case err == nil:
				if err := Process(ctx, q, queued); err != nil {
					result = multierror.Append(result, err)
				}
			case errors.Is(err, ErrCancelled):
				seq.Retire(j.Order)
				return combine(ErrCancelled)
			case ctx.Err() != nil:
				seq.Retire(j.Order)
				return combine(ctx.Err())
			default:
				// another consumer took the queued jobs
				runtime.Gosched()
			}
		}
		defer seq.Advance()
	}
	p, ok := j.Payload.(Processor)
	if !ok {
		return combine(fmt.Errorf("%w: %v", ErrNoProcessor, j.Code))
	}
	if err := p.Process(ctx); err != nil {
		return combine(fmt.Errorf("%v job: %w", j.Code, err))
	}
	return combine(nil)
}
