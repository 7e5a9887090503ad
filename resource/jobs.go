package resource

import (
	"context"
	"errors"

	"github.com/dudk/phonograph/fence"
	"github.com/dudk/phonograph/job"
)

// loadBufferNode opens the file of the node and decodes the first page.
type loadBufferNode struct {
	m     *Manager
	node  *bufferNode
	flags Flags
}

func (*loadBufferNode) Code() job.Code { return job.LoadDataBufferNode }

func (p *loadBufferNode) Sequencer() *job.Sequencer { return &p.node.seq }

func (p *loadBufferNode) Process(context.Context) error {
	n := p.node
	if n.freed.Load() {
		return n.free()
	}
	done, err := n.load(p.m, p.flags)
	if err == nil && !done {
		n.markInitialised()
		done, err = p.m.pageNext(n)
	}
	if done || err != nil {
		n.finish(p.m, err)
	}
	return err
}

// pageBufferNode decodes the next page of the node and posts itself again
// until the data is exhausted.
type pageBufferNode struct {
	m    *Manager
	node *bufferNode
}

func (*pageBufferNode) Code() job.Code { return job.PageDataBufferNode }

func (p *pageBufferNode) Sequencer() *job.Sequencer { return &p.node.seq }

func (p *pageBufferNode) Process(context.Context) error {
	n := p.node
	if n.freed.Load() {
		return n.free()
	}
	done, err := n.decodePage()
	if err == nil && !done {
		done, err = p.m.pageNext(n)
	}
	if done || err != nil {
		n.finish(p.m, err)
	}
	return err
}

// pageNext posts the job that decodes the next page of the node. While
// the queue is full, pages are decoded by the running job under the order
// of the job that didn't fit. It returns true when loading is over.
func (m *Manager) pageNext(n *bufferNode) (bool, error) {
	j := job.New(&pageBufferNode{m: m, node: n}, n.seq.Next())
	for {
		err := m.queue.Post(j)
		if err == nil {
			return false, nil
		}
		if !errors.Is(err, job.ErrQueueFull) {
			n.seq.Retire(j.Order)
			return true, err
		}
		if n.freed.Load() {
			n.seq.Retire(j.Order)
			return true, nil
		}
		done, err := n.decodePage()
		if done || err != nil {
			n.seq.Retire(j.Order)
			return true, err
		}
	}
}

// freeBufferNode frees the node after all its loading jobs.
type freeBufferNode struct {
	node *bufferNode
}

func (*freeBufferNode) Code() job.Code { return job.FreeDataBufferNode }

func (p *freeBufferNode) Sequencer() *job.Sequencer { return &p.node.seq }

func (p *freeBufferNode) Process(context.Context) error {
	return p.node.free()
}

// loadBuffer attaches a consumer to a node that is already loading.
type loadBuffer struct {
	buffer *DataBuffer
}

func (*loadBuffer) Code() job.Code { return job.LoadDataBuffer }

func (p *loadBuffer) Sequencer() *job.Sequencer { return &p.buffer.seq }

func (p *loadBuffer) Process(context.Context) error {
	if p.buffer.closed.Load() {
		return nil
	}
	p.buffer.node.attach(p.buffer)
	return nil
}

// freeBuffer releases a consumer after its load job.
type freeBuffer struct {
	buffer *DataBuffer
}

func (*freeBuffer) Code() job.Code { return job.FreeDataBuffer }

func (p *freeBuffer) Sequencer() *job.Sequencer { return &p.buffer.seq }

func (p *freeBuffer) Process(context.Context) error {
	return p.buffer.release()
}

// loadStream opens the stream and fills both pages.
type loadStream struct {
	stream *DataStream
}

func (*loadStream) Code() job.Code { return job.LoadDataStream }

func (p *loadStream) Sequencer() *job.Sequencer { return &p.stream.seq }

func (p *loadStream) Process(context.Context) error {
	s := p.stream
	if s.closed.Load() {
		s.finishLoad(errStreamClosed)
		return nil
	}
	err := s.load()
	s.finishLoad(err)
	return err
}

// pageStream refills a consumed page. Payloads are preallocated by the
// stream, so posting them doesn't allocate.
type pageStream struct {
	stream *DataStream
	page   int
}

func (*pageStream) Code() job.Code { return job.PageDataStream }

func (p *pageStream) Sequencer() *job.Sequencer { return &p.stream.seq }

func (p *pageStream) Process(context.Context) error {
	s := p.stream
	if s.closed.Load() || s.status.Load() != statusSuccess {
		return nil
	}
	if err := s.fillPage(p.page); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

// seekStream moves the decoder and refills both pages.
type seekStream struct {
	stream *DataStream
}

func (*seekStream) Code() job.Code { return job.SeekDataStream }

func (p *seekStream) Sequencer() *job.Sequencer { return &p.stream.seq }

func (p *seekStream) Process(context.Context) error {
	s := p.stream
	defer s.seekPending.Add(-1)
	if s.closed.Load() || s.status.Load() != statusSuccess {
		return nil
	}
	if err := s.seek(s.seekTarget.Load()); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

// freeStream closes decoder of the stream.
type freeStream struct {
	stream *DataStream
	done   *fence.Event
}

func (*freeStream) Code() job.Code { return job.FreeDataStream }

func (p *freeStream) Sequencer() *job.Sequencer { return &p.stream.seq }

func (p *freeStream) Process(context.Context) error {
	err := p.stream.free()
	p.done.Signal(err)
	return err
}
