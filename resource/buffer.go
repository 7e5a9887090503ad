package resource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/dudk/phonograph"
	"github.com/dudk/phonograph/fence"
	"github.com/dudk/phonograph/job"
)

// DataBuffer is a consumer of a shared data buffer node. Every consumer
// has its own cursor. Read and Seek must not be called concurrently.
type DataBuffer struct {
	m             *Manager
	node          *bufferNode
	id            string
	flags         Flags
	notifications fence.Pipeline
	seq           job.Sequencer

	initOnce, doneOnce sync.Once
	initialised, done  *fence.Event

	connected atomic.Bool
	ready     atomic.Bool
	err       errorValue
	closed    atomic.Bool

	// decoder is used in encoded mode.
	decoder phonograph.Decoder
	cursor  atomic.Uint64
	looping atomic.Bool

	// current page of paged data, used by Read only
	page      *page
	pageStart uint64
}

// InitDataBuffer returns a consumer of the data buffer with provided name.
// If the name is already loaded, the data is shared and nothing is
// decoded. Synchronous init returns when data is fully loaded.
func (m *Manager) InitDataBuffer(ctx context.Context, cfg DataSourceConfig) (*DataBuffer, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: empty name", phonograph.ErrInvalidArgs)
	}
	if err := cfg.Notifications.Acquire(); err != nil {
		return nil, err
	}
	hash := xxhash.Sum64String(cfg.Name)

	m.mu.Lock()
	n := m.tree.find(hash)
	existed := n != nil
	if !existed {
		n = &bufferNode{hash: hash, name: cfg.Name}
		m.tree.insert(n)
	}
	n.refs++
	m.mu.Unlock()

	b := DataBuffer{
		m:             m,
		node:          n,
		id:            phonograph.NewUID(),
		flags:         cfg.Flags,
		notifications: cfg.Notifications,
		initialised:   fence.NewEvent(),
		done:          fence.NewEvent(),
	}
	b.looping.Store(cfg.Flags&Looping != 0)
	l := m.log.WithField("name", cfg.Name).WithField("id", b.id)

	switch {
	case !existed && !cfg.Flags.async():
		n.attach(&b)
		done, err := n.load(m, cfg.Flags)
		for err == nil && !done {
			done, err = n.decodePage()
		}
		n.finish(m, err)
		if err != nil {
			b.Close()
			return nil, err
		}
	case !existed:
		n.attach(&b)
		if err := m.postWait(ctx, &loadBufferNode{m: m, node: n, flags: cfg.Flags}, &n.seq); err != nil {
			n.finish(m, err)
			b.Close()
			return nil, err
		}
	case !cfg.Flags.async():
		n.attach(&b)
		if err := b.done.Wait(ctx); err != nil {
			b.Close()
			return nil, err
		}
	default:
		if err := m.postWait(ctx, &loadBuffer{buffer: &b}, &b.seq); err != nil {
			n.attach(&b)
		}
	}

	if cfg.Flags&WaitInit != 0 {
		if err := b.initialised.Wait(ctx); err != nil {
			b.Close()
			return nil, err
		}
	}
	l.WithField("shared", existed).Debug("data buffer initialised")
	return &b, nil
}

// connect makes the handle readable. It's called once the node storage
// is published.
func (b *DataBuffer) connect() {
	if !b.connected.CompareAndSwap(false, true) {
		return
	}
	var err error
	if b.node.kind == storageEncoded {
		err = b.openDecoder()
	}
	if err != nil {
		b.err.Store(err)
	} else {
		b.ready.Store(true)
	}
	b.initOnce.Do(func() {
		b.notifications.Init.Complete(err)
		b.initialised.Signal(err)
	})
}

func (b *DataBuffer) openDecoder() error {
	codec, err := b.m.codecs.Lookup(b.node.name)
	if err != nil {
		return err
	}
	dec, err := codec.Decode(bytes.NewReader(b.node.encoded))
	if err != nil {
		return fmt.Errorf("decode %q: %w", b.node.name, err)
	}
	if cursor := b.cursor.Load(); cursor > 0 {
		if err := dec.Seek(cursor); err != nil {
			dec.Close()
			return err
		}
	}
	b.decoder = dec
	return nil
}

// complete signals notifications with the terminal result of the node.
func (b *DataBuffer) complete(err error) {
	if err == nil {
		err = b.err.Load()
	}
	b.initOnce.Do(func() {
		b.notifications.Init.Complete(err)
		b.initialised.Signal(err)
	})
	b.doneOnce.Do(func() {
		b.notifications.Done.Complete(err)
		b.done.Signal(err)
	})
}

// Result returns nil when data is fully loaded, phonograph.ErrBusy while
// it's loading and the load error if loading failed.
func (b *DataBuffer) Result() error {
	if err := b.err.Load(); err != nil {
		return err
	}
	if err := b.node.result(); err != nil {
		return err
	}
	if !b.ready.Load() {
		return phonograph.ErrBusy
	}
	return nil
}

// Format returns format of decoded frames. It's zero until the first page
// is loaded.
func (b *DataBuffer) Format() phonograph.Format {
	if !b.ready.Load() {
		return phonograph.Format{}
	}
	if b.decoder != nil {
		return b.decoder.Format()
	}
	return b.node.format
}

// Read reads decoded frames into dst.
func (b *DataBuffer) Read(dst []float32) (int, error) {
	if b.closed.Load() {
		return 0, phonograph.ErrClosed
	}
	if !b.ready.Load() {
		if err := b.Result(); err != nil {
			return 0, err
		}
		return 0, phonograph.ErrBusy
	}
	if b.decoder != nil {
		return b.readDecoder(dst)
	}
	return b.readFrames(dst)
}

func (b *DataBuffer) readDecoder(dst []float32) (int, error) {
	channels := b.decoder.Format().Channels
	want := len(dst) / channels
	var total int
	for total < want {
		n, err := readFull(b.decoder, dst[total*channels:want*channels], channels)
		total += int(n)
		b.cursor.Add(n)
		if err == nil {
			break
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, errNoProgress) {
			if total > 0 {
				break
			}
			return 0, err
		}
		if !b.looping.Load() {
			break
		}
		if n == 0 && b.cursor.Load() == 0 {
			// empty source
			break
		}
		if err := b.decoder.Seek(0); err != nil {
			return total, err
		}
		b.cursor.Store(0)
	}
	if total == 0 {
		return 0, io.EOF
	}
	return total, nil
}

func (b *DataBuffer) readFrames(dst []float32) (int, error) {
	n := b.node
	channels := n.format.Channels
	want := uint64(len(dst) / channels)
	var total uint64
	for total < want {
		// status first, so available is final when status is terminal
		status := n.status.Load()
		available := n.available()
		cursor := b.cursor.Load()
		if cursor < available {
			frames := min(want-total, available-cursor)
			b.copyFrames(dst[total*uint64(channels):], cursor, frames)
			b.cursor.Store(cursor + frames)
			total += frames
			continue
		}
		if status == statusBusy {
			if total == 0 {
				return 0, phonograph.ErrBusy
			}
			break
		}
		if status == statusFailed {
			if total == 0 {
				return 0, n.err.Load()
			}
			break
		}
		if !b.looping.Load() || available == 0 {
			break
		}
		b.cursor.Store(0)
	}
	if total == 0 {
		return 0, io.EOF
	}
	return int(total), nil
}

// copyFrames copies frames starting at cursor. All of them must be
// available.
func (b *DataBuffer) copyFrames(dst []float32, cursor, frames uint64) {
	n := b.node
	channels := uint64(n.format.Channels)
	if n.kind == storageDecoded {
		copy(dst, n.data[cursor*channels:(cursor+frames)*channels])
		return
	}
	if b.page == nil || cursor < b.pageStart {
		b.page, b.pageStart = n.head.Load(), 0
	}
	for frames > 0 {
		size := uint64(len(b.page.data)) / channels
		if cursor >= b.pageStart+size {
			b.page, b.pageStart = b.page.next.Load(), b.pageStart+size
			continue
		}
		offset := cursor - b.pageStart
		copied := min(frames, size-offset)
		copy(dst, b.page.data[offset*channels:(offset+copied)*channels])
		dst = dst[copied*channels:]
		cursor += copied
		frames -= copied
	}
}

// Seek moves the cursor. Seeking beyond decoded frames of a loading
// buffer makes reads return phonograph.ErrBusy until frames are decoded.
func (b *DataBuffer) Seek(frame uint64) error {
	if b.closed.Load() {
		return phonograph.ErrClosed
	}
	if b.ready.Load() && b.decoder != nil {
		if err := b.decoder.Seek(frame); err != nil {
			return err
		}
		b.cursor.Store(frame)
		return nil
	}
	if length, ok := b.Length(); ok && b.node.status.Load() == statusSuccess && frame > length {
		return fmt.Errorf("%w: frame %d of %d", phonograph.ErrBadSeek, frame, length)
	}
	b.cursor.Store(frame)
	return nil
}

// Cursor returns position of the next frame to read.
func (b *DataBuffer) Cursor() uint64 {
	return b.cursor.Load()
}

// Length returns total number of frames if it's known.
func (b *DataBuffer) Length() (uint64, bool) {
	if !b.ready.Load() {
		return 0, false
	}
	if b.decoder != nil {
		return b.decoder.Length()
	}
	switch b.node.kind {
	case storageDecoded:
		return b.node.length.Load(), true
	case storagePaged:
		if b.node.status.Load() == statusSuccess {
			return b.node.length.Load(), true
		}
	}
	return 0, false
}

// AvailableFrames returns number of frames that can be read without
// waiting for decoding.
func (b *DataBuffer) AvailableFrames() uint64 {
	if !b.ready.Load() {
		return 0
	}
	cursor := b.cursor.Load()
	var available uint64
	if b.decoder != nil {
		length, ok := b.decoder.Length()
		if !ok {
			return 0
		}
		available = length
	} else {
		available = b.node.available()
	}
	if cursor >= available {
		return 0
	}
	return available - cursor
}

// SetLooping enables or disables looping.
func (b *DataBuffer) SetLooping(looping bool) {
	b.looping.Store(looping)
}

// Looping reports whether looping is enabled.
func (b *DataBuffer) Looping() bool {
	return b.looping.Load()
}

// Close releases the consumer. Node is freed when its last consumer is
// closed.
func (b *DataBuffer) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	if b.seq.Pending() > 0 {
		if err := b.m.postWait(context.Background(), &freeBuffer{buffer: b}, &b.seq); err == nil {
			return nil
		}
	}
	return b.release()
}

// release detaches the consumer from its node and drops node reference.
func (b *DataBuffer) release() error {
	b.node.detach(b)
	// consumer that never received a result still has to release fences
	b.complete(phonograph.ErrClosed)
	var err error
	if b.decoder != nil {
		err = b.decoder.Close()
	}
	if rerr := b.m.releaseNode(b.node); err == nil {
		err = rerr
	}
	return err
}

// releaseNode drops a reference to the node and frees it when there are no
// references left.
func (m *Manager) releaseNode(n *bufferNode) error {
	m.mu.Lock()
	n.refs--
	last := n.refs == 0
	if last {
		m.tree.remove(n)
	}
	m.mu.Unlock()
	if !last {
		return nil
	}
	m.log.WithField("name", n.name).Debug("data buffer node released")
	if n.seq.Pending() > 0 {
		// jobs of the node are in flight, free it after them
		n.freed.Store(true)
		// pending jobs free the node when the free job doesn't fit
		if err := m.post(&freeBufferNode{node: n}, &n.seq); err != nil && !errors.Is(err, job.ErrQueueFull) {
			return err
		}
		return nil
	}
	return n.free()
}
