package resource

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/dudk/phonograph"
	"github.com/dudk/phonograph/job"
	"github.com/dudk/phonograph/vfs"
)

type storage int

const (
	storageEncoded storage = iota + 1
	storageDecoded
	storagePaged
)

const (
	statusBusy int32 = iota
	statusSuccess
	statusFailed
)

// page is a chunk of decoded frames of unknown length data. Pages form a
// forward-only list that readers traverse without locks.
type page struct {
	data []float32
	next atomic.Pointer[page]
}

// bufferNode holds data shared by all data buffers of the same file.
type bufferNode struct {
	hash uint64
	name string

	// guarded by manager mutex
	left, right *bufferNode
	refs        uint32

	seq    job.Sequencer
	status atomic.Int32
	err    errorValue
	freed  atomic.Bool

	// set once before initialised is published
	kind        storage
	format      phonograph.Format
	encoded     []byte
	data        []float32
	initialised atomic.Bool

	// decoded is number of frames written to data, paged data publishes
	// frames in length.
	decoded atomic.Uint64
	length  atomic.Uint64
	head    atomic.Pointer[page]

	// owned by the loading job
	decoder    phonograph.Decoder
	file       vfs.File
	tail       *page
	pageFrames uint64

	mu      sync.Mutex
	handles []*DataBuffer
}

func (n *bufferNode) result() error {
	switch n.status.Load() {
	case statusBusy:
		return phonograph.ErrBusy
	case statusSuccess:
		return nil
	}
	return n.err.Load()
}

// available returns number of frames that can be read.
func (n *bufferNode) available() uint64 {
	if n.kind == storageDecoded {
		return n.decoded.Load()
	}
	return n.length.Load()
}

// load opens the source and loads the first page of data. It returns true
// if there is nothing more to load.
func (n *bufferNode) load(m *Manager, flags Flags) (bool, error) {
	m.loads.Add(1)
	if flags&Decode == 0 {
		if _, err := m.codecs.Lookup(n.name); err != nil {
			return true, err
		}
		data, err := vfs.ReadAll(m.fs, n.name)
		if err != nil {
			return true, err
		}
		n.kind = storageEncoded
		n.encoded = data
		return true, nil
	}

	dec, f, err := m.openDecoder(n.name)
	if err != nil {
		return true, err
	}
	n.decoder, n.file = dec, f
	n.format = dec.Format()
	n.pageFrames = m.pageFrames(n.format)
	if length, ok := dec.Length(); ok && flags&UnknownLength == 0 {
		n.kind = storageDecoded
		n.data = make([]float32, length*uint64(n.format.Channels))
		n.length.Store(length)
	} else {
		n.kind = storagePaged
	}
	return n.decodePage()
}

// decodePage decodes next page of data. It returns true if there is
// nothing more to decode.
func (n *bufferNode) decodePage() (bool, error) {
	channels := n.format.Channels
	switch n.kind {
	case storageDecoded:
		decoded, length := n.decoded.Load(), n.length.Load()
		if decoded >= length {
			return true, nil
		}
		end := min(decoded+n.pageFrames, length)
		frames, err := readFull(n.decoder, n.data[decoded*uint64(channels):end*uint64(channels)], channels)
		decoded += frames
		if errors.Is(err, io.EOF) || errors.Is(err, errNoProgress) {
			// decoder ended earlier than it promised
			n.length.Store(decoded)
			n.decoded.Store(decoded)
			return true, nil
		}
		n.decoded.Store(decoded)
		if err != nil {
			return true, err
		}
		return decoded == length, nil
	case storagePaged:
		p := page{data: make([]float32, n.pageFrames*uint64(channels))}
		frames, err := readFull(n.decoder, p.data, channels)
		if frames > 0 {
			p.data = p.data[:frames*uint64(channels)]
			if n.tail == nil {
				n.head.Store(&p)
			} else {
				n.tail.next.Store(&p)
			}
			n.tail = &p
			n.length.Add(frames)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, errNoProgress) {
			return true, nil
		}
		return err != nil, err
	}
	return true, nil
}

// markInitialised publishes decoded storage after the first page and
// connects waiting handles.
func (n *bufferNode) markInitialised() {
	n.mu.Lock()
	n.initialised.Store(true)
	handles := append([]*DataBuffer(nil), n.handles...)
	n.mu.Unlock()
	for _, h := range handles {
		h.connect()
	}
}

// finish stores the terminal result of loading and notifies handles.
func (n *bufferNode) finish(m *Manager, err error) {
	if cerr := closeSource(n.decoder, n.file); cerr != nil {
		m.log.WithField("name", n.name).WithError(cerr).Warn("close source")
	}
	n.decoder, n.file = nil, nil

	n.mu.Lock()
	if err != nil {
		m.failures.Add(1)
		n.err.Store(err)
		n.status.Store(statusFailed)
	} else {
		n.initialised.Store(true)
		n.status.Store(statusSuccess)
	}
	handles := n.handles
	n.handles = nil
	n.mu.Unlock()

	for _, h := range handles {
		if err == nil {
			h.connect()
		}
		h.complete(err)
	}
}

// attach registers the handle for notifications. Handles are connected
// immediately if the node is already readable.
func (n *bufferNode) attach(h *DataBuffer) {
	n.mu.Lock()
	status := n.status.Load()
	initialised := n.initialised.Load()
	if status == statusBusy {
		n.handles = append(n.handles, h)
	}
	n.mu.Unlock()

	if initialised {
		h.connect()
	}
	if status != statusBusy {
		h.complete(n.result())
	}
}

// detach removes the handle from notifications.
func (n *bufferNode) detach(h *DataBuffer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := range n.handles {
		if n.handles[i] == h {
			n.handles = append(n.handles[:i], n.handles[i+1:]...)
			return
		}
	}
}

// free releases decoder of the node. It must not run concurrently with
// loading jobs of the node.
func (n *bufferNode) free() error {
	n.freed.Store(true)
	err := closeSource(n.decoder, n.file)
	n.decoder, n.file = nil, nil
	return err
}
