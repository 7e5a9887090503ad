package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/dudk/phonograph"
	"github.com/dudk/phonograph/fence"
	"github.com/dudk/phonograph/job"
	"github.com/dudk/phonograph/vfs"
)

var errStreamClosed = errors.New("data stream closed before load")

// DataStream decodes a file in two pages while it's being read. When the
// reader is done with a page, the page is refilled by a job. Read, Seek
// and Close must not be called concurrently.
//
// A job that doesn't fit in the full job queue keeps its order and is
// posted again by the next Read, meanwhile the stream reports busy.
//
// Looping is applied when a page is decoded. A page that reached the end
// of a non-looping stream stays final even if looping is enabled later,
// so a stream shorter than two pages can end once after looping was
// enabled. Seek refills pages with current looping mode.
type DataStream struct {
	m             *Manager
	id            string
	name          string
	notifications fence.Pipeline
	seq           job.Sequencer
	loaded        *fence.Event

	status atomic.Int32
	err    errorValue
	closed atomic.Bool

	// set by load before status is published
	format      phonograph.Format
	length      uint64
	lengthKnown bool
	pageFrames  uint64
	pages       [2][]float32

	// owned by jobs
	decoder phonograph.Decoder
	file    vfs.File

	pageCount [2]atomic.Uint64
	pageValid [2]atomic.Bool
	pageFinal [2]atomic.Bool
	pageJobs  [2]pageStream
	seekJob   seekStream

	// jobs waiting for room in the queue, owned by the reader
	stalled      [4]job.Job
	stalledCount int

	current     atomic.Uint32
	relCursor   atomic.Uint64
	absCursor   atomic.Uint64
	seekTarget  atomic.Uint64
	seekPending atomic.Int32
	atEnd       atomic.Bool
	looping     atomic.Bool
}

// InitDataStream opens a data stream. Synchronous init returns when both
// pages are decoded.
func (m *Manager) InitDataStream(ctx context.Context, cfg DataSourceConfig) (*DataStream, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: empty name", phonograph.ErrInvalidArgs)
	}
	if err := cfg.Notifications.Acquire(); err != nil {
		return nil, err
	}
	s := DataStream{
		m:             m,
		id:            phonograph.NewUID(),
		name:          cfg.Name,
		notifications: cfg.Notifications,
		loaded:        fence.NewEvent(),
	}
	for i := range s.pageJobs {
		s.pageJobs[i] = pageStream{stream: &s, page: i}
	}
	s.seekJob = seekStream{stream: &s}
	s.looping.Store(cfg.Flags&Looping != 0)
	l := m.log.WithField("name", cfg.Name).WithField("id", s.id)

	if !cfg.Flags.async() {
		err := s.load()
		s.finishLoad(err)
		if err != nil {
			if ferr := s.free(); ferr != nil {
				l.WithError(ferr).Warn("close source")
			}
			return nil, err
		}
		l.Debug("data stream initialised")
		return &s, nil
	}

	if err := m.postWait(ctx, &loadStream{stream: &s}, &s.seq); err != nil {
		s.finishLoad(err)
		return nil, err
	}
	if cfg.Flags&WaitInit != 0 {
		if err := s.loaded.Wait(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}
	l.Debug("data stream initialising")
	return &s, nil
}

// load opens decoder and fills both pages.
func (s *DataStream) load() error {
	s.m.loads.Add(1)
	dec, f, err := s.m.openDecoder(s.name)
	if err != nil {
		return err
	}
	s.decoder, s.file = dec, f
	s.format = dec.Format()
	s.length, s.lengthKnown = dec.Length()
	s.pageFrames = s.m.pageFrames(s.format)
	for i := range s.pages {
		s.pages[i] = make([]float32, s.pageFrames*uint64(s.format.Channels))
	}
	for i := range s.pages {
		if err := s.fillPage(i); err != nil {
			return err
		}
	}
	return nil
}

func (s *DataStream) finishLoad(err error) {
	if err != nil {
		s.m.failures.Add(1)
		s.err.Store(err)
		s.status.Store(statusFailed)
	} else {
		s.status.Store(statusSuccess)
	}
	s.notifications.Init.Complete(err)
	s.notifications.Done.Complete(err)
	s.loaded.Signal(err)
}

func (s *DataStream) fail(err error) {
	s.m.failures.Add(1)
	s.err.Store(err)
	s.status.Store(statusFailed)
}

// fillPage decodes a page. Looping mode is checked every time the decoder
// reaches the end.
func (s *DataStream) fillPage(i int) error {
	channels := uint64(s.format.Channels)
	buf := s.pages[i]
	var (
		filled uint64
		final  bool
		empty  int
	)
	for filled < s.pageFrames {
		n, err := readFull(s.decoder, buf[filled*channels:], int(channels))
		filled += n
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, errNoProgress) {
			return err
		}
		if n == 0 {
			empty++
		} else {
			empty = 0
		}
		// two empty reads in a row mean there is nothing to loop
		if !s.looping.Load() || empty > 1 {
			final = true
			break
		}
		if err := s.decoder.Seek(0); err != nil {
			return err
		}
	}
	s.pageCount[i].Store(filled)
	s.pageFinal[i].Store(final)
	s.pageValid[i].Store(true)
	return nil
}

// seek moves decoder and refills both pages from the new position.
func (s *DataStream) seek(frame uint64) error {
	for i := range s.pageValid {
		s.pageValid[i].Store(false)
	}
	if err := s.decoder.Seek(frame); err != nil {
		return err
	}
	s.current.Store(0)
	s.relCursor.Store(0)
	for i := range s.pages {
		if err := s.fillPage(i); err != nil {
			return err
		}
	}
	return nil
}

// Result returns nil when the stream is readable, phonograph.ErrBusy
// while it's loading and the error if loading failed.
func (s *DataStream) Result() error {
	switch s.status.Load() {
	case statusBusy:
		return phonograph.ErrBusy
	case statusSuccess:
		return nil
	}
	return s.err.Load()
}

// Format returns format of decoded frames. It's zero until the stream is
// loaded.
func (s *DataStream) Format() phonograph.Format {
	if s.status.Load() == statusBusy {
		return phonograph.Format{}
	}
	return s.format
}

// Read reads decoded frames into dst. It returns phonograph.ErrBusy if
// the next page is not decoded yet or seek is pending.
func (s *DataStream) Read(dst []float32) (int, error) {
	if s.closed.Load() {
		return 0, phonograph.ErrClosed
	}
	if err := s.Result(); err != nil {
		return 0, err
	}
	if err := s.flush(); err != nil {
		s.fail(err)
		return 0, err
	}
	if s.seekPending.Load() > 0 {
		return 0, phonograph.ErrBusy
	}
	if s.atEnd.Load() {
		return 0, io.EOF
	}
	channels := uint64(s.format.Channels)
	want := uint64(len(dst)) / channels
	var total uint64
	for total < want {
		i := s.current.Load()
		if !s.pageValid[i].Load() {
			break
		}
		count, rel := s.pageCount[i].Load(), s.relCursor.Load()
		if rel < count {
			frames := min(want-total, count-rel)
			copy(dst[total*channels:], s.pages[i][rel*channels:(rel+frames)*channels])
			total += frames
			rel += frames
			s.relCursor.Store(rel)
			s.advance(frames)
			if rel < count {
				break
			}
		}
		// page is consumed, hand it over to the decoder
		final := s.pageFinal[i].Load()
		s.pageValid[i].Store(false)
		s.relCursor.Store(0)
		s.current.Store(i ^ 1)
		if final {
			s.atEnd.Store(true)
			break
		}
		if err := s.enqueue(&s.pageJobs[i]); err != nil {
			s.fail(err)
			break
		}
	}
	if total == 0 {
		if s.atEnd.Load() {
			return 0, io.EOF
		}
		if err := s.Result(); err != nil {
			return 0, err
		}
		return 0, phonograph.ErrBusy
	}
	return int(total), nil
}

func (s *DataStream) advance(frames uint64) {
	cursor := s.absCursor.Load() + frames
	if s.lengthKnown && s.length > 0 && s.looping.Load() {
		cursor %= s.length
	}
	s.absCursor.Store(cursor)
}

// Seek moves the stream to the frame. Reads return phonograph.ErrBusy
// until both pages are decoded from the new position.
func (s *DataStream) Seek(frame uint64) error {
	if s.closed.Load() {
		return phonograph.ErrClosed
	}
	if s.status.Load() == statusFailed {
		return s.err.Load()
	}
	if s.status.Load() == statusSuccess && s.lengthKnown && frame > s.length {
		return fmt.Errorf("%w: frame %d of %d", phonograph.ErrBadSeek, frame, s.length)
	}
	if err := s.flush(); err != nil {
		return err
	}
	if s.stalledCount == len(s.stalled) {
		return job.ErrQueueFull
	}
	s.seekPending.Add(1)
	s.seekTarget.Store(frame)
	s.absCursor.Store(frame)
	s.atEnd.Store(false)
	return s.enqueue(&s.seekJob)
}

// enqueue allocates an order for the job and posts it after the stalled
// jobs. It returns job.ErrQueueFull only if there is no room to keep the
// job stalled, in that case no order is allocated.
func (s *DataStream) enqueue(p job.Payload) error {
	if s.stalledCount == len(s.stalled) {
		return job.ErrQueueFull
	}
	s.stalled[s.stalledCount] = job.New(p, s.seq.Next())
	s.stalledCount++
	return s.flush()
}

// flush posts stalled jobs in order of allocation. Jobs that still don't
// fit remain stalled. Orders of all stalled jobs are retired if the queue
// fails for another reason.
func (s *DataStream) flush() error {
	for s.stalledCount > 0 {
		err := s.m.queue.Post(s.stalled[0])
		if errors.Is(err, job.ErrQueueFull) {
			return nil
		}
		if err != nil {
			s.retireStalled()
			return err
		}
		copy(s.stalled[:], s.stalled[1:s.stalledCount])
		s.stalledCount--
		s.stalled[s.stalledCount] = job.Job{}
	}
	return nil
}

func (s *DataStream) retireStalled() {
	for i := 0; i < s.stalledCount; i++ {
		s.seq.Retire(s.stalled[i].Order)
		s.stalled[i] = job.Job{}
	}
	s.stalledCount = 0
}

// Cursor returns position of the next frame to read.
func (s *DataStream) Cursor() uint64 {
	return s.absCursor.Load()
}

// Length returns total number of frames if decoder knows it.
func (s *DataStream) Length() (uint64, bool) {
	if s.status.Load() != statusSuccess {
		return 0, false
	}
	return s.length, s.lengthKnown
}

// AvailableFrames returns number of decoded frames ahead of the cursor.
func (s *DataStream) AvailableFrames() uint64 {
	if s.status.Load() != statusSuccess || s.seekPending.Load() > 0 {
		return 0
	}
	i := s.current.Load()
	var available uint64
	if s.pageValid[i].Load() {
		available = s.pageCount[i].Load() - s.relCursor.Load()
		if !s.pageFinal[i].Load() && s.pageValid[i^1].Load() {
			available += s.pageCount[i^1].Load()
		}
	}
	return available
}

// SetLooping enables or disables looping. It affects pages decoded after
// the call.
func (s *DataStream) SetLooping(looping bool) {
	s.looping.Store(looping)
}

// Looping reports whether looping is enabled.
func (s *DataStream) Looping() bool {
	return s.looping.Load()
}

// Close stops the stream and waits until its decoder is closed. Managers
// without workers process pending jobs in Close.
func (s *DataStream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	// stalled jobs would find the stream closed
	s.retireStalled()
	ctx := context.Background()
	done := fence.NewEvent()
	if err := s.m.postWait(ctx, &freeStream{stream: s, done: done}, &s.seq); err != nil {
		return err
	}
	if s.m.workers > 0 {
		return done.Wait(ctx)
	}
	for {
		select {
		case <-done.Done():
			return done.Wait(ctx)
		default:
		}
		if err := s.m.Process(ctx); err != nil && !errors.Is(err, job.ErrNoDataAvailable) {
			return err
		}
	}
}

func (s *DataStream) free() error {
	err := closeSource(s.decoder, s.file)
	s.decoder, s.file = nil, nil
	s.m.log.WithField("name", s.name).WithField("id", s.id).Debug("data stream closed")
	return err
}
