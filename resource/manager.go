// Package resource loads audio files into data buffers and data streams.
//
// Data buffers are decoded once and shared between all consumers of the
// same file. Data streams decode two pages of audio ahead of the reader and
// are never shared. Decoding happens in jobs that are executed by worker
// goroutines of the Manager, so data sources can be read from the audio
// thread without blocking.
package resource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/cpuid/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dudk/phonograph"
	"github.com/dudk/phonograph/job"
	"github.com/dudk/phonograph/log"
	"github.com/dudk/phonograph/signal"
	"github.com/dudk/phonograph/vfs"
)

const (
	// DefaultPageDuration is the duration of a single decoded page.
	DefaultPageDuration = time.Second
	// DefaultQueueCapacity is the default capacity of the job queue.
	DefaultQueueCapacity = 1024
	maxDefaultWorkers    = 4
	// retryInterval is the pause between posts to a full queue
	retryInterval = time.Millisecond
)

// ErrWorkers is returned when non-blocking manager is configured with
// worker goroutines.
var ErrWorkers = errors.New("non-blocking manager cannot run workers")

// Option configures the manager.
type Option func(*Manager) error

// WithVFS sets file system used to open files. OS file system is used by
// default.
func WithVFS(fs vfs.FS) Option {
	return func(m *Manager) error {
		m.fs = fs
		return nil
	}
}

// WithCodec registers codec for file extension, for example ".wav".
func WithCodec(ext string, c phonograph.Codec) Option {
	return func(m *Manager) error {
		m.codecs[ext] = c
		return nil
	}
}

// WithCodecs registers all provided codecs.
func WithCodecs(codecs phonograph.Codecs) Option {
	return func(m *Manager) error {
		for ext, c := range codecs {
			m.codecs[ext] = c
		}
		return nil
	}
}

// WithWorkers sets number of worker goroutines. Zero means no workers,
// the application must call Process to execute jobs.
func WithWorkers(n int) Option {
	return func(m *Manager) error {
		if n < 0 {
			return fmt.Errorf("%w: %d workers", phonograph.ErrInvalidArgs, n)
		}
		m.workers = n
		return nil
	}
}

// WithQueueCapacity sets capacity of the job queue.
func WithQueueCapacity(n uint32) Option {
	return func(m *Manager) error {
		m.capacity = n
		return nil
	}
}

// WithPageDuration sets duration of decoded pages.
func WithPageDuration(d time.Duration) Option {
	return func(m *Manager) error {
		if d <= 0 {
			return fmt.Errorf("%w: page duration %v", phonograph.ErrInvalidArgs, d)
		}
		m.pageDuration = d
		return nil
	}
}

// WithFlags sets job queue flags.
func WithFlags(flags job.Flags) Option {
	return func(m *Manager) error {
		m.flags = flags
		return nil
	}
}

// WithLogger sets logger for the manager.
func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) error {
		m.log = l
		return nil
	}
}

// Stats is a snapshot of manager counters.
type Stats struct {
	Resident int
	Loads    uint64
	Failures uint64
}

// Manager owns the job queue, worker goroutines and the tree of shared
// data buffers.
type Manager struct {
	fs           vfs.FS
	codecs       phonograph.Codecs
	workers      int
	capacity     uint32
	flags        job.Flags
	pageDuration time.Duration
	log          logrus.FieldLogger

	queue  *job.Queue
	cancel context.CancelFunc
	group  *errgroup.Group

	mu   sync.Mutex
	tree bufferTree

	loads    atomic.Uint64
	failures atomic.Uint64
}

// New creates a manager and starts its workers.
func New(options ...Option) (*Manager, error) {
	m := Manager{
		fs:           vfs.OS(),
		codecs:       phonograph.Codecs{},
		workers:      -1,
		capacity:     DefaultQueueCapacity,
		pageDuration: DefaultPageDuration,
		log:          log.Silent(),
	}
	for _, option := range options {
		if err := option(&m); err != nil {
			return nil, err
		}
	}
	if m.flags&job.NonBlocking != 0 {
		if m.workers > 0 {
			return nil, ErrWorkers
		}
		m.workers = 0
	}
	if m.workers < 0 {
		m.workers = defaultWorkers()
	}

	q, err := job.NewQueue(m.capacity, m.flags)
	if err != nil {
		return nil, fmt.Errorf("job queue: %w", err)
	}
	m.queue = q

	var ctx context.Context
	ctx, m.cancel = context.WithCancel(context.Background())
	m.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < m.workers; i++ {
		m.group.Go(func() error {
			return m.work(ctx)
		})
	}
	m.log.WithField("workers", m.workers).Debug("resource manager started")
	return &m, nil
}

func defaultWorkers() int {
	return min(max(cpuid.CPU.LogicalCores/2, 1), maxDefaultWorkers)
}

func (m *Manager) work(ctx context.Context) error {
	for {
		j, err := m.queue.Next(ctx)
		if err != nil {
			if errors.Is(err, job.ErrCancelled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := job.Process(ctx, m.queue, j); err != nil {
			m.log.WithField("job", j.Code).WithError(err).Warn("job failed")
		}
	}
}

// Process executes one job from the queue. It's meant for managers
// without workers. In blocking mode it waits for a job, otherwise
// job.ErrNoDataAvailable is returned if there are no jobs.
func (m *Manager) Process(ctx context.Context) error {
	j, err := m.queue.Next(ctx)
	if err != nil {
		return err
	}
	return job.Process(ctx, m.queue, j)
}

// Post posts a custom job to the manager's queue.
func (m *Manager) Post(p job.Payload) error {
	return m.queue.Post(job.New(p, 0))
}

// post posts an ordered job. The order of a job that can't be posted is
// retired, so jobs posted later still execute.
func (m *Manager) post(p job.Payload, seq *job.Sequencer) error {
	j := job.New(p, seq.Next())
	if err := m.queue.Post(j); err != nil {
		seq.Retire(j.Order)
		return err
	}
	return nil
}

// postWait posts an ordered job and waits for room while the queue is
// full. Managers without workers make room by executing queued jobs. It
// must not be called from jobs or the audio thread.
func (m *Manager) postWait(ctx context.Context, p job.Payload, seq *job.Sequencer) error {
	j := job.New(p, seq.Next())
	for {
		err := m.queue.Post(j)
		if !errors.Is(err, job.ErrQueueFull) {
			if err != nil {
				seq.Retire(j.Order)
			}
			return err
		}
		if m.workers == 0 {
			err = m.Process(ctx)
			if errors.Is(err, job.ErrNoDataAvailable) {
				err = nil
			}
			if err != nil && ctx.Err() == nil && !errors.Is(err, job.ErrCancelled) {
				// failure of another job, the queue has room now
				m.log.WithError(err).Warn("job failed")
				err = nil
			}
		} else {
			select {
			case <-ctx.Done():
				err = ctx.Err()
			case <-time.After(retryInterval):
			}
		}
		if err != nil {
			seq.Retire(j.Order)
			return err
		}
	}
}

// Workers returns number of worker goroutines.
func (m *Manager) Workers() int {
	return m.workers
}

// QueueStats returns job queue counters.
func (m *Manager) QueueStats() job.Stats {
	return m.queue.Stats()
}

// Resident returns number of data buffer nodes in memory.
func (m *Manager) Resident() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tree.count
}

// Stats returns manager counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Resident: m.Resident(),
		Loads:    m.loads.Load(),
		Failures: m.failures.Load(),
	}
}

// Close stops workers and frees all data buffer nodes that are still
// resident. Data sources must not be used after Close.
func (m *Manager) Close() error {
	var result *multierror.Error
	if err := m.queue.Post(job.QuitJob()); err != nil {
		result = multierror.Append(result, err)
		m.cancel()
	}
	result = multierror.Append(result, m.group.Wait())
	m.cancel()

	m.mu.Lock()
	nodes := m.tree.nodes()
	m.tree = bufferTree{}
	m.mu.Unlock()
	for _, n := range nodes {
		result = multierror.Append(result, n.free())
	}
	m.log.Debug("resource manager closed")
	return result.ErrorOrNil()
}

// openDecoder opens the file and creates decoder for it.
func (m *Manager) openDecoder(name string) (phonograph.Decoder, vfs.File, error) {
	codec, err := m.codecs.Lookup(name)
	if err != nil {
		return nil, nil, err
	}
	f, err := m.fs.Open(name)
	if err != nil {
		return nil, nil, err
	}
	dec, err := codec.Decode(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("decode %q: %w", name, err)
	}
	if err := dec.Format().Validate(); err != nil {
		return nil, nil, multierror.Append(fmt.Errorf("decode %q: %w", name, err), closeSource(dec, f))
	}
	return dec, f, nil
}

func (m *Manager) pageFrames(f phonograph.Format) uint64 {
	return max(signal.FramesOf(f.SampleRate, m.pageDuration), 1)
}

// closeSource closes decoder and then the file it reads.
func closeSource(dec phonograph.Decoder, f vfs.File) error {
	var result *multierror.Error
	if dec != nil {
		result = multierror.Append(result, dec.Close())
	}
	if f != nil {
		result = multierror.Append(result, f.Close())
	}
	return result.ErrorOrNil()
}

// readFull reads from decoder until dst is full or decoder is exhausted.
// io.EOF is returned if decoder ended before dst was filled.
func readFull(dec phonograph.Decoder, dst []float32, channels int) (uint64, error) {
	var total int
	for total*channels < len(dst) {
		n, err := dec.Read(dst[total*channels:])
		total += n
		if err != nil {
			return uint64(total), err
		}
		if n == 0 {
			return uint64(total), errNoProgress
		}
	}
	return uint64(total), nil
}

var errNoProgress = errors.New("decoder made no progress")

// errorValue is an error that can be stored and loaded atomically.
type errorValue struct {
	p atomic.Pointer[error]
}

func (v *errorValue) Store(err error) {
	v.p.Store(&err)
}

func (v *errorValue) Load() error {
	if p := v.p.Load(); p != nil {
		return *p
	}
	return nil
}
