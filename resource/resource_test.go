package resource_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dudk/phonograph"
	"github.com/dudk/phonograph/fence"
	"github.com/dudk/phonograph/internal/mock"
	"github.com/dudk/phonograph/job"
	"github.com/dudk/phonograph/resource"
	"github.com/dudk/phonograph/vfs"
)

const (
	channels   = 2
	sampleRate = 1000
	// pageFrames is number of frames in a page of 100ms at 1000Hz.
	pageFrames = 100
)

var errBoom = errors.New("boom")

type fixture struct {
	codec *mock.Codec
	fs    vfs.FS
	files afero.Fs
}

func newFixture() *fixture {
	fs, files := vfs.Memory()
	return &fixture{
		codec: &mock.Codec{
			Format: phonograph.Format{
				SampleFormat: phonograph.FormatF32,
				Channels:     channels,
				SampleRate:   sampleRate,
			},
		},
		fs:    fs,
		files: files,
	}
}

// file writes a ramp of frames and returns its samples.
func (f *fixture) file(t *testing.T, name string, frames int) []float32 {
	t.Helper()
	samples := mock.Ramp(frames, channels)
	require.NoError(t, afero.WriteFile(f.files, name, mock.Encode(samples), 0o644))
	return samples
}

func (f *fixture) manager(t *testing.T, options ...resource.Option) *resource.Manager {
	t.Helper()
	options = append([]resource.Option{
		resource.WithVFS(f.fs),
		resource.WithCodec(".raw", f.codec),
		resource.WithPageDuration(100 * time.Millisecond),
	}, options...)
	m, err := resource.New(options...)
	require.NoError(t, err)
	return m
}

// manual returns manager without workers.
func (f *fixture) manual(t *testing.T) *resource.Manager {
	return f.manager(t, resource.WithWorkers(0), resource.WithFlags(job.NonBlocking))
}

// drain processes all posted jobs of the manager without workers.
func drain(t *testing.T, m *resource.Manager) {
	t.Helper()
	for {
		err := m.Process(context.Background())
		if errors.Is(err, job.ErrNoDataAvailable) {
			return
		}
		require.NoError(t, err)
	}
}

// readAll reads the source until io.EOF.
func readAll(t *testing.T, src phonograph.DataSource, chunk int) []float32 {
	t.Helper()
	var result []float32
	buf := make([]float32, chunk*channels)
	for {
		n, err := src.Read(buf)
		result = append(result, buf[:n*channels]...)
		if errors.Is(err, io.EOF) {
			return result
		}
		require.NoError(t, err)
		require.NotZero(t, n)
	}
}

func TestNew(t *testing.T) {
	defer goleak.VerifyNone(t)
	_, err := resource.New(resource.WithWorkers(1), resource.WithFlags(job.NonBlocking))
	assert.ErrorIs(t, err, resource.ErrWorkers)

	_, err = resource.New(resource.WithWorkers(-1))
	assert.ErrorIs(t, err, phonograph.ErrInvalidArgs)

	_, err = resource.New(resource.WithPageDuration(0))
	assert.ErrorIs(t, err, phonograph.ErrInvalidArgs)

	_, err = resource.New(resource.WithQueueCapacity(0))
	assert.Error(t, err)

	m, err := resource.New()
	require.NoError(t, err)
	assert.Positive(t, m.Workers())
	assert.NoError(t, m.Close())
}

func TestDataBufferRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture()
	expected := f.file(t, "a.raw", 250)
	m := f.manager(t, resource.WithWorkers(1))
	defer m.Close()

	b, err := m.InitDataBuffer(context.Background(), resource.DataSourceConfig{
		Name:  "a.raw",
		Flags: resource.Decode,
	})
	require.NoError(t, err)
	require.NoError(t, b.Result())
	assert.Equal(t, f.codec.Format, b.Format())
	length, ok := b.Length()
	assert.True(t, ok)
	assert.Equal(t, uint64(250), length)
	assert.Equal(t, uint64(250), b.AvailableFrames())

	assert.Equal(t, expected, readAll(t, b, 64))
	assert.Equal(t, uint64(250), b.Cursor())
	assert.Zero(t, b.AvailableFrames())

	require.NoError(t, b.Seek(200))
	buf := make([]float32, 100*channels)
	n, err := b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 50, n)
	assert.Equal(t, expected[200*channels:], buf[:n*channels])

	assert.ErrorIs(t, b.Seek(251), phonograph.ErrBadSeek)
	require.NoError(t, b.Close())
	_, err = b.Read(buf)
	assert.ErrorIs(t, err, phonograph.ErrClosed)
	assert.Zero(t, m.Resident())
}

func TestDataBufferLooping(t *testing.T) {
	f := newFixture()
	expected := f.file(t, "a.raw", 30)
	m := f.manual(t)
	defer m.Close()

	b, err := m.InitDataBuffer(context.Background(), resource.DataSourceConfig{
		Name:  "a.raw",
		Flags: resource.Decode | resource.Looping,
	})
	require.NoError(t, err)
	assert.True(t, b.Looping())

	buf := make([]float32, 70*channels)
	n, err := b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 70, n)
	assert.Equal(t, expected, buf[:30*channels])
	assert.Equal(t, expected, buf[30*channels:60*channels])
	assert.Equal(t, expected[:10*channels], buf[60*channels:])
	assert.Equal(t, uint64(10), b.Cursor())

	b.SetLooping(false)
	assert.Equal(t, expected[10*channels:], readAll(t, b, 16))
	require.NoError(t, b.Close())
}

func TestDataBufferRefcount(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture()
	expected := f.file(t, "a.raw", 150)
	m := f.manager(t, resource.WithWorkers(2))
	defer m.Close()

	const consumers = 5
	buffers := make([]*resource.DataBuffer, 0, consumers)
	for i := 0; i < consumers; i++ {
		b, err := m.InitDataBuffer(context.Background(), resource.DataSourceConfig{
			Name:  "a.raw",
			Flags: resource.Decode,
		})
		require.NoError(t, err)
		buffers = append(buffers, b)
	}
	assert.Equal(t, 1, f.codec.Decodes())
	assert.Equal(t, 1, m.Resident())

	// every consumer has its own cursor
	for _, b := range buffers {
		assert.Equal(t, expected, readAll(t, b, 40))
	}

	for _, b := range buffers {
		assert.Equal(t, 1, m.Resident())
		require.NoError(t, b.Close())
	}
	assert.Zero(t, m.Resident())
	// double close is a no-op
	require.NoError(t, buffers[0].Close())

	b, err := m.InitDataBuffer(context.Background(), resource.DataSourceConfig{
		Name:  "a.raw",
		Flags: resource.Decode,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, f.codec.Decodes())
	require.NoError(t, b.Close())
	assert.Equal(t, uint64(2), m.Stats().Loads)
}

func TestDataBufferAsync(t *testing.T) {
	tests := map[string]struct {
		flags   resource.Flags
		unknown bool
	}{
		"decoded": {
			flags: resource.Decode | resource.Async,
		},
		"paged": {
			flags:   resource.Decode | resource.Async,
			unknown: true,
		},
		"forced paged": {
			flags: resource.Decode | resource.Async | resource.UnknownLength,
		},
		"wait init": {
			flags: resource.Decode | resource.WaitInit,
		},
		"encoded": {
			flags: resource.Async,
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			defer goleak.VerifyNone(t)
			f := newFixture()
			f.codec.UnknownLength = test.unknown
			expected := f.file(t, "a.raw", 420)
			m := f.manager(t, resource.WithWorkers(4))
			defer m.Close()

			const consumers = 8
			var (
				done    fence.Fence
				initEvt = make([]*fence.Event, consumers)
				buffers = make([]*resource.DataBuffer, consumers)
			)
			for i := range buffers {
				initEvt[i] = fence.NewEvent()
				b, err := m.InitDataBuffer(context.Background(), resource.DataSourceConfig{
					Name:  "a.raw",
					Flags: test.flags,
					Notifications: fence.Pipeline{
						Init: fence.Stage{Notification: initEvt[i]},
						Done: fence.Stage{Fence: &done},
					},
				})
				require.NoError(t, err)
				buffers[i] = b
			}
			require.NoError(t, done.Wait(context.Background()))
			assert.Equal(t, 1, m.Resident())
			assert.Equal(t, uint64(1), m.Stats().Loads)
			for i, b := range buffers {
				require.NoError(t, initEvt[i].Wait(context.Background()))
				require.NoError(t, b.Result())
				length, ok := b.Length()
				assert.True(t, ok)
				assert.Equal(t, uint64(420), length)
				assert.Equal(t, expected, readAll(t, b, 33))
			}
			for _, b := range buffers {
				require.NoError(t, b.Close())
			}
			assert.Zero(t, m.Resident())
		})
	}
}

func TestDataBufferAsyncBusy(t *testing.T) {
	f := newFixture()
	expected := f.file(t, "a.raw", 250)
	m := f.manual(t)
	defer m.Close()

	var poll fence.Poll
	b, err := m.InitDataBuffer(context.Background(), resource.DataSourceConfig{
		Name:          "a.raw",
		Flags:         resource.Decode | resource.Async,
		Notifications: fence.Pipeline{Done: fence.Stage{Notification: &poll}},
	})
	require.NoError(t, err)
	assert.ErrorIs(t, b.Result(), phonograph.ErrBusy)
	assert.Zero(t, b.Format())
	assert.Zero(t, b.AvailableFrames())
	buf := make([]float32, 10*channels)
	_, err = b.Read(buf)
	assert.ErrorIs(t, err, phonograph.ErrBusy)

	// first page is decoded by the load job
	require.NoError(t, m.Process(context.Background()))
	assert.ErrorIs(t, b.Result(), phonograph.ErrBusy)
	assert.Equal(t, uint64(pageFrames), b.AvailableFrames())
	assert.False(t, poll.Signalled())

	require.NoError(t, b.Seek(pageFrames))
	_, err = b.Read(buf)
	assert.ErrorIs(t, err, phonograph.ErrBusy)

	drain(t, m)
	signalled, result := poll.Result()
	assert.True(t, signalled)
	assert.NoError(t, result)
	require.NoError(t, b.Result())
	assert.Equal(t, expected[pageFrames*channels:], readAll(t, b, 64))
	require.NoError(t, b.Close())
	assert.Zero(t, m.Resident())
}

func TestDataBufferCloseWhileLoading(t *testing.T) {
	f := newFixture()
	f.file(t, "a.raw", 250)
	m := f.manual(t)
	defer m.Close()

	var done fence.Fence
	b, err := m.InitDataBuffer(context.Background(), resource.DataSourceConfig{
		Name:          "a.raw",
		Flags:         resource.Decode | resource.Async,
		Notifications: fence.Pipeline{Done: fence.Stage{Fence: &done}},
	})
	require.NoError(t, err)
	require.NoError(t, m.Process(context.Background()))
	require.NoError(t, b.Close())
	assert.Zero(t, m.Resident())
	// fences of closed consumers are released
	assert.Zero(t, done.Count())
	drain(t, m)
	assert.Zero(t, m.QueueStats().Posted-m.QueueStats().Consumed)
}

func TestDataBufferErrors(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture()
	f.file(t, "a.raw", 250)
	require.NoError(t, afero.WriteFile(f.files, "a.ogg", nil, 0o644))
	m := f.manager(t, resource.WithWorkers(2))
	defer m.Close()
	ctx := context.Background()

	_, err := m.InitDataBuffer(ctx, resource.DataSourceConfig{})
	assert.ErrorIs(t, err, phonograph.ErrInvalidArgs)

	_, err = m.InitDataBuffer(ctx, resource.DataSourceConfig{Name: "a.ogg", Flags: resource.Decode})
	assert.ErrorIs(t, err, phonograph.ErrUnsupportedFormat)

	_, err = m.InitDataBuffer(ctx, resource.DataSourceConfig{Name: "missing.raw", Flags: resource.Decode})
	assert.Error(t, err)

	f.codec.ErrorOnDecode = errBoom
	_, err = m.InitDataBuffer(ctx, resource.DataSourceConfig{Name: "a.raw", Flags: resource.Decode})
	assert.ErrorIs(t, err, errBoom)
	assert.Zero(t, m.Resident())
	f.codec.ErrorOnDecode = nil

	f.codec.ErrorOnRead, f.codec.ErrorAfter = errBoom, 150
	done := fence.NewEvent()
	b, err := m.InitDataBuffer(ctx, resource.DataSourceConfig{
		Name:          "a.raw",
		Flags:         resource.Decode | resource.Async,
		Notifications: fence.Pipeline{Done: fence.Stage{Notification: done}},
	})
	require.NoError(t, err)
	assert.ErrorIs(t, done.Wait(ctx), errBoom)
	assert.ErrorIs(t, b.Result(), errBoom)
	require.NoError(t, b.Close())
	assert.Zero(t, m.Resident())
	assert.Equal(t, uint64(4), m.Stats().Failures)
}

func TestDataStream(t *testing.T) {
	f := newFixture()
	expected := f.file(t, "a.raw", 250)
	m := f.manual(t)
	defer m.Close()

	s, err := m.InitDataStream(context.Background(), resource.DataSourceConfig{Name: "a.raw"})
	require.NoError(t, err)
	require.NoError(t, s.Result())
	assert.Equal(t, f.codec.Format, s.Format())
	length, ok := s.Length()
	assert.True(t, ok)
	assert.Equal(t, uint64(250), length)
	assert.Equal(t, uint64(2*pageFrames), s.AvailableFrames())

	buf := make([]float32, pageFrames*channels)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, pageFrames, n)
	assert.Equal(t, expected[:pageFrames*channels], buf)
	n, err = s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, pageFrames, n)

	// both pages are consumed until jobs are processed
	_, err = s.Read(buf)
	assert.ErrorIs(t, err, phonograph.ErrBusy)
	drain(t, m)

	assert.Equal(t, expected[2*pageFrames*channels:], readAll(t, s, pageFrames))
	assert.Equal(t, uint64(250), s.Cursor())
	require.NoError(t, s.Close())
	_, err = s.Read(buf)
	assert.ErrorIs(t, err, phonograph.ErrClosed)
}

func TestDataStreamSeek(t *testing.T) {
	f := newFixture()
	expected := f.file(t, "a.raw", 250)
	m := f.manual(t)
	defer m.Close()

	s, err := m.InitDataStream(context.Background(), resource.DataSourceConfig{Name: "a.raw"})
	require.NoError(t, err)
	assert.ErrorIs(t, s.Seek(251), phonograph.ErrBadSeek)

	require.NoError(t, s.Seek(120))
	assert.Equal(t, uint64(120), s.Cursor())
	buf := make([]float32, 10*channels)
	_, err = s.Read(buf)
	assert.ErrorIs(t, err, phonograph.ErrBusy)
	assert.Zero(t, s.AvailableFrames())

	drain(t, m)
	var got []float32
	for {
		n, err := s.Read(buf)
		got = append(got, buf[:n*channels]...)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, phonograph.ErrBusy) {
			drain(t, m)
			continue
		}
		require.NoError(t, err)
	}
	assert.Equal(t, expected[120*channels:], got)
	require.NoError(t, s.Close())
}

func TestDataStreamAsync(t *testing.T) {
	f := newFixture()
	expected := f.file(t, "a.raw", 150)
	m := f.manual(t)
	defer m.Close()

	init := fence.NewEvent()
	s, err := m.InitDataStream(context.Background(), resource.DataSourceConfig{
		Name:          "a.raw",
		Flags:         resource.Stream | resource.Async,
		Notifications: fence.Pipeline{Init: fence.Stage{Notification: init}},
	})
	require.NoError(t, err)
	assert.ErrorIs(t, s.Result(), phonograph.ErrBusy)
	assert.Zero(t, s.Format())
	buf := make([]float32, 10*channels)
	_, err = s.Read(buf)
	assert.ErrorIs(t, err, phonograph.ErrBusy)

	drain(t, m)
	require.NoError(t, init.Wait(context.Background()))
	require.NoError(t, s.Result())
	assert.Equal(t, expected, readAll(t, s, 64))
	require.NoError(t, s.Close())
}

func TestDataStreamWorkers(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture()
	expected := f.file(t, "a.raw", 1000)
	m := f.manager(t, resource.WithWorkers(2))
	defer m.Close()

	s, err := m.InitDataStream(context.Background(), resource.DataSourceConfig{
		Name:  "a.raw",
		Flags: resource.Stream | resource.WaitInit,
	})
	require.NoError(t, err)
	var got []float32
	buf := make([]float32, 64*channels)
	for {
		n, err := s.Read(buf)
		got = append(got, buf[:n*channels]...)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, phonograph.ErrBusy) {
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, err)
	}
	assert.Equal(t, expected, got)
	require.NoError(t, s.Close())
}

func TestDataStreamLooping(t *testing.T) {
	f := newFixture()
	expected := f.file(t, "a.raw", 30)
	m := f.manual(t)
	defer m.Close()

	s, err := m.InitDataStream(context.Background(), resource.DataSourceConfig{
		Name:  "a.raw",
		Flags: resource.Looping,
	})
	require.NoError(t, err)
	assert.True(t, s.Looping())
	buf := make([]float32, 70*channels)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 70, n)
	assert.Equal(t, expected, buf[:30*channels])
	assert.Equal(t, expected, buf[30*channels:60*channels])
	assert.Equal(t, expected[:10*channels], buf[60*channels:])
	require.NoError(t, s.Close())
}

// A stream of one and a half pages initialised without looping keeps the
// final mark on its second page. Enabling looping afterwards doesn't
// change that until the stream is seeked.
func TestDataStreamShortPrefill(t *testing.T) {
	f := newFixture()
	expected := f.file(t, "a.raw", pageFrames*3/2)
	m := f.manual(t)
	defer m.Close()

	read := func(s *resource.DataStream) []float32 {
		var got []float32
		buf := make([]float32, pageFrames*channels)
		for {
			n, err := s.Read(buf)
			got = append(got, buf[:n*channels]...)
			if errors.Is(err, io.EOF) {
				return got
			}
			require.NoError(t, err)
			drain(t, m)
		}
	}

	s, err := m.InitDataStream(context.Background(), resource.DataSourceConfig{Name: "a.raw"})
	require.NoError(t, err)
	assert.Equal(t, expected, read(s))
	require.NoError(t, s.Close())

	s, err = m.InitDataStream(context.Background(), resource.DataSourceConfig{Name: "a.raw"})
	require.NoError(t, err)
	s.SetLooping(true)
	assert.Equal(t, expected, read(s))

	require.NoError(t, s.Seek(0))
	drain(t, m)
	buf := make([]float32, pageFrames*channels)
	for i := 0; i < 5; i++ {
		n, err := s.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, pageFrames, n)
		drain(t, m)
	}
	require.NoError(t, s.Close())
}

func TestDataStreamErrors(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture()
	f.file(t, "a.raw", 250)
	m := f.manager(t, resource.WithWorkers(1))
	defer m.Close()
	ctx := context.Background()

	_, err := m.InitDataStream(ctx, resource.DataSourceConfig{})
	assert.ErrorIs(t, err, phonograph.ErrInvalidArgs)

	_, err = m.InitDataStream(ctx, resource.DataSourceConfig{Name: "missing.raw"})
	assert.Error(t, err)

	f.codec.ErrorOnDecode = errBoom
	_, err = m.InitDataStream(ctx, resource.DataSourceConfig{
		Name:  "a.raw",
		Flags: resource.WaitInit,
	})
	assert.ErrorIs(t, err, errBoom)
	f.codec.ErrorOnDecode = nil

	f.codec.ErrorOnRead, f.codec.ErrorAfter = errBoom, 220
	s, err := m.InitDataStream(ctx, resource.DataSourceConfig{Name: "a.raw"})
	require.NoError(t, err)
	buf := make([]float32, 2*pageFrames*channels)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 2*pageFrames, n)
	assert.Eventually(t, func() bool {
		return errors.Is(s.Result(), errBoom)
	}, time.Second, time.Millisecond)
	_, err = s.Read(buf)
	assert.ErrorIs(t, err, errBoom)
	require.NoError(t, s.Close())
}

func TestDataSource(t *testing.T) {
	f := newFixture()
	expected := f.file(t, "a.raw", 120)
	m := f.manual(t)
	defer m.Close()

	for _, flags := range []resource.Flags{resource.Stream, resource.Decode} {
		src, err := m.InitDataSource(context.Background(), resource.DataSourceConfig{
			Name:  "a.raw",
			Flags: flags,
		})
		require.NoError(t, err)
		assert.Equal(t, flags == resource.Stream, src.IsStream())

		var got []float32
		buf := make([]float32, 50*channels)
		for {
			n, err := src.Read(buf)
			got = append(got, buf[:n*channels]...)
			if errors.Is(err, io.EOF) {
				break
			}
			require.NoError(t, err)
			drain(t, m)
		}
		assert.Equal(t, expected, got)
		require.NoError(t, src.Close())
	}
}

func TestCustomJob(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := newFixture().manager(t, resource.WithWorkers(4))

	const jobs = 100
	var wg sync.WaitGroup
	wg.Add(jobs)
	for i := 0; i < jobs; i++ {
		require.NoError(t, m.Post(job.Func(func(context.Context) error {
			wg.Done()
			return nil
		})))
	}
	wg.Wait()
	require.NoError(t, m.Close())
	stats := m.QueueStats()
	assert.Equal(t, uint64(jobs), stats.Consumed)
}

func TestManagerCloseFreesNodes(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture()
	f.file(t, "a.raw", 100)
	f.file(t, "b.raw", 100)
	m := f.manager(t, resource.WithWorkers(1))
	for _, name := range []string{"a.raw", "b.raw"} {
		_, err := m.InitDataBuffer(context.Background(), resource.DataSourceConfig{
			Name:  name,
			Flags: resource.Decode,
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, m.Resident())
	require.NoError(t, m.Close())
	assert.Zero(t, m.Resident())
}

// full returns manager without workers whose queue holds one job.
func (f *fixture) full(t *testing.T) *resource.Manager {
	return f.manager(t,
		resource.WithWorkers(0),
		resource.WithFlags(job.NonBlocking),
		resource.WithQueueCapacity(1),
	)
}

func noop(context.Context) error {
	return nil
}

// closeWithin fails the test if close doesn't return in time.
func closeWithin(t *testing.T, closer func() error) {
	t.Helper()
	closed := make(chan error, 1)
	go func() { closed <- closer() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("close didn't return")
	}
}

func TestDataStreamQueueFull(t *testing.T) {
	f := newFixture()
	expected := f.file(t, "a.raw", 250)
	m := f.full(t)
	defer m.Close()
	ctx := context.Background()

	s, err := m.InitDataStream(ctx, resource.DataSourceConfig{Name: "a.raw"})
	require.NoError(t, err)
	require.NoError(t, m.Post(job.Func(noop)))

	var got []float32
	buf := make([]float32, pageFrames*channels)
	for i := 0; i < 2; i++ {
		n, err := s.Read(buf)
		require.NoError(t, err)
		require.Equal(t, pageFrames, n)
		got = append(got, buf[:n*channels]...)
	}
	// refill jobs wait for room in the queue
	_, err = s.Read(buf)
	assert.ErrorIs(t, err, phonograph.ErrBusy)
	assert.NoError(t, s.Result())
	assert.Zero(t, m.Stats().Failures)

	for {
		n, err := s.Read(buf)
		got = append(got, buf[:n*channels]...)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, phonograph.ErrBusy) {
			if err := m.Process(ctx); !errors.Is(err, job.ErrNoDataAvailable) {
				require.NoError(t, err)
			}
			continue
		}
		require.NoError(t, err)
	}
	assert.Equal(t, expected, got)
	closeWithin(t, s.Close)
	assert.Zero(t, m.QueueStats().Reposted)
}

func TestDataStreamCloseWithStalledJobs(t *testing.T) {
	f := newFixture()
	f.file(t, "a.raw", 250)
	m := f.full(t)
	defer m.Close()

	s, err := m.InitDataStream(context.Background(), resource.DataSourceConfig{Name: "a.raw"})
	require.NoError(t, err)
	require.NoError(t, m.Post(job.Func(noop)))
	buf := make([]float32, 2*pageFrames*channels)
	n, err := s.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 2*pageFrames, n)

	closeWithin(t, s.Close)
	assert.Zero(t, m.QueueStats().Reposted)
}

func TestDataStreamSeekQueueFull(t *testing.T) {
	f := newFixture()
	expected := f.file(t, "a.raw", 250)
	m := f.full(t)
	defer m.Close()
	ctx := context.Background()

	s, err := m.InitDataStream(ctx, resource.DataSourceConfig{Name: "a.raw"})
	require.NoError(t, err)
	require.NoError(t, m.Post(job.Func(noop)))

	require.NoError(t, s.Seek(200))
	buf := make([]float32, pageFrames*channels)
	_, err = s.Read(buf)
	assert.ErrorIs(t, err, phonograph.ErrBusy)
	drain(t, m)
	// seek job is posted by the read
	_, err = s.Read(buf)
	assert.ErrorIs(t, err, phonograph.ErrBusy)
	drain(t, m)

	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 50, n)
	assert.Equal(t, expected[200*channels:], buf[:n*channels])
	closeWithin(t, s.Close)
}

func TestDataBufferPagesQueueFull(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture()
	f.codec.Hold = make(chan struct{})
	expected := f.file(t, "a.raw", 450)
	m := f.manager(t, resource.WithWorkers(1), resource.WithQueueCapacity(1))
	defer m.Close()

	b, err := m.InitDataBuffer(context.Background(), resource.DataSourceConfig{
		Name:  "a.raw",
		Flags: resource.Decode | resource.Async,
	})
	require.NoError(t, err)
	// the queue is filled while the worker decodes a page
	require.Eventually(t, func() bool {
		return m.Post(job.Func(noop)) == nil
	}, 5*time.Second, time.Millisecond)
	close(f.codec.Hold)

	require.Eventually(t, func() bool {
		return b.Result() == nil
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, expected, readAll(t, b, 64))
	closeWithin(t, b.Close)
	assert.Zero(t, m.Resident())
	assert.Zero(t, m.Stats().Failures)
}
