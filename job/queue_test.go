package job_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dudk/phonograph/job"
)

// owner records execution of its ordered jobs.
type owner struct {
	seq job.Sequencer
	mu  sync.Mutex
	log []int
}

type step struct {
	owner *owner
	value int
}

func (step) Code() job.Code { return job.Custom }

func (s *step) Sequencer() *job.Sequencer { return &s.owner.seq }

func (s *step) Process(context.Context) error {
	s.owner.mu.Lock()
	s.owner.log = append(s.owner.log, s.value)
	s.owner.mu.Unlock()
	return nil
}

func (o *owner) post(t *testing.T, q *job.Queue, value int) {
	t.Helper()
	require.NoError(t, q.Post(job.New(&step{owner: o, value: value}, o.seq.Next())))
}

func (o *owner) executed() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.log...)
}

func worker(ctx context.Context, q *job.Queue) error {
	for {
		j, err := q.Next(ctx)
		if err != nil {
			if errors.Is(err, job.ErrCancelled) {
				return nil
			}
			return err
		}
		if err := job.Process(ctx, q, j); err != nil {
			return err
		}
	}
}

func TestQueueFIFO(t *testing.T) {
	q, err := job.NewQueue(8, job.NonBlocking)
	require.NoError(t, err)
	assert.False(t, q.Blocking())
	assert.Equal(t, 8, q.Capacity())

	_, err = q.Next(context.Background())
	assert.ErrorIs(t, err, job.ErrNoDataAvailable)

	var got []int
	for i := 0; i < 3; i++ {
		i := i
		require.NoError(t, q.Post(job.New(job.Func(func(context.Context) error {
			got = append(got, i)
			return nil
		}), 0)))
	}
	assert.Equal(t, 3, q.Len())
	for i := 0; i < 3; i++ {
		j, err := q.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, job.Custom, j.Code)
		require.NoError(t, job.Process(context.Background(), q, j))
	}
	assert.Equal(t, []int{0, 1, 2}, got)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, job.Stats{Posted: 3, Consumed: 3}, q.Stats())
}

func TestQueueFull(t *testing.T) {
	q, err := job.NewQueue(2, job.NonBlocking)
	require.NoError(t, err)
	noop := job.New(job.Func(func(context.Context) error { return nil }), 0)
	require.NoError(t, q.Post(noop))
	require.NoError(t, q.Post(noop))
	assert.ErrorIs(t, q.Post(noop), job.ErrQueueFull)

	// slots are reused after consumption
	for i := 0; i < 10; i++ {
		_, err := q.Next(context.Background())
		require.NoError(t, err)
		require.NoError(t, q.Post(noop))
	}
}

func TestQueueInvalidCapacity(t *testing.T) {
	_, err := job.NewQueue(0, 0)
	assert.Error(t, err)
}

func TestProcessError(t *testing.T) {
	q, err := job.NewQueue(1, job.NonBlocking)
	require.NoError(t, err)
	failure := errors.New("failure")
	err = job.Process(context.Background(), q, job.New(job.Func(func(context.Context) error {
		return failure
	}), 0))
	assert.ErrorIs(t, err, failure)
	assert.ErrorIs(t, job.Process(context.Background(), q, job.QuitJob()), job.ErrCancelled)
}

func TestBlockingNextContext(t *testing.T) {
	defer goleak.VerifyNone(t)
	q, err := job.NewQueue(4, 0)
	require.NoError(t, err)
	assert.True(t, q.Blocking())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = q.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQuit(t *testing.T) {
	defer goleak.VerifyNone(t)
	tests := []struct {
		workers int
		jobs    int
	}{
		{workers: 1, jobs: 0},
		{workers: 4, jobs: 10},
		{workers: 16, jobs: 100},
	}
	for _, test := range tests {
		q, err := job.NewQueue(128, 0)
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			cancelled = make(chan struct{}, test.workers)
		)
		wg.Add(test.workers)
		for i := 0; i < test.workers; i++ {
			go func() {
				defer wg.Done()
				for {
					j, err := q.Next(context.Background())
					if errors.Is(err, job.ErrCancelled) {
						assert.Equal(t, job.Quit, j.Code)
						cancelled <- struct{}{}
						return
					}
					assert.NoError(t, job.Process(context.Background(), q, j))
				}
			}()
		}
		for i := 0; i < test.jobs; i++ {
			require.NoError(t, q.Post(job.New(job.Func(func(context.Context) error { return nil }), 0)))
		}
		require.NoError(t, q.Post(job.QuitJob()))
		wg.Wait()
		close(cancelled)

		assert.Len(t, cancelled, test.workers)
		// quit job stays in the queue and is not consumed
		assert.Equal(t, 1, q.Len())
		stats := q.Stats()
		assert.Equal(t, uint64(test.jobs+1), stats.Posted)
		assert.Equal(t, uint64(test.jobs), stats.Consumed)

		_, err = q.Next(context.Background())
		assert.ErrorIs(t, err, job.ErrCancelled)
	}
}

func TestRepostOutOfOrder(t *testing.T) {
	q, err := job.NewQueue(4, job.NonBlocking)
	require.NoError(t, err)

	var o owner
	j1 := job.New(&step{owner: &o, value: 1}, o.seq.Next())
	j2 := job.New(&step{owner: &o, value: 2}, o.seq.Next())
	// second job reaches a worker first
	require.NoError(t, q.Post(j2))
	require.NoError(t, q.Post(j1))

	ctx := context.Background()
	next := func() job.Job {
		j, err := q.Next(ctx)
		require.NoError(t, err)
		return j
	}

	j := next()
	assert.Equal(t, j2.Order, j.Order)
	require.NoError(t, job.Process(ctx, q, j))
	assert.Empty(t, o.executed(), "out of order job must not execute")
	assert.Equal(t, uint64(1), q.Stats().Reposted)
	assert.Equal(t, 2, q.Len())

	require.NoError(t, job.Process(ctx, q, next()))
	assert.Equal(t, []int{1}, o.executed())

	require.NoError(t, job.Process(ctx, q, next()))
	assert.Equal(t, []int{1, 2}, o.executed())
	assert.Equal(t, uint32(0), o.seq.Pending())
}

func TestOrderedManyWorkers(t *testing.T) {
	defer goleak.VerifyNone(t)
	const (
		workers = 4
		owners  = 8
		steps   = 200
	)
	q, err := job.NewQueue(owners*steps+1, 0)
	require.NoError(t, err)

	ctx := context.Background()
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() { errs <- worker(ctx, q) }()
	}

	all := make([]*owner, owners)
	for i := range all {
		all[i] = &owner{}
	}
	// interleave posts of all owners
	for s := 0; s < steps; s++ {
		for _, o := range all {
			o.post(t, q, s)
		}
	}

	require.Eventually(t, func() bool {
		for _, o := range all {
			if len(o.executed()) != steps {
				return false
			}
		}
		return true
	}, 10*time.Second, time.Millisecond)

	require.NoError(t, q.Post(job.QuitJob()))
	for i := 0; i < workers; i++ {
		assert.NoError(t, <-errs)
	}

	expected := make([]int, steps)
	for i := range expected {
		expected[i] = i
	}
	for _, o := range all {
		assert.Equal(t, expected, o.executed())
	}
}

func TestSequencerRetire(t *testing.T) {
	var seq job.Sequencer
	first, second, third := seq.Next(), seq.Next(), seq.Next()
	seq.Retire(second)
	assert.True(t, seq.Ready(first))
	assert.Equal(t, uint32(3), seq.Pending())

	// retired order is skipped once the previous one is executed
	seq.Advance()
	assert.True(t, seq.Ready(third))
	assert.Equal(t, uint32(1), seq.Pending())

	// retiring the current order moves on immediately
	seq.Retire(third)
	assert.Zero(t, seq.Pending())
	assert.True(t, seq.Ready(seq.Next()))
}

func TestProcessFullQueue(t *testing.T) {
	q, err := job.NewQueue(1, job.NonBlocking)
	require.NoError(t, err)
	ctx := context.Background()

	var o owner
	first := job.New(&step{owner: &o, value: 1}, o.seq.Next())
	second := job.New(&step{owner: &o, value: 2}, o.seq.Next())
	require.NoError(t, q.Post(second))
	j, err := q.Next(ctx)
	require.NoError(t, err)
	// the only slot is taken before the job can be posted back
	require.NoError(t, q.Post(first))

	require.NoError(t, job.Process(ctx, q, j))
	assert.Equal(t, []int{1, 2}, o.executed())
	assert.Zero(t, o.seq.Pending())
	assert.Zero(t, q.Len())
	assert.Zero(t, q.Stats().Reposted)
}

func TestProcessFullQueueCancelled(t *testing.T) {
	q, err := job.NewQueue(1, job.NonBlocking)
	require.NoError(t, err)
	ctx := context.Background()

	var o owner
	first := o.seq.Next()
	second := job.New(&step{owner: &o, value: 2}, o.seq.Next())
	require.NoError(t, q.Post(job.QuitJob()))

	// the job is dropped, its order doesn't block the owner
	assert.ErrorIs(t, job.Process(ctx, q, second), job.ErrCancelled)
	assert.Empty(t, o.executed())
	o.seq.Retire(first)
	assert.Zero(t, o.seq.Pending())
}

func TestBlockingPostWithWaitingConsumers(t *testing.T) {
	defer goleak.VerifyNone(t)
	const (
		consumers = 4
		jobs      = 1000
	)
	q, err := job.NewQueue(jobs+1, 0)
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		received int
	)
	ctx := context.Background()
	errs := make(chan error, consumers)
	for i := 0; i < consumers; i++ {
		go func() { errs <- worker(ctx, q) }()
	}
	for i := 0; i < jobs; i++ {
		require.NoError(t, q.Post(job.New(job.Func(func(context.Context) error {
			mu.Lock()
			received++
			mu.Unlock()
			return nil
		}), 0)))
	}
	require.NoError(t, q.Post(job.QuitJob()))
	for i := 0; i < consumers; i++ {
		assert.NoError(t, <-errs)
	}
	assert.Equal(t, jobs, received)
	assert.Equal(t, 1, q.Len())

	// quit job keeps waking consumers
	_, err = q.Next(ctx)
	assert.ErrorIs(t, err, job.ErrCancelled)
}
