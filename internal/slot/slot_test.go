package slot_test

import (
	"sync"
	"testing"

	"github.com/dudk/phonograph/internal/slot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		capacity uint32
		err      error
	}{
		{capacity: 0, err: slot.ErrInvalidCapacity},
		{capacity: 1},
		{capacity: 32},
		{capacity: 33},
		{capacity: 1024},
	}
	for _, test := range tests {
		a, err := slot.New(test.capacity)
		if test.err != nil {
			assert.ErrorIs(t, err, test.err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, test.capacity, a.Capacity())
		assert.Equal(t, uint32(0), a.Count())
	}
}

func TestAllocExhaust(t *testing.T) {
	tests := []uint32{1, 5, 31, 32, 33, 100}
	for _, capacity := range tests {
		a, err := slot.New(capacity)
		require.NoError(t, err)
		seen := make(map[uint32]struct{})
		for i := uint32(0); i < capacity; i++ {
			ref, err := a.Alloc()
			require.NoError(t, err)
			assert.Less(t, ref.Slot(), capacity)
			_, ok := seen[ref.Slot()]
			assert.False(t, ok, "slot %d allocated twice", ref.Slot())
			seen[ref.Slot()] = struct{}{}
		}
		_, err = a.Alloc()
		assert.ErrorIs(t, err, slot.ErrOutOfSlots)
		assert.Equal(t, capacity, a.Count())
	}
}

func TestStaleFree(t *testing.T) {
	a, err := slot.New(1)
	require.NoError(t, err)

	first, err := a.Alloc()
	require.NoError(t, err)
	assert.True(t, a.Free(first))
	// second free with the same reference must be ignored
	assert.False(t, a.Free(first))

	second, err := a.Alloc()
	require.NoError(t, err)
	assert.Equal(t, first.Slot(), second.Slot())
	assert.NotEqual(t, first.Refcount(), second.Refcount())

	// stale holder cannot free reused slot
	assert.False(t, a.Free(first))
	assert.Equal(t, uint32(1), a.Count())
	assert.True(t, a.Free(second))
	assert.Equal(t, uint32(0), a.Count())
}

func TestRef(t *testing.T) {
	ref := slot.NewRef(7, 42)
	assert.Equal(t, uint32(7), ref.Slot())
	assert.Equal(t, uint32(42), ref.Refcount())
	assert.False(t, ref.IsNone())
	assert.True(t, slot.None.IsNone())
	assert.Equal(t, "7:42", ref.String())
	assert.Equal(t, "none", slot.None.String())
}

func TestConcurrentAlloc(t *testing.T) {
	const (
		capacity   = 64
		workers    = 8
		iterations = 2000
	)
	a, err := slot.New(capacity)
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		owned = make(map[uint32]bool)
		dupes int
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				ref, err := a.Alloc()
				if err != nil {
					continue
				}
				mu.Lock()
				if owned[ref.Slot()] {
					dupes++
				}
				owned[ref.Slot()] = true
				mu.Unlock()

				mu.Lock()
				owned[ref.Slot()] = false
				mu.Unlock()
				a.Free(ref)
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, dupes)
	assert.Equal(t, uint32(0), a.Count())
}
