package snowflake

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsOutOfRangeWriter(t *testing.T) {
	_, err := New(-1)
	assert.Error(t, err)
	_, err = New(1024)
	assert.Error(t, err)
	_, err = New(1023)
	assert.NoError(t, err)
}

func TestIDLayout(t *testing.T) {
	now := int64(DefaultEpochMillis + 12345)
	g, err := newWithClock(7, DefaultEpochMillis, func() int64 { return now })
	require.NoError(t, err)

	id := g.NextID()
	assert.Equal(t, int64(12345), id>>22)
	assert.Equal(t, int64(7), (id>>12)&0x3FF)
	assert.Equal(t, int64(0), id&0xFFF)

	// same millisecond: sequence advances
	id2 := g.NextID()
	assert.Equal(t, int64(1), id2&0xFFF)
	assert.Greater(t, id2, id)
}

func TestClockRegressionClamps(t *testing.T) {
	now := int64(DefaultEpochMillis + 1000)
	g, err := newWithClock(1, DefaultEpochMillis, func() int64 { return now })
	require.NoError(t, err)

	first := g.NextID()
	now -= 500 // clock moved backwards
	second := g.NextID()

	// timestamp clamped to the last recorded millisecond, sequence advanced
	assert.Equal(t, first>>22, second>>22)
	assert.Greater(t, second, first)
}

func TestSequenceWrapWaitsForNextMillisecond(t *testing.T) {
	now := int64(DefaultEpochMillis + 50)
	calls := 0
	g, err := newWithClock(1, DefaultEpochMillis, func() int64 {
		calls++
		// advance the clock only after the generator starts spinning
		if calls > sequenceMask+2 {
			return now + 1
		}
		return now
	})
	require.NoError(t, err)

	seen := make(map[int64]struct{})
	for i := 0; i <= sequenceMask+1; i++ {
		id := g.NextID()
		_, dup := seen[id]
		require.False(t, dup, "duplicate id after sequence wrap")
		seen[id] = struct{}{}
	}
}

func TestConcurrentUniqueness(t *testing.T) {
	g, err := New(3)
	require.NoError(t, err)

	const goroutines = 8
	const perGoroutine = 500

	var mu sync.Mutex
	seen := make(map[int64]struct{}, goroutines*perGoroutine)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, perGoroutine)
			for j := 0; j < perGoroutine; j++ {
				local = append(local, g.NextID())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*perGoroutine)
}

func TestDistinctWritersNeverCollide(t *testing.T) {
	now := int64(DefaultEpochMillis + 99)
	a, err := newWithClock(1, DefaultEpochMillis, func() int64 { return now })
	require.NoError(t, err)
	b, err := newWithClock(2, DefaultEpochMillis, func() int64 { return now })
	require.NoError(t, err)

	assert.NotEqual(t, a.NextID(), b.NextID())
}
