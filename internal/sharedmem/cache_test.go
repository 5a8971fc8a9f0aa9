package sharedmem

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/prochost/internal/control"
)

// fakeClock drives timers with virtual time.
type fakeClock struct {
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	clock    *fakeClock
	fn       control.Task
	deadline time.Duration
	armed    bool
	resets   int
}

func (c *fakeClock) NewTimer(fn control.Task) control.Timer {
	t := &fakeTimer{clock: c, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Reset(d time.Duration) {
	t.deadline = t.clock.now + d
	t.armed = true
	t.resets++
}

func (t *fakeTimer) Stop() bool {
	was := t.armed
	t.armed = false
	return was
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now += d
	for _, t := range c.timers {
		if t.armed && t.deadline <= c.now {
			t.armed = false
			t.fn()
		}
	}
}

type fakeBuffer struct {
	id     BufferID
	size   int
	closed int
}

func (b *fakeBuffer) ID() BufferID  { return b.id }
func (b *fakeBuffer) Bytes() []byte { return make([]byte, b.size) }
func (b *fakeBuffer) Size() int     { return b.size }
func (b *fakeBuffer) Close() error  { b.closed++; return nil }

type fakeMapper struct {
	sizes  map[BufferID]int
	mapped map[BufferID]*fakeBuffer
	calls  int
}

func newFakeMapper(sizes map[BufferID]int) *fakeMapper {
	return &fakeMapper{sizes: sizes, mapped: make(map[BufferID]*fakeBuffer)}
}

func (m *fakeMapper) Map(id BufferID) (Buffer, error) {
	m.calls++
	size, ok := m.sizes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	b := &fakeBuffer{id: id, size: size}
	m.mapped[id] = b
	return b, nil
}

type countingRecorder map[string]int

func (r countingRecorder) RecordBufferCache(event string) { r[event]++ }

func TestGetRejectsInvalidAndUnmappableIDs(t *testing.T) {
	cache := NewCache(newFakeMapper(nil), &fakeClock{})

	_, err := cache.Get(0)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = cache.Get(42)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, cache.Len())
}

func TestGetReusesCachedBuffer(t *testing.T) {
	mapper := newFakeMapper(map[BufferID]int{1: 100})
	rec := countingRecorder{}
	cache := NewCache(mapper, &fakeClock{}, WithRecorder(rec))

	first, err := cache.Get(1)
	require.NoError(t, err)
	second, err := cache.Get(1)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, mapper.calls)
	assert.Equal(t, 1, rec[EventMap])
	assert.Equal(t, 1, rec[EventHit])
}

func TestEvictsSmallestEntry(t *testing.T) {
	mapper := newFakeMapper(map[BufferID]int{1: 30, 2: 10, 3: 20, 4: 5})
	cache := NewCache(mapper, &fakeClock{})

	for _, id := range []BufferID{1, 2, 3} {
		_, err := cache.Get(id)
		require.NoError(t, err)
	}
	require.Equal(t, DefaultMaxEntries, cache.Len())

	_, err := cache.Get(4)
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxEntries, cache.Len())
	assert.False(t, cache.Contains(2))
	assert.True(t, cache.Contains(1))
	assert.True(t, cache.Contains(3))
	assert.True(t, cache.Contains(4))

	assert.Equal(t, 1, mapper.mapped[2].closed)
	for _, id := range []BufferID{1, 3, 4} {
		assert.Zero(t, mapper.mapped[id].closed, "buffer %d", id)
	}
}

func TestEvictionTieGoesToEarliestInserted(t *testing.T) {
	// Map iteration order is random; repeat to catch order dependence.
	for round := 0; round < 20; round++ {
		mapper := newFakeMapper(map[BufferID]int{7: 10, 3: 10, 9: 10, 1: 10})
		cache := NewCache(mapper, &fakeClock{})

		for _, id := range []BufferID{7, 3, 9, 1} {
			_, err := cache.Get(id)
			require.NoError(t, err)
		}

		require.False(t, cache.Contains(7), "round %d", round)
		require.True(t, cache.Contains(3))
		require.True(t, cache.Contains(9))
		require.True(t, cache.Contains(1))
	}
}

func TestNeverExceedsMaxEntries(t *testing.T) {
	sizes := make(map[BufferID]int)
	for i := 1; i <= 50; i++ {
		sizes[BufferID(i)] = (i * 37) % 11
	}
	cache := NewCache(newFakeMapper(sizes), &fakeClock{}, WithMaxEntries(4))

	for i := 1; i <= 50; i++ {
		before := cache.Len()
		_, err := cache.Get(BufferID(i))
		require.NoError(t, err)
		assert.LessOrEqual(t, cache.Len(), 4)
		if before == 4 {
			assert.Equal(t, 4, cache.Len())
		}
	}
}

func TestIdleSweepClearsEverything(t *testing.T) {
	clock := &fakeClock{}
	mapper := newFakeMapper(map[BufferID]int{1: 10, 2: 20})
	rec := countingRecorder{}
	cache := NewCache(mapper, clock, WithRecorder(rec))

	_, _ = cache.Get(1)
	_, _ = cache.Get(2)

	clock.Advance(DefaultIdleTimeout - time.Millisecond)
	assert.Equal(t, 2, cache.Len())

	clock.Advance(time.Millisecond)
	assert.Zero(t, cache.Len())
	assert.Equal(t, 1, mapper.mapped[1].closed)
	assert.Equal(t, 1, mapper.mapped[2].closed)
	assert.Equal(t, 1, rec[EventSweep])
}

func TestGetBeforeExpiryResetsIdleWindow(t *testing.T) {
	clock := &fakeClock{}
	cache := NewCache(newFakeMapper(map[BufferID]int{1: 10}), clock)

	_, _ = cache.Get(1)
	clock.Advance(4 * time.Second)
	_, _ = cache.Get(1)
	clock.Advance(4 * time.Second)
	assert.Equal(t, 1, cache.Len())

	clock.Advance(time.Second)
	assert.Zero(t, cache.Len())
}

func TestClearReleasesAndDisarms(t *testing.T) {
	clock := &fakeClock{}
	mapper := newFakeMapper(map[BufferID]int{1: 10, 2: 10})
	cache := NewCache(mapper, clock, WithIdleTimeout(time.Second))

	_, _ = cache.Get(1)
	_, _ = cache.Get(2)
	assert.Equal(t, 20, cache.Bytes())

	cache.Clear()
	assert.Zero(t, cache.Len())
	assert.Equal(t, 1, mapper.mapped[1].closed)
	require.Len(t, clock.timers, 1)
	assert.False(t, clock.timers[0].armed)

	// Clearing twice is harmless.
	cache.Clear()
	assert.Equal(t, 1, mapper.mapped[1].closed)
}

func TestCacheOnControlLoop(t *testing.T) {
	loop := control.NewLoop(nil)
	cache := NewCache(newFakeMapper(map[BufferID]int{1: 10}), loop, WithIdleTimeout(10*time.Millisecond))

	_, err := cache.Get(1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		loop.RunUntilIdle()
		return cache.Len() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestHeapMapper(t *testing.T) {
	m := NewHeapMapper()

	_, err := m.Map(5)
	assert.ErrorIs(t, err, ErrNotFound)

	created, err := m.Create(5, 64)
	require.NoError(t, err)
	copy(created.Bytes(), "hello")

	mapped, err := m.Map(5)
	require.NoError(t, err)
	assert.Equal(t, 64, mapped.Size())
	assert.Equal(t, "hello", string(mapped.Bytes()[:5]))

	_, err = m.Create(5, 64)
	assert.Error(t, err)
	_, err = m.Create(6, 0)
	assert.ErrorIs(t, err, ErrInvalidSize)

	require.NoError(t, mapped.Close())
	assert.ErrorIs(t, mapped.Close(), ErrBufferClosed)

	require.NoError(t, m.Remove(5))
	_, err = m.Map(5)
	assert.ErrorIs(t, err, ErrNotFound)
}
