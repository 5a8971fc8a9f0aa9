package id

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocatorStartsAtOne(t *testing.T) {
	a := NewAllocator()

	assert.Equal(t, int32(1), a.Next())
	assert.Equal(t, int32(2), a.Next())
}

func TestAllocatorConcurrentUnique(t *testing.T) {
	a := NewAllocator()

	const workers = 8
	const perWorker = 500

	var mu sync.Mutex
	seen := make(map[int32]bool, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int32, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, a.Next())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, v := range local {
				seen[v] = true
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
}

func TestChannelIDRoundTrip(t *testing.T) {
	gen := NewGenerator()

	c := gen.ChannelID(4242)
	require.True(t, strings.HasPrefix(c.String(), "chan_4242."))

	pid, _, err := ParseChannelID(c)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)
}

func TestChannelIDsAreOrdered(t *testing.T) {
	gen := NewGenerator()

	first := gen.ChannelID(1)
	second := gen.ChannelID(1)

	assert.NotEqual(t, first, second)
	assert.Less(t, first.String(), second.String())
}

func TestParseChannelIDRejectsGarbage(t *testing.T) {
	tests := []ChannelID{
		"",
		"sess_1.01H",
		"chan_nopid",
		"chan_x.01ARZ3NDEKTSV4RRFFQ69G5FAV",
		"chan_1.not-a-ulid",
	}

	for _, c := range tests {
		t.Run(string(c), func(t *testing.T) {
			_, _, err := ParseChannelID(c)
			assert.Error(t, err)
		})
	}
}

func TestNonce(t *testing.T) {
	a := NewNonce()
	b := NewNonce()

	assert.NotEqual(t, a, b)
	assert.True(t, IsValidNonce(a))
	assert.False(t, IsValidNonce("nope"))
}
