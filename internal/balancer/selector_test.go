package balancer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var threeBackends = []string{"http://a:1", "http://b:2", "http://c:3"}

func TestNewSelector(t *testing.T) {
	_, err := NewSelector(nil)
	assert.ErrorIs(t, err, ErrNoBackends)

	list := []string{"http://a:1"}
	s, err := NewSelector(list)
	require.NoError(t, err)
	list[0] = "mutated"
	assert.Equal(t, "http://a:1", s.ByIndex(0))
	assert.Equal(t, 1, s.Len())
}

func TestSelectorNext(t *testing.T) {
	s, err := NewSelector(threeBackends)
	require.NoError(t, err)

	var indices []int
	var addrs []string
	for range 4 {
		i, a := s.Next()
		indices = append(indices, i)
		addrs = append(addrs, a)
	}
	assert.Equal(t, []int{0, 1, 2, 0}, indices)
	assert.Equal(t, []string{"http://a:1", "http://b:2", "http://c:3", "http://a:1"}, addrs)
}

func TestSelectorByIndex(t *testing.T) {
	s, err := NewSelector(threeBackends)
	require.NoError(t, err)

	assert.Equal(t, "http://a:1", s.ByIndex(3))
	assert.Equal(t, "http://c:3", s.ByIndex(5))
	assert.Equal(t, "http://c:3", s.ByIndex(-1))

	i, _ := s.Next()
	assert.Equal(t, 0, i)
	s.ByIndex(1)
	i, _ = s.Next()
	assert.Equal(t, 1, i, "ByIndex does not advance the cursor")
}

func TestSelectorRetry(t *testing.T) {
	s, err := NewSelector(threeBackends)
	require.NoError(t, err)

	t.Run("offset law", func(t *testing.T) {
		for original := range 3 {
			for failures := 1; failures < 3; failures++ {
				addr, ok := s.Retry(original, failures)
				require.True(t, ok)
				assert.Equal(t, s.ByIndex(original+failures), addr)
			}
		}
	})

	t.Run("original index one walks to two then zero then stops", func(t *testing.T) {
		addr, ok := s.Retry(1, 1)
		require.True(t, ok)
		assert.Equal(t, "http://c:3", addr)

		addr, ok = s.Retry(1, 2)
		require.True(t, ok)
		assert.Equal(t, "http://a:1", addr)

		_, ok = s.Retry(1, 3)
		assert.False(t, ok)
	})

	t.Run("no failures is not a retry", func(t *testing.T) {
		_, ok := s.Retry(0, 0)
		assert.False(t, ok)
	})

	t.Run("single backend never retries", func(t *testing.T) {
		one, err := NewSelector([]string{"http://only:1"})
		require.NoError(t, err)
		_, ok := one.Retry(0, 1)
		assert.False(t, ok)
	})

	t.Run("attempts of one request are distinct", func(t *testing.T) {
		original, first := s.Next()
		seen := map[string]bool{first: true}
		for failures := 1; ; failures++ {
			addr, ok := s.Retry(original, failures)
			if !ok {
				break
			}
			assert.False(t, seen[addr], "backend %s tried twice", addr)
			seen[addr] = true
		}
		assert.Len(t, seen, 3)
	})
}

func TestSelectorConcurrentNext(t *testing.T) {
	s, err := NewSelector(threeBackends)
	require.NoError(t, err)

	const goroutines, perGoroutine = 30, 100
	var mu sync.Mutex
	counts := map[int]int{}

	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := map[int]int{}
			for range perGoroutine {
				i, _ := s.Next()
				local[i]++
			}
			mu.Lock()
			for k, v := range local {
				counts[k] += v
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, map[int]int{0: 1000, 1: 1000, 2: 1000}, counts)
	assert.Equal(t, uint64(goroutines*perGoroutine), s.cursor.Load())
}
