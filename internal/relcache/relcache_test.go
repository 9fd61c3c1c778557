package relcache

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type handle struct{ name string }

func newTestCache(t *testing.T, capacity int) *Cache[*handle] {
	t.Helper()
	c, err := New[*handle](capacity, nil)
	require.NoError(t, err)
	return c
}

func loader(name string, calls *atomic.Int32) func() (*handle, error) {
	return func() (*handle, error) {
		calls.Add(1)
		return &handle{name: name}, nil
	}
}

func TestCache_LoadsOnce(t *testing.T) {
	c := newTestCache(t, 4)
	var calls atomic.Int32

	h1, err := c.Get("users_pkey", loader("users_pkey", &calls))
	require.NoError(t, err)
	h2, err := c.Get("users_pkey", loader("users_pkey", &calls))
	require.NoError(t, err)

	require.Same(t, h1, h2)
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, Stats{Hits: 1, Misses: 1}, c.Stats())
}

func TestCache_ConcurrentMissesShareLoad(t *testing.T) {
	c := newTestCache(t, 4)
	var calls atomic.Int32
	release := make(chan struct{})
	slow := func() (*handle, error) {
		calls.Add(1)
		<-release
		return &handle{name: "orders_pkey"}, nil
	}

	var wg sync.WaitGroup
	got := make([]*handle, 8)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := c.Get("orders_pkey", slow)
			require.NoError(t, err)
			got[i] = h
		}()
	}
	// let the goroutines pile up behind the first load
	for calls.Load() == 0 {
		runtime.Gosched()
	}
	close(release)
	wg.Wait()

	for _, h := range got {
		require.Same(t, got[0], h)
	}
	require.LessOrEqual(t, calls.Load(), int32(2))
}

func TestCache_LoadErrorIsNotCached(t *testing.T) {
	c := newTestCache(t, 4)
	boom := errors.New("boom")

	_, err := c.Get("x", func() (*handle, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	require.Zero(t, c.Len())

	var calls atomic.Int32
	_, err = c.Get("x", loader("x", &calls))
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load())
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := newTestCache(t, 2)
	var calls atomic.Int32

	for _, name := range []string{"a", "b"} {
		_, err := c.Get(name, loader(name, &calls))
		require.NoError(t, err)
	}
	// touch a so b is the eviction candidate
	_, err := c.Get("a", loader("a", &calls))
	require.NoError(t, err)
	_, err = c.Get("c", loader("c", &calls))
	require.NoError(t, err)

	require.Equal(t, 2, c.Len())
	require.Equal(t, uint64(1), c.Stats().Evictions)
	_, ok := c.Peek("b")
	require.False(t, ok)
	_, ok = c.Peek("a")
	require.True(t, ok)
}

func TestCache_Invalidate(t *testing.T) {
	c := newTestCache(t, 4)
	var calls atomic.Int32

	_, err := c.Get("a", loader("a", &calls))
	require.NoError(t, err)
	c.Invalidate("a")
	_, ok := c.Peek("a")
	require.False(t, ok)

	_, err = c.Get("a", loader("a", &calls))
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())

	c.Purge()
	require.Zero(t, c.Len())
}
