package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"go.uber.org/zap"
)

// --- Test Helpers ---

type fakeBackend struct {
	mu          sync.Mutex
	fetches     map[uint64]int
	writebacks  []uint64
	fail        map[uint64]error
	delay       time.Duration
	gate        map[uint64]chan struct{}
	failWrite   error
	fetchCalled atomic.Int64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		fetches: make(map[uint64]int),
		fail:    make(map[uint64]error),
		gate:    make(map[uint64]chan struct{}),
	}
}

func (b *fakeBackend) Fetch(key uint64) (string, error) {
	b.fetchCalled.Add(1)
	b.mu.Lock()
	b.fetches[key]++
	err := b.fail[key]
	gate := b.gate[key]
	delay := b.delay
	b.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return "", err
	}
	return "value-" + string(rune('a'+key%26)), nil
}

func (b *fakeBackend) Writeback(v string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWrite != nil {
		return b.failWrite
	}
	b.writebacks = append(b.writebacks, uint64(v[len(v)-1]-'a'))
	return nil
}

func (b *fakeBackend) fetchCount(key uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetches[key]
}

func (b *fakeBackend) writebackCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.writebacks)
}

func setupCache(t *testing.T, capacity int) (*Cache[string], *fakeBackend) {
	t.Helper()
	backend := newFakeBackend()
	return New[string]("test", capacity, backend, zap.NewNop(), nil), backend
}

// --- Test Cases ---

func TestCache_RefCountAndSingleWriteback(t *testing.T) {
	c, backend := setupCache(t, 0)

	v, err := c.Get(1)
	require.NoError(t, err)
	require.Equal(t, "value-b", v)

	_, err = c.Get(1)
	require.NoError(t, err)
	refs, ok := c.RefCount(1)
	require.True(t, ok)
	require.Equal(t, 2, refs)
	require.Equal(t, 1, backend.fetchCount(1))

	require.NoError(t, c.Release(1))
	require.Equal(t, 0, backend.writebackCount(), "writeback must wait for the last reference")

	require.NoError(t, c.Release(1))
	require.Equal(t, 1, backend.writebackCount())
	_, ok = c.RefCount(1)
	require.False(t, ok)

	// Refcount never goes below zero: the entry is gone.
	require.ErrorIs(t, c.Release(1), flushmanager.ErrNotCached)
	require.Equal(t, 1, backend.writebackCount())
}

func TestCache_CapacityBound(t *testing.T) {
	const capacity = 3
	c, _ := setupCache(t, capacity)

	for key := uint64(0); key < capacity; key++ {
		_, err := c.Get(key)
		require.NoError(t, err)
	}
	_, err := c.Get(capacity)
	require.ErrorIs(t, err, flushmanager.ErrCacheFull)

	// Hits on resident keys are still served when full.
	_, err = c.Get(0)
	require.NoError(t, err)
	require.Equal(t, capacity, c.Len())

	require.NoError(t, c.Release(1))
	_, err = c.Get(capacity)
	require.NoError(t, err)
	require.Equal(t, capacity, c.Len())
}

func TestCache_SingleFlight(t *testing.T) {
	c, backend := setupCache(t, 0)
	backend.delay = 50 * time.Millisecond

	const callers = 32
	var wg sync.WaitGroup
	start := make(chan struct{})
	values := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			values[i], errs[i] = c.Get(7)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "value-h", values[i])
	}
	require.Equal(t, 1, backend.fetchCount(7), "loader must run exactly once")
	refs, ok := c.RefCount(7)
	require.True(t, ok)
	require.Equal(t, callers, refs)
}

func TestCache_FailedLoadRollsBack(t *testing.T) {
	c, backend := setupCache(t, 1)
	boom := errors.New("disk on fire")
	backend.fail[4] = boom

	_, err := c.Get(4)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, c.Len())

	// The reserved slot was freed, so another key fits.
	_, err = c.Get(5)
	require.NoError(t, err)
	require.NoError(t, c.Release(5))

	// And no stale in-flight marker blocks a retry of the failed key.
	backend.mu.Lock()
	delete(backend.fail, 4)
	backend.mu.Unlock()
	v, err := c.Get(4)
	require.NoError(t, err)
	require.Equal(t, "value-e", v)
	require.Equal(t, 2, backend.fetchCount(4))
}

func TestCache_SlowLoadDoesNotBlockOtherKeys(t *testing.T) {
	c, backend := setupCache(t, 0)
	gate := make(chan struct{})
	backend.gate[1] = gate

	done := make(chan error, 1)
	go func() {
		_, err := c.Get(1)
		done <- err
	}()

	require.Eventually(t, func() bool { return backend.fetchCalled.Load() == 1 }, time.Second, time.Millisecond)

	v, err := c.Get(2)
	require.NoError(t, err)
	assert.Equal(t, "value-c", v)

	close(gate)
	require.NoError(t, <-done)
}

func TestCache_CloseWritesBackEverything(t *testing.T) {
	c, backend := setupCache(t, 0)
	for key := uint64(0); key < 5; key++ {
		_, err := c.Get(key)
		require.NoError(t, err)
	}
	_, err := c.Get(0)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.Equal(t, 5, backend.writebackCount())
	require.Equal(t, 0, c.Len())
}

func TestCache_DiscardSkipsWriteback(t *testing.T) {
	c, backend := setupCache(t, 4)
	for key := uint64(1); key <= 4; key++ {
		_, err := c.Get(key)
		require.NoError(t, err)
	}

	n := c.Discard(func(key uint64) bool { return key > 2 })
	require.Equal(t, 2, n)
	require.Equal(t, 2, c.Len())
	require.Equal(t, 0, backend.writebackCount())

	// Discarded slots are reusable.
	_, err := c.Get(9)
	require.NoError(t, err)
	_, err = c.Get(10)
	require.NoError(t, err)
}

func TestCache_FailedWritebackKeepsEntry(t *testing.T) {
	c, backend := setupCache(t, 1)
	boom := errors.New("disk full")

	_, err := c.Get(3)
	require.NoError(t, err)
	backend.mu.Lock()
	backend.failWrite = boom
	backend.mu.Unlock()

	require.ErrorIs(t, c.Release(3), boom)
	refs, ok := c.RefCount(3)
	require.True(t, ok, "the unwritten value must stay reachable")
	require.Equal(t, 0, refs)
	require.ErrorIs(t, c.Release(3), flushmanager.ErrNotCached, "no reference is left to drop")

	// The slot is still taken, so the bound holds.
	_, err = c.Get(4)
	require.ErrorIs(t, err, flushmanager.ErrCacheFull)

	// A new Get reuses the resident value without fetching it again.
	v, err := c.Get(3)
	require.NoError(t, err)
	require.Equal(t, "value-d", v)
	require.Equal(t, 1, backend.fetchCount(3))

	backend.mu.Lock()
	backend.failWrite = nil
	backend.mu.Unlock()
	require.NoError(t, c.Release(3))
	require.Equal(t, 1, backend.writebackCount())
	require.Equal(t, 0, c.Len())
}

func TestCache_CloseRetriesFailedWriteback(t *testing.T) {
	c, backend := setupCache(t, 0)
	_, err := c.Get(2)
	require.NoError(t, err)

	backend.mu.Lock()
	backend.failWrite = errors.New("transient")
	backend.mu.Unlock()
	require.Error(t, c.Release(2))

	backend.mu.Lock()
	backend.failWrite = nil
	backend.mu.Unlock()
	require.NoError(t, c.Close())
	require.Equal(t, 1, backend.writebackCount())
}
