package pageindex

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

func TestIndex_BucketWidth(t *testing.T) {
	require.Equal(t, 204, BucketWidth)
}

func TestIndex_SelectReturnsEnoughSpace(t *testing.T) {
	idx := New()
	idx.Add(1, 100)
	idx.Add(2, 300)
	idx.Add(3, 5000)

	info, ok := idx.Select(250)
	require.True(t, ok)
	assert.Equal(t, pagemanager.PageID(3), info.PageID, "page 2 shares the requested bucket and may be too small")
	assert.GreaterOrEqual(t, info.FreeSpace, 250)

	info, ok = idx.Select(10)
	require.True(t, ok)
	assert.Equal(t, pagemanager.PageID(2), info.PageID)

	_, ok = idx.Select(10)
	require.False(t, ok, "page 1 sits in bucket 0 which is never selected")
	require.Equal(t, 1, idx.Len())
}

func TestIndex_FIFOWithinBucket(t *testing.T) {
	idx := New()
	for id := pagemanager.PageID(1); id <= 3; id++ {
		idx.Add(id, 1000)
	}
	for want := pagemanager.PageID(1); want <= 3; want++ {
		info, ok := idx.Select(0)
		require.True(t, ok)
		require.Equal(t, want, info.PageID)
	}
	require.Equal(t, 0, idx.Len())
}

func TestIndex_FullPageBucket(t *testing.T) {
	idx := New()
	idx.Add(7, pagemanager.PageSize)
	idx.Add(8, 2*pagemanager.PageSize)

	// A request in the last bucket still searches the last bucket.
	info, ok := idx.Select(pagemanager.PageSize)
	require.True(t, ok)
	require.Equal(t, pagemanager.PageID(7), info.PageID)

	info, ok = idx.Select(8000)
	require.True(t, ok)
	require.Equal(t, pagemanager.PageID(8), info.PageID)

	_, ok = idx.Select(3 * pagemanager.PageSize)
	require.False(t, ok)
}

func TestIndex_OversizedRequestSearchesLastBucket(t *testing.T) {
	idx := New()
	idx.Add(9, pagemanager.PageSize)

	require.Greater(t, 3*pagemanager.PageSize, NumIntervals*BucketWidth)
	info, ok := idx.Select(3 * pagemanager.PageSize)
	require.True(t, ok)
	require.Equal(t, pagemanager.PageID(9), info.PageID)
	require.Equal(t, 0, idx.Len())
}

func TestIndex_ConcurrentAddSelect(t *testing.T) {
	idx := New()
	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			idx.Add(pagemanager.PageID(i+1), 4096)
		}(i)
	}
	wg.Wait()
	require.Equal(t, n, idx.Len())

	seen := make(map[pagemanager.PageID]bool)
	var mu sync.Mutex
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			info, ok := idx.Select(100)
			if ok {
				mu.Lock()
				seen[info.PageID] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, n)
	require.Equal(t, 0, idx.Len())
}
