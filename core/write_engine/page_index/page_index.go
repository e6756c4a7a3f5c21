// Package pageindex tracks pages with free space so inserts can find a page
// with room without scanning the page file.
package pageindex

import (
	"sync"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

const (
	// NumIntervals is the number of equal slices a page is divided into.
	NumIntervals = 40
	// BucketWidth is the free-space range covered by one bucket.
	BucketWidth = pagemanager.PageSize / NumIntervals
)

// PageInfo records how much free space a page had when it was indexed.
type PageInfo struct {
	PageID    pagemanager.PageID
	FreeSpace int
}

// Index buckets pages by free space. Bucket i holds pages with
// i*BucketWidth <= freeSpace < (i+1)*BucketWidth.
type Index struct {
	mu      sync.Mutex
	buckets [NumIntervals + 1][]PageInfo
}

func New() *Index {
	return &Index{}
}

// Add indexes a page. Values beyond a full page land in the last bucket.
func (idx *Index) Add(id pagemanager.PageID, freeSpace int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	n := bucketOf(freeSpace)
	idx.buckets[n] = append(idx.buckets[n], PageInfo{PageID: id, FreeSpace: freeSpace})
}

// Select removes and returns a page with room for spaceSize bytes. The search
// starts one bucket above spaceSize's own so any page returned has at least
// spaceSize free; pages in the same bucket come back in insertion order.
// Requests beyond the last bucket search the last bucket.
func (idx *Index) Select(spaceSize int) (PageInfo, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	n := min(max(spaceSize/BucketWidth, 0)+1, NumIntervals)
	for ; n <= NumIntervals; n++ {
		bucket := idx.buckets[n]
		if len(bucket) == 0 {
			continue
		}
		info := bucket[0]
		bucket[0] = PageInfo{}
		idx.buckets[n] = bucket[1:]
		return info, true
	}
	return PageInfo{}, false
}

// Len returns the number of indexed pages.
func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	total := 0
	for _, bucket := range idx.buckets {
		total += len(bucket)
	}
	return total
}

func bucketOf(freeSpace int) int {
	n := freeSpace / BucketWidth
	switch {
	case n < 0:
		return 0
	case n > NumIntervals:
		return NumIntervals
	}
	return n
}
