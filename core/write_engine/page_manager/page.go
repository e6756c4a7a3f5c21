package pagemanager

import (
	"sync"
	"sync/atomic"
)

// --- Page Management ---

const (
	// PageSize is the fixed size of every page in the page file (8 KiB).
	PageSize = 1 << 13

	InvalidPageID PageID = 0 // Page numbers are 1-based
)

// PageID is the 1-based number of a page in the page file.
type PageID uint32

// Offset returns the byte offset of the page inside the page file.
func (id PageID) Offset() int64 {
	return int64(id-1) * PageSize
}

// Releaser is the narrow view of the owning cache a page needs to release
// itself. The page never owns the cache.
type Releaser interface {
	Release(page *Page) error
}

// Page represents an in-memory copy of a disk page.
type Page struct {
	id    PageID
	data  []byte
	dirty atomic.Bool
	owner Releaser

	// This mutex protects the in-memory contents of this specific page. The
	// cache never takes it; callers mutating data in place must.
	latch sync.Mutex
}

// NewPage wraps data as page id. owner may be nil for pages that are
// written through without being cached.
func NewPage(id PageID, data []byte, owner Releaser) *Page {
	return &Page{
		id:    id,
		data:  data,
		owner: owner,
	}
}

func (p *Page) Data() []byte        { return p.data }
func (p *Page) PageID() PageID      { return p.id }
func (p *Page) IsDirty() bool       { return p.dirty.Load() }
func (p *Page) SetDirty(dirty bool) { p.dirty.Store(dirty) }

// Lock acquires the page latch for in-place mutation.
func (p *Page) Lock() {
	p.latch.Lock()
}

func (p *Page) TryLock() bool {
	return p.latch.TryLock()
}

// Unlock releases the page latch.
func (p *Page) Unlock() {
	p.latch.Unlock()
}

// Release hands the page back to the cache it was obtained from. The page
// must not be used afterwards.
func (p *Page) Release() error {
	if p.owner == nil {
		return nil
	}
	return p.owner.Release(p)
}
