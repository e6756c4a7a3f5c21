package memtable

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/sushant-115/gojostore/core/write_engine/cache"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
	"go.uber.org/zap"
)

const (
	// MinCachePages is the smallest page budget a PageCache accepts.
	MinCachePages = 10
	// FileSuffix is appended to the engine base path for the page file.
	FileSuffix = ".db"
)

// PageCache maps page numbers to 8 KiB pages of a single backing file. Pages
// stay resident while referenced and are written back, if dirty, when the last
// reference is released.
//
// Page numbers are handed out in increasing order and are not handed out again
// after a truncation for the life of the PageCache. A reopened cache seeds its
// counter from the file length.
type PageCache struct {
	diskManager *flushmanager.DiskManager
	pages       *cache.Cache[*pagemanager.Page]
	highest     atomic.Uint32 // highest page number assigned, never decreases
	filePages   atomic.Uint32 // pages the file holds

	// resizeMu lets page operations proceed concurrently while keeping them
	// out of a truncation. truncated is written under it.
	resizeMu  sync.RWMutex
	truncated []pageRange
	logger    *zap.Logger
}

// pageRange is an inclusive run of page numbers cut off by a truncation.
type pageRange struct {
	first, last pagemanager.PageID
}

var _ pagemanager.Releaser = (*PageCache)(nil)

// Create creates a new page file at path. memory is the cache budget in bytes.
func Create(path string, memory int64, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*PageCache, error) {
	return open(path, memory, true, logger, metrics)
}

// Open opens an existing page file at path.
func Open(path string, memory int64, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*PageCache, error) {
	return open(path, memory, false, logger, metrics)
}

func open(path string, memory int64, create bool, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*PageCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	capacity := memory / pagemanager.PageSize
	if capacity < MinCachePages {
		return nil, fmt.Errorf("%w: %d bytes holds %d pages, need at least %d", flushmanager.ErrMemTooSmall, memory, capacity, MinCachePages)
	}

	dm := flushmanager.NewDiskManager(path, logger, metrics)
	numPages, err := dm.OpenOrCreateFile(create)
	if err != nil {
		return nil, err
	}

	pc := &PageCache{
		diskManager: dm,
		logger:      logger.Named("page_cache"),
	}
	pc.highest.Store(numPages)
	pc.filePages.Store(numPages)
	pc.pages = cache.New[*pagemanager.Page]("page", int(capacity), pageBackend{pc}, logger, metrics)

	pc.logger.Info("PageCache initialized",
		zap.String("path", path), zap.Int64("capacity", capacity), zap.Uint32("numPages", numPages))
	return pc, nil
}

// pageBackend adapts the PageCache to the cache's load/evict contract.
type pageBackend struct {
	pc *PageCache
}

func (b pageBackend) Fetch(key uint64) (*pagemanager.Page, error) {
	id := pagemanager.PageID(key)
	data := make([]byte, pagemanager.PageSize)
	if err := b.pc.diskManager.ReadPage(id, data); err != nil {
		return nil, fmt.Errorf("failed to read page %d from disk: %w", id, err)
	}
	return pagemanager.NewPage(id, data, b.pc), nil
}

func (b pageBackend) Writeback(page *pagemanager.Page) error {
	if !page.IsDirty() {
		return nil
	}
	if err := b.pc.diskManager.WritePage(page.PageID(), page.Data()); err != nil {
		return fmt.Errorf("failed to flush dirty page %d: %w", page.PageID(), err)
	}
	page.SetDirty(false)
	return nil
}

// NewPage assigns the next page number and writes initData (zero padded to a
// full page) straight to the file. The page is not cached; GetPage reads it
// back.
func (pc *PageCache) NewPage(initData []byte) (pagemanager.PageID, error) {
	if len(initData) > pagemanager.PageSize {
		return pagemanager.InvalidPageID, fmt.Errorf("%w: %d bytes", flushmanager.ErrPageDataTooLarge, len(initData))
	}
	data := make([]byte, pagemanager.PageSize)
	copy(data, initData)

	pc.resizeMu.RLock()
	defer pc.resizeMu.RUnlock()

	id, err := pc.nextPageID()
	if err != nil {
		return pagemanager.InvalidPageID, err
	}
	if err := pc.diskManager.WritePage(id, data); err != nil {
		pc.logger.Error("Failed to write new page", zap.Uint32("pageID", uint32(id)), zap.Error(err))
		return pagemanager.InvalidPageID, err
	}
	for {
		n := pc.filePages.Load()
		if uint32(id) <= n || pc.filePages.CompareAndSwap(n, uint32(id)) {
			break
		}
	}
	pc.logger.Debug("Allocated new page", zap.Uint32("pageID", uint32(id)))
	return id, nil
}

// GetPage returns page id with a reference taken on it. Release it when done.
func (pc *PageCache) GetPage(id pagemanager.PageID) (*pagemanager.Page, error) {
	pc.resizeMu.RLock()
	defer pc.resizeMu.RUnlock()

	if id == pagemanager.InvalidPageID || uint32(id) > pc.highest.Load() {
		return nil, fmt.Errorf("%w: page %d, highest assigned is %d", flushmanager.ErrPageOutOfRange, id, pc.highest.Load())
	}
	if pc.isTruncated(id) {
		return nil, fmt.Errorf("%w: page %d was truncated", flushmanager.ErrPageOutOfRange, id)
	}
	return pc.pages.Get(uint64(id))
}

// Release drops the caller's reference on page. Releasing a page that a
// truncation dropped fails with ErrNotCached and touches nothing else.
func (pc *PageCache) Release(page *pagemanager.Page) error {
	pc.resizeMu.RLock()
	defer pc.resizeMu.RUnlock()
	return pc.pages.Release(uint64(page.PageID()))
}

// FlushPage writes the page's current buffer to the file and forces it to
// stable storage, whatever its reference count.
func (pc *PageCache) FlushPage(page *pagemanager.Page) error {
	pc.resizeMu.RLock()
	defer pc.resizeMu.RUnlock()

	if pc.isTruncated(page.PageID()) {
		return fmt.Errorf("%w: page %d was truncated", flushmanager.ErrPageOutOfRange, page.PageID())
	}
	if err := pc.diskManager.WritePage(page.PageID(), page.Data()); err != nil {
		return fmt.Errorf("failed to flush page %d: %w", page.PageID(), err)
	}
	if err := pc.diskManager.DataSync(); err != nil {
		return fmt.Errorf("failed to sync page %d: %w", page.PageID(), err)
	}
	page.SetDirty(false)
	return nil
}

// TruncateByPageCount shrinks the file to exactly maxPageID pages. Cached
// pages past the boundary are dropped without writeback and their numbers are
// retired: GetPage rejects them and NewPage continues above the highest number
// ever assigned. If the file cannot be truncated nothing changes.
func (pc *PageCache) TruncateByPageCount(maxPageID pagemanager.PageID) error {
	pc.resizeMu.Lock()
	defer pc.resizeMu.Unlock()

	current := pc.filePages.Load()
	if uint32(maxPageID) > current {
		return fmt.Errorf("%w: cannot truncate %d pages to %d", flushmanager.ErrPageOutOfRange, current, maxPageID)
	}
	if err := pc.diskManager.Truncate(uint32(maxPageID)); err != nil {
		return err
	}
	dropped := pc.pages.Discard(func(key uint64) bool { return key > uint64(maxPageID) })
	if highest := pagemanager.PageID(pc.highest.Load()); highest > maxPageID {
		pc.truncated = append(pc.truncated, pageRange{first: maxPageID + 1, last: highest})
	}
	pc.filePages.Store(uint32(maxPageID))
	pc.logger.Info("Truncated page file",
		zap.Uint32("from", current), zap.Uint32("to", uint32(maxPageID)), zap.Int("droppedCached", dropped))
	return nil
}

// nextPageID assigns a page number. It fails rather than wrap back to
// InvalidPageID.
func (pc *PageCache) nextPageID() (pagemanager.PageID, error) {
	for {
		n := pc.highest.Load()
		if n == math.MaxUint32 {
			return pagemanager.InvalidPageID, fmt.Errorf("%w: page numbers exhausted", flushmanager.ErrPageOutOfRange)
		}
		if pc.highest.CompareAndSwap(n, n+1) {
			return pagemanager.PageID(n + 1), nil
		}
	}
}

// isTruncated must be called with resizeMu held.
func (pc *PageCache) isTruncated(id pagemanager.PageID) bool {
	for _, r := range pc.truncated {
		if id >= r.first && id <= r.last {
			return true
		}
	}
	return false
}

// PageNumber returns the highest assigned page number.
func (pc *PageCache) PageNumber() pagemanager.PageID {
	return pagemanager.PageID(pc.highest.Load())
}

// Close writes back every cached page and closes the file.
func (pc *PageCache) Close() error {
	cacheErr := pc.pages.Close()
	fileErr := pc.diskManager.Close()
	pc.logger.Info("PageCache closed", zap.Uint32("numPages", pc.filePages.Load()))
	return errors.Join(cacheErr, fileErr)
}
