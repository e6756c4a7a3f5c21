package flushmanager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
	"go.uber.org/zap"
)

// --- DiskManager ---

// DiskManager performs raw fixed-size page I/O against the page file. The
// file is a plain concatenation of pages; page p lives at (p-1)*PageSize.
type DiskManager struct {
	filePath string
	file     *os.File
	pageSize int
	mu       sync.Mutex
	logger   *zap.Logger
	metrics  *internaltelemetry.StorageMetrics
}

func NewDiskManager(filePath string, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) *DiskManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiskManager{
		filePath: filePath,
		pageSize: pagemanager.PageSize,
		logger:   logger.Named("disk_manager"),
		metrics:  metrics,
	}
}

// OpenOrCreateFile opens an existing page file or creates a new, empty one.
// The 'create' flag determines behavior if the file doesn't exist or already
// exists. It returns the number of whole pages in the file.
func (dm *DiskManager) OpenOrCreateFile(create bool) (uint32, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	file, err := OpenDataFile(dm.filePath, create)
	if err != nil {
		return 0, err
	}
	dm.file = file

	fi, err := dm.file.Stat()
	if err != nil {
		dm.file.Close()
		dm.file = nil
		return 0, fmt.Errorf("%w: getting file info: %v", ErrIO, err)
	}
	numPages := uint32(fi.Size() / int64(dm.pageSize))
	if fi.Size()%int64(dm.pageSize) != 0 {
		dm.logger.Warn("Page file length is not page aligned; trailing bytes ignored",
			zap.String("path", dm.filePath), zap.Int64("size", fi.Size()))
	}
	dm.logger.Debug("Page file opened", zap.String("path", dm.filePath), zap.Uint32("numPages", numPages))
	return numPages, nil
}

// OpenDataFile opens path for read/write. With create set the file must not
// exist yet; otherwise it must.
func OpenDataFile(path string, create bool) (*os.File, error) {
	if create {
		file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
		if err != nil {
			if errors.Is(err, os.ErrExist) {
				return nil, fmt.Errorf("%w: %s", ErrFileExists, path)
			}
			return nil, fmt.Errorf("%w: creating file %s: %v", ErrIO, path, err)
		}
		return file, nil
	}
	file, err := os.OpenFile(path, os.O_RDWR, 0666)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, path, err)
	}
	return file, nil
}

// ReadPage reads a page's data from disk into the provided pageData buffer.
func (dm *DiskManager) ReadPage(pageID pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return fmt.Errorf("file not open")
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("page data buffer size (%d) != disk manager page size (%d)", len(pageData), dm.pageSize)
	}
	offset := pageID.Offset()
	bytesRead, err := dm.file.ReadAt(pageData, offset)
	if err != nil {
		if err == io.EOF {
			return fmt.Errorf("%w: EOF reading page %d at offset %d, got %d bytes", ErrIO, pageID, offset, bytesRead)
		}
		return fmt.Errorf("%w: reading page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	return nil
}

// WritePage writes pageData to disk at the specified pageID's location.
// It does not sync; see DataSync.
func (dm *DiskManager) WritePage(pageID pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return fmt.Errorf("file not open")
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("page data buffer size (%d) != disk manager page size (%d)", len(pageData), dm.pageSize)
	}
	offset := pageID.Offset()
	if _, err := dm.file.WriteAt(pageData, offset); err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	return nil
}

// Truncate shrinks the file so that it holds exactly numPages pages.
func (dm *DiskManager) Truncate(numPages uint32) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return fmt.Errorf("file not open")
	}
	size := int64(numPages) * int64(dm.pageSize)
	if err := dm.file.Truncate(size); err != nil {
		return fmt.Errorf("%w: truncating %s to %d bytes: %v", ErrIO, dm.filePath, size, err)
	}
	dm.logger.Info("Page file truncated", zap.String("path", dm.filePath), zap.Uint32("numPages", numPages))
	return nil
}

// DataSync flushes written page data to stable storage.
func (dm *DiskManager) DataSync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	start := time.Now()
	if err := DataSync(dm.file); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", ErrIO, dm.filePath, err)
	}
	dm.metrics.SyncObserved("page", start)
	return nil
}

// Close syncs and closes the underlying file handle.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	syncErr := dm.file.Sync()
	if syncErr != nil {
		dm.logger.Error("Error syncing page file on close", zap.String("path", dm.filePath), zap.Error(syncErr))
	}
	closeErr := dm.file.Close()
	dm.file = nil
	return errors.Join(syncErr, closeErr)
}
