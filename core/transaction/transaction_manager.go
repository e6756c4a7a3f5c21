package transaction

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sushant-115/gojostore/core/storage_engine/common"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
	"go.uber.org/zap"
)

// --- Transaction status file ---
//
// Layout: [counter:8] [status:1]*counter. The status of xid n (n >= 1) lives
// at byte 8 + n-1. The file length is always exactly 8 + counter.

const (
	// FileSuffix is appended to the engine base path for the status file.
	FileSuffix = ".xid"

	headerSize = common.Uint64Size
	statusSize = 1
)

// Manager allocates transaction ids and persists each transaction's status.
// Every transition is flushed to stable storage before it returns.
type Manager struct {
	path    string
	file    *os.File
	mu      sync.RWMutex
	counter uint64
	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
}

// Create creates a new status file with a zero counter.
func Create(path string, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*Manager, error) {
	file, err := flushmanager.OpenDataFile(path, true)
	if err != nil {
		return nil, err
	}
	m := newManager(path, file, logger, metrics)
	if err := m.writeCounter(0); err != nil {
		file.Close()
		return nil, err
	}
	m.logger.Info("Transaction manager created", zap.String("path", path))
	return m, nil
}

// Open opens an existing status file. A file whose length does not agree with
// its counter is rejected with ErrBadXIDFile.
func Open(path string, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*Manager, error) {
	file, err := flushmanager.OpenDataFile(path, false)
	if err != nil {
		return nil, err
	}
	m := newManager(path, file, logger, metrics)
	if err := m.checkCounter(); err != nil {
		file.Close()
		return nil, err
	}
	m.logger.Info("Transaction manager opened", zap.String("path", path), zap.Uint64("counter", m.counter))
	return m, nil
}

func newManager(path string, file *os.File, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		path:    path,
		file:    file,
		logger:  logger.Named("txn_manager"),
		metrics: metrics,
	}
}

func (m *Manager) checkCounter() error {
	info, err := m.file.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", flushmanager.ErrIO, m.path, err)
	}
	size := info.Size()
	if size < headerSize {
		return fmt.Errorf("%w: %s is %d bytes, shorter than its header", flushmanager.ErrBadXIDFile, m.path, size)
	}
	buf := make([]byte, headerSize)
	if _, err := m.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("%w: reading xid counter: %v", flushmanager.ErrIO, err)
	}
	counter := common.Uint64(buf)
	if want := statusOffset(counter + 1); want != size {
		return fmt.Errorf("%w: counter %d implies %d bytes, file has %d", flushmanager.ErrBadXIDFile, counter, want, size)
	}
	m.counter = counter
	return nil
}

func statusOffset(xid uint64) int64 {
	return headerSize + int64(xid-1)*statusSize
}

// Begin allocates the next xid and records it as active.
func (m *Manager) Begin() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	xid := m.counter + 1
	if err := m.writeStatus(xid, StatusActive); err != nil {
		return 0, err
	}
	if err := m.writeCounter(xid); err != nil {
		return 0, err
	}
	m.counter = xid
	m.metrics.TxnTransition(StatusActive.String())
	m.logger.Debug("Transaction began", zap.Uint64("xid", xid))
	return xid, nil
}

// Commit marks xid committed.
func (m *Manager) Commit(xid uint64) error {
	return m.transition(xid, StatusCommitted)
}

// Abort marks xid aborted.
func (m *Manager) Abort(xid uint64) error {
	return m.transition(xid, StatusAborted)
}

func (m *Manager) transition(xid uint64, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkXID(xid); err != nil {
		return err
	}
	if err := m.writeStatus(xid, status); err != nil {
		return err
	}
	m.metrics.TxnTransition(status.String())
	m.logger.Debug("Transaction status changed", zap.Uint64("xid", xid), zap.Stringer("status", status))
	return nil
}

// IsActive reports whether xid is active. The super transaction never is.
func (m *Manager) IsActive(xid uint64) (bool, error) {
	return m.hasStatus(xid, StatusActive)
}

// IsCommitted reports whether xid has committed.
func (m *Manager) IsCommitted(xid uint64) (bool, error) {
	return m.hasStatus(xid, StatusCommitted)
}

// IsAborted reports whether xid has aborted.
func (m *Manager) IsAborted(xid uint64) (bool, error) {
	return m.hasStatus(xid, StatusAborted)
}

func (m *Manager) hasStatus(xid uint64, want Status) (bool, error) {
	if xid == SuperXID {
		return false, nil
	}
	got, err := m.Status(xid)
	if err != nil {
		return false, err
	}
	return got == want, nil
}

// Status returns the persisted status of xid.
func (m *Manager) Status(xid uint64) (Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkXID(xid); err != nil {
		return 0, err
	}
	buf := make([]byte, statusSize)
	if _, err := m.file.ReadAt(buf, statusOffset(xid)); err != nil {
		return 0, fmt.Errorf("%w: reading status of xid %d: %v", flushmanager.ErrIO, xid, err)
	}
	return Status(buf[0]), nil
}

// Counter returns the highest xid allocated so far.
func (m *Manager) Counter() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counter
}

// Close syncs and closes the status file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	syncErr := m.file.Sync()
	closeErr := m.file.Close()
	m.file = nil
	m.logger.Info("Transaction manager closed", zap.Uint64("counter", m.counter))
	return errors.Join(syncErr, closeErr)
}

func (m *Manager) checkXID(xid uint64) error {
	if xid == SuperXID || xid > m.counter {
		return fmt.Errorf("%w: xid %d, counter %d", flushmanager.ErrUnknownXID, xid, m.counter)
	}
	return nil
}

func (m *Manager) writeStatus(xid uint64, status Status) error {
	if _, err := m.file.WriteAt([]byte{byte(status)}, statusOffset(xid)); err != nil {
		return fmt.Errorf("%w: writing status of xid %d: %v", flushmanager.ErrIO, xid, err)
	}
	return m.sync()
}

func (m *Manager) writeCounter(counter uint64) error {
	if _, err := m.file.WriteAt(common.Uint64ToBytes(counter), 0); err != nil {
		return fmt.Errorf("%w: writing xid counter: %v", flushmanager.ErrIO, err)
	}
	return m.sync()
}

func (m *Manager) sync() error {
	start := time.Now()
	if err := flushmanager.DataSync(m.file); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", flushmanager.ErrIO, m.path, err)
	}
	m.metrics.SyncObserved("xid", start)
	return nil
}
