// Package storageengine opens the storage core of a database as one unit: the
// page file with its cache, the write-ahead log, the transaction status file
// and an in-memory free-space index. All three files share a base path.
package storageengine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sushant-115/gojostore/config"
	"github.com/sushant-115/gojostore/core/transaction"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojostore/core/write_engine/memtable"
	pageindex "github.com/sushant-115/gojostore/core/write_engine/page_index"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
	"go.uber.org/zap"
)

// Engine owns the storage components. It adds no behaviour of its own beyond
// opening and closing them together.
type Engine struct {
	Pages     *memtable.PageCache
	Log       *wal.LogManager
	Txns      *transaction.Manager
	FreeSpace *pageindex.Index

	created      bool
	createdFiles []string // files made by a create still in progress
	logger       *zap.Logger
}

// Paths returns the page, log and status file paths for base, in that order.
func Paths(base string) []string {
	return []string{
		base + memtable.FileSuffix,
		base + wal.FileSuffix,
		base + transaction.FileSuffix,
	}
}

// Open opens the engine files under cfg.BasePath, recovering the log. When
// none of the files exist and cfg.CreateIfMissing is set they are created.
// Finding only some of them is an error: it means files were lost.
func Open(cfg config.StorageConfig, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("storage_engine")

	paths := Paths(cfg.BasePath)
	present, err := countExisting(paths)
	if err != nil {
		return nil, err
	}
	create := false
	switch {
	case present == 0 && cfg.CreateIfMissing:
		create = true
		if err := os.MkdirAll(filepath.Dir(cfg.BasePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	case present == 0:
		return nil, fmt.Errorf("%w: no engine files at %s", flushmanager.ErrFileNotFound, cfg.BasePath)
	case present < len(paths):
		return nil, fmt.Errorf("%w: only %d of %d engine files exist at %s", flushmanager.ErrFileNotFound, present, len(paths), cfg.BasePath)
	}

	e := &Engine{FreeSpace: pageindex.New(), created: create, logger: logger}
	if create {
		err = e.create(paths, cfg.PageCacheMemory, logger, metrics)
	} else {
		err = e.open(paths, cfg.PageCacheMemory, logger, metrics)
	}
	if err != nil {
		if closeErr := e.Close(); closeErr != nil {
			logger.Warn("Error closing partially opened engine", zap.Error(closeErr))
		}
		for _, p := range e.createdFiles {
			if rmErr := os.Remove(p); rmErr != nil {
				logger.Warn("Error removing partially created engine file", zap.String("path", p), zap.Error(rmErr))
			}
		}
		return nil, err
	}

	logger.Info("Storage engine opened",
		zap.String("base", cfg.BasePath), zap.Bool("created", create),
		zap.Uint32("pages", uint32(e.Pages.PageNumber())), zap.Uint64("xidCounter", e.Txns.Counter()))
	return e, nil
}

func (e *Engine) create(paths []string, memory int64, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) error {
	var err error
	if e.Pages, err = memtable.Create(paths[0], memory, logger, metrics); err != nil {
		return fmt.Errorf("failed to create page file: %w", err)
	}
	e.createdFiles = append(e.createdFiles, paths[0])
	if e.Log, err = wal.Create(paths[1], logger, metrics); err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}
	e.createdFiles = append(e.createdFiles, paths[1])
	if e.Txns, err = transaction.Create(paths[2], logger, metrics); err != nil {
		return fmt.Errorf("failed to create xid file: %w", err)
	}
	e.createdFiles = nil
	return nil
}

func (e *Engine) open(paths []string, memory int64, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) error {
	var err error
	if e.Pages, err = memtable.Open(paths[0], memory, logger, metrics); err != nil {
		return fmt.Errorf("failed to open page file: %w", err)
	}
	if e.Log, err = wal.Open(paths[1], logger, metrics); err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	if e.Txns, err = transaction.Open(paths[2], logger, metrics); err != nil {
		return fmt.Errorf("failed to open xid file: %w", err)
	}
	return nil
}

// Created reports whether Open created fresh files.
func (e *Engine) Created() bool { return e.created }

// Close closes every component that was opened, in reverse order.
func (e *Engine) Close() error {
	var errs []error
	if e.Txns != nil {
		errs = append(errs, e.Txns.Close())
	}
	if e.Log != nil {
		errs = append(errs, e.Log.Close())
	}
	if e.Pages != nil {
		errs = append(errs, e.Pages.Close())
	}
	err := errors.Join(errs...)
	if err != nil {
		e.logger.Error("Error closing storage engine", zap.Error(err))
	}
	return err
}

// IsFatal reports whether err means an engine file is corrupt beyond
// automatic recovery.
func IsFatal(err error) bool {
	return flushmanager.IsFatal(err)
}

func countExisting(paths []string) (int, error) {
	n := 0
	for _, p := range paths {
		_, err := os.Stat(p)
		switch {
		case err == nil:
			n++
		case errors.Is(err, os.ErrNotExist):
		default:
			return 0, fmt.Errorf("%w: stat %s: %v", flushmanager.ErrIO, p, err)
		}
	}
	return n, nil
}
