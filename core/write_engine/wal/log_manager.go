package wal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sushant-115/gojostore/core/storage_engine/common"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
	"go.uber.org/zap"
)

// --- Write-Ahead Logging (WAL) Constants ---
//
// File layout:   [globalChecksum:4] [record]* [badTail]
// Record layout: [size:4] [checksum:4] [data:size]
//
// The global checksum folds the full bytes of every valid record in order. A
// record's own checksum covers only its data.

const (
	// FileSuffix is appended to the engine base path for the log file.
	FileSuffix = ".log"

	headerSize       = common.Uint32Size
	recordSizeOffset = 0
	recordSumOffset  = recordSizeOffset + common.Uint32Size
	recordDataOffset = recordSumOffset + common.Uint32Size

	checksumSeed int32 = 13331
)

// CalcChecksum folds data into acc. Bytes are taken as signed values and the
// arithmetic wraps at 32 bits, which keeps existing log files readable.
func CalcChecksum(acc int32, data []byte) int32 {
	for _, b := range data {
		acc = acc*checksumSeed + int32(int8(b))
	}
	return acc
}

// RecoveryInfo summarises what Open found in the log file.
type RecoveryInfo struct {
	Records        int   // valid records kept
	TruncatedBytes int64 // length of the bad tail removed, 0 if none
	Checksum       int32 // global checksum after recovery
}

// LogManager appends checksummed records to a single log file and replays
// them sequentially. All methods are safe for concurrent use.
type LogManager struct {
	path string
	file *os.File

	mu       sync.Mutex
	position int64 // read cursor used by Next
	fileSize int64 // tracked on every append and truncate
	checksum int32
	recovery RecoveryInfo

	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
}

// Create creates a new, empty log file at path.
func Create(path string, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*LogManager, error) {
	file, err := flushmanager.OpenDataFile(path, true)
	if err != nil {
		return nil, err
	}
	lm := newLogManager(path, file, logger, metrics)
	if err := lm.writeHeader(0); err != nil {
		file.Close()
		return nil, err
	}
	if err := lm.sync(); err != nil {
		file.Close()
		return nil, err
	}
	lm.fileSize = headerSize
	lm.logger.Info("LogManager created", zap.String("path", path))
	return lm, nil
}

// Open opens an existing log file and recovers it: a torn or corrupt tail is
// cut off and the header checksum rewritten to match what remains. A file
// whose records are all intact but whose header disagrees with them is
// rejected with ErrBadLogFile.
func Open(path string, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*LogManager, error) {
	file, err := flushmanager.OpenDataFile(path, false)
	if err != nil {
		return nil, err
	}
	lm := newLogManager(path, file, logger, metrics)
	if err := lm.recover(); err != nil {
		file.Close()
		return nil, err
	}
	return lm, nil
}

func newLogManager(path string, file *os.File, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) *LogManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogManager{
		path:     path,
		file:     file,
		position: headerSize,
		logger:   logger.Named("log_manager"),
		metrics:  metrics,
	}
}

func (lm *LogManager) recover() error {
	info, err := lm.file.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", flushmanager.ErrIO, lm.path, err)
	}
	lm.fileSize = info.Size()
	if lm.fileSize < headerSize {
		return fmt.Errorf("%w: %s is %d bytes, shorter than its header", flushmanager.ErrBadLogFile, lm.path, lm.fileSize)
	}

	header := make([]byte, headerSize)
	if _, err := lm.file.ReadAt(header, 0); err != nil {
		return fmt.Errorf("%w: reading log header: %v", flushmanager.ErrIO, err)
	}
	stored := common.Int32(header)

	pos, acc, records, err := lm.scan(lm.fileSize)
	if err != nil {
		return err
	}

	badTail := lm.fileSize - pos
	if badTail == 0 && acc != stored {
		return fmt.Errorf("%w: header checksum %d does not match records (%d)", flushmanager.ErrBadLogFile, stored, acc)
	}
	if badTail > 0 {
		lm.logger.Warn("Removing bad tail from log",
			zap.String("path", lm.path), zap.Int64("offset", pos), zap.Int64("bytes", badTail))
		if err := lm.file.Truncate(pos); err != nil {
			return fmt.Errorf("%w: truncating bad tail at %d: %v", flushmanager.ErrIO, pos, err)
		}
		lm.fileSize = pos
		if acc != stored {
			if err := lm.writeHeader(acc); err != nil {
				return err
			}
		}
		if err := lm.sync(); err != nil {
			return err
		}
		lm.metrics.WalTruncated(badTail)
	}

	lm.checksum = acc
	lm.position = headerSize
	lm.recovery = RecoveryInfo{Records: records, TruncatedBytes: badTail, Checksum: acc}
	lm.logger.Info("LogManager recovered",
		zap.String("path", lm.path), zap.Int("records", records),
		zap.Int64("truncatedBytes", badTail), zap.Int32("checksum", acc))
	return nil
}

// scan walks verified records from the start of the log up to limit. It
// returns the offset just past the last valid record, the global checksum of
// the valid records and how many there were.
func (lm *LogManager) scan(limit int64) (int64, int32, int, error) {
	pos := int64(headerSize)
	var acc int32
	records := 0
	for {
		record, err := lm.readRecord(pos, limit, true)
		if err != nil {
			return 0, 0, 0, err
		}
		if record == nil {
			return pos, acc, records, nil
		}
		acc = CalcChecksum(acc, record)
		pos += int64(len(record))
		records++
	}
}

// readRecord returns the full record at pos, or nil if there is no complete
// record there. With verify set, a record whose data does not match its
// checksum also reads as nil.
func (lm *LogManager) readRecord(pos, limit int64, verify bool) ([]byte, error) {
	if pos+recordDataOffset > limit {
		return nil, nil
	}
	head := make([]byte, recordDataOffset)
	if _, err := lm.file.ReadAt(head, pos); err != nil {
		return nil, fmt.Errorf("%w: reading record header at %d: %v", flushmanager.ErrIO, pos, err)
	}
	size := int64(common.Uint32(head[recordSizeOffset:]))
	if pos+recordDataOffset+size > limit {
		return nil, nil
	}

	record := make([]byte, recordDataOffset+size)
	if _, err := lm.file.ReadAt(record, pos); err != nil {
		return nil, fmt.Errorf("%w: reading record at %d: %v", flushmanager.ErrIO, pos, err)
	}
	if verify && CalcChecksum(0, record[recordDataOffset:]) != common.Int32(record[recordSumOffset:]) {
		return nil, nil
	}
	return record, nil
}

func wrapRecord(data []byte) []byte {
	record := make([]byte, recordDataOffset+len(data))
	common.PutUint32(record[recordSizeOffset:], uint32(len(data)))
	common.PutInt32(record[recordSumOffset:], CalcChecksum(0, data))
	copy(record[recordDataOffset:], data)
	return record
}

// Log appends data as a new record, updates the header checksum and flushes
// the file before returning.
func (lm *LogManager) Log(data []byte) error {
	record := wrapRecord(data)

	lm.mu.Lock()
	defer lm.mu.Unlock()

	if _, err := lm.file.WriteAt(record, lm.fileSize); err != nil {
		return fmt.Errorf("%w: appending log record at %d: %v", flushmanager.ErrIO, lm.fileSize, err)
	}
	lm.fileSize += int64(len(record))

	checksum := CalcChecksum(lm.checksum, record)
	if err := lm.writeHeader(checksum); err != nil {
		return err
	}
	lm.checksum = checksum
	if err := lm.sync(); err != nil {
		return err
	}
	lm.metrics.WalAppended(len(record))
	lm.logger.Debug("Appended log record", zap.Int("dataSize", len(data)), zap.Int64("fileSize", lm.fileSize))
	return nil
}

// Next returns the data of the record at the read cursor and advances past
// it. It returns io.EOF once no complete record remains. Record checksums are
// not verified here; Open has already done so.
func (lm *LogManager) Next() ([]byte, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	record, err := lm.readRecord(lm.position, lm.fileSize, false)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, io.EOF
	}
	lm.position += int64(len(record))
	return record[recordDataOffset:], nil
}

// Rewind moves the read cursor back to the first record.
func (lm *LogManager) Rewind() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.position = headerSize
}

// Truncate cuts the log at offset, which must be the start of a record or the
// current end of file. The header checksum is recomputed over the records that
// remain so the file reopens cleanly.
func (lm *LogManager) Truncate(offset int64) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if offset < headerSize || offset > lm.fileSize {
		return fmt.Errorf("%w: %d not in [%d, %d]", flushmanager.ErrInvalidOffset, offset, headerSize, lm.fileSize)
	}
	end, acc, _, err := lm.scan(offset)
	if err != nil {
		return err
	}
	if end != offset {
		return fmt.Errorf("%w: %d is inside the record starting at %d", flushmanager.ErrInvalidOffset, offset, end)
	}
	if err := lm.file.Truncate(offset); err != nil {
		return fmt.Errorf("%w: truncating log at %d: %v", flushmanager.ErrIO, offset, err)
	}
	removed := lm.fileSize - offset
	lm.fileSize = offset
	if lm.position > offset {
		lm.position = offset
	}

	if err := lm.writeHeader(acc); err != nil {
		return err
	}
	lm.checksum = acc
	if err := lm.sync(); err != nil {
		return err
	}
	lm.metrics.WalTruncated(removed)
	lm.logger.Info("Log truncated", zap.Int64("offset", offset), zap.Int64("removedBytes", removed))
	return nil
}

// Size returns the current length of the log file in bytes.
func (lm *LogManager) Size() int64 {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.fileSize
}

// Checksum returns the global checksum as last written to the header.
func (lm *LogManager) Checksum() int32 {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.checksum
}

// RecoveryInfo reports what Open found. It is zero for a created log.
func (lm *LogManager) RecoveryInfo() RecoveryInfo {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.recovery
}

// Close syncs and closes the log file.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.file == nil {
		return nil
	}
	syncErr := lm.file.Sync()
	closeErr := lm.file.Close()
	lm.file = nil
	lm.logger.Info("LogManager closed", zap.String("path", lm.path), zap.Int64("fileSize", lm.fileSize))
	return errors.Join(syncErr, closeErr)
}

func (lm *LogManager) writeHeader(checksum int32) error {
	if _, err := lm.file.WriteAt(common.Int32ToBytes(checksum), 0); err != nil {
		return fmt.Errorf("%w: writing log header: %v", flushmanager.ErrIO, err)
	}
	return nil
}

func (lm *LogManager) sync() error {
	start := time.Now()
	if err := flushmanager.DataSync(lm.file); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", flushmanager.ErrIO, lm.path, err)
	}
	lm.metrics.SyncObserved("log", start)
	return nil
}
