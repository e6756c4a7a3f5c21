package flushmanager

import "errors"

// --- Error Definitions ---

var (
	ErrCacheFull        = errors.New("cache is full and no slot can be reserved")
	ErrNotCached        = errors.New("resource is not resident in cache")
	ErrMemTooSmall      = errors.New("page cache memory budget too small")
	ErrPageOutOfRange   = errors.New("page number out of range")
	ErrPageDataTooLarge = errors.New("page data larger than page size")
	ErrIO               = errors.New("i/o error")
	ErrFileExists       = errors.New("file already exists")
	ErrFileNotFound     = errors.New("file not found")
	ErrUnknownXID       = errors.New("transaction id not allocated")
	ErrInvalidOffset    = errors.New("invalid file offset")
	// --- Fatal: structural corruption detected while opening ---
	ErrBadLogFile = errors.New("bad log file")
	ErrBadXIDFile = errors.New("bad xid file")
)

// IsFatal reports whether err carries one of the open-time corruption errors.
// There is no safe way to continue once one of these is returned.
func IsFatal(err error) bool {
	return errors.Is(err, ErrBadLogFile) || errors.Is(err, ErrBadXIDFile)
}
