//go:build !linux

package flushmanager

import "os"

// DataSync falls back to a full fsync where fdatasync is not available.
func DataSync(f *os.File) error {
	return f.Sync()
}
