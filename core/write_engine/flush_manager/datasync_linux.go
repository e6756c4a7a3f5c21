//go:build linux

package flushmanager

import (
	"os"

	"golang.org/x/sys/unix"
)

// DataSync flushes file data to stable storage without forcing a metadata
// update unless one is needed to read the data back.
func DataSync(f *os.File) error {
	for {
		err := unix.Fdatasync(int(f.Fd()))
		if err != unix.EINTR {
			return err
		}
	}
}
