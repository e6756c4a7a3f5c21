//go:build unix

package common

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func lowerPriority() error {
	// Increase niceness to 19 (lowest priority). PRIO_PROCESS, who = 0 (this process)
	const niceness = 19
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, niceness); err != nil {
		return fmt.Errorf("setpriority failed: %w", err)
	}
	return nil
}
