//go:build linux

package local

import (
	"syscall"
	"time"
)

// extractBirthTime returns nil on Linux: Stat_t carries no birth time and
// statx support depends on the kernel and filesystem.
func extractBirthTime(*syscall.Stat_t) *time.Time {
	return nil
}
