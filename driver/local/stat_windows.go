//go:build windows

package local

import (
	"os"
	"syscall"
	"time"
)

// platformMetadata extracts the creation time on Windows. Owner lookup needs
// GetSecurityInfo and is not reported.
func platformMetadata(info os.FileInfo) map[string]string {
	data, ok := info.Sys().(*syscall.Win32FileAttributeData)
	if !ok {
		return nil
	}
	t := time.Unix(0, data.CreationTime.Nanoseconds())
	if t.IsZero() {
		return nil
	}
	return map[string]string{"birth_time": t.UTC().Format(time.RFC3339Nano)}
}
