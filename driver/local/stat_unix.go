//go:build unix

package local

import (
	"os"
	"strconv"
	"syscall"
	"time"
)

// platformMetadata extracts owner and birth time on Unix systems.
func platformMetadata(info os.FileInfo) map[string]string {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	md := map[string]string{
		"uid": strconv.FormatUint(uint64(stat.Uid), 10),
		"gid": strconv.FormatUint(uint64(stat.Gid), 10),
	}
	if t := extractBirthTime(stat); t != nil {
		md["birth_time"] = t.UTC().Format(time.RFC3339Nano)
	}
	return md
}
