//go:build linux

package pathutil

import (
	"os"
	"syscall"
	"time"
)

// accessTime extracts the last-access time from a unix stat_t, falling back
// to ModTime when the underlying Sys() value isn't the expected type.
func accessTime(info os.FileInfo) time.Time {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.ModTime()
	}
	return time.Unix(stat.Atim.Sec, stat.Atim.Nsec)
}
