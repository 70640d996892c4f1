//go:build darwin

package pathutil

import (
	"os"
	"syscall"
	"time"
)

// accessTime extracts the last-access time from a darwin stat_t, falling
// back to ModTime when the underlying Sys() value isn't the expected type.
func accessTime(info os.FileInfo) time.Time {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.ModTime()
	}
	return time.Unix(stat.Atimespec.Sec, stat.Atimespec.Nsec)
}
