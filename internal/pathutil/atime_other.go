//go:build !linux && !darwin

package pathutil

import (
	"os"
	"time"
)

// accessTime has no portable stat-based source on this platform; ModTime is
// the closest approximation available without cgo or per-OS syscalls.
func accessTime(info os.FileInfo) time.Time {
	return info.ModTime()
}
