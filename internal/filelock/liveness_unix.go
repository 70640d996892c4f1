//go:build linux || darwin

package filelock

import "syscall"

// processIsDead sends the null signal to pid: delivery fails with ESRCH (or
// any error) only if no such process exists.
func processIsDead(pid int) bool {
	return syscall.Kill(pid, syscall.Signal(0)) != nil
}
