//go:build linux

package taskstats

import "syscall"

// CurrentTaskID returns the kernel task id of the calling thread. Callers
// that need a stable answer should pin the goroutine with
// runtime.LockOSThread first.
func CurrentTaskID() uint32 {
	return uint32(syscall.Gettid())
}
