//go:build !linux

package taskstats

// CurrentTaskID returns 0 on platforms without kernel task ids; the THST
// record carries 0 and the task-stats probe zero-fills.
func CurrentTaskID() uint32 {
	return 0
}
