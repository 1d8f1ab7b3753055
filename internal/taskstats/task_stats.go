// Package taskstats retrieves per-kernel-task CPU accounting for the
// threads of the current process. The utime and stime values are opaque
// clock ticks passed through to the wire unchanged.
package taskstats

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Stats is the accounting triple for one kernel task. CPU is collected but
// not part of the THST record.
type Stats struct {
	Utime uint32
	Stime uint32
	CPU   int32
}

// Probe retrieves Stats for a kernel task id. ok is false when the probe
// has nothing for the task; callers are expected to zero-fill rather than
// fail.
type Probe interface {
	TaskStats(tid uint32) (stats Stats, ok bool)
}

// StaticProbe is a fixed tid->Stats mapping, mostly useful in tests.
type StaticProbe map[uint32]Stats

// TaskStats implements Probe.
func (p StaticProbe) TaskStats(tid uint32) (Stats, bool) {
	s, ok := p[tid]
	return s, ok
}

// NewProcProbe returns a Probe backed by the proc filesystem. On platforms
// without /proc the probe simply reports ok=false for every task.
func NewProcProbe() Probe {
	return &procProbe{taskDir: "/proc/self/task"}
}

type procProbe struct {
	taskDir string
}

// TaskStats implements Probe by reading <taskDir>/<tid>/stat.
func (p *procProbe) TaskStats(tid uint32) (Stats, bool) {
	data, err := os.ReadFile(fmt.Sprintf("%s/%d/stat", p.taskDir, tid))
	if err != nil {
		return Stats{}, false
	}
	stats, err := parseStat(data)
	if err != nil {
		return Stats{}, false
	}
	return stats, true
}

// Stat-line field numbers per proc(5), 1-based over the whole line.
const (
	statFieldUtime     = 14
	statFieldStime     = 15
	statFieldProcessor = 39
)

// parseStat extracts utime, stime and the last-run cpu from a
// /proc/<pid>/task/<tid>/stat line. The comm field may contain spaces and
// parentheses, so parsing starts after the last ')'.
func parseStat(data []byte) (Stats, error) {
	end := bytes.LastIndexByte(data, ')')
	if end < 0 || end+1 >= len(data) {
		return Stats{}, fmt.Errorf("malformed stat line: no comm terminator")
	}
	fields := strings.Fields(string(data[end+1:]))
	// fields[0] is the state character, field 3 of the full line.
	idx := func(field int) int { return field - 3 }
	if len(fields) <= idx(statFieldProcessor) {
		return Stats{}, fmt.Errorf("malformed stat line: %d fields after comm", len(fields))
	}

	utime, err := strconv.ParseUint(fields[idx(statFieldUtime)], 10, 64)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to parse utime: %w", err)
	}
	stime, err := strconv.ParseUint(fields[idx(statFieldStime)], 10, 64)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to parse stime: %w", err)
	}
	cpu, err := strconv.ParseInt(fields[idx(statFieldProcessor)], 10, 32)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to parse processor: %w", err)
	}
	return Stats{
		Utime: uint32(utime),
		Stime: uint32(stime),
		CPU:   int32(cpu),
	}, nil
}
