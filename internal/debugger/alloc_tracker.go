package debugger

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/ddmkit-dev/ddmvm-go/internal/ddmwire"
	"github.com/ddmkit-dev/ddmvm-go/internal/vmcore"
)

const (
	// allocRecordCapacity bounds the ring of recent allocations; older
	// records are overwritten.
	allocRecordCapacity = 512

	// maxAllocStackDepth caps the frames kept per record.
	maxAllocStackDepth = 16

	allocMessageHeaderLen = 15
	allocEntryHeaderLen   = 9
	allocStackFrameLen    = 8
)

type allocRecord struct {
	threadID uint32
	class    string
	size     uint32
	frames   []vmcore.StackFrame
}

// allocTracker is a fixed-capacity ring of allocation records plus the
// encoder for the recent-allocations message.
//
// Message layout:
//
//	u1 message header len (15)
//	u1 entry header len (9)
//	u1 stack frame len (8)
//	u2 number of entries
//	u4 offset to string tables, from the start of the message
//	u2 class name count, u2 method name count, u2 file name count
//	entries, newest first:
//	  u2 allocating thread id, u4 byte size, u2 class index, u1 depth,
//	  then per frame: u2 class index, u2 method index, u2 file index, u2 line
//	string tables: per string u4 code-unit count + UTF-16BE code units
type allocTracker struct {
	enabled atomic.Bool

	mu      sync.Mutex
	records []allocRecord
	next    int
}

func (a *allocTracker) setEnabled(enable bool) {
	if enable {
		a.mu.Lock()
		a.records = a.records[:0]
		a.next = 0
		a.mu.Unlock()
	}
	a.enabled.Store(enable)
}

func (a *allocTracker) record(t *vmcore.Thread, class string, size uint32) {
	if !a.enabled.Load() {
		return
	}
	frames := t.Stack()
	if len(frames) > maxAllocStackDepth {
		frames = frames[:maxAllocStackDepth]
	}
	rec := allocRecord{
		threadID: t.ThinLockID(),
		class:    class,
		size:     size,
		frames:   frames,
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.records) < allocRecordCapacity {
		a.records = append(a.records, rec)
	} else {
		a.records[a.next] = rec
	}
	a.next = (a.next + 1) % allocRecordCapacity
}

// encode serializes the ring, newest record first. Returns nil when
// tracking is disabled.
func (a *allocTracker) encode() []byte {
	if !a.enabled.Load() {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var classes, methods, files stringTable
	var entries []byte
	n := len(a.records)
	for i := 0; i < n; i++ {
		// Walk backwards from the slot before next, wrapping.
		rec := &a.records[(a.next-1-i+2*allocRecordCapacity)%allocRecordCapacity]
		entries = ddmwire.Append2BE(entries, rec.threadID)
		entries = ddmwire.Append4BE(entries, rec.size)
		entries = ddmwire.Append2BE(entries, uint32(classes.intern(rec.class)))
		entries = ddmwire.Append1BE(entries, uint32(len(rec.frames)))
		for _, f := range rec.frames {
			entries = ddmwire.Append2BE(entries, uint32(classes.intern(f.Class)))
			entries = ddmwire.Append2BE(entries, uint32(methods.intern(f.Method)))
			entries = ddmwire.Append2BE(entries, uint32(files.intern(f.File)))
			entries = ddmwire.Append2BE(entries, clampLine(f.Line))
		}
	}

	var msg []byte
	msg = ddmwire.Append1BE(msg, allocMessageHeaderLen)
	msg = ddmwire.Append1BE(msg, allocEntryHeaderLen)
	msg = ddmwire.Append1BE(msg, allocStackFrameLen)
	msg = ddmwire.Append2BE(msg, uint32(n))
	msg = ddmwire.Append4BE(msg, uint32(allocMessageHeaderLen+len(entries)))
	msg = ddmwire.Append2BE(msg, uint32(len(classes.names)))
	msg = ddmwire.Append2BE(msg, uint32(len(methods.names)))
	msg = ddmwire.Append2BE(msg, uint32(len(files.names)))
	msg = append(msg, entries...)
	msg = classes.appendTo(msg)
	msg = methods.appendTo(msg)
	msg = files.appendTo(msg)
	return msg
}

// stringTable interns strings and hands out stable 16-bit indexes in
// first-seen order.
type stringTable struct {
	index map[string]uint16
	names []string
}

func (st *stringTable) intern(s string) uint16 {
	if st.index == nil {
		st.index = make(map[string]uint16)
	}
	if i, ok := st.index[s]; ok {
		return i
	}
	i := uint16(len(st.names))
	st.index[s] = i
	st.names = append(st.names, s)
	return i
}

func (st *stringTable) appendTo(buf []byte) []byte {
	for _, s := range st.names {
		buf = ddmwire.Append4BE(buf, uint32(ddmwire.UTF16Units(s)))
		buf = ddmwire.AppendUTF16BE(buf, s)
	}
	return buf
}

func clampLine(line int32) uint32 {
	if line < 0 {
		return 0
	}
	if line > 0xffff {
		return 0xffff
	}
	return uint32(line)
}
