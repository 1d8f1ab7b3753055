// Package bridge implements the DdmVmInternal entry points: the eight
// operations a DDM client can drive against the VM, including the THST
// thread-statistics encoder.
package bridge

import (
	"fmt"
	"math"
	"sync"

	"github.com/ddmkit-dev/ddmvm-go/internal/ddmwire"
	"github.com/ddmkit-dev/ddmvm-go/internal/debugger"
	"github.com/ddmkit-dev/ddmvm-go/internal/taskstats"
	"github.com/ddmkit-dev/ddmvm-go/internal/vmcore"
)

// Debugger is the façade the pass-through entry points delegate to. The
// bridge has no opinion about the payloads it hands back; the debugger owns
// allocation tracking, heap profiling and stack materialization.
type Debugger interface {
	SetAllocTrackingEnabled(enable bool)
	AllocTrackingEnabled() bool
	RecentAllocations() []byte
	ThreadStack(t *vmcore.Thread) []vmcore.StackFrame
	HandleHeapInfoChunk(when debugger.HpifWhen) int32
	HandleHeapSegmentChunk(when debugger.HpsgWhen, what debugger.HpsgWhat, native bool) int32
	SetThreadNotification(enable bool)
}

// HostBridge constructs the byte arrays handed back to the caller and
// accepts method-table registration.
type HostBridge interface {
	// NewByteArray allocates an n-byte array. ok is false when the host
	// refuses the allocation.
	NewByteArray(n int) (arr []byte, ok bool)

	// RegisterNatives registers the entry points of a class.
	RegisterNatives(class string, methods []Method) error
}

// Method is one entry of the method table: the operation name and its
// managed-code descriptor, bound to the implementing function.
type Method struct {
	Name      string
	Signature string
	Fn        any
}

// DdmVmInternalClass is the managed class whose methods the bridge backs.
const DdmVmInternalClass = "org/apache/harmony/dalvik/ddmc/DdmVmInternal"

// THST record geometry. The two values are also the first two octets of
// every THST chunk so that parsers can skip fields added later.
const (
	thstHeaderLen     = 4
	thstBytesPerEntry = 18
)

// VMBridge binds the entry points to a VM, a debugger façade, a host bridge
// and a task-stats probe.
type VMBridge struct {
	vm    *vmcore.VM
	dbg   Debugger
	host  HostBridge
	stats taskstats.Probe
}

// New constructs a VMBridge. All four collaborators are required.
func New(vm *vmcore.VM, dbg Debugger, host HostBridge, stats taskstats.Probe) *VMBridge {
	return &VMBridge{vm: vm, dbg: dbg, host: host, stats: stats}
}

// EnableRecentAllocations forwards the allocation-tracking toggle.
func (b *VMBridge) EnableRecentAllocations(enable bool) {
	b.dbg.SetAllocTrackingEnabled(enable)
}

// GetRecentAllocations returns the debugger-owned recent-allocations
// buffer, or nil when tracking is disabled.
func (b *VMBridge) GetRecentAllocations() []byte {
	return b.dbg.RecentAllocations()
}

// GetRecentAllocationStatus reports whether allocation tracking is enabled.
func (b *VMBridge) GetRecentAllocationStatus() bool {
	return b.dbg.AllocTrackingEnabled()
}

// GetStackTraceByID resolves a thin-lock id to a thread and materializes
// its stack. Returns nil when no live thread carries the id.
//
// Both VM locks are held across resolution and extraction, heap lock first.
func (b *VMBridge) GetStackTraceByID(thinLockID uint32) []vmcore.StackFrame {
	var frames []vmcore.StackFrame
	b.vm.WithHeapAndThreadListLocked(func(tl *vmcore.ThreadList) {
		t := findThreadByThinLockID(tl, thinLockID)
		if t == nil {
			return
		}
		frames = b.dbg.ThreadStack(t)
		if frames == nil {
			frames = []vmcore.StackFrame{}
		}
	})
	return frames
}

// findThreadByThinLockID scans the list for the thread carrying id. The id
// is unique among live threads so at most one visit matches. Must be called
// with the thread-list lock held.
func findThreadByThinLockID(tl *vmcore.ThreadList, id uint32) *vmcore.Thread {
	var found *vmcore.Thread
	tl.ForEach(func(t *vmcore.Thread) {
		if t.ThinLockID() == id {
			found = t
		}
	})
	return found
}

// GetThreadStats generates the contents of a THST chunk. The data
// encompasses all known threads.
//
// Response has:
//
//	(1b) header len
//	(1b) bytes per entry
//	(2b) thread count
//
// Then, for each thread:
//
//	(4b) thread id
//	(1b) thread status
//	(4b) tid
//	(4b) utime
//	(4b) stime
//	(1b) is daemon?
//
// The thread-list lock is held from the counting pass through the
// serialization pass, so the count always matches the records. Returns nil
// when the host refuses the output array.
func (b *VMBridge) GetThreadStats() []byte {
	var chunk []byte
	b.vm.WithThreadListLocked(func(tl *vmcore.ThreadList) {
		var count uint32
		tl.ForEach(func(*vmcore.Thread) {
			count++
		})
		// The wire count is 16 bits; clamp and stop serializing at the
		// clamped count so the header stays consistent.
		if count > math.MaxUint16 {
			count = math.MaxUint16
		}

		chunk = ddmwire.Append1BE(chunk, thstHeaderLen)
		chunk = ddmwire.Append1BE(chunk, thstBytesPerEntry)
		chunk = ddmwire.Append2BE(chunk, count)

		var emitted uint32
		tl.ForEach(func(t *vmcore.Thread) {
			if emitted >= count {
				return
			}
			emitted++
			stats, ok := b.stats.TaskStats(t.Tid())
			if !ok {
				stats = taskstats.Stats{}
			}
			chunk = ddmwire.Append4BE(chunk, t.ThinLockID())
			chunk = ddmwire.Append1BE(chunk, uint32(t.State()))
			chunk = ddmwire.Append4BE(chunk, t.Tid())
			chunk = ddmwire.Append4BE(chunk, stats.Utime)
			chunk = ddmwire.Append4BE(chunk, stats.Stime)
			chunk = ddmwire.Append1BE(chunk, boolByte(t.Daemon()))
		})
	})

	out, ok := b.host.NewByteArray(len(chunk))
	if !ok {
		return nil
	}
	copy(out, chunk)
	return out
}

// HeapInfoNotify forwards a heap-info when code to the debugger.
func (b *VMBridge) HeapInfoNotify(when int32) int32 {
	return b.dbg.HandleHeapInfoChunk(debugger.HpifWhen(when))
}

// HeapSegmentNotify forwards a heap-segment request to the debugger.
func (b *VMBridge) HeapSegmentNotify(when, what int32, native bool) int32 {
	return b.dbg.HandleHeapSegmentChunk(debugger.HpsgWhen(when), debugger.HpsgWhat(what), native)
}

// ThreadNotify forwards the thread-lifecycle notification toggle.
func (b *VMBridge) ThreadNotify(enable bool) {
	b.dbg.SetThreadNotification(enable)
}

// Methods returns the method table for DdmVmInternal.
func (b *VMBridge) Methods() []Method {
	return []Method{
		{Name: "enableRecentAllocations", Signature: "(Z)V", Fn: b.EnableRecentAllocations},
		{Name: "getRecentAllocations", Signature: "()[B", Fn: b.GetRecentAllocations},
		{Name: "getRecentAllocationStatus", Signature: "()Z", Fn: b.GetRecentAllocationStatus},
		{Name: "getStackTraceById", Signature: "(I)[Ljava/lang/StackTraceElement;", Fn: b.GetStackTraceByID},
		{Name: "getThreadStats", Signature: "()[B", Fn: b.GetThreadStats},
		{Name: "heapInfoNotify", Signature: "(I)Z", Fn: b.HeapInfoNotify},
		{Name: "heapSegmentNotify", Signature: "(IIZ)Z", Fn: b.HeapSegmentNotify},
		{Name: "threadNotify", Signature: "(Z)V", Fn: b.ThreadNotify},
	}
}

// RegisterNatives registers the method table with the host.
func (b *VMBridge) RegisterNatives() error {
	if err := b.host.RegisterNatives(DdmVmInternalClass, b.Methods()); err != nil {
		return fmt.Errorf("failed to register %s: %w", DdmVmInternalClass, err)
	}
	return nil
}

func boolByte(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}

// NewHost returns the default HostBridge: allocation always succeeds and
// registrations are recorded per class.
func NewHost() HostBridge {
	return &goHost{}
}

type goHost struct {
	mu      sync.Mutex
	natives map[string][]Method
}

func (h *goHost) NewByteArray(n int) ([]byte, bool) {
	return make([]byte, n), true
}

func (h *goHost) RegisterNatives(class string, methods []Method) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.natives == nil {
		h.natives = make(map[string][]Method)
	}
	if _, ok := h.natives[class]; ok {
		return fmt.Errorf("class %s already registered", class)
	}
	h.natives[class] = methods
	return nil
}
