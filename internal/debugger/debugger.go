// Package debugger implements the VM-side debugger façade: allocation
// tracking, thread lifecycle notifications, and the heap-profiling chunks
// (HPIF, HPSG/NHSG) that DDM clients subscribe to.
package debugger

import (
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/phuslu/log"
	"go.uber.org/atomic"

	"github.com/ddmkit-dev/ddmvm-go/internal/ddmwire"
	"github.com/ddmkit-dev/ddmvm-go/internal/vmcore"
)

// HpifWhen says when heap-info chunks should be generated.
type HpifWhen int32

const (
	HpifWhenNever HpifWhen = iota
	HpifWhenNow
	HpifWhenNextGC
	HpifWhenEveryGC
)

// HpsgWhen says when heap-segment chunks should be generated.
type HpsgWhen int32

const (
	HpsgWhenNever HpsgWhen = iota
	HpsgWhenEveryGC
)

// HpsgWhat selects the granularity of heap-segment data.
type HpsgWhat int32

const (
	HpsgWhatMergedObjects HpsgWhat = iota
	HpsgWhatDistinctObjects
)

// The single managed heap this VM reports.
const managedHeapID = 1

// Heap segments are described in 8-byte allocation units.
const allocationUnitSize = 8

// ChunkSink receives chunks the debugger posts outside of any
// request/response exchange.
type ChunkSink interface {
	PostChunk(typ uint32, data []byte)
}

// Debugger owns the introspection state that outlives individual bridge
// calls. It serializes its own mutable state; the bridge calls in without
// holding VM locks except where noted.
type Debugger struct {
	vm     *vmcore.VM
	logger log.Logger

	allocs       allocTracker
	threadNotify atomic.Bool

	mu struct {
		sync.Mutex
		sink       ChunkSink
		hpifWhen   HpifWhen
		hpsgWhen   HpsgWhen
		hpsgWhat   HpsgWhat
		hpsgNative bool
	}
}

// New constructs a Debugger for vm. Install it as the thread-list observer
// to get lifecycle notifications flowing.
func New(vm *vmcore.VM, logger log.Logger) *Debugger {
	return &Debugger{vm: vm, logger: logger}
}

// SetSink installs the chunk sink. Pass nil to drop posted chunks.
func (d *Debugger) SetSink(sink ChunkSink) {
	d.mu.Lock()
	d.mu.sink = sink
	d.mu.Unlock()
}

func (d *Debugger) postChunk(typ uint32, data []byte) {
	d.mu.Lock()
	sink := d.mu.sink
	d.mu.Unlock()
	if sink == nil {
		d.logger.Debug().Str("chunk", ddmwire.TypeString(typ)).Msg("dropping chunk: no sink")
		return
	}
	sink.PostChunk(typ, data)
}

// SetAllocTrackingEnabled switches allocation tracking on or off. Switching
// on resets the record ring.
func (d *Debugger) SetAllocTrackingEnabled(enable bool) {
	d.allocs.setEnabled(enable)
}

// AllocTrackingEnabled reports whether allocation tracking is on.
func (d *Debugger) AllocTrackingEnabled() bool {
	return d.allocs.enabled.Load()
}

// RecordAllocation appends an allocation record when tracking is enabled.
func (d *Debugger) RecordAllocation(t *vmcore.Thread, class string, size uint32) {
	d.allocs.record(t, class, size)
}

// RecentAllocations serializes the recent-allocation ring, or returns nil
// when tracking is disabled.
func (d *Debugger) RecentAllocations() []byte {
	return d.allocs.encode()
}

// ThreadStack materializes t's call stack. The bridge calls this while
// holding the heap and thread-list locks.
func (d *Debugger) ThreadStack(t *vmcore.Thread) []vmcore.StackFrame {
	return t.Stack()
}

// SetThreadNotification enables or disables THCR/THDE chunks. Enabling
// replays a THCR for every thread already alive so the client starts from a
// complete picture.
func (d *Debugger) SetThreadNotification(enable bool) {
	d.threadNotify.Store(enable)
	if !enable {
		return
	}
	var existing []*vmcore.Thread
	d.vm.WithThreadListLocked(func(tl *vmcore.ThreadList) {
		tl.ForEach(func(t *vmcore.Thread) {
			existing = append(existing, t)
		})
	})
	for _, t := range existing {
		d.postChunk(ddmwire.TypeTHCR, threadCreateChunk(t))
	}
}

// ThreadStarted implements vmcore.Observer.
func (d *Debugger) ThreadStarted(t *vmcore.Thread) {
	if !d.threadNotify.Load() {
		return
	}
	d.postChunk(ddmwire.TypeTHCR, threadCreateChunk(t))
}

// ThreadDied implements vmcore.Observer.
func (d *Debugger) ThreadDied(t *vmcore.Thread) {
	if !d.threadNotify.Load() {
		return
	}
	var data []byte
	data = ddmwire.Append4BE(data, t.ThinLockID())
	d.postChunk(ddmwire.TypeTHDE, data)
}

func threadCreateChunk(t *vmcore.Thread) []byte {
	var data []byte
	data = ddmwire.Append4BE(data, t.ThinLockID())
	data = ddmwire.Append4BE(data, uint32(ddmwire.UTF16Units(t.Name())))
	data = ddmwire.AppendUTF16BE(data, t.Name())
	return data
}

// HandleHeapInfoChunk records the heap-info schedule and, for HpifWhenNow,
// posts one HPIF chunk immediately. Returns 1 on success and 0 for an
// unknown when code.
func (d *Debugger) HandleHeapInfoChunk(when HpifWhen) int32 {
	if when < HpifWhenNever || when > HpifWhenEveryGC {
		d.logger.Warn().Int("when", int(when)).Msg("rejecting unknown HPIF when code")
		return 0
	}
	d.mu.Lock()
	d.mu.hpifWhen = when
	d.mu.Unlock()
	if when == HpifWhenNow {
		d.postChunk(ddmwire.TypeHPIF, d.heapInfoChunk(when))
	}
	return 1
}

// heapInfoChunk serializes heap statistics under the heap lock:
// u4 heap count, then per heap u4 id, u8 timestamp ms, u1 reason,
// u4 max heap bytes, u4 heap bytes, u4 allocated bytes, u4 object count.
func (d *Debugger) heapInfoChunk(reason HpifWhen) []byte {
	var ms runtime.MemStats
	d.vm.WithHeapLocked(func() {
		runtime.ReadMemStats(&ms)
	})

	var data []byte
	data = ddmwire.Append4BE(data, 1) // heap count
	data = ddmwire.Append4BE(data, managedHeapID)
	data = ddmwire.Append8BE(data, uint64(time.Now().UnixMilli()))
	data = ddmwire.Append1BE(data, uint32(reason))
	data = ddmwire.Append4BE(data, clamp4(ms.HeapSys))
	data = ddmwire.Append4BE(data, clamp4(ms.HeapInuse))
	data = ddmwire.Append4BE(data, clamp4(ms.HeapAlloc))
	data = ddmwire.Append4BE(data, clamp4(ms.HeapObjects))
	return data
}

// HandleHeapSegmentChunk records the heap-segment schedule and posts the
// segment-start header for the selected heap. Walking the heap for run data
// is not implemented; clients receive an empty segment body. Returns 1 on
// success and 0 for unknown codes.
func (d *Debugger) HandleHeapSegmentChunk(when HpsgWhen, what HpsgWhat, native bool) int32 {
	if when < HpsgWhenNever || when > HpsgWhenEveryGC {
		d.logger.Warn().Int("when", int(when)).Msg("rejecting unknown HPSG when code")
		return 0
	}
	if what < HpsgWhatMergedObjects || what > HpsgWhatDistinctObjects {
		d.logger.Warn().Int("what", int(what)).Msg("rejecting unknown HPSG what code")
		return 0
	}
	d.mu.Lock()
	d.mu.hpsgWhen = when
	d.mu.hpsgWhat = what
	d.mu.hpsgNative = native
	d.mu.Unlock()

	if when == HpsgWhenNever {
		return 1
	}
	typ := uint32(ddmwire.TypeHPSG)
	if native {
		typ = ddmwire.TypeNHSG
	}
	d.postChunk(typ, heapSegmentHeader())
	return 1
}

// heapSegmentHeader is the segment-start record: u4 heap id, u1 allocation
// unit size, u4 base address, u4 offset, u4 length in allocation units.
func heapSegmentHeader() []byte {
	var data []byte
	data = ddmwire.Append4BE(data, managedHeapID)
	data = ddmwire.Append1BE(data, allocationUnitSize)
	data = ddmwire.Append4BE(data, 0)
	data = ddmwire.Append4BE(data, 0)
	data = ddmwire.Append4BE(data, 0)
	return data
}

func clamp4(v uint64) uint32 {
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}
