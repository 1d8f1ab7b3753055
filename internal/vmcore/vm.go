// Package vmcore models the runtime structures the DDM bridge introspects:
// the live thread list, the thread-state taxonomy, and the two VM locks
// with their fixed acquisition order.
package vmcore

import "sync"

// VM aggregates the thread list and the heap lock. Lock acquisition goes
// through the With*Locked helpers so that release is guaranteed on every
// exit path, including panics in the callback.
//
// Lock order: heap lock first, thread-list lock second; never the reverse.
type VM struct {
	heapMu  sync.Mutex
	threads ThreadList

	// lockHook, when set, is called with "heap" or "threadlist" after the
	// corresponding lock has been acquired. Test instrumentation only.
	lockHook func(name string)
}

// NewVM returns an empty VM.
func NewVM() *VM {
	return &VM{}
}

// Threads returns the VM's thread list. Attach and Detach take the list
// lock internally; enumeration must go through WithThreadListLocked.
func (vm *VM) Threads() *ThreadList {
	return &vm.threads
}

func (vm *VM) noteLocked(name string) {
	if vm.lockHook != nil {
		vm.lockHook(name)
	}
}

// WithThreadListLocked runs f while holding the thread-list lock in
// exclusive mode. The set of live threads and their enumeration order
// cannot change for the duration of f.
func (vm *VM) WithThreadListLocked(f func(tl *ThreadList)) {
	vm.threads.mu.Lock()
	defer vm.threads.mu.Unlock()
	vm.noteLocked("threadlist")
	f(&vm.threads)
}

// WithHeapLocked runs f while holding the heap lock in exclusive mode.
func (vm *VM) WithHeapLocked(f func()) {
	vm.heapMu.Lock()
	defer vm.heapMu.Unlock()
	vm.noteLocked("heap")
	f()
}

// WithHeapAndThreadListLocked runs f while holding both VM locks, acquiring
// the heap lock before the thread-list lock and releasing in reverse order.
// Every path that needs both locks must come through here; taking them in
// the opposite order risks deadlock against other VM paths.
func (vm *VM) WithHeapAndThreadListLocked(f func(tl *ThreadList)) {
	vm.WithHeapLocked(func() {
		vm.WithThreadListLocked(f)
	})
}
