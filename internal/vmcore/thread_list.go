package vmcore

import "sync"

// Observer is notified of thread lifecycle transitions. Callbacks run after
// the thread-list lock has been released and must not re-enter the list
// while holding locks that order after it.
type Observer interface {
	ThreadStarted(t *Thread)
	ThreadDied(t *Thread)
}

// ThreadList owns the set of live threads and their enumeration order. The
// list lock protects set membership; it is acquired internally by Attach
// and Detach, and by VM.WithThreadListLocked for enumeration.
type ThreadList struct {
	mu      sync.Mutex
	threads []*Thread
	nextID  uint32

	observerMu sync.Mutex
	observer   Observer
}

// SetObserver installs the lifecycle observer. Pass nil to remove it.
func (tl *ThreadList) SetObserver(o Observer) {
	tl.observerMu.Lock()
	tl.observer = o
	tl.observerMu.Unlock()
}

func (tl *ThreadList) getObserver() Observer {
	tl.observerMu.Lock()
	defer tl.observerMu.Unlock()
	return tl.observer
}

// Attach registers a new thread and assigns it a fresh thin-lock id. The
// stack provider may be nil; it is invoked under the heap and thread-list
// locks when a client asks for the thread's stack, so it must not block on
// either.
func (tl *ThreadList) Attach(name string, tid uint32, daemon bool, stack func() []StackFrame) *Thread {
	t := &Thread{
		tid:    tid,
		name:   name,
		daemon: daemon,
		stack:  stack,
	}
	t.SetState(StateStarting)

	tl.mu.Lock()
	tl.nextID++
	t.thinLockID = tl.nextID
	tl.threads = append(tl.threads, t)
	tl.mu.Unlock()

	if o := tl.getObserver(); o != nil {
		o.ThreadStarted(t)
	}
	return t
}

// Detach removes t from the list. It is a no-op if t is not present.
func (tl *ThreadList) Detach(t *Thread) {
	tl.mu.Lock()
	found := false
	for i, cur := range tl.threads {
		if cur == t {
			tl.threads = append(tl.threads[:i], tl.threads[i+1:]...)
			found = true
			break
		}
	}
	tl.mu.Unlock()

	if !found {
		return
	}
	t.SetState(StateZombie)
	if o := tl.getObserver(); o != nil {
		o.ThreadDied(t)
	}
}

// ForEach calls visit for each live thread in enumeration order.
//
// The caller must hold the thread-list lock (via VM.WithThreadListLocked or
// VM.WithHeapAndThreadListLocked); the lock is what guarantees that
// consecutive ForEach passes observe the same set in the same order. The
// visitor runs under the lock and must not block on it.
func (tl *ThreadList) ForEach(visit func(*Thread)) {
	for _, t := range tl.threads {
		visit(t)
	}
}
