package vmcore

import (
	"fmt"

	"go.uber.org/atomic"
)

// State is the VM thread-state taxonomy, one byte on the wire. The values
// are fixed by the protocol and must not be renumbered.
type State uint8

const (
	// StateZombie means the thread has terminated but is still attached.
	StateZombie State = iota // 0

	// StateRunning means the thread is runnable or actually running.
	StateRunning // 1

	// StateTimedWait means the thread is in a timed sleep or timed wait.
	StateTimedWait // 2

	// StateMonitor means the thread is blocked acquiring a monitor.
	StateMonitor // 3

	// StateWait means the thread is in an untimed wait.
	StateWait // 4

	// StateInitializing means the thread is being set up and is not yet
	// running managed code.
	StateInitializing // 5

	// StateStarting means the thread has been created but has not yet
	// begun execution.
	StateStarting // 6

	// StateNative means the thread is executing host code.
	StateNative // 7

	// StateVMWait means the thread is blocked on a VM-internal resource.
	StateVMWait // 8
)

var stateStrings = [...]string{
	StateZombie:       "zombie",
	StateRunning:      "running",
	StateTimedWait:    "timed-wait",
	StateMonitor:      "monitor",
	StateWait:         "wait",
	StateInitializing: "initializing",
	StateStarting:     "starting",
	StateNative:       "native",
	StateVMWait:       "vmwait",
}

func (s State) String() string {
	if int(s) < len(stateStrings) {
		return stateStrings[s]
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// StackFrame is one element of a thread's call stack as reported to the
// debugger client.
type StackFrame struct {
	Class  string
	Method string
	File   string
	Line   int32
}

// Thread is a live VM-managed thread. Identity is carried by the thin-lock
// id, which is unique among live threads and distinct from the kernel task
// id used for CPU accounting. The state may change at any time; reads are
// best-effort snapshots.
type Thread struct {
	thinLockID uint32
	tid        uint32
	name       string
	daemon     bool
	state      atomic.Uint32
	stack      func() []StackFrame
}

// ThinLockID returns the VM-assigned thread identifier.
func (t *Thread) ThinLockID() uint32 {
	return t.thinLockID
}

// Tid returns the kernel task id of the thread, or 0 when unknown.
func (t *Thread) Tid() uint32 {
	return t.tid
}

// Name returns the thread name given at attach time.
func (t *Thread) Name() string {
	return t.name
}

// Daemon reports whether the thread was attached as a daemon.
func (t *Thread) Daemon() bool {
	return t.daemon
}

// State returns the current thread state.
func (t *Thread) State() State {
	return State(t.state.Load())
}

// SetState publishes a new thread state. Safe to call from any thread.
func (t *Thread) SetState(s State) {
	t.state.Store(uint32(s))
}

// Stack materializes the thread's call stack via the provider registered at
// attach time. Returns nil when the thread has no provider.
func (t *Thread) Stack() []StackFrame {
	if t.stack == nil {
		return nil
	}
	return t.stack()
}

func (t *Thread) String() string {
	return fmt.Sprintf("{ThinLockID: %d, Tid: %d, State: %s}", t.thinLockID, t.tid, t.State())
}
