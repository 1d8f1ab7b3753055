// Package ddm exposes Dalvik Debug Monitor (DDM) introspection of the host
// process: thread statistics, stack traces, allocation tracking and
// heap-profiling notifications, served to an external DDMS-style client
// over a chunk protocol.
package ddm

import (
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"sync"

	"github.com/phuslu/log"

	"github.com/ddmkit-dev/ddmvm-go/internal/agent"
	"github.com/ddmkit-dev/ddmvm-go/internal/bridge"
	"github.com/ddmkit-dev/ddmvm-go/internal/debugger"
	"github.com/ddmkit-dev/ddmvm-go/internal/taskstats"
	"github.com/ddmkit-dev/ddmvm-go/internal/vmcore"
)

// Option to configure the ddm library.
type Option interface {
	apply(*config)
}

type config struct {
	listenAddress string
	vmIdent       string
	appName       string
	errorLogger   func(err error)
}

const (
	defaultListenAddress = "127.0.0.1:8700"
	defaultVMIdent       = "ddmvm-go 1.0"

	ENV_LISTEN_ADDRESS = "DDM_LISTEN_ADDRESS"
	ENV_VM_IDENT       = "DDM_VM_IDENT"
)

func makeDefaultConfig() config {
	cfg := config{
		listenAddress: defaultListenAddress,
		vmIdent:       defaultVMIdent,
		appName:       path.Base(os.Args[0]),
		errorLogger:   func(err error) {},
	}
	if os.Getenv(ENV_LISTEN_ADDRESS) != "" {
		cfg.listenAddress = os.Getenv(ENV_LISTEN_ADDRESS)
	}
	if os.Getenv(ENV_VM_IDENT) != "" {
		cfg.vmIdent = os.Getenv(ENV_VM_IDENT)
	}
	return cfg
}

type optionFunc func(cfg *config)

func (f optionFunc) apply(cfg *config) {
	f(cfg)
}

// WithListenAddress sets the address the agent listens on for DDM clients.
// Defaults to the DDM_LISTEN_ADDRESS environment variable, or
// 127.0.0.1:8700 if that is not set. Use an address with port 0 to pick a
// free port; ListenAddress reports the bound address.
func WithListenAddress(addr string) Option {
	return optionFunc(func(cfg *config) {
		cfg.listenAddress = addr
	})
}

// WithVMIdent sets the VM identity string reported in the HELO handshake.
// Defaults to the DDM_VM_IDENT environment variable if this option is not
// used.
func WithVMIdent(ident string) Option {
	return optionFunc(func(cfg *config) {
		cfg.vmIdent = ident
	})
}

// WithAppName sets the process name reported in the HELO handshake.
// Defaults to the executable name.
func WithAppName(name string) Option {
	return optionFunc(func(cfg *config) {
		cfg.appName = name
	})
}

// WithErrorLogger sets a function to be called with errors (for example for
// logging them).
func WithErrorLogger(f func(err error)) Option {
	return optionFunc(func(cfg *config) {
		cfg.errorLogger = f
	})
}

// Init initializes the DDM agent: the bridge entry points are registered
// and a listener is started for DDM clients. Threads attached via
// AttachCurrentThread become visible to connected clients.
func Init(ctx context.Context, opts ...Option) error {
	if err := singletonConn.Connect(ctx, opts...); err != nil {
		return fmt.Errorf("failed to start DDM agent: %w", err)
	}
	return nil
}

// Stop terminates the agent and drops all client connections. It is a
// no-op if Init() hasn't been called. Init() can be called again after
// Stop().
func Stop() {
	singletonConn.Close()
}

// ListenAddress returns the address the agent is bound to, or "" when the
// agent is not running.
func ListenAddress() string {
	singletonConn.mu.Lock()
	defer singletonConn.mu.Unlock()
	if singletonConn.mu.listener == nil {
		return ""
	}
	return singletonConn.mu.listener.Addr().String()
}

// singletonConn is the agent manipulated by Init() / Stop().
var singletonConn = &vmConn{}

// vmConn ties together the VM model, the debugger façade, the bridge and
// the serving agent.
type vmConn struct {
	cancel context.CancelFunc
	wg     *sync.WaitGroup

	// Fields that change in Connect/Close
	mu struct {
		sync.Mutex
		listener net.Listener
		vm       *vmcore.VM
		dbg      *debugger.Debugger
		bridge   *bridge.VMBridge
	}
}

// Connect wires up the VM model and starts serving DDM clients. A
// goroutine is started to handle incoming connections.
func (c *vmConn) Connect(ctx context.Context, opts ...Option) error {
	// If we were already running, shut that instance down.
	c.Close()

	cfg := makeDefaultConfig()
	for _, opt := range opts {
		opt.apply(&cfg)
	}

	logger := log.Logger{Level: log.WarnLevel, Writer: &log.IOWriter{Writer: os.Stderr}}
	vm := vmcore.NewVM()
	dbg := debugger.New(vm, logger)
	vm.Threads().SetObserver(dbg)

	b := bridge.New(vm, dbg, bridge.NewHost(), taskstats.NewProcProbe())
	if err := b.RegisterNatives(); err != nil {
		return err
	}

	ag, err := agent.New(b, agent.Config{
		Ident:    cfg.vmIdent,
		AppName:  cfg.appName,
		Features: []string{"thread-stats", "recent-alloc", "hpif", "hpsg"},
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	dbg.SetSink(ag)

	l, err := net.Listen("tcp", cfg.listenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.listenAddress, err)
	}

	serveCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Lock()
	c.mu.listener = l
	c.mu.vm = vm
	c.mu.dbg = dbg
	c.mu.bridge = b
	c.mu.Unlock()

	wg := &sync.WaitGroup{}
	wg.Add(1)
	c.wg = wg
	go func() {
		defer wg.Done()
		if err := ag.Serve(serveCtx, l); err != nil {
			cfg.errorLogger(fmt.Errorf("ddm agent terminated: %w", err))
		}
	}()
	return nil
}

// Close shuts the agent down. It's a no-op if the agent was never started.
func (c *vmConn) Close() {
	c.mu.Lock()
	running := c.mu.listener != nil
	c.mu.Unlock()
	if !running {
		return
	}

	c.cancel()
	// Synchronize with the goroutine handling connections.
	c.wg.Wait()

	c.mu.Lock()
	c.mu.listener = nil
	c.mu.vm = nil
	c.mu.dbg = nil
	c.mu.bridge = nil
	c.mu.Unlock()
}

func (c *vmConn) currentBridge() *bridge.VMBridge {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.bridge
}

func (c *vmConn) currentVM() *vmcore.VM {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.vm
}

func (c *vmConn) currentDebugger() *debugger.Debugger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.dbg
}

// ThreadState is the state a thread reports in thread statistics.
type ThreadState int

const (
	StateZombie ThreadState = iota
	StateRunning
	StateTimedWait
	StateMonitor
	StateWait
	StateInitializing
	StateStarting
	StateNative
	StateVMWait
)

func toVMState(s ThreadState) (vmcore.State, bool) {
	switch s {
	case StateZombie:
		return vmcore.StateZombie, true
	case StateRunning:
		return vmcore.StateRunning, true
	case StateTimedWait:
		return vmcore.StateTimedWait, true
	case StateMonitor:
		return vmcore.StateMonitor, true
	case StateWait:
		return vmcore.StateWait, true
	case StateInitializing:
		return vmcore.StateInitializing, true
	case StateStarting:
		return vmcore.StateStarting, true
	case StateNative:
		return vmcore.StateNative, true
	case StateVMWait:
		return vmcore.StateVMWait, true
	default:
		return 0, false
	}
}

// StackFrame is one element of a thread's reported call stack.
type StackFrame struct {
	Class  string
	Method string
	File   string
	Line   int32
}

func framesToVM(frames []StackFrame) []vmcore.StackFrame {
	out := make([]vmcore.StackFrame, len(frames))
	for i, f := range frames {
		out[i] = vmcore.StackFrame{Class: f.Class, Method: f.Method, File: f.File, Line: f.Line}
	}
	return out
}

func framesFromVM(frames []vmcore.StackFrame) []StackFrame {
	if frames == nil {
		return nil
	}
	out := make([]StackFrame, len(frames))
	for i, f := range frames {
		out[i] = StackFrame{Class: f.Class, Method: f.Method, File: f.File, Line: f.Line}
	}
	return out
}

// ThreadOption configures AttachCurrentThread.
type ThreadOption interface {
	applyThread(*threadConfig)
}

type threadConfig struct {
	stack func() []StackFrame
}

type threadOptionFunc func(cfg *threadConfig)

func (f threadOptionFunc) applyThread(cfg *threadConfig) {
	f(cfg)
}

// WithStackProvider registers a function that materializes the thread's
// call stack for getStackTraceById requests. The provider runs while the
// VM's heap and thread-list locks are held and must not block.
func WithStackProvider(stack func() []StackFrame) ThreadOption {
	return threadOptionFunc(func(cfg *threadConfig) {
		cfg.stack = stack
	})
}

// Thread is a handle to a VM-visible thread registered with
// AttachCurrentThread.
type Thread struct {
	t    *vmcore.Thread
	vm   *vmcore.VM
	conn *vmConn
}

// AttachCurrentThread registers the calling thread with the VM, making it
// visible in thread statistics and lifecycle notifications. The kernel
// task id is captured at attach time; pin the goroutine with
// runtime.LockOSThread for stable CPU accounting.
func AttachCurrentThread(name string, daemon bool, opts ...ThreadOption) (*Thread, error) {
	vm := singletonConn.currentVM()
	if vm == nil {
		return nil, fmt.Errorf("ddm is not initialized")
	}

	var tcfg threadConfig
	for _, opt := range opts {
		opt.applyThread(&tcfg)
	}
	var provider func() []vmcore.StackFrame
	if tcfg.stack != nil {
		stack := tcfg.stack
		provider = func() []vmcore.StackFrame {
			return framesToVM(stack())
		}
	}

	t := vm.Threads().Attach(name, taskstats.CurrentTaskID(), daemon, provider)
	t.SetState(vmcore.StateRunning)
	return &Thread{t: t, vm: vm, conn: singletonConn}, nil
}

// ID returns the thread's thin-lock id.
func (t *Thread) ID() uint32 {
	return t.t.ThinLockID()
}

// SetState publishes the thread's state. Unknown states are an error.
func (t *Thread) SetState(s ThreadState) error {
	vs, ok := toVMState(s)
	if !ok {
		return fmt.Errorf("unknown thread state: %d", s)
	}
	t.t.SetState(vs)
	return nil
}

// Detach removes the thread from the VM's thread list.
func (t *Thread) Detach() {
	t.vm.Threads().Detach(t.t)
}

// RecordAllocation reports an allocation attributed to this thread. It is
// a no-op unless allocation tracking has been enabled.
func (t *Thread) RecordAllocation(class string, size uint32) {
	if dbg := t.conn.currentDebugger(); dbg != nil {
		dbg.RecordAllocation(t.t, class, size)
	}
}

// EnableRecentAllocations enables or disables allocation tracking.
func EnableRecentAllocations(enable bool) {
	if b := singletonConn.currentBridge(); b != nil {
		b.EnableRecentAllocations(enable)
	}
}

// GetRecentAllocations returns the serialized recent-allocations buffer,
// or nil when tracking is disabled or the agent is not running.
func GetRecentAllocations() []byte {
	if b := singletonConn.currentBridge(); b != nil {
		return b.GetRecentAllocations()
	}
	return nil
}

// GetRecentAllocationStatus reports whether allocation tracking is on.
func GetRecentAllocationStatus() bool {
	if b := singletonConn.currentBridge(); b != nil {
		return b.GetRecentAllocationStatus()
	}
	return false
}

// GetStackTraceByID returns the stack of the thread carrying the given
// thin-lock id, or nil when no live thread carries it.
func GetStackTraceByID(threadID uint32) []StackFrame {
	if b := singletonConn.currentBridge(); b != nil {
		return framesFromVM(b.GetStackTraceByID(threadID))
	}
	return nil
}

// GetThreadStats returns one THST chunk summarizing all live threads, or
// nil when the chunk cannot be allocated or the agent is not running.
func GetThreadStats() []byte {
	if b := singletonConn.currentBridge(); b != nil {
		return b.GetThreadStats()
	}
	return nil
}

// HeapInfoNotify forwards a heap-info when code to the debugger. Returns 1
// on success, 0 otherwise.
func HeapInfoNotify(when int32) int32 {
	if b := singletonConn.currentBridge(); b != nil {
		return b.HeapInfoNotify(when)
	}
	return 0
}

// HeapSegmentNotify forwards a heap-segment request to the debugger.
// Returns 1 on success, 0 otherwise.
func HeapSegmentNotify(when, what int32, native bool) int32 {
	if b := singletonConn.currentBridge(); b != nil {
		return b.HeapSegmentNotify(when, what, native)
	}
	return 0
}

// ThreadNotify enables or disables thread lifecycle notifications.
func ThreadNotify(enable bool) {
	if b := singletonConn.currentBridge(); b != nil {
		b.ThreadNotify(enable)
	}
}
