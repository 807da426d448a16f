// Package proc implements the Process & Thread Table (spec §4.4, component
// C4): per-PID state (address-space handle, thread contexts, the current
// thread id, the set of server ids the process owns) and the scheduling
// primitives the rest of the kernel core drives it through.
//
// Per-process state follows the same embedded sync.Mutex plus exported
// struct fields shape the address-space table uses, and a thread blocked
// on a pending result is modeled by parking on a one-slot result channel
// that SetThreadResult delivers to.
package proc

import (
	"sync"

	"swapkernel/defs"
	"swapkernel/mem"
	"swapkernel/registry"
	"swapkernel/vm"
)

// ThreadState is one of the states spec §4.4 lists for a thread.
type ThreadState int

const (
	Ready ThreadState = iota
	Running
	BlockedOnReceive
	BlockedOnReply
	BlockedOnMemory
	Dead
)

func (s ThreadState) String() string {
	switch s {
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case BlockedOnReceive:
		return "BlockedOnReceive"
	case BlockedOnReply:
		return "BlockedOnReply"
	case BlockedOnMemory:
		return "BlockedOnMemory"
	case Dead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// Context is a saved thread execution context: stack pointer, program
// counter, and a general-purpose register snapshot.
type Context struct {
	SP   uintptr
	PC   uintptr
	Regs [16]uint64
}

// ThreadResult is the scalar reply delivered to a thread blocked in
// send_blocking_scalar/lend/lend_mut (spec §4.6: "up to 5 return words").
type ThreadResult struct {
	Words [5]uint64
	Err   defs.Err_t
}

// Callback is a synthetic activation pushed onto a thread by
// make_callback_to: when the thread next returns to user mode it enters
// at Entry with Args already loaded, rather than resuming whatever it was
// doing before.
type Callback struct {
	Entry uintptr
	Args  [4]uint64
}

// Thread is one kernel-visible execution context within a process.
type Thread struct {
	mu              sync.Mutex
	id              defs.Tid_t
	state           ThreadState
	ctx             Context
	pendingCallback *Callback
	result          chan ThreadResult
}

func newThread(id defs.Tid_t) *Thread {
	return &Thread{id: id, state: Ready, result: make(chan ThreadResult, 1)}
}

// ID returns the thread's identifier.
func (th *Thread) ID() defs.Tid_t { return th.id }

// State returns the thread's current scheduling state.
func (th *Thread) State() ThreadState {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.state
}

func (th *Thread) setState(s ThreadState) {
	th.mu.Lock()
	th.state = s
	th.mu.Unlock()
}

// Context returns the thread's saved execution context.
func (th *Thread) Context() Context {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.ctx
}

// SetContext overwrites the thread's saved execution context.
func (th *Thread) SetContext(c Context) {
	th.mu.Lock()
	th.ctx = c
	th.mu.Unlock()
}

// AwaitResult blocks until SetThreadResult delivers a reply for this
// thread, modeling the suspension of a thread parked in
// send_blocking_scalar/lend/lend_mut.
func (th *Thread) AwaitResult() ThreadResult {
	return <-th.result
}

// ResultChan exposes the channel SetThreadResult delivers to, for callers
// that need to select across it alongside another wake source (the
// connection layer also watches the target process's termination so a
// blocked sender is woken with ProcessTerminated rather than left
// parked forever).
func (th *Thread) ResultChan() <-chan ThreadResult {
	return th.result
}

// TakeCallback returns and clears any pending synthetic activation, for
// the scheduler to consume the next time this thread is dispatched.
func (th *Thread) TakeCallback() (*Callback, bool) {
	th.mu.Lock()
	defer th.mu.Unlock()
	cb := th.pendingCallback
	th.pendingCallback = nil
	return cb, cb != nil
}

type waiter struct {
	ch chan defs.Err_t
}

// Process is one PID's entry in the Process & Thread Table.
type Process struct {
	Pid     defs.Pid_t
	Space   *vm.Table
	Regions *mem.ProcessRegions

	mu               sync.Mutex
	threads          map[defs.Tid_t]*Thread
	curTid           defs.Tid_t
	serverIDs        map[registry.SID]struct{}
	swapHandlerTid   defs.Tid_t
	swapHandlerEntry uintptr
	swapHandlerSet   bool
	terminated       bool
	waiters          []*waiter
}

func newProcess(pid defs.Pid_t, space *vm.Table) *Process {
	return &Process{
		Pid:       pid,
		Space:     space,
		Regions:   mem.NewProcessRegions(),
		threads:   make(map[defs.Tid_t]*Thread),
		serverIDs: make(map[registry.SID]struct{}),
	}
}

// Terminated reports whether this process has exited.
func (p *Process) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// CurTid returns the currently scheduled thread id.
func (p *Process) CurTid() defs.Tid_t {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.curTid
}

// CreateThread adds a new thread to the process in the Ready state.
func (p *Process) CreateThread(tid defs.Tid_t) *Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	th := newThread(tid)
	p.threads[tid] = th
	return th
}

// Thread returns the thread identified by tid.
func (p *Process) Thread(tid defs.Tid_t) (*Thread, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	th, ok := p.threads[tid]
	return th, ok
}

// AddServerID records that this process owns sid.
func (p *Process) AddServerID(sid registry.SID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.serverIDs[sid] = struct{}{}
}

// RemoveServerID removes sid from this process's owned set.
func (p *Process) RemoveServerID(sid registry.SID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.serverIDs, sid)
}

// OwnsServerID reports whether this process owns sid.
func (p *Process) OwnsServerID(sid registry.SID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.serverIDs[sid]
	return ok
}

// SetSwapHandler designates tid as the thread make_callback_to activates
// and entry as where it resumes, per RegisterSwapHandler's "first caller
// only" contract (spec §6); callers enforce the first-caller rule.
func (p *Process) SetSwapHandler(tid defs.Tid_t, entry uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.swapHandlerTid = tid
	p.swapHandlerEntry = entry
	p.swapHandlerSet = true
}

// RegisterWaiter parks a caller (a blocked sender in another process) on
// this process's lifetime. The returned channel receives EPROCTERM if this
// process terminates before cancel is called; callers that complete
// normally must call cancel to avoid leaking the registration.
func (p *Process) RegisterWaiter() (<-chan defs.Err_t, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan defs.Err_t, 1)
	if p.terminated {
		ch <- defs.EPROCTERM
		return ch, func() {}
	}
	w := &waiter{ch: ch}
	p.waiters = append(p.waiters, w)
	cancel := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, x := range p.waiters {
			if x == w {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

// Table is the system-wide Process & Thread Table.
type Table struct {
	mu    sync.Mutex
	procs map[defs.Pid_t]*Process
	reg   *registry.Registry
}

// NewTable returns an empty Process & Thread Table.
func NewTable() *Table {
	return &Table{procs: make(map[defs.Pid_t]*Process)}
}

// SetRegistry wires the Named Server Registry into the table so Terminate
// can unregister a dying process's servers. Must be called once during
// boot, after both the table and the registry exist, before any process
// terminates; Terminate is a no-op on registry cleanup if never called.
func (t *Table) SetRegistry(reg *registry.Registry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reg = reg
}

// CreateProcess registers a new process at pid with the given address
// space. It panics if pid is already present: PIDs are allocated once at
// image-construction time (spec §3) and never reused while still live.
func (t *Table) CreateProcess(pid defs.Pid_t, space *vm.Table) *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.procs[pid]; ok {
		panic("proc: pid already exists")
	}
	p := newProcess(pid, space)
	t.procs[pid] = p
	return p
}

// GetProcess returns pid's Process entry (spec §4.4 get_process).
func (t *Table) GetProcess(pid defs.Pid_t) (*Process, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	if !ok {
		return nil, defs.EPROCNOTFOUND
	}
	return p, defs.EOK
}

// ReadyThread marks tid within pid as Ready (spec §4.4 ready_thread).
func (t *Table) ReadyThread(pid defs.Pid_t, tid defs.Tid_t) defs.Err_t {
	p, err := t.GetProcess(pid)
	if !err.Ok() {
		return err
	}
	th, ok := p.Thread(tid)
	if !ok {
		return defs.EINVALCTX
	}
	th.setState(Ready)
	return defs.EOK
}

// BlockThread transitions tid within pid to one of the blocked states
// spec §4.4 lists (BlockedOnReceive, BlockedOnReply, BlockedOnMemory).
// Callers in the connection layer and the trampoline use this immediately
// before parking the calling goroutine on a channel.
func (t *Table) BlockThread(pid defs.Pid_t, tid defs.Tid_t, state ThreadState) defs.Err_t {
	p, err := t.GetProcess(pid)
	if !err.Ok() {
		return err
	}
	th, ok := p.Thread(tid)
	if !ok {
		return defs.EINVALCTX
	}
	th.setState(state)
	return defs.EOK
}

// SwitchToThread makes tid the current thread of pid and marks it Running
// (spec §4.4 switch_to_thread).
func (t *Table) SwitchToThread(pid defs.Pid_t, tid defs.Tid_t) defs.Err_t {
	p, err := t.GetProcess(pid)
	if !err.Ok() {
		return err
	}
	th, ok := p.Thread(tid)
	if !ok {
		return defs.EINVALCTX
	}
	p.mu.Lock()
	p.curTid = tid
	p.mu.Unlock()
	th.setState(Running)
	return defs.EOK
}

// SetThreadResult delivers result to tid within pid and marks it Ready
// (spec §4.4 set_thread_result). A second delivery before the first is
// consumed overwrites it rather than blocking: only the latest reply to an
// as-yet-unobserved wait matters.
func (t *Table) SetThreadResult(pid defs.Pid_t, tid defs.Tid_t, result ThreadResult) defs.Err_t {
	p, err := t.GetProcess(pid)
	if !err.Ok() {
		return err
	}
	th, ok := p.Thread(tid)
	if !ok {
		return defs.EINVALCTX
	}
	select {
	case th.result <- result:
	default:
		select {
		case <-th.result:
		default:
		}
		th.result <- result
	}
	th.setState(Ready)
	return defs.EOK
}

// MakeCallbackTo pushes a synthetic activation onto pid's designated
// callback thread (set via Process.SetSwapHandler) with args, so that when
// control next returns to user mode in pid it enters at the registered
// entry point (spec §4.4 make_callback_to). It returns the tid activated.
func (t *Table) MakeCallbackTo(pid defs.Pid_t, args [4]uint64) (defs.Tid_t, defs.Err_t) {
	p, err := t.GetProcess(pid)
	if !err.Ok() {
		return 0, err
	}
	p.mu.Lock()
	if !p.swapHandlerSet {
		p.mu.Unlock()
		return 0, defs.EUSEBEFOREINIT
	}
	tid := p.swapHandlerTid
	entry := p.swapHandlerEntry
	p.mu.Unlock()

	th, ok := p.Thread(tid)
	if !ok {
		return 0, defs.EUSEBEFOREINIT
	}
	th.mu.Lock()
	th.pendingCallback = &Callback{Entry: entry, Args: args}
	th.state = Ready
	th.mu.Unlock()
	return tid, defs.EOK
}

// Terminate implements the termination cascade (spec §8 scenario F,
// "Supplemented features"): every thread in pid is marked Dead, every
// server pid registered in the Named Server Registry is unregistered, and
// every outstanding waiter registered against pid (blocked senders in
// other processes) is woken with ProcessTerminated. Generalized from an
// exit-time address-space cleanup ("free this process's pages") to
// "release every cross-process reference to this process."
func (t *Table) Terminate(pid defs.Pid_t) defs.Err_t {
	t.mu.Lock()
	p, ok := t.procs[pid]
	reg := t.reg
	t.mu.Unlock()
	if !ok {
		return defs.EPROCNOTFOUND
	}

	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return defs.EOK
	}
	p.terminated = true
	for _, th := range p.threads {
		th.setState(Dead)
	}
	sids := make([]registry.SID, 0, len(p.serverIDs))
	for sid := range p.serverIDs {
		sids = append(sids, sid)
	}
	p.serverIDs = make(map[registry.SID]struct{})
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	if reg != nil {
		for _, sid := range sids {
			reg.UnregisterServer(sid)
		}
	}

	for _, w := range waiters {
		select {
		case w.ch <- defs.EPROCTERM:
		default:
		}
	}
	return defs.EOK
}
