// Package trampoline implements the Address-Space Trampoline (spec §4.7,
// component C7): the mechanism by which the kernel synchronously invokes
// the swapper.
//
// An out-of-memory rendezvous sends a {Need, Resume}-shaped request on a
// channel and blocks on Resume until the handler goroutine services it and
// replies; this package generalizes that single-purpose rendezvous into a
// 3-state enum (defs.SwapOp) carried in a Blocking Op Record, per spec
// §9's design note ("store the resumption op plainly" rather than as a
// stackful coroutine).
package trampoline

import (
	"sync"

	"swapkernel/defs"
	"swapkernel/proc"
	"swapkernel/vm"
)

// Record is the Blocking Op Record (spec §3): at most one may be
// outstanding at a time.
type Record struct {
	Op  defs.SwapOp
	Pid defs.Pid_t
}

// Trampoline is the synchronous kernel-to-swapper call mechanism.
type Trampoline struct {
	procs *proc.Table
	vmgr  *vm.Manager

	mu     sync.Mutex
	record *Record
}

// New returns a Trampoline wired to the Process & Thread Table and Page
// Table Manager it must activate the swapper's address space within.
func New(procs *proc.Table, vmgr *vm.Manager) *Trampoline {
	return &Trampoline{procs: procs, vmgr: vmgr}
}

// CurrentOp reports the in-flight operation, or OpNone if the trampoline
// is idle.
func (tr *Trampoline) CurrentOp() defs.SwapOp {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.record == nil {
		return defs.OpNone
	}
	return tr.record.Op
}

// Invoke runs the five-step contract of spec §4.7:
//  1. the caller's context is preserved implicitly (Invoke does not
//     return until the swapper has replied);
//  2. the swapper's address space is activated;
//  3. interrupts are disabled for the duration;
//  4. a callback activation is pushed on the swapper's designated handler
//     thread, carrying args;
//  5. the swapper runs at that entry.
//
// work stands in for steps 4-5's asynchronous completion (the swapper
// process would normally run independently and signal completion via the
// SwapCallbackDone syscall); here it runs synchronously against the
// callback this call pushed, and its return value is what
// SwapCallbackDone would have delivered. Re-entry is forbidden: calling
// Invoke while one is already outstanding is a kernel bug and panics
// (spec §4.7).
func (tr *Trampoline) Invoke(op defs.SwapOp, args [4]uint64, work func(cbArgs [4]uint64) ([4]uint64, defs.Err_t)) ([4]uint64, defs.Err_t) {
	tr.mu.Lock()
	if tr.record != nil {
		tr.mu.Unlock()
		panic("trampoline: re-entrant invocation while one is outstanding")
	}
	tr.record = &Record{Op: op, Pid: defs.SwapperPid}
	tr.mu.Unlock()

	defer func() {
		tr.mu.Lock()
		tr.record = nil
		tr.mu.Unlock()
	}()

	if err := tr.vmgr.Activate(defs.SwapperPid); !err.Ok() {
		return [4]uint64{}, err
	}
	disableInterrupts()
	defer enableInterrupts()

	tid, err := tr.procs.MakeCallbackTo(defs.SwapperPid, args)
	if !err.Ok() {
		return [4]uint64{}, err
	}
	swapper, err := tr.procs.GetProcess(defs.SwapperPid)
	if !err.Ok() {
		return [4]uint64{}, err
	}
	th, ok := swapper.Thread(tid)
	if !ok {
		return [4]uint64{}, defs.EINVALCTX
	}
	cb, ok := th.TakeCallback()
	if !ok {
		panic("trampoline: handler thread has no pending callback")
	}

	return work(cb.Args)
}

// disableInterrupts/enableInterrupts are named no-ops: interrupt disabling
// is the cross-component mutual-exclusion primitive this call contract
// models, but this module is single-CPU (Non-goal), so there is nothing
// to suspend. Retained so call sites keep the same shape as
// vm.Manager.FlushMMU.
func disableInterrupts() {}
func enableInterrupts()  {}
