// Package boot wires the kernel core's components together from a small
// set of boot-time parameters (spec §6, "Boot-time inputs"), the same way
// kernel singletons are constructed from a handful of arguments rather
// than a config file.
package boot

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"swapkernel/accnt"
	"swapkernel/defs"
	"swapkernel/ipc"
	"swapkernel/mem"
	"swapkernel/proc"
	"swapkernel/registry"
	"swapkernel/rpt"
	"swapkernel/swap"
	"swapkernel/trampoline"
	"swapkernel/vm"
)

// Args is the tagged boot-time argument blob (spec §6). cobra flags on
// cmd/swapctl populate one of these before calling New.
type Args struct {
	NFrames     int
	StartFrame  uint32
	ScratchBase vm.VPage
	SwapSlots   int
	SwapKey     swap.Key
	LogLevel    string
}

// DefaultArgs returns boot parameters sized for the demo scenarios
// cmd/swapctl drives.
func DefaultArgs() Args {
	return Args{
		NFrames:     256,
		StartFrame:  0,
		ScratchBase: vm.KernelMin + vm.VPage(1<<30),
		SwapSlots:   32,
		LogLevel:    "info",
	}
}

// Kernel holds every live component of the simulated kernel core, wired
// together exactly once at boot (spec §1's module list, C1-C9).
type Kernel struct {
	Log   *logrus.Logger
	VM    *vm.Manager
	Procs *proc.Table
	Alloc *mem.Allocator
	RPT   *rpt.Table
	Reg   *registry.Registry
	IPC   *ipc.Layer
	Tr    *trampoline.Trampoline
	Swap  *swap.Coordinator
}

// New brings up a fresh kernel core: address spaces for the kernel and
// swapper processes, the frame allocator and runtime page tracker, the
// registry and IPC layer, the trampoline, and the swap coordinator wired
// as the allocator's advisor (spec §4.3's closing sentence).
func New(args Args) (*Kernel, error) {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(args.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	vmgr := vm.NewManager(args.ScratchBase)
	kernelSpace := vmgr.CreateAddressSpace(defs.KernelPid)
	swapperSpace := vmgr.CreateAddressSpace(defs.SwapperPid)

	procs := proc.NewTable()
	procs.CreateProcess(defs.KernelPid, kernelSpace)
	swapper := procs.CreateProcess(defs.SwapperPid, swapperSpace)
	swapperTid := swapper.CreateThread(1).ID()
	swapper.SetSwapHandler(swapperTid, 0x1000)

	table := rpt.NewTable(args.NFrames, args.StartFrame)
	alloc := mem.NewAllocator(args.NFrames, args.StartFrame, table)

	reg := registry.New()
	procs.SetRegistry(reg)
	layer := ipc.NewLayer(reg, procs, vmgr)
	tr := trampoline.New(procs, vmgr)

	coord, err := swap.NewCoordinator(vmgr, procs, alloc, tr, args.SwapKey, args.SwapSlots, log)
	if err != nil {
		return nil, fmt.Errorf("boot: constructing swap coordinator: %w", err)
	}

	log.WithFields(logrus.Fields{
		"nframes":   args.NFrames,
		"swapSlots": args.SwapSlots,
	}).Info("boot: kernel core initialized")

	return &Kernel{
		Log:   log,
		VM:    vmgr,
		Procs: procs,
		Alloc: alloc,
		RPT:   table,
		Reg:   reg,
		IPC:   layer,
		Tr:    tr,
		Swap:  coord,
	}, nil
}

// Spawn creates a new user process with its own address space, the shape
// every demo scenario uses to stand up a client or server pid.
func (k *Kernel) Spawn(pid defs.Pid_t) *proc.Process {
	space := k.VM.CreateAddressSpace(pid)
	return k.Procs.CreateProcess(pid, space)
}

// Counters exposes the swap coordinator's accounting snapshot.
func (k *Kernel) Counters() *accnt.Counters { return k.Swap.Counters() }
