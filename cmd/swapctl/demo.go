package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"swapkernel/defs"
	"swapkernel/ipc"
	"swapkernel/mem"
	"swapkernel/vm"
)

func newDemoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "run a scripted end-to-end scenario against the booted kernel",
	}
	cmd.AddCommand(
		newDemoSubcmd("evict", "round-trip a page out to encrypted swap and back", demoEvict),
		newDemoSubcmd("borrow", "lend a page read-only across a connection and return it", demoBorrow),
		newDemoSubcmd("overflow", "fill a server's queue and observe the next send fail", demoOverflow),
		newDemoSubcmd("advisory", "batch three allocation advisories and flush them", demoAdvisory),
		newDemoSubcmd("terminate", "terminate a server process and observe a blocked client wake", demoTerminate),
		newDemoSubcmd("all", "run every scenario in sequence", demoAll),
	)
	return cmd
}

func newDemoSubcmd(use, short string, run func() error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
}

func demoAll() error {
	for _, scenario := range []func() error{demoEvict, demoBorrow, demoOverflow, demoAdvisory, demoTerminate} {
		if err := scenario(); err != nil {
			return err
		}
	}
	return nil
}

// demoEvict exercises spec §8 scenario A: evict a resident page to swap via
// the Swap Coordinator, then retrieve it back on a simulated page fault.
func demoEvict() error {
	k := kernel
	pid := defs.Pid_t(10)
	k.Spawn(pid)

	vaddr := vm.KernelMin + vm.VPage(mem.PGSIZE)
	paddr, err := k.Alloc.Alloc(pid, mem.Vaddr_t(vaddr))
	if !err.Ok() {
		return err
	}
	copy(k.Alloc.Dmap(paddr), []byte("demo payload"))
	if err := k.VM.MapPage(pid, paddr, vaddr, true, true, false, true); !err.Ok() {
		return err
	}

	if err := k.Swap.WriteToSwap(pid, vaddr); !err.Ok() {
		return fmt.Errorf("demo evict: WriteToSwap: %w", err)
	}
	k.Log.Info("demo evict: page written to encrypted swap slot")

	if err := k.Swap.RetrievePage(pid, vaddr); !err.Ok() {
		return fmt.Errorf("demo evict: RetrievePage: %w", err)
	}
	k.Log.Info("demo evict: page retrieved and resident again")

	pte, err := k.VM.Entry(pid, vaddr)
	if !err.Ok() {
		return err
	}
	got := k.Alloc.Dmap(mem.Pa_t(pte.Frame) << mem.PGSHIFT)[:12]
	if string(got) != "demo payload" {
		return fmt.Errorf("demo evict: round-trip corrupted payload: got %q", got)
	}
	k.Log.Info("demo evict: payload verified intact")
	return nil
}

// demoBorrow exercises a read-only Lend across a connection: a client
// thread blocks in Lend while a server goroutine receives the envelope and
// returns it (spec §4.6 lend).
func demoBorrow() error {
	k := kernel
	clientPid, serverPid := defs.Pid_t(11), defs.Pid_t(12)
	client := k.Spawn(clientPid)
	k.Spawn(serverPid)
	tid := client.CreateThread(1).ID()

	sid, err := k.IPC.RegisterServer(serverPid, "demo.borrow", 4, 4)
	if !err.Ok() {
		return err
	}
	cid, err := k.IPC.Connect(clientPid, "demo.borrow", nil)
	if !err.Ok() {
		return err
	}

	vaddr := vm.KernelMin + vm.VPage(mem.PGSIZE)
	paddr, err := k.Alloc.Alloc(clientPid, mem.Vaddr_t(vaddr))
	if !err.Ok() {
		return err
	}
	copy(k.Alloc.Dmap(paddr), []byte("borrowed"))
	if err := k.VM.MapPage(clientPid, paddr, vaddr, true, true, false, true); !err.Ok() {
		return err
	}
	rng := ipc.MemoryRange{Pid: clientPid, Base: vaddr, Len: mem.PGSIZE}

	var g errgroup.Group
	g.Go(func() error {
		e, err := k.IPC.ReceiveMessage(serverPid, sid)
		if !err.Ok() {
			return err
		}
		k.Log.WithField("tag", e.Tag).Info("demo borrow: server received envelope")
		e.ReturnBorrow(defs.EOK)
		return nil
	})

	res, err := k.IPC.Lend(clientPid, tid, cid, 1, rng, [2]uint64{})
	if !err.Ok() {
		return fmt.Errorf("demo borrow: Lend: %w", err)
	}
	if gerr := g.Wait(); gerr != nil {
		return gerr
	}
	k.Log.WithField("err", res.Err).Info("demo borrow: client resumed, mapping restored")
	return nil
}

// demoOverflow exercises spec §4.6's ServerQueueFull edge case: a queue of
// capacity 1 accepts one scalar send and rejects the second.
func demoOverflow() error {
	k := kernel
	clientPid, serverPid := defs.Pid_t(13), defs.Pid_t(14)
	k.Spawn(clientPid)
	k.Spawn(serverPid)

	sid, err := k.IPC.RegisterServer(serverPid, "demo.overflow", 4, 1)
	if !err.Ok() {
		return err
	}
	cid, err := k.IPC.Connect(clientPid, "demo.overflow", nil)
	if !err.Ok() {
		return err
	}

	if err := k.IPC.SendScalar(clientPid, cid, 1, 0, 0, 0, 0); !err.Ok() {
		return fmt.Errorf("demo overflow: first send unexpectedly failed: %w", err)
	}
	if err := k.IPC.SendScalar(clientPid, cid, 1, 0, 0, 0, 0); err != defs.ESRVQFULL {
		return fmt.Errorf("demo overflow: expected ServerQueueFull, got %v", err)
	}
	k.Log.Info("demo overflow: second send correctly rejected with ServerQueueFull")
	return nil
}

// demoAdvisory exercises spec §4.9: three allocations in the same process
// fill the Allocation Advisory Buffer and trigger a trampoline flush.
func demoAdvisory() error {
	k := kernel
	pid := defs.Pid_t(15)
	k.Spawn(pid)

	before := k.Counters().AdvisoryFlushes
	for i := 0; i < 3; i++ {
		vaddr := vm.KernelMin + vm.VPage(i*mem.PGSIZE)
		if _, err := k.Alloc.Alloc(pid, mem.Vaddr_t(vaddr)); !err.Ok() {
			return err
		}
	}
	after := k.Counters().AdvisoryFlushes
	if after != before+1 {
		return fmt.Errorf("demo advisory: expected exactly one flush, saw %d", after-before)
	}
	k.Log.Info("demo advisory: three allocations flushed as one trampoline batch")
	return nil
}

// demoTerminate exercises the termination cascade (spec §8 scenario F): a
// client blocked in SendBlockingScalar wakes with ProcessTerminated the
// moment the server process is terminated.
func demoTerminate() error {
	k := kernel
	clientPid, serverPid := defs.Pid_t(16), defs.Pid_t(17)
	client := k.Spawn(clientPid)
	k.Spawn(serverPid)
	tid := client.CreateThread(1).ID()

	sid, err := k.IPC.RegisterServer(serverPid, "demo.terminate", 4, 4)
	if !err.Ok() {
		return err
	}
	cid, err := k.IPC.Connect(clientPid, "demo.terminate", nil)
	if !err.Ok() {
		return err
	}

	var g errgroup.Group
	g.Go(func() error {
		_, err := k.IPC.SendBlockingScalar(clientPid, tid, cid, 1, 0, 0, 0, 0)
		if err != defs.EPROCTERM {
			return fmt.Errorf("demo terminate: expected ProcessTerminated, got %v", err)
		}
		return nil
	})

	if err := k.Procs.Terminate(serverPid); !err.Ok() {
		return err
	}
	if gerr := g.Wait(); gerr != nil {
		return gerr
	}
	k.Log.Info("demo terminate: blocked client correctly woken by termination cascade")
	return nil
}
