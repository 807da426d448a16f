package swap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"swapkernel/defs"
	"swapkernel/mem"
	"swapkernel/proc"
	"swapkernel/rpt"
	"swapkernel/trampoline"
	"swapkernel/vm"
)

const swapScratchBase vm.VPage = vm.KernelMin + vm.VPage(1<<30)

type harness struct {
	vmgr  *vm.Manager
	procs *proc.Table
	alloc *mem.Allocator
	tr    *trampoline.Trampoline
	coord *Coordinator
}

func newHarness(t *testing.T, nframes, nslots int) *harness {
	t.Helper()
	vmgr := vm.NewManager(swapScratchBase)
	vmgr.CreateAddressSpace(defs.SwapperPid)
	procs := proc.NewTable()
	swapper := procs.CreateProcess(defs.SwapperPid, func() *vm.Table { tbl, _ := vmgr.Space(defs.SwapperPid); return tbl }())
	th := swapper.CreateThread(1)
	swapper.SetSwapHandler(th.ID(), 0x1000)

	table := rpt.NewTable(nframes, 0)
	alloc := mem.NewAllocator(nframes, 0, table)
	tr := trampoline.New(procs, vmgr)

	var key Key
	coord, err := NewCoordinator(vmgr, procs, alloc, tr, key, nslots, nil)
	require.True(t, err == nil)

	return &harness{vmgr: vmgr, procs: procs, alloc: alloc, tr: tr, coord: coord}
}

func TestRoundTripEviction(t *testing.T) {
	h := newHarness(t, 16, 4)
	pid := defs.Pid_t(3)
	h.vmgr.CreateAddressSpace(pid)
	h.procs.CreateProcess(pid, func() *vm.Table { tbl, _ := h.vmgr.Space(pid); return tbl }())

	vaddr := vm.KernelMin + vm.VPage(mem.PGSIZE)
	paddr, err := h.alloc.Alloc(pid, mem.Vaddr_t(vaddr))
	require.True(t, err.Ok())
	copy(h.alloc.Dmap(paddr), []byte("HELLO\x00"))
	require.True(t, h.vmgr.MapPage(pid, paddr, vaddr, true, true, false, true).Ok())

	require.True(t, h.coord.WriteToSwap(pid, vaddr).Ok())

	_, resident := h.alloc.Owner(paddr)
	require.False(t, resident)

	pte, perr := h.vmgr.Entry(pid, vaddr)
	require.True(t, perr.Ok())
	require.False(t, pte.Valid)
	require.True(t, pte.Swapped)

	require.True(t, h.coord.RetrievePage(pid, vaddr).Ok())

	pte, perr = h.vmgr.Entry(pid, vaddr)
	require.True(t, perr.Ok())
	require.True(t, pte.Valid)
	require.False(t, pte.Swapped)
	require.True(t, pte.Accessed)
	require.False(t, pte.Dirty)

	newPaddr := mem.Pa_t(pte.Frame) << mem.PGSHIFT
	got := h.alloc.Dmap(newPaddr)[:6]
	require.Equal(t, []byte("HELLO\x00"), got)

	require.EqualValues(t, 1, h.coord.Counters().EvictCount)
	require.EqualValues(t, 1, h.coord.Counters().RetrieveCount)
}

func TestWriteToSwapOutOfMemoryRestoresPTE(t *testing.T) {
	h := newHarness(t, 16, 1) // single swap slot, pre-exhausted below
	slot, ok := h.coord.store.Alloc()
	require.True(t, ok)
	_ = slot

	pid := defs.Pid_t(3)
	h.vmgr.CreateAddressSpace(pid)
	h.procs.CreateProcess(pid, func() *vm.Table { tbl, _ := h.vmgr.Space(pid); return tbl }())

	vaddr := vm.KernelMin + vm.VPage(mem.PGSIZE)
	paddr, err := h.alloc.Alloc(pid, mem.Vaddr_t(vaddr))
	require.True(t, err.Ok())
	require.True(t, h.vmgr.MapPage(pid, paddr, vaddr, true, true, false, true).Ok())

	require.Equal(t, defs.EOUTOFMEM, h.coord.WriteToSwap(pid, vaddr))

	pte, perr := h.vmgr.Entry(pid, vaddr)
	require.True(t, perr.Ok())
	require.True(t, pte.Valid)
	require.False(t, pte.Swapped)
	require.EqualValues(t, 1, h.coord.Counters().OOMCount)
}

func TestRetrievePageMissingSPTEntryPanics(t *testing.T) {
	h := newHarness(t, 16, 4)
	pid := defs.Pid_t(3)
	h.vmgr.CreateAddressSpace(pid)
	h.procs.CreateProcess(pid, func() *vm.Table { tbl, _ := h.vmgr.Space(pid); return tbl }())

	require.Panics(t, func() {
		h.coord.RetrievePage(pid, vm.KernelMin+vm.VPage(mem.PGSIZE))
	})
}

func TestAdviseAllocFlushesOnThirdAndMirrorsInOrder(t *testing.T) {
	h := newHarness(t, 16, 4)
	pid := defs.Pid_t(5)
	h.vmgr.CreateAddressSpace(pid)
	h.procs.CreateProcess(pid, func() *vm.Table { tbl, _ := h.vmgr.Space(pid); return tbl }())

	v1 := vm.KernelMin + vm.VPage(mem.PGSIZE)
	v2 := vm.KernelMin + vm.VPage(2*mem.PGSIZE)
	v3 := vm.KernelMin + vm.VPage(3*mem.PGSIZE)

	p1, err := h.alloc.Alloc(pid, mem.Vaddr_t(v1))
	require.True(t, err.Ok())
	_, ok := h.coord.mirror.Resident(pid, v1)
	require.False(t, ok)

	_, err = h.alloc.Alloc(pid, mem.Vaddr_t(v2))
	require.True(t, err.Ok())
	require.True(t, h.alloc.ReleasePage(p1, pid, mem.Vaddr_t(v1)).Ok())
	_, err = h.alloc.Alloc(pid, mem.Vaddr_t(v3))
	require.True(t, err.Ok())

	paddr1, ok := h.coord.mirror.Resident(pid, v1)
	require.False(t, ok, "v1 was freed as the third advisory; mirror should reflect that")
	_ = paddr1

	_, ok = h.coord.mirror.Resident(pid, v2)
	require.True(t, ok)
	_, ok = h.coord.mirror.Resident(pid, v3)
	require.False(t, ok, "v3's allocation is the fourth advisory and is still buffered")

	require.EqualValues(t, 1, h.coord.Counters().AdvisoryFlushes)
}
