package mem

import (
	"testing"

	"github.com/stretchr/testify/require"

	"swapkernel/defs"
	"swapkernel/rpt"
)

type fakeAdvisor struct {
	calls []fakeAdvice
}

type fakeAdvice struct {
	pid     defs.Pid_t
	vaddr   Vaddr_t
	paddr   Pa_t
	isAlloc bool
}

func (f *fakeAdvisor) AdviseAlloc(pid defs.Pid_t, vaddr Vaddr_t, paddr Pa_t, isAlloc bool) {
	f.calls = append(f.calls, fakeAdvice{pid, vaddr, paddr, isAlloc})
}

func newAllocator(t *testing.T, nframes int) *Allocator {
	t.Helper()
	table := rpt.NewTable(nframes, 0)
	return NewAllocator(nframes, 0, table)
}

func TestAllocZeroesFrameAndTracksOwner(t *testing.T) {
	a := newAllocator(t, 4)
	paddr, err := a.Alloc(defs.Pid_t(1), Vaddr_t(0x1000))
	require.True(t, err.Ok())

	copy(a.Dmap(paddr), []byte{1, 2, 3})
	require.True(t, a.ReleasePage(paddr, defs.Pid_t(1), Vaddr_t(0x1000)).Ok())

	paddr2, err := a.Alloc(defs.Pid_t(2), Vaddr_t(0x2000))
	require.True(t, err.Ok())
	require.Equal(t, paddr, paddr2, "the single freed frame should be reused")
	for _, b := range a.Dmap(paddr2)[:3] {
		require.Zero(t, b)
	}

	owner, resident := a.Owner(paddr2)
	require.Equal(t, defs.Pid_t(2), owner)
	require.True(t, resident)
}

func TestAllocReturnsOutOfMemoryWhenExhausted(t *testing.T) {
	a := newAllocator(t, 1)
	_, err := a.Alloc(defs.Pid_t(1), Vaddr_t(0x1000))
	require.True(t, err.Ok())

	_, err = a.Alloc(defs.Pid_t(2), Vaddr_t(0x2000))
	require.Equal(t, defs.EOUTOFMEM, err)
}

func TestReleasePageRejectsWrongOwner(t *testing.T) {
	a := newAllocator(t, 2)
	paddr, err := a.Alloc(defs.Pid_t(1), Vaddr_t(0x1000))
	require.True(t, err.Ok())

	require.Equal(t, defs.EMEMINUSE, a.ReleasePage(paddr, defs.Pid_t(2), Vaddr_t(0x1000)))
}

func TestAllocAndReleaseNotifyAdvisor(t *testing.T) {
	a := newAllocator(t, 2)
	adv := &fakeAdvisor{}
	a.SetAdvisor(adv)

	paddr, err := a.Alloc(defs.Pid_t(7), Vaddr_t(0x4000))
	require.True(t, err.Ok())
	require.True(t, a.ReleasePage(paddr, defs.Pid_t(7), Vaddr_t(0x4000)).Ok())

	require.Len(t, adv.calls, 2)
	require.True(t, adv.calls[0].isAlloc)
	require.False(t, adv.calls[1].isAlloc)
}

func TestReleasePageSwapDoesNotNotifyAdvisor(t *testing.T) {
	a := newAllocator(t, 2)
	adv := &fakeAdvisor{}
	a.SetAdvisor(adv)

	paddr, err := a.Alloc(defs.Pid_t(7), Vaddr_t(0x4000))
	require.True(t, err.Ok())
	adv.calls = nil // drop the alloc notification, we only care about release here

	require.True(t, a.ReleasePageSwap(paddr, defs.Pid_t(7)).Ok())
	require.Empty(t, adv.calls)
	require.Equal(t, 2, a.Free())
}

func TestProcessRegionsHeapGrowthRoundsToPageSize(t *testing.T) {
	pr := NewProcessRegions()
	pr.SetMemRegion(RegionHeap, 0x10000, 0)

	brk, err := pr.IncreaseHeap(1)
	require.True(t, err.Ok())
	require.EqualValues(t, 0x10000+PGSIZE, brk)

	brk, err = pr.DecreaseHeap(1)
	require.True(t, err.Ok())
	require.EqualValues(t, 0x10000, brk)
}

func TestProcessRegionsDecreaseHeapBelowZeroFails(t *testing.T) {
	pr := NewProcessRegions()
	pr.SetMemRegion(RegionHeap, 0x10000, 0)

	_, err := pr.DecreaseHeap(1)
	require.Equal(t, defs.EBADADDR, err)
}
