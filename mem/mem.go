// Package mem implements the Memory Manager (spec §4.3): the physical frame
// allocator, frame reservation/release, and the per-process heap region
// adjustment operations. The allocator is a flat array of per-frame
// bookkeeping plus a singly-linked free list protected by a mutex.
//
// Physical frames are modeled as indices into a Go byte arena rather than
// unsafe.Pointer casts into a direct-mapped region of real RAM: Dmap here
// returns a slice view into that arena. Hardware is not available to this
// module's target (a portable simulation); the externally observable
// contract — one slice per live frame, stable across the frame's lifetime,
// freed exactly once — is preserved.
package mem

import (
	"fmt"
	"sync"

	"swapkernel/defs"
	"swapkernel/rpt"
	"swapkernel/util"
)

// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

// PGSIZE is the size of a single page/frame in bytes.
const PGSIZE int = 1 << PGSHIFT

// PGOFFSET masks offsets within a page.
const PGOFFSET Pa_t = 0xfff

// PGMASK masks the page number of an address.
const PGMASK Pa_t = ^PGOFFSET

// Pa_t represents a physical frame address (always page-aligned).
type Pa_t uintptr

// Vaddr_t represents a virtual page address.
type Vaddr_t uintptr

// freeSlot threads the allocator's free list through frame indices. Frame
// ownership/residency itself lives in the Runtime Page Tracker (package
// rpt), not here — the Memory Manager mutates the RPT but the free list is
// the allocator's own bookkeeping, per spec §3's explicit component split.
type freeSlot struct {
	nexti uint32
}

const sentinelNext = ^uint32(0)

// Advisor receives a notification for every allocation and free the
// allocator performs, per spec §4.3's closing sentence ("every successful
// alloc and release_page additionally invokes swap.advise_alloc"). The Swap
// Coordinator implements this interface; it is injected after construction
// to avoid a mem<->swap import cycle, the same way an out-of-memory
// handler is wired into a low-memory path via a channel rather than a
// direct package import.
type Advisor interface {
	AdviseAlloc(pid defs.Pid_t, vaddr Vaddr_t, paddr Pa_t, isAlloc bool)
}

// Allocator is the Memory Manager (C3): the system's single frame
// allocator. The zero value is not usable; construct with NewAllocator.
type Allocator struct {
	mu      sync.Mutex
	frames  []freeSlot
	arena   []byte // backing store for Dmap views; len == len(frames)*PGSIZE
	startFn uint32 // first usable frame number
	freei   uint32
	freelen int
	advisor Advisor
	rpt     *rpt.Table
}

// NewAllocator reserves nframes frames of backing storage, all initially
// free, starting at physical frame number startFrame, and wires them into
// the given Runtime Page Tracker. Mirrors mem.Phys_init's reservation of a
// flat pool of pages at boot.
func NewAllocator(nframes int, startFrame uint32, tracker *rpt.Table) *Allocator {
	if nframes <= 0 {
		panic("nframes must be positive")
	}
	if tracker.Len() != nframes || tracker.StartFrame() != startFrame {
		panic("mem: rpt table shape does not match allocator")
	}
	a := &Allocator{
		frames:  make([]freeSlot, nframes),
		arena:   make([]byte, nframes*PGSIZE),
		startFn: startFrame,
		freei:   0,
		freelen: nframes,
		rpt:     tracker,
	}
	for i := range a.frames {
		if i == nframes-1 {
			a.frames[i].nexti = sentinelNext
		} else {
			a.frames[i].nexti = uint32(i + 1)
		}
	}
	fmt.Printf("mem: reserved %d frames (%dKB)\n", nframes, nframes*PGSIZE/1024)
	return a
}

// SetAdvisor installs the Swap Coordinator as the allocator's advisory
// sink. Must be called once during boot before Alloc/ReleasePage run.
func (a *Allocator) SetAdvisor(adv Advisor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.advisor = adv
}

// frameOf returns the 0-based array index of paddr within this allocator's
// pool. abs converts that index into the absolute frame number the RPT is
// indexed by.
func (a *Allocator) frameOf(p Pa_t) uint32 {
	fn := uint32(p>>PGSHIFT) - a.startFn
	if int(fn) >= len(a.frames) {
		panic("paddr out of range")
	}
	return fn
}

func (a *Allocator) paddrOf(idx uint32) Pa_t {
	return Pa_t(idx+a.startFn) << PGSHIFT
}

func (a *Allocator) abs(idx uint32) uint32 {
	return idx + a.startFn
}

// Alloc returns a free frame owned by pid, or EOUTOFMEM. The frame's
// contents are zeroed so a new owner never observes a prior owner's data.
func (a *Allocator) Alloc(pid defs.Pid_t, vaddr Vaddr_t) (Pa_t, defs.Err_t) {
	a.mu.Lock()
	if a.freelen == 0 {
		a.mu.Unlock()
		return 0, defs.EOUTOFMEM
	}
	fn := a.freei
	a.freei = a.frames[fn].nexti
	a.freelen--
	adv := a.advisor
	a.mu.Unlock()

	paddr := a.paddrOf(fn)
	a.rpt.SetOwner(a.abs(fn), pid, true)
	clear(a.Dmap(paddr))
	if adv != nil {
		adv.AdviseAlloc(pid, vaddr, paddr, true)
	}
	return paddr, defs.EOK
}

// releaseLocked pushes fn back onto the free list. Caller holds a.mu.
func (a *Allocator) releaseLocked(fn uint32) {
	a.frames[fn].nexti = a.freei
	a.freei = fn
	a.freelen++
}

// ReleasePage returns a resident frame owned by pid to the free pool. It
// fails with EMEMINUSE if pid is not the current owner (spec §4.3).
func (a *Allocator) ReleasePage(paddr Pa_t, pid defs.Pid_t, vaddr Vaddr_t) defs.Err_t {
	fn := a.frameOf(paddr)
	entry := a.rpt.Get(a.abs(fn))
	if entry.Owner != pid {
		return defs.EMEMINUSE
	}
	a.mu.Lock()
	a.releaseLocked(fn)
	adv := a.advisor
	a.mu.Unlock()
	a.rpt.SetOwner(a.abs(fn), defs.NoPid, false)
	if adv != nil {
		adv.AdviseAlloc(pid, vaddr, paddr, false)
	}
	return defs.EOK
}

// ReleasePageSwap releases a frame that just had its contents serialized
// into a swap slot by the swapper (spec §4.3: "the RPT bookkeeping is
// subtly different" — the frame is freed *after* eviction, not as a
// process-driven unmap, so no advisory is re-issued: the Allocate/Free pair
// for this (pid,vaddr) was already observed when the page was first
// faulted in and will be observed again only when the process itself frees
// the virtual page).
func (a *Allocator) ReleasePageSwap(paddr Pa_t, pid defs.Pid_t) defs.Err_t {
	fn := a.frameOf(paddr)
	entry := a.rpt.Get(a.abs(fn))
	if entry.Owner != pid {
		return defs.EMEMINUSE
	}
	a.mu.Lock()
	a.releaseLocked(fn)
	a.mu.Unlock()
	a.rpt.SetOwner(a.abs(fn), defs.NoPid, false)
	return defs.EOK
}

// MarkSwappedOut transitions a frame's RPT entry from resident to
// swapped-placeholder without releasing it, for the brief window between
// evict_page_inner flipping the PTE and the swapper completing WriteToSwap.
func (a *Allocator) MarkSwappedOut(paddr Pa_t, pid defs.Pid_t) {
	fn := a.frameOf(paddr)
	a.rpt.SetOwner(a.abs(fn), pid, false)
}

// Owner reports the current owner of a frame and whether it is resident.
func (a *Allocator) Owner(paddr Pa_t) (defs.Pid_t, bool) {
	fn := a.frameOf(paddr)
	entry := a.rpt.Get(a.abs(fn))
	return entry.Owner, entry.Resident
}

// Free reports the number of free frames remaining.
func (a *Allocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freelen
}

// Dmap returns a byte slice view of the frame's contents: a direct-mapped
// view backed by the allocator's arena instead of real physical RAM.
func (a *Allocator) Dmap(paddr Pa_t) []byte {
	fn := a.frameOf(paddr)
	off := int(fn) * PGSIZE
	return a.arena[off : off+PGSIZE]
}

// HeapRegion describes a process's default/heap/messages/stack VM region,
// per spec §4.3's SetMemRegion. RegionType distinguishes which.
type RegionType int

const (
	RegionDefault RegionType = iota
	RegionHeap
	RegionMessages
	RegionStack
)

// ProcessRegions tracks the memory regions of one process. It does not
// check who adjusts them or whether the process has already started.
type ProcessRegions struct {
	mu      sync.Mutex
	regions map[RegionType]region
	heapLen int // bytes currently committed to the heap region
}

type region struct {
	base, size uintptr
}

// NewProcessRegions returns an empty region set.
func NewProcessRegions() *ProcessRegions {
	return &ProcessRegions{regions: make(map[RegionType]region)}
}

// SetMemRegion installs the base/size of a region. No authorization check
// is made: neither this method nor package proc verifies that the caller
// is PID 1 or the target's parent, or that the process has not started.
func (pr *ProcessRegions) SetMemRegion(rt RegionType, base, size uintptr) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.regions[rt] = region{base: base, size: size}
}

// Region returns the previously configured base/size for rt.
func (pr *ProcessRegions) Region(rt RegionType) (base, size uintptr, ok bool) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	r, ok := pr.regions[rt]
	return r.base, r.size, ok
}

// IncreaseHeap grows the heap region by delta bytes, rounded up to whole
// pages, and returns the new heap break address.
func (pr *ProcessRegions) IncreaseHeap(delta int) (uintptr, defs.Err_t) {
	if delta < 0 {
		return 0, defs.EBADALIGN
	}
	pr.mu.Lock()
	defer pr.mu.Unlock()
	r, ok := pr.regions[RegionHeap]
	if !ok {
		return 0, defs.EINVALCTX
	}
	grown := util.Roundup(delta, PGSIZE)
	pr.heapLen += grown
	return r.base + uintptr(pr.heapLen), defs.EOK
}

// DecreaseHeap shrinks the heap region by delta bytes, rounded up to whole
// pages, and returns the new heap break address.
func (pr *ProcessRegions) DecreaseHeap(delta int) (uintptr, defs.Err_t) {
	if delta < 0 {
		return 0, defs.EBADALIGN
	}
	pr.mu.Lock()
	defer pr.mu.Unlock()
	r, ok := pr.regions[RegionHeap]
	if !ok {
		return 0, defs.EINVALCTX
	}
	shrunk := util.Roundup(delta, PGSIZE)
	if shrunk > pr.heapLen {
		return 0, defs.EBADADDR
	}
	pr.heapLen -= shrunk
	return r.base + uintptr(pr.heapLen), defs.EOK
}
