// Package vm implements the Page Table Manager (spec §4.1, component C1):
// per-process virtual-to-physical translation, single-page map/unmap, PTE
// flag access, and the evict_page_inner/map_page_to_swapper composites the
// Swap Coordinator drives.
//
// A page table is a map[VPage]*PTE per address space guarded by a
// lock/unlock/lockassert discipline, rather than a fixed-size array walked
// as an x86-64 four-level radix tree: a page table page array of fixed size
// is a hardware artifact, and a sparse map gives the same externally
// observable semantics (one PTE per (address-space, virtual page), O(1)
// lookup) without modeling multi-level hardware paging, which this module
// has no hardware to walk.
package vm

import (
	"sync"

	"swapkernel/defs"
	"swapkernel/mem"
)

// VPage is a page-aligned virtual address.
type VPage uintptr

// PTE is a Page Table Entry: per (address-space, virtual page) state.
//
// Invariants (spec §3):
//   - Valid && Swapped is illegal.
//   - Swapped && !Valid means the page is logically present but its
//     contents live in swap; Frame then holds the swap slot index, not a
//     resident physical frame number.
//   - Valid && User requires U to be set for user-mode access to succeed.
type PTE struct {
	Frame    uint32 // resident frame number, or swap slot index when Swapped
	Valid    bool
	Swapped  bool
	R, W, X  bool
	User     bool
	Accessed bool
	Dirty    bool
}

// KernelMin is the lowest virtual address available for user mappings;
// anything below it is kernel-reserved, splitting the address space into
// kernel and user halves.
const KernelMin VPage = 1 << 20

// Table is one process's page table. The embedded mutex and pgfltaken
// bookkeeping implement a lock/unlock/lockassert discipline: callers must
// hold the lock across any read-modify-write sequence on entries.
type Table struct {
	mu        sync.Mutex
	pid       defs.Pid_t
	entries   map[VPage]*PTE
	pgfltaken bool
}

func newTable(pid defs.Pid_t) *Table {
	return &Table{pid: pid, entries: make(map[VPage]*PTE)}
}

// LockPmap acquires the table's mutex and marks that a page-table
// modification is in flight.
func (t *Table) LockPmap() {
	t.mu.Lock()
	t.pgfltaken = true
}

// UnlockPmap releases the mutex acquired by LockPmap.
func (t *Table) UnlockPmap() {
	t.pgfltaken = false
	t.mu.Unlock()
}

// LockassertPmap panics if LockPmap is not currently held; it is a
// defensive check placed at the top of every pmap-mutating helper.
func (t *Table) LockassertPmap() {
	if !t.pgfltaken {
		panic("vm: pmap lock must be held")
	}
}

func aligned(v VPage) bool {
	return v&VPage(mem.PGOFFSET) == 0
}

// mapPageLocked installs a PTE for vaddr. Caller holds t.mu.
func (t *Table) mapPageLocked(paddr mem.Pa_t, vaddr VPage, r, w, x, user bool) defs.Err_t {
	if vaddr < KernelMin {
		return defs.EBADADDR
	}
	if !aligned(vaddr) || paddr&mem.PGOFFSET != 0 {
		return defs.EBADALIGN
	}
	t.entries[vaddr] = &PTE{
		Frame: uint32(paddr >> mem.PGSHIFT),
		Valid: true,
		R:     r, W: w, X: x,
		User: user,
	}
	return defs.EOK
}

// unmapPageLocked removes vaddr's PTE, returning the paddr it held.
// Caller holds t.mu.
func (t *Table) unmapPageLocked(vaddr VPage) (mem.Pa_t, defs.Err_t) {
	pte, ok := t.entries[vaddr]
	if !ok {
		return 0, defs.EBADADDR
	}
	delete(t.entries, vaddr)
	if !pte.Valid {
		return 0, defs.EBADADDR
	}
	return mem.Pa_t(pte.Frame) << mem.PGSHIFT, defs.EOK
}

// entryLocked returns the PTE installed at vaddr, if any. Caller holds t.mu.
func (t *Table) entryLocked(vaddr VPage) (*PTE, bool) {
	pte, ok := t.entries[vaddr]
	return pte, ok
}

// Manager owns every process's page table plus the notion of "the
// currently active address space" (spec §3: "at most one address space is
// active per CPU at any moment; activation is synchronous"). It also hands
// out scratch virtual addresses in the swapper's space for
// MapPageToSwapper, the same way a fixed kernel scratch region serves
// per-CPU temporary mappings.
type Manager struct {
	mu          sync.Mutex
	spaces      map[defs.Pid_t]*Table
	active      defs.Pid_t
	scratchNext VPage
}

// NewManager returns a Manager with no address spaces registered yet and
// scratch allocation starting at scratchBase (must lie in the swapper's
// reserved region).
func NewManager(scratchBase VPage) *Manager {
	return &Manager{
		spaces:      make(map[defs.Pid_t]*Table),
		scratchNext: scratchBase,
	}
}

// CreateAddressSpace registers a fresh, empty page table for pid. It panics
// if pid already has one: address spaces are created exactly once, at
// process creation.
func (m *Manager) CreateAddressSpace(pid defs.Pid_t) *Table {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.spaces[pid]; ok {
		panic("vm: address space already exists for pid")
	}
	t := newTable(pid)
	m.spaces[pid] = t
	return t
}

// Space returns pid's page table.
func (m *Manager) Space(pid defs.Pid_t) (*Table, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.spaces[pid]
	return t, ok
}

// Activate installs pid's page table as the current translation context.
// Per spec §3 this is synchronous: on return, the active address space has
// changed and no other CPU exists to race with it (single-CPU, spec's
// Non-goals).
func (m *Manager) Activate(pid defs.Pid_t) defs.Err_t {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.spaces[pid]; !ok {
		return defs.EINVALPID
	}
	m.active = pid
	return defs.EOK
}

// ActivePid reports the currently active address space's owner.
func (m *Manager) ActivePid() defs.Pid_t {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// activeTable returns the Table for the currently active address space.
func (m *Manager) activeTable() (*Table, defs.Err_t) {
	m.mu.Lock()
	pid := m.active
	m.mu.Unlock()
	t, ok := m.Space(pid)
	if !ok {
		return nil, defs.EUSEBEFOREINIT
	}
	return t, defs.EOK
}

// MapPage installs a PTE for vaddr in pid's address space (spec §4.1
// map_page): BadAddress if vaddr collides with the kernel-reserved region,
// BadAlignment if paddr/vaddr are not page-aligned.
func (m *Manager) MapPage(pid defs.Pid_t, paddr mem.Pa_t, vaddr VPage, r, w, x, user bool) defs.Err_t {
	t, ok := m.Space(pid)
	if !ok {
		return defs.EINVALPID
	}
	t.LockPmap()
	defer t.UnlockPmap()
	return t.mapPageLocked(paddr, vaddr, r, w, x, user)
}

// UnmapPageInner removes the PTE for vaddr in pid's address space and
// returns the paddr it held, or BadAddress if nothing was mapped there
// (spec §4.1 unmap_page_inner).
func (m *Manager) UnmapPageInner(pid defs.Pid_t, vaddr VPage) (mem.Pa_t, defs.Err_t) {
	t, ok := m.Space(pid)
	if !ok {
		return 0, defs.EINVALPID
	}
	t.LockPmap()
	defer t.UnlockPmap()
	return t.unmapPageLocked(vaddr)
}

// PageTableEntry yields the PTE for vaddr in the currently active address
// space (spec §4.1 pagetable_entry).
func (m *Manager) PageTableEntry(vaddr VPage) (*PTE, defs.Err_t) {
	t, err := m.activeTable()
	if !err.Ok() {
		return nil, err
	}
	t.LockPmap()
	defer t.UnlockPmap()
	pte, ok := t.entryLocked(vaddr)
	if !ok {
		return nil, defs.EBADADDR
	}
	return pte, defs.EOK
}

// MapScratch maps paddr into pid's address space at a fresh kernel-chosen
// scratch virtual address with the given permissions and returns that
// address. This generalizes MapPageToSwapper (which is the pid=SwapperPid
// case) to any receiver, for the Message Envelope layer's Borrow/Mutable
// Borrow/Move buffers (spec §4.6): a loaned range is mapped into the
// receiver at a scratch address the same way a to-be-evicted page is
// mapped into the swapper.
func (m *Manager) MapScratch(pid defs.Pid_t, paddr mem.Pa_t, r, w, x bool) (VPage, defs.Err_t) {
	m.mu.Lock()
	scratch := m.scratchNext
	m.scratchNext += VPage(mem.PGSIZE)
	m.mu.Unlock()

	if err := m.MapPage(pid, paddr, scratch, r, w, x, false); !err.Ok() {
		return 0, err
	}
	return scratch, defs.EOK
}

// Entry returns the PTE installed at vaddr within pid's address space,
// without requiring that space to currently be active (unlike
// PageTableEntry, which only ever inspects the active space). Used by the
// Message Envelope layer to capture a loaned range's original permissions
// before revoking the sender's mapping, so they can be restored bit-for-
// bit on drop (spec §8 testable property 4).
func (m *Manager) Entry(pid defs.Pid_t, vaddr VPage) (*PTE, defs.Err_t) {
	t, ok := m.Space(pid)
	if !ok {
		return nil, defs.EINVALPID
	}
	t.LockPmap()
	defer t.UnlockPmap()
	pte, ok := t.entryLocked(vaddr)
	if !ok {
		return nil, defs.EBADADDR
	}
	return pte, defs.EOK
}

// MapPageToSwapper maps paddr into the swapper's address space at a fresh
// kernel-chosen scratch virtual address and returns that address (spec
// §4.1 map_page_to_swapper). The scratch region is read-write,
// kernel-only: the swapper, not user code, touches it.
func (m *Manager) MapPageToSwapper(paddr mem.Pa_t) (VPage, defs.Err_t) {
	return m.MapScratch(defs.SwapperPid, paddr, true, true, false)
}

// UnmapScratch removes the swapper's scratch mapping at vaddr, used by
// ReadFromSwap's completion path once the swapper has copied the page out.
func (m *Manager) UnmapScratch(vaddr VPage) defs.Err_t {
	_, err := m.UnmapPageInner(defs.SwapperPid, vaddr)
	return err
}

// EvictPageInner is the atomic composite spec §4.1 requires for eviction:
// activate pid's space, clear the PTE's validity and set its swapped flag
// (retaining the original paddr in Frame, per Open Question 3 — the paddr
// is released only once WriteToSwap completes, by the *original* paddr,
// never a scratch copy), map that same paddr into the swapper at a fresh
// scratch vaddr, activate the swapper's space, and return the scratch
// vaddr plus the original paddr for the caller to pass on in the
// trampoline call's arguments.
//
// All intermediate states either complete or are rolled back: if the
// mapping into the swapper's space fails, pid's PTE is restored to its
// prior valid state before returning the error, so no partial eviction is
// ever observable (spec §4.1: "partial eviction is forbidden").
func (m *Manager) EvictPageInner(pid defs.Pid_t, vaddr VPage) (scratch VPage, origPaddr mem.Pa_t, err defs.Err_t) {
	if err := m.Activate(pid); !err.Ok() {
		return 0, 0, err
	}
	t, ok := m.Space(pid)
	if !ok {
		return 0, 0, defs.EINVALPID
	}

	t.LockPmap()
	pte, ok := t.entryLocked(vaddr)
	if !ok || !pte.Valid {
		t.UnlockPmap()
		return 0, 0, defs.EBADADDR
	}
	origPaddr = mem.Pa_t(pte.Frame) << mem.PGSHIFT
	pte.Valid = false
	pte.Swapped = true
	t.UnlockPmap()

	scratch, serr := m.MapPageToSwapper(origPaddr)
	if !serr.Ok() {
		t.LockPmap()
		pte.Valid = true
		pte.Swapped = false
		t.UnlockPmap()
		return 0, 0, serr
	}

	if aerr := m.Activate(defs.SwapperPid); !aerr.Ok() {
		t.LockPmap()
		pte.Valid = true
		pte.Swapped = false
		t.UnlockPmap()
		return 0, 0, aerr
	}
	return scratch, origPaddr, defs.EOK
}

// FinishReadFromSwap installs the freshly retrieved paddr into pid's PTE
// at vaddr with Valid, Accessed and User set, clearing the swapped flag.
// Dirty is cleared here rather than set: it is set only by the next
// write-path call (MarkWritten), not on read-in.
func (m *Manager) FinishReadFromSwap(pid defs.Pid_t, vaddr VPage, paddr mem.Pa_t) defs.Err_t {
	t, ok := m.Space(pid)
	if !ok {
		return defs.EINVALPID
	}
	t.LockPmap()
	defer t.UnlockPmap()
	pte, ok := t.entryLocked(vaddr)
	if !ok {
		return defs.EBADADDR
	}
	pte.Frame = uint32(paddr >> mem.PGSHIFT)
	pte.Valid = true
	pte.Swapped = false
	pte.Accessed = true
	pte.Dirty = false
	pte.User = true
	return defs.EOK
}

// MarkWritten sets the Dirty bit on vaddr's PTE, modeling the hardware
// dirty-bit update this simulation has no MMU to perform automatically
// (Open Question 4).
func (m *Manager) MarkWritten(pid defs.Pid_t, vaddr VPage) defs.Err_t {
	t, ok := m.Space(pid)
	if !ok {
		return defs.EINVALPID
	}
	t.LockPmap()
	defer t.UnlockPmap()
	pte, ok := t.entryLocked(vaddr)
	if !ok || !pte.Valid {
		return defs.EBADADDR
	}
	pte.Dirty = true
	return defs.EOK
}

// InstallSwapSlot rewrites vaddr's PTE to record that its contents now
// live in swap slot slot (spec §4.8 WriteToSwap completion: "leaving the
// pid's PTE in the swapped state with the slot index installed in place
// of the paddr").
func (m *Manager) InstallSwapSlot(pid defs.Pid_t, vaddr VPage, slot uint32) defs.Err_t {
	t, ok := m.Space(pid)
	if !ok {
		return defs.EINVALPID
	}
	t.LockPmap()
	defer t.UnlockPmap()
	pte, ok := t.entryLocked(vaddr)
	if !ok {
		return defs.EBADADDR
	}
	pte.Frame = slot
	pte.Valid = false
	pte.Swapped = true
	return defs.EOK
}

// AbortEviction restores vaddr's PTE to valid/resident after a WriteToSwap
// that could not find a free swap slot (spec §4.8 failure semantics: "the
// coordinator must leave the evicted page resident"), and removes the
// swapper's now-unneeded scratch mapping of the same frame.
func (m *Manager) AbortEviction(pid defs.Pid_t, vaddr VPage, scratch VPage) defs.Err_t {
	t, ok := m.Space(pid)
	if !ok {
		return defs.EINVALPID
	}
	t.LockPmap()
	pte, ok := t.entryLocked(vaddr)
	if !ok {
		t.UnlockPmap()
		return defs.EBADADDR
	}
	pte.Valid = true
	pte.Swapped = false
	t.UnlockPmap()
	return m.UnmapScratch(scratch)
}

// FlushMMU ensures subsequent memory accesses observe all PTE changes made
// in the current address space (spec §4.1 flush_mmu), normally by
// broadcasting TLB shootdown IPIs to every CPU holding the pmap loaded.
// This module is single-CPU, so there is no other observer to invalidate
// for, and FlushMMU is a named no-op kept only so call sites read like the
// listed operation.
func (m *Manager) FlushMMU() {}
