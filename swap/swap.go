// Package swap implements the Swap Coordinator and Swap Allocation
// Advisory (spec §4.8/§4.9, components C8+C9): the state machine driving
// WriteToSwap/ReadFromSwap through the Address-Space Trampoline, and the
// batched advisory path the Memory Manager's alloc/free calls feed.
package swap

import (
	"crypto/cipher"
	"time"

	"github.com/sirupsen/logrus"

	"swapkernel/accnt"
	"swapkernel/defs"
	"swapkernel/mem"
	"swapkernel/proc"
	"swapkernel/trampoline"
	"swapkernel/vm"
)

type sptKey struct {
	pid   defs.Pid_t
	vaddr vm.VPage
}

// Coordinator is the Swap Coordinator (C8). It owns the Swap Page Table,
// drives the Address-Space Trampoline for WriteToSwap/ReadFromSwap, and
// implements mem.Advisor to receive every alloc/free the Memory Manager
// performs (spec §4.3's closing sentence).
type Coordinator struct {
	vmgr  *vm.Manager
	procs *proc.Table
	alloc *mem.Allocator
	tr    *trampoline.Trampoline
	aead  cipher.AEAD
	log   *logrus.Logger

	store    *Store
	advisory *AdvisoryBuffer
	mirror   *AdvisoryMirror
	counters *accnt.Counters

	spt map[sptKey]uint32
}

// Key is the caller-supplied symmetric key encrypting every swap slot.
type Key [32]byte

// NewCoordinator wires a Swap Coordinator to the kernel components it
// drives and the swap area it manages. nslots bounds the Swap Memory
// Table's free list.
func NewCoordinator(vmgr *vm.Manager, procs *proc.Table, alloc *mem.Allocator, tr *trampoline.Trampoline, key Key, nslots int, log *logrus.Logger) (*Coordinator, error) {
	aead, err := newCipher(key)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.New()
	}
	c := &Coordinator{
		vmgr:     vmgr,
		procs:    procs,
		alloc:    alloc,
		tr:       tr,
		aead:     aead,
		log:      log,
		store:    NewStore(nslots),
		advisory: &AdvisoryBuffer{},
		mirror:   NewAdvisoryMirror(),
		counters: &accnt.Counters{},
		spt:      make(map[sptKey]uint32),
	}
	alloc.SetAdvisor(c)
	return c, nil
}

// Counters exposes the coordinator's accounting snapshot (spec
// SPEC_FULL.md "Supplemented features": page-fault-driven retrieval
// statistics).
func (c *Coordinator) Counters() *accnt.Counters { return c.counters }

// AdviseAlloc implements mem.Advisor. It buffers the advisory and, once
// the buffer holds three, trampolines into the swapper to flush them
// (spec §4.9).
func (c *Coordinator) AdviseAlloc(pid defs.Pid_t, vaddr mem.Vaddr_t, paddr mem.Pa_t, isAlloc bool) {
	advice := AllocAdvice{Pid: pid, Vaddr: vm.VPage(vaddr), Paddr: paddr, IsAlloc: isAlloc}
	if !c.advisory.Push(advice) {
		return
	}
	c.flushAdvisory(pid)
}

// flushAdvisory trampolines the three buffered advisories into the
// swapper in one call, per spec §4.9 ("delivers all three in one
// trampoline... control resumes in the process that triggered the third
// advisory").
func (c *Coordinator) flushAdvisory(returnPid defs.Pid_t) {
	words := c.advisory.Drain()
	args := [4]uint64{uint64(returnPid)}
	_, err := c.tr.Invoke(defs.OpAllocateAdvisory, args, func([4]uint64) ([4]uint64, defs.Err_t) {
		for _, w := range words {
			c.mirror.Apply(unpackAdvice(w))
		}
		return [4]uint64{}, defs.EOK
	})
	c.counters.RecordAdvisoryFlush()
	if !err.Ok() {
		c.log.WithFields(logrus.Fields{"returnPid": returnPid, "err": err}).Warn("swap: advisory flush failed")
	}
}

func unpackAdvice(w [3]uint64) AllocAdvice {
	pid := defs.Pid_t(w[0] >> 24)
	vaddr := vm.VPage((w[0] &^ (uint64(0xff) << 24)) << mem.PGSHIFT)
	isAlloc := (w[1]>>24)&1 == 1
	paddr := mem.Pa_t((w[1] &^ (uint64(0xff) << 24)) << mem.PGSHIFT)
	return AllocAdvice{Pid: pid, Vaddr: vaddr, Paddr: paddr, IsAlloc: isAlloc, Seq: w[2]}
}

// WriteToSwap implements evict_page(pid, vaddr): it evicts the resident
// page at vaddr in pid's space to an encrypted swap slot (spec §4.8).
func (c *Coordinator) WriteToSwap(pid defs.Pid_t, vaddr vm.VPage) defs.Err_t {
	start := time.Now()
	scratch, origPaddr, err := c.vmgr.EvictPageInner(pid, vaddr)
	if !err.Ok() {
		return err
	}
	c.alloc.MarkSwappedOut(origPaddr, pid)

	args := [4]uint64{uint64(pid), uint64(vaddr), uint64(scratch), uint64(origPaddr)}
	reply, werr := c.tr.Invoke(defs.OpWriteToSwap, args, func([4]uint64) ([4]uint64, defs.Err_t) {
		return c.swapperWriteWork(pid, vaddr, origPaddr)
	})
	if !werr.Ok() {
		c.counters.RecordOOM()
		if rerr := c.vmgr.AbortEviction(pid, vaddr, scratch); !rerr.Ok() {
			return rerr
		}
		return defs.EOUTOFMEM
	}

	slot := uint32(reply[0])
	if ierr := c.vmgr.InstallSwapSlot(pid, vaddr, slot); !ierr.Ok() {
		return ierr
	}
	if rerr := c.alloc.ReleasePageSwap(origPaddr, pid); !rerr.Ok() {
		return rerr
	}
	if uerr := c.vmgr.UnmapScratch(scratch); !uerr.Ok() {
		return uerr
	}
	c.counters.RecordEvict(time.Since(start))
	c.log.WithFields(logrus.Fields{"pid": pid, "vaddr": vaddr, "slot": slot}).Debug("swap: evicted page")
	return defs.EOK
}

// swapperWriteWork is the swapper-side half of WriteToSwap (spec §4.8):
// encrypt the page at the scratch mapping, choose a free slot, write the
// ciphertext, and record the (pid, vaddr) -> slot mapping in the Swap
// Page Table.
func (c *Coordinator) swapperWriteWork(pid defs.Pid_t, vaddr vm.VPage, origPaddr mem.Pa_t) ([4]uint64, defs.Err_t) {
	slot, ok := c.store.Alloc()
	if !ok {
		return [4]uint64{}, defs.EOUTOFMEM
	}
	plain := c.alloc.Dmap(origPaddr)
	sealed, err := encryptPage(c.aead, plain)
	if err != nil {
		c.store.Release(slot)
		return [4]uint64{}, defs.EINTERNAL
	}
	c.store.Write(slot, sealed)

	c.spt[sptKey{pid: pid, vaddr: vaddr}] = slot
	return [4]uint64{uint64(slot)}, defs.EOK
}

// RetrievePage implements retrieve_page(pid, vaddr, paddr): it brings a
// swapped page back into residency at a freshly allocated paddr in
// response to a page fault (spec §4.8 ReadFromSwap). A (pid, vaddr) with
// no Swap Page Table entry whose PTE claims swapped is a fatal kernel
// invariant violation and panics (spec §4.8's explicit failure clause).
func (c *Coordinator) RetrievePage(pid defs.Pid_t, vaddr vm.VPage) defs.Err_t {
	start := time.Now()
	slot, ok := c.spt[sptKey{pid: pid, vaddr: vaddr}]
	if !ok {
		panic("swap: ReadFromSwap for (pid, vaddr) absent from SPT")
	}

	paddr, err := c.alloc.Alloc(pid, mem.Vaddr_t(vaddr))
	if !err.Ok() {
		return err
	}
	scratch, err := c.vmgr.MapPageToSwapper(paddr)
	if !err.Ok() {
		c.alloc.ReleasePage(paddr, pid, mem.Vaddr_t(vaddr))
		return err
	}

	args := [4]uint64{uint64(pid), uint64(vaddr), uint64(scratch), uint64(paddr)}
	_, rerr := c.tr.Invoke(defs.OpReadFromSwap, args, func([4]uint64) ([4]uint64, defs.Err_t) {
		return c.swapperReadWork(slot, paddr)
	})
	if !rerr.Ok() {
		return rerr
	}

	if uerr := c.vmgr.UnmapScratch(scratch); !uerr.Ok() {
		return uerr
	}
	if aerr := c.vmgr.Activate(pid); !aerr.Ok() {
		return aerr
	}
	if ferr := c.vmgr.FinishReadFromSwap(pid, vaddr, paddr); !ferr.Ok() {
		return ferr
	}
	c.vmgr.FlushMMU()

	delete(c.spt, sptKey{pid: pid, vaddr: vaddr})
	c.store.Release(slot)
	c.counters.RecordRetrieve(time.Since(start))
	c.log.WithFields(logrus.Fields{"pid": pid, "vaddr": vaddr, "slot": slot}).Debug("swap: retrieved page")
	return defs.EOK
}

// swapperReadWork is the swapper-side half of ReadFromSwap: look up the
// slot, decrypt it into the scratch frame, and free the slot.
func (c *Coordinator) swapperReadWork(slot uint32, paddr mem.Pa_t) ([4]uint64, defs.Err_t) {
	sealed := c.store.Read(slot)
	plain, err := decryptPage(c.aead, sealed)
	if err != nil {
		return [4]uint64{}, defs.EINTERNAL
	}
	copy(c.alloc.Dmap(paddr), plain)
	return [4]uint64{}, defs.EOK
}
