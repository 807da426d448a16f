// Package accnt implements swap-event accounting: running counters of
// pages evicted and retrieved, kept for diagnostic purposes. It is a
// mutex-guarded struct of running totals, a Finish-style helper that folds
// a measured duration in, and a byte-buffer snapshot method that writes
// each field at a sequential offset.
package accnt

import (
	"sync"
	"time"

	"swapkernel/util"
)

// Counters accumulates swap-event statistics for one Swap Coordinator
// (or, summed via Add, for the whole system).
type Counters struct {
	mu sync.Mutex

	EvictCount      int64
	EvictNs         int64
	RetrieveCount   int64
	RetrieveNs      int64
	OOMCount        int64
	AdvisoryFlushes int64
}

// RecordEvict folds one completed WriteToSwap's duration in.
func (c *Counters) RecordEvict(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.EvictCount++
	c.EvictNs += int64(d)
}

// RecordRetrieve folds one completed ReadFromSwap's duration in.
func (c *Counters) RecordRetrieve(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RetrieveCount++
	c.RetrieveNs += int64(d)
}

// RecordOOM counts a WriteToSwap that failed for want of a free slot.
func (c *Counters) RecordOOM() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OOMCount++
}

// RecordAdvisoryFlush counts one trampoline flush of the Allocation
// Advisory Buffer (spec §4.9).
func (c *Counters) RecordAdvisoryFlush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AdvisoryFlushes++
}

// Add merges another Counters' totals into this one, mirroring
// Accnt_t.Add's "merge a child's accounting into the parent" role.
func (c *Counters) Add(o *Counters) {
	o.mu.Lock()
	evictCount, evictNs := o.EvictCount, o.EvictNs
	retrieveCount, retrieveNs := o.RetrieveCount, o.RetrieveNs
	oom := o.OOMCount
	flushes := o.AdvisoryFlushes
	o.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.EvictCount += evictCount
	c.EvictNs += evictNs
	c.RetrieveCount += retrieveCount
	c.RetrieveNs += retrieveNs
	c.OOMCount += oom
	c.AdvisoryFlushes += flushes
}

// Snapshot encodes the counters as a byte buffer of sequential 8-byte
// words, the same layout Accnt_t.To_rusage uses to hand accounting data
// across a process boundary.
func (c *Counters) Snapshot() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, 6*8)
	off := 0
	write := func(v int64) {
		util.Writen(buf, 8, off, int(v))
		off += 8
	}
	write(c.EvictCount)
	write(c.EvictNs)
	write(c.RetrieveCount)
	write(c.RetrieveNs)
	write(c.OOMCount)
	write(c.AdvisoryFlushes)
	return buf
}
