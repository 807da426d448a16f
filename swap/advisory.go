package swap

import (
	"sync"

	"swapkernel/defs"
	"swapkernel/mem"
	"swapkernel/util"
	"swapkernel/vm"
)

// AllocAdvice is one pending allocation/free notification (spec §4.9). Seq
// is the order this advisory was generated in, assigned once by
// AdvisoryBuffer.Push; it is what lets AdvisoryMirror.Apply tell a stale
// redelivery from a fresh one, since the buffer's own push order is not
// otherwise recoverable once advisories have been packed onto the wire.
type AllocAdvice struct {
	Pid     defs.Pid_t
	Vaddr   vm.VPage
	Paddr   mem.Pa_t
	IsAlloc bool
	Seq     uint64
}

// packWords encodes a into the three machine words this swapper-side wire
// format carries: (pid<<24)|(vaddr>>12), (is_alloc<<24)|(paddr>>12), and
// a's generation sequence number. It round-trips through
// util.Writen/Readn rather than plain bit arithmetic, the same
// wire-packing convention accnt.Counters.Snapshot uses.
func packWords(a AllocAdvice) (w1, w2, w3 uint64) {
	buf := make([]byte, 24)
	isAlloc := 0
	if a.IsAlloc {
		isAlloc = 1
	}
	util.Writen(buf, 8, 0, int((uint64(a.Pid)<<24)|(uint64(a.Vaddr)>>mem.PGSHIFT)))
	util.Writen(buf, 8, 8, int((uint64(isAlloc)<<24)|(uint64(a.Paddr)>>mem.PGSHIFT)))
	util.Writen(buf, 8, 16, int(a.Seq))
	w1 = uint64(util.Readn(buf, 8, 0))
	w2 = uint64(util.Readn(buf, 8, 8))
	w3 = uint64(util.Readn(buf, 8, 16))
	return w1, w2, w3
}

// AdvisoryBuffer is the fixed-size (three-entry) Allocation Advisory
// Buffer (spec §3, §4.9): it holds pending AllocAdvice records and
// reports when the third arrives, at which point the kernel trampolines
// into the swapper with all three packed in-line.
type AdvisoryBuffer struct {
	mu      sync.Mutex
	entries [3]AllocAdvice
	n       int
	nextSeq uint64
}

// Push records one advisory and reports whether the buffer is now full
// (spec §4.9: "when the third slot is filled, the kernel activates the
// swapper and delivers all three in one trampoline"). It stamps a's
// generation sequence number at the point it is pushed, not when it is
// later drained, since push order is the only order that matters to
// AdvisoryMirror.
func (ab *AdvisoryBuffer) Push(a AllocAdvice) (full bool) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	a.Seq = ab.nextSeq
	ab.nextSeq++
	ab.entries[ab.n] = a
	ab.n++
	return ab.n == len(ab.entries)
}

// Drain returns the buffered advisories (in the order they were pushed)
// packed into their wire words, and resets the buffer to Uninit (spec
// §4.9: "the advisory buffer is then cleared to Uninit").
func (ab *AdvisoryBuffer) Drain() [3][3]uint64 {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	var words [3][3]uint64
	for i := 0; i < ab.n; i++ {
		words[i][0], words[i][1], words[i][2] = packWords(ab.entries[i])
	}
	ab.n = 0
	ab.entries = [3]AllocAdvice{}
	return words
}

// AdvisoryMirror is the swapper-side mirror of frame ownership the
// original Rust swapper (spinor.rs, per SPEC_FULL.md's "Supplemented
// features") maintains to assert that advisories for a given (pid, vaddr)
// never arrive out of generation order (spec §5, testable property 7).
type AdvisoryMirror struct {
	mu         sync.Mutex
	resident   map[mirrorKey]mem.Pa_t
	generation map[mirrorKey]uint64
}

type mirrorKey struct {
	pid   defs.Pid_t
	vaddr vm.VPage
}

// NewAdvisoryMirror returns an empty mirror.
func NewAdvisoryMirror() *AdvisoryMirror {
	return &AdvisoryMirror{
		resident:   make(map[mirrorKey]mem.Pa_t),
		generation: make(map[mirrorKey]uint64),
	}
}

// Apply folds one delivered advisory into the mirror. It panics if this
// (pid, vaddr)'s advisories have arrived out of generation order, since
// that would mean the mirror can no longer be trusted (spec §5: "the
// swapper relies on this to maintain an accurate mirror of RPT").
func (m *AdvisoryMirror) Apply(a AllocAdvice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := mirrorKey{pid: a.Pid, vaddr: a.Vaddr}
	if prev, ok := m.generation[key]; ok && prev >= a.Seq {
		panic("swap: advisory mirror observed out-of-order generation")
	}
	m.generation[key] = a.Seq
	if a.IsAlloc {
		m.resident[key] = a.Paddr
	} else {
		delete(m.resident, key)
	}
}

// Resident reports whether the mirror believes (pid, vaddr) is currently
// backed by a physical frame, and which one.
func (m *AdvisoryMirror) Resident(pid defs.Pid_t, vaddr vm.VPage) (mem.Pa_t, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	paddr, ok := m.resident[mirrorKey{pid: pid, vaddr: vaddr}]
	return paddr, ok
}
