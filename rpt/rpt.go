// Package rpt implements the Runtime Page Tracker (spec §4.2, component
// C2): a flat array, indexed by physical frame number, recording which
// process owns each frame and whether its contents are resident or have
// been swapped out. It is the single source of truth for "who owns this
// frame" and is consulted by the swapper (via ReadOnlyView, modeling the
// shared read-only mapping arranged at boot per spec §4.2) to choose
// eviction candidates.
//
// Structurally this is a flat array of per-frame bookkeeping, generalized
// from a bare refcount to the (owner PID, residency, wired) triple spec §3
// calls for.
package rpt

import "swapkernel/defs"

// Entry is one frame's ownership record.
type Entry struct {
	Owner    defs.Pid_t
	Resident bool // true: frame holds live data; false: swapped-out placeholder
	Wired    bool // true: frame must never be considered for eviction
}

// Table is the Runtime Page Tracker. It is mutated only by the Memory
// Manager (package mem) and read by the Swap Coordinator when choosing
// eviction candidates.
type Table struct {
	entries []Entry
	startFn uint32
}

// NewTable allocates an RPT covering nframes frames starting at startFrame,
// all initially free (owner NoPid).
func NewTable(nframes int, startFrame uint32) *Table {
	return &Table{
		entries: make([]Entry, nframes),
		startFn: startFrame,
	}
}

func (t *Table) index(frameNo uint32) int {
	idx := int(frameNo) - int(t.startFn)
	if idx < 0 || idx >= len(t.entries) {
		panic("rpt: frame number out of range")
	}
	return idx
}

// SetOwner records frame ownership and residency. Called by the Memory
// Manager on Alloc/ReleasePage/eviction/retrieval transitions.
func (t *Table) SetOwner(frameNo uint32, owner defs.Pid_t, resident bool) {
	t.entries[t.index(frameNo)].Owner = owner
	t.entries[t.index(frameNo)].Resident = resident
}

// SetWired marks (or unmarks) a frame as ineligible for eviction, e.g. for
// kernel-critical pages such as the swapper's own working set (spec §4.7:
// "operations that could re-enter ... must be prevented by wiring the
// swapper's working set").
func (t *Table) SetWired(frameNo uint32, wired bool) {
	t.entries[t.index(frameNo)].Wired = wired
}

// Get returns the entry for frameNo.
func (t *Table) Get(frameNo uint32) Entry {
	return t.entries[t.index(frameNo)]
}

// Len returns the number of frames tracked.
func (t *Table) Len() int { return len(t.entries) }

// StartFrame returns the first frame number tracked by this table.
func (t *Table) StartFrame() uint32 { return t.startFn }

// ReadOnlyView is the read-only handle given to the swapper, modeling the
// shared read-only mapping of the RPT arranged at boot (spec §4.2). It
// exposes only Get/Len/StartFrame, never the mutating methods.
type ReadOnlyView interface {
	Get(frameNo uint32) Entry
	Len() int
	StartFrame() uint32
}

var _ ReadOnlyView = (*Table)(nil)

// EvictionCandidates returns the frame numbers of every resident,
// non-wired frame owned by pid — the scan the swapper performs to choose
// what to evict.
func EvictionCandidates(view ReadOnlyView, pid defs.Pid_t) []uint32 {
	var out []uint32
	start := view.StartFrame()
	for i := 0; i < view.Len(); i++ {
		fn := start + uint32(i)
		e := view.Get(fn)
		if e.Owner == pid && e.Resident && !e.Wired {
			out = append(out, fn)
		}
	}
	return out
}
