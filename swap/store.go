package swap

import "sync"

// Store is the Swap Memory Table (spec §3: "bookkeeping for the swap area
// itself, maintained by the swapper"). It is a free-list slot allocator:
// a flat array of encrypted page payloads indexed by slot, plus a stack of
// free slot indices, both protected by a mutex.
type Store struct {
	mu      sync.Mutex
	payload [][]byte
	free    []uint32
}

// NewStore reserves nslots initially-free swap slots.
func NewStore(nslots int) *Store {
	if nslots <= 0 {
		panic("swap: store must have a positive slot count")
	}
	free := make([]uint32, nslots)
	for i := range free {
		free[i] = uint32(nslots - 1 - i)
	}
	return &Store{payload: make([][]byte, nslots), free: free}
}

// Alloc reserves a free slot, or reports ok=false if the store is
// exhausted (spec §4.8: "a WriteToSwap that cannot find a free slot").
func (s *Store) Alloc() (slot uint32, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.free) == 0 {
		return 0, false
	}
	slot = s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	return slot, true
}

// Write stores data (ciphertext, including its nonce) in slot.
func (s *Store) Write(slot uint32, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payload[slot] = data
}

// Read returns the data previously written to slot.
func (s *Store) Read(slot uint32) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payload[slot]
}

// Release returns slot to the free list and discards its payload, mirror-
// ing ReadFromSwap's completion ("frees the slot").
func (s *Store) Release(slot uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payload[slot] = nil
	s.free = append(s.free, slot)
}

// Free reports the number of unreserved slots remaining.
func (s *Store) Free() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.free)
}
