package swap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"swapkernel/defs"
	"swapkernel/mem"
	"swapkernel/vm"
)

func TestAdvisoryBufferPushStampsIncreasingSeq(t *testing.T) {
	ab := &AdvisoryBuffer{}
	full1 := ab.Push(AllocAdvice{Pid: 1, Vaddr: 0x1000, Paddr: 0x2000, IsAlloc: true})
	require.False(t, full1)
	full2 := ab.Push(AllocAdvice{Pid: 1, Vaddr: 0x3000, Paddr: 0x4000, IsAlloc: true})
	require.False(t, full2)
	full3 := ab.Push(AllocAdvice{Pid: 1, Vaddr: 0x5000, Paddr: 0x6000, IsAlloc: true})
	require.True(t, full3)

	require.Equal(t, []uint64{0, 1, 2}, []uint64{ab.entries[0].Seq, ab.entries[1].Seq, ab.entries[2].Seq})
}

func TestPackWordsRoundTripsThroughUnpackAdvice(t *testing.T) {
	a := AllocAdvice{Pid: defs.Pid_t(7), Vaddr: vm.VPage(0x4000), Paddr: mem.Pa_t(0x8000), IsAlloc: true, Seq: 5}
	w1, w2, w3 := packWords(a)

	got := unpackAdvice([3]uint64{w1, w2, w3})
	require.Equal(t, a, got)
}

func TestAdvisoryMirrorApplyPanicsOnOutOfOrderDelivery(t *testing.T) {
	m := NewAdvisoryMirror()
	key := vm.VPage(0x9000)

	m.Apply(AllocAdvice{Pid: 3, Vaddr: key, Paddr: 0x1000, IsAlloc: true, Seq: 5})

	require.Panics(t, func() {
		m.Apply(AllocAdvice{Pid: 3, Vaddr: key, Paddr: 0x2000, IsAlloc: true, Seq: 2})
	})
}

func TestAdvisoryMirrorApplyAcceptsInOrderDeliveryAcrossKeys(t *testing.T) {
	m := NewAdvisoryMirror()

	m.Apply(AllocAdvice{Pid: 1, Vaddr: 0x1000, Paddr: 0x1000, IsAlloc: true, Seq: 0})
	m.Apply(AllocAdvice{Pid: 2, Vaddr: 0x2000, Paddr: 0x2000, IsAlloc: true, Seq: 1})
	m.Apply(AllocAdvice{Pid: 1, Vaddr: 0x1000, Paddr: 0x1000, IsAlloc: false, Seq: 2})

	_, ok := m.Resident(1, 0x1000)
	require.False(t, ok)
	paddr, ok := m.Resident(2, 0x2000)
	require.True(t, ok)
	require.EqualValues(t, 0x2000, paddr)
}
