package rpt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"swapkernel/defs"
)

func TestSetOwnerRecordsOwnershipAndResidency(t *testing.T) {
	table := NewTable(4, 100)
	table.SetOwner(101, defs.Pid_t(3), true)

	e := table.Get(101)
	require.Equal(t, defs.Pid_t(3), e.Owner)
	require.True(t, e.Resident)
	require.False(t, e.Wired)
}

func TestIndexPanicsOutOfRange(t *testing.T) {
	table := NewTable(4, 100)
	require.Panics(t, func() { table.Get(99) })
	require.Panics(t, func() { table.Get(104) })
}

func TestEvictionCandidatesExcludesWiredAndForeignFrames(t *testing.T) {
	table := NewTable(4, 0)
	pid := defs.Pid_t(5)
	table.SetOwner(0, pid, true)
	table.SetOwner(1, pid, true)
	table.SetWired(1, true)
	table.SetOwner(2, defs.Pid_t(6), true)
	table.SetOwner(3, pid, false) // swapped out, not resident

	got := EvictionCandidates(table, pid)
	require.Equal(t, []uint32{0}, got)
}

func TestStartFrameAndLen(t *testing.T) {
	table := NewTable(7, 42)
	require.Equal(t, 7, table.Len())
	require.EqualValues(t, 42, table.StartFrame())
}
