package defs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrOkOnlyForEOK(t *testing.T) {
	require.True(t, EOK.Ok())
	require.False(t, EOUTOFMEM.Ok())
	require.False(t, EUNKNOWN.Ok())
}

func TestErrErrorStringsKnownCodes(t *testing.T) {
	require.Equal(t, "Ok", EOK.Error())
	require.Equal(t, "OutOfMemory", EOUTOFMEM.Error())
	require.Equal(t, "ProcessTerminated", EPROCTERM.Error())
}

func TestErrErrorStringUnknownCodeFallsBackToNumeric(t *testing.T) {
	unknown := Err_t(-999)
	require.Equal(t, "Err_t(-999)", unknown.Error())
}

func TestErrCodesAreDistinct(t *testing.T) {
	seen := make(map[Err_t]bool)
	for code := range names {
		require.False(t, seen[code], "duplicate error code %d", code)
		seen[code] = true
	}
}

func TestMsgTagString(t *testing.T) {
	require.Equal(t, "MutableBorrow", TagMutableBorrow.String())
	require.Equal(t, "Borrow", TagBorrow.String())
	require.Equal(t, "Move", TagMove.String())
	require.Equal(t, "Scalar", TagScalar.String())
	require.Equal(t, "MsgTag(99)", MsgTag(99).String())
}

func TestSwapOpString(t *testing.T) {
	require.Equal(t, "None", OpNone.String())
	require.Equal(t, "WriteToSwap", OpWriteToSwap.String())
	require.Equal(t, "ReadFromSwap", OpReadFromSwap.String())
	require.Equal(t, "AllocateAdvisory", OpAllocateAdvisory.String())
	require.Equal(t, "Unknown", SwapOp(42).String())
}

func TestPidSentinels(t *testing.T) {
	require.Equal(t, Pid_t(0), NoPid)
	require.Equal(t, Pid_t(1), KernelPid)
	require.Equal(t, Pid_t(2), SwapperPid)
	require.Less(t, SwapperPid, MaxPid)
}
