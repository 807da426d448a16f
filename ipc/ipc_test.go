package ipc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"swapkernel/defs"
	"swapkernel/mem"
	"swapkernel/proc"
	"swapkernel/registry"
	"swapkernel/vm"
)

const scratchBase vm.VPage = vm.KernelMin + vm.VPage(1<<30)

type harness struct {
	vmgr  *vm.Manager
	procs *proc.Table
	reg   *registry.Registry
	layer *Layer
}

func newHarness(t *testing.T, pids ...defs.Pid_t) *harness {
	t.Helper()
	vmgr := vm.NewManager(scratchBase)
	vmgr.CreateAddressSpace(defs.SwapperPid)
	procs := proc.NewTable()
	reg := registry.New()
	for _, pid := range pids {
		space := vmgr.CreateAddressSpace(pid)
		procs.CreateProcess(pid, space)
	}
	return &harness{vmgr: vmgr, procs: procs, reg: reg, layer: NewLayer(reg, procs, vmgr)}
}

func (h *harness) connect(t *testing.T, pid defs.Pid_t, name string) CID {
	t.Helper()
	cid, err := h.layer.Connect(pid, name, nil)
	require.True(t, err.Ok())
	return cid
}

func TestSendScalarFIFOOrder(t *testing.T) {
	h := newHarness(t, 10, 20)
	sid, err := h.layer.RegisterServer(20, "echo", 0, 4)
	require.True(t, err.Ok())
	cid := h.connect(t, 10, "echo")

	for i := 0; i < 3; i++ {
		require.True(t, h.layer.SendScalar(10, cid, i, uint64(i), 0, 0, 0).Ok())
	}

	for i := 0; i < 3; i++ {
		e, err := h.layer.ReceiveMessage(20, sid)
		require.True(t, err.Ok())
		require.Equal(t, i, e.Op)
		require.Equal(t, uint64(i), e.Args[0])
	}
}

func TestSendScalarQueueFull(t *testing.T) {
	h := newHarness(t, 10, 20)
	_, err := h.layer.RegisterServer(20, "full", 0, 1)
	require.True(t, err.Ok())
	cid := h.connect(t, 10, "full")

	require.True(t, h.layer.SendScalar(10, cid, 1, 0, 0, 0, 0).Ok())
	require.Equal(t, defs.ESRVQFULL, h.layer.SendScalar(10, cid, 2, 0, 0, 0, 0))
}

func TestSendBlockingScalarRoundTrip(t *testing.T) {
	h := newHarness(t, 10, 20)
	sid, err := h.layer.RegisterServer(20, "add", 0, 4)
	require.True(t, err.Ok())
	cid := h.connect(t, 10, "add")

	senderProc, _ := h.procs.GetProcess(10)
	senderProc.CreateThread(1)

	done := make(chan proc.ThreadResult, 1)
	go func() {
		res, err := h.layer.SendBlockingScalar(10, 1, cid, 7, 3, 4, 0, 0)
		require.True(t, err.Ok())
		done <- res
	}()

	var env *Envelope
	require.Eventually(t, func() bool {
		e, err := h.layer.ReceiveMessage(20, sid)
		if !err.Ok() {
			return false
		}
		env = e
		return true
	}, time.Second, time.Millisecond)

	require.Equal(t, 7, env.Op)
	require.True(t, h.layer.ReplyScalar(env, [5]uint64{7, 0, 0, 0, 0}, defs.EOK).Ok())

	select {
	case res := <-done:
		require.Equal(t, uint64(7), res.Words[0])
	case <-time.After(time.Second):
		t.Fatal("SendBlockingScalar never returned")
	}
}

func TestSendBlockingScalarWakesOnServerTermination(t *testing.T) {
	h := newHarness(t, 10, 20)
	_, err := h.layer.RegisterServer(20, "dies", 0, 4)
	require.True(t, err.Ok())
	cid := h.connect(t, 10, "dies")

	senderProc, _ := h.procs.GetProcess(10)
	senderProc.CreateThread(1)

	done := make(chan defs.Err_t, 1)
	go func() {
		_, err := h.layer.SendBlockingScalar(10, 1, cid, 1, 0, 0, 0, 0)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.True(t, h.procs.Terminate(20).Ok())

	select {
	case err := <-done:
		require.Equal(t, defs.EPROCTERM, err)
	case <-time.After(time.Second):
		t.Fatal("SendBlockingScalar never woke on server termination")
	}
}

func TestLendRestoresOriginalMappingOnReturn(t *testing.T) {
	h := newHarness(t, 10, 20)
	sid, err := h.layer.RegisterServer(20, "reader", 0, 4)
	require.True(t, err.Ok())
	cid := h.connect(t, 10, "reader")

	senderProc, _ := h.procs.GetProcess(10)
	senderProc.CreateThread(1)

	vaddr := vm.KernelMin + vm.VPage(mem.PGSIZE)
	paddr := mem.Pa_t(11 * mem.PGSIZE)
	require.True(t, h.vmgr.MapPage(10, paddr, vaddr, true, false, false, true).Ok())

	rng := MemoryRange{Pid: 10, Base: vaddr, Len: mem.PGSIZE}

	done := make(chan proc.ThreadResult, 1)
	go func() {
		res, err := h.layer.Lend(10, 1, cid, 5, rng, [2]uint64{})
		require.True(t, err.Ok())
		done <- res
	}()

	var env *Envelope
	require.Eventually(t, func() bool {
		e, err := h.layer.ReceiveMessage(20, sid)
		if !err.Ok() {
			return false
		}
		env = e
		return true
	}, time.Second, time.Millisecond)

	require.Equal(t, defs.TagBorrow, env.Tag)
	require.NotZero(t, env.BufVaddr)

	recvPte, perr := h.vmgr.Entry(20, env.BufVaddr)
	require.True(t, perr.Ok())
	require.False(t, recvPte.W)

	env.ReturnBorrow(defs.EOK)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Lend never returned")
	}

	senderPte, err := h.vmgr.Entry(10, vaddr)
	require.True(t, err.Ok())
	require.True(t, senderPte.Valid)
	require.True(t, senderPte.R)
	require.False(t, senderPte.W)
	require.EqualValues(t, paddr>>mem.PGSHIFT, senderPte.Frame)
}

func TestLendMutGrantsWriteAccess(t *testing.T) {
	h := newHarness(t, 10, 20)
	sid, err := h.layer.RegisterServer(20, "writer", 0, 4)
	require.True(t, err.Ok())
	cid := h.connect(t, 10, "writer")

	senderProc, _ := h.procs.GetProcess(10)
	senderProc.CreateThread(1)

	vaddr := vm.KernelMin + vm.VPage(mem.PGSIZE)
	require.True(t, h.vmgr.MapPage(10, mem.Pa_t(12*mem.PGSIZE), vaddr, true, true, false, true).Ok())
	rng := MemoryRange{Pid: 10, Base: vaddr, Len: mem.PGSIZE}

	go h.layer.LendMut(10, 1, cid, 9, rng, [2]uint64{})

	var env *Envelope
	require.Eventually(t, func() bool {
		e, err := h.layer.ReceiveMessage(20, sid)
		if !err.Ok() {
			return false
		}
		env = e
		return true
	}, time.Second, time.Millisecond)

	require.Equal(t, defs.TagMutableBorrow, env.Tag)
	recvPte, perr := h.vmgr.Entry(20, env.BufVaddr)
	require.True(t, perr.Ok())
	require.True(t, recvPte.W)

	env.ReturnBorrow(defs.EOK)
}

func TestSendMoveTransfersOwnership(t *testing.T) {
	h := newHarness(t, 10, 20)
	_, err := h.layer.RegisterServer(20, "sink", 0, 4)
	require.True(t, err.Ok())
	cid := h.connect(t, 10, "sink")

	vaddr := vm.KernelMin + vm.VPage(mem.PGSIZE)
	paddr := mem.Pa_t(13 * mem.PGSIZE)
	require.True(t, h.vmgr.MapPage(10, paddr, vaddr, true, true, false, true).Ok())
	rng := MemoryRange{Pid: 10, Base: vaddr, Len: mem.PGSIZE}

	require.True(t, h.layer.SendMove(10, cid, 3, rng).Ok())

	_, err = h.vmgr.Entry(10, vaddr)
	require.Equal(t, defs.EBADADDR, err)

	sidEcho, _ := h.reg.Lookup("sink")
	e, err := h.layer.ReceiveMessage(20, sidEcho)
	require.True(t, err.Ok())
	require.Equal(t, defs.TagMove, e.Tag)

	recvPte, perr := h.vmgr.Entry(20, e.BufVaddr)
	require.True(t, perr.Ok())
	require.EqualValues(t, paddr>>mem.PGSHIFT, recvPte.Frame)

	e.ConfirmMove()
}

func TestEnvelopeDoubleCompletionPanics(t *testing.T) {
	e := &Envelope{Tag: defs.TagMove}
	e.ConfirmMove()
	require.Panics(t, func() { e.ConfirmMove() })
}

func TestReturnBorrowRejectsWrongTag(t *testing.T) {
	e := &Envelope{Tag: defs.TagScalar}
	require.Panics(t, func() { e.ReturnBorrow(defs.EOK) })
}
