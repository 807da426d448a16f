// Package ipc implements the Message Envelope / Connection Layer (spec
// §4.6, component C6): the five send primitives (scalar, blocking scalar,
// borrow, mutable borrow, move), the per-server
// bounded queue, and the mandatory-completion scope guard spec §9's
// design notes require for Borrow/Move envelopes.
//
// The server queue is an envelope ring buffer: head/tail modulo-indexed
// bookkeeping with Full/Empty conditions, backed by a mutex-protected
// fixed-capacity slice (the queue is shared between the sending and
// receiving goroutines) and channel-based notification for the blocking
// push/pop paths.
package ipc

import (
	"sync"

	"swapkernel/defs"
	"swapkernel/mem"
	"swapkernel/proc"
	"swapkernel/registry"
	"swapkernel/vm"
)

// MemoryRange names a page-aligned, whole-page range of a process's
// address space (spec §4.6 invariant 4: "must be a whole number of pages
// and page-aligned").
type MemoryRange struct {
	Pid  defs.Pid_t
	Base vm.VPage
	Len  int
}

func (r MemoryRange) pages() int { return r.Len / mem.PGSIZE }

func (r MemoryRange) validate() defs.Err_t {
	if r.Len <= 0 || r.Len%mem.PGSIZE != 0 {
		return defs.EBADALIGN
	}
	if uintptr(r.Base)%uintptr(mem.PGSIZE) != 0 {
		return defs.EBADALIGN
	}
	return defs.EOK
}

// CID is a per-process connection handle to a server (spec §3),
// reference-counted by the Layer that issued it.
type CID struct {
	id  uint64
	sid registry.SID
	pid defs.Pid_t
}

// SID exposes the server this CID connects to.
func (c CID) SID() registry.SID { return c.sid }

type connKey struct {
	pid defs.Pid_t
	sid registry.SID
}

type connEntry struct {
	count int
}

// Envelope is the tagged-union Message Envelope of spec §3/§4.6. Borrow,
// MutableBorrow, and Move variants carry a mandatory completion: the
// owner must call ReturnBorrow or ConfirmMove exactly once. Per spec §9's
// design note, this is enforced as an explicit call rather than relying on
// a destructor, whose timing in a garbage-collected implementation
// language is not deterministic enough to trust for "return or free the
// memory" correctness.
type Envelope struct {
	Tag       defs.MsgTag
	Op        int
	Args      [4]uint64
	Range     MemoryRange
	BufVaddr  vm.VPage // receiver-side vaddr of the loaned/moved buffer
	SenderPid defs.Pid_t
	SenderTid defs.Tid_t

	mu         sync.Mutex
	completed  bool
	onComplete func(status defs.Err_t)
}

func (e *Envelope) complete(status defs.Err_t) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.completed {
		panic("ipc: envelope completed twice")
	}
	e.completed = true
	if e.onComplete != nil {
		e.onComplete(status)
	}
}

// ReturnBorrow completes a Borrow or MutableBorrow envelope, restoring the
// sender's mapping (a MutableBorrow's restoration makes the server's
// writes visible to the sender, per spec §4.6 invariant 2). status is
// delivered to the sender as the scalar reply spec §4.6 promises
// ("blocks; returns a scalar status from the server after it drops the
// envelope").
func (e *Envelope) ReturnBorrow(status defs.Err_t) {
	if e.Tag != defs.TagBorrow && e.Tag != defs.TagMutableBorrow {
		panic("ipc: ReturnBorrow called on a non-borrow envelope")
	}
	e.complete(status)
}

// ConfirmMove completes a Move envelope: the receiver now owns the
// frames and is responsible for freeing them when done (spec §4.6
// invariant 3).
func (e *Envelope) ConfirmMove() {
	if e.Tag != defs.TagMove {
		panic("ipc: ConfirmMove called on a non-move envelope")
	}
	e.complete(defs.EOK)
}

// server is a bounded per-server FIFO of pending envelopes.
type server struct {
	sid      registry.SID
	ownerPid defs.Pid_t

	mu         sync.Mutex
	buf        []*Envelope
	head, tail int

	notifyData  chan struct{}
	notifySpace chan struct{}
}

func newServer(sid registry.SID, owner defs.Pid_t, capacity int) *server {
	if capacity <= 0 {
		panic("ipc: server queue capacity must be positive")
	}
	return &server{
		sid:         sid,
		ownerPid:    owner,
		buf:         make([]*Envelope, capacity),
		notifyData:  make(chan struct{}, 1),
		notifySpace: make(chan struct{}, 1),
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *server) tryPush(e *Envelope) bool {
	s.mu.Lock()
	if s.head-s.tail == len(s.buf) {
		s.mu.Unlock()
		return false
	}
	s.buf[s.head%len(s.buf)] = e
	s.head++
	s.mu.Unlock()
	notify(s.notifyData)
	return true
}

func (s *server) tryPop() (*Envelope, bool) {
	s.mu.Lock()
	if s.head == s.tail {
		s.mu.Unlock()
		return nil, false
	}
	e := s.buf[s.tail%len(s.buf)]
	s.buf[s.tail%len(s.buf)] = nil
	s.tail++
	s.mu.Unlock()
	notify(s.notifySpace)
	return e, true
}

// blockingPush parks until there is room or cancel fires.
func (s *server) blockingPush(e *Envelope, cancel <-chan defs.Err_t) defs.Err_t {
	for {
		if s.tryPush(e) {
			return defs.EOK
		}
		select {
		case <-s.notifySpace:
		case err := <-cancel:
			return err
		}
	}
}

// blockingPop parks until an envelope is available or cancel fires.
func (s *server) blockingPop(cancel <-chan defs.Err_t) (*Envelope, defs.Err_t) {
	for {
		if e, ok := s.tryPop(); ok {
			return e, defs.EOK
		}
		select {
		case <-s.notifyData:
		case err := <-cancel:
			return nil, err
		}
	}
}

// never is a cancellation channel that nothing ever sends on. No function
// in this package currently selects on it: the non-blocking sends
// (SendScalar, SendMove) use tryPush and have no reply to cancel.
var never = make(chan defs.Err_t)

// Layer is the Message Envelope / Connection Layer.
type Layer struct {
	reg   *registry.Registry
	procs *proc.Table
	vmgr  *vm.Manager

	mu      sync.Mutex
	servers map[registry.SID]*server
	conns   map[connKey]*connEntry
	nextCID uint64
}

// NewLayer returns a Layer wired to the given Named Server Registry,
// Process & Thread Table, and Page Table Manager.
func NewLayer(reg *registry.Registry, procs *proc.Table, vmgr *vm.Manager) *Layer {
	return &Layer{
		reg:     reg,
		procs:   procs,
		vmgr:    vmgr,
		servers: make(map[registry.SID]*server),
		conns:   make(map[connKey]*connEntry),
	}
}

func (l *Layer) server(sid registry.SID) (*server, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.servers[sid]
	return s, ok
}

// RegisterServer registers name in the Named Server Registry and creates
// its bounded envelope queue, attributing ownership to pid.
func (l *Layer) RegisterServer(pid defs.Pid_t, name string, maxConnections, queueCap int) (registry.SID, defs.Err_t) {
	sid, err := l.reg.RegisterName(name, maxConnections)
	if !err.Ok() {
		return registry.SID{}, err
	}
	p, perr := l.procs.GetProcess(pid)
	if !perr.Ok() {
		l.reg.UnregisterServer(sid)
		return registry.SID{}, perr
	}
	p.AddServerID(sid)

	l.mu.Lock()
	l.servers[sid] = newServer(sid, pid, queueCap)
	l.mu.Unlock()
	return sid, defs.EOK
}

// UnregisterServer reverses RegisterServer.
func (l *Layer) UnregisterServer(pid defs.Pid_t, sid registry.SID) defs.Err_t {
	if err := l.reg.UnregisterServer(sid); !err.Ok() {
		return err
	}
	if p, err := l.procs.GetProcess(pid); err.Ok() {
		p.RemoveServerID(sid)
	}
	l.mu.Lock()
	delete(l.servers, sid)
	l.mu.Unlock()
	return defs.EOK
}

// Connect (spec §6's Connect/TryConnect) grants pid a CID to the named
// server, blocking until it is registered unless cancel fires first.
func (l *Layer) Connect(pid defs.Pid_t, name string, cancel <-chan struct{}) (CID, defs.Err_t) {
	sid, err := l.reg.RequestConnectionBlocking(name, cancel)
	if !err.Ok() {
		return CID{}, err
	}
	l.mu.Lock()
	key := connKey{pid: pid, sid: sid}
	e, ok := l.conns[key]
	if !ok {
		e = &connEntry{}
		l.conns[key] = e
	}
	e.count++
	l.nextCID++
	id := l.nextCID
	l.mu.Unlock()
	return CID{id: id, sid: sid, pid: pid}, defs.EOK
}

// Disconnect drops one reference to cid; when the last reference within
// the owning process drops, the connection's quota slot is released (spec
// §3: "the last drop of a CID within a process disconnects").
func (l *Layer) Disconnect(cid CID) defs.Err_t {
	l.mu.Lock()
	key := connKey{pid: cid.pid, sid: cid.sid}
	e, ok := l.conns[key]
	if !ok {
		l.mu.Unlock()
		return defs.ESRVNOTFOUND
	}
	e.count--
	last := e.count <= 0
	if last {
		delete(l.conns, key)
	}
	l.mu.Unlock()
	if last {
		return l.reg.ReleaseConnection(cid.sid)
	}
	return defs.EOK
}

// SendScalar is the non-blocking, no-reply send (spec §4.6 send_scalar).
func (l *Layer) SendScalar(senderPid defs.Pid_t, cid CID, op int, a1, a2, a3, a4 uint64) defs.Err_t {
	srv, ok := l.server(cid.sid)
	if !ok {
		return defs.ESRVNOTFOUND
	}
	e := &Envelope{Tag: defs.TagScalar, Op: op, Args: [4]uint64{a1, a2, a3, a4}, SenderPid: senderPid}
	if !srv.tryPush(e) {
		return defs.ESRVQFULL
	}
	return defs.EOK
}

// SendBlockingScalar blocks the caller until the server replies with a
// scalar result (spec §4.6 send_blocking_scalar). If the server's owning
// process terminates first, it returns with ProcessTerminated.
func (l *Layer) SendBlockingScalar(senderPid defs.Pid_t, senderTid defs.Tid_t, cid CID, op int, a1, a2, a3, a4 uint64) (proc.ThreadResult, defs.Err_t) {
	srv, ok := l.server(cid.sid)
	if !ok {
		return proc.ThreadResult{}, defs.ESRVNOTFOUND
	}
	senderProc, err := l.procs.GetProcess(senderPid)
	if !err.Ok() {
		return proc.ThreadResult{}, err
	}
	senderThread, ok := senderProc.Thread(senderTid)
	if !ok {
		return proc.ThreadResult{}, defs.EINVALCTX
	}
	targetProc, terr := l.procs.GetProcess(srv.ownerPid)
	if !terr.Ok() {
		return proc.ThreadResult{}, terr
	}

	termCh, cancel := targetProc.RegisterWaiter()
	defer cancel()

	e := &Envelope{Tag: defs.TagScalar, Op: op, Args: [4]uint64{a1, a2, a3, a4}, SenderPid: senderPid, SenderTid: senderTid}
	if perr := srv.blockingPush(e, termCh); !perr.Ok() {
		return proc.ThreadResult{}, perr
	}
	l.procs.BlockThread(senderPid, senderTid, proc.BlockedOnReply)

	select {
	case res := <-senderThread.ResultChan():
		return res, defs.EOK
	case perr := <-termCh:
		return proc.ThreadResult{}, perr
	}
}

// ReplyScalar delivers a scalar reply to the original sender of e, waking
// it from send_blocking_scalar/lend/lend_mut (spec §4.6: "delivered only
// to the original sender and unblocks that specific thread").
func (l *Layer) ReplyScalar(e *Envelope, words [5]uint64, status defs.Err_t) defs.Err_t {
	return l.procs.SetThreadResult(e.SenderPid, e.SenderTid, proc.ThreadResult{Words: words, Err: status})
}

func (l *Layer) lend(senderPid defs.Pid_t, senderTid defs.Tid_t, cid CID, op int, rng MemoryRange, hints [2]uint64, mutable bool) (proc.ThreadResult, defs.Err_t) {
	if verr := rng.validate(); !verr.Ok() {
		return proc.ThreadResult{}, verr
	}
	srv, ok := l.server(cid.sid)
	if !ok {
		return proc.ThreadResult{}, defs.ESRVNOTFOUND
	}
	senderProc, err := l.procs.GetProcess(senderPid)
	if !err.Ok() {
		return proc.ThreadResult{}, err
	}
	senderThread, ok := senderProc.Thread(senderTid)
	if !ok {
		return proc.ThreadResult{}, defs.EINVALCTX
	}
	targetProc, terr := l.procs.GetProcess(srv.ownerPid)
	if !terr.Ok() {
		return proc.ThreadResult{}, terr
	}

	npages := rng.pages()
	paddrs := make([]mem.Pa_t, npages)
	perms := make([]*vm.PTE, npages)
	for i := 0; i < npages; i++ {
		vaddr := rng.Base + vm.VPage(i*mem.PGSIZE)
		pte, perr := l.vmgr.Entry(rng.Pid, vaddr)
		if !perr.Ok() {
			return proc.ThreadResult{}, perr
		}
		copied := *pte
		perms[i] = &copied
		paddr, uerr := l.vmgr.UnmapPageInner(rng.Pid, vaddr)
		if !uerr.Ok() {
			for j := 0; j < i; j++ {
				l.vmgr.MapPage(rng.Pid, paddrs[j], rng.Base+vm.VPage(j*mem.PGSIZE), perms[j].R, perms[j].W, perms[j].X, perms[j].User)
			}
			return proc.ThreadResult{}, uerr
		}
		paddrs[i] = paddr
	}

	restore := func() {
		for i, pa := range paddrs {
			l.vmgr.MapPage(rng.Pid, pa, rng.Base+vm.VPage(i*mem.PGSIZE), perms[i].R, perms[i].W, perms[i].X, perms[i].User)
		}
	}

	var bufBase vm.VPage
	for i := 0; i < npages; i++ {
		scratch, merr := l.vmgr.MapScratch(srv.ownerPid, paddrs[i], true, mutable, false)
		if !merr.Ok() {
			restore()
			return proc.ThreadResult{}, merr
		}
		if i == 0 {
			bufBase = scratch
		}
	}

	tag := defs.TagBorrow
	if mutable {
		tag = defs.TagMutableBorrow
	}
	e := &Envelope{
		Tag:       tag,
		Op:        op,
		Args:      [4]uint64{hints[0], hints[1], 0, 0},
		Range:     rng,
		BufVaddr:  bufBase,
		SenderPid: senderPid,
		SenderTid: senderTid,
	}
	e.onComplete = func(status defs.Err_t) {
		restore()
		l.procs.SetThreadResult(senderPid, senderTid, proc.ThreadResult{Err: status})
	}

	termCh, cancel := targetProc.RegisterWaiter()
	defer cancel()

	if perr := srv.blockingPush(e, termCh); !perr.Ok() {
		restore()
		return proc.ThreadResult{}, perr
	}
	l.procs.BlockThread(senderPid, senderTid, proc.BlockedOnReply)

	select {
	case res := <-senderThread.ResultChan():
		return res, defs.EOK
	case perr := <-termCh:
		return proc.ThreadResult{}, perr
	}
}

// Lend is the read-only borrow send primitive (spec §4.6 lend).
func (l *Layer) Lend(senderPid defs.Pid_t, senderTid defs.Tid_t, cid CID, op int, rng MemoryRange, hints [2]uint64) (proc.ThreadResult, defs.Err_t) {
	return l.lend(senderPid, senderTid, cid, op, rng, hints, false)
}

// LendMut is the mutable borrow send primitive (spec §4.6 lend_mut).
func (l *Layer) LendMut(senderPid defs.Pid_t, senderTid defs.Tid_t, cid CID, op int, rng MemoryRange, hints [2]uint64) (proc.ThreadResult, defs.Err_t) {
	return l.lend(senderPid, senderTid, cid, op, rng, hints, true)
}

// SendMove transfers ownership of rng to the server non-blockingly (spec
// §4.6 send_move). On success the sender's mapping is gone permanently;
// the receiver must ConfirmMove the envelope once it has taken
// responsibility for freeing the frames.
func (l *Layer) SendMove(senderPid defs.Pid_t, cid CID, op int, rng MemoryRange) defs.Err_t {
	if verr := rng.validate(); !verr.Ok() {
		return verr
	}
	srv, ok := l.server(cid.sid)
	if !ok {
		return defs.ESRVNOTFOUND
	}

	npages := rng.pages()
	paddrs := make([]mem.Pa_t, npages)
	perms := make([]*vm.PTE, npages)
	for i := 0; i < npages; i++ {
		vaddr := rng.Base + vm.VPage(i*mem.PGSIZE)
		pte, perr := l.vmgr.Entry(rng.Pid, vaddr)
		if !perr.Ok() {
			return perr
		}
		copied := *pte
		perms[i] = &copied
		paddr, uerr := l.vmgr.UnmapPageInner(rng.Pid, vaddr)
		if !uerr.Ok() {
			for j := 0; j < i; j++ {
				l.vmgr.MapPage(rng.Pid, paddrs[j], rng.Base+vm.VPage(j*mem.PGSIZE), perms[j].R, perms[j].W, perms[j].X, perms[j].User)
			}
			return uerr
		}
		paddrs[i] = paddr
	}

	var bufBase vm.VPage
	for i := 0; i < npages; i++ {
		scratch, merr := l.vmgr.MapScratch(srv.ownerPid, paddrs[i], true, true, false)
		if !merr.Ok() {
			for j, pa := range paddrs {
				l.vmgr.MapPage(rng.Pid, pa, rng.Base+vm.VPage(j*mem.PGSIZE), perms[j].R, perms[j].W, perms[j].X, perms[j].User)
			}
			return merr
		}
		if i == 0 {
			bufBase = scratch
		}
	}

	e := &Envelope{Tag: defs.TagMove, Op: op, Range: rng, BufVaddr: bufBase, SenderPid: senderPid}
	if !srv.tryPush(e) {
		for i, pa := range paddrs {
			l.vmgr.MapPage(rng.Pid, pa, rng.Base+vm.VPage(i*mem.PGSIZE), perms[i].R, perms[i].W, perms[i].X, perms[i].User)
		}
		return defs.ESRVQFULL
	}
	return defs.EOK
}

// ReceiveMessage returns the next envelope for sid in FIFO order,
// blocking until one arrives (spec §4.6 receive_message). If the calling
// process terminates while blocked, it returns ProcessTerminated.
func (l *Layer) ReceiveMessage(pid defs.Pid_t, sid registry.SID) (*Envelope, defs.Err_t) {
	srv, ok := l.server(sid)
	if !ok {
		return nil, defs.ESRVNOTFOUND
	}
	callerProc, err := l.procs.GetProcess(pid)
	if !err.Ok() {
		return nil, err
	}
	termCh, cancel := callerProc.RegisterWaiter()
	defer cancel()
	return srv.blockingPop(termCh)
}
