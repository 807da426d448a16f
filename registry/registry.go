// Package registry implements the Named Server Registry (spec §4.5,
// component C5): a mapping from server name to Server Identifier (SID),
// with an optional per-name connection quota.
//
// The registry is a map guarded by a lock, looked up by key, with
// Get/Set/Del-shaped operations: a single mutex plus a sync.Cond for the
// blocking lookup (request_connection_blocking), sized for the handful of
// live entries a named-server registry actually holds rather than
// fine-grained per-bucket locking.
package registry

import (
	"sync"

	"github.com/google/uuid"

	"swapkernel/defs"
)

// SID is a 128-bit random Server Identifier (spec §3). Possession of the
// SID confers authority to receive messages destined for it.
type SID [16]byte

func newSID() SID {
	return SID(uuid.New())
}

func (s SID) String() string {
	return uuid.UUID(s).String()
}

type entry struct {
	sid     SID
	name    string
	maxConn int // 0 means unlimited
	curConn int
}

// Registry is the Named Server Registry.
type Registry struct {
	mu     sync.Mutex
	cond   *sync.Cond
	byName map[string]*entry
	bySID  map[SID]*entry
}

// New returns an empty Registry.
func New() *Registry {
	r := &Registry{
		byName: make(map[string]*entry),
		bySID:  make(map[SID]*entry),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// RegisterName assigns a fresh SID to name, failing with ServerExists if
// the name is already taken (spec §4.5 register_name). maxConnections of 0
// means no quota.
func (r *Registry) RegisterName(name string, maxConnections int) (SID, defs.Err_t) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; ok {
		return SID{}, defs.ESRVEXISTS
	}
	e := &entry{sid: newSID(), name: name, maxConn: maxConnections}
	r.byName[name] = e
	r.bySID[e.sid] = e
	r.cond.Broadcast()
	return e.sid, defs.EOK
}

// RequestConnectionBlocking returns the SID for name, granting a
// connection slot against its quota. If name is not yet registered, the
// caller parks until it is (spec §4.5). cancel, if non-nil, may be closed
// by the caller to abandon the wait at its own discretion ("eventual
// timeout at the caller's discretion"); a fired cancel surfaces as
// ETIMEOUT. A full quota surfaces as ShareViolation rather than blocking:
// quotas are a hard admission check, not a queue.
func (r *Registry) RequestConnectionBlocking(name string, cancel <-chan struct{}) (SID, defs.Err_t) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cancel != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-cancel:
				r.mu.Lock()
				r.cond.Broadcast()
				r.mu.Unlock()
			case <-stop:
			}
		}()
	}

	for {
		if e, ok := r.byName[name]; ok {
			if e.maxConn > 0 && e.curConn >= e.maxConn {
				return SID{}, defs.ESHAREVIOLATION
			}
			e.curConn++
			return e.sid, defs.EOK
		}
		if cancel != nil {
			select {
			case <-cancel:
				return SID{}, defs.ETIMEOUT
			default:
			}
		}
		r.cond.Wait()
	}
}

// ReleaseConnection gives back one connection slot against sid's quota,
// called when the last CID referencing it within a process drops (spec
// §3: "the last drop of a CID within a process disconnects").
func (r *Registry) ReleaseConnection(sid SID) defs.Err_t {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.bySID[sid]
	if !ok {
		return defs.ESRVNOTFOUND
	}
	if e.curConn > 0 {
		e.curConn--
	}
	return defs.EOK
}

// UnregisterServer reverses RegisterName: afterwards Lookup reports name
// absent, and RequestConnectionBlocking for name parks until it is
// registered again (spec §4.5 unregister_server). An unknown sid fails
// with ServerNotFound.
func (r *Registry) UnregisterServer(sid SID) defs.Err_t {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.bySID[sid]
	if !ok {
		return defs.ESRVNOTFOUND
	}
	delete(r.bySID, sid)
	delete(r.byName, e.name)
	return defs.EOK
}

// Lookup returns the SID registered for name without affecting its quota.
func (r *Registry) Lookup(name string) (SID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	if !ok {
		return SID{}, false
	}
	return e.sid, true
}
