// Package pool implements the pooler's core: the eleven-intrusive-list
// state machine (component E), the admission/wait-queue logic for
// launching and reserving server connections (components F/G), the
// outstanding-request dispatcher (component H), and the single-threaded
// cooperative Engine event loop that is the only goroutine allowed to
// touch any of it (spec.md §5/§9).
//
// Grounded on the teacher's internal/pool.Manager/TenantPool (pool.go) for
// overall shape — one Pool per (database, user) key, a Manager owning the
// map of them, Stats/lifecycle methods — generalized from a mutex+cond
// goroutine-per-connection design to the mandated single-threaded model.
package pool

import (
	"container/list"
)

// Key identifies a pool by the (database, effective user) pair spec.md §3
// describes; every client that logs in under the same key shares the same
// Pool's servers.
type Key struct {
	Database string
	User     string
}

// Pool holds every Socket currently associated with one (database, user)
// pair, organized into eleven lists (seven server-side, four client-side;
// see listKey). Lists
// are container/list.List of *Socket; a Socket always knows its own list
// membership via its elem/list fields so removal is O(1).
type Pool struct {
	Key Key

	Database *Database
	User     *GlobalUser

	lists [numLists]*list.List

	// RRCounter drives round-robin host selection across Database.Hosts;
	// monotonic, no reset on wrap (resolved Open Question, see SPEC_FULL.md §9).
	RRCounter uint32

	LastLifetimeDisconnect int64 // unix seconds, staggers server_lifetime expiry
	LastConnectFailedAt    int64
	LastConnectFailedMsg   string

	Stats      Stats
	OlderStats Stats
	NewerStats Stats

	Paused   bool
	WaitClose bool
}

// NewPool returns an empty Pool for key, with all eleven lists initialized.
func NewPool(key Key, db *Database, user *GlobalUser) *Pool {
	p := &Pool{Key: key, Database: db, User: user}
	for i := range p.lists {
		p.lists[i] = list.New()
	}
	return p
}

func (p *Pool) listFor(k listKey) *list.List {
	return p.lists[k]
}

// ServerCount returns the total number of server sockets this pool
// currently owns, across every server-side list, used for max_db_connections
// / pool_size admission checks.
func (p *Pool) ServerCount() int {
	n := 0
	for _, k := range []listKey{listServerNew, listServerBeingCanceled, listServerIdle, listServerActive, listServerUsed, listServerTested, listServerActiveCancel} {
		n += p.lists[k].Len()
	}
	return n
}

// IdleServerCount returns the number of servers available for immediate
// reuse: idle, used, and tested all qualify (used/tested servers just
// haven't had their use-counter reset yet, per spec server_reset semantics).
func (p *Pool) IdleServerCount() int {
	return p.lists[listServerIdle].Len() + p.lists[listServerUsed].Len() + p.lists[listServerTested].Len()
}

// WaitingClientCount returns the number of clients queued for a server.
func (p *Pool) WaitingClientCount() int {
	return p.lists[listClientWaiting].Len()
}

// changeState is the single primitive that moves a socket between states.
// It is the ONLY function in this package allowed to touch a list's
// membership directly; every other operation in the pool core must go
// through it. Removing a socket from its previous list (if any) and
// inserting it into the new one are done together so a socket is never
// observably in two lists or in none while mid-transition.
func (p *Pool) changeState(s *Socket, newState SocketState) {
	if s.inList {
		p.lists[s.list].Remove(s.elem)
		s.elem = nil
		s.inList = false
	}

	s.State = newState

	if lk, ok := listForState(newState); ok {
		s.elem = p.lists[lk].PushBack(s)
		s.list = lk
		s.inList = true
	}
	// CLFree/SVFree/CLJustFree/SVJustFree map to no list: the socket is
	// either not yet owned by this pool (about to be linked) or being torn
	// down (about to be closed), both transient and momentary.
	s.Pool = p
}

// forEach calls fn for every socket currently in list k, in list order.
// fn must not mutate k's membership (use changeState's removal path,
// which is safe mid-iteration only because Go's container/list.Remove
// does not invalidate other elements' Next pointers); collecting targets
// first is the safer idiom and is what this package's callers do (via
// snapshot).
func (p *Pool) forEach(k listKey, fn func(*Socket)) {
	for e := p.lists[k].Front(); e != nil; e = e.Next() {
		fn(e.Value.(*Socket))
	}
}

// snapshot collects every socket in list k into a slice, for callers that
// need to mutate membership (close, evict, re-link) while iterating.
func (p *Pool) snapshot(k listKey) []*Socket {
	out := make([]*Socket, 0, p.lists[k].Len())
	p.forEach(k, func(s *Socket) { out = append(out, s) })
	return out
}
