package pool

import (
	"time"

	"github.com/dbbouncer/pgpooler/internal/wire"
)

// runJanitor is component I: the periodic maintenance pass over every
// pool, run once per janitorTick event on the single engine goroutine —
// never its own goroutine touching pool state, per spec §5/§9. Grounded
// on the teacher's reapLoop/reapIdle (internal/pool/pool.go), generalized
// from "close anything idle past a TTL" to the fuller set of timeouts,
// admission, and shutdown bookkeeping spec.md §4.I names.
func (e *Engine) runJanitor() {
	t := now()
	for _, p := range e.pools {
		e.janitorPool(p, t)
	}
	e.gcAutoDatabases()
	if e.shuttingDown {
		e.advanceShutdown()
	}
}

func (e *Engine) janitorPool(p *Pool, t time.Time) {
	db := p.Database

	e.expireIdleServers(p, t, db)
	e.expireAgedServers(p, t, db)
	e.expireStaleClients(p, t, db)
	e.expireWaitingClients(p, t, db)
	e.refillMinPoolSize(p)
	e.rotateStatsIfDue(p, t)
}

// expireIdleServers closes idle servers past server_idle_timeout, as long
// as doing so wouldn't drop the pool below min_pool_size.
func (e *Engine) expireIdleServers(p *Pool, t time.Time, db *Database) {
	if db.ServerIdleTimeout <= 0 {
		return
	}
	min := db.MinPoolSize
	for _, s := range p.snapshot(listServerIdle) {
		if p.ServerCount() <= min {
			break
		}
		last := s.LastUsedTime
		if last.IsZero() {
			last = s.ConnectTime
		}
		if t.Sub(last) >= db.ServerIdleTimeout {
			p.changeState(s, SVJustFree)
			s.Close()
		}
	}
}

// expireAgedServers closes servers past server_lifetime, staggering the
// disconnects (LastLifetimeDisconnect) so a cold cache-fill doesn't cause
// every connection to expire in the same tick and thunder the backend.
func (e *Engine) expireAgedServers(p *Pool, t time.Time, db *Database) {
	if db.ServerLifetime <= 0 {
		return
	}
	if t.Unix()-p.LastLifetimeDisconnect < 1 {
		return
	}
	for _, k := range []listKey{listServerIdle, listServerUsed, listServerTested} {
		for _, s := range p.snapshot(k) {
			if t.Sub(s.ConnectTime) >= db.ServerLifetime {
				p.changeState(s, SVJustFree)
				s.Close()
				p.LastLifetimeDisconnect = t.Unix()
				return // one per tick per pool: the stagger itself
			}
		}
	}
}

// expireStaleClients enforces client_idle_timeout (clients with no linked
// server whose RequestTime is older than the timeout) and
// idle_in_transaction_session_timeout-style checks via the server's own
// TransactionStatus. client_login_timeout is not checked.
func (e *Engine) expireStaleClients(p *Pool, t time.Time, db *Database) {
	if db.ClientIdleTimeout > 0 {
		for _, s := range p.snapshot(listClientActive) {
			if s.Peer == nil && t.Sub(s.RequestTime) >= db.ClientIdleTimeout {
				e.closeClient(s, "client_idle_timeout")
			}
		}
	}
	if db.IdleTransactionTimeout > 0 {
		for _, s := range p.snapshot(listClientActive) {
			if s.Peer != nil && s.Peer.TransactionStatus == 'T' && t.Sub(s.Peer.LinkTime) >= db.IdleTransactionTimeout {
				e.protocolError(s, "idle_in_transaction_session_timeout")
			}
		}
	}
}

// expireWaitingClients fails clients that have been waiting for a server
// longer than query_wait_timeout (component F), the failure mode that
// distinguishes "no server available" from "server is just slow".
func (e *Engine) expireWaitingClients(p *Pool, t time.Time, db *Database) {
	if db.QueryWaitTimeout <= 0 {
		return
	}
	for _, s := range p.snapshot(listClientWaiting) {
		if t.Sub(s.RequestTime) >= db.QueryWaitTimeout {
			e.rejectAdmission(s, wire.SQLStateTooManyConnections, "query_wait_timeout exceeded waiting for a server connection")
			delete(e.cancelKeys, s.CancelKey)
		}
	}
}

// refillMinPoolSize launches new server connections if the pool has
// fallen under min_pool_size, independent of whether any client is
// currently waiting (keeps a warm pool the way the teacher's warmUp did).
func (e *Engine) refillMinPoolSize(p *Pool) {
	min := p.Database.MinPoolSize
	if min <= 0 {
		return
	}
	for n := p.ServerCount(); n < min; n++ {
		e.launchNewConnection(p)
	}
}

// rotateStatsIfDue rolls Stats -> NewerStats -> OlderStats on the
// standard one-minute boundary SHOW STATS/SHOW STATS_TOTALS/SHOW
// STATS_AVERAGES distinguish (component I stats-bucket rotation).
func (e *Engine) rotateStatsIfDue(p *Pool, t time.Time) {
	if t.Unix()%60 != 0 {
		return
	}
	p.OlderStats = p.NewerStats
	p.NewerStats = p.Stats
	p.Stats = Stats{}
}

// beginShutdown starts the graceful shutdown progression (component I):
// every pool is paused, which refuses new client admission and stops new
// server launches. With waitForServers, servers are closed once none is
// active; without it they are closed at once. waitForClients is not
// consulted: in every mode the engine exits only after every client has
// disconnected on its own, and waiting clients are not dropped.
func (e *Engine) beginShutdown(waitForServers, waitForClients bool) {
	e.shuttingDown = true
	if waitForServers {
		e.shutdownPhase = shutdownWaitForServers
	} else {
		e.shutdownPhase = shutdownWaitForClients
	}
	for _, p := range e.pools {
		p.Paused = true
	}
	if !waitForServers {
		e.forceCloseAllServers()
	}
}

func (e *Engine) advanceShutdown() {
	switch e.shutdownPhase {
	case shutdownWaitForServers:
		if e.allServersIdle() {
			e.forceCloseAllServers()
			e.shutdownPhase = shutdownWaitForClients
		}
	case shutdownWaitForClients:
		if e.noClientsRemain() {
			close(e.events)
		}
	}
}

func (e *Engine) allServersIdle() bool {
	for _, p := range e.pools {
		if p.lists[listServerActive].Len() > 0 {
			return false
		}
	}
	return true
}

func (e *Engine) forceCloseAllServers() {
	for _, p := range e.pools {
		for _, k := range []listKey{listServerIdle, listServerUsed, listServerTested, listServerActive, listServerNew} {
			for _, s := range p.snapshot(k) {
				p.changeState(s, SVJustFree)
				s.Close()
			}
		}
	}
}

func (e *Engine) noClientsRemain() bool {
	for _, p := range e.pools {
		if p.lenClients() > 0 {
			return false
		}
	}
	return true
}

// gcAutoDatabases drops Database entries marked Auto (created on the fly
// for a wildcard match) once their last pool has gone empty, so transient
// auto-discovered databases don't accumulate forever.
func (e *Engine) gcAutoDatabases() {
	for name, db := range e.databases {
		if !db.Auto {
			continue
		}
		empty := true
		for key, p := range e.pools {
			if key.Database == name && (p.ServerCount() > 0 || p.lenClients() > 0) {
				empty = false
				break
			}
		}
		if empty {
			delete(e.databases, name)
		}
	}
}
