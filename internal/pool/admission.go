package pool

import (
	"time"

	"github.com/dbbouncer/pgpooler/internal/wire"
)

// poolFor returns (creating if necessary) the Pool keyed by (db, user).
func (e *Engine) poolFor(db *Database, user *GlobalUser) *Pool {
	key := Key{Database: db.Name, User: user.Name}
	p, ok := e.pools[key]
	if !ok {
		p = NewPool(key, db, user)
		e.pools[key] = p
	}
	return p
}

// admitClient is components F/G: place a newly authenticated client into
// its pool, hand it a server immediately if one is free, launch a new
// server connection if the pool has room, or queue it to wait — subject
// to max_db_client_connections and the reserve pool. Per-user limits
// (max_user_client_connections, max_user_connections) are not checked.
func (e *Engine) admitClient(sock *Socket, db *Database, user *GlobalUser) {
	p := e.poolFor(db, user)
	sock.RequestTime = now()

	if db.MaxDBClientConnections > 0 && p.lenClients() >= db.MaxDBClientConnections {
		e.rejectAdmission(sock, wire.SQLStateTooManyConnections, "max_db_client_connections reached")
		return
	}
	if p.Paused || e.shuttingDown {
		e.rejectAdmission(sock, wire.SQLStateAdminShutdown, "pool is paused")
		return
	}

	p.changeState(sock, CLWaiting)
	e.tryAssignWaiting(p)
}

func (p *Pool) lenClients() int {
	return p.lists[listClientActive].Len() + p.lists[listClientWaiting].Len() +
		p.lists[listClientWaitingCancelReq].Len() + p.lists[listClientActiveCancelReq].Len()
}

func (e *Engine) rejectAdmission(sock *Socket, code, msg string) {
	pgErr := &wire.PGError{Severity: "FATAL", Code: code, Message: msg}
	typ, body := pgErr.Build()
	sock.Write(frame(typ, body))
	sock.Close()
}

// tryAssignWaiting pairs waiting clients with idle servers until either
// runs out, launching new server connections (up to pool_size, then the
// reserve pool) when the pool is empty but has waiters. This is the
// engine's only entry point for server assignment — called after any
// event that could have freed a server or queued a client.
func (e *Engine) tryAssignWaiting(p *Pool) {
	for p.WaitingClientCount() > 0 {
		server := e.pickIdleServer(p)
		if server == nil {
			break
		}
		client := p.snapshot(listClientWaiting)[0]
		e.linkClientServer(p, client, server)
	}

	if p.WaitingClientCount() == 0 || p.Paused {
		return
	}

	db := p.Database
	capacity := db.PoolSize
	if capacity <= 0 {
		capacity = 20 // pgbouncer's own default_pool_size fallback
	}
	reserve := db.ReservePoolSize

	if p.ServerCount() < capacity {
		e.launchNewConnection(p)
		return
	}
	if reserve > 0 && p.ServerCount() < capacity+reserve {
		oldestWait := p.oldestWaitDuration()
		if oldestWait >= db.ReservePoolTimeout {
			e.launchNewConnection(p)
		}
	}
}

func (e *Engine) pickIdleServer(p *Pool) *Socket {
	for _, k := range []listKey{listServerIdle, listServerUsed, listServerTested} {
		if el := p.lists[k].Front(); el != nil {
			return el.Value.(*Socket)
		}
	}
	return nil
}

func (p *Pool) oldestWaitDuration() time.Duration {
	el := p.lists[listClientWaiting].Front()
	if el == nil {
		return 0
	}
	s := el.Value.(*Socket)
	return now().Sub(s.RequestTime)
}

// linkClientServer pairs a waiting client with an idle server: moves the
// client to CLActive, the server to SVActive, cross-links Peer, and (in
// every pool mode) aligns session variables so the client sees
// continuity. Prepared statements are not touched here; handleBind
// re-Parses them lazily (ensurePrepared).
func (e *Engine) linkClientServer(p *Pool, client, server *Socket) {
	client.Peer = server
	server.Peer = client
	client.LinkTime = now()
	server.LinkTime = now()

	p.changeState(client, CLActive)
	p.changeState(server, SVActive)

	if sets := varAlignSQL(server, client); sets != "" {
		e.sendServerQuery(server, sets, ActionSkip, "")
		server.Vars.Adopt(client.Vars)
	}
	e.flushPendingClientWork(p, client)
}
