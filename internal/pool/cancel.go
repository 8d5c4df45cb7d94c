package pool

import (
	"net"
	"time"

	"github.com/dbbouncer/pgpooler/internal/wire"
)

// onCancelRequest handles an inbound CancelRequest special packet
// (component F/G, spec §4.F/§4.G/§5): the pooler issued its own 8-byte
// cancel key to the original client in BackendKeyData, so this never
// forwards a real server's secret to anyone — it looks up which client
// that pooler-issued key belongs to, and if that client currently owns a
// server, opens a brand-new short-lived connection to the server's own
// host and relays a CancelRequest carrying the *real* backend's PID/key
// that was captured during performServerAuth.
func (e *Engine) onCancelRequest(pid, key uint32) {
	client, ok := e.cancelKeys[key]
	if !ok || client.PID != pid {
		return // unknown or stale cancel key; silently ignored, as real PG does
	}

	server := client.Peer
	if server == nil {
		return // nothing running to cancel
	}

	p := client.Pool
	if p != nil {
		// canceling_clients (spec §4.F/§4.G) is realized here as simple
		// list membership rather than a parallel set: a server socket is
		// "being canceled" for exactly as long as it sits in
		// listServerBeingCanceled, which already gives O(1) membership
		// test and iteration without a second data structure to keep in
		// sync with changeState.
		p.changeState(server, SVBeingCanceled)
	}

	go e.dialAndForwardCancel(p, server, server.BackendPID, server.BackendKey, serverHostPort(server))
}

func serverHostPort(server *Socket) string {
	return server.Conn.RemoteAddr().String()
}

// onCancelDone restores the target server's list membership once the
// fire-and-forget cancel connection has run its course. The server's
// actual query outcome (ErrorResponse + ReadyForQuery) arrives
// independently over its own still-open connection and is handled by the
// ordinary onServerMessage path, since cancel delivery and query
// cancellation are two separate things in the wire protocol.
func (e *Engine) onCancelDone(server *Socket) {
	p := server.Pool
	if p == nil || server.State != SVBeingCanceled {
		return
	}
	if server.Peer != nil {
		p.changeState(server, SVActive)
	} else {
		p.changeState(server, SVUsed)
	}
}

// dialAndForwardCancel opens the short-lived cancel connection off the
// engine goroutine (it only needs to write 16 bytes and can be closed
// immediately after), then reports completion back through the single
// event channel so SV_BEING_CANCELED bookkeeping only ever changes from
// the Engine.Run goroutine.
func (e *Engine) dialAndForwardCancel(p *Pool, server *Socket, backendPID, backendKey uint32, addr string) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		e.events <- evCancelDone{server: server}
		return
	}
	defer conn.Close()
	conn.Write(wire.BuildCancelRequest(backendPID, backendKey))
	buf := make([]byte, 1)
	conn.Read(buf) // server closes immediately after a CancelRequest; draining one byte is enough to observe that

	e.events <- evCancelDone{server: server}
}
