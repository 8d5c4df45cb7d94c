package pool

import (
	"github.com/dbbouncer/pgpooler/internal/prepared"
	"github.com/dbbouncer/pgpooler/internal/wire"
)

// onClientMessage is the dispatcher's inbound half (component H): decide
// what a client message requires of its server, update the outstanding
// queue, and either forward, rewrite-and-forward (prepared statements),
// or answer directly without touching a server at all.
func (e *Engine) onClientMessage(sock *Socket, msg wire.Message) {
	switch msg.Type {
	case wire.MsgTerminate:
		e.closeClient(sock, "client terminated")
		return
	case wire.MsgParse:
		e.handleParse(sock, msg)
		return
	case wire.MsgClose:
		e.handleClose(sock, msg)
		return
	}

	server := sock.Peer
	if server == nil {
		sock.pendingWork = append(sock.pendingWork, msg)
		return
	}

	if msg.Type == wire.MsgBind {
		e.handleBind(sock, server, msg)
		return
	}

	sock.Requests.push(OutstandingRequest{MsgType: msg.Type, Action: ActionForward})
	e.forwardToServer(server, msg.Type, msg.Body)
}

// flushPendingClientWork replays messages buffered while a client had no
// server, once one has just been linked.
func (e *Engine) flushPendingClientWork(p *Pool, client *Socket) {
	pending := client.pendingWork
	client.pendingWork = nil
	for _, msg := range pending {
		e.onClientMessage(client, msg)
	}
}

// handleParse implements the lazy side of the prepared-statement cache
// (component D): record the statement in the client's own cache
// immediately, but only actually send a Parse to the server once a Bind
// against it proves it's really needed — named statements are routinely
// Parse'd and never used again in the same transaction-pooled server.
func (e *Engine) handleParse(sock *Socket, msg wire.Message) {
	name, queryText, paramOIDs, ok := wire.ParseParseMessage(msg.Body)
	if !ok {
		e.protocolError(sock, "malformed Parse message")
		return
	}
	if name == "" {
		// The unnamed statement is forwarded as-is to the linked server,
		// where the following unnamed Bind (see handleBind) finds it.
		if sock.Peer == nil {
			sock.pendingWork = append(sock.pendingWork, msg)
			return
		}
		sock.Requests.push(OutstandingRequest{MsgType: msg.Type, Action: ActionForward})
		e.forwardToServer(sock.Peer, msg.Type, msg.Body)
		return
	}
	sock.ClientStmts.Parse(name, queryText, paramOIDs)

	// Acknowledge immediately; the real Parse against a server is deferred
	// until Bind references this statement (see ensurePrepared).
	sock.Write(frame(wire.MsgParseComplete, nil))
}

// handleClose forgets a statement from the client cache. The server-side
// entry, if any, is evicted lazily by the LRU in ensurePrepared rather
// than here, matching the lazy-Parse discipline: nothing may have ever
// been sent to the current server for this name.
func (e *Engine) handleClose(sock *Socket, msg wire.Message) {
	if len(msg.Body) < 2 {
		e.protocolError(sock, "malformed Close message")
		return
	}
	kind := msg.Body[0]
	name := trimNull(msg.Body[1:])
	if kind == 'S' {
		sock.ClientStmts.Close(name)
	}
	sock.Write(frame(wire.MsgCloseComplete, nil))
}

// handleBind rewrites a Bind targeting a named prepared statement at the
// server's own synthetic name, lazily Parse'ing it first if this physical
// server has never seen that query-id (component D's core operation).
// Bind against the unnamed statement ("") passes through untouched: it is
// always preceded by its own unnamed Parse on the same server in the same
// transaction, so there is nothing to rewrite.
func (e *Engine) handleBind(client, server *Socket, msg wire.Message) {
	stmtName, ok := wire.BindStatementName(msg.Body)
	if !ok {
		e.protocolError(client, "malformed Bind message")
		return
	}
	if stmtName == "" {
		client.Requests.push(OutstandingRequest{MsgType: wire.MsgBind, Action: ActionForward})
		e.forwardToServer(server, wire.MsgBind, msg.Body)
		return
	}

	stmt, ok := client.ClientStmts.Lookup(stmtName)
	if !ok {
		e.protocolError(client, "Bind references unknown prepared statement")
		return
	}

	synName := ensurePrepared(client, server, stmt)
	body, ok := wire.RewriteBindStatementName(msg.Body, synName)
	if !ok {
		e.protocolError(client, "malformed Bind message")
		return
	}
	client.Requests.push(OutstandingRequest{MsgType: wire.MsgBind, Action: ActionForward})
	e.forwardToServer(server, wire.MsgBind, body)
}

// ensurePrepared guarantees stmt's query-id is prepared on server,
// lazily issuing a synthetic Parse (marked ActionSkip on the client's
// queue, ahead of the Bind, so its ParseComplete never reaches the client)
// and evicting an LRU victim via Close if the server's cache is already at
// max_prepared_statements.
func ensurePrepared(client, server *Socket, stmt *prepared.Statement) string {
	if synName, ok := server.ServerStmts.Lookup(stmt.QueryID); ok {
		return synName
	}

	synName, evicted := server.ServerStmts.Insert(stmt.QueryID)
	if evicted != nil {
		closeBody := append([]byte{'S'}, []byte(evicted.SynName)...)
		closeBody = append(closeBody, 0)
		server.Write(frame(wire.MsgClose, closeBody))
		client.Requests.push(OutstandingRequest{MsgType: wire.MsgClose, Action: ActionSkip})
	}

	parseBody := wire.BuildParseMessage(synName, stmt.QueryText, stmt.ParamTypeOIDs)
	server.Write(frame(wire.MsgParse, parseBody))
	client.Requests.push(OutstandingRequest{MsgType: wire.MsgParse, Action: ActionSkip, PSRef: stmt.QueryID})
	return synName
}

func (e *Engine) forwardToServer(server *Socket, typ byte, body []byte) {
	server.Write(frame(typ, body))
}

func (e *Engine) protocolError(sock *Socket, msg string) {
	pgErr := &wire.PGError{Severity: "FATAL", Code: wire.SQLStateProtocolViolation, Message: msg}
	typ, body := pgErr.Build()
	sock.Write(frame(typ, body))
	e.closeClient(sock, msg)
}

func (e *Engine) closeClient(sock *Socket, reason string) {
	sock.CloseReason = reason
	if sock.Pool != nil {
		p := sock.Pool
		server := sock.Peer
		p.changeState(sock, CLJustFree)
		delete(e.cancelKeys, sock.CancelKey)
		if server != nil {
			sock.Peer = nil
			server.Peer = nil
			e.releaseServer(p, server, true)
		}
	}
	sock.Close()
}
