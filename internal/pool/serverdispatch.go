package pool

import "github.com/dbbouncer/pgpooler/internal/wire"

// onServerMessage is the dispatcher's outbound half (component H):
// consume one OutstandingRequest off the owning client's queue per
// server reply and act on its disposition. ParameterStatus and
// ReadyForQuery are also mined here regardless of disposition, since
// they describe server state the pooler itself must track.
func (e *Engine) onServerMessage(server *Socket, msg wire.Message) {
	switch msg.Type {
	case wire.MsgParameterStatus:
		name, value, ok := splitParameterStatus(msg.Body)
		if ok {
			server.Vars.Set(name, value)
		}
	case wire.MsgReadyForQuery:
		server.TransactionStatus = msg.StatusByte()
		server.ServerStmts.ResetUseCounts()
	}

	client := server.Peer
	if client == nil {
		// Server replying with no client linked: consumed here without
		// being forwarded anywhere.
		e.handleMaintenanceReply(server, msg)
		return
	}

	req, ok := client.Requests.pop()
	if !ok {
		// No outstanding request recorded — a protocol desync the pooler
		// cannot safely continue past, since reply-pairing is now unknown.
		e.protocolError(client, "unexpected server message with no outstanding request")
		return
	}

	switch req.Action {
	case ActionSkip:
		if msg.Type == wire.MsgErrorResponse && req.PSRef != "" {
			server.ServerStmts.Clear() // a failed synthetic Parse poisons the whole cache's assumptions
		}
		return
	case ActionFake:
		return
	}

	e.forwardToClient(client, msg)

	if msg.Type == wire.MsgReadyForQuery {
		e.maybeReleaseAfterReadyForQuery(client, server)
	}
}

func (e *Engine) forwardToClient(client *Socket, msg wire.Message) {
	client.Write(frame(msg.Type, msg.Body))
}

// maybeReleaseAfterReadyForQuery implements the pool-mode-dependent
// release point: transaction-pooled servers (statement mode is handled the
// same way) return to the SVUsed list the instant a transaction ends
// (status 'I'), while session-pooled servers stay linked to their client
// until the client disconnects.
func (e *Engine) maybeReleaseAfterReadyForQuery(client, server *Socket) {
	p := client.Pool
	if p == nil {
		return
	}
	mode := effectivePoolMode(p)
	if mode == PoolModeSession {
		p.changeState(client, CLActive)
		return
	}
	if server.TransactionStatus != 'I' {
		return
	}
	client.Peer = nil
	server.Peer = nil
	p.changeState(client, CLWaiting)
	e.releaseServer(p, server, false)
	e.tryAssignWaiting(p)
}

func effectivePoolMode(p *Pool) PoolMode {
	if p.User != nil && p.User.PoolMode != "" {
		return p.User.PoolMode
	}
	if p.Database.PoolMode != "" {
		return p.Database.PoolMode
	}
	return PoolModeSession
}

// releaseServer returns a server connection to the SVUsed list, from which
// pickIdleServer hands it to the next client as is (no reset or check
// query is run), or closes it outright if dirty/closing is requested.
func (e *Engine) releaseServer(p *Pool, server *Socket, forceClose bool) {
	if forceClose || server.Dirty {
		p.changeState(server, SVJustFree)
		server.Close()
		return
	}
	p.changeState(server, SVUsed)
}

func (e *Engine) onServerClosed(server *Socket, err error) {
	p := server.Pool
	if p == nil {
		return
	}
	if client := server.Peer; client != nil {
		client.Peer = nil
		server.Peer = nil
		e.protocolError(client, "server connection lost")
	}
	p.changeState(server, SVJustFree)
	e.tryAssignWaiting(p)
}

func (e *Engine) onClientClosed(sock *Socket, err error) {
	e.closeClient(sock, "client connection closed")
}

func splitParameterStatus(body []byte) (name, value string, ok bool) {
	name, rest, ok := cstr(body)
	if !ok {
		return "", "", false
	}
	value, _, ok = cstr(rest)
	return name, value, ok
}

func cstr(b []byte) (string, []byte, bool) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), b[i+1:], true
		}
	}
	return "", nil, false
}

// handleMaintenanceReply consumes a server reply that arrives while no
// client is linked: it pops the server's own Requests queue instead of a
// client's, and records the ReadyForQuery transaction status.
func (e *Engine) handleMaintenanceReply(server *Socket, msg wire.Message) {
	server.Requests.pop()
	if msg.Type == wire.MsgReadyForQuery {
		server.TransactionStatus = msg.StatusByte()
	}
}
