package pool

import (
	"fmt"

	"github.com/dbbouncer/pgpooler/internal/wire"
)

const adminDatabaseName = "pgbouncer"

func (e *Engine) onClientStartup(sock *Socket, pkt wire.StartupPacket) {
	switch pkt.Code {
	case wire.CancelRequestCode:
		e.onCancelRequest(pkt.CancelBackendPID, pkt.CancelKey)
		sock.Close()
		return
	case wire.SSLRequestCode, wire.GSSENCRequestCode:
		// TLS/GSS upgrade is handled by internal/proxy before the socket
		// ever reaches the engine (see proxy's Listener.handleConn); if one reaches
		// here the client is confused about the negotiation, reject it.
		sock.Write([]byte{'N'})
		go e.readStartupLoop(sock)
		return
	}

	dbName := pkt.Params["database"]
	userName := pkt.Params["user"]
	if dbName == "" || userName == "" {
		e.rejectStartup(sock, "startup packet missing user or database")
		return
	}

	if dbName == adminDatabaseName {
		e.onAdminConnect(sock, userName)
		return
	}

	db, ok := e.databases[dbName]
	if !ok || db.Dead || db.Disabled {
		e.rejectStartup(sock, fmt.Sprintf("no such database: %q", dbName))
		return
	}
	if db.ForcedUser != "" {
		userName = db.ForcedUser
	}

	cred, ok := db.Users[userName]
	if !ok {
		e.rejectStartup(sock, fmt.Sprintf("no such user: %q", userName))
		return
	}
	user := e.userFor(userName, cred)

	if err := e.authenticateClient(sock, cred); err != nil {
		if pgErr, ok := err.(*wire.PGError); ok {
			typ, body := pgErr.Build()
			sock.Write(frame(typ, body))
		}
		sock.Close()
		return
	}

	sock.DBName = dbName
	sock.UserName = userName
	pid, key := e.nextPIDAndKey()
	sock.PID = pid
	sock.CancelKey = key
	e.cancelKeys[key] = sock

	if err := e.sendClientLoginComplete(sock); err != nil {
		sock.Close()
		return
	}

	go e.readClientLoop(sock)
	e.admitClient(sock, db, user)
}

func (e *Engine) userFor(name string, cred *Credential) *GlobalUser {
	u, ok := e.users[name]
	if !ok {
		u = &GlobalUser{Name: name, Cred: *cred}
		e.users[name] = u
	}
	return u
}

func (e *Engine) rejectStartup(sock *Socket, msg string) {
	pgErr := &wire.PGError{Severity: "FATAL", Code: wire.SQLStateInvalidAuthSpec, Message: msg}
	typ, body := pgErr.Build()
	sock.Write(frame(typ, body))
	sock.Close()
}

func (e *Engine) sendClientLoginComplete(sock *Socket) error {
	var out []byte
	out = append(out, frame(wire.MsgAuthentication, wire.BuildAuthOK())...)
	out = append(out, frame(wire.MsgParameterStatus, wire.BuildParameterStatus("server_version", "16.0 (pgpooler)"))...)
	out = append(out, frame(wire.MsgParameterStatus, wire.BuildParameterStatus("client_encoding", "UTF8"))...)
	out = append(out, frame(wire.MsgBackendKeyData, wire.BuildBackendKeyData(sock.PID, sock.CancelKey))...)
	out = append(out, frame(wire.MsgReadyForQuery, wire.BuildReadyForQuery('I'))...)
	return sock.Write(out)
}

func frame(typ byte, body []byte) []byte {
	buf := make([]byte, 1+4+len(body))
	buf[0] = typ
	putLen(buf[1:5], 4+len(body))
	copy(buf[5:], body)
	return buf
}
