package pool

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/dbbouncer/pgpooler/internal/admin"
	"github.com/dbbouncer/pgpooler/internal/wire"
)

// onAdminConnect admits a client to the "pgbouncer" pseudo-database
// (spec.md §6). No authentication is performed: any user name is
// accepted without a password challenge, and no configured credential is
// consulted. No real server connection is ever made — every query is
// answered directly out of engine state.
func (e *Engine) onAdminConnect(sock *Socket, userName string) {
	sock.DBName = adminDatabaseName
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
}

// isAdminSocket reports whether sock is attached to the pgbouncer
// pseudo-database rather than a real routed Database.
func (s *Socket) isAdminSocket() bool {
	return s.DBName == adminDatabaseName
}

func (e *Engine) handleAdminQuery(sock *Socket, sql string) {
	cmd := admin.Parse(sql)
	switch cmd.Verb {
	case admin.VerbShow:
		e.adminShow(sock, cmd.Arg)
	case admin.VerbPause:
		e.adminSetPaused(sock, cmd.Arg, true)
	case admin.VerbResume:
		e.adminSetPaused(sock, cmd.Arg, false)
	case admin.VerbReconnect:
		e.adminReconnect(sock, cmd.Arg)
	case admin.VerbReload:
		e.adminNotice(sock, "RELOAD not wired to a config source from the admin console in this build; use the config file watcher")
		e.adminOK(sock)
	case admin.VerbKill:
		e.adminKill(sock, cmd.Arg)
	case admin.VerbSuspend:
		e.adminNotice(sock, "SUSPEND is not supported: this pooler has no SHOW FDS/takeover path")
		e.adminOK(sock)
	case admin.VerbShutdown:
		e.adminShutdown(sock, cmd.ShutdownMode)
	case admin.VerbSet:
		e.adminOK(sock) // runtime SET of pooler globals is not implemented; accepted as a no-op like unknown GUCs
	default:
		pgErr := &wire.PGError{Severity: "ERROR", Code: wire.SQLStateFeatureNotSupported, Message: fmt.Sprintf("unsupported admin command: %q", sql)}
		typ, body := pgErr.Build()
		sock.Write(frame(typ, body))
		sock.Write(frame(wire.MsgReadyForQuery, wire.BuildReadyForQuery('I')))
	}
}

func (e *Engine) adminOK(sock *Socket) {
	sock.Write(frame(wire.MsgCommandComplete, append([]byte("SET"), 0)))
	sock.Write(frame(wire.MsgReadyForQuery, wire.BuildReadyForQuery('I')))
}

func (e *Engine) adminNotice(sock *Socket, msg string) {
	pgErr := &wire.PGError{Severity: "NOTICE", Code: "00000", Message: msg}
	typ, body := pgErr.Build()
	sock.Write(frame(typ, body))
}

func (e *Engine) adminSetPaused(sock *Socket, dbName string, paused bool) {
	n := 0
	for _, p := range e.pools {
		if dbName == "" || p.Database.Name == dbName {
			p.Paused = paused
			n++
		}
	}
	sock.Write(frame(wire.MsgCommandComplete, append([]byte(fmt.Sprintf("%s %d", boolVerb(paused), n)), 0)))
	sock.Write(frame(wire.MsgReadyForQuery, wire.BuildReadyForQuery('I')))
}

func boolVerb(paused bool) string {
	if paused {
		return "PAUSE"
	}
	return "RESUME"
}

func (e *Engine) adminReconnect(sock *Socket, dbName string) {
	for _, p := range e.pools {
		if dbName != "" && p.Database.Name != dbName {
			continue
		}
		for _, k := range []listKey{listServerIdle, listServerUsed, listServerTested} {
			for _, s := range p.snapshot(k) {
				p.changeState(s, SVJustFree)
				s.Close()
			}
		}
	}
	e.adminOK(sock)
}

func (e *Engine) adminKill(sock *Socket, dbName string) {
	for key, p := range e.pools {
		if dbName != "" && key.Database != dbName {
			continue
		}
		for _, k := range []listKey{listClientActive, listClientWaiting} {
			for _, c := range p.snapshot(k) {
				e.closeClient(c, "killed by admin console")
			}
		}
		for _, k := range []listKey{listServerIdle, listServerUsed, listServerTested, listServerActive} {
			for _, s := range p.snapshot(k) {
				p.changeState(s, SVJustFree)
				s.Close()
			}
		}
	}
	e.adminOK(sock)
}

func (e *Engine) adminShutdown(sock *Socket, mode string) {
	waitForServers := mode == "WAIT_FOR_SERVERS" || mode == ""
	waitForClients := mode == "WAIT_FOR_CLIENTS"
	e.adminOK(sock)
	e.beginShutdown(waitForServers, waitForClients)
}

func (e *Engine) adminShow(sock *Socket, report string) {
	switch report {
	case "pools":
		e.showPools(sock)
	case "clients":
		e.showClients(sock)
	case "servers":
		e.showServers(sock)
	case "stats", "stats_totals", "stats_averages":
		e.showStats(sock)
	case "config":
		e.showConfig(sock)
	case "databases":
		e.showDatabases(sock)
	case "users":
		e.showUsers(sock)
	case "version":
		e.showVersion(sock)
	case "lists":
		e.showLists(sock)
	default:
		e.adminNotice(sock, "unknown SHOW report: "+report)
	}
	sock.Write(frame(wire.MsgCommandComplete, append([]byte("SHOW"), 0)))
	sock.Write(frame(wire.MsgReadyForQuery, wire.BuildReadyForQuery('I')))
}

func (e *Engine) sortedPoolKeys() []Key {
	keys := make([]Key, 0, len(e.pools))
	for k := range e.pools {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Database != keys[j].Database {
			return keys[i].Database < keys[j].Database
		}
		return keys[i].User < keys[j].User
	})
	return keys
}

func (e *Engine) showPools(sock *Socket) {
	cols := []admin.Column{
		{Name: "database", OID: admin.OIDText}, {Name: "user", OID: admin.OIDText},
		{Name: "cl_active", OID: admin.OIDInt4}, {Name: "cl_waiting", OID: admin.OIDInt4},
		{Name: "sv_active", OID: admin.OIDInt4}, {Name: "sv_idle", OID: admin.OIDInt4},
		{Name: "sv_used", OID: admin.OIDInt4}, {Name: "sv_tested", OID: admin.OIDInt4},
		{Name: "sv_login", OID: admin.OIDInt4}, {Name: "pool_mode", OID: admin.OIDText},
	}
	sock.Write(frame(wire.MsgRowDescription, admin.BuildRowDescription(cols)))
	for _, k := range e.sortedPoolKeys() {
		p := e.pools[k]
		row := []*string{
			admin.Str(k.Database), admin.Str(k.User),
			admin.Str(itoa(p.lists[listClientActive].Len())),
			admin.Str(itoa(p.lists[listClientWaiting].Len())),
			admin.Str(itoa(p.lists[listServerActive].Len())),
			admin.Str(itoa(p.lists[listServerIdle].Len())),
			admin.Str(itoa(p.lists[listServerUsed].Len())),
			admin.Str(itoa(p.lists[listServerTested].Len())),
			admin.Str(itoa(p.lists[listServerNew].Len())),
			admin.Str(string(effectivePoolMode(p))),
		}
		sock.Write(frame(wire.MsgDataRow, admin.BuildDataRow(row)))
	}
}

func (e *Engine) showClients(sock *Socket) {
	cols := []admin.Column{
		{Name: "type", OID: admin.OIDText}, {Name: "database", OID: admin.OIDText},
		{Name: "user", OID: admin.OIDText}, {Name: "state", OID: admin.OIDText},
		{Name: "ptr", OID: admin.OIDText},
	}
	sock.Write(frame(wire.MsgRowDescription, admin.BuildRowDescription(cols)))
	for _, k := range e.sortedPoolKeys() {
		p := e.pools[k]
		for _, lk := range []listKey{listClientActive, listClientWaiting, listClientWaitingCancelReq, listClientActiveCancelReq} {
			for _, s := range p.snapshot(lk) {
				row := []*string{admin.Str("C"), admin.Str(s.DBName), admin.Str(s.UserName), admin.Str(s.State.String()), admin.Str(ptrStr(s))}
				sock.Write(frame(wire.MsgDataRow, admin.BuildDataRow(row)))
			}
		}
	}
}

func (e *Engine) showServers(sock *Socket) {
	cols := []admin.Column{
		{Name: "type", OID: admin.OIDText}, {Name: "database", OID: admin.OIDText},
		{Name: "user", OID: admin.OIDText}, {Name: "state", OID: admin.OIDText},
		{Name: "ptr", OID: admin.OIDText},
	}
	sock.Write(frame(wire.MsgRowDescription, admin.BuildRowDescription(cols)))
	for _, k := range e.sortedPoolKeys() {
		p := e.pools[k]
		for _, lk := range []listKey{listServerNew, listServerBeingCanceled, listServerIdle, listServerActive, listServerUsed, listServerTested, listServerActiveCancel} {
			for _, s := range p.snapshot(lk) {
				row := []*string{admin.Str("S"), admin.Str(s.DBName), admin.Str(s.UserName), admin.Str(s.State.String()), admin.Str(ptrStr(s))}
				sock.Write(frame(wire.MsgDataRow, admin.BuildDataRow(row)))
			}
		}
	}
}

func (e *Engine) showStats(sock *Socket) {
	cols := []admin.Column{
		{Name: "database", OID: admin.OIDText}, {Name: "total_xact_count", OID: admin.OIDInt8},
		{Name: "total_query_count", OID: admin.OIDInt8}, {Name: "total_received", OID: admin.OIDInt8},
		{Name: "total_sent", OID: admin.OIDInt8}, {Name: "total_xact_time", OID: admin.OIDInt8},
		{Name: "total_query_time", OID: admin.OIDInt8}, {Name: "total_wait_time", OID: admin.OIDInt8},
	}
	sock.Write(frame(wire.MsgRowDescription, admin.BuildRowDescription(cols)))
	for _, k := range e.sortedPoolKeys() {
		s := e.pools[k].Stats
		row := []*string{
			admin.Str(k.Database), admin.Str(i64toa(s.TotalXactCount)), admin.Str(i64toa(s.TotalQueryCount)),
			admin.Str(i64toa(s.TotalReceived)), admin.Str(i64toa(s.TotalSent)),
			admin.Str(i64toa(s.TotalXactTime)), admin.Str(i64toa(s.TotalQueryTime)), admin.Str(i64toa(s.TotalWaitTime)),
		}
		sock.Write(frame(wire.MsgDataRow, admin.BuildDataRow(row)))
	}
}

func (e *Engine) showConfig(sock *Socket) {
	cols := []admin.Column{{Name: "key", OID: admin.OIDText}, {Name: "value", OID: admin.OIDText}}
	sock.Write(frame(wire.MsgRowDescription, admin.BuildRowDescription(cols)))
	for _, dbName := range sortedDBNames(e.databases) {
		db := e.databases[dbName]
		emit := func(key, val string) {
			sock.Write(frame(wire.MsgDataRow, admin.BuildDataRow([]*string{admin.Str(dbName + "." + key), admin.Str(val)})))
		}
		emit("pool_mode", string(db.PoolMode))
		emit("pool_size", itoa(db.PoolSize))
		emit("min_pool_size", itoa(db.MinPoolSize))
		emit("reserve_pool_size", itoa(db.ReservePoolSize))
		emit("reserve_pool_timeout_seconds", itoa(int(db.ReservePoolTimeout.Seconds())))
		emit("max_db_connections", itoa(db.MaxDBConnections))
		emit("server_lifetime_seconds", itoa(int(db.ServerLifetime.Seconds())))
		emit("server_idle_timeout_seconds", itoa(int(db.ServerIdleTimeout.Seconds())))
		emit("query_wait_timeout_seconds", itoa(int(db.QueryWaitTimeout.Seconds())))
		emit("max_prepared_statements", itoa(db.MaxPreparedStatements))
	}
}

func (e *Engine) showDatabases(sock *Socket) {
	cols := []admin.Column{
		{Name: "name", OID: admin.OIDText}, {Name: "host", OID: admin.OIDText},
		{Name: "port", OID: admin.OIDInt4}, {Name: "database", OID: admin.OIDText},
		{Name: "pool_size", OID: admin.OIDInt4}, {Name: "paused", OID: admin.OIDBool},
	}
	sock.Write(frame(wire.MsgRowDescription, admin.BuildRowDescription(cols)))
	for _, name := range sortedDBNames(e.databases) {
		db := e.databases[name]
		host := ""
		if len(db.Hosts) > 0 {
			host = db.Hosts[0]
		}
		row := []*string{
			admin.Str(name), admin.Str(host), admin.Str(itoa(db.Port)), admin.Str(db.DBName),
			admin.Str(itoa(db.PoolSize)), admin.Str(boolStr(db.Paused)),
		}
		sock.Write(frame(wire.MsgDataRow, admin.BuildDataRow(row)))
	}
}

func (e *Engine) showUsers(sock *Socket) {
	cols := []admin.Column{{Name: "name", OID: admin.OIDText}, {Name: "pool_mode", OID: admin.OIDText}}
	sock.Write(frame(wire.MsgRowDescription, admin.BuildRowDescription(cols)))
	names := make([]string, 0, len(e.users))
	for n := range e.users {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		u := e.users[n]
		sock.Write(frame(wire.MsgDataRow, admin.BuildDataRow([]*string{admin.Str(n), admin.Str(string(u.PoolMode))})))
	}
}

func (e *Engine) showVersion(sock *Socket) {
	cols := []admin.Column{{Name: "version", OID: admin.OIDText}}
	sock.Write(frame(wire.MsgRowDescription, admin.BuildRowDescription(cols)))
	sock.Write(frame(wire.MsgDataRow, admin.BuildDataRow([]*string{admin.Str("pgpooler 1.0 (PostgreSQL protocol v3 pooler)")})))
}

func (e *Engine) showLists(sock *Socket) {
	cols := []admin.Column{{Name: "list", OID: admin.OIDText}, {Name: "items", OID: admin.OIDInt4}}
	sock.Write(frame(wire.MsgRowDescription, admin.BuildRowDescription(cols)))
	emit := func(name string, n int) {
		sock.Write(frame(wire.MsgDataRow, admin.BuildDataRow([]*string{admin.Str(name), admin.Str(itoa(n))})))
	}
	emit("databases", len(e.databases))
	emit("users", len(e.users))
	emit("pools", len(e.pools))
	emit("cancel_keys", len(e.cancelKeys))
}

func sortedDBNames(m map[string]*Database) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func itoa(n int) string     { return strconv.Itoa(n) }
func i64toa(n int64) string { return strconv.FormatInt(n, 10) }
func boolStr(b bool) string {
	if b {
		return "t"
	}
	return "f"
}
func ptrStr(s *Socket) string { return fmt.Sprintf("%p", s) }
