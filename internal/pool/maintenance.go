package pool

import "github.com/dbbouncer/pgpooler/internal/wire"

// sendServerQuery issues a pooler-originated simple Query against server
// and records one request for it on server.Requests. Its only caller is
// the SET alignment in linkClientServer; no reset or check query is sent
// through it.
func (e *Engine) sendServerQuery(server *Socket, sql string, action Action, ref string) {
	server.Write(frame(wire.MsgQuery, wire.BuildQuery(sql)))
	server.Requests.push(OutstandingRequest{MsgType: wire.MsgQuery, Action: action})
}
