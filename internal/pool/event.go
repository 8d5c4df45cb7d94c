package pool

import (
	"bufio"
	"net"

	"github.com/dbbouncer/pgpooler/internal/wire"
)

// event is the sum type of everything that can happen on the single
// Engine.Run goroutine's input channel. Every goroutine other than the
// engine's own only ever does one thing: parse/dial, then post an event
// and block again. None of them touch Pool/Socket state directly.
type event interface{ isEvent() }

// evNewClient hands off a freshly accepted connection. reader is non-nil
// only when internal/proxy already buffered bytes off conn while peeking
// for an SSLRequest (component A's TLS negotiation happens before the
// engine ever sees the socket); nil means the engine should start a fresh
// bufio.Reader of its own.
type evNewClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

type evClientMessage struct {
	sock *Socket
	msg  wire.Message
}

type evClientStartup struct {
	sock *Socket
	pkt  wire.StartupPacket
}

type evClientClosed struct {
	sock *Socket
	err  error
}

type evServerMessage struct {
	sock *Socket
	msg  wire.Message
}

type evServerClosed struct {
	sock *Socket
	err  error
}

// evServerLoginComplete is posted by the per-attempt dial+auth goroutine
// launched by launchNewConnection, the Go analogue of the spec's
// asynchronously-resolving DNS lookup: the dial/handshake runs off-loop,
// but its result is folded into pool state only via this single event.
type evServerLoginComplete struct {
	pool       *Pool
	conn       net.Conn
	reader     *bufio.Reader
	backendPID uint32
	backendKey uint32
	err        error
}

// evCancelDone reports that the fire-and-forget cancel connection for
// server finished (successfully or not — cancel delivery is best-effort
// in the wire protocol itself, matching real PostgreSQL's own semantics).
type evCancelDone struct {
	server *Socket
}

type evJanitorTick struct{}

type evShutdown struct {
	waitForServers bool
	waitForClients bool
}

// evQuery runs an arbitrary read or mutation on the engine goroutine on
// behalf of an external caller (Engine.Query), closing done when fn
// returns so the caller can unblock.
type evQuery struct {
	fn   func(*Engine)
	done chan struct{}
}

func (evNewClient) isEvent()           {}
func (evClientMessage) isEvent()       {}
func (evClientStartup) isEvent()       {}
func (evClientClosed) isEvent()        {}
func (evServerMessage) isEvent()       {}
func (evServerClosed) isEvent()        {}
func (evServerLoginComplete) isEvent() {}
func (evCancelDone) isEvent()          {}
func (evJanitorTick) isEvent()         {}
func (evShutdown) isEvent()            {}
func (evQuery) isEvent()               {}
