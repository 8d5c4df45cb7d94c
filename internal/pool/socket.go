package pool

import (
	"bufio"
	"container/list"
	"net"
	"time"

	"github.com/dbbouncer/pgpooler/internal/prepared"
	"github.com/dbbouncer/pgpooler/internal/varcache"
	"github.com/dbbouncer/pgpooler/internal/wire"
)

// Socket is the unified representation of one physical connection, client
// or server side, spec §3's Socket type. Every field here is read and
// written only from the Engine.Run goroutine; nothing in this package
// takes a lock.
type Socket struct {
	Conn   net.Conn
	Reader *bufio.Reader

	IsServer bool
	State    SocketState
	elem     *list.Element // this socket's node in its current list
	list     listKey
	inList   bool

	// Identity.
	DBName   string
	UserName string
	PID      uint32 // pooler-issued BackendKeyData PID (client sockets)
	CancelKey uint32 // pooler-issued cancel key (client sockets)

	// BackendPID/BackendKey are the real server's own BackendKeyData
	// (server sockets only), needed to forward a CancelRequest to it.
	BackendPID uint32
	BackendKey uint32

	// Pairing: a client socket's Peer is the server it currently owns
	// (nil if none); a server socket's Peer mirrors that back.
	Peer *Socket

	Pool *Pool

	// Timing, used by the janitor for idle/lifetime/timeout enforcement.
	ConnectTime   time.Time
	RequestTime   time.Time // start of the current client request / server use
	LinkTime      time.Time // when this client/server pair was linked
	LastUsedTime  time.Time

	// Per-connection caches.
	Vars        *varcache.Cache
	ClientStmts *prepared.ClientCache // client-side only
	ServerStmts *prepared.ServerCache // server-side only
	Requests    requestQueue          // client-side only: outstanding server replies

	// TransactionStatus mirrors the last ReadyForQuery status byte seen
	// on a server ('I'/'T'/'E'), used to decide when a transaction-mode
	// server may be released back to the idle list.
	TransactionStatus byte

	// Closing/cancel bookkeeping.
	CloseReason string
	Dirty       bool // server saw a non-trivial command since last release

	// pendingWork buffers client messages that arrived before a server
	// was linked (CLWaiting), replayed by flushPendingClientWork once one is.
	pendingWork []wire.Message

	// There is no write buffer: Write sends straight to Conn,
	// synchronously on the engine goroutine (documented simplification,
	// see SPEC_FULL.md §7) so no separate writer goroutine or lock exists.
}

// NewClientSocket wraps an accepted client connection.
func NewClientSocket(conn net.Conn) *Socket {
	return NewClientSocketWithReader(conn, bufio.NewReader(conn))
}

// NewClientSocketWithReader wraps an accepted client connection whose
// reader already has bytes buffered (internal/proxy's SSLRequest peek).
func NewClientSocketWithReader(conn net.Conn, reader *bufio.Reader) *Socket {
	return &Socket{
		Conn:        conn,
		Reader:      reader,
		IsServer:    false,
		State:       CLLogin,
		ConnectTime: now(),
		Vars:        varcache.New(),
		ClientStmts: prepared.NewClientCache(),
	}
}

// NewServerSocket wraps a freshly dialed, already-authenticated server
// connection. reader must be the same *bufio.Reader used during
// performServerAuth, so no bytes buffered past the handshake are lost.
func NewServerSocket(conn net.Conn, reader *bufio.Reader, maxPreparedStatements int) *Socket {
	return &Socket{
		Conn:        conn,
		Reader:      reader,
		IsServer:    true,
		State:       SVLogin,
		ConnectTime: now(),
		Vars:        varcache.New(),
		ServerStmts: prepared.NewServerCache(maxPreparedStatements),
	}
}

// now is a single indirection point for wall-clock reads so tests can
// substitute a fake clock without the engine depending on a time source
// that could introduce nondeterminism into the single-threaded model.
var now = time.Now

// Write sends bytes to the socket immediately (synchronous,
// engine-goroutine-only write per the concurrency model in SPEC_FULL.md §7).
func (s *Socket) Write(b []byte) error {
	_, err := s.Conn.Write(b)
	return err
}

// Close closes the underlying connection. The caller is responsible for
// having already removed the socket from its Pool list via changeState.
func (s *Socket) Close() error {
	return s.Conn.Close()
}
