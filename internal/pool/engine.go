package pool

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/dbbouncer/pgpooler/internal/wire"
)

// Engine is the sole owner of every Pool and every Socket. Everything
// under internal/pool is mutated from exactly one goroutine: the one
// running Engine.Run. Every other goroutine in this package (one reader
// per connection, one dialer per launch attempt, the janitor ticker) only
// parses bytes or dials sockets and then posts an event; none of them
// hold a reference to Pool/Socket state they could mutate concurrently.
// This is the realization of spec.md §5/§9's "no parallel threads over
// the pool structures" requirement without locks.
type Engine struct {
	log *slog.Logger

	events chan event

	databases map[string]*Database
	users     map[string]*GlobalUser
	pools     map[Key]*Pool

	// cancelKeys maps a pooler-issued cancel key to the client socket it
	// was handed to, so an incoming CancelRequest can be routed without
	// scanning every pool (component F/G).
	cancelKeys map[uint32]*Socket

	nextPID uint32

	shuttingDown   bool
	shutdownPhase  shutdownPhase

	janitorInterval time.Duration

	closed chan struct{}
}

type shutdownPhase int

const (
	shutdownNone shutdownPhase = iota
	shutdownWaitForServers
	shutdownWaitForClients
)

// Config bundles what the engine needs at construction: the routable
// databases and users it starts with (config.Load output, adapted), and
// the logger the rest of the pooler uses.
type Config struct {
	Databases map[string]*Database
	Users     map[string]*GlobalUser
	Logger    *slog.Logger
}

// NewEngine constructs an Engine. Call Run in its own goroutine to start
// processing; nothing else in this package is safe to call before Run is
// pumping events, and nothing in this package is safe to call from any
// goroutine other than Run itself once it is.
func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		log:             logger,
		events:          make(chan event, 1024),
		databases:       cfg.Databases,
		users:           cfg.Users,
		pools:           make(map[Key]*Pool),
		cancelKeys:      make(map[uint32]*Socket),
		janitorInterval: time.Second,
		closed:          make(chan struct{}),
	}
}

// Accept hands a freshly accepted net.Conn to the engine. Safe to call
// from any goroutine (notably internal/proxy's listener loop): it only
// posts an event.
func (e *Engine) Accept(conn net.Conn) {
	e.events <- evNewClient{conn: conn}
}

// AcceptWithReader is Accept for a connection internal/proxy already
// started reading from (buffered while peeking at the startup packet to
// decide on an SSLRequest upgrade). Passing the same *bufio.Reader
// forward means none of those already-buffered bytes are lost.
func (e *Engine) AcceptWithReader(conn net.Conn, reader *bufio.Reader) {
	e.events <- evNewClient{conn: conn, reader: reader}
}

// Run pumps the event loop until ctx-like shutdown via Shutdown/Close.
// This must run in exactly one goroutine for the lifetime of the engine.
func (e *Engine) Run() {
	ticker := time.NewTicker(e.janitorInterval)
	defer ticker.Stop()

	go func() {
		for range ticker.C {
			select {
			case e.events <- evJanitorTick{}:
			case <-e.closed:
				return
			}
		}
	}()

	for ev := range e.events {
		e.handle(ev)
	}
	close(e.closed)
}

func (e *Engine) handle(ev event) {
	switch v := ev.(type) {
	case evNewClient:
		e.onNewClient(v.conn, v.reader)
	case evClientStartup:
		e.onClientStartup(v.sock, v.pkt)
	case evClientMessage:
		e.onClientMessage(v.sock, v.msg)
	case evClientClosed:
		e.onClientClosed(v.sock, v.err)
	case evServerMessage:
		e.onServerMessage(v.sock, v.msg)
	case evServerClosed:
		e.onServerClosed(v.sock, v.err)
	case evServerLoginComplete:
		e.onServerLoginComplete(v.pool, v.conn, v.reader, v.backendPID, v.backendKey, v.err)
	case evCancelDone:
		e.onCancelDone(v.server)
	case evJanitorTick:
		e.runJanitor()
	case evShutdown:
		e.beginShutdown(v.waitForServers, v.waitForClients)
	case evQuery:
		v.fn(e)
		close(v.done)
	}
}

func (e *Engine) nextPIDAndKey() (pid, key uint32) {
	e.nextPID++
	pid = e.nextPID
	// Cancel keys must be unpredictable per spec §4.F/§4.G, so they are
	// drawn from crypto/rand; the clock-and-pid mix is only the fallback
	// for a failing random source.
	var b [4]byte
	if _, err := rand.Read(b[:]); err == nil {
		key = binary.BigEndian.Uint32(b[:])
	} else {
		key = uint32(time.Now().UnixNano()) ^ (pid * 2654435761)
	}
	return pid, key
}

func (e *Engine) onNewClient(conn net.Conn, reader *bufio.Reader) {
	var sock *Socket
	if reader != nil {
		sock = NewClientSocketWithReader(conn, reader)
	} else {
		sock = NewClientSocket(conn)
	}
	go e.readStartupLoop(sock)
}

// readStartupLoop runs on its own goroutine per connection: it blocks on
// I/O to parse exactly the startup packet, then posts evClientStartup and
// returns control to the engine, which decides whether to keep reading
// (spawning readClientLoop) or reject and close.
func (e *Engine) readStartupLoop(sock *Socket) {
	pkt, err := wire.ReadStartupPacket(sock.Reader)
	if err != nil {
		e.events <- evClientClosed{sock: sock, err: err}
		return
	}
	e.events <- evClientStartup{sock: sock, pkt: pkt}
}

// readClientLoop is the one-goroutine-per-connection reader required by
// the concurrency model: it only parses frames off the wire and posts
// them to the engine's channel. Channel backpressure (the buffered
// e.events channel filling up) is this implementation's analogue of the
// spec's "reads suspend implicitly" under backlog.
func (e *Engine) readClientLoop(sock *Socket) {
	for {
		msg, err := wire.ReadMessage(sock.Reader)
		if err != nil {
			e.events <- evClientClosed{sock: sock, err: err}
			return
		}
		e.events <- evClientMessage{sock: sock, msg: msg}
	}
}

func (e *Engine) readServerLoop(sock *Socket) {
	for {
		msg, err := wire.ReadMessage(sock.Reader)
		if err != nil {
			e.events <- evServerClosed{sock: sock, err: err}
			return
		}
		e.events <- evServerMessage{sock: sock, msg: msg}
	}
}

// launchNewConnection dials and authenticates a new server connection for
// pool off the engine goroutine, posting a single evServerLoginComplete
// when done. Grounded on the teacher's dial()+authenticatePG running
// inline in a pool-owned goroutine (internal/pool/pool.go); here the
// handshake is identical in spirit but its *completion* is folded back
// through one event instead of directly mutating shared maps.
func (e *Engine) launchNewConnection(p *Pool) {
	db := p.Database
	host := pickHost(db, p)
	addr := fmt.Sprintf("%s:%d", host, db.Port)

	go func() {
		conn, err := net.DialTimeout("tcp", addr, connectTimeoutOr(db.ServerConnectTimeout, 5*time.Second))
		if err != nil {
			e.events <- evServerLoginComplete{pool: p, err: fmt.Errorf("dial %s: %w", addr, err)}
			return
		}
		reader, backendPID, backendKey, err := performServerAuth(conn, db, p.User)
		if err != nil {
			conn.Close()
			e.events <- evServerLoginComplete{pool: p, err: fmt.Errorf("auth to %s: %w", addr, err)}
			return
		}
		e.events <- evServerLoginComplete{pool: p, conn: conn, reader: reader, backendPID: backendPID, backendKey: backendKey}
	}()
}

func connectTimeoutOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func pickHost(db *Database, p *Pool) string {
	if len(db.Hosts) == 0 {
		return "localhost"
	}
	if !db.LoadBalanceHosts || len(db.Hosts) == 1 {
		return db.Hosts[0]
	}
	idx := atomic.AddUint32(&p.RRCounter, 1)
	return db.Hosts[int(idx)%len(db.Hosts)]
}

func (e *Engine) onServerLoginComplete(p *Pool, conn net.Conn, reader *bufio.Reader, backendPID, backendKey uint32, err error) {
	if err != nil {
		p.LastConnectFailedAt = time.Now().Unix()
		p.LastConnectFailedMsg = err.Error()
		e.log.Warn("server login failed", "pool", p.Key, "error", err)
		return
	}
	sock := NewServerSocket(conn, reader, p.Database.MaxPreparedStatements)
	sock.DBName = p.Database.DBName
	sock.UserName = p.User.Name
	sock.BackendPID = backendPID
	sock.BackendKey = backendKey
	p.changeState(sock, SVIdle)
	go e.readServerLoop(sock)
	e.tryAssignWaiting(p)
}

// Shutdown requests a graceful shutdown progression (component I):
// waitForServers lets in-flight server work finish before closing
// servers, otherwise they are closed at once. waitForClients is not
// consulted: the engine always waits for every client to disconnect on
// its own before it exits (see beginShutdown).
func (e *Engine) Shutdown(waitForServers, waitForClients bool) {
	e.events <- evShutdown{waitForServers: waitForServers, waitForClients: waitForClients}
}

// Done is closed once a requested shutdown has fully drained.
func (e *Engine) Done() <-chan struct{} {
	return e.closed
}
