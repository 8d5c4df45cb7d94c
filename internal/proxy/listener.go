// Package proxy is the listener/accept glue that turns raw net.Conns into
// pool.Engine clients: one Listener owns the TCP accept loop, an optional
// TLS upgrade negotiated via the wire protocol's SSLRequest, and nothing
// else — every byte of the PostgreSQL protocol proper is the engine's job.
package proxy

import (
	"bufio"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"

	"github.com/dbbouncer/pgpooler/internal/pool"
	"github.com/dbbouncer/pgpooler/internal/wire"
)

// Listener accepts PostgreSQL-protocol connections and, after handling any
// SSLRequest negotiation itself, hands them to an Engine.
type Listener struct {
	log       *slog.Logger
	engine    *pool.Engine
	tlsConfig *tls.Config

	ln net.Listener
}

// New constructs a Listener. tlsConfig may be nil, in which case an
// SSLRequest is always answered with a rejection byte ('N'), matching
// plain pgbouncer with ssl=disable.
func New(engine *pool.Engine, tlsConfig *tls.Config, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{log: log, engine: engine, tlsConfig: tlsConfig}
}

// ListenAndServe binds addr and runs the accept loop until Close is
// called, or the listener errors out. Grounded on the teacher's
// proxy.Server.ListenPostgres accept-loop shape, minus the MySQL half.
func (l *Listener) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	l.ln = ln
	l.log.Info("proxy listening", "addr", addr)

	go l.acceptLoop()
	return nil
}

// Close stops accepting new connections. Already-accepted sockets are the
// engine's to drain via Shutdown.
func (l *Listener) Close() error {
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			l.log.Info("proxy accept loop stopping", "error", err)
			return
		}
		go l.handleConn(conn)
	}
}

// sslRequestLen/sslRequestCode are the eight bytes PostgreSQL clients send
// when probing for TLS support, ahead of the real startup packet.
const sslRequestLen = 8

// handleConn peeks the connection's first 8 bytes (the only length an
// SSLRequest or GSSENCRequest can ever be) to decide whether to negotiate
// TLS before the engine sees a single byte of the real protocol. A normal
// StartupMessage is always longer than 8 bytes, so this peek can never
// misidentify one: if the first 8 bytes don't match the SSLRequest code,
// they are left untouched in the buffered reader and forwarded as-is.
func (l *Listener) handleConn(conn net.Conn) {
	reader := bufio.NewReader(conn)

	peek, err := reader.Peek(sslRequestLen)
	if err != nil {
		// Shorter than any valid startup message; let the engine's own
		// ReadStartupPacket produce the real parse error.
		l.engine.AcceptWithReader(conn, reader)
		return
	}

	length := binary.BigEndian.Uint32(peek[0:4])
	code := binary.BigEndian.Uint32(peek[4:8])

	if length != sslRequestLen || (code != wire.SSLRequestCode && code != wire.GSSENCRequestCode) {
		l.engine.AcceptWithReader(conn, reader)
		return
	}

	reader.Discard(sslRequestLen)

	if code == wire.GSSENCRequestCode || l.tlsConfig == nil {
		if _, err := conn.Write([]byte{'N'}); err != nil {
			conn.Close()
			return
		}
		l.engine.AcceptWithReader(conn, reader)
		return
	}

	if _, err := conn.Write([]byte{'S'}); err != nil {
		conn.Close()
		return
	}

	tlsConn := tls.Server(conn, l.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		l.log.Warn("tls handshake failed", "remote", conn.RemoteAddr(), "error", err)
		tlsConn.Close()
		return
	}
	l.engine.AcceptWithReader(tlsConn, bufio.NewReader(tlsConn))
}
