package proxy

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/dbbouncer/pgpooler/internal/pool"
)

func newTestEngine(t *testing.T) *pool.Engine {
	t.Helper()
	e := pool.NewEngine(pool.Config{
		Databases: map[string]*pool.Database{},
		Users:     map[string]*pool.GlobalUser{},
	})
	go e.Run()
	t.Cleanup(func() {
		e.Shutdown(false, false)
		<-e.Done()
	})
	return e
}

func dialListener(t *testing.T, l *Listener) net.Conn {
	t.Helper()
	if err := l.ListenAndServe("127.0.0.1:0"); err != nil {
		t.Fatalf("ListenAndServe: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	conn, err := net.Dial("tcp", l.ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestNonSSLStartupPassesThroughUntouched(t *testing.T) {
	e := newTestEngine(t)
	l := New(e, nil, nil)
	conn := dialListener(t, l)

	// StartupMessage for a database pgpooler doesn't know about; the
	// engine should reject it with an ErrorResponse rather than the
	// listener swallowing any bytes.
	msg := buildStartup("alice", "nosuchdb")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("expected a response byte, got error: %v", err)
	}
	if buf[0] != 'E' {
		t.Errorf("expected ErrorResponse ('E'), got %q", buf[0])
	}
}

func TestSSLRequestRejectedWithoutTLSConfig(t *testing.T) {
	e := newTestEngine(t)
	l := New(e, nil, nil)
	conn := dialListener(t, l)

	if _, err := conn.Write(buildSSLRequest()); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("expected a response byte, got error: %v", err)
	}
	if buf[0] != 'N' {
		t.Errorf("expected 'N' (ssl not supported), got %q", buf[0])
	}
}

func buildSSLRequest() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], 8)
	binary.BigEndian.PutUint32(buf[4:8], 80877103)
	return buf
}

func buildStartup(user, database string) []byte {
	var body []byte
	body = binary.BigEndian.AppendUint32(body, 196608)
	body = append(body, []byte("user\x00"+user+"\x00database\x00"+database+"\x00\x00")...)
	full := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(full[0:4], uint32(len(full)))
	copy(full[4:], body)
	return full
}
