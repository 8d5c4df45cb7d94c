package pool

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/dbbouncer/pgpooler/internal/wire"
)

// authenticateClient challenges a newly connected client for the
// credential on file for user, using MD5 challenge/response. Grounded on
// the teacher's authenticatePG inbound half (internal/proxy/postgres.go
// relayAuth), generalized from "relay the server's own challenge" to "the
// pooler issues its own challenge from its stored Credential", which is
// what lets one physical server connection serve many clients.
//
// Client-facing auth is MD5-only in this implementation whatever the
// stored Credential's Method is (SCRAM-SHA-256, cleartext and trust
// included); SCRAM-SHA-256 is only spoken toward the real server.
func (e *Engine) authenticateClient(sock *Socket, cred *Credential) error {
	salt := make([]byte, 4)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating md5 salt: %w", err)
	}

	if err := sock.Write(frameAuthMD5(salt)); err != nil {
		return err
	}

	msg, err := wire.ReadMessage(sock.Reader)
	if err != nil {
		return fmt.Errorf("reading password message: %w", err)
	}
	if msg.Type != wire.MsgPasswordMessage {
		return fmt.Errorf("expected PasswordMessage, got %q", msg.Type)
	}
	response := trimNull(msg.Body)

	want := cred.MD5Hash
	if want == "" {
		want = computeMD5FromHash(cred.Name, cred.Password, salt)
	} else {
		want = rehashStoredMD5(cred.MD5Hash, salt)
	}
	if response != want {
		return &wire.PGError{
			Severity: "FATAL",
			Code:     wire.SQLStateInvalidPassword,
			Message:  fmt.Sprintf("password authentication failed for user %q", cred.Name),
		}
	}
	return nil
}

func frameAuthMD5(salt []byte) []byte {
	body := wire.BuildAuthRequest(wire.AuthMD5Password, salt)
	buf := make([]byte, 1+4+len(body))
	buf[0] = wire.MsgAuthentication
	putLen(buf[1:5], 4+len(body))
	copy(buf[5:], body)
	return buf
}

func putLen(b []byte, v int) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func trimNull(b []byte) string {
	if n := len(b); n > 0 && b[n-1] == 0 {
		b = b[:n-1]
	}
	return string(b)
}

func computeMD5FromHash(user, password string, salt []byte) string {
	return computeMD5Password(user, password, salt)
}

// rehashStoredMD5 re-salts an already "md5"+hex(md5(pass+user)) stored
// hash with the connection salt, the same two-stage digest the protocol
// defines, without ever needing the plaintext password on file.
func rehashStoredMD5(storedHash string, salt []byte) string {
	inner := storedHash
	if len(inner) > 3 && inner[:3] == "md5" {
		inner = inner[3:]
	}
	outer := md5.Sum(append([]byte(inner), salt...))
	return "md5" + hex.EncodeToString(outer[:])
}
