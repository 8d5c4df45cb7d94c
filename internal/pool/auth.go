package pool

import (
	"bufio"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/dbbouncer/pgpooler/internal/wire"
)

// performServerAuth drives the outbound half of authentication: the
// pooler dials a real server on the client's behalf and must itself
// satisfy whatever auth method that server demands, using the stored
// Credential for the pool's GlobalUser. Grounded on the teacher's dial()
// + authenticatePG (internal/pool/pool.go) and scramSHA256Auth
// (internal/pool/scram.go), adapted here to share framing with
// internal/wire instead of hand-rolling length prefixes a second time.
func performServerAuth(conn net.Conn, db *Database, user *GlobalUser) (r *bufio.Reader, backendPID, backendKey uint32, err error) {
	startup := wire.BuildStartupMessage(user.Name, db.DBName, nil)
	if _, err := conn.Write(startup); err != nil {
		return nil, 0, 0, fmt.Errorf("writing startup message: %w", err)
	}

	// One bufio.Reader for the connection's entire lifetime: auth and the
	// steady-state readServerLoop must share it, since a second
	// bufio.Reader wrapping the same conn would silently drop whatever
	// the first one had already buffered past the handshake boundary.
	r = bufio.NewReader(conn)
	for {
		msg, err := wire.ReadMessage(r)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("reading auth response: %w", err)
		}
		switch msg.Type {
		case wire.MsgErrorResponse:
			return nil, 0, 0, parseErrorMessage(msg.Body)
		case wire.MsgAuthentication:
			done, err := handleServerAuthMessage(conn, r, msg.Body, user)
			if err != nil {
				return nil, 0, 0, err
			}
			if done {
				pid, key, err := drainServerStartup(r)
				return r, pid, key, err
			}
		default:
			return nil, 0, 0, fmt.Errorf("unexpected message %q before authentication complete", msg.Type)
		}
	}
}

func handleServerAuthMessage(conn net.Conn, r *bufio.Reader, body []byte, user *GlobalUser) (done bool, err error) {
	if len(body) < 4 {
		return false, fmt.Errorf("short authentication message")
	}
	authType := beUint32(body[:4])
	switch authType {
	case wire.AuthOK:
		return true, nil
	case wire.AuthCleartextPassword:
		if err := sendPasswordMessage(conn, user.Cred.Password); err != nil {
			return false, err
		}
		return false, nil
	case wire.AuthMD5Password:
		salt := body[4:8]
		hashed := computeMD5Password(user.Name, user.Cred.Password, salt)
		if err := sendPasswordMessage(conn, hashed); err != nil {
			return false, err
		}
		return false, nil
	case wire.AuthSASL:
		if err := scramSHA256Auth(conn, r, user.Name, user.Cred.Password, body[4:]); err != nil {
			return false, err
		}
		return false, nil
	default:
		return false, fmt.Errorf("unsupported authentication method %d", authType)
	}
}

// drainServerStartup reads ParameterStatus/BackendKeyData/ReadyForQuery
// messages following AuthenticationOk, capturing the real backend's own
// BackendKeyData so a later client CancelRequest can be forwarded to it
// (component F/G), and stopping once ReadyForQuery arrives.
func drainServerStartup(r *bufio.Reader) (backendPID, backendKey uint32, err error) {
	for {
		msg, err := wire.ReadMessage(r)
		if err != nil {
			return 0, 0, fmt.Errorf("reading post-auth startup: %w", err)
		}
		switch msg.Type {
		case wire.MsgBackendKeyData:
			if len(msg.Body) >= 8 {
				backendPID = beUint32(msg.Body[0:4])
				backendKey = beUint32(msg.Body[4:8])
			}
		case wire.MsgReadyForQuery:
			return backendPID, backendKey, nil
		case wire.MsgErrorResponse:
			return 0, 0, parseErrorMessage(msg.Body)
		}
	}
}

func sendPasswordMessage(conn net.Conn, password string) error {
	body := append([]byte(password), 0)
	return wire.WriteMessage(conn, wire.MsgPasswordMessage, body)
}

// computeMD5Password computes "md5" + hex(md5(md5(password+user)+salt)),
// PostgreSQL's MD5 auth response, identical to the teacher's
// computeMD5Password (internal/pool/pool.go).
func computeMD5Password(user, password string, salt []byte) string {
	inner := md5.Sum([]byte(password + user))
	innerHex := hex.EncodeToString(inner[:])
	outer := md5.Sum(append([]byte(innerHex), salt...))
	return "md5" + hex.EncodeToString(outer[:])
}

// scramSHA256Auth performs the SASL SCRAM-SHA-256 exchange with a real
// backend server, the pooler acting as client. Grounded on the teacher's
// scramSHA256Auth (internal/pool/scram.go); reframed over wire.ReadMessage
// instead of hand-rolled length-prefix parsing.
func scramSHA256Auth(conn net.Conn, r *bufio.Reader, user, password string, saslPayload []byte) error {
	mechanisms := parseSASLMechanisms(saslPayload)
	if !containsMechanism(mechanisms, "SCRAM-SHA-256") {
		return fmt.Errorf("server does not support SCRAM-SHA-256, offered: %v", mechanisms)
	}

	nonceBytes := make([]byte, 18)
	if _, err := rand.Read(nonceBytes); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	clientNonce := base64.StdEncoding.EncodeToString(nonceBytes)

	gs2Header := "n,,"
	clientFirstBare := fmt.Sprintf("n=%s,r=%s", saslEscapeUsername(user), clientNonce)
	clientFirstMsg := gs2Header + clientFirstBare

	if err := sendSASLInitialResponse(conn, "SCRAM-SHA-256", []byte(clientFirstMsg)); err != nil {
		return fmt.Errorf("sending SASL initial response: %w", err)
	}

	serverFirstMsg, err := readAuthSubMessage(r, wire.AuthSASLContinue)
	if err != nil {
		return fmt.Errorf("reading server-first-message: %w", err)
	}

	serverNonce, salt, iterations, err := parseServerFirst(string(serverFirstMsg))
	if err != nil {
		return fmt.Errorf("parsing server-first-message: %w", err)
	}
	if !strings.HasPrefix(serverNonce, clientNonce) {
		return fmt.Errorf("server nonce does not start with client nonce")
	}

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header))
	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, serverNonce)

	authMessage := clientFirstBare + "," + string(serverFirstMsg) + "," + clientFinalWithoutProof
	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	clientFinalMsg := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)
	if err := sendSASLResponse(conn, []byte(clientFinalMsg)); err != nil {
		return fmt.Errorf("sending SASL response: %w", err)
	}

	serverFinalMsg, err := readAuthSubMessage(r, wire.AuthSASLFinal)
	if err != nil {
		return fmt.Errorf("reading server-final-message: %w", err)
	}

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	expectedServerSig := hmacSHA256(serverKey, []byte(authMessage))
	expectedServerFinal := "v=" + base64.StdEncoding.EncodeToString(expectedServerSig)
	if string(serverFinalMsg) != expectedServerFinal {
		return fmt.Errorf("server signature mismatch")
	}

	// Final AuthenticationOK follows the SASL exchange.
	msg, err := wire.ReadMessage(r)
	if err != nil {
		return fmt.Errorf("reading post-SASL auth message: %w", err)
	}
	if msg.Type == wire.MsgErrorResponse {
		return parseErrorMessage(msg.Body)
	}
	if msg.Type != wire.MsgAuthentication || beUint32(msg.Body[:4]) != wire.AuthOK {
		return fmt.Errorf("expected AuthenticationOk after SCRAM final, got %q", msg.Type)
	}
	return nil
}

func readAuthSubMessage(r *bufio.Reader, expected uint32) ([]byte, error) {
	msg, err := wire.ReadMessage(r)
	if err != nil {
		return nil, err
	}
	if msg.Type == wire.MsgErrorResponse {
		return nil, parseErrorMessage(msg.Body)
	}
	if msg.Type != wire.MsgAuthentication {
		return nil, fmt.Errorf("expected Authentication message, got %q", msg.Type)
	}
	if len(msg.Body) < 4 {
		return nil, fmt.Errorf("authentication message too short")
	}
	if got := beUint32(msg.Body[:4]); got != expected {
		return nil, fmt.Errorf("expected auth sub-type %d, got %d", expected, got)
	}
	return msg.Body[4:], nil
}

func parseSASLMechanisms(data []byte) []string {
	var mechs []string
	for len(data) > 0 {
		idx := 0
		for idx < len(data) && data[idx] != 0 {
			idx++
		}
		if idx > 0 {
			mechs = append(mechs, string(data[:idx]))
		}
		if idx >= len(data) {
			break
		}
		data = data[idx+1:]
	}
	return mechs
}

func containsMechanism(mechs []string, target string) bool {
	for _, m := range mechs {
		if m == target {
			return true
		}
	}
	return false
}

func parseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	parts := strings.Split(msg, ",")
	for _, part := range parts {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("decoding salt: %w", err)
			}
		case strings.HasPrefix(part, "i="):
			fmt.Sscanf(part[2:], "%d", &iterations)
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, fmt.Errorf("incomplete server-first-message: %q", msg)
	}
	return nonce, salt, iterations, nil
}

func saslEscapeUsername(user string) string {
	user = strings.ReplaceAll(user, "=", "=3D")
	user = strings.ReplaceAll(user, ",", "=2C")
	return user
}

func sendSASLInitialResponse(conn net.Conn, mechanism string, clientFirstMsg []byte) error {
	var payload []byte
	payload = append(payload, mechanism...)
	payload = append(payload, 0)
	payload = append(payload, beBytes(uint32(len(clientFirstMsg)))...)
	payload = append(payload, clientFirstMsg...)
	return wire.WriteMessage(conn, wire.MsgPasswordMessage, payload)
}

func sendSASLResponse(conn net.Conn, data []byte) error {
	return wire.WriteMessage(conn, wire.MsgPasswordMessage, data)
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func xorBytes(a, b []byte) []byte {
	result := make([]byte, len(a))
	for i := range a {
		result[i] = a[i] ^ b[i]
	}
	return result
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func beBytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// parseErrorMessage renders an ErrorResponse body's fields into a
// readable error, ignoring tags the pooler doesn't act on.
func parseErrorMessage(body []byte) error {
	fields := map[byte]string{}
	start := 0
	for i := 0; i < len(body); i++ {
		if body[i] == 0 {
			if start < i {
				tag := body[start]
				fields[tag] = string(body[start+1 : i])
			}
			start = i + 1
			if start < len(body) && body[start] == 0 {
				break
			}
		}
	}
	if msg, ok := fields['M']; ok {
		if code, ok := fields['C']; ok {
			return fmt.Errorf("%s: %s", code, msg)
		}
		return fmt.Errorf("%s", msg)
	}
	return fmt.Errorf("backend error (unparseable)")
}
