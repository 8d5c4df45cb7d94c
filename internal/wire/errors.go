package wire

import "fmt"

// PGError is an ErrorResponse/NoticeResponse built from SQLSTATE fields,
// the shape the pooler uses whenever it originates a message to a client
// instead of forwarding one from a real server (auth failures, pool
// admission timeouts, config rejections, admin-console errors).
type PGError struct {
	Severity string // ERROR, FATAL, PANIC, WARNING, NOTICE
	Code     string // SQLSTATE, e.g. "53300" (too_many_connections)
	Message  string
	Detail   string
	Hint     string
}

func (e *PGError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s (%s): %s: %s", e.Severity, e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s (%s): %s", e.Severity, e.Code, e.Message)
}

// Common SQLSTATE codes the pooler itself raises.
const (
	SQLStateInvalidPassword       = "28P01"
	SQLStateInvalidAuthSpec       = "28000"
	SQLStateTooManyConnections    = "53300"
	SQLStateConfigFileError       = "F0000"
	SQLStateConnectionFailure     = "08006"
	SQLStateAdminShutdown         = "57P01"
	SQLStateQueryCanceled         = "57014"
	SQLStateProtocolViolation     = "08P01"
	SQLStateFeatureNotSupported   = "0A000"
	SQLStateUndefinedDatabase     = "3D000"
	SQLStateInternalError         = "XX000"
)

// Build encodes the error as an ErrorResponse ('E') or NoticeResponse ('N')
// message body, field-tagged per the wire format (byte tag + C string,
// terminated by a zero byte).
func (e *PGError) Build() (typ byte, body []byte) {
	if e.Severity == "NOTICE" || e.Severity == "WARNING" {
		typ = MsgNoticeResponse
	} else {
		typ = MsgErrorResponse
	}
	body = appendField(body, 'S', e.Severity)
	body = appendField(body, 'V', e.Severity)
	body = appendField(body, 'C', e.Code)
	body = appendField(body, 'M', e.Message)
	if e.Detail != "" {
		body = appendField(body, 'D', e.Detail)
	}
	if e.Hint != "" {
		body = appendField(body, 'H', e.Hint)
	}
	body = append(body, 0)
	return typ, body
}

func appendField(body []byte, tag byte, val string) []byte {
	body = append(body, tag)
	body = append(body, val...)
	body = append(body, 0)
	return body
}

// BuildAuthOK builds an Authentication message announcing success.
func BuildAuthOK() []byte {
	body := make([]byte, 4)
	return body // AuthOK == 0, already zeroed
}

// BuildAuthRequest builds an Authentication message for the given
// sub-type, with an optional salt/data payload (MD5 salt, SASL mechanism
// list or server-first-message bytes).
func BuildAuthRequest(authType uint32, data []byte) []byte {
	body := make([]byte, 4+len(data))
	putUint32(body[:4], authType)
	copy(body[4:], data)
	return body
}

// BuildParameterStatus builds a ParameterStatus ('S') message body.
func BuildParameterStatus(name, value string) []byte {
	var body []byte
	body = append(body, name...)
	body = append(body, 0)
	body = append(body, value...)
	body = append(body, 0)
	return body
}

// BuildBackendKeyData builds a BackendKeyData ('K') message body carrying
// the pooler-issued process id and cancellation key.
func BuildBackendKeyData(pid, key uint32) []byte {
	body := make([]byte, 8)
	putUint32(body[0:4], pid)
	putUint32(body[4:8], key)
	return body
}

// BuildReadyForQuery builds a ReadyForQuery ('Z') message body with the
// given transaction status byte ('I' idle, 'T' in-transaction, 'E' failed).
func BuildReadyForQuery(status byte) []byte {
	return []byte{status}
}

// BuildQuery builds a simple Query ('Q') message body for a pooler-issued
// query (server_reset_query, server_check_query, SET alignment).
func BuildQuery(sql string) []byte {
	body := append([]byte(sql), 0)
	return body
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
