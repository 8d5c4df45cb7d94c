package wire

import "encoding/binary"

// ParseParseMessage decodes a frontend Parse ('P') message body into its
// statement name, query text, and declared parameter type OIDs.
func ParseParseMessage(body []byte) (name, query string, paramOIDs []uint32, ok bool) {
	name, rest, ok := readCString(body)
	if !ok {
		return "", "", nil, false
	}
	query, rest, ok = readCString(rest)
	if !ok {
		return "", "", nil, false
	}
	if len(rest) < 2 {
		return "", "", nil, false
	}
	n := int(binary.BigEndian.Uint16(rest[:2]))
	rest = rest[2:]
	if len(rest) < n*4 {
		return "", "", nil, false
	}
	paramOIDs = make([]uint32, n)
	for i := 0; i < n; i++ {
		paramOIDs[i] = binary.BigEndian.Uint32(rest[i*4 : i*4+4])
	}
	return name, query, paramOIDs, true
}

// BuildParseMessage encodes a Parse ('P') message body.
func BuildParseMessage(name, query string, paramOIDs []uint32) []byte {
	var body []byte
	body = append(body, name...)
	body = append(body, 0)
	body = append(body, query...)
	body = append(body, 0)
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(paramOIDs)))
	body = append(body, n[:]...)
	for _, oid := range paramOIDs {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], oid)
		body = append(body, b[:]...)
	}
	return body
}

// BindStatementName returns the prepared-statement name a Bind ('B')
// message references (the second C-string in its body, after the
// destination portal name).
func BindStatementName(body []byte) (stmtName string, ok bool) {
	_, rest, ok := readCString(body) // portal name
	if !ok {
		return "", false
	}
	stmtName, _, ok = readCString(rest)
	return stmtName, ok
}

// RewriteBindStatementName returns a copy of a Bind message body with its
// statement-name field replaced, used to redirect a client's Bind at the
// pooler's synthetic server-side prepared-statement name.
func RewriteBindStatementName(body []byte, newName string) ([]byte, bool) {
	portal, rest, ok := readCString(body)
	if !ok {
		return nil, false
	}
	_, rest2, ok := readCString(rest)
	if !ok {
		return nil, false
	}
	var out []byte
	out = append(out, portal...)
	out = append(out, 0)
	out = append(out, newName...)
	out = append(out, 0)
	out = append(out, rest2...)
	return out, true
}

func readCString(b []byte) (string, []byte, bool) {
	idx := indexZero(b)
	if idx < 0 {
		return "", nil, false
	}
	return string(b[:idx]), b[idx+1:], true
}
