package admin

import "encoding/binary"

// Column describes one reported column's name and wire type OID, enough
// for a RowDescription a generic SQL client (including psql) can render.
type Column struct {
	Name string
	OID  uint32 // 25 = text, 23 = int4, 20 = int8
}

const (
	OIDText  = 25
	OIDInt4  = 23
	OIDInt8  = 20
	OIDBool  = 16
)

// BuildRowDescription encodes a RowDescription ('T') message body for the
// given columns, all reported as text-format with no table/attr info.
func BuildRowDescription(cols []Column) []byte {
	body := make([]byte, 2)
	binary.BigEndian.PutUint16(body[:2], uint16(len(cols)))
	for _, c := range cols {
		body = append(body, c.Name...)
		body = append(body, 0)
		body = append(body, make([]byte, 6)...) // table oid(4) + attnum(2)
		var oidBuf [4]byte
		binary.BigEndian.PutUint32(oidBuf[:], c.OID)
		body = append(body, oidBuf[:]...)
		body = append(body, 0xff, 0xff) // typlen -1 (variable)
		body = append(body, 0, 0, 0, 0) // typmod
		body = append(body, 0, 0)       // format code: text
	}
	return body
}

// BuildDataRow encodes a DataRow ('D') message body from text-formatted
// column values; a nil entry encodes SQL NULL.
func BuildDataRow(values []*string) []byte {
	body := make([]byte, 2)
	binary.BigEndian.PutUint16(body[:2], uint16(len(values)))
	for _, v := range values {
		if v == nil {
			body = append(body, 0xff, 0xff, 0xff, 0xff) // length -1: NULL
			continue
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(*v)))
		body = append(body, lenBuf[:]...)
		body = append(body, *v...)
	}
	return body
}

// Str is a convenience constructor for a non-NULL BuildDataRow entry.
func Str(s string) *string { return &s }
