// Package varcache implements component C: tracking the subset of GUC
// session variables the pooler cares about on both the client side
// (what the client last requested via SET/ParameterStatus) and the server
// side (what the physical connection is currently set to), and producing
// the minimal SET statement needed to align the two when a server is
// handed to a different client. Grounded on the teacher's config
// defaulting/override pattern (internal/config.TenantConfig.Effective*)
// generalized from config precedence to runtime session-variable precedence.
package varcache

import (
	"fmt"
	"sort"
	"strings"
)

// TrackedVars lists the GUCs the pooler recognizes and will align, mirroring
// pgbouncer's ignore_startup_parameters complement: the common session
// settings clients actually vary at runtime.
var TrackedVars = map[string]bool{
	"client_encoding":              true,
	"datestyle":                    true,
	"timezone":                     true,
	"standard_conforming_strings":  true,
	"application_name":             true,
	"extra_float_digits":           true,
	"search_path":                  true,
	"statement_timeout":            true,
	"lock_timeout":                 true,
	"idle_in_transaction_session_timeout": true,
	"bytea_output":                 true,
}

// Cache holds the current value of each tracked variable for one side
// (client or server) of a session. A nil/missing entry means "unset,
// server default".
type Cache struct {
	values map[string]string
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{values: make(map[string]string)}
}

// Set records a variable value, as observed from a ParameterStatus message
// or a client SET statement. Unrecognized names are ignored: the pooler
// only tracks the vocabulary in TrackedVars.
func (c *Cache) Set(name, value string) {
	name = strings.ToLower(name)
	if !TrackedVars[name] {
		return
	}
	c.values[name] = value
}

// Get returns the current value and whether it has been set at all.
func (c *Cache) Get(name string) (string, bool) {
	v, ok := c.values[strings.ToLower(name)]
	return v, ok
}

// Clone returns a deep copy, used when a server's variable state needs to
// be snapshotted independently of the live cache (e.g. before a reset).
func (c *Cache) Clone() *Cache {
	out := New()
	for k, v := range c.values {
		out.values[k] = v
	}
	return out
}

// Align compares a server's current variable cache against what the client
// expects and returns the minimal combined SET statement to bring the
// server into alignment, or "" if nothing needs to change. On success the
// caller is expected to apply the SET to the server and then call
// server.Adopt(client) to make the server cache match.
func Align(server, client *Cache) string {
	var stmts []string
	names := make([]string, 0, len(client.values))
	for name := range client.values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		want := client.values[name]
		have, ok := server.values[name]
		if ok && have == want {
			continue
		}
		stmts = append(stmts, fmt.Sprintf("SET %s = %s", quoteIdent(name), quoteLiteral(want)))
	}
	if len(stmts) == 0 {
		return ""
	}
	return strings.Join(stmts, "; ")
}

// Adopt makes the server cache reflect the client cache, called after the
// server has successfully executed the SET statement Align produced.
func (server *Cache) Adopt(client *Cache) {
	for k, v := range client.values {
		server.values[k] = v
	}
}

// Reset clears all tracked values. The pool engine does not call it: no
// reset query or DISCARD ALL is tracked there.
func (c *Cache) Reset() {
	c.values = make(map[string]string)
}

func quoteIdent(name string) string {
	// tracked names are a fixed, trusted vocabulary (see TrackedVars); no
	// user-controlled identifier ever reaches this function.
	return name
}

func quoteLiteral(val string) string {
	// Conservative quoting: wrap in single quotes and double any embedded
	// quote, which is always safe for GUC string values even when a GUC
	// would also accept an unquoted numeric or boolean literal.
	return "'" + strings.ReplaceAll(val, "'", "''") + "'"
}
