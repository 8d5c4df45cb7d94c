package pool

import "github.com/dbbouncer/pgpooler/internal/varcache"

// varAlignSQL returns the SET statement needed to bring server's session
// variables in line with what client expects, or "" if already aligned.
// Thin wrapper kept separate from internal/varcache so the pool package's
// Socket type never needs to be known by that package (component C stays
// reusable outside the pooler).
func varAlignSQL(server, client *Socket) string {
	return varcache.Align(server.Vars, client.Vars)
}
