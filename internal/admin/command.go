// Package admin implements the pgbouncer-style administrative console
// (spec.md §6): parsing the SHOW/PAUSE/RESUME/RECONNECT/RELOAD/KILL/
// SUSPEND/SHUTDOWN command language clients issue against the special
// "pgbouncer" pseudo-database, and formatting their results as ordinary
// RowDescription/DataRow wire messages. It knows nothing about Engine,
// Pool, or Socket — internal/pool's admin console glue calls into this
// package to parse a query and to render whatever rows it computed,
// keeping the command grammar testable without a running pooler.
//
// Grounded on openwengo-pgbouncer_exporter's collector_types.go, which
// names the exact SHOW STATS/SHOW CONFIG column vocabulary this console
// renders (listen_backlog, default_pool_size, reserve_pool_timeout_seconds,
// total_xact_count, total_query_time, and friends).
package admin

import "strings"

// Verb is one admin-console command family.
type Verb int

const (
	VerbUnknown Verb = iota
	VerbShow
	VerbPause
	VerbResume
	VerbReconnect
	VerbReload
	VerbKill
	VerbSuspend
	VerbShutdown
	VerbSet
)

// Command is a parsed admin-console statement.
type Command struct {
	Verb Verb
	// Arg is the noun following the verb: for SHOW, the report name
	// ("pools", "clients", ...); for PAUSE/RESUME/RECONNECT/KILL, the
	// optional database name; for SET, "key=value".
	Arg string
	// ShutdownMode distinguishes bare SHUTDOWN from its WAIT_FOR_* forms.
	ShutdownMode string
}

// Parse recognizes one admin-console statement. Unknown input returns
// VerbUnknown; the caller (internal/pool) is responsible for replying
// with an appropriate ErrorResponse.
func Parse(sql string) Command {
	sql = strings.TrimSpace(sql)
	sql = strings.TrimSuffix(sql, ";")
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return Command{Verb: VerbUnknown}
	}

	verb := strings.ToUpper(fields[0])
	rest := ""
	if len(fields) > 1 {
		rest = strings.Join(fields[1:], " ")
	}

	switch verb {
	case "SHOW":
		return Command{Verb: VerbShow, Arg: strings.ToLower(rest)}
	case "PAUSE":
		return Command{Verb: VerbPause, Arg: rest}
	case "RESUME":
		return Command{Verb: VerbResume, Arg: rest}
	case "RECONNECT":
		return Command{Verb: VerbReconnect, Arg: rest}
	case "RELOAD":
		return Command{Verb: VerbReload}
	case "KILL":
		return Command{Verb: VerbKill, Arg: rest}
	case "SUSPEND":
		return Command{Verb: VerbSuspend}
	case "SHUTDOWN":
		return Command{Verb: VerbShutdown, ShutdownMode: strings.ToUpper(rest)}
	case "SET":
		return Command{Verb: VerbSet, Arg: rest}
	default:
		return Command{Verb: VerbUnknown}
	}
}

// ShowReports lists the report names SHOW recognizes, mirroring
// pgbouncer's own SHOW HELP listing.
var ShowReports = []string{
	"pools", "clients", "servers", "stats", "stats_totals", "stats_averages",
	"config", "databases", "users", "version", "lists",
}
