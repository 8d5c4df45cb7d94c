package pool

// Query runs fn synchronously on the engine goroutine and blocks until it
// completes. This is the one safe way for another goroutine — the HTTP
// API, the admin console's future siblings — to read or mutate engine
// state without breaking the one-goroutine-owns-everything invariant:
// fn executes exactly where every pool/socket state transition already
// executes, serialized through the same events channel.
func (e *Engine) Query(fn func(*Engine)) {
	done := make(chan struct{})
	e.events <- evQuery{fn: fn, done: done}
	<-done
}

// DatabaseSnapshot is a read-only copy of a Database's routing and pool
// knobs, safe to hand to a goroutine other than the engine's own.
type DatabaseSnapshot struct {
	Name     string
	Hosts    []string
	Port     int
	DBName   string
	PoolMode PoolMode
	PoolSize int
	Paused   bool
	Dead     bool
	Auto     bool
}

// PoolSnapshot is a read-only copy of one (database, user) Pool's list
// occupancy and cumulative stats.
type PoolSnapshot struct {
	Database  string
	User      string
	ClActive  int
	ClWaiting int
	SvActive  int
	SvIdle    int
	SvUsed    int
	SvTested  int
	Paused    bool
	Stats     Stats
}

// DatabaseSnapshotFromDatabase builds a DatabaseSnapshot directly from a
// *Database, for callers (the HTTP API's create/update handlers) that
// just constructed one and want to echo it back without a round trip
// through Query.
func DatabaseSnapshotFromDatabase(db *Database) DatabaseSnapshot {
	return snapshotDatabase(db)
}

func snapshotDatabase(db *Database) DatabaseSnapshot {
	return DatabaseSnapshot{
		Name:     db.Name,
		Hosts:    append([]string(nil), db.Hosts...),
		Port:     db.Port,
		DBName:   db.DBName,
		PoolMode: db.PoolMode,
		PoolSize: db.PoolSize,
		Paused:   db.Paused,
		Dead:     db.Dead,
		Auto:     db.Auto,
	}
}

func snapshotPool(key Key, p *Pool) PoolSnapshot {
	return PoolSnapshot{
		Database:  key.Database,
		User:      key.User,
		ClActive:  p.lists[listClientActive].Len(),
		ClWaiting: p.lists[listClientWaiting].Len(),
		SvActive:  p.lists[listServerActive].Len(),
		SvIdle:    p.lists[listServerIdle].Len(),
		SvUsed:    p.lists[listServerUsed].Len(),
		SvTested:  p.lists[listServerTested].Len(),
		Paused:    p.Paused,
		Stats:     p.Stats,
	}
}

// ListDatabases returns a snapshot of every configured database.
func (e *Engine) ListDatabases() []DatabaseSnapshot {
	var out []DatabaseSnapshot
	e.Query(func(e *Engine) {
		out = make([]DatabaseSnapshot, 0, len(e.databases))
		for _, db := range e.databases {
			out = append(out, snapshotDatabase(db))
		}
	})
	return out
}

// GetDatabaseSnapshot returns a snapshot of one database, if known.
func (e *Engine) GetDatabaseSnapshot(name string) (DatabaseSnapshot, bool) {
	var snap DatabaseSnapshot
	var ok bool
	e.Query(func(e *Engine) {
		db, exists := e.databases[name]
		ok = exists
		if exists {
			snap = snapshotDatabase(db)
		}
	})
	return snap, ok
}

// AddDatabase registers (or replaces) a routable database at runtime.
func (e *Engine) AddDatabase(db *Database) {
	e.Query(func(e *Engine) {
		e.databases[db.Name] = db
	})
}

// RemoveDatabase drops a database and force-closes every client and
// server socket belonging to its pools. Reports whether it existed.
func (e *Engine) RemoveDatabase(name string) bool {
	var existed bool
	e.Query(func(e *Engine) {
		if _, ok := e.databases[name]; !ok {
			return
		}
		existed = true
		delete(e.databases, name)
		for key, p := range e.pools {
			if key.Database != name {
				continue
			}
			forceCloseEverySocket(e, p)
			delete(e.pools, key)
		}
	})
	return existed
}

func forceCloseEverySocket(e *Engine, p *Pool) {
	serverLists := []listKey{listServerNew, listServerBeingCanceled, listServerIdle, listServerActive, listServerUsed, listServerTested, listServerActiveCancel}
	for _, lk := range serverLists {
		for _, s := range p.snapshot(lk) {
			p.changeState(s, SVJustFree)
			s.Close()
		}
	}
	clientLists := []listKey{listClientActive, listClientWaiting, listClientWaitingCancelReq, listClientActiveCancelReq}
	for _, lk := range clientLists {
		for _, c := range p.snapshot(lk) {
			e.closeClient(c, "database removed")
		}
	}
}

// SetPaused pauses or resumes every pool for a database, matching the
// admin console's PAUSE/RESUME semantics. Reports whether the database
// was known.
func (e *Engine) SetPaused(name string, paused bool) bool {
	var found bool
	e.Query(func(e *Engine) {
		db, ok := e.databases[name]
		if !ok {
			return
		}
		found = true
		db.Paused = paused
		for key, p := range e.pools {
			if key.Database == name {
				p.Paused = paused
			}
		}
		if !paused {
			for key, p := range e.pools {
				if key.Database == name {
					e.tryAssignWaiting(p)
				}
			}
		}
	})
	return found
}

// DrainDatabase force-closes every idle/used/tested server in a
// database's pools without touching linked clients, letting in-flight
// work finish naturally while refusing to reuse existing servers.
func (e *Engine) DrainDatabase(name string) bool {
	var found bool
	e.Query(func(e *Engine) {
		for key, p := range e.pools {
			if key.Database != name {
				continue
			}
			found = true
			for _, lk := range []listKey{listServerIdle, listServerUsed, listServerTested} {
				for _, s := range p.snapshot(lk) {
					p.changeState(s, SVJustFree)
					s.Close()
				}
			}
		}
	})
	return found
}

// PoolStats returns a snapshot of every (database, user) pool for the
// named database.
func (e *Engine) PoolStats(database string) ([]PoolSnapshot, bool) {
	var out []PoolSnapshot
	var found bool
	e.Query(func(e *Engine) {
		for key, p := range e.pools {
			if key.Database == database {
				found = true
				out = append(out, snapshotPool(key, p))
			}
		}
	})
	return out, found
}

// AllPoolStats returns a snapshot of every pool the engine knows about.
func (e *Engine) AllPoolStats() []PoolSnapshot {
	var out []PoolSnapshot
	e.Query(func(e *Engine) {
		out = make([]PoolSnapshot, 0, len(e.pools))
		for key, p := range e.pools {
			out = append(out, snapshotPool(key, p))
		}
	})
	return out
}
